// Command idemctl computes idempotency keys and manages stored records.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/AnandSundar/lambda-idempotency/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
