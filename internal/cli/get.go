package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	idempotency "github.com/AnandSundar/lambda-idempotency"
)

// NewGetCommand creates the get command.
func NewGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <key>",
		Short:         "Show the record stored under a key",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeStore, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			record, err := s.Get(cmd.Context(), args[0])
			if errors.Is(err, idempotency.ErrRecordNotFound) {
				return WrapExitError(ExitNotFound, "no live record", err)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read record", err)
			}

			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), record)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Key:        %s\n", record.Key)
			fmt.Fprintf(out, "Status:     %s\n", record.Status)
			fmt.Fprintf(out, "Expires:    %s\n", record.ExpiresAt.UTC().Format(time.RFC3339))
			if !record.InProgressExpiresAt.IsZero() {
				fmt.Fprintf(out, "In flight:  until %s\n", record.InProgressExpiresAt.UTC().Format(time.RFC3339))
			}
			if record.PayloadHash != "" {
				fmt.Fprintf(out, "Payload:    %s\n", record.PayloadHash)
			}
			if len(record.Result) > 0 {
				fmt.Fprintf(out, "Result:     %s\n", record.Result)
			}
			return nil
		},
	}
}
