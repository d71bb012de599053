package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	idempotency "github.com/AnandSundar/lambda-idempotency"
	"github.com/AnandSundar/lambda-idempotency/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Config config.Config
	Format string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for idemctl. Flag defaults come
// from the same environment the commands read.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{Config: config.Load()}

	cmd := &cobra.Command{
		Use:   "idemctl",
		Short: "Inspect idempotency records",
		Long:  "Compute idempotency keys for events and inspect or remove the records stored under them.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.StringVar(&opts.Config.Backend, "store", opts.Config.Backend, "store backend (memory|redis|postgres|sqlite|dynamodb)")
	flags.StringVar(&opts.Config.RedisAddr, "redis-addr", opts.Config.RedisAddr, "redis address")
	flags.StringVar(&opts.Config.RedisPrefix, "redis-prefix", opts.Config.RedisPrefix, "redis key prefix")
	flags.StringVar(&opts.Config.PostgresDSN, "postgres-dsn", opts.Config.PostgresDSN, "postgres connection string")
	flags.StringVar(&opts.Config.PostgresTable, "postgres-table", opts.Config.PostgresTable, "postgres table")
	flags.StringVar(&opts.Config.SQLitePath, "sqlite-path", opts.Config.SQLitePath, "sqlite database file")
	flags.StringVar(&opts.Config.DynamoDBTable, "dynamodb-table", opts.Config.DynamoDBTable, "dynamodb table")

	cmd.AddCommand(NewKeyCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))

	return cmd
}

func (o *RootOptions) openStore(ctx context.Context) (idempotency.Store, func(), error) {
	s, closeStore, err := o.Config.OpenStore(ctx)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return s, closeStore, nil
}
