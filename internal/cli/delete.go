package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <key>...",
		Short:         "Remove records so the next call runs the handler again",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeStore, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			for _, key := range args {
				if err := s.Delete(cmd.Context(), key); err != nil {
					return WrapExitError(ExitCommandError, fmt.Sprintf("failed to delete %s", key), err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", key)
			}
			return nil
		},
	}
}

// purger is implemented by stores that can drop expired records on demand
type purger interface {
	Purge(ctx context.Context) (int64, error)
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "purge",
		Short:         "Delete expired records from stores without native TTLs",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeStore, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			p, ok := s.(purger)
			if !ok {
				return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("store %q expires records itself", opts.Config.Backend)}
			}
			n, err := p.Purge(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "purge failed", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d records\n", n)
			return nil
		},
	}
}
