package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	idempotency "github.com/AnandSundar/lambda-idempotency"
	"github.com/AnandSundar/lambda-idempotency/envelope"
)

// KeyOptions holds flags for the key command.
type KeyOptions struct {
	*RootOptions
	Path         string
	FunctionName string
}

// NewKeyCommand creates the key command.
func NewKeyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "key [event.json]",
		Short: "Compute the idempotency key for an event",
		Long: `Compute the idempotency key an event maps to. The event is read from
the file argument, or from stdin when it is omitted or "-".

Example:
  idemctl key event.json --path 'body|@powertools_json' --function-name payments`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "-"
			if len(args) == 1 {
				name = args[0]
			}
			return runKey(cmd, opts, name)
		},
	}

	functionName := rootOpts.Config.FunctionName
	if functionName == "" {
		functionName = idempotency.DefaultFunctionName
	}
	cmd.Flags().StringVarP(&opts.Path, "path", "p", "", "gjson path selecting the key data (default: config file, else whole event)")
	cmd.Flags().StringVar(&opts.FunctionName, "function-name", functionName, "key prefix")

	return cmd
}

func runKey(cmd *cobra.Command, opts *KeyOptions, name string) error {
	var (
		event []byte
		err   error
	)
	if name == "-" {
		event, err = io.ReadAll(cmd.InOrStdin())
	} else {
		event, err = os.ReadFile(name)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read event", err)
	}

	// same options the deployed handlers derive keys with; flags win
	keyOpts := opts.Config.Options()
	if cmd.Flags().Changed("path") {
		keyOpts = append(keyOpts, idempotency.WithEventKeyPath(opts.Path))
	}
	if cmd.Flags().Changed("function-name") {
		keyOpts = append(keyOpts, idempotency.WithFunctionName(opts.FunctionName))
	}
	cfg := idempotency.NewConfig(keyOpts...)
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid idempotency configuration", err)
	}

	key, err := idempotency.DeriveKey(cfg, event)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to derive key", err)
	}

	if opts.Format == "json" {
		data, _ := envelope.ExtractBytes(event, cfg.EventKeyPath)
		return writeJSON(cmd.OutOrStdout(), map[string]any{
			"key":  key,
			"path": cfg.EventKeyPath,
			"data": rawJSON(data),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}

// rawJSON embeds already-encoded JSON
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}
