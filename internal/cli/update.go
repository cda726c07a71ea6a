package cli

import (
	"github.com/spf13/cobra"

	"github.com/vault-cli/credvault/internal/crypto"
)

func (a *app) newUpdateCommand() *cobra.Command {
	opts := &secretOptions{}
	cmd := &cobra.Command{
		Use:   "update <service> <identifier>",
		Short: "Replace the secret of an existing credential",
		Long: `Replace the secret stored for a service and identifier. The entry keeps
its creation time.

Example:
  credvault update gmail alice@example.com
  credvault update github alice --generate 32`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.unlocked(cmd.Context())
			if err != nil {
				return err
			}
			secret, generated, err := opts.read(a, cmd)
			if err != nil {
				return err
			}
			defer crypto.Zeroize(secret)

			if err := svc.UpdateEntry(cmd.Context(), args[0], args[1], secret); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if generated != "" {
				if err := writeOutput(out, "Generated secret: %s\n", generated); err != nil {
					return err
				}
			}
			return writeOutput(out, "✓ Updated %s / %s\n", args[0], args[1])
		},
	}
	opts.bind(cmd)
	return cmd
}
