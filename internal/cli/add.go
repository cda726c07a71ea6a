package cli

import (
	"github.com/spf13/cobra"

	"github.com/vault-cli/credvault/internal/crypto"
)

type secretOptions struct {
	file     string
	stdin    bool
	generate int
}

func (o *secretOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.file, "secret-file", "", "Read the secret from a file")
	cmd.Flags().BoolVar(&o.stdin, "secret-stdin", false, "Read the secret from stdin")
	cmd.Flags().IntVar(&o.generate, "generate", 0, "Generate a random secret of this length instead of prompting")
	cmd.MarkFlagsMutuallyExclusive("secret-file", "secret-stdin", "generate")
}

// read resolves the secret. Generated secrets are also returned as a
// string so the caller can show them once.
func (o *secretOptions) read(a *app, cmd *cobra.Command) ([]byte, string, error) {
	if o.generate > 0 {
		generated, err := crypto.GenerateStrongPassword(o.generate)
		if err != nil {
			return nil, "", err
		}
		return []byte(generated), generated, nil
	}
	secret, err := readSecret(a.opts.Prompter, o.file, o.stdin, cmd.InOrStdin())
	return secret, "", err
}

func (a *app) newAddCommand() *cobra.Command {
	opts := &secretOptions{}
	cmd := &cobra.Command{
		Use:   "add <service> <identifier>",
		Short: "Add a credential to the vault",
		Long: `Add a credential for a service and identifier (user name, email or
account id). The secret is prompted for without echo unless it is read
from a file, from stdin or generated.

Example:
  credvault add gmail alice@example.com
  credvault add aws admin --secret-file secret.txt
  echo -n 's3cret' | credvault add db root --secret-stdin
  credvault add github alice --generate 24`,
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

			if err := svc.AddEntry(cmd.Context(), args[0], args[1], secret); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if generated != "" {
				if err := writeOutput(out, "Generated secret: %s\n", generated); err != nil {
					return err
				}
			}
			return writeOutput(out, "✓ Added %s / %s\n", args[0], args[1])
		},
	}
	opts.bind(cmd)
	return cmd
}
