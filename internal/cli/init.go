package cli

import (
	"github.com/spf13/cobra"
)

func (a *app) newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new vault and set the master password",
		Long: `Create a new vault in the data directory and set its master password.

The master password must be at least 8 characters and mix upper and lower
case letters, digits and symbols. A per-installation secret key is created
in secure storage; together with the master password it derives the key
that encrypts the vault file.

Example:
  credvault init
  credvault --data-dir /path/to/data init`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			for _, w := range svc.StorageWarnings() {
				a.logger.Warn().Err(w).Msg("secure storage backend skipped")
			}

			out := cmd.OutOrStdout()
			if err := writeOutput(out, "Creating new vault in %s\n", svc.Config().DataDir); err != nil {
				return err
			}
			password, err := promptNewPassword(a.opts.Prompter, "Master password: ")
			if err != nil {
				return err
			}

			strength, err := svc.Setup(cmd.Context(), password)
			if err != nil {
				return err
			}
			if err := writeOutput(out, "✓ Vault created (secret key stored in %s storage)\n", svc.BackendName()); err != nil {
				return err
			}
			return writeOutput(out, "Password strength: %s (estimated crack time %s)\n",
				strength.Description, strength.CrackTime)
		},
	}
}
