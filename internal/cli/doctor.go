package cli

import (
	"github.com/spf13/cobra"

	"github.com/vault-cli/credvault/internal/auth"
	"github.com/vault-cli/credvault/internal/util"
)

func (a *app) newDoctorCommand() *cobra.Command {
	var unlock, outputJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Perform security and health checks",
		Long: `Check every artifact in the data directory without changing anything:
secure storage, the master password record and secret key, both copies
of the recovery salt, the recovery store, the vault file, its permissions
and the audit log chain.

With --unlock the vault contents are authenticated too; otherwise only
the vault header is checked.

Example:
  credvault doctor
  credvault doctor --unlock`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			if unlock && svc.State() != auth.StateUninitialized {
				if svc, err = a.unlocked(cmd.Context()); err != nil {
					return err
				}
			}

			report := svc.Doctor(cmd.Context())
			out := cmd.OutOrStdout()
			if outputJSON {
				if err := writeJSON(out, report); err != nil {
					return err
				}
			} else {
				if err := writeOutput(out, "credvault health check\n======================\n"); err != nil {
					return err
				}
				for _, c := range report.Checks {
					mark := "✅"
					if !c.OK {
						mark = "❌"
					}
					if err := writeOutput(out, "%s %-17s %s\n", mark, c.Name, c.Detail); err != nil {
						return err
					}
					if c.Hint != "" {
						if err := writeOutput(out, "   %s\n", c.Hint); err != nil {
							return err
						}
					}
				}
			}
			if !report.OK() {
				return util.Errorf(util.ErrIntegrity, "health check found problems")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&unlock, "unlock", false, "Unlock to authenticate the vault contents")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	return cmd
}
