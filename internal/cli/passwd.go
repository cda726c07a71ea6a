package cli

import (
	"github.com/spf13/cobra"
)

func (a *app) newPasswdCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Change the master password",
		Long: `Change the master password. The vault is re-encrypted under the new
key in one atomic write; if that fails the old password stays valid.
Existing backups keep the password that was current when they were taken.

Example:
  credvault passwd`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			current, err := a.opts.Prompter.Password("Current master password: ")
			if err != nil {
				return err
			}
			next, err := promptNewPassword(a.opts.Prompter, "New master password: ")
			if err != nil {
				return err
			}
			if err := svc.ChangeMasterPassword(cmd.Context(), current, next); err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), "✓ Master password changed\n")
		},
	}
}
