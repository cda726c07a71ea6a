package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) newDeleteCommand() *cobra.Command {
	var yes, all bool
	cmd := &cobra.Command{
		Use:   "delete [<service> <identifier>]",
		Short: "Delete a credential, or every credential with --all",
		Long: `Delete one credential, or clear the whole vault with --all. Both ask for
confirmation unless --yes is given.

Example:
  credvault delete gmail alice@example.com
  credvault delete --all --yes`,
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.unlocked(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if all {
				ok, err := a.confirm(yes, "Delete every entry in the vault?")
				if err != nil {
					return err
				}
				if !ok {
					return errCancelled
				}
				n, err := svc.ClearVault(cmd.Context(), true)
				if err != nil {
					return err
				}
				return writeOutput(out, "✓ Deleted %d entries\n", n)
			}

			ok, err := a.confirm(yes, fmt.Sprintf("Delete %s / %s?", args[0], args[1]))
			if err != nil {
				return err
			}
			if !ok {
				return errCancelled
			}
			if err := svc.DeleteEntry(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			return writeOutput(out, "✓ Deleted %s / %s\n", args[0], args[1])
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	cmd.Flags().BoolVar(&all, "all", false, "Delete every entry")
	return cmd
}
