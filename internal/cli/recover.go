package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/vault-cli/credvault/internal/recovery"
	"github.com/vault-cli/credvault/internal/util"
)

func (a *app) newRecoverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Repair damaged or lost vault artifacts",
		Long: `Recovery paths for the master password artifacts, the vault file and
the device recovery salt. None of them needs an unlocked session, and
every path preserves a damaged file before replacing it.`,
	}
	cmd.AddCommand(
		a.newRecoverMasterCommand(),
		a.newRecoverVaultCommand(),
		a.newRecoverSaltCommand(),
	)
	return cmd
}

func (a *app) newRecoverMasterCommand() *cobra.Command {
	var reset, yes bool
	cmd := &cobra.Command{
		Use:   "master",
		Short: "Restore the master password record and secret key",
		Long: `Restore the master password record and installation secret key from the
storage mirror or the device-bound recovery copy.

When neither copy survives, --reset sets a new master password. The
existing vault cannot be decrypted afterwards; it is kept next to the new
one with an .orphaned suffix.`,
		Example: `  credvault recover master
  credvault recover master --reset`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			engine := svc.Recovery()
			out := cmd.OutOrStdout()

			if !reset {
				rep, err := engine.RecoverMasterArtifact()
				if err != nil {
					return err
				}
				if err := writeReport(out, rep); err != nil {
					return err
				}
				if rep.Outcome == recovery.OutcomeResetRequired {
					return util.Errorf(util.ErrNotFound, "no recoverable copy of the master password record; rerun with --reset")
				}
				return nil
			}

			ok, err := a.confirm(yes, "Resetting makes the current vault unreadable. Continue?")
			if err != nil {
				return err
			}
			if !ok {
				return errCancelled
			}
			password, err := promptNewPassword(a.opts.Prompter, "New master password: ")
			if err != nil {
				return err
			}
			rep, err := engine.ResetMasterPassword(cmd.Context(), password, true)
			if err != nil {
				return err
			}
			return writeReport(out, rep)
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "Set a new master password, abandoning the current vault")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func (a *app) newRecoverVaultCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Check the vault file and restore it from a backup if damaged",
		Long: `Verify the vault file with the master password. A damaged file is kept
with a .corrupt suffix and replaced by the newest backup that decrypts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			password, err := a.opts.Prompter.Password("Master password: ")
			if err != nil {
				return err
			}
			engine := svc.Recovery()
			rep, err := engine.RecoverVault(cmd.Context(), password, yes)
			if err != nil {
				return err
			}
			if rep.Outcome == recovery.OutcomeConfirmationRequired {
				if err := writeReport(cmd.OutOrStdout(), rep); err != nil {
					return err
				}
				ok, err := a.confirm(false, "Replace the vault with the newest usable backup?")
				if err != nil {
					return err
				}
				if !ok {
					return errCancelled
				}
				if rep, err = engine.RecoverVault(cmd.Context(), password, true); err != nil {
					return err
				}
			}
			if err := writeReport(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
			if rep.Outcome == recovery.OutcomeResetRequired {
				if rep.Cause == nil {
					return util.Errorf(util.ErrNotFound, "no usable backup")
				}
				return util.WrapError(rep.Cause, "no usable backup")
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Restore without asking")
	return cmd
}

func (a *app) newRecoverSaltCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "salt",
		Short: "Repair the device recovery salt",
		Long: `Check both copies of the device recovery salt. A lost salt is
regenerated and the recovery copy of the master password record is sealed
again under the new device key.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			rep, err := svc.Recovery().RecoverRecoverySalt()
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), rep)
		},
	}
}

func writeReport(w io.Writer, rep recovery.Report) error {
	if err := writeOutput(w, "Result: %s\n", rep.Outcome); err != nil {
		return err
	}
	if rep.Detail != "" {
		if err := writeOutput(w, "%s\n", rep.Detail); err != nil {
			return err
		}
	}
	if rep.Warning != "" {
		return writeOutput(w, "Warning: %s\n", rep.Warning)
	}
	return nil
}
