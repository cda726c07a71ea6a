package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vault-cli/credvault/internal/auth"
)

func (a *app) newLockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Lock the session and wipe the key from memory",
		Long: `Lock the session. Inside 'credvault shell' this ends the unlocked
session; a single command always locks when it exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.svc == nil || a.svc.State() != auth.StateUnlocked {
				return writeOutput(cmd.OutOrStdout(), "Vault is already locked\n")
			}
			a.svc.Lock()
			return writeOutput(cmd.OutOrStdout(), "✓ Vault locked\n")
		},
	}
}

func (a *app) newUnlockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Unlock the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.unlocked(cmd.Context())
			if err != nil {
				return err
			}
			snap := svc.SessionState()
			return writeOutput(cmd.OutOrStdout(), "✓ Vault unlocked (locks after %s of inactivity)\n", snap.Timeout)
		},
	}
}

func (a *app) newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the vault and session state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			cfg := svc.Config()
			snap := svc.SessionState()

			w := newTable(cmd.OutOrStdout())
			fmt.Fprintf(w, "Data directory:\t%s\n", cfg.DataDir)
			fmt.Fprintf(w, "Vault:\t%s\n", cfg.VaultPath())
			fmt.Fprintf(w, "Secure storage:\t%s\n", svc.BackendName())
			fmt.Fprintf(w, "State:\t%s\n", svc.State())
			fmt.Fprintf(w, "Session timeout:\t%s\n", snap.Timeout)
			if snap.Unlocked {
				fmt.Fprintf(w, "Unlocked at:\t%s\n", snap.UnlockedAt.Local().Format(time.RFC3339))
				fmt.Fprintf(w, "Locks in:\t%s\n", snap.Remaining.Round(time.Second))
			}
			return w.Flush()
		},
	}
}
