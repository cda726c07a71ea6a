package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vault-cli/credvault/internal/backup"
)

func (a *app) newBackupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list, restore and delete vault backups",
		Long: `Manage snapshots of the encrypted vault file in the backup directory.

A snapshot holds the vault bytes exactly as stored, so it is only readable
with the master password that was current when it was taken. Encrypted
snapshots are additionally sealed with a key derived from the installation
secret key; --include-auth stores the master password record alongside.`,
	}
	cmd.AddCommand(
		a.newBackupCreateCommand(),
		a.newBackupListCommand(),
		a.newBackupRestoreCommand(),
		a.newBackupDeleteCommand(),
	)
	return cmd
}

func (a *app) newBackupCreateCommand() *cobra.Command {
	var plain, includeAuth bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Snapshot the vault",
		Example: `  credvault backup create
  credvault backup create --include-auth`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.unlocked(cmd.Context())
			if err != nil {
				return err
			}
			path, ok, err := svc.CreateBackup(cmd.Context(), backup.Options{Encrypt: !plain, IncludeAuth: includeAuth})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !ok {
				return writeOutput(out, "Nothing to back up: the vault is empty\n")
			}
			return writeOutput(out, "✓ Backup written to %s\n", path)
		},
	}
	cmd.Flags().BoolVar(&plain, "no-encrypt", false, "Store the snapshot without the backup-key seal")
	cmd.Flags().BoolVar(&includeAuth, "include-auth", false, "Include the master password record")
	return cmd
}

func (a *app) newBackupListCommand() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			backups, err := svc.ListBackups()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if outputJSON {
				return writeJSON(out, backups)
			}
			if len(backups) == 0 {
				return writeOutput(out, "No backups in %s\n", svc.Config().BackupDir())
			}
			w := newTable(out)
			fmt.Fprintln(w, "NAME\tCREATED\tSIZE\tENCRYPTED")
			for _, b := range backups {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.Name, formatTime(b.ModTime), formatSize(b.Size), yesNo(b.Encrypted))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	return cmd
}

func (a *app) newBackupRestoreCommand() *cobra.Command {
	var yes, includeAuth bool
	cmd := &cobra.Command{
		Use:   "restore <name|path>",
		Short: "Replace the vault with a backup",
		Long: `Replace the current vault with a snapshot. Entries added since the
snapshot are lost. The session is locked afterwards; unlock with the
master password that was current when the snapshot was taken, or pass
--include-auth to restore that password record too.`,
		Example: `  credvault backup restore vault-20260101-120000.000000000.bak
  credvault backup restore /media/usb/vault-20260101-120000.000000000.bak --yes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.unlocked(cmd.Context())
			if err != nil {
				return err
			}
			ok, err := a.confirm(yes, "Replace the current vault with "+args[0]+"?")
			if err != nil {
				return err
			}
			if !ok {
				return errCancelled
			}
			if _, err := svc.RestoreBackup(cmd.Context(), args[0], true, includeAuth); err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), "✓ Vault restored from %s\n", args[0])
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	cmd.Flags().BoolVar(&includeAuth, "include-auth", false, "Also restore the master password record stored in the backup")
	return cmd
}

func (a *app) newBackupDeleteCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a backup from the backup directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.unlocked(cmd.Context())
			if err != nil {
				return err
			}
			ok, err := a.confirm(yes, "Delete backup "+args[0]+"? This cannot be undone.")
			if err != nil {
				return err
			}
			if !ok {
				return errCancelled
			}
			if err := svc.DeleteBackup(args[0]); err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), "✓ Deleted %s\n", args[0])
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}
