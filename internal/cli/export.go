package cli

import (
	"github.com/spf13/cobra"

	"github.com/vault-cli/credvault/internal/transfer"
)

func (a *app) newExportCommand() *cobra.Command {
	var format string
	var yes bool
	cmd := &cobra.Command{
		Use:   "export [file]",
		Short: "Export credentials in plaintext JSON, CSV or text",
		Long: `Export every credential, secrets included, as JSON, CSV or text lines
of the form "service - identifier - secret". The file is
written with owner-only permissions, but its contents are NOT encrypted:
delete it once you are done with it.

Without a file argument the export goes to stdout. The format is taken
from --format, else from the file extension, else JSON.

Example:
  credvault export backup.json
  credvault export --format csv > creds.csv`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.unlocked(cmd.Context())
			if err != nil {
				return err
			}
			ok, err := a.confirm(yes, "The export contains every secret in plaintext. Continue?")
			if err != nil {
				return err
			}
			if !ok {
				return errCancelled
			}

			f, err := resolveFormat(format, args)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				_, err := svc.Export(cmd.Context(), cmd.OutOrStdout(), f)
				return err
			}
			n, err := svc.ExportFile(cmd.Context(), args[0], f)
			if err != nil {
				return err
			}
			return writeOutput(cmd.ErrOrStderr(), "✓ Exported %d entries to %s (plaintext, delete after use)\n", n, args[0])
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "Output format (json|csv|txt)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

// resolveFormat prefers the flag, then the file extension, then JSON.
func resolveFormat(flag string, args []string) (transfer.Format, error) {
	if flag != "" {
		return transfer.ParseFormat(flag)
	}
	if len(args) > 0 {
		if f, err := transfer.FormatFromPath(args[0]); err == nil {
			return f, nil
		}
	}
	return transfer.FormatJSON, nil
}
