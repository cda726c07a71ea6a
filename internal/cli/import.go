package cli

import (
	"github.com/spf13/cobra"

	"github.com/vault-cli/credvault/internal/transfer"
)

func (a *app) newImportCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "import <file|->",
		Short: "Import credentials from JSON, CSV or text",
		Long: `Import credentials from a JSON array, a CSV file with the header
service,identifier,password,createdAt,updatedAt, or text lines of the form
"service - identifier - secret". Use '-' to read stdin.

Records that already exist in the vault, or repeat an earlier record in
the same file, are skipped as duplicates. Records with missing or invalid
fields are skipped as malformed. Everything else is added in one write.

Example:
  credvault import backup.json
  credvault import --format csv - < creds.csv`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.unlocked(cmd.Context())
			if err != nil {
				return err
			}

			var res transfer.Result
			if args[0] == "-" {
				f := transfer.FormatJSON
				if format != "" {
					if f, err = transfer.ParseFormat(format); err != nil {
						return err
					}
				}
				res, err = svc.Import(cmd.Context(), cmd.InOrStdin(), f)
			} else {
				f, ferr := resolveFormat(format, args)
				if ferr != nil {
					return ferr
				}
				res, err = svc.ImportFile(cmd.Context(), args[0], f)
			}
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), "✓ Imported %d, skipped %d duplicates and %d malformed records\n",
				res.Imported, res.Duplicates, res.Malformed)
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "Input format (json|csv|txt)")
	return cmd
}
