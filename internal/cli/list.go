package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/vault-cli/credvault/internal/domain"
	"github.com/vault-cli/credvault/internal/vault"
)

func (a *app) newListCommand() *cobra.Command {
	var search string
	var outputJSON, long bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List credentials without their secrets",
		Long: `List stored credentials sorted by service and identifier. Secrets are
never shown.

The --search flag matches service and identifier case-insensitively; use
'+' between tokens to require all of them (e.g. 'aws+prod').

Example:
  credvault list
  credvault list --search gmail
  credvault list --json
  credvault list --long`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.unlocked(cmd.Context())
			if err != nil {
				return err
			}
			filter := &domain.Filter{
				Search:       search,
				SearchTokens: vault.ParseSearchTokens(search),
			}
			entries, err := svc.ListEntries(cmd.Context(), filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outputJSON {
				return writeJSON(out, entries)
			}
			if len(entries) == 0 {
				if search != "" {
					return writeOutput(out, "No entries found matching %q\n", search)
				}
				return writeOutput(out, "No entries yet. Use 'credvault add <service> <identifier>' to create one.\n")
			}
			return writeEntriesTable(out, entries, long)
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "Search service and identifier")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	cmd.Flags().BoolVar(&long, "long", false, "Show timestamps")
	return cmd
}

func writeEntriesTable(out io.Writer, entries []domain.EntrySummary, long bool) error {
	w := newTable(out)
	if long {
		fmt.Fprintln(w, "SERVICE\tIDENTIFIER\tCREATED\tUPDATED")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Service, e.Identifier, formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
		}
	} else {
		fmt.Fprintln(w, "SERVICE\tIDENTIFIER")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\n", e.Service, e.Identifier)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write table: %w", err)
	}
	return writeOutput(out, "\n%d entries\n", len(entries))
}
