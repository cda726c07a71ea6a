package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) newAuditCommand() *cobra.Command {
	var limit int
	var verify, outputJSON bool
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "View and verify the audit log",
		Long: `View and verify the audit log.

Every operation appends a hash-chained event recording its type, the
service and identifier it touched, the time and whether it succeeded.
Secrets never appear in the log. --verify walks the chain and fails on
any modified, reordered or removed event.

Example:
  credvault audit
  credvault audit --limit 50 --json
  credvault audit --verify`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.unlocked(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if verify {
				n, err := svc.VerifyAudit()
				if err != nil {
					return err
				}
				return writeOutput(out, "✓ Audit chain intact (%d events)\n", n)
			}

			events, err := svc.AuditEvents(limit)
			if err != nil {
				return err
			}
			if outputJSON {
				return writeJSON(out, events)
			}
			if len(events) == 0 {
				return writeOutput(out, "No audit events\n")
			}
			w := newTable(out)
			fmt.Fprintln(w, "TIME\tOPERATION\tSUBJECT\tRESULT")
			for _, e := range events {
				result := "ok"
				if !e.Success {
					result = "failed"
				}
				subject := e.Subject
				if subject == "" {
					subject = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", formatTime(e.Timestamp), e.Type, subject, result)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of recent events to show (0 for all)")
	cmd.Flags().BoolVar(&verify, "verify", false, "Verify the hash chain")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	return cmd
}
