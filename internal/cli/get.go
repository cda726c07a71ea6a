package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/vault-cli/credvault/internal/clipboard"
)

var (
	copyToClipboard      = clipboard.CopyWithTimeout
	clipboardIsAvailable = clipboard.IsAvailable
)

func (a *app) newGetCommand() *cobra.Command {
	var copyFlag bool
	var ttl int
	cmd := &cobra.Command{
		Use:   "get <service> <identifier>",
		Short: "Show or copy a credential's secret",
		Long: `Decrypt and print the secret of one credential. With --copy the secret
goes to the clipboard instead and is cleared after the clipboard timeout;
the command waits for the clear before exiting.

Example:
  credvault get gmail alice@example.com
  credvault get gmail alice@example.com --copy
  credvault get gmail alice@example.com --copy --ttl 10`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.unlocked(cmd.Context())
			if err != nil {
				return err
			}
			secret, err := svc.GetSecret(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			defer secret.Zero()

			out := cmd.OutOrStdout()
			if !copyFlag {
				return writeOutput(out, "%s\n", string(secret.Bytes()))
			}
			timeout, err := a.clipboardTTL(ttl)
			if err != nil {
				return err
			}
			return a.copySecret(cmd, string(secret.Bytes()), timeout)
		},
	}
	cmd.Flags().BoolVarP(&copyFlag, "copy", "c", false, "Copy the secret to the clipboard")
	cmd.Flags().IntVar(&ttl, "ttl", -1, "Clipboard clear timeout in seconds (-1 to use config default)")
	return cmd
}

// copySecret copies text and, outside the shell, waits until the clipboard
// has been cleared.
func (a *app) copySecret(cmd *cobra.Command, text string, timeout time.Duration) error {
	if !clipboardIsAvailable(a.opts.Clipboard) {
		return errClipboardUnavailable
	}
	done, err := copyToClipboard(a.opts.Clipboard, text, timeout)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if timeout <= 0 {
		return writeOutput(out, "✓ Copied to clipboard\n")
	}
	if err := writeOutput(out, "✓ Copied to clipboard (clears in %s)\n", timeout.Round(time.Second)); err != nil {
		return err
	}
	if a.inShell {
		return nil
	}
	select {
	case <-done:
	case <-cmd.Context().Done():
		return cmd.Context().Err()
	}
	return nil
}

func (a *app) clipboardTTL(override int) (time.Duration, error) {
	if override < -1 {
		return 0, errInvalidTTL
	}
	if override >= 0 {
		return time.Duration(override) * time.Second, nil
	}
	return a.cfg.ClipboardClear(), nil
}
