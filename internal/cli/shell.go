package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vault-cli/credvault/internal/util"
)

func (a *app) newShellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Run commands in one unlocked session",
		Long: `Start an interactive shell. The master password is asked once and the
session stays unlocked until it times out, 'lock' is run, or the shell
exits. Any credvault command can be typed without the 'credvault' prefix;
arguments with spaces can be quoted.

Example:
  credvault shell
  credvault> add gmail "alice smith"
  credvault> list
  credvault> exit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.unlocked(cmd.Context()); err != nil {
				return err
			}
			a.inShell = true
			defer func() {
				a.inShell = false
				a.close()
			}()

			errOut := cmd.ErrOrStderr()
			for {
				if err := cmd.Context().Err(); err != nil {
					return nil
				}
				line, err := a.opts.Prompter.Line("credvault> ")
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				words, err := splitArgs(line)
				if err != nil {
					fmt.Fprintf(errOut, "Error: %v\n", err)
					continue
				}
				if len(words) == 0 {
					continue
				}
				switch words[0] {
				case "exit", "quit":
					return nil
				case "shell":
					fmt.Fprintln(errOut, "Error: already in a shell")
					continue
				}

				sub := newRoot(a)
				sub.SetArgs(words)
				sub.SetIn(cmd.InOrStdin())
				sub.SetOut(cmd.OutOrStdout())
				sub.SetErr(errOut)
				if err := sub.ExecuteContext(cmd.Context()); err != nil {
					fmt.Fprintf(errOut, "Error: %v\n", err)
					if hint := util.Remediation(err); hint != "" {
						fmt.Fprintf(errOut, "Hint: %s\n", hint)
					}
				}
			}
		},
	}
}

// splitArgs splits a shell line on whitespace, honouring single and double
// quotes and backslash escapes outside single quotes.
func splitArgs(line string) ([]string, error) {
	var (
		words   []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inWord = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 || escaped {
		return nil, util.Errorf(util.ErrValidation, "unterminated quote or escape")
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, nil
}
