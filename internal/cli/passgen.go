package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/vault-cli/credvault/internal/crypto"
	"github.com/vault-cli/credvault/internal/util"
)

type passgenOptions struct {
	length    int
	words     int
	separator string
	charset   string
	copy      bool
	ttl       int
	strength  bool
}

func newPassgenCommand(a *app) *cobra.Command {
	opts := &passgenOptions{
		length:    20,
		separator: "-",
		charset:   string(crypto.CharsetAlnumSym),
		ttl:       -1,
	}

	cmd := &cobra.Command{
		Use:   "passgen",
		Short: "Generate secure passwords or passphrases",
		Long: `Generate secure passwords using configurable character sets or
word-list passphrases, with optional clipboard support. Nothing is stored.

Example:
  credvault passgen
  credvault passgen --length 32 --charset alnum
  credvault passgen --words 5 --separator " "
  credvault passgen --copy --ttl 15`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPassgen(cmd, a, opts)
		},
	}

	cmd.Flags().IntVar(&opts.length, "length", opts.length, "Length of generated password (characters)")
	cmd.Flags().IntVar(&opts.words, "words", 0, "Number of words for a passphrase")
	cmd.Flags().StringVar(&opts.separator, "separator", opts.separator, "Separator between passphrase words")
	cmd.Flags().BoolVar(&opts.copy, "copy", false, "Copy the generated value to the clipboard")
	cmd.Flags().IntVar(&opts.ttl, "ttl", opts.ttl, "Clipboard clear timeout in seconds (-1 to use config default)")
	cmd.Flags().StringVar(&opts.charset, "charset", opts.charset, "Character set (alpha|alnum|alnumsym)")
	cmd.Flags().BoolVar(&opts.strength, "strength", false, "Print a strength estimate after the value")

	return cmd
}

func runPassgen(cmd *cobra.Command, a *app, opts *passgenOptions) error {
	var secret string
	if opts.words > 0 {
		if cmd.Flags().Changed("length") {
			return util.Errorf(util.ErrValidation, "--words cannot be used with --length")
		}
		if cmd.Flags().Changed("charset") {
			return util.Errorf(util.ErrValidation, "--words cannot be used with --charset")
		}
		phrase, err := crypto.GeneratePassphrase(opts.words, opts.separator)
		if err != nil {
			return err
		}
		secret = phrase
	} else {
		charset := crypto.Charset(strings.ToLower(opts.charset))
		switch charset {
		case crypto.CharsetAlpha, crypto.CharsetAlnum, crypto.CharsetAlnumSym:
		default:
			return util.Errorf(util.ErrValidation, "invalid charset: %s (valid: alpha, alnum, alnumsym)", opts.charset)
		}
		if opts.length <= 0 {
			return util.Errorf(util.ErrValidation, "--length must be positive")
		}
		password, err := crypto.GeneratePassword(opts.length, charset)
		if err != nil {
			return err
		}
		secret = password
	}

	out := cmd.OutOrStdout()
	if opts.copy {
		timeout, err := a.clipboardTTL(opts.ttl)
		if err != nil {
			return err
		}
		if err := a.copySecret(cmd, secret, timeout); err != nil {
			return err
		}
	} else if err := writeOutput(out, "%s\n", secret); err != nil {
		return err
	}

	if opts.strength {
		s := crypto.EstimateStrength(secret)
		return writeOutput(out, "Strength: %s (%.0f bits, crack time %s)\n", s.Description, s.Entropy, s.CrackTime)
	}
	return nil
}
