package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/vault-cli/credvault/internal/util"
)

// Prompter reads interactive input.
type Prompter interface {
	// Password reads a line without echo.
	Password(prompt string) (string, error)
	// Line reads one trimmed line. io.EOF means input ended.
	Line(prompt string) (string, error)
	// Confirm asks a yes/no question, defaulting to no.
	Confirm(prompt string) (bool, error)
}

type terminalPrompter struct {
	in  *bufio.Reader
	fd  int
	tty bool
	out io.Writer
}

// newTerminalPrompter reads from in, disabling echo for passwords when in
// is a terminal. Prompts go to out so stdout stays clean for piping.
func newTerminalPrompter(in *os.File, out io.Writer) Prompter {
	fd := int(in.Fd())
	return &terminalPrompter{
		in:  bufio.NewReader(in),
		fd:  fd,
		tty: term.IsTerminal(fd),
		out: out,
	}
}

func (p *terminalPrompter) Password(prompt string) (string, error) {
	if !p.tty {
		return p.Line(prompt)
	}
	fmt.Fprint(p.out, prompt)
	password, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(password), nil
}

func (p *terminalPrompter) Line(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	input, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || input == "") {
		if err == io.EOF {
			return "", io.EOF
		}
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimRight(input, "\r\n"), nil
}

func (p *terminalPrompter) Confirm(prompt string) (bool, error) {
	return confirmWith(p, prompt)
}

func confirmWith(p Prompter, prompt string) (bool, error) {
	input, err := p.Line(prompt + " [y/N]: ")
	if err != nil {
		return false, err
	}
	input = strings.ToLower(strings.TrimSpace(input))
	return input == "y" || input == "yes", nil
}

// promptNewPassword reads a password twice and rejects a mismatch.
func promptNewPassword(p Prompter, prompt string) (string, error) {
	password, err := p.Password(prompt)
	if err != nil {
		return "", err
	}
	confirm, err := p.Password("Confirm password: ")
	if err != nil {
		return "", err
	}
	if password != confirm {
		return "", util.Errorf(util.ErrValidation, "passwords do not match")
	}
	return password, nil
}

// readSecret takes a secret from a file, stdin or a hidden prompt, in that
// order of preference. One trailing newline is dropped.
func readSecret(p Prompter, file string, fromStdin bool, stdin io.Reader) ([]byte, error) {
	var src io.Reader
	switch {
	case file != "":
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open secret file: %w", err)
		}
		defer f.Close()
		src = f
	case fromStdin:
		src = stdin
	default:
		secret, err := p.Password("Secret: ")
		if err != nil {
			return nil, err
		}
		return []byte(secret), nil
	}

	data, err := io.ReadAll(io.LimitReader(src, maxSecretSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read secret: %w", err)
	}
	if len(data) > maxSecretSize {
		return nil, util.Errorf(util.ErrValidation, "secret exceeds %d bytes", maxSecretSize)
	}
	return []byte(strings.TrimSuffix(strings.TrimSuffix(string(data), "\n"), "\r")), nil
}

// maxSecretSize bounds secrets read from files and stdin.
const maxSecretSize = 64 * 1024
