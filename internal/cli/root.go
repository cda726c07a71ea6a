package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vault-cli/credvault/internal/auth"
	"github.com/vault-cli/credvault/internal/clipboard"
	"github.com/vault-cli/credvault/internal/config"
	"github.com/vault-cli/credvault/internal/logging"
	"github.com/vault-cli/credvault/internal/service"
	"github.com/vault-cli/credvault/internal/util"
)

// unlockAttempts bounds the master password prompt loop.
const unlockAttempts = 3

// Options overrides the process environment, mostly for tests.
type Options struct {
	Prompter  Prompter
	Clipboard clipboard.Board
	Stderr    io.Writer
	// Service is passed to service.Open; its Logger is replaced by the
	// configured one.
	Service service.Options
}

// globalFlags are the persistent flags of the root command.
type globalFlags struct {
	cfgFile        string
	dataDir        string
	sessionTimeout int
	verbose        bool
}

// app is the state shared by every subcommand of one invocation. The
// interactive shell reuses it, so the session stays unlocked between
// commands.
type app struct {
	globals globalFlags
	inShell bool

	opts   Options
	cfg    *config.Config
	logger zerolog.Logger
	svc    *service.Service
}

// NewRootCommand builds the credvault command tree. The session is locked
// when a command succeeds; callers that also need it locked after a failed
// command use Execute.
func NewRootCommand(opts Options) *cobra.Command {
	return newRoot(newApp(opts))
}

// Execute runs the command line in args (os.Args when nil) and locks the
// session on every return path, including failed commands.
func Execute(ctx context.Context, opts Options, args []string) error {
	a := newApp(opts)
	root := newRoot(a)
	if args != nil {
		root.SetArgs(args)
	}
	return a.execute(ctx, root)
}

func (a *app) execute(ctx context.Context, root *cobra.Command) error {
	defer a.close()
	return root.ExecuteContext(ctx)
}

func newApp(opts Options) *app {
	if opts.Prompter == nil {
		opts.Prompter = newTerminalPrompter(os.Stdin, os.Stderr)
	}
	if opts.Clipboard == nil {
		opts.Clipboard = clipboard.System
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return &app{opts: opts}
}

// newRoot builds the command tree around a. The shell calls it once per
// line so every line parses fresh flags against the same session.
func newRoot(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "credvault",
		Short: "A local, encrypted secrets manager",
		Long: `credvault stores service credentials encrypted at rest behind a master
password. Nothing leaves this machine.

Every entry is sealed twice: the secret with a field key derived from a
per-installation secret key, and the whole vault file with a key derived
from the master password. Backups, a device-bound recovery copy of the
master-password artifact and an audit log live next to the vault.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if !a.inShell {
				a.close()
			}
		},
	}

	// Lines typed in the shell parse into a scratch copy so they cannot
	// reset the flags the shell was started with.
	g := &a.globals
	if a.inShell {
		g = &globalFlags{}
	}
	root.PersistentFlags().StringVar(&g.cfgFile, "config", "", "config file (default is "+config.DefaultPath()+")")
	root.PersistentFlags().StringVar(&g.dataDir, "data-dir", "", "directory holding the vault, backups and recovery files")
	root.PersistentFlags().IntVar(&g.sessionTimeout, "session-timeout", 0, "session inactivity timeout in minutes")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(
		a.newInitCommand(),
		a.newAddCommand(),
		a.newGetCommand(),
		a.newListCommand(),
		a.newUpdateCommand(),
		a.newDeleteCommand(),
		a.newExportCommand(),
		a.newImportCommand(),
		a.newBackupCommand(),
		a.newRecoverCommand(),
		a.newPasswdCommand(),
		newPassgenCommand(a),
		a.newDoctorCommand(),
		a.newAuditCommand(),
		a.newShellCommand(),
		a.newLockCommand(),
		a.newUnlockCommand(),
		a.newStatusCommand(),
		a.newConfigCommand(),
	)
	return root
}

// load resolves configuration and the logger once per invocation.
func (a *app) load(cmd *cobra.Command) error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := config.Load(a.globals.cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if a.globals.verbose {
		level = "debug"
	}
	logger, err := logging.New(a.opts.Stderr, level)
	if err != nil {
		return err
	}
	logging.SetDefault(logger)
	a.cfg = cfg
	a.logger = logger
	return nil
}

// service opens the data directory on first use.
func (a *app) service() (*service.Service, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	opts := a.opts.Service
	opts.Logger = a.logger
	svc, err := service.Open(a.cfg, opts)
	if err != nil {
		return nil, err
	}
	a.svc = svc
	return svc, nil
}

// unlocked returns the service with an unlocked session, prompting for the
// master password when needed.
func (a *app) unlocked(ctx context.Context) (*service.Service, error) {
	svc, err := a.service()
	if err != nil {
		return nil, err
	}
	switch svc.State() {
	case auth.StateUnlocked:
		return svc, nil
	case auth.StateUninitialized:
		return nil, util.Errorf(util.ErrNotFound, "no vault here yet, run 'credvault init'")
	}
	prompt := func(ctx context.Context, attempt int) (string, error) {
		if attempt > 1 {
			fmt.Fprintln(a.opts.Stderr, "Wrong master password, try again.")
		}
		return a.opts.Prompter.Password("Master password: ")
	}
	if err := svc.UnlockWithRetry(ctx, prompt, unlockAttempts); err != nil {
		return nil, err
	}
	return svc, nil
}

// close locks the session when the invocation ends.
func (a *app) close() {
	if a.svc != nil {
		_ = a.svc.Close()
		a.svc = nil
	}
}

// confirm asks yes/no unless assumeYes is set.
func (a *app) confirm(assumeYes bool, prompt string) (bool, error) {
	if assumeYes {
		return true, nil
	}
	return a.opts.Prompter.Confirm(prompt)
}

// errCancelled is returned when the user declines a confirmation.
var errCancelled = util.Errorf(util.ErrValidation, "cancelled")

var (
	errClipboardUnavailable = util.Errorf(util.ErrValidation, "clipboard not available, remove --copy to print instead")
	errInvalidTTL           = util.Errorf(util.ErrValidation, "--ttl must be -1 (config default) or a non-negative number of seconds")
)
