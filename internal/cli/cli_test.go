package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vault-cli/credvault/internal/auth"
	"github.com/vault-cli/credvault/internal/config"
	"github.com/vault-cli/credvault/internal/domain"
	"github.com/vault-cli/credvault/internal/securestore"
	"github.com/vault-cli/credvault/internal/service"
	"github.com/vault-cli/credvault/internal/util"
)

const master = "Str0ng!Pass"

// scriptedPrompter answers prompts from a fixed queue.
type scriptedPrompter struct {
	answers []string
	prompts []string
}

func (p *scriptedPrompter) next(prompt string) (string, error) {
	p.prompts = append(p.prompts, prompt)
	if len(p.answers) == 0 {
		return "", io.EOF
	}
	a := p.answers[0]
	p.answers = p.answers[1:]
	return a, nil
}

func (p *scriptedPrompter) Password(prompt string) (string, error) { return p.next(prompt) }
func (p *scriptedPrompter) Line(prompt string) (string, error)     { return p.next(prompt) }
func (p *scriptedPrompter) Confirm(prompt string) (bool, error)    { return confirmWith(p, prompt) }

type fakeBoard struct {
	mu   sync.Mutex
	text string
}

func (f *fakeBoard) ReadAll() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text, nil
}

func (f *fakeBoard) WriteAll(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text = text
	return nil
}

// TestHelper runs commands against one data directory.
type TestHelper struct {
	TempDir    string
	ConfigPath string
	DataDir    string
	Backend    *securestore.MemoryBackend
	Board      *fakeBoard
}

func NewTestHelper(t *testing.T) *TestHelper {
	t.Helper()
	dir := t.TempDir()
	h := &TestHelper{
		TempDir:    dir,
		ConfigPath: filepath.Join(dir, "config.yaml"),
		DataDir:    filepath.Join(dir, "data"),
		Backend:    securestore.NewMemoryBackend(),
		Board:      &fakeBoard{},
	}

	cfg := config.DefaultConfig()
	cfg.DataDir = h.DataDir
	cfg.KDF.Iterations = 1000
	cfg.LogLevel = "error"
	require.NoError(t, config.Save(cfg, h.ConfigPath))
	return h
}

// Run executes one command line with answers queued for the prompter.
func (h *TestHelper) Run(answers []string, stdin string, args ...string) (string, error) {
	root := NewRootCommand(Options{
		Prompter:  &scriptedPrompter{answers: answers},
		Clipboard: h.Board,
		Stderr:    io.Discard,
		Service:   service.Options{Backend: h.Backend},
	})
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config", h.ConfigPath}, args...))
	err := root.Execute()
	return out.String(), err
}

func (h *TestHelper) Init(t *testing.T) {
	t.Helper()
	out, err := h.Run([]string{master, master}, "", "init")
	require.NoError(t, err)
	require.Contains(t, out, "Vault created")
}

func (h *TestHelper) Add(t *testing.T, service, identifier, secret string) {
	t.Helper()
	_, err := h.Run([]string{master}, secret+"\n", "add", service, identifier, "--secret-stdin")
	require.NoError(t, err)
}

func TestInitAndEntryLifecycle(t *testing.T) {
	h := NewTestHelper(t)
	h.Init(t)
	assert.FileExists(t, filepath.Join(h.DataDir, "vault.dat"))

	h.Add(t, "gmail", "alice@example.com", "S3cr3t!23")

	out, err := h.Run([]string{master}, "", "get", "gmail", "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "S3cr3t!23\n", out)

	out, err = h.Run([]string{master}, "", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "gmail")
	assert.Contains(t, out, "alice@example.com")
	assert.NotContains(t, out, "S3cr3t!23")

	out, err = h.Run([]string{master}, "", "list", "--json")
	require.NoError(t, err)
	var entries []domain.EntrySummary
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "gmail", entries[0].Service)

	_, err = h.Run([]string{master}, "N3w!Secret\n", "update", "gmail", "alice@example.com", "--secret-stdin")
	require.NoError(t, err)
	out, err = h.Run([]string{master}, "", "get", "gmail", "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "N3w!Secret\n", out)

	_, err = h.Run([]string{master}, "", "delete", "gmail", "alice@example.com", "--yes")
	require.NoError(t, err)
	out, err = h.Run([]string{master}, "", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No entries yet")
}

func TestAddDuplicateRejected(t *testing.T) {
	h := NewTestHelper(t)
	h.Init(t)
	h.Add(t, "gmail", "alice", "S3cr3t!23")

	_, err := h.Run([]string{master}, "other\n", "add", "GMAIL", "Alice", "--secret-stdin")
	assert.ErrorIs(t, err, util.ErrValidation)
}

func TestInitRejectsMismatchedPasswords(t *testing.T) {
	h := NewTestHelper(t)
	_, err := h.Run([]string{master, "Other!Pass1"}, "", "init")
	assert.ErrorIs(t, err, util.ErrValidation)

	_, err = h.Run([]string{"weak", "weak"}, "", "init")
	assert.ErrorIs(t, err, util.ErrValidation)
}

func TestInitTwiceFails(t *testing.T) {
	h := NewTestHelper(t)
	h.Init(t)
	_, err := h.Run([]string{master, master}, "", "init")
	assert.ErrorIs(t, err, util.ErrValidation)
}

func TestCommandsRequireInit(t *testing.T) {
	h := NewTestHelper(t)
	_, err := h.Run(nil, "", "list")
	assert.ErrorIs(t, err, util.ErrNotFound)
	assert.Equal(t, util.ExitNotFound, util.ExitCode(err))
}

func TestWrongMasterPassword(t *testing.T) {
	h := NewTestHelper(t)
	h.Init(t)

	_, err := h.Run([]string{"Wrong!Pass1", "Wrong!Pass2", "Wrong!Pass3"}, "", "list")
	assert.ErrorIs(t, err, util.ErrAuthenticationFailed)
	assert.Equal(t, util.ExitAuthFailed, util.ExitCode(err))

	out, err := h.Run([]string{"Wrong!Pass1", master}, "", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No entries yet")
}

func TestGetCopiesToClipboard(t *testing.T) {
	h := NewTestHelper(t)
	h.Init(t)
	h.Add(t, "gmail", "alice", "S3cr3t!23")

	out, err := h.Run([]string{master}, "", "get", "gmail", "alice", "--copy", "--ttl", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "Copied to clipboard")
	assert.NotContains(t, out, "S3cr3t!23")

	text, _ := h.Board.ReadAll()
	assert.Equal(t, "S3cr3t!23", text)
}

func TestGetMissingEntry(t *testing.T) {
	h := NewTestHelper(t)
	h.Init(t)
	_, err := h.Run([]string{master}, "", "get", "nope", "nobody")
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestDeleteAllNeedsConfirmation(t *testing.T) {
	h := NewTestHelper(t)
	h.Init(t)
	h.Add(t, "gmail", "alice", "S3cr3t!23")
	h.Add(t, "github", "alice", "An0ther!")

	_, err := h.Run([]string{master, "n"}, "", "delete", "--all")
	assert.ErrorIs(t, err, util.ErrValidation)

	out, err := h.Run([]string{master, "yes"}, "", "delete", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 2 entries")
}

func TestExportImportRoundTrip(t *testing.T) {
	for _, ext := range []string{"json", "csv", "txt"} {
		t.Run(ext, func(t *testing.T) {
			h := NewTestHelper(t)
			h.Init(t)
			h.Add(t, "gmail", "alice", "S3cr3t!23")
			h.Add(t, "github", "bob", "An0ther,\"quoted\"")

			path := filepath.Join(h.TempDir, "export."+ext)
			_, err := h.Run([]string{master}, "", "export", path, "--yes")
			require.NoError(t, err)
			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

			_, err = h.Run([]string{master}, "", "delete", "--all", "--yes")
			require.NoError(t, err)

			out, err := h.Run([]string{master}, "", "import", path)
			require.NoError(t, err)
			assert.Contains(t, out, "Imported 2, skipped 0 duplicates and 0 malformed")

			out, err = h.Run([]string{master}, "", "import", path)
			require.NoError(t, err)
			assert.Contains(t, out, "Imported 0, skipped 2 duplicates")

			out, err = h.Run([]string{master}, "", "get", "github", "bob")
			require.NoError(t, err)
			assert.Equal(t, "An0ther,\"quoted\"\n", out)
		})
	}
}

func TestExportToStdout(t *testing.T) {
	h := NewTestHelper(t)
	h.Init(t)
	h.Add(t, "gmail", "alice", "S3cr3t!23")

	out, err := h.Run([]string{master}, "", "export", "--format", "csv", "--yes")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "service,identifier,password,createdAt,updatedAt\n"))
	assert.Contains(t, out, "gmail,alice,S3cr3t!23,")

	_, err = h.Run([]string{master, "n"}, "", "export")
	assert.ErrorIs(t, err, util.ErrValidation)
}

func TestImportFromStdin(t *testing.T) {
	h := NewTestHelper(t)
	h.Init(t)

	in := `[{"service":"gmail","identifier":"alice","password":"S3cr3t!23"},{"service":"","identifier":"x","password":"y"}]`
	out, err := h.Run([]string{master}, in, "import", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 1, skipped 0 duplicates and 1 malformed")
}

func TestBackupCreateOnFreshVault(t *testing.T) {
	h := NewTestHelper(t)
	h.Init(t)

	out, err := h.Run([]string{master}, "", "backup", "create")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to back up")

	out, err = h.Run(nil, "", "backup", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No backups in")
}

func TestBackupCommands(t *testing.T) {
	h := NewTestHelper(t)
	h.Init(t)
	h.Add(t, "gmail", "alice", "S3cr3t!23")

	out, err := h.Run([]string{master}, "", "backup", "create")
	require.NoError(t, err)
	assert.Contains(t, out, "Backup written to")

	out, err = h.Run(nil, "", "backup", "list", "--json")
	require.NoError(t, err)
	var backups []domain.BackupInfo
	require.NoError(t, json.Unmarshal([]byte(out), &backups))
	require.Len(t, backups, 1)
	assert.True(t, backups[0].Encrypted)

	h.Add(t, "github", "bob", "An0ther!")
	_, err = h.Run([]string{master}, "", "backup", "restore", backups[0].Name, "--yes")
	require.NoError(t, err)

	out, err = h.Run([]string{master}, "", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "gmail")
	assert.NotContains(t, out, "github")

	_, err = h.Run([]string{master}, "", "backup", "delete", backups[0].Name, "--yes")
	require.NoError(t, err)
	out, err = h.Run(nil, "", "backup", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No backups")
}

func TestPasswdChangesMasterPassword(t *testing.T) {
	h := NewTestHelper(t)
	h.Init(t)
	h.Add(t, "gmail", "alice", "S3cr3t!23")

	const next = "N3xt!Passw0rd"
	_, err := h.Run([]string{master, next, next}, "", "passwd")
	require.NoError(t, err)

	_, err = h.Run([]string{master, master, master}, "", "get", "gmail", "alice")
	assert.ErrorIs(t, err, util.ErrAuthenticationFailed)

	out, err := h.Run([]string{next}, "", "get", "gmail", "alice")
	require.NoError(t, err)
	assert.Equal(t, "S3cr3t!23\n", out)
}

func TestDoctorAndAudit(t *testing.T) {
	h := NewTestHelper(t)
	h.Init(t)
	h.Add(t, "gmail", "alice", "S3cr3t!23")

	out, err := h.Run([]string{master}, "", "doctor", "--unlock")
	require.NoError(t, err, out)
	assert.Contains(t, out, "audit log")
	assert.NotContains(t, out, "❌")

	out, err = h.Run([]string{master}, "", "audit", "--verify")
	require.NoError(t, err)
	assert.Contains(t, out, "Audit chain intact")

	out, err = h.Run([]string{master}, "", "audit")
	require.NoError(t, err)
	assert.Contains(t, out, "setup")
	assert.Contains(t, out, "gmail/alice")
	assert.NotContains(t, out, "S3cr3t!23")
}

func TestDoctorReportsCorruptVault(t *testing.T) {
	h := NewTestHelper(t)
	h.Init(t)
	path := filepath.Join(h.DataDir, "vault.dat")
	require.NoError(t, os.WriteFile(path, []byte{9, 9, 9}, 0o600))

	out, err := h.Run(nil, "", "doctor")
	assert.ErrorIs(t, err, util.ErrIntegrity)
	assert.Contains(t, out, "❌")
}

func TestRecoverCommands(t *testing.T) {
	h := NewTestHelper(t)
	h.Init(t)
	h.Add(t, "gmail", "alice", "S3cr3t!23")

	out, err := h.Run(nil, "", "recover", "salt")
	require.NoError(t, err)
	assert.Contains(t, out, "Result: healthy")

	out, err = h.Run(nil, "", "recover", "master")
	require.NoError(t, err)
	assert.Contains(t, out, "Result: healthy")

	out, err = h.Run([]string{master}, "", "recover", "vault")
	require.NoError(t, err)
	assert.Contains(t, out, "Result: healthy")
}

func TestRecoverMasterAfterStorageLoss(t *testing.T) {
	h := NewTestHelper(t)
	h.Init(t)
	h.Add(t, "gmail", "alice", "S3cr3t!23")

	require.NoError(t, h.Backend.Remove(securestore.KeySecretKey))
	require.NoError(t, h.Backend.Remove(securestore.KeyAuthRecord))

	out, err := h.Run(nil, "", "recover", "master")
	require.NoError(t, err)
	assert.Contains(t, out, "Result: decrypted")

	out, err = h.Run([]string{master}, "", "get", "gmail", "alice")
	require.NoError(t, err)
	assert.Equal(t, "S3cr3t!23\n", out)
}

func TestShellKeepsSessionUnlocked(t *testing.T) {
	h := NewTestHelper(t)
	h.Init(t)

	answers := []string{
		master,
		`add gmail "alice smith" --generate 16`,
		"",
		"list",
		"bogus",
		"shell",
		"exit",
	}
	out, err := h.Run(answers, "", "shell")
	require.NoError(t, err)
	assert.Contains(t, out, "Generated secret:")
	assert.Contains(t, out, "alice smith")
	assert.Contains(t, out, "unknown command")
	assert.Contains(t, out, "already in a shell")
}

func TestStatusAndConfig(t *testing.T) {
	h := NewTestHelper(t)
	h.Init(t)

	out, err := h.Run(nil, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "locked")
	assert.Contains(t, out, "memory")

	out, err = h.Run(nil, "", "config", "path")
	require.NoError(t, err)
	assert.Equal(t, h.ConfigPath+"\n", out)

	out, err = h.Run(nil, "", "--session-timeout", "15", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "session_timeout: 15")

	_, err = h.Run(nil, "", "config", "write")
	assert.ErrorIs(t, err, util.ErrValidation)
	_, err = h.Run(nil, "", "--session-timeout", "15", "config", "write", "--force")
	require.NoError(t, err)

	cfg, err := config.Load(h.ConfigPath, nil)
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.SessionTimeout)
}

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		line    string
		want    []string
		wantErr bool
	}{
		{line: "", want: nil},
		{line: "list", want: []string{"list"}},
		{line: "  add  gmail\talice ", want: []string{"add", "gmail", "alice"}},
		{line: `add gmail "alice smith"`, want: []string{"add", "gmail", "alice smith"}},
		{line: `add 'it''s' x`, want: []string{"add", "its", "x"}},
		{line: `add a\ b ""`, want: []string{"add", "a b", ""}},
		{line: `add "open`, wantErr: true},
	}
	for _, tt := range tests {
		got, err := splitArgs(tt.line)
		if tt.wantErr {
			assert.Error(t, err, tt.line)
			continue
		}
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}

func TestFailedCommandLocksSession(t *testing.T) {
	h := NewTestHelper(t)
	h.Init(t)
	h.Add(t, "gmail", "alice", "S3cr3t!23")

	a := newApp(Options{
		Prompter:  &scriptedPrompter{answers: []string{master}},
		Clipboard: h.Board,
		Stderr:    io.Discard,
		Service:   service.Options{Backend: h.Backend},
	})
	cfg, err := config.Load(h.ConfigPath, nil)
	require.NoError(t, err)
	a.cfg = cfg
	a.logger = zerolog.Nop()
	svc, err := a.service()
	require.NoError(t, err)

	root := newRoot(a)
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"--config", h.ConfigPath, "get", "gmail", "nobody"})
	err = a.execute(context.Background(), root)
	assert.ErrorIs(t, err, util.ErrNotFound)

	assert.Nil(t, a.svc)
	assert.Equal(t, auth.StateLocked, svc.State())
}
