// Package audit keeps a local, hash-chained log of vault operations in a
// bbolt database. Events name the operation and its subject; they never
// carry secret values.
package audit

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"

	"github.com/vault-cli/credvault/internal/crypto"
	"github.com/vault-cli/credvault/internal/domain"
	"github.com/vault-cli/credvault/internal/util"
)

var (
	eventsBucket = []byte("audit")
	metaBucket   = []byte("meta")
	headKey      = []byte("head")
)

// Operation types recorded by the service layer.
const (
	OpSetup          = "setup"
	OpUnlock         = "unlock"
	OpLock           = "lock"
	OpAdd            = "add"
	OpUpdate         = "update"
	OpDelete         = "delete"
	OpGet            = "get"
	OpClear          = "clear"
	OpExport         = "export"
	OpImport         = "import"
	OpBackupCreate   = "backup_create"
	OpBackupRestore  = "backup_restore"
	OpBackupDelete   = "backup_delete"
	OpPasswordChange = "password_change"
	OpRecover        = "recover"
)

// Log is the audit log at one path. The database is opened per call so
// several processes can share it.
type Log struct {
	path   string
	logger zerolog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// New returns the log stored at path.
func New(path string, logger zerolog.Logger) *Log {
	return &Log{
		path:   filepath.Clean(path),
		logger: logger.With().Str("component", "audit").Logger(),
		now:    time.Now,
	}
}

// Path returns the database path.
func (l *Log) Path() string { return l.path }

func (l *Log) open(readOnly bool) (*bbolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	db, err := bbolt.Open(l.path, 0o600, &bbolt.Options{Timeout: 5 * time.Second, ReadOnly: readOnly})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, util.Errorf(util.ErrLockContention, "audit log is busy")
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return db, nil
}

// Record appends an event and links it to the previous one.
func (l *Log) Record(opType, subject string, success bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	db, err := l.open(false)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bbolt.Tx) error {
		events, err := tx.CreateBucketIfNotExists(eventsBucket)
		if err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}

		seq, err := events.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate audit sequence: %w", err)
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		op := domain.Operation{
			ID:        uuid.NewString(),
			Type:      opType,
			Subject:   subject,
			Timestamp: l.now().UTC(),
			Success:   success,
			PrevHash:  string(meta.Get(headKey)),
		}
		op.Hash = chainHash(op)

		payload, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("failed to encode audit entry: %w", err)
		}
		if err := events.Put(key, payload); err != nil {
			return err
		}
		return meta.Put(headKey, []byte(op.Hash))
	})
}

// Events returns up to limit of the most recent events in chronological
// order. limit <= 0 returns all of them.
func (l *Log) Events(limit int) ([]domain.Operation, error) {
	ops, _, err := l.load()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(ops) > limit {
		ops = ops[len(ops)-limit:]
	}
	return ops, nil
}

func (l *Log) load() ([]domain.Operation, string, error) {
	if _, err := os.Stat(l.path); errors.Is(err, os.ErrNotExist) {
		return nil, "", nil
	}
	db, err := l.open(true)
	if err != nil {
		return nil, "", err
	}
	defer db.Close()

	var (
		ops  []domain.Operation
		head string
	)
	err = db.View(func(tx *bbolt.Tx) error {
		if meta := tx.Bucket(metaBucket); meta != nil {
			head = string(meta.Get(headKey))
		}
		events := tx.Bucket(eventsBucket)
		if events == nil {
			return nil
		}
		return events.ForEach(func(k, v []byte) error {
			var op domain.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return util.Errorf(util.ErrIntegrity, "audit entry %d is corrupted: %v", binary.BigEndian.Uint64(k), err)
			}
			ops = append(ops, op)
			return nil
		})
	})
	return ops, head, err
}

// Verify walks the chain and returns the number of events checked. A
// broken link, a rewritten event or a truncated tail is util.ErrIntegrity.
func (l *Log) Verify() (int, error) {
	ops, head, err := l.load()
	if err != nil {
		return 0, err
	}
	prev := ""
	for i, op := range ops {
		if op.PrevHash != prev {
			return i, util.Errorf(util.ErrIntegrity, "audit event %d does not link to its predecessor", i+1)
		}
		if chainHash(op) != op.Hash {
			return i, util.Errorf(util.ErrIntegrity, "audit event %d was modified", i+1)
		}
		prev = op.Hash
	}
	if prev != head {
		return len(ops), util.Errorf(util.ErrIntegrity, "audit log head does not match its last event")
	}
	return len(ops), nil
}

func chainHash(op domain.Operation) string {
	fields := []string{
		op.PrevHash,
		op.ID,
		op.Type,
		op.Subject,
		op.Timestamp.UTC().Format(time.RFC3339Nano),
		strconv.FormatBool(op.Success),
	}
	var buf []byte
	for _, f := range fields {
		buf = strconv.AppendInt(buf, int64(len(f)), 10)
		buf = append(buf, ':')
		buf = append(buf, f...)
	}
	return hex.EncodeToString(crypto.Hash(buf))
}
