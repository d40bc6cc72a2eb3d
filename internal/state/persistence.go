package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	boterrors "github.com/ducminhle1904/trade-execution-core/internal/errors"
	"github.com/ducminhle1904/trade-execution-core/internal/logger"
	"github.com/ducminhle1904/trade-execution-core/internal/oms"
	"github.com/ducminhle1904/trade-execution-core/internal/orchestrator"
	"github.com/ducminhle1904/trade-execution-core/internal/portfolio"
	"github.com/ducminhle1904/trade-execution-core/internal/risk"
)

const stateVersion = "2.0.0"

// ErrLocked is returned when another process holds the session lock
var ErrLocked = errors.New("state directory is locked by another process")

// SessionState is everything written to disk between runs
type SessionState struct {
	Version      string                `json:"version"`
	Session      string                `json:"session"`
	SavedAt      time.Time             `json:"saved_at"`
	Orchestrator orchestrator.Snapshot `json:"orchestrator"`
	Risk         risk.Snapshot         `json:"risk"`
	Portfolio    portfolio.Snapshot    `json:"portfolio"`
	Ledger       oms.Ledger            `json:"ledger"`
}

// StatePersistence saves and loads the session snapshot under stateDir
type StatePersistence struct {
	logger   *logger.Logger
	stateDir string
	session  string
	// MaxAge rejects snapshots older than this on load; 0 accepts any age
	maxAge time.Duration
	now    func() time.Time

	mu       sync.Mutex
	locked   bool
	lastSave time.Time
}

// NewStatePersistence creates a persistence manager for the named session
func NewStatePersistence(log *logger.Logger, stateDir, session string, maxAge time.Duration) *StatePersistence {
	return &StatePersistence{
		logger:   log.Component("state"),
		stateDir: stateDir,
		session:  session,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

func (sp *StatePersistence) stateFile() string {
	return filepath.Join(sp.stateDir, fmt.Sprintf("%s_state.json", sp.session))
}

func (sp *StatePersistence) backupFile() string {
	return filepath.Join(sp.stateDir, fmt.Sprintf("%s_state_backup.json", sp.session))
}

func (sp *StatePersistence) lockFile() string {
	return filepath.Join(sp.stateDir, fmt.Sprintf("%s.lock", sp.session))
}

// Initialize creates the state directory and takes the session lock
func (sp *StatePersistence) Initialize() error {
	if err := os.MkdirAll(sp.stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.locked {
		return nil
	}
	f, err := os.OpenFile(sp.lockFile(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			owner, _ := os.ReadFile(sp.lockFile())
			return fmt.Errorf("%w (pid %s, remove %s if stale)", ErrLocked, string(owner), sp.lockFile())
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(sp.lockFile())
		return fmt.Errorf("failed to write lock file: %v %v", werr, cerr)
	}
	sp.locked = true
	sp.logger.Info("State persistence initialized: %s", sp.stateDir)
	return nil
}

// Load reads the last snapshot. A missing file returns (nil, nil).
func (sp *StatePersistence) Load() (*SessionState, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	data, err := os.ReadFile(sp.stateFile())
	if os.IsNotExist(err) {
		sp.logger.Info("No existing state file found, starting with clean state")
		return nil, nil
	}
	if err != nil {
		return nil, boterrors.NewStateError("state", "load", fmt.Errorf("failed to read state file: %w", err))
	}

	var s SessionState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, boterrors.NewStateError("state", "load", fmt.Errorf("failed to parse state file: %w", err))
	}
	if err := sp.validateState(&s); err != nil {
		return nil, boterrors.NewStateError("state", "load", err)
	}
	sp.logger.Info("State loaded from %s (saved %s)", sp.stateFile(), s.SavedAt.Format(time.RFC3339))
	return &s, nil
}

// Save writes the snapshot atomically: temp file, fsync, rename. The previous
// file is kept as a backup.
func (sp *StatePersistence) Save(s SessionState) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	s.Version = stateVersion
	s.Session = sp.session
	s.SavedAt = sp.now()

	if _, err := os.Stat(sp.stateFile()); err == nil {
		if err := copyFile(sp.stateFile(), sp.backupFile()); err != nil {
			sp.logger.LogWarning("State Backup", "Failed to create backup: %v", err)
		}
	}

	data, err := json.MarshalIndent(&s, "", "  ")
	if err != nil {
		return boterrors.NewStateError("state", "save", fmt.Errorf("failed to marshal state: %w", err))
	}

	tempFile := sp.stateFile() + ".tmp"
	f, err := os.OpenFile(tempFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return boterrors.NewStateError("state", "save", fmt.Errorf("failed to open temp state file: %w", err))
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return boterrors.NewStateError("state", "save", fmt.Errorf("failed to write temp state file: %w", err))
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return boterrors.NewStateError("state", "save", fmt.Errorf("failed to sync temp state file: %w", err))
	}
	if err := f.Close(); err != nil {
		return boterrors.NewStateError("state", "save", err)
	}
	if err := os.Rename(tempFile, sp.stateFile()); err != nil {
		return boterrors.NewStateError("state", "save", fmt.Errorf("failed to move state file: %w", err))
	}

	sp.lastSave = s.SavedAt
	sp.logger.Debug("State saved to %s", sp.stateFile())
	return nil
}

// LastSave returns when Save last succeeded
func (sp *StatePersistence) LastSave() time.Time {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.lastSave
}

func (sp *StatePersistence) validateState(s *SessionState) error {
	if s.Version == "" {
		return fmt.Errorf("state version is empty")
	}
	if s.Session != sp.session {
		return fmt.Errorf("state session mismatch: expected %s, got %s", sp.session, s.Session)
	}
	if sp.maxAge > 0 && sp.now().Sub(s.SavedAt) > sp.maxAge {
		return fmt.Errorf("state is too old: %v", s.SavedAt)
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

// Close releases the session lock
func (sp *StatePersistence) Close() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if !sp.locked {
		return nil
	}
	sp.locked = false
	if err := os.Remove(sp.lockFile()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}
