package vault

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/natefinch/atomic"
)

// storedRecord is the on-disk form of a credential record. Exactly one of
// APIKeyEncrypted and APIKey is set, depending on whether encryption was
// available when the record was written.
type storedRecord struct {
	APIKeyEncrypted string    `json:"api_key_encrypted,omitempty"`
	APIKey          string    `json:"api_key,omitempty"`
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastUsed        time.Time `json:"last_used,omitempty"`
	UsageCount      int64     `json:"usage_count"`
	RotationCount   int       `json:"rotation_count"`
}

// fileStore persists the vault as one JSON document, with timestamped
// backups taken before credential mutations.
type fileStore struct {
	path       string
	maxBackups int
}

func newFileStore(path string, maxBackups int) *fileStore {
	if maxBackups < 1 {
		maxBackups = 5
	}
	return &fileStore{path: path, maxBackups: maxBackups}
}

// Load reads the vault file. A missing file is an empty vault, not an error.
func (s *fileStore) Load() (map[string]storedRecord, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]storedRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vault file: %w", err)
	}

	records := make(map[string]storedRecord)
	if len(bytes.TrimSpace(data)) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse vault file: %w", err)
	}

	return records, nil
}

// Save writes the vault file via a temp-file-and-rename replace, so a failed
// write never corrupts the previous state.
func (s *fileStore) Save(records map[string]storedRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal vault: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}

	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write vault file: %w", err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		return fmt.Errorf("failed to set vault file mode: %w", err)
	}

	return nil
}

// Backup snapshots the current vault file to <path>.backup.<unix_timestamp>
// and prunes snapshots beyond the retention limit. Backing up a vault that
// has never been written is a no-op.
func (s *fileStore) Backup() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read vault file for backup: %w", err)
	}

	backupPath := fmt.Sprintf("%s.backup.%d", s.path, time.Now().Unix())
	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}

	return s.pruneBackups()
}

// Backups returns existing backup paths, oldest first.
func (s *fileStore) Backups() ([]string, error) {
	matches, err := filepath.Glob(s.path + ".backup.*")
	if err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		return backupTimestamp(matches[i]) < backupTimestamp(matches[j])
	})
	return matches, nil
}

func (s *fileStore) pruneBackups() error {
	backups, err := s.Backups()
	if err != nil {
		return err
	}

	excess := len(backups) - s.maxBackups
	for i := 0; i < excess; i++ {
		if err := os.Remove(backups[i]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to prune backup: %w", err)
		}
	}
	return nil
}

func backupTimestamp(path string) int64 {
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return 0
	}
	ts, err := strconv.ParseInt(path[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return ts
}
