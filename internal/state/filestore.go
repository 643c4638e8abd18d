package state

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stratforge/crypto-strategy-engine/internal/orders"
)

// FileStore keeps one JSON snapshot file per instance plus a shared
// append-only order journal. Snapshots are written to a temp file and
// renamed into place; the previous snapshot is kept as a backup.
type FileStore struct {
	dir  string
	log  *logrus.Logger
	opts Options

	mutex   sync.Mutex
	journal *os.File
}

// NewFileStore creates the state directory if needed.
func NewFileStore(dir string, log *logrus.Logger, opts Options) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{dir: dir, log: log, opts: opts}, nil
}

func (fs *FileStore) statePath(instanceID string) string {
	return filepath.Join(fs.dir, instanceID+"_state.json")
}

func (fs *FileStore) backupPath(instanceID string) string {
	return filepath.Join(fs.dir, instanceID+"_state_backup.json")
}

// SaveState implements Store.
func (fs *FileStore) SaveState(st InstanceState) error {
	if st.InstanceID == "" {
		return fmt.Errorf("state has no instance id")
	}
	st.Version = stateVersion
	st.SavedAt = time.Now()

	stateFile := fs.statePath(st.InstanceID)

	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	// Keep the previous snapshot around in case the new one is bad.
	if prev, err := os.ReadFile(stateFile); err == nil {
		if err := os.WriteFile(fs.backupPath(st.InstanceID), prev, 0644); err != nil {
			fs.log.WithError(err).WithField("instance", st.InstanceID).Warn("state backup failed")
		}
	}

	data, err := json.MarshalIndent(&st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tempFile := stateFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := os.Rename(tempFile, stateFile); err != nil {
		return fmt.Errorf("move state file: %w", err)
	}
	return nil
}

// LoadState implements Store. A missing file is not an error; an invalid or
// stale snapshot is discarded with a warning and reported as absent.
func (fs *FileStore) LoadState(instanceID string) (InstanceState, bool, error) {
	data, err := os.ReadFile(fs.statePath(instanceID))
	if os.IsNotExist(err) {
		return InstanceState{}, false, nil
	}
	if err != nil {
		return InstanceState{}, false, fmt.Errorf("read state file: %w", err)
	}

	var st InstanceState
	if err := json.Unmarshal(data, &st); err != nil {
		return InstanceState{}, false, fmt.Errorf("parse state file: %w", err)
	}
	if err := fs.opts.validate(st, time.Now()); err != nil {
		fs.log.WithError(err).WithField("instance", instanceID).Warn("discarding unusable snapshot")
		return InstanceState{}, false, nil
	}
	return st, true, nil
}

// ListStates implements Store. Unusable snapshots are skipped.
func (fs *FileStore) ListStates() ([]InstanceState, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("read state dir: %w", err)
	}

	var out []InstanceState
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, "_state.json") {
			continue
		}
		instanceID := strings.TrimSuffix(name, "_state.json")
		st, ok, err := fs.LoadState(instanceID)
		if err != nil {
			fs.log.WithError(err).WithField("file", name).Warn("skipping unreadable snapshot")
			continue
		}
		if ok {
			out = append(out, st)
		}
	}
	return out, nil
}

// AppendOrderRecord implements Store: one JSON line per mutation in a
// shared journal.
func (fs *FileStore) AppendOrderRecord(o orders.Order) error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	if fs.journal == nil {
		f, err := os.OpenFile(filepath.Join(fs.dir, "orders.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open order journal: %w", err)
		}
		fs.journal = f
	}

	line, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order record: %w", err)
	}
	if _, err := fs.journal.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append order record: %w", err)
	}
	return nil
}

// OrderRecords implements Store. The journal holds every mutation; the
// last line per local ID wins. Empty instanceID returns all instances.
func (fs *FileStore) OrderRecords(instanceID string) ([]orders.Order, error) {
	f, err := os.Open(filepath.Join(fs.dir, "orders.jsonl"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open order journal: %w", err)
	}
	defer f.Close()

	latest := make(map[string]orders.Order)
	var order []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var o orders.Order
		if err := json.Unmarshal(scanner.Bytes(), &o); err != nil {
			fs.log.WithError(err).Warn("skipping corrupt journal line")
			continue
		}
		if instanceID != "" && o.InstanceID != instanceID {
			continue
		}
		if _, seen := latest[o.LocalID]; !seen {
			order = append(order, o.LocalID)
		}
		latest[o.LocalID] = o
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read order journal: %w", err)
	}

	out := make([]orders.Order, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out, nil
}

// Close implements Store.
func (fs *FileStore) Close() error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	if fs.journal != nil {
		err := fs.journal.Close()
		fs.journal = nil
		return err
	}
	return nil
}
