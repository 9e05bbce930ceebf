package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zjrosen/passport-consumer/internal/log"
)

// RegistryNamespace is the journal sub-path holding registry-flow artefacts
// so they never collide with the passport-flow negotiation/transfer slots.
const RegistryNamespace = "registry"

// RegistryStep prefixes a step name with the registry namespace.
func RegistryStep(step string) string {
	return RegistryNamespace + "/" + step
}

// Journal persists per-process history entries on disk. File layout: one
// directory per process under the data dir, holding `process.json` plus
// `history/<stepName>.json`; registry-flow artefacts live under
// `history/registry/`. The journal is append-only per step: each append
// replaces the step file but preserves the first append's `started`.
//
// All writes go through a temp file and rename so concurrent readers of the
// same process never observe a torn entry.
type Journal struct {
	dataDir string

	mu sync.Mutex
}

// NewJournal creates a journal rooted at dataDir. The directory is created
// on first write.
func NewJournal(dataDir string) *Journal {
	return &Journal{dataDir: dataDir}
}

// ProcessDir returns the directory holding one process's persisted state.
func (j *Journal) ProcessDir(processID string) string {
	return filepath.Join(j.dataDir, processID)
}

func (j *Journal) stepPath(processID, step string) string {
	return filepath.Join(j.ProcessDir(processID), "history", filepath.FromSlash(step)+".json")
}

// Append records a history entry for a step. The journal sets `updated` to
// the current wall clock; `started` is preserved from the first append for
// the step, or set now when this is the first. Returns the entry as stored.
// Failures of the underlying medium surface as ErrStorage.
func (j *Journal) Append(processID, step string, entry History) (History, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := nowMillis()
	entry.Updated = now

	if previous, err := j.readLocked(processID, step); err == nil {
		entry.Started = previous.Started
	} else if entry.Started == 0 {
		entry.Started = now
	}

	if err := j.writeJSON(j.stepPath(processID, step), entry); err != nil {
		return History{}, err
	}

	log.Debug(log.CatJournal, "history appended",
		"process", processID, "step", step, "status", entry.Status)
	return entry, nil
}

// Read returns the recorded entry for a step, or ErrNotFound.
func (j *Journal) Read(processID, step string) (History, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.readLocked(processID, step)
}

func (j *Journal) readLocked(processID, step string) (History, error) {
	data, err := os.ReadFile(j.stepPath(processID, step))
	if errors.Is(err, fs.ErrNotExist) {
		return History{}, fmt.Errorf("%w: step %s for process %s", ErrNotFound, step, processID)
	}
	if err != nil {
		return History{}, fmt.Errorf("%w: reading step %s: %v", ErrStorage, step, err)
	}

	var entry History
	if err := json.Unmarshal(data, &entry); err != nil {
		return History{}, fmt.Errorf("%w: parsing step %s: %v", ErrStorage, step, err)
	}
	return entry, nil
}

// ListSteps returns every recorded step name for a process, sorted. Registry
// steps appear with their `registry/` prefix.
func (j *Journal) ListSteps(processID string) ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	root := filepath.Join(j.ProcessDir(processID), "history")
	var steps []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		steps = append(steps, strings.TrimSuffix(filepath.ToSlash(rel), ".json"))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: listing steps for process %s: %v", ErrStorage, processID, err)
	}

	sort.Strings(steps)
	return steps, nil
}

// Remove deletes a step's entry. Removing an absent step is not an error.
func (j *Journal) Remove(processID, step string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	err := os.Remove(j.stepPath(processID, step))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: removing step %s: %v", ErrStorage, step, err)
	}
	return nil
}

// Replay re-reads every recorded step and returns the reconstructed history
// map. Re-reading on restart yields the same logical state the process had.
func (j *Journal) Replay(processID string) (map[string]History, error) {
	steps, err := j.ListSteps(processID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, nil
	}

	history := make(map[string]History, len(steps))
	for _, step := range steps {
		entry, err := j.Read(processID, step)
		if err != nil {
			return nil, err
		}
		history[step] = entry
	}
	return history, nil
}

// WriteProcess persists the process record as `process.json`.
func (j *Journal) WriteProcess(p *Process) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.writeJSON(filepath.Join(j.ProcessDir(p.ID), "process.json"), p)
}

// ReadProcess loads a persisted process record, or ErrNotFound.
func (j *Journal) ReadProcess(processID string) (*Process, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(j.ProcessDir(processID), "process.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: process %s", ErrNotFound, processID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading process %s: %v", ErrStorage, processID, err)
	}

	var p Process
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: parsing process %s: %v", ErrStorage, processID, err)
	}
	return &p, nil
}

// WriteArtifact persists an arbitrary JSON artefact (a request body or a
// final remote object) in the process directory, outside the history tree.
// The name may carry the registry namespace prefix.
func (j *Journal) WriteArtifact(processID, name string, v any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	path := filepath.Join(j.ProcessDir(processID), filepath.FromSlash(name)+".json")
	return j.writeJSON(path, v)
}

// writeJSON writes v atomically: temp file in the target directory, fsync,
// rename. Callers hold j.mu.
func (j *Journal) writeJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrStorage, dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding %s: %v", ErrStorage, path, err)
	}

	tmp, err := os.CreateTemp(dir, ".journal-*")
	if err != nil {
		return fmt.Errorf("%w: creating temp file in %s: %v", ErrStorage, dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: writing %s: %v", ErrStorage, path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: syncing %s: %v", ErrStorage, path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: closing %s: %v", ErrStorage, path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: replacing %s: %v", ErrStorage, path, err)
	}
	return nil
}
