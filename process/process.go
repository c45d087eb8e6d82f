// Package process tracks sandbox-spawned processes across studio runs
// so orphans left behind by a crash can be found and cleaned up. Each
// spawned process gets a JSON record under the state directory; the
// record is removed when the process exits normally.
package process

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/zhubert/studio-core/logger"
	"github.com/zhubert/studio-core/paths"
)

// Record describes one process spawned by a studio sandbox.
type Record struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	Workspace string    `json:"workspace"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
}

var (
	dirMu       sync.RWMutex
	dirOverride string
)

// SetRecordsDir overrides where records are stored. Tests use this to
// avoid touching the real state directory.
func SetRecordsDir(dir string) {
	dirMu.Lock()
	defer dirMu.Unlock()
	dirOverride = dir
}

// ResetRecordsDir restores the default records location.
func ResetRecordsDir() {
	SetRecordsDir("")
}

// RecordsDir returns the directory holding process records, creating
// it if needed.
func RecordsDir() (string, error) {
	dirMu.RLock()
	override := dirOverride
	dirMu.RUnlock()

	dir := override
	if dir == "" {
		state, err := paths.StateDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(state, "pids")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating records dir: %w", err)
	}
	return dir, nil
}

// WriteRecord persists a record for a just-spawned process.
func WriteRecord(rec Record) error {
	dir, err := RecordsDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, rec.ID+".json"), data, 0o644)
}

// RemoveRecord deletes a record. Missing records are not an error.
func RemoveRecord(id string) error {
	dir, err := RecordsDir()
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, id+".json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ListRecords returns every persisted record. Unreadable files are
// skipped.
func ListRecords() ([]Record, error) {
	dir, err := RecordsDir()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("process")
	var records []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			log.Debug("skipping unreadable process record", "file", e.Name(), "error", err)
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			log.Debug("skipping malformed process record", "file", e.Name(), "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Alive reports whether a PID refers to a running process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	switch runtime.GOOS {
	case "windows":
		out, err := exec.Command("tasklist", "/FI", "PID eq "+strconv.Itoa(pid), "/FO", "CSV", "/NH").Output()
		if err != nil {
			return false
		}
		return strings.Contains(string(out), strconv.Itoa(pid))
	default:
		proc, err := os.FindProcess(pid)
		if err != nil {
			return false
		}
		return proc.Signal(syscall.Signal(0)) == nil
	}
}

// Kill forcibly terminates a process by PID.
func Kill(pid int) error {
	switch runtime.GOOS {
	case "windows":
		return exec.Command("taskkill", "/F", "/PID", strconv.Itoa(pid)).Run()
	default:
		return exec.Command("kill", "-9", strconv.Itoa(pid)).Run()
	}
}

// FindOrphans returns records for live processes whose ID is not in
// knownIDs. Records whose process is already dead are pruned as a side
// effect.
func FindOrphans(knownIDs map[string]bool) ([]Record, error) {
	records, err := ListRecords()
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("process")
	var orphans []Record
	for _, rec := range records {
		if knownIDs[rec.ID] {
			continue
		}
		if !Alive(rec.PID) {
			log.Debug("pruning stale process record", "id", rec.ID, "pid", rec.PID)
			if err := RemoveRecord(rec.ID); err != nil {
				log.Warn("failed to prune stale record", "id", rec.ID, "error", err)
			}
			continue
		}
		log.Info("found orphaned process", "id", rec.ID, "pid", rec.PID, "command", rec.Command)
		orphans = append(orphans, rec)
	}
	return orphans, nil
}

// CleanupOrphans kills every orphaned process and removes its record.
// Returns the number of processes killed.
func CleanupOrphans(knownIDs map[string]bool) (int, error) {
	orphans, err := FindOrphans(knownIDs)
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("process")
	killed := 0
	for _, rec := range orphans {
		log.Info("killing orphaned process", "id", rec.ID, "pid", rec.PID)
		if err := Kill(rec.PID); err != nil {
			log.Error("failed to kill orphaned process", "pid", rec.PID, "error", err)
			continue
		}
		if err := RemoveRecord(rec.ID); err != nil {
			log.Warn("failed to remove record after kill", "id", rec.ID, "error", err)
		}
		killed++
	}
	return killed, nil
}

// PruneStale removes records whose process is no longer running,
// without killing anything. Returns the number of records removed.
func PruneStale() (int, error) {
	records, err := ListRecords()
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, rec := range records {
		if Alive(rec.PID) {
			continue
		}
		if err := RemoveRecord(rec.ID); err != nil {
			continue
		}
		pruned++
	}
	return pruned, nil
}
