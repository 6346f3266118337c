package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/vietddude/podmirror/internal/infra/storage"
)

const (
	runLockDirName   = ".run.lock"
	runLockOwnerFile = "owner.json"
)

// Lock dirs held by this process. A lock naming our own pid that is not in
// here was left by an earlier process that happened to get the same pid.
var (
	heldMu sync.Mutex
	held   = map[string]struct{}{}
)

// RunLock guards a state directory against concurrent runs.
type RunLock struct {
	lockDir string
}

type runLockOwner struct {
	PID       int    `json:"pid"`
	RunID     string `json:"run_id"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

// AcquireRunLock creates the lock directory atomically. A lock left behind by
// a dead process on this host is reclaimed. Locks from another host, or with
// an unreadable owner, are reclaimed once older than staleAfter; zero disables
// that rule.
func AcquireRunLock(stateDir, runID string, staleAfter time.Duration) (RunLock, error) {
	target := strings.TrimSpace(stateDir)
	if target == "" {
		return RunLock{}, fmt.Errorf("state directory is required")
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return RunLock{}, fmt.Errorf("create state directory %s: %w", target, err)
	}

	lockDir := filepath.Join(target, runLockDirName)
	err := os.Mkdir(lockDir, 0o755)
	if err != nil && os.IsExist(err) {
		owner, ok := readOwner(lockDir)
		reason := staleReason(lockDir, owner, ok, staleAfter, time.Now())
		if reason == "" {
			if ok {
				return RunLock{}, fmt.Errorf("%w: %s (pid=%d run=%s created_at=%s host=%s)",
					storage.ErrLocked, target, owner.PID, owner.RunID, owner.CreatedAt, owner.Hostname)
			}
			return RunLock{}, fmt.Errorf("%w: %s", storage.ErrLocked, target)
		}

		slog.Warn("Reclaiming stale run lock",
			"dir", target, "reason", reason, "pid", owner.PID, "run", owner.RunID, "created_at", owner.CreatedAt)
		_ = os.Remove(filepath.Join(lockDir, runLockOwnerFile))
		if rmErr := os.Remove(lockDir); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return RunLock{}, fmt.Errorf("remove stale run lock %s: %w", lockDir, rmErr)
		}
		// Another process may win the race for the freed lock.
		err = os.Mkdir(lockDir, 0o755)
		if err != nil && os.IsExist(err) {
			return RunLock{}, fmt.Errorf("%w: %s", storage.ErrLocked, target)
		}
	}
	if err != nil {
		return RunLock{}, fmt.Errorf("acquire run lock for %s: %w", target, err)
	}

	owner := runLockOwner{
		PID:       os.Getpid(),
		RunID:     runID,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}
	data, _ := json.MarshalIndent(owner, "", "  ")
	if err := os.WriteFile(filepath.Join(lockDir, runLockOwnerFile), data, 0o644); err != nil {
		_ = os.Remove(lockDir)
		return RunLock{}, fmt.Errorf("write run lock owner for %s: %w", target, err)
	}

	heldMu.Lock()
	held[lockDir] = struct{}{}
	heldMu.Unlock()
	return RunLock{lockDir: lockDir}, nil
}

// Release removes the lock. Releasing a zero RunLock is a no-op.
func (l RunLock) Release() error {
	if strings.TrimSpace(l.lockDir) == "" {
		return nil
	}
	heldMu.Lock()
	delete(held, l.lockDir)
	heldMu.Unlock()

	_ = os.Remove(filepath.Join(l.lockDir, runLockOwnerFile))
	if err := os.Remove(l.lockDir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release run lock %s: %w", l.lockDir, err)
	}
	return nil
}

func readOwner(lockDir string) (runLockOwner, bool) {
	var owner runLockOwner
	data, err := os.ReadFile(filepath.Join(lockDir, runLockOwnerFile))
	if err != nil || json.Unmarshal(data, &owner) != nil || owner.PID <= 0 {
		return runLockOwner{}, false
	}
	return owner, true
}

// staleReason returns why an existing lock may be taken over, or "" when its
// owner may still be running.
func staleReason(lockDir string, owner runLockOwner, ok bool, staleAfter time.Duration, now time.Time) string {
	heldMu.Lock()
	_, ours := held[lockDir]
	heldMu.Unlock()
	if ours {
		return ""
	}

	if ok && owner.Hostname == hostnameOrUnknown() {
		if owner.PID == os.Getpid() {
			return "owner pid reused by this process"
		}
		if processGone(owner.PID) {
			return "owner process is gone"
		}
		return ""
	}

	if staleAfter <= 0 {
		return ""
	}
	var created time.Time
	if ok {
		created, _ = time.Parse(time.RFC3339, owner.CreatedAt)
	}
	if created.IsZero() {
		info, err := os.Stat(lockDir)
		if err != nil {
			return ""
		}
		created = info.ModTime()
	}
	if now.Sub(created) > staleAfter {
		return fmt.Sprintf("older than %s", staleAfter)
	}
	return ""
}

// processGone reports whether pid certainly no longer exists. Signal 0 checks
// liveness without delivering anything; EPERM means the process is alive.
func processGone(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "unknown"
	}
	return strings.TrimSpace(host)
}
