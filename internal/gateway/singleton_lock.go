package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"
	"time"
)

// lockStaleAfter bounds how long an unreadable lock file blocks startup.
// Readable locks are checked against the owning pid instead.
const lockStaleAfter = 30 * time.Second

// FileLock is the single-instance lock for a data directory. Two gateways
// sharing an event log or memory store would interleave writes, so startup
// claims the lock before opening either.
type FileLock struct {
	path string
	file *os.File
}

type lockInfo struct {
	PID       int    `json:"pid"`
	StartedAt string `json:"started_at"`
}

// AcquireLock claims the lock file at path. A lock whose owning process is
// gone, or an unreadable lock older than lockStaleAfter, is broken and
// re-claimed. Otherwise the error names the running pid.
func AcquireLock(path string) (*FileLock, error) {
	for attempt := 0; attempt < 3; attempt++ {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			info := lockInfo{PID: os.Getpid(), StartedAt: time.Now().UTC().Format(time.RFC3339)}
			data, merr := json.Marshal(info)
			if merr == nil {
				_, merr = file.Write(data)
			}
			if merr != nil {
				file.Close()
				os.Remove(path)
				return nil, fmt.Errorf("write lock %s: %w", path, merr)
			}
			return &FileLock{path: path, file: file}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire lock %s: %w", path, err)
		}

		if info := readLockInfo(path); info != nil {
			if processAlive(info.PID) {
				return nil, fmt.Errorf("gateway already running (pid %d), lock held at %s", info.PID, path)
			}
			os.Remove(path)
			continue
		}
		if stat, serr := os.Stat(path); serr != nil || time.Since(stat.ModTime()) > lockStaleAfter {
			os.Remove(path)
			continue
		}
		return nil, fmt.Errorf("gateway lock at %s held by unknown owner", path)
	}
	return nil, fmt.Errorf("could not claim gateway lock at %s", path)
}

// Release drops the lock. Safe to call more than once.
func (l *FileLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	l.file.Close()
	l.file = nil
	return os.Remove(l.path)
}

func readLockInfo(path string) *lockInfo {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil || info.PID <= 0 {
		return nil
	}
	return &info
}

// processAlive probes the pid with signal 0. FindProcess always succeeds on
// unix, only the signal tells whether the process exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
