package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/folder-mcp/folder-mcp/internal/errors"
	"github.com/folder-mcp/folder-mcp/internal/logging"
)

// pidFileName under the global ~/.folder-mcp directory.
const pidFileName = "daemon.pid"

// PIDFile tracks the running daemon's process id so other invocations
// can detect it, signal it, or clean up after a crash.
type PIDFile struct {
	path string
}

// NewPIDFile returns the manager for the default pid file location.
func NewPIDFile() *PIDFile {
	return &PIDFile{path: filepath.Join(logging.GlobalDir(), pidFileName)}
}

// NewPIDFileAt returns a manager for an explicit path.
func NewPIDFileAt(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Path returns the pid file location.
func (p *PIDFile) Path() string { return p.path }

// Acquire claims the pid file for this process. A pid file pointing at a
// live process means another daemon is running; a stale file from a
// crashed daemon is replaced.
func (p *PIDFile) Acquire() error {
	if pid, err := p.Read(); err == nil {
		if processAlive(pid) {
			return errors.Newf(errors.KindResourceExhausted,
				"daemon already running with pid %d", pid).
				WithDetail("pid_file", p.path)
		}
		// Stale file from a crashed daemon.
		_ = os.Remove(p.path)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return errors.Wrap(errors.KindTransient, "create pid directory", err)
	}
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return errors.Wrap(errors.KindTransient, "write pid file", err)
	}
	return nil
}

// Read returns the recorded pid.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.New(errors.KindNotFound, "pid file not found")
		}
		return 0, errors.Wrap(errors.KindTransient, "read pid file", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errors.Wrap(errors.KindStoreCorrupt, "invalid pid file contents", err)
	}
	return pid, nil
}

// Release removes the pid file. Missing files are fine.
func (p *PIDFile) Release() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.KindTransient, "remove pid file", err)
	}
	return nil
}

// IsRunning reports whether the recorded process is alive.
func (p *PIDFile) IsRunning() bool {
	pid, err := p.Read()
	return err == nil && processAlive(pid)
}

// Signal sends sig to the recorded process.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	pid, err := p.Read()
	if err != nil {
		return err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return errors.Wrap(errors.KindNotFound, "find daemon process", err)
	}
	if err := proc.Signal(sig); err != nil {
		return errors.Wrap(errors.KindTransient, "signal daemon process", err)
	}
	return nil
}

// processAlive probes a pid with signal 0; on Unix FindProcess always
// succeeds, so the probe is the real check.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
