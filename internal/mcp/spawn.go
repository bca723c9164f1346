package mcp

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/folder-mcp/folder-mcp/internal/errors"
)

// AutoSpawnEnv disables daemon auto-spawn when set to "false".
const AutoSpawnEnv = "AUTO_SPAWN_DAEMON"

const (
	spawnPollInterval = 500 * time.Millisecond
	spawnWaitTimeout  = 10 * time.Second

	// spawnCooldown keeps repeated failing tool calls from forking a
	// daemon per call.
	spawnCooldown = 15 * time.Second
)

// daemonBinaryName is the executable the bridge looks for.
const daemonBinaryName = "folder-mcp"

// spawner starts the daemon process when no daemon answers.
type spawner struct {
	client *Client
	logger *slog.Logger

	mu        sync.Mutex
	lastSpawn time.Time
}

func newSpawner(client *Client, logger *slog.Logger) *spawner {
	return &spawner{client: client, logger: logger}
}

// autoSpawnEnabled honors the environment kill switch.
func autoSpawnEnabled() bool {
	return !strings.EqualFold(os.Getenv(AutoSpawnEnv), "false")
}

// ensure makes sure a daemon is answering: if the first health probe
// fails it spawns one and polls until healthy or the wait times out.
func (s *spawner) ensure(ctx context.Context) error {
	if _, err := s.client.Health(ctx); err == nil {
		return nil
	} else if !IsDaemonDown(err) {
		return err
	}

	if !autoSpawnEnabled() {
		return errors.New(errors.KindTransient,
			"daemon is not running and auto-spawn is disabled")
	}
	if err := s.spawn(); err != nil {
		return err
	}
	return s.waitHealthy(ctx)
}

// kick fires a background spawn attempt, rate limited. Used on the
// degraded path where a tool call found the daemon gone.
func (s *spawner) kick() {
	if !autoSpawnEnabled() {
		return
	}
	s.mu.Lock()
	if time.Since(s.lastSpawn) < spawnCooldown {
		s.mu.Unlock()
		return
	}
	s.lastSpawn = time.Now()
	s.mu.Unlock()

	go func() {
		if err := s.spawn(); err != nil {
			s.logger.Warn("daemon_spawn_failed", slog.String("error", err.Error()))
		}
	}()
}

// spawn launches the daemon detached with stdio discarded.
func (s *spawner) spawn() error {
	path, err := locateDaemon()
	if err != nil {
		return err
	}
	s.logger.Info("daemon_spawning", slog.String("path", path))

	cmd := exec.Command(path, "daemon")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = detachedProcAttr()

	if err := cmd.Start(); err != nil {
		return errors.Wrap(errors.KindTransient, "spawn daemon", err)
	}
	// Detached: the daemon outlives the bridge.
	return cmd.Process.Release()
}

// StartDetached launches this executable's daemon command in its own
// session and returns the child pid. Used by 'daemon --foreground=false'.
func StartDetached(args ...string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, errors.Wrap(errors.KindTransient, "locate executable", err)
	}

	cmd := exec.Command(exe, append([]string{"daemon"}, args...)...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = detachedProcAttr()

	if err := cmd.Start(); err != nil {
		return 0, errors.Wrap(errors.KindTransient, "spawn daemon", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, err
	}
	return pid, nil
}

func (s *spawner) waitHealthy(ctx context.Context) error {
	deadline := time.Now().Add(spawnWaitTimeout)
	for time.Now().Before(deadline) {
		if health, err := s.client.Health(ctx); err == nil {
			status, _ := health["status"].(string)
			if status == "healthy" || status == "starting" {
				s.logger.Info("daemon_ready", slog.String("status", status))
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(errors.KindCancelled, "waiting for daemon", ctx.Err())
		case <-time.After(spawnPollInterval):
		}
	}
	return errors.New(errors.KindTransient, "daemon did not become healthy in time")
}

// locateDaemon tries the bridge's own directory, its parent, then PATH.
func locateDaemon() (string, error) {
	var candidates []string
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(dir, daemonBinaryName),
			filepath.Join(dir, "..", daemonBinaryName))
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	if path, err := exec.LookPath(daemonBinaryName); err == nil {
		return path, nil
	}
	return "", errors.New(errors.KindNotFound, "folder-mcp executable not found for auto-spawn")
}
