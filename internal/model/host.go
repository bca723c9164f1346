package model

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/folder-mcp/folder-mcp/internal/errors"
	"github.com/folder-mcp/folder-mcp/internal/semantic"
)

// Defaults for host timing.
const (
	DefaultRequestTimeout         = 30 * time.Second
	DefaultStartupTimeout         = 5 * time.Minute
	DefaultMaxRestartAttempts     = 5
	DefaultRestartDelay           = 2 * time.Second
	DefaultHealthCheckInterval    = 30 * time.Second
	DefaultHealthCheckMaxFailures = 3

	startupPollInterval = time.Second
	healthCallTimeout   = 5 * time.Second
)

// dependencyMissingRe spots an unusable Python environment on stderr so
// startup can fail fast instead of burning the whole startup timeout.
var dependencyMissingRe = regexp.MustCompile(`ModuleNotFoundError|ImportError|No module named`)

// Config configures a subprocess host.
type Config struct {
	// Command is the argv to spawn, e.g. ["python3", "main.py", model].
	Command   []string
	ModelName string
	// Dimension is the vector width the subprocess model produces.
	Dimension          int
	RequestTimeout     time.Duration
	StartupTimeout     time.Duration
	MaxRestartAttempts int
	RestartDelay       time.Duration
	AutoRestart        bool
	// HealthCheckInterval is the gap between periodic health probes after
	// startup; HealthCheckMaxFailures consecutive probe failures kill the
	// process so the restart policy brings up a fresh one.
	HealthCheckInterval    time.Duration
	HealthCheckMaxFailures int
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.MaxRestartAttempts <= 0 {
		c.MaxRestartAttempts = DefaultMaxRestartAttempts
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = DefaultRestartDelay
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.HealthCheckMaxFailures <= 0 {
		c.HealthCheckMaxFailures = DefaultHealthCheckMaxFailures
	}
}

// Host owns the embedding subprocess: it spawns it, waits for it to come
// healthy, multiplexes calls over stdio, and restarts it with exponential
// backoff when it dies. While a restart is in flight calls fail with
// KindTransient so callers can retry.
type Host struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	cmd          *exec.Cmd
	conn         *conn
	healthy      bool
	restarting   bool
	restarts     int
	depErr       error
	closed       bool
	waitDone     chan struct{}
	healthLoopOn bool
	healthStop   chan struct{}
}

// NewHost validates cfg and returns an unstarted host.
func NewHost(cfg Config, logger *slog.Logger) (*Host, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New(errors.KindProtocolViolation, "model host command is empty")
	}
	if cfg.Dimension <= 0 {
		return nil, errors.Newf(errors.KindProtocolViolation, "invalid model dimension %d", cfg.Dimension)
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		cfg:        cfg,
		logger:     logger.With(slog.String("model", cfg.ModelName)),
		healthStop: make(chan struct{}),
	}, nil
}

// Start spawns the subprocess and blocks until it reports healthy or the
// startup timeout expires. A missing Python dependency detected on stderr
// fails immediately with KindPermanentTaskFailure.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errors.New(errors.KindCancelled, "model host is closed")
	}
	if h.cmd != nil {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	if err := h.spawn(); err != nil {
		return err
	}
	if err := h.waitForHealthy(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	if !h.healthLoopOn && !h.closed {
		h.healthLoopOn = true
		go h.healthLoop()
	}
	h.mu.Unlock()
	return nil
}

// healthLoop probes the subprocess at the configured interval once startup
// has succeeded. A failed probe marks the host unhealthy; after the failure
// budget is spent the process is killed so the monitor's restart policy
// replaces it.
func (h *Host) healthLoop() {
	ticker := time.NewTicker(h.cfg.HealthCheckInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-h.healthStop:
			return
		case <-ticker.C:
		}

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return
		}
		skip := h.restarting || h.conn == nil
		cmd := h.cmd
		h.mu.Unlock()
		if skip {
			failures = 0
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), healthCallTimeout)
		health, err := h.HealthCheck(ctx)
		cancel()
		if err == nil && (health.ModelLoaded || health.Status == "healthy" || health.Status == "ok") {
			h.mu.Lock()
			h.healthy = true
			h.mu.Unlock()
			failures = 0
			continue
		}

		failures++
		h.mu.Lock()
		h.healthy = false
		h.mu.Unlock()
		h.logger.Warn("model_host_health_check_failed", slog.Int("consecutive", failures))

		if failures >= h.cfg.HealthCheckMaxFailures && cmd != nil && cmd.Process != nil {
			h.logger.Error("model_host_unresponsive",
				slog.Int("failures", failures),
				slog.Int("pid", cmd.Process.Pid))
			_ = cmd.Process.Kill()
			failures = 0
		}
	}
}

// Healthy reports the result of the most recent health probe.
func (h *Host) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

// spawn launches the subprocess and wires stdio. Callers must not hold mu.
func (h *Host) spawn() error {
	cmd := exec.Command(h.cfg.Command[0], h.cfg.Command[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrap(errors.KindPermanentTaskFailure, "spawn model host", err)
	}

	h.logger.Info("model_host_started",
		slog.String("command", h.cfg.Command[0]),
		slog.Int("pid", cmd.Process.Pid))

	waitDone := make(chan struct{})
	h.mu.Lock()
	h.cmd = cmd
	h.conn = newConn(stdin, stdout, h.logger)
	h.healthy = false
	h.waitDone = waitDone
	h.mu.Unlock()

	go h.scanStderr(stderr)
	go h.monitor(cmd, waitDone)
	return nil
}

// scanStderr forwards subprocess logs and watches for dependency errors.
func (h *Host) scanStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		h.logger.Debug("model_host_stderr", slog.String("line", line))
		if dependencyMissingRe.MatchString(line) {
			h.mu.Lock()
			if h.depErr == nil && !h.healthy {
				h.depErr = errors.Newf(errors.KindPermanentTaskFailure,
					"model host python environment unusable: %s", line)
			}
			h.mu.Unlock()
		}
	}
}

// monitor waits for process exit and drives the restart policy.
func (h *Host) monitor(cmd *exec.Cmd, waitDone chan struct{}) {
	err := cmd.Wait()
	close(waitDone)

	h.mu.Lock()
	if h.cmd != cmd {
		h.mu.Unlock()
		return
	}
	exitMsg := "exit ok"
	if err != nil {
		exitMsg = err.Error()
	}
	h.conn.closeWith(errors.Newf(errors.KindTransient, "model host process exited: %s", exitMsg))
	h.cmd = nil
	h.healthy = false

	if h.closed || h.depErr != nil || !h.cfg.AutoRestart {
		h.mu.Unlock()
		return
	}
	if h.restarts >= h.cfg.MaxRestartAttempts {
		h.logger.Error("model_host_gave_up",
			slog.Int("restart_attempts", h.restarts),
			slog.String("exit", exitMsg))
		h.mu.Unlock()
		return
	}
	h.restarting = true
	h.restarts++
	attempt := h.restarts
	h.mu.Unlock()

	delay := h.cfg.RestartDelay * (1 << (attempt - 1))
	h.logger.Warn("model_host_restarting",
		slog.String("exit", exitMsg),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))
	time.Sleep(delay)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	if err := h.spawn(); err != nil {
		h.logger.Error("model_host_respawn_failed", slog.String("error", err.Error()))
		h.mu.Lock()
		h.restarting = false
		h.mu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StartupTimeout)
	defer cancel()
	if err := h.waitForHealthy(ctx); err != nil {
		h.logger.Error("model_host_restart_unhealthy", slog.String("error", err.Error()))
		return
	}
	h.mu.Lock()
	h.restarting = false
	h.restarts = 0
	h.mu.Unlock()
	h.logger.Info("model_host_recovered", slog.Int("attempt", attempt))
}

// waitForHealthy polls health_check once per second until the subprocess
// reports its model loaded.
func (h *Host) waitForHealthy(ctx context.Context) error {
	deadline := time.Now().Add(h.cfg.StartupTimeout)
	ticker := time.NewTicker(startupPollInterval)
	defer ticker.Stop()

	for {
		h.mu.Lock()
		depErr := h.depErr
		c := h.conn
		h.mu.Unlock()
		if depErr != nil {
			return depErr
		}
		if c == nil {
			return errors.New(errors.KindTransient, "model host not running")
		}

		callCtx, cancel := context.WithTimeout(ctx, healthCallTimeout)
		var health Health
		err := c.call(callCtx, methodHealthCheck, map[string]any{}, &health)
		cancel()
		if err == nil && (health.ModelLoaded || health.Status == "healthy" || health.Status == "ok") {
			h.mu.Lock()
			h.healthy = true
			h.mu.Unlock()
			h.logger.Info("model_host_healthy",
				slog.Bool("gpu_available", health.GPUAvailable),
				slog.Float64("memory_usage_mb", health.MemoryUsageMB))
			return nil
		}

		if time.Now().After(deadline) {
			return errors.Newf(errors.KindTransient,
				"model host not healthy after %s", h.cfg.StartupTimeout)
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(errors.KindCancelled, "startup wait", ctx.Err())
		case <-ticker.C:
		}
	}
}

// current returns the live connection or the reason there is none.
func (h *Host) current() (*conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New(errors.KindCancelled, "model host is closed")
	}
	if h.depErr != nil {
		return nil, h.depErr
	}
	if h.restarting || h.conn == nil {
		return nil, errors.New(errors.KindTransient, "model host process restarting")
	}
	return h.conn, nil
}

// GenerateEmbeddings embeds texts. immediate marks interactive requests
// that should bypass the backend's batch queue.
func (h *Host) GenerateEmbeddings(ctx context.Context, texts []string, immediate bool) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	c, err := h.current()
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, h.cfg.RequestTimeout)
	defer cancel()

	var result embeddingResult
	if err := c.call(callCtx, methodGenerateEmbeddings, embeddingParams{Texts: texts, Immediate: immediate}, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, errors.Newf(errors.KindTransient, "embedding generation failed: %s", result.Error)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, errors.Newf(errors.KindProtocolViolation,
			"model host returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}
	for i, vec := range result.Embeddings {
		if len(vec) != h.cfg.Dimension {
			return nil, errors.Newf(errors.KindProtocolViolation,
				"embedding %d has dimension %d, expected %d", i, len(vec), h.cfg.Dimension)
		}
	}
	return result.Embeddings, nil
}

// Embed implements the indexing embedder contract (batch priority).
func (h *Host) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return h.GenerateEmbeddings(ctx, texts, false)
}

// EmbedQuery embeds search input at immediate priority.
func (h *Host) EmbedQuery(ctx context.Context, texts []string) ([][]float32, error) {
	return h.GenerateEmbeddings(ctx, texts, true)
}

// Dimension returns the configured vector width.
func (h *Host) Dimension() int {
	return h.cfg.Dimension
}

// ModelName returns the configured model.
func (h *Host) ModelName() string {
	return h.cfg.ModelName
}

// HealthCheck queries the subprocess's health endpoint.
func (h *Host) HealthCheck(ctx context.Context) (*Health, error) {
	c, err := h.current()
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, healthCallTimeout)
	defer cancel()

	var health Health
	if err := c.call(callCtx, methodHealthCheck, map[string]any{}, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// DownloadModel asks the subprocess to pre-download the configured
// model's weights.
func (h *Host) DownloadModel(ctx context.Context) error {
	c, err := h.current()
	if err != nil {
		return err
	}
	var result downloadModelResult
	if err := c.call(ctx, methodDownloadModel, downloadModelParams{ModelName: h.cfg.ModelName}, &result); err != nil {
		return err
	}
	if !result.Success {
		return errors.Newf(errors.KindTransient, "model download failed: %s", result.Error)
	}
	return nil
}

// IsModelCached reports whether the configured model's weights are
// already on disk.
func (h *Host) IsModelCached(ctx context.Context) (bool, error) {
	c, err := h.current()
	if err != nil {
		return false, err
	}
	var result isModelCachedResult
	if err := c.call(ctx, methodIsModelCached, isModelCachedParams{ModelName: h.cfg.ModelName}, &result); err != nil {
		return false, err
	}
	return result.Cached, nil
}

// ExtractKeyPhrases delegates key-phrase extraction to the backend.
// Backends without the method return an error; callers fall back to the
// local extractor.
func (h *Host) ExtractKeyPhrases(ctx context.Context, text string, maxPhrases int) ([]semantic.KeyPhrase, error) {
	c, err := h.current()
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, h.cfg.RequestTimeout)
	defer cancel()

	var result keyPhraseResult
	if err := c.call(callCtx, methodExtractKeyPhrases, keyPhraseParams{Text: text, MaxPhrases: maxPhrases}, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, errors.Newf(errors.KindTransient, "key phrase extraction failed: %s", result.Error)
	}
	phrases := make([]semantic.KeyPhrase, len(result.KeyPhrases))
	for i, p := range result.KeyPhrases {
		phrases[i] = semantic.KeyPhrase{Text: p.Text, Score: p.Score}
	}
	return phrases, nil
}

// Shutdown asks the subprocess to exit and kills it if it lingers past
// ctx's deadline. The host cannot be reused afterwards.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.healthStop)
	c := h.conn
	cmd := h.cmd
	waitDone := h.waitDone
	h.mu.Unlock()

	if cmd == nil {
		return nil
	}

	if c != nil {
		timeout := 5.0
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline).Seconds()
		}
		callCtx, cancel := context.WithTimeout(ctx, healthCallTimeout)
		var result shutdownResult
		_ = c.call(callCtx, methodShutdown, shutdownParams{TimeoutSeconds: timeout}, &result)
		cancel()
	}

	select {
	case <-waitDone:
		h.logger.Info("model_host_stopped")
		return nil
	case <-ctx.Done():
		h.logger.Warn("model_host_kill", slog.Int("pid", cmd.Process.Pid))
		_ = cmd.Process.Kill()
		<-waitDone
		return nil
	}
}
