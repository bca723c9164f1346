package model

import (
	"context"
	"log/slog"
	"os/exec"
	"time"
)

// Embedder is the common surface of the subprocess host and the static
// fallback.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// FactoryConfig selects and configures the embedding backend.
type FactoryConfig struct {
	ModelName string
	Dimension int
	// Command, when set, is the exact argv used to launch the model host
	// and overrides ScriptPath/PythonPath.
	Command []string
	// ScriptPath locates the embedding service script. Empty disables the
	// subprocess backend entirely.
	ScriptPath string
	// PythonPath overrides interpreter discovery.
	PythonPath string

	AutoRestart            bool
	MaxRestartAttempts     int
	RestartDelay           time.Duration
	RequestTimeout         time.Duration
	StartupTimeout         time.Duration
	HealthCheckInterval    time.Duration
	HealthCheckMaxFailures int
}

// NewEmbedder returns the best available backend and a shutdown function.
// Preference order: subprocess host when a script and interpreter exist
// and the process comes up healthy, otherwise the static embedder. The
// daemon stays usable either way.
func NewEmbedder(ctx context.Context, cfg FactoryConfig, logger *slog.Logger) (Embedder, func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	noop := func(context.Context) error { return nil }

	command := cfg.Command
	if len(command) == 0 {
		if cfg.ScriptPath == "" {
			logger.Info("embedder_static_selected", slog.String("reason", "no model host command configured"))
			return NewStaticEmbedder(cfg.Dimension), noop, nil
		}

		python := cfg.PythonPath
		if python == "" {
			for _, candidate := range []string{"python3", "python"} {
				if path, err := exec.LookPath(candidate); err == nil {
					python = path
					break
				}
			}
		}
		if python == "" {
			logger.Warn("embedder_static_selected", slog.String("reason", "no python interpreter found"))
			return NewStaticEmbedder(cfg.Dimension), noop, nil
		}
		command = []string{python, cfg.ScriptPath, cfg.ModelName}
	}

	host, err := NewHost(Config{
		Command:                command,
		ModelName:              cfg.ModelName,
		Dimension:              cfg.Dimension,
		RequestTimeout:         cfg.RequestTimeout,
		StartupTimeout:         cfg.StartupTimeout,
		MaxRestartAttempts:     cfg.MaxRestartAttempts,
		RestartDelay:           cfg.RestartDelay,
		AutoRestart:            cfg.AutoRestart,
		HealthCheckInterval:    cfg.HealthCheckInterval,
		HealthCheckMaxFailures: cfg.HealthCheckMaxFailures,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	if err := host.Start(ctx); err != nil {
		logger.Warn("embedder_static_selected",
			slog.String("reason", "model host failed to start"),
			slog.String("error", err.Error()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = host.Shutdown(shutdownCtx)
		return NewStaticEmbedder(cfg.Dimension), noop, nil
	}

	logger.Info("embedder_host_selected", slog.String("model", cfg.ModelName))
	return host, host.Shutdown, nil
}
