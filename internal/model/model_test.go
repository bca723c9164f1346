package model

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folder-mcp/folder-mcp/internal/errors"
)

// newFakeBackend scripts JSON-RPC responses for conn tests.
func newFakeBackend(t *testing.T, handle func(req rpcRequest) *rpcResponse) *conn {
	t.Helper()
	clientOut, serverIn := io.Pipe()
	serverOut, clientIn := io.Pipe()

	c := newConn(serverIn, serverOut, slog.Default())
	t.Cleanup(func() {
		serverIn.Close()
		serverOut.Close()
	})

	go func() {
		scanner := bufio.NewScanner(clientOut)
		scanner.Buffer(make([]byte, 64*1024), maxResponseLine)
		for scanner.Scan() {
			var req rpcRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			if resp := handle(req); resp != nil {
				payload, _ := json.Marshal(resp)
				payload = append(payload, '\n')
				if _, err := clientIn.Write(payload); err != nil {
					return
				}
			}
		}
	}()
	return c
}

func resultResponse(id uint64, result any) *rpcResponse {
	raw, _ := json.Marshal(result)
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: raw}
}

func TestConnCallRoundTrip(t *testing.T) {
	c := newFakeBackend(t, func(req rpcRequest) *rpcResponse {
		assert.Equal(t, "2.0", req.JSONRPC)
		assert.Equal(t, methodHealthCheck, req.Method)
		return resultResponse(req.ID, Health{Status: "healthy", ModelLoaded: true})
	})

	var health Health
	err := c.call(context.Background(), methodHealthCheck, map[string]any{}, &health)
	require.NoError(t, err)
	assert.True(t, health.ModelLoaded)
}

func TestConnErrorResponse(t *testing.T) {
	c := newFakeBackend(t, func(req rpcRequest) *rpcResponse {
		return &rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32601, Message: "Method not found"}}
	})

	err := c.call(context.Background(), "nope", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTransient))
	assert.Contains(t, err.Error(), "Method not found")
}

func TestConnTimeoutDropsPending(t *testing.T) {
	c := newFakeBackend(t, func(req rpcRequest) *rpcResponse {
		return nil // never answer
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.call(ctx, methodGenerateEmbeddings, embeddingParams{Texts: []string{"x"}}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTransient))

	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	assert.Zero(t, pending, "timed-out call must not leak a pending slot")
}

func TestConnCorrelatesConcurrentCalls(t *testing.T) {
	c := newFakeBackend(t, func(req rpcRequest) *rpcResponse {
		var params embeddingParams
		raw, _ := json.Marshal(req.Params)
		_ = json.Unmarshal(raw, &params)
		return resultResponse(req.ID, embeddingResult{
			Success:    true,
			Embeddings: [][]float32{{float32(len(params.Texts[0]))}},
		})
	})

	results := make(chan float32, 10)
	for _, text := range []string{"a", "bb", "ccc", "dddd"} {
		go func() {
			var result embeddingResult
			err := c.call(context.Background(), methodGenerateEmbeddings,
				embeddingParams{Texts: []string{text}}, &result)
			if err == nil {
				results <- result.Embeddings[0][0]
			}
		}()
	}

	got := map[float32]bool{}
	for range 4 {
		select {
		case v := <-results:
			got[v] = true
		case <-time.After(2 * time.Second):
			t.Fatal("concurrent calls did not all complete")
		}
	}
	assert.Len(t, got, 4, "each call got its own response")
}

func TestConnCloseRejectsPending(t *testing.T) {
	c := newFakeBackend(t, func(req rpcRequest) *rpcResponse { return nil })

	done := make(chan error, 1)
	go func() {
		done <- c.call(context.Background(), methodHealthCheck, nil, nil)
	}()
	time.Sleep(20 * time.Millisecond)
	c.closeWith(errors.New(errors.KindTransient, "process exited"))

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "process exited")

	// New calls fail fast.
	err = c.call(context.Background(), methodHealthCheck, nil, nil)
	assert.True(t, errors.IsKind(err, errors.KindTransient))
}

// sedBackend emulates a healthy model host with sed: every request line is
// answered with a canned healthy response carrying the request's id.
const sedBackend = `exec sed -u 's/.*"id":\([0-9]*\).*/{"jsonrpc":"2.0","id":\1,"result":{"status":"healthy","model_loaded":true,"success":false,"error":"not implemented"}}/'`

func TestHostStartsAgainstFakeBackend(t *testing.T) {
	host, err := NewHost(Config{
		Command:        []string{"sh", "-c", sedBackend},
		ModelName:      "fake",
		Dimension:      4,
		StartupTimeout: 10 * time.Second,
	}, slog.Default())
	require.NoError(t, err)

	require.NoError(t, host.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		_ = host.Shutdown(ctx)
	})

	health, err := host.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, health.ModelLoaded)

	// The canned backend reports success=false for embeddings.
	_, err = host.Embed(context.Background(), []string{"text"})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTransient))
}

// cacheAwareBackend answers cache and download requests positively only
// when they carry the host's configured model name; everything else gets
// the canned healthy response.
const cacheAwareBackend = `exec sed -u \
 -e 's/.*"id":\([0-9]*\).*"model_name":"fake".*/{"jsonrpc":"2.0","id":\1,"result":{"cached":true,"success":true,"status":"healthy","model_loaded":true}}/' -e t \
 -e 's/.*"id":\([0-9]*\).*/{"jsonrpc":"2.0","id":\1,"result":{"status":"healthy","model_loaded":true,"success":false,"error":"not implemented"}}/'`

func TestHostModelCacheUsesConfiguredModel(t *testing.T) {
	host, err := NewHost(Config{
		Command:        []string{"sh", "-c", cacheAwareBackend},
		ModelName:      "fake",
		Dimension:      4,
		StartupTimeout: 10 * time.Second,
		RequestTimeout: 5 * time.Second,
	}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, host.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		_ = host.Shutdown(ctx)
	})

	cached, err := host.IsModelCached(context.Background())
	require.NoError(t, err)
	assert.True(t, cached, "cache query carries the configured model name")

	require.NoError(t, host.DownloadModel(context.Background()))
}

func TestHostDetectsMissingDependency(t *testing.T) {
	host, err := NewHost(Config{
		Command:        []string{"sh", "-c", `echo "ModuleNotFoundError: No module named 'sentence_transformers'" 1>&2; sleep 0.2`},
		ModelName:      "fake",
		Dimension:      4,
		StartupTimeout: 3 * time.Second,
	}, slog.Default())
	require.NoError(t, err)

	err = host.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindPermanentTaskFailure))
	assert.Contains(t, err.Error(), "No module named")
}

// flakyBackend reports healthy exactly once, then unhealthy forever.
const flakyBackend = `exec sed -u \
 -e '1s/.*"id":\([0-9]*\).*/{"jsonrpc":"2.0","id":\1,"result":{"status":"healthy","model_loaded":true}}/' \
 -e '1!s/.*"id":\([0-9]*\).*/{"jsonrpc":"2.0","id":\1,"result":{"status":"unhealthy","model_loaded":false}}/'`

func TestHostHealthLoopKillsUnresponsiveProcess(t *testing.T) {
	host, err := NewHost(Config{
		Command:                []string{"sh", "-c", flakyBackend},
		ModelName:              "fake",
		Dimension:              4,
		StartupTimeout:         10 * time.Second,
		HealthCheckInterval:    30 * time.Millisecond,
		HealthCheckMaxFailures: 2,
	}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, host.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		_ = host.Shutdown(ctx)
	})

	// Periodic probes see the unhealthy answers and, with no restart
	// policy, leave the process dead; calls start failing.
	require.Eventually(t, func() bool {
		_, err := host.HealthCheck(context.Background())
		return err != nil
	}, 3*time.Second, 50*time.Millisecond)
	assert.False(t, host.Healthy())
}

func TestHostShutdownKillsLingeringProcess(t *testing.T) {
	host, err := NewHost(Config{
		Command:        []string{"sh", "-c", sedBackend},
		ModelName:      "fake",
		Dimension:      4,
		StartupTimeout: 10 * time.Second,
	}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, host.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, host.Shutdown(ctx))

	_, err = host.HealthCheck(context.Background())
	assert.True(t, errors.IsKind(err, errors.KindCancelled))
}

func TestStaticEmbedderDeterministic(t *testing.T) {
	e := NewStaticEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, []string{"vector search engine"})
	require.NoError(t, err)
	b, err := e.Embed(ctx, []string{"vector search engine"})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := e.Embed(ctx, []string{"completely different text"})
	require.NoError(t, err)
	assert.NotEqual(t, a[0], other[0])
}

func TestStaticEmbedderNormalized(t *testing.T) {
	e := NewStaticEmbedder(64)
	vecs, err := e.Embed(context.Background(), []string{"some text to embed"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	require.Len(t, vecs[0], 64)

	var sumSquares float64
	for _, f := range vecs[0] {
		sumSquares += float64(f) * float64(f)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sumSquares), 1e-4)
}

func TestStaticEmbedderEmptyText(t *testing.T) {
	e := NewStaticEmbedder(16)
	vecs, err := e.Embed(context.Background(), []string{"   "})
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 16), vecs[0])
}

func TestFactoryFallsBackToStatic(t *testing.T) {
	embedder, shutdown, err := NewEmbedder(context.Background(), FactoryConfig{
		ModelName: "all-MiniLM-L6-v2",
		Dimension: 384,
	}, slog.Default())
	require.NoError(t, err)
	defer shutdown(context.Background())

	assert.IsType(t, &StaticEmbedder{}, embedder)
	assert.Equal(t, 384, embedder.Dimension())
}
