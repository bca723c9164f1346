// Package model talks to the embedding backend. The primary backend is an
// owned subprocess speaking line-delimited JSON-RPC 2.0 over stdio; a
// hash-based static embedder serves as the no-dependency fallback.
package model

import "encoding/json"

// JSON-RPC method names understood by the subprocess.
const (
	methodGenerateEmbeddings = "generate_embeddings"
	methodHealthCheck        = "health_check"
	methodShutdown           = "shutdown"
	methodDownloadModel      = "download_model"
	methodIsModelCached      = "is_model_cached"
	methodExtractKeyPhrases  = "extract_key_phrases"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type embeddingParams struct {
	Texts []string `json:"texts"`
	// Immediate marks interactive (search) requests that should jump the
	// backend's internal batch queue.
	Immediate bool `json:"immediate,omitempty"`
}

type embeddingResult struct {
	Embeddings       [][]float32    `json:"embeddings"`
	Success          bool           `json:"success"`
	ProcessingTimeMs float64        `json:"processing_time_ms"`
	ModelInfo        map[string]any `json:"model_info"`
	Error            string         `json:"error,omitempty"`
}

// Health is the subprocess's self-reported status.
type Health struct {
	Status        string  `json:"status"`
	ModelLoaded   bool    `json:"model_loaded"`
	GPUAvailable  bool    `json:"gpu_available"`
	MemoryUsageMB float64 `json:"memory_usage_mb"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	QueueSize     int     `json:"queue_size"`
}

type shutdownParams struct {
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
}

type shutdownResult struct {
	Success bool `json:"success"`
}

type downloadModelParams struct {
	ModelName string `json:"model_name"`
}

type downloadModelResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type isModelCachedParams struct {
	ModelName string `json:"model_name"`
}

type isModelCachedResult struct {
	Cached bool   `json:"cached"`
	Error  string `json:"error,omitempty"`
}

type keyPhraseParams struct {
	Text       string `json:"text"`
	MaxPhrases int    `json:"max_phrases,omitempty"`
}

type keyPhraseResult struct {
	KeyPhrases []struct {
		Text  string  `json:"text"`
		Score float64 `json:"score"`
	} `json:"key_phrases"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
