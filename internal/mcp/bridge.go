// Package mcp is the stdio bridge between an MCP client and the
// folder-mcp daemon. Stdout carries only JSON-RPC; all logging goes to
// stderr. Every tool call becomes an HTTP call to the daemon's REST
// facade, and a missing daemon is auto-spawned.
package mcp

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/folder-mcp/folder-mcp/pkg/version"
)

// BridgeConfig configures the stdio bridge.
type BridgeConfig struct {
	// DaemonPort is the REST facade port.
	DaemonPort int
	// RequestTimeout bounds each HTTP call to the daemon.
	RequestTimeout time.Duration
}

// Bridge serves the MCP tool catalog over stdio.
type Bridge struct {
	server  *mcp.Server
	client  *Client
	spawner *spawner
	logger  *slog.Logger
}

// NewBridge wires the bridge and registers its tool catalog.
func NewBridge(cfg BridgeConfig, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	client := NewClient(cfg.DaemonPort, cfg.RequestTimeout)

	b := &Bridge{
		client:  client,
		spawner: newSpawner(client, logger),
		logger:  logger,
	}
	b.server = mcp.NewServer(&mcp.Implementation{
		Name:    "folder-mcp",
		Version: version.Short(),
	}, nil)
	b.registerTools()
	return b
}

// Run connects to the daemon (spawning it if needed) and serves MCP over
// stdio until the context is cancelled or the client disconnects.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.spawner.ensure(ctx); err != nil {
		return err
	}
	b.logger.Info("bridge_started")
	return b.server.Run(ctx, &mcp.StdioTransport{})
}

// retryResult is the degraded-mode answer when the daemon vanished
// mid-session: tell the client to retry and restart the daemon in the
// background.
func (b *Bridge) retryResult(toolName string) map[string]any {
	b.logger.Warn("daemon_unreachable", slog.String("tool", toolName))
	b.spawner.kick()
	return map[string]any{
		"status":  "retry",
		"message": "The folder-mcp backend is starting up. Please retry this request in a few seconds.",
	}
}

// forward runs one daemon call, converting a dead daemon into the
// degraded retry answer instead of a hard error.
func (b *Bridge) forward(toolName string, call func() (map[string]any, error)) (map[string]any, error) {
	out, err := call()
	if err != nil {
		if IsDaemonDown(err) {
			return b.retryResult(toolName), nil
		}
		return nil, err
	}
	return out, nil
}

// Tool inputs. Field names follow the MCP tool contract.

type emptyInput struct{}

type exploreInput struct {
	BaseFolderPath  string `json:"base_folder_path" jsonschema:"absolute path of a managed folder"`
	RelativeSubPath string `json:"relative_sub_path,omitempty" jsonschema:"directory inside the folder, empty for the root"`
}

type listDocumentsInput struct {
	FolderID string `json:"folder_id" jsonschema:"folder identifier from list_folders"`
	Offset   int    `json:"offset,omitempty" jsonschema:"number of documents to skip"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum documents to return"`
}

type documentMetadataInput struct {
	FolderID   string `json:"folder_id" jsonschema:"folder identifier from list_folders"`
	DocumentID int64  `json:"document_id" jsonschema:"document identifier from list_documents"`
	Offset     int    `json:"offset,omitempty" jsonschema:"number of chunks to skip"`
	Limit      int    `json:"limit,omitempty" jsonschema:"maximum chunks to return"`
}

type chunksInput struct {
	FolderID   string  `json:"folder_id" jsonschema:"folder identifier from list_folders"`
	DocumentID int64   `json:"document_id" jsonschema:"document identifier from list_documents"`
	ChunkIDs   []int64 `json:"chunk_ids" jsonschema:"chunk identifiers from get_document_metadata or search_content"`
}

type documentTextInput struct {
	FolderID          string `json:"folder_id" jsonschema:"folder identifier from list_folders"`
	DocumentID        int64  `json:"document_id" jsonschema:"document identifier from list_documents"`
	MaxChars          int    `json:"max_chars,omitempty" jsonschema:"maximum characters per page"`
	ContinuationToken string `json:"continuation_token,omitempty" jsonschema:"token from a previous page"`
}

type searchContentInput struct {
	FolderID          string   `json:"folder_id" jsonschema:"folder identifier from list_folders"`
	SemanticConcepts  []string `json:"semantic_concepts,omitempty" jsonschema:"concepts to search for by meaning"`
	ExactTerms        []string `json:"exact_terms,omitempty" jsonschema:"terms that must appear literally"`
	Limit             int      `json:"limit,omitempty" jsonschema:"maximum results per page, default 10"`
	ContinuationToken string   `json:"continuation_token,omitempty" jsonschema:"token from a previous page"`
}

type findDocumentsInput struct {
	FolderID          string `json:"folder_id" jsonschema:"folder identifier from list_folders"`
	Query             string `json:"query" jsonschema:"free text description of the documents to find"`
	Limit             int    `json:"limit,omitempty" jsonschema:"maximum documents per page, default 10"`
	ContinuationToken string `json:"continuation_token,omitempty" jsonschema:"token from a previous page"`
}

func (b *Bridge) registerTools() {
	mcp.AddTool(b.server, &mcp.Tool{
		Name:        "get_server_info",
		Description: "Get daemon version and totals: how many folders, documents and chunks are indexed.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, map[string]any, error) {
		out, err := b.forward("get_server_info", func() (map[string]any, error) {
			return b.client.ServerInfo(ctx)
		})
		return nil, out, err
	})

	mcp.AddTool(b.server, &mcp.Tool{
		Name:        "list_folders",
		Description: "List every indexed folder with its id, path, indexing status and document count. Call this first to obtain folder ids.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, map[string]any, error) {
		out, err := b.forward("list_folders", func() (map[string]any, error) {
			return b.client.ListFolders(ctx)
		})
		return nil, out, err
	})

	mcp.AddTool(b.server, &mcp.Tool{
		Name:        "explore",
		Description: "Browse one directory level inside an indexed folder: its subdirectories and files.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in exploreInput) (*mcp.CallToolResult, map[string]any, error) {
		out, err := b.forward("explore", func() (map[string]any, error) {
			return b.client.Explore(ctx, in.BaseFolderPath, in.RelativeSubPath)
		})
		return nil, out, err
	})

	mcp.AddTool(b.server, &mcp.Tool{
		Name:        "list_documents",
		Description: "Page through a folder's indexed documents with their ids, paths and sizes.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in listDocumentsInput) (*mcp.CallToolResult, map[string]any, error) {
		out, err := b.forward("list_documents", func() (map[string]any, error) {
			return b.client.ListDocuments(ctx, in.FolderID, in.Offset, in.Limit)
		})
		return nil, out, err
	})

	mcp.AddTool(b.server, &mcp.Tool{
		Name:        "get_document_metadata",
		Description: "Get a document's metadata, extracted keywords and a page of its chunks with key phrases.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in documentMetadataInput) (*mcp.CallToolResult, map[string]any, error) {
		out, err := b.forward("get_document_metadata", func() (map[string]any, error) {
			return b.client.DocumentMetadata(ctx, in.FolderID, in.DocumentID, in.Offset, in.Limit)
		})
		return nil, out, err
	})

	mcp.AddTool(b.server, &mcp.Tool{
		Name:        "get_chunks",
		Description: "Fetch the full text of specific chunks by id.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in chunksInput) (*mcp.CallToolResult, map[string]any, error) {
		out, err := b.forward("get_chunks", func() (map[string]any, error) {
			return b.client.Chunks(ctx, in.FolderID, in.DocumentID, in.ChunkIDs)
		})
		return nil, out, err
	})

	mcp.AddTool(b.server, &mcp.Tool{
		Name:        "get_document_text",
		Description: "Read a document's extracted plain text, paged by character count.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in documentTextInput) (*mcp.CallToolResult, map[string]any, error) {
		out, err := b.forward("get_document_text", func() (map[string]any, error) {
			return b.client.DocumentText(ctx, in.FolderID, in.DocumentID, in.MaxChars, in.ContinuationToken)
		})
		return nil, out, err
	})

	mcp.AddTool(b.server, &mcp.Tool{
		Name:        "search_content",
		Description: "Hybrid search over a folder's chunks: semantic concepts matched by meaning, exact terms matched literally. At least one of the two is required.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in searchContentInput) (*mcp.CallToolResult, map[string]any, error) {
		out, err := b.forward("search_content", func() (map[string]any, error) {
			return b.client.SearchContent(ctx, map[string]any{
				"folderId":           in.FolderID,
				"semantic_concepts":  in.SemanticConcepts,
				"exact_terms":        in.ExactTerms,
				"limit":              in.Limit,
				"continuation_token": in.ContinuationToken,
			})
		})
		return nil, out, err
	})

	mcp.AddTool(b.server, &mcp.Tool{
		Name:        "find_documents",
		Description: "Find whole documents about a topic using document-level embeddings. Good for 'which files discuss X' questions.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in findDocumentsInput) (*mcp.CallToolResult, map[string]any, error) {
		out, err := b.forward("find_documents", func() (map[string]any, error) {
			return b.client.SearchDocuments(ctx, map[string]any{
				"folderId":           in.FolderID,
				"query":              in.Query,
				"limit":              in.Limit,
				"continuation_token": in.ContinuationToken,
			})
		})
		return nil, out, err
	})
}
