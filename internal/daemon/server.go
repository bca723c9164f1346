package daemon

import (
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/folder-mcp/folder-mcp/internal/errors"
	"github.com/folder-mcp/folder-mcp/internal/search"
	"github.com/folder-mcp/folder-mcp/pkg/version"
)

// Pagination defaults for document listings and text slicing.
const (
	defaultPageLimit = 50
	maxPageLimit     = 200
	defaultMaxChars  = 50000
)

// Server is the local REST facade in front of the folder manager.
type Server struct {
	echo    *echo.Echo
	manager *Manager
	logger  *slog.Logger
	addr    string
}

// NewServer builds the facade bound to 127.0.0.1:port.
func NewServer(manager *Manager, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:    e,
		manager: manager,
		logger:  logger,
		addr:    fmt.Sprintf("127.0.0.1:%d", port),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.echo.Group("/api/v1")
	api.GET("/health", s.handleHealth)
	api.GET("/server-info", s.handleServerInfo)
	api.GET("/folders", s.handleListFolders)
	api.POST("/folders/:id/scan", s.handleScan)
	api.GET("/folders/:id/documents", s.handleListDocuments)
	api.GET("/documents/:folderId/:docId/metadata", s.handleDocumentMetadata)
	api.POST("/documents/:folderId/:docId/chunks", s.handleDocumentChunks)
	api.GET("/documents/:folderId/:docId/text", s.handleDocumentText)
	api.POST("/search/content", s.handleSearchContent)
	api.POST("/search/documents", s.handleSearchDocuments)
	api.GET("/explore", s.handleExplore)
}

// Start serves until Shutdown. It blocks.
func (s *Server) Start() error {
	s.logger.Info("rest_listening", slog.String("addr", s.addr))
	err := s.echo.Start(s.addr)
	if err != nil && !goerrors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(errors.KindTransient, "rest server", err)
	}
	return nil
}

// Shutdown stops the HTTP listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// writeError renders the uniform error body with the kind-mapped status.
func writeError(c echo.Context, err error) error {
	kind := errors.KindOf(err)
	body := map[string]any{"error": map[string]any{
		"kind":    string(kind),
		"message": err.Error(),
	}}
	var structured *errors.Error
	if goerrors.As(err, &structured) && len(structured.Details) > 0 {
		body["error"].(map[string]any)["details"] = structured.Details
	}
	return c.JSON(statusFor(kind), body)
}

func statusFor(kind errors.Kind) int {
	switch kind {
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindProtocolViolation:
		return http.StatusBadRequest
	case errors.KindResourceExhausted:
		return http.StatusTooManyRequests
	case errors.KindCancelled:
		return http.StatusConflict
	case errors.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":         s.manager.Health(),
		"uptime_seconds": int(s.manager.Uptime() / time.Second),
		"version":        version.Short(),
	})
}

func (s *Server) handleServerInfo(c echo.Context) error {
	folders, documents, chunks := s.manager.Capabilities(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]any{
		"version": version.Short(),
		"capabilities": map[string]any{
			"total_folders":   folders,
			"total_documents": documents,
			"total_chunks":    chunks,
		},
	})
}

func (s *Server) handleListFolders(c echo.Context) error {
	ctx := c.Request().Context()
	folders := s.manager.Folders()
	out := make([]map[string]any, len(folders))
	for i, f := range folders {
		entry := map[string]any{
			"folderId":      f.ID(),
			"path":          f.Path(),
			"status":        string(f.State()),
			"progress":      f.Progress().Percentage,
			"model":         f.Model(),
			"documentCount": f.DocumentCount(ctx),
		}
		if msg := f.LastError(); msg != "" {
			entry["errorMessage"] = msg
		}
		out[i] = entry
	}
	return c.JSON(http.StatusOK, map[string]any{"folders": out})
}

func (s *Server) handleScan(c echo.Context) error {
	if err := s.manager.TriggerScan(c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]any{"status": "scan_queued"})
}

func (s *Server) handleListDocuments(c echo.Context) error {
	folder, err := s.manager.FolderByID(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	offset, limit := pageParams(c)

	docs, total, err := folder.Store().ListDocuments(c.Request().Context(), offset, limit)
	if err != nil {
		return writeError(c, err)
	}
	out := make([]map[string]any, len(docs))
	for i, doc := range docs {
		out[i] = map[string]any{
			"documentId":   doc.ID,
			"filePath":     doc.FilePath,
			"fileSize":     doc.FileSize,
			"mimeType":     doc.MimeType,
			"lastModified": doc.LastModified,
			"lastIndexed":  doc.LastIndexed,
			"chunkCount":   doc.ChunkCount,
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"documents": out,
		"total":     total,
		"offset":    offset,
		"limit":     limit,
	})
}

func (s *Server) folderDocument(c echo.Context) (*Folder, int64, error) {
	folder, err := s.manager.FolderByID(c.Param("folderId"))
	if err != nil {
		return nil, 0, err
	}
	docID, err := strconv.ParseInt(c.Param("docId"), 10, 64)
	if err != nil {
		return nil, 0, errors.Newf(errors.KindProtocolViolation, "invalid document id %q", c.Param("docId"))
	}
	return folder, docID, nil
}

func (s *Server) handleDocumentMetadata(c echo.Context) error {
	folder, docID, err := s.folderDocument(c)
	if err != nil {
		return writeError(c, err)
	}
	ctx := c.Request().Context()

	doc, err := folder.Store().GetDocumentByID(ctx, docID)
	if err != nil {
		return writeError(c, err)
	}
	chunks, err := folder.Store().GetChunks(ctx, docID)
	if err != nil {
		return writeError(c, err)
	}

	offset, limit := pageParams(c)
	end := min(offset+limit, len(chunks))
	if offset > len(chunks) {
		offset, end = len(chunks), len(chunks)
	}
	page := make([]map[string]any, 0, end-offset)
	for _, chunk := range chunks[offset:end] {
		page = append(page, map[string]any{
			"chunkId":          chunk.ID,
			"chunkIndex":       chunk.ChunkIndex,
			"startOffset":      chunk.StartOffset,
			"endOffset":        chunk.EndOffset,
			"tokenCount":       chunk.TokenCount,
			"keyPhrases":       chunk.KeyPhrases,
			"readabilityScore": chunk.Readability,
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"documentId":   doc.ID,
		"filePath":     doc.FilePath,
		"fileSize":     doc.FileSize,
		"mimeType":     doc.MimeType,
		"lastModified": doc.LastModified,
		"lastIndexed":  doc.LastIndexed,
		"keywords":     doc.Keywords,
		"chunkCount":   len(chunks),
		"chunks":       page,
		"offset":       offset,
		"limit":        limit,
	})
}

func (s *Server) handleDocumentChunks(c echo.Context) error {
	folder, docID, err := s.folderDocument(c)
	if err != nil {
		return writeError(c, err)
	}

	var req struct {
		ChunkIDs []int64 `json:"chunkIds"`
	}
	if err := c.Bind(&req); err != nil {
		return writeError(c, errors.Wrap(errors.KindProtocolViolation, "decode request body", err))
	}
	if len(req.ChunkIDs) == 0 {
		return writeError(c, errors.New(errors.KindProtocolViolation, "chunkIds is required"))
	}

	chunks, err := folder.Store().GetChunksByID(c.Request().Context(), req.ChunkIDs)
	if err != nil {
		return writeError(c, err)
	}

	out := make([]map[string]any, 0, len(req.ChunkIDs))
	for _, id := range req.ChunkIDs {
		chunk, ok := chunks[id]
		if !ok || chunk.DocumentID != docID {
			continue
		}
		out = append(out, map[string]any{
			"chunkId":     chunk.ID,
			"chunkIndex":  chunk.ChunkIndex,
			"content":     chunk.Content,
			"startOffset": chunk.StartOffset,
			"endOffset":   chunk.EndOffset,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"chunks": out})
}

func (s *Server) handleDocumentText(c echo.Context) error {
	folder, docID, err := s.folderDocument(c)
	if err != nil {
		return writeError(c, err)
	}

	text, err := folder.Store().GetDocumentText(c.Request().Context(), docID)
	if err != nil {
		return writeError(c, err)
	}

	maxChars := defaultMaxChars
	if raw := c.QueryParam("maxChars"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxChars = parsed
		}
	}
	offset := 0
	if raw := c.QueryParam("continuationToken"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return writeError(c, errors.Newf(errors.KindProtocolViolation, "invalid continuation token %q", raw))
		}
		offset = parsed
	}

	runes := []rune(text)
	if offset > len(runes) {
		offset = len(runes)
	}
	end := min(offset+maxChars, len(runes))

	resp := map[string]any{
		"documentId": docID,
		"text":       string(runes[offset:end]),
		"totalChars": len(runes),
	}
	if end < len(runes) {
		resp["continuationToken"] = strconv.Itoa(end)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSearchContent(c echo.Context) error {
	var req struct {
		FolderID          string   `json:"folderId"`
		SemanticConcepts  []string `json:"semantic_concepts"`
		ExactTerms        []string `json:"exact_terms"`
		Limit             int      `json:"limit"`
		ContinuationToken string   `json:"continuation_token"`
	}
	if err := c.Bind(&req); err != nil {
		return writeError(c, errors.Wrap(errors.KindProtocolViolation, "decode request body", err))
	}
	folder, err := s.manager.FolderByID(req.FolderID)
	if err != nil {
		return writeError(c, err)
	}

	resp, err := s.manager.Engine().SearchContent(c.Request().Context(), folder.Store(), folder.Path(),
		search.ContentRequest{
			SemanticConcepts:  req.SemanticConcepts,
			ExactTerms:        req.ExactTerms,
			Limit:             req.Limit,
			ContinuationToken: req.ContinuationToken,
		})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSearchDocuments(c echo.Context) error {
	var req struct {
		FolderID          string `json:"folderId"`
		Query             string `json:"query"`
		Limit             int    `json:"limit"`
		ContinuationToken string `json:"continuation_token"`
	}
	if err := c.Bind(&req); err != nil {
		return writeError(c, errors.Wrap(errors.KindProtocolViolation, "decode request body", err))
	}
	folder, err := s.manager.FolderByID(req.FolderID)
	if err != nil {
		return writeError(c, err)
	}

	resp, err := s.manager.Engine().FindDocuments(c.Request().Context(), folder.Store(), folder.Path(),
		search.DocumentsRequest{
			Query:             req.Query,
			Limit:             req.Limit,
			ContinuationToken: req.ContinuationToken,
		})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func pageParams(c echo.Context) (offset, limit int) {
	limit = defaultPageLimit
	if raw := c.QueryParam("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, maxPageLimit)
		}
	}
	if raw := c.QueryParam("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return offset, limit
}
