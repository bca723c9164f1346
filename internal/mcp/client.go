package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/folder-mcp/folder-mcp/internal/errors"
)

// detailDaemonDown marks errors whose cause is an unreachable daemon, so
// tool handlers can trigger the auto-spawn recovery path.
const detailDaemonDown = "daemon_down"

// Client talks to the daemon's REST facade.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the daemon on 127.0.0.1:port.
func NewClient(port int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d/api/v1", port),
		http:    &http.Client{Timeout: timeout},
	}
}

// IsDaemonDown reports whether err looks like "no daemon listening"
// rather than a daemon-side failure.
func IsDaemonDown(err error) bool {
	var structured *errors.Error
	if goerrors.As(err, &structured) {
		return structured.Details[detailDaemonDown] == "true"
	}
	return false
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "build request", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "encode request body", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return errors.Wrap(errors.KindInternal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(errors.KindTransient, "daemon unreachable", err).
			WithDetail(detailDaemonDown, "true")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(errors.KindTransient, "read daemon response", err)
	}

	if resp.StatusCode >= 400 {
		var body struct {
			Error struct {
				Kind    string `json:"kind"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &body) == nil && body.Error.Kind != "" {
			return errors.New(errors.Kind(body.Error.Kind), body.Error.Message)
		}
		return errors.Newf(errors.KindInternal, "daemon returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(errors.KindProtocolViolation, "decode daemon response", err)
	}
	return nil
}

// Health fetches /health. Used by the auto-spawn poll.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	if err := c.get(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ServerInfo fetches version and capability totals.
func (c *Client) ServerInfo(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	if err := c.get(ctx, "/server-info", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListFolders fetches the managed folder table.
func (c *Client) ListFolders(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	if err := c.get(ctx, "/folders", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Explore lists one directory level of a managed folder.
func (c *Client) Explore(ctx context.Context, basePath, subPath string) (map[string]any, error) {
	query := url.Values{}
	query.Set("base_folder_path", basePath)
	if subPath != "" {
		query.Set("relative_sub_path", subPath)
	}
	out := map[string]any{}
	if err := c.get(ctx, "/explore?"+query.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListDocuments pages through a folder's indexed documents.
func (c *Client) ListDocuments(ctx context.Context, folderID string, offset, limit int) (map[string]any, error) {
	query := url.Values{}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/folders/" + url.PathEscape(folderID) + "/documents"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	out := map[string]any{}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DocumentMetadata fetches a document's metadata with a chunk page.
func (c *Client) DocumentMetadata(ctx context.Context, folderID string, docID int64, offset, limit int) (map[string]any, error) {
	query := url.Values{}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := fmt.Sprintf("/documents/%s/%d/metadata", url.PathEscape(folderID), docID)
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	out := map[string]any{}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Chunks fetches chunk contents by id.
func (c *Client) Chunks(ctx context.Context, folderID string, docID int64, chunkIDs []int64) (map[string]any, error) {
	out := map[string]any{}
	path := fmt.Sprintf("/documents/%s/%d/chunks", url.PathEscape(folderID), docID)
	if err := c.post(ctx, path, map[string]any{"chunkIds": chunkIDs}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DocumentText fetches a slice of a document's extracted text.
func (c *Client) DocumentText(ctx context.Context, folderID string, docID int64, maxChars int, token string) (map[string]any, error) {
	query := url.Values{}
	if maxChars > 0 {
		query.Set("maxChars", strconv.Itoa(maxChars))
	}
	if token != "" {
		query.Set("continuationToken", token)
	}
	path := fmt.Sprintf("/documents/%s/%d/text", url.PathEscape(folderID), docID)
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	out := map[string]any{}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SearchContent runs a hybrid chunk search.
func (c *Client) SearchContent(ctx context.Context, req map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if err := c.post(ctx, "/search/content", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SearchDocuments runs a document-level topic search.
func (c *Client) SearchDocuments(ctx context.Context, req map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if err := c.post(ctx, "/search/documents", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}
