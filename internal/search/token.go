package search

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/folder-mcp/folder-mcp/internal/errors"
)

// continuationToken binds a page offset to the query that produced it, so
// a token handed back with different parameters is rejected rather than
// silently applied to the wrong result set.
type continuationToken struct {
	Query  string `json:"q"`
	Offset int    `json:"off"`
}

// queryFingerprint hashes the normalized query. mode separates the chunk
// and document search spaces so their tokens cannot be swapped.
func queryFingerprint(mode, folder string, concepts, terms []string, limit int) string {
	var b strings.Builder
	b.WriteString(mode)
	b.WriteByte(0)
	b.WriteString(folder)
	b.WriteByte(0)
	for _, c := range concepts {
		b.WriteString(c)
		b.WriteByte(1)
	}
	b.WriteByte(0)
	for _, t := range terms {
		b.WriteString(t)
		b.WriteByte(1)
	}
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(limit))

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// encodeToken produces the opaque token pointing at the next page.
func encodeToken(fingerprint string, offset int) string {
	raw, _ := json.Marshal(continuationToken{Query: fingerprint, Offset: offset})
	return base64.StdEncoding.EncodeToString(raw)
}

// decodeToken validates token against fingerprint and returns the page
// offset. An empty token means the first page.
func decodeToken(token, fingerprint string) (int, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return 0, errors.Wrap(errors.KindProtocolViolation, "malformed continuation token", err)
	}
	var tok continuationToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return 0, errors.Wrap(errors.KindProtocolViolation, "malformed continuation token", err)
	}
	if tok.Query != fingerprint {
		return 0, errors.New(errors.KindProtocolViolation,
			"continuation token does not match this query")
	}
	if tok.Offset < 0 {
		return 0, errors.New(errors.KindProtocolViolation,
			"continuation token offset is negative")
	}
	return tok.Offset, nil
}
