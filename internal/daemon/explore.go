package daemon

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/folder-mcp/folder-mcp/internal/errors"
	"github.com/folder-mcp/folder-mcp/internal/store"
)

// handleExplore lists one directory level inside a managed folder:
// subdirectories and files, with the store directory and dot entries
// hidden. The base folder must be managed; the sub path must stay inside
// it.
func (s *Server) handleExplore(c echo.Context) error {
	base := c.QueryParam("base_folder_path")
	if base == "" {
		return writeError(c, errors.New(errors.KindProtocolViolation, "base_folder_path is required"))
	}
	folder, err := s.folderByPath(base)
	if err != nil {
		return writeError(c, err)
	}

	sub := filepath.FromSlash(c.QueryParam("relative_sub_path"))
	target := filepath.Join(folder.Path(), sub)
	rel, err := filepath.Rel(folder.Path(), target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return writeError(c, errors.Newf(errors.KindProtocolViolation, "path %q escapes the folder", sub))
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		if os.IsNotExist(err) {
			return writeError(c, errors.Newf(errors.KindNotFound, "no such directory %q", sub))
		}
		return writeError(c, errors.Wrap(errors.KindTransient, "read directory", err))
	}

	var dirs []string
	var files []map[string]any
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || name == store.StoreDirName {
			continue
		}
		if entry.IsDir() {
			dirs = append(dirs, name)
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, map[string]any{
			"name":         name,
			"size":         info.Size(),
			"lastModified": info.ModTime(),
		})
	}
	sort.Strings(dirs)
	sort.Slice(files, func(i, j int) bool {
		return files[i]["name"].(string) < files[j]["name"].(string)
	})

	return c.JSON(http.StatusOK, map[string]any{
		"folderId":       folder.ID(),
		"basePath":       folder.Path(),
		"relativePath":   filepath.ToSlash(rel),
		"subdirectories": dirs,
		"files":          files,
	})
}

func (s *Server) folderByPath(path string) (*Folder, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(errors.KindProtocolViolation, "resolve base folder path", err)
	}
	abs = filepath.Clean(abs)
	for _, f := range s.manager.Folders() {
		if f.Path() == abs {
			return f, nil
		}
	}
	return nil, errors.Newf(errors.KindNotFound, "folder %q is not managed", path)
}
