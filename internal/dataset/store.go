// Package dataset resolves caller-supplied dataset references against a
// data directory and prepares per-session private copies.
package dataset

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// ErrNotFound reports that a reference matched nothing under the data dir.
var ErrNotFound = errors.New("dataset not found")

var supportedExts = []string{".parquet", ".csv"}

// Dataset is one resolved dataset file.
type Dataset struct {
	Ref     string
	Name    string
	Path    string
	RelPath string
	Format  string
	Size    int64
}

// Meta is the optional {name}.meta.json sidecar next to a dataset file,
// carrying human-written descriptions that enrich generated prompts.
type Meta struct {
	Description string            `json:"description,omitempty"`
	Columns     map[string]string `json:"columns,omitempty"`
}

// Store serves datasets from a single root directory. References never
// escape the root.
type Store struct {
	root   string
	logger *zap.Logger
}

func NewStore(root string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("data dir %s is not a directory", abs)
	}
	return &Store{root: abs, logger: logger}, nil
}

// Resolve maps a reference to a single dataset file. A reference is an exact
// relative path, a bare name searched anywhere under the root, or a
// doublestar pattern. Ambiguity resolves deterministically: shortest
// relative path first, then lexicographic.
func (s *Store) Resolve(ref string) (Dataset, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return Dataset{}, fmt.Errorf("empty dataset ref: %w", ErrNotFound)
	}
	clean := path.Clean(filepath.ToSlash(trimmed))
	if clean == ".." || strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
		return Dataset{}, fmt.Errorf("dataset ref %q escapes the data dir: %w", ref, ErrNotFound)
	}

	var matches []string
	switch {
	case strings.ContainsAny(clean, "*?[{"):
		found, err := doublestar.Glob(os.DirFS(s.root), clean, doublestar.WithFilesOnly())
		if err != nil {
			return Dataset{}, fmt.Errorf("dataset pattern %q: %w", ref, err)
		}
		matches = filterSupported(found)
	case hasSupportedExt(clean):
		if fi, err := os.Stat(filepath.Join(s.root, filepath.FromSlash(clean))); err == nil && !fi.IsDir() {
			matches = []string{clean}
		}
	default:
		// Bare name: search the whole tree for name.parquet / name.csv.
		pattern := "**/" + clean + ".{parquet,csv}"
		found, err := doublestar.Glob(os.DirFS(s.root), pattern, doublestar.WithFilesOnly())
		if err != nil {
			return Dataset{}, fmt.Errorf("dataset pattern %q: %w", ref, err)
		}
		matches = found
	}

	if len(matches) == 0 {
		return Dataset{}, fmt.Errorf("dataset %q: %w", ref, ErrNotFound)
	}
	sort.Slice(matches, func(a, b int) bool {
		if len(matches[a]) != len(matches[b]) {
			return len(matches[a]) < len(matches[b])
		}
		return matches[a] < matches[b]
	})
	rel := matches[0]
	abs := filepath.Join(s.root, filepath.FromSlash(rel))
	fi, err := os.Stat(abs)
	if err != nil {
		return Dataset{}, err
	}
	ext := strings.ToLower(path.Ext(rel))
	ds := Dataset{
		Ref:     ref,
		Name:    strings.TrimSuffix(path.Base(rel), ext),
		Path:    abs,
		RelPath: rel,
		Format:  strings.TrimPrefix(ext, "."),
		Size:    fi.Size(),
	}
	s.logger.Debug("dataset.resolved", zap.String("ref", ref), zap.String("path", rel), zap.Int64("size", ds.Size))
	return ds, nil
}

// List returns every dataset under the root, sorted by relative path.
func (s *Store) List() ([]Dataset, error) {
	found, err := doublestar.Glob(os.DirFS(s.root), "**/*.{parquet,csv}", doublestar.WithFilesOnly())
	if err != nil {
		return nil, err
	}
	sort.Strings(found)
	out := make([]Dataset, 0, len(found))
	for _, rel := range found {
		abs := filepath.Join(s.root, filepath.FromSlash(rel))
		fi, err := os.Stat(abs)
		if err != nil {
			continue
		}
		ext := strings.ToLower(path.Ext(rel))
		out = append(out, Dataset{
			Ref:     rel,
			Name:    strings.TrimSuffix(path.Base(rel), ext),
			Path:    abs,
			RelPath: rel,
			Format:  strings.TrimPrefix(ext, "."),
			Size:    fi.Size(),
		})
	}
	return out, nil
}

// LoadMeta reads the dataset's sidecar. An absent sidecar is not an error.
func (s *Store) LoadMeta(ds Dataset) (Meta, bool, error) {
	metaPath := strings.TrimSuffix(ds.Path, filepath.Ext(ds.Path)) + ".meta.json"
	raw, err := os.ReadFile(metaPath)
	if errors.Is(err, os.ErrNotExist) {
		return Meta{}, false, nil
	}
	if err != nil {
		return Meta{}, false, err
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Meta{}, false, fmt.Errorf("decode %s: %w", filepath.Base(metaPath), err)
	}
	return meta, true, nil
}

// CopyForSession copies the dataset file into dir so session cleanup can
// delete derived data without touching the shared store.
func (s *Store) CopyForSession(ds Dataset, dir string) (string, error) {
	src, err := os.Open(ds.Path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dest := filepath.Join(dir, filepath.Base(ds.Path))
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		_ = os.Remove(dest)
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dest, nil
}

// Fingerprint returns the blake3-256 hex digest of the file's content.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hasSupportedExt(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	for _, want := range supportedExts {
		if ext == want {
			return true
		}
	}
	return false
}

func filterSupported(paths []string) []string {
	out := paths[:0]
	for _, p := range paths {
		if hasSupportedExt(p) {
			out = append(out, p)
		}
	}
	return out
}
