// Package hls maps requests under the HLS route onto files beneath a base directory.
package hls

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"unicode/utf8"
)

var (
	// ErrMalformedPath means the tail segment cannot be used as a relative file path.
	ErrMalformedPath = errors.New("malformed path segment")
	// ErrOutsideBase means the canonicalized path escapes the base directory.
	ErrOutsideBase = errors.New("path escapes base directory")
	// ErrNotAFile means the path names a directory or other non-regular file.
	ErrNotAFile = errors.New("not a regular file")
)

// ResolvedFile is the per-request result of joining a tail segment onto the base directory.
// It is never cached or shared between requests.
type ResolvedFile struct {
	TailPath      string
	BaseDirectory string
	ResolvedPath  string
}

// Resolver turns tail segments into paths under a fixed base directory.
// It is immutable after construction and safe for concurrent use.
type Resolver struct {
	base string
}

// NewResolver canonicalizes baseDir to an absolute path. The directory does not have
// to exist yet; requests simply fail with 404 until it does.
func NewResolver(baseDir string) (*Resolver, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("hls: base directory cannot be empty")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("hls: failed to resolve base directory %q: %w", baseDir, err)
	}
	return &Resolver{base: abs}, nil
}

// Base returns the absolute base directory.
func (r *Resolver) Base() string { return r.base }

// Resolve validates tail and joins it onto the base directory.
// Tails containing invalid UTF-8 or control characters yield ErrMalformedPath;
// tails whose cleaned form leaves the base yield ErrOutsideBase.
func (r *Resolver) Resolve(tail string) (*ResolvedFile, error) {
	if !utf8.ValidString(tail) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrMalformedPath)
	}
	for _, c := range tail {
		if c < 0x20 || c == 0x7f {
			return nil, fmt.Errorf("%w: control character %U", ErrMalformedPath, c)
		}
	}

	resolved := filepath.Join(r.base, filepath.FromSlash(tail))
	if !within(r.base, resolved) {
		return nil, fmt.Errorf("%w: %q", ErrOutsideBase, tail)
	}
	return &ResolvedFile{TailPath: tail, BaseDirectory: r.base, ResolvedPath: resolved}, nil
}

// Open opens the resolved path for reading. Directories are rejected with ErrNotAFile
// and symlinks whose target lies outside the base with fs.ErrPermission.
// The base itself is canonicalized on every call since it may be created or
// repointed while the server runs. The caller owns the returned file.
func (r *Resolver) Open(rf *ResolvedFile) (*os.File, os.FileInfo, error) {
	f, err := os.Open(rf.ResolvedPath)
	if err != nil {
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %s", ErrNotAFile, rf.TailPath)
	}
	if target, err := filepath.EvalSymlinks(rf.ResolvedPath); err == nil && !within(r.realBase(), target) {
		f.Close()
		return nil, nil, fmt.Errorf("symlink target outside base directory: %w", fs.ErrPermission)
	}
	return f, fi, nil
}

func (r *Resolver) realBase() string {
	if evaluated, err := filepath.EvalSymlinks(r.base); err == nil {
		return evaluated
	}
	return r.base
}

func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// StatusForError maps a resolve/open error onto the HTTP status returned to the client.
func StatusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrMalformedPath), errors.Is(err, ErrOutsideBase), errors.Is(err, syscall.ENAMETOOLONG):
		return http.StatusBadRequest
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, ErrNotAFile), errors.Is(err, syscall.ENOTDIR):
		return http.StatusNotFound
	case errors.Is(err, fs.ErrPermission):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
