// Package vfs maps an interpreter's virtual paths onto host directories.
//
// The same mounts are handed to the interpreter, so host-side reads and
// writes through FS see exactly what sandboxed code sees.
package vfs

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// MountMode defines the permission level for a mount point.
type MountMode int

const (
	// MountReadOnly allows only read operations.
	MountReadOnly MountMode = iota
	// MountReadWrite allows writes to existing files and directories.
	MountReadWrite
	// MountReadWriteCreate allows reads, writes and creation.
	MountReadWriteCreate
)

// Mount represents a virtual path mapped to a host path.
type Mount struct {
	VirtualPath string    // Path as seen by sandboxed code (e.g., "/packages")
	HostPath    string    // Actual path on host filesystem
	Mode        MountMode // Permission level
}

var (
	ErrNotFound   = errors.New("file not found")
	ErrPermission = errors.New("permission denied")
	ErrIsDir      = errors.New("is a directory")
)

// Entry describes a file or directory.
type Entry struct {
	Name    string
	Path    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// FS provides filesystem operations over explicit mount points.
type FS struct {
	mounts []Mount
	mu     sync.RWMutex
}

// New creates a filesystem with the given mounts. Mounts whose host path
// cannot be made absolute are ignored.
func New(mounts ...Mount) *FS {
	normalized := make([]Mount, 0, len(mounts))
	for _, m := range mounts {
		hp, err := filepath.Abs(m.HostPath)
		if err != nil {
			continue
		}
		normalized = append(normalized, Mount{
			VirtualPath: Clean(m.VirtualPath),
			HostPath:    hp,
			Mode:        m.Mode,
		})
	}
	// Longest virtual path first so nested mounts shadow their parents.
	sort.SliceStable(normalized, func(i, j int) bool {
		return len(normalized[i].VirtualPath) > len(normalized[j].VirtualPath)
	})
	return &FS{mounts: normalized}
}

// Mounts returns the normalized mounts, most specific first.
func (f *FS) Mounts() []Mount {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Mount, len(f.mounts))
	copy(out, f.mounts)
	return out
}

// Clean normalizes a virtual path to an absolute, slash separated form.
func Clean(p string) string {
	return path.Clean("/" + strings.TrimPrefix(p, "/"))
}

// Under reports whether p is root or inside it.
func Under(p, root string) bool {
	p, root = Clean(p), Clean(root)
	if root == "/" {
		return true
	}
	return p == root || strings.HasPrefix(p, root+"/")
}

func (f *FS) findMount(vp string) *Mount {
	for i := range f.mounts {
		if Under(vp, f.mounts[i].VirtualPath) {
			return &f.mounts[i]
		}
	}
	return nil
}

// resolve maps a virtual path to a host path and enforces the mount mode.
func (f *FS) resolve(virtualPath string, needWrite, needCreate bool) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	vp := Clean(virtualPath)
	m := f.findMount(vp)
	if m == nil {
		return "", fmt.Errorf("%w: path not in any mount: %s", ErrPermission, vp)
	}
	if needWrite && m.Mode == MountReadOnly {
		return "", fmt.Errorf("%w: read-only mount: %s", ErrPermission, vp)
	}
	if needCreate && m.Mode != MountReadWriteCreate {
		return "", fmt.Errorf("%w: cannot create: %s", ErrPermission, vp)
	}

	rel := strings.TrimPrefix(vp, m.VirtualPath)
	hostPath := filepath.Join(m.HostPath, filepath.FromSlash(rel))
	if hostPath != m.HostPath && !strings.HasPrefix(hostPath, m.HostPath+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escape attempt: %s", ErrPermission, vp)
	}
	return hostPath, nil
}

// ReadFile returns the contents of a file.
func (f *FS) ReadFile(p string) (string, error) {
	hostPath, err := f.resolve(p, false, false)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return "", pathError("read", p, err)
	}
	return string(data), nil
}

// WriteFile writes content to a file, creating it if the mount allows.
func (f *FS) WriteFile(p, content string) error {
	_, statErr := f.Stat(p)
	create := errors.Is(statErr, ErrNotFound)

	hostPath, err := f.resolve(p, true, create)
	if err != nil {
		return err
	}
	if err := os.WriteFile(hostPath, []byte(content), 0o644); err != nil {
		return pathError("write", p, err)
	}
	return nil
}

// MkdirAll creates a directory and any missing parents.
func (f *FS) MkdirAll(p string) error {
	hostPath, err := f.resolve(p, true, true)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(hostPath, 0o755); err != nil {
		return pathError("mkdir", p, err)
	}
	return nil
}

// Remove deletes a file or empty directory.
func (f *FS) Remove(p string) error {
	hostPath, err := f.resolve(p, true, false)
	if err != nil {
		return err
	}
	if err := os.Remove(hostPath); err != nil {
		return pathError("remove", p, err)
	}
	return nil
}

// ReadDir lists a directory, sorted by name.
func (f *FS) ReadDir(p string) ([]Entry, error) {
	hostPath, err := f.resolve(p, false, false)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(hostPath)
	if err != nil {
		return nil, pathError("list", p, err)
	}

	vp := Clean(p)
	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		e := Entry{Name: de.Name(), Path: path.Join(vp, de.Name()), IsDir: de.IsDir()}
		if info, err := de.Info(); err == nil {
			e.Size = info.Size()
			e.ModTime = info.ModTime()
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Stat returns information about a file or directory.
func (f *FS) Stat(p string) (Entry, error) {
	hostPath, err := f.resolve(p, false, false)
	if err != nil {
		return Entry{}, err
	}
	info, err := os.Stat(hostPath)
	if err != nil {
		return Entry{}, pathError("stat", p, err)
	}
	return Entry{
		Name:    info.Name(),
		Path:    Clean(p),
		IsDir:   info.IsDir(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// Walk returns the path of every regular file below root. Directories that
// cannot be read are skipped.
func (f *FS) Walk(root string) []string {
	var files []string
	var visit func(dir string)
	visit = func(dir string) {
		entries, err := f.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if e.IsDir {
				visit(e.Path)
				continue
			}
			files = append(files, e.Path)
		}
	}
	visit(Clean(root))
	sort.Strings(files)
	return files
}

func pathError(op, p string, err error) error {
	switch {
	case os.IsNotExist(err):
		return fmt.Errorf("%w: %s", ErrNotFound, Clean(p))
	case os.IsPermission(err):
		return fmt.Errorf("%w: %s", ErrPermission, Clean(p))
	case strings.Contains(err.Error(), "is a directory"):
		return fmt.Errorf("%w: %s", ErrIsDir, Clean(p))
	case strings.Contains(err.Error(), "directory not empty"):
		return fmt.Errorf("directory not empty: %s", Clean(p))
	}
	return fmt.Errorf("%s error: %s: %w", op, Clean(p), err)
}
