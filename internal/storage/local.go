package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Local stores project files under a root directory on the filesystem.
// Writes are atomic: temp file in the target directory, then rename.
type Local struct {
	root string
}

// NewLocal creates a Local backend rooted at root, creating it if needed.
// An empty root defaults to ~/.prism/projects.
func NewLocal(root string) (*Local, error) {
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		root = filepath.Join(home, ".prism", "projects")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", root, err)
	}
	return &Local{root: root}, nil
}

// Root returns the backend's base directory.
func (l *Local) Root() string {
	return l.root
}

// resolve maps a project-relative path onto the filesystem, rejecting
// traversal outside the project directory.
func (l *Local) resolve(project, path string) (string, error) {
	if project == "" || strings.ContainsAny(project, `/\`) {
		return "", fmt.Errorf("invalid project name %q", project)
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid path %q", path)
	}
	return filepath.Join(l.root, project, clean), nil
}

func (l *Local) ListProjects(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", l.root, err)
	}
	var projects []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			projects = append(projects, e.Name())
		}
	}
	sort.Strings(projects)
	return projects, nil
}

func (l *Local) Read(ctx context.Context, project, path string) ([]byte, error) {
	full, err := l.resolve(project, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotExist)
		}
		return nil, err
	}
	return data, nil
}

func (l *Local) Write(ctx context.Context, project, path string, data []byte) error {
	full, err := l.resolve(project, path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmpName, full, err)
	}
	tmpName = "" // prevent deferred removal
	return nil
}

func (l *Local) Delete(ctx context.Context, project, path string) error {
	full, err := l.resolve(project, path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", path, ErrNotExist)
		}
		return err
	}
	return nil
}

func (l *Local) Exists(ctx context.Context, project, path string) (bool, error) {
	full, err := l.resolve(project, path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (l *Local) List(ctx context.Context, project, prefix string) ([]FileInfo, error) {
	base, err := l.resolve(project, prefix)
	if err != nil {
		return nil, err
	}
	projectDir := filepath.Join(l.root, project)

	var files []FileInfo
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(projectDir, p)
		if err != nil {
			return err
		}
		files = append(files, FileInfo{
			Name:     d.Name(),
			Path:     filepath.ToSlash(rel),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (l *Local) DeleteProject(ctx context.Context, project string) error {
	full, err := l.resolve(project, ".")
	if err != nil {
		return err
	}
	if _, err := os.Stat(full); os.IsNotExist(err) {
		return fmt.Errorf("project %s: %w", project, ErrNotExist)
	}
	return os.RemoveAll(full)
}
