// Package scanner lists the source files of a directory tree.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// FileDescriptor describes one listed file.
type FileDescriptor struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	IsDir   bool      `json:"is_dir,omitempty"`
}

// Dir returns the directory containing the file.
func (f FileDescriptor) Dir() string { return filepath.Dir(f.Path) }

// Ext returns the lower-cased extension, including the dot.
func (f FileDescriptor) Ext() string { return strings.ToLower(filepath.Ext(f.Name)) }

// Stem returns the file name without its extension.
func (f FileDescriptor) Stem() string { return strings.TrimSuffix(f.Name, filepath.Ext(f.Name)) }

// Filter selects which files a listing returns.
type Filter struct {
	// IncludeExtensions restricts the listing to these extensions
	// (case-insensitive, with or without a leading dot). Empty means all.
	IncludeExtensions []string

	// ExcludePatterns are slash-separated glob patterns matched against the
	// path relative to the root and against every path element. A trailing
	// "/**" excludes a whole subtree.
	ExcludePatterns []string
}

// Group is the set of files listed from one directory.
type Group struct {
	Name  string           `json:"name"`
	Path  string           `json:"path"`
	Files []FileDescriptor `json:"files"`
}

// Listing is the result of listing a tree.
type Listing struct {
	Root      string           `json:"root"`
	Groups    []Group          `json:"groups"`
	RootFiles []FileDescriptor `json:"root_files"`
}

// Files flattens the listing: root files first, then each group in order.
func (l *Listing) Files() []FileDescriptor {
	var out []FileDescriptor
	out = append(out, l.RootFiles...)
	for _, g := range l.Groups {
		out = append(out, g.Files...)
	}
	return out
}

// Count returns the number of listed files.
func (l *Listing) Count() int {
	n := len(l.RootFiles)
	for _, g := range l.Groups {
		n += len(g.Files)
	}
	return n
}

// Lister lists the files under root that pass filter.
type Lister interface {
	List(ctx context.Context, root string, filter Filter) (*Listing, error)
}

// DefaultExtensions are the C-family sources listed when no filter is given.
var DefaultExtensions = []string{".c", ".cc", ".cpp", ".cxx", ".h", ".hh", ".hpp", ".hxx", ".m", ".mm"}

// DefaultExcludes skips VCS metadata and common build output.
var DefaultExcludes = []string{".git/**", ".svn/**", "node_modules/**", "build/**", "vendor/**"}

// FSLister walks an fs.FS or the local filesystem.
type FSLister struct {
	// FS overrides the filesystem; nil uses os.DirFS(root).
	FS fs.FS
}

var _ Lister = (*FSLister)(nil)

// NewFSLister returns a lister over the local filesystem.
func NewFSLister() *FSLister { return &FSLister{} }

// List walks root in lexical order and groups matching files by directory,
// groups ordered by first appearance in the walk.
// Returned paths are root joined with the relative path.
func (l *FSLister) List(ctx context.Context, root string, filter Filter) (*Listing, error) {
	fsys := l.FS
	if fsys == nil {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("scanner: resolve root: %w", err)
		}
		root = abs
		fsys = os.DirFS(root)
	}

	include := normalizeExtensions(filter.IncludeExtensions)
	listing := &Listing{Root: root}
	groups := make(map[string]*Group)
	var order []string

	err := fs.WalkDir(fsys, ".", func(rel string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("scanner: walk %s: %w", rel, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if excluded(rel, d.IsDir(), filter.ExcludePatterns) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if len(include) > 0 {
			if _, ok := include[strings.ToLower(path.Ext(rel))]; !ok {
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("scanner: stat %s: %w", rel, err)
		}
		fd := FileDescriptor{
			Path:    filepath.Join(root, filepath.FromSlash(rel)),
			Name:    d.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}

		dir := path.Dir(rel)
		if dir == "." {
			listing.RootFiles = append(listing.RootFiles, fd)
			return nil
		}
		g, ok := groups[dir]
		if !ok {
			g = &Group{Name: path.Base(dir), Path: filepath.Join(root, filepath.FromSlash(dir))}
			groups[dir] = g
			order = append(order, dir)
		}
		g.Files = append(g.Files, fd)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, dir := range order {
		listing.Groups = append(listing.Groups, *groups[dir])
	}
	return listing, nil
}

func normalizeExtensions(exts []string) map[string]struct{} {
	if len(exts) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = struct{}{}
	}
	return set
}

// excluded reports whether the slash-separated relative path matches any
// pattern.
func excluded(rel string, isDir bool, patterns []string) bool {
	for _, p := range patterns {
		p = strings.TrimPrefix(strings.TrimSpace(p), "./")
		if p == "" {
			continue
		}
		if sub, ok := strings.CutSuffix(p, "/**"); ok {
			if rel == sub || strings.HasPrefix(rel, sub+"/") {
				return true
			}
			if isDir && !strings.Contains(sub, "/") {
				if m, _ := path.Match(sub, path.Base(rel)); m {
					return true
				}
			}
			continue
		}
		if m, _ := path.Match(p, rel); m {
			return true
		}
		if !strings.Contains(p, "/") {
			for _, elem := range strings.Split(rel, "/") {
				if m, _ := path.Match(p, elem); m {
					return true
				}
			}
		}
	}
	return false
}
