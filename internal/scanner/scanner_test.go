package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"main.c":                 {Data: []byte("int main(){}")},
		"README.md":              {Data: []byte("# readme")},
		"src/util.c":             {Data: []byte("void f(){}")},
		"src/util.h":             {Data: []byte("void f();")},
		"src/net/sock.cpp":       {Data: []byte("//")},
		"vendor/lib/x.c":         {Data: []byte("//")},
		"build/gen.c":            {Data: []byte("//")},
		"src/gen_test.c":         {Data: []byte("//")},
		".git/objects/ab/cd.c":   {Data: []byte("//")},
		"include/Widget.HPP":     {Data: []byte("//")},
		"include/sub/ignored.py": {Data: []byte("#")},
	}
}

func relPaths(t *testing.T, root string, files []FileDescriptor) []string {
	t.Helper()
	out := make([]string, len(files))
	for i, f := range files {
		rel, err := filepath.Rel(root, f.Path)
		require.NoError(t, err)
		out[i] = filepath.ToSlash(rel)
	}
	return out
}

func TestFSLister_List(t *testing.T) {
	l := &FSLister{FS: testFS()}
	listing, err := l.List(context.Background(), "/repo", Filter{
		IncludeExtensions: []string{"c", ".H", ".cpp", ".hpp"},
		ExcludePatterns:   []string{"vendor/**", "build/**", ".git/**", "*_test.c"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"main.c"}, relPaths(t, "/repo", listing.RootFiles))

	var groups []string
	for _, g := range listing.Groups {
		groups = append(groups, g.Name)
	}
	assert.Equal(t, []string{"Widget.HPP"}, relPaths(t, "/repo/include", listing.Groups[0].Files))
	assert.Equal(t, []string{"include", "net", "src"}, groups)

	assert.Equal(t,
		[]string{"main.c", "include/Widget.HPP", "src/net/sock.cpp", "src/util.c", "src/util.h"},
		relPaths(t, "/repo", listing.Files()))
	assert.Equal(t, 5, listing.Count())
}

func TestFSLister_NoFilter(t *testing.T) {
	l := &FSLister{FS: testFS()}
	listing, err := l.List(context.Background(), "/repo", Filter{})
	require.NoError(t, err)
	assert.Equal(t, len(testFS()), listing.Count())
}

func TestFSLister_LocalDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "a.c"), []byte("abc"), 0o644))

	listing, err := NewFSLister().List(context.Background(), root, Filter{IncludeExtensions: DefaultExtensions})
	require.NoError(t, err)
	require.Len(t, listing.Groups, 1)
	f := listing.Groups[0].Files[0]
	assert.Equal(t, "a.c", f.Name)
	assert.Equal(t, int64(3), f.Size)
	assert.Equal(t, filepath.Join(root, "pkg"), f.Dir())
	assert.Equal(t, "a", f.Stem())
	assert.Equal(t, ".c", f.Ext())
}

func TestFSLister_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&FSLister{FS: testFS()}).List(ctx, "/repo", Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFSLister_MissingRoot(t *testing.T) {
	_, err := NewFSLister().List(context.Background(), filepath.Join(t.TempDir(), "missing"), Filter{})
	assert.Error(t, err)
}

func TestExcluded(t *testing.T) {
	tests := []struct {
		rel     string
		isDir   bool
		pattern string
		want    bool
	}{
		{"vendor", true, "vendor/**", true},
		{"vendor/x.c", false, "vendor/**", true},
		{"src/vendor", true, "vendor/**", true},
		{"src/vendorized.c", false, "vendor/**", false},
		{"a/b/c_test.c", false, "*_test.c", true},
		{"a/b/c.c", false, "a/*/c.c", true},
		{"a/b/c.c", false, "b/*.c", false},
		{"x.c", false, "", false},
	}
	for _, tt := range tests {
		got := excluded(tt.rel, tt.isDir, []string{tt.pattern})
		assert.Equal(t, tt.want, got, "excluded(%q, %q)", tt.rel, tt.pattern)
	}
}
