package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// WriteTree creates files under root from a map of slash-separated
// relative paths to contents.
func WriteTree(t testing.TB, root string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", rel, err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

// PairedTree writes n header/implementation pairs into dir "src" of a fresh
// temporary directory and returns its root. Every implementation file
// contains one strcpy call.
func PairedTree(t testing.TB, n int) string {
	t.Helper()
	root := t.TempDir()
	files := make(map[string]string, 2*n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("mod%02d", i)
		files["src/"+name+".h"] = fmt.Sprintf("int %s_run(const char *in);\n", name)
		files["src/"+name+".c"] = fmt.Sprintf(
			"#include <string.h>\n#include \"%s.h\"\n\nint %s_run(const char *in) {\n\tchar buf[16];\n\tstrcpy(buf, in);\n\treturn buf[0];\n}\n",
			name, name)
	}
	WriteTree(t, root, files)
	return root
}

// FlatTree writes n standalone .c files named f00.c, f01.c, ... into dir
// "src" and returns the root.
func FlatTree(t testing.TB, n int) string {
	t.Helper()
	root := t.TempDir()
	files := make(map[string]string, n)
	for i := 0; i < n; i++ {
		files[fmt.Sprintf("src/f%02d.c", i)] = fmt.Sprintf("int f%02d(void) { return %d; }\n", i, i)
	}
	WriteTree(t, root, files)
	return root
}
