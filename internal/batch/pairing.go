package batch

import (
	"github.com/0x6d61/defectscan/internal/scanner"
)

// headerImpls maps a header extension to the implementation extensions it
// pairs with, in order of preference.
var headerImpls = map[string][]string{
	".h":   {".c", ".cc", ".cpp", ".cxx", ".m", ".mm"},
	".hpp": {".cpp", ".cc", ".cxx"},
	".hh":  {".cc"},
	".hxx": {".cxx"},
}

// IsHeader reports whether ext (lower-case, with dot) is a recognised header
// extension.
func IsHeader(ext string) bool {
	_, ok := headerImpls[ext]
	return ok
}

// unit is an indivisible run of files: a header/implementation pair or a
// single file.
type unit []scanner.FileDescriptor

// dirUnits holds the units of one directory, pairs first.
type dirUnits struct {
	dir   string
	units []unit
}

// groupByDir splits files by directory, keeping the order in which
// directories and files first appear.
func groupByDir(files []scanner.FileDescriptor) [][]scanner.FileDescriptor {
	index := make(map[string]int)
	var groups [][]scanner.FileDescriptor
	for _, f := range files {
		d := f.Dir()
		i, ok := index[d]
		if !ok {
			i = len(groups)
			index[d] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], f)
	}
	return groups
}

// pairUnits splits the files of one directory into paired units, in header
// order, followed by the remaining files in input order. Each header pairs
// with at most one implementation and vice versa.
func pairUnits(files []scanner.FileDescriptor) []unit {
	type key struct{ stem, ext string }
	byKey := make(map[key]int, len(files))
	for i, f := range files {
		k := key{f.Stem(), f.Ext()}
		if _, dup := byKey[k]; !dup {
			byKey[k] = i
		}
	}

	used := make([]bool, len(files))
	var paired, single []unit
	for i, f := range files {
		impls, ok := headerImpls[f.Ext()]
		if !ok || used[i] {
			continue
		}
		for _, ext := range impls {
			j, ok := byKey[key{f.Stem(), ext}]
			if !ok || used[j] {
				continue
			}
			used[i], used[j] = true, true
			paired = append(paired, unit{f, files[j]})
			break
		}
	}
	for i, f := range files {
		if !used[i] {
			single = append(single, unit{f})
		}
	}
	return append(paired, single...)
}

func buildUnits(files []scanner.FileDescriptor) []dirUnits {
	groups := groupByDir(files)
	out := make([]dirUnits, 0, len(groups))
	for _, g := range groups {
		out = append(out, dirUnits{dir: g[0].Dir(), units: pairUnits(g)})
	}
	return out
}
