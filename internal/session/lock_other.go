//go:build !unix

package session

// lockFile is a no-op where flock is unavailable; the in-process mutex still
// serialises writers.
func lockFile(path string) (func(), error) {
	return func() {}, nil
}
