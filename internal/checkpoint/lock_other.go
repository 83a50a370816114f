//go:build !unix

package checkpoint

// lockFile is a no-op where flock is unavailable; the state directory must
// then not be shared between processes.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
