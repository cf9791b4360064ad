//go:build !unix

package invoicerelay

// lockPath is a no-op where flock is unavailable; callers still hold their
// in-process mutex.
func lockPath(string) (func(), error) {
	return func() {}, nil
}
