//go:build !unix

package keystore

// lock is a no-op on platforms without advisory file locks.
func (s *Store) lock() (func(), error) {
	return func() {}, nil
}
