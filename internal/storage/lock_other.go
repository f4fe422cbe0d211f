//go:build !unix

package storage

// Lock only creates the data directory on platforms without flock.
func (s *TokenStore) Lock() (func() error, error) {
	if err := s.EnsureDir(); err != nil {
		return nil, err
	}
	return func() error { return nil }, nil
}
