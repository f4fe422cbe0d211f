//go:build unix

package storage

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock takes an exclusive advisory lock guarding a load-modify-save sequence
// on the token file. The returned func releases it.
func (s *TokenStore) Lock() (func() error, error) {
	if err := s.EnsureDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	f, err := os.OpenFile(s.path+".lock", os.O_RDWR|os.O_CREATE, FileMode)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to lock token file: %w", err)
	}

	return func() error {
		defer f.Close()
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			return fmt.Errorf("failed to unlock token file: %w", err)
		}
		return nil
	}, nil
}
