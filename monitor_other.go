//go:build !unix

package aiop

func openFileLimit() (uint64, uint64, error) {
	return 0, 0, ErrNoBackend
}

func raiseOpenFileLimit(uint64) error {
	return nil
}
