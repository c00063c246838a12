//go:build !linux

package device

func mapArena(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapArena(arena []byte) error {
	return nil
}
