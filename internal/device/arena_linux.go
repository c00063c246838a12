//go:build linux

package device

import "golang.org/x/sys/unix"

// mapArena reserves the device arena with an anonymous private mapping so a
// large arena costs no RSS until kernels actually touch it.
func mapArena(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapArena(arena []byte) error {
	if arena == nil {
		return nil
	}
	return unix.Munmap(arena)
}
