/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: region.go
Description: Shareable memory-region handles for the Akaylee Runtime.
Wraps anonymous memfd-backed regions behind the SharedRegion capability
interface so channels can duplicate and transfer them across processes.
*/

package shmem

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/kleascm/akaylee-runtime/pkg/interfaces"
)

// Region is a memfd-backed shared memory handle. It satisfies
// interfaces.SharedRegion.
type Region struct {
	fd   int
	size int
}

// NewRegion allocates an anonymous shared region of at least size bytes.
// Allocation failure is resource exhaustion with no sensible fallback, so
// callers generally treat a returned error as fatal.
func NewRegion(name string, size int) (*Region, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared region %q: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to size shared region %q to %d: %w", name, size, err)
	}
	return &Region{fd: fd, size: size}, nil
}

// RegionFromFd adopts an existing descriptor, e.g. one received from a
// peer. The declared size must accompany the descriptor since memfds only
// know their page-rounded length.
func RegionFromFd(fd, size int) *Region {
	return &Region{fd: fd, size: size}
}

// Fd returns the region's file descriptor.
func (r *Region) Fd() int { return r.fd }

// Size returns the declared size in bytes.
func (r *Region) Size() int { return r.size }

// Dup duplicates the handle for transfer to a peer.
func (r *Region) Dup() (interfaces.SharedRegion, error) {
	fd, err := unix.Dup(r.fd)
	if err != nil {
		return nil, fmt.Errorf("failed to duplicate shared region: %w", err)
	}
	unix.CloseOnExec(fd)
	return &Region{fd: fd, size: r.size}, nil
}

// Close releases the handle. Existing mappings remain valid.
func (r *Region) Close() error {
	if r.fd < 0 {
		return nil
	}
	err := unix.Close(r.fd)
	r.fd = -1
	return err
}

// maps the whole region read-write.
func (r *Region) mapRW() ([]byte, error) {
	mem, err := unix.Mmap(r.fd, 0, r.size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map shared region (%d bytes): %w", r.size, err)
	}
	return mem, nil
}
