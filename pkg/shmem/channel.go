/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: channel.go
Description: Bidirectional memory-mapped byte channel for the Akaylee
Runtime. A channel is either reserved (self-describing growable buffer with
an inline length header, used to stream test inputs to a target) or mirrored
(fixed-size shadow of an in-process buffer such as a module's coverage
counters, refreshed on demand via Update). The channel never synchronizes
across processes by itself; readiness always comes from the signal link.
*/

package shmem

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/kleascm/akaylee-runtime/pkg/interfaces"
)

// Mode describes how a channel accesses its mapping. The two modes are
// mutually exclusive for the lifetime of a channel.
type Mode int

const (
	ModeNone     Mode = iota // not yet attached to a region
	ModeReserved             // own buffer with inline size header
	ModeMirrored             // shadow of an external buffer
)

const (
	// headerBytes is the inline header of a reserved channel: a magic
	// marker followed by the logical size, both little-endian uint64.
	headerBytes = 16

	// headerMagic marks a region initialized as a reserved channel.
	headerMagic = uint64(0x414b4c525348454d)
)

// ErrBufferTooSmall reports that a write did not fit; as much data as fits
// has been written. Recoverable by the caller.
var ErrBufferTooSmall = errors.New("shared channel buffer too small")

// Channel is a memory-mapped byte region backed by a shareable handle.
// The zero value is unattached; use Reserve, Mirror, or one of the Link
// methods to attach it.
type Channel struct {
	mode   Mode
	region *Region
	mem    []byte // full mapping, including header for reserved mode
	source []byte // mirrored mode only: the live in-process buffer
	poison bool   // mark bytes past the logical size inaccessible
}

// Reserve allocates and maps a fresh region with capacity data bytes plus
// the inline header, and initializes the logical size to zero.
func (c *Channel) Reserve(name string, capacity int) error {
	if c.mode != ModeNone {
		return fmt.Errorf("shared channel already attached (mode %d)", c.mode)
	}
	region, err := NewRegion(name, capacity+headerBytes)
	if err != nil {
		return err
	}
	mem, err := region.mapRW()
	if err != nil {
		region.Close()
		return err
	}
	c.mode = ModeReserved
	c.region = region
	c.mem = mem
	binary.LittleEndian.PutUint64(c.mem[0:8], headerMagic)
	return c.setSize(0)
}

// Mirror allocates and maps a region sized to the source buffer and copies
// its current contents. The source is remembered for later Update calls;
// the logical size stays fixed at len(source).
func (c *Channel) Mirror(name string, source []byte) error {
	if c.mode != ModeNone {
		return fmt.Errorf("shared channel already attached (mode %d)", c.mode)
	}
	region, err := NewRegion(name, len(source))
	if err != nil {
		return err
	}
	mem, err := region.mapRW()
	if err != nil {
		region.Close()
		return err
	}
	c.mode = ModeMirrored
	c.region = region
	c.mem = mem
	c.source = source
	copy(c.mem, source)
	return nil
}

// Share duplicates the underlying handle for transfer to a peer. The
// declared size travels with the handle.
func (c *Channel) Share() (interfaces.SharedRegion, error) {
	if c.region == nil {
		return nil, fmt.Errorf("shared channel not attached")
	}
	return c.region.Dup()
}

// LinkReserved attaches to a peer-provided handle as the non-owning side of
// a reserved channel. A missing or mismatched header magic means the handle
// was never initialized by Reserve and indicates an integration defect.
func (c *Channel) LinkReserved(handle interfaces.SharedRegion) error {
	if err := c.link(handle); err != nil {
		return err
	}
	if len(c.mem) < headerBytes {
		c.Reset()
		return fmt.Errorf("reserved channel region too small for header: %d bytes", len(c.mem))
	}
	if magic := binary.LittleEndian.Uint64(c.mem[0:8]); magic != headerMagic {
		c.Reset()
		return fmt.Errorf("reserved channel header magic mismatch: got %#x", magic)
	}
	c.mode = ModeReserved
	return nil
}

// LinkMirrored attaches to a peer-provided handle as the reading side of a
// mirrored channel. The whole region is the data; there is no header and
// no Update (only the owning side can refresh from the source).
func (c *Channel) LinkMirrored(handle interfaces.SharedRegion) error {
	if err := c.link(handle); err != nil {
		return err
	}
	c.mode = ModeMirrored
	return nil
}

func (c *Channel) link(handle interfaces.SharedRegion) error {
	if c.mode != ModeNone {
		return fmt.Errorf("shared channel already attached (mode %d)", c.mode)
	}
	region, ok := handle.(*Region)
	if !ok {
		region = RegionFromFd(handle.Fd(), handle.Size())
	}
	mem, err := region.mapRW()
	if err != nil {
		return err
	}
	c.region = region
	c.mem = mem
	return nil
}

// Mode returns the channel's access mode.
func (c *Channel) Mode() Mode { return c.mode }

// Capacity returns the number of data bytes the channel can hold.
func (c *Channel) Capacity() int {
	switch c.mode {
	case ModeReserved:
		return len(c.mem) - headerBytes
	case ModeMirrored:
		return len(c.mem)
	}
	return 0
}

// Size returns the logical size: the inline header value for reserved
// channels, the fixed mapping length for mirrored ones.
func (c *Channel) Size() int {
	switch c.mode {
	case ModeReserved:
		return int(binary.LittleEndian.Uint64(c.mem[8:16]))
	case ModeMirrored:
		return len(c.mem)
	}
	return 0
}

// Data returns the valid bytes of the channel. The slice aliases the
// shared mapping; peers may change it at any time outside the handshake.
func (c *Channel) Data() []byte {
	switch c.mode {
	case ModeReserved:
		return c.mem[headerBytes : headerBytes+c.Size()]
	case ModeMirrored:
		return c.mem
	}
	return nil
}

// Write appends data to a reserved channel and persists the new logical
// size in the inline header. When data does not fit, as much as fits is
// written and ErrBufferTooSmall is returned.
func (c *Channel) Write(data []byte) (int, error) {
	if c.mode != ModeReserved {
		return 0, fmt.Errorf("write on non-reserved shared channel")
	}
	c.unprotect()
	size := c.Size()
	n := copy(c.mem[headerBytes+size:], data)
	if err := c.setSize(size + n); err != nil {
		return n, err
	}
	if n < len(data) {
		return n, ErrBufferTooSmall
	}
	return n, nil
}

// Clear resets a reserved channel's logical size to zero.
func (c *Channel) Clear() error {
	if c.mode != ModeReserved {
		return fmt.Errorf("clear on non-reserved shared channel")
	}
	c.unprotect()
	return c.setSize(0)
}

// Update re-copies the current contents of the source buffer into the
// mapping. Only meaningful on the owning side of a mirrored channel;
// staleness between Updates is the caller's responsibility.
func (c *Channel) Update() error {
	if c.mode != ModeMirrored {
		return fmt.Errorf("update on non-mirrored shared channel")
	}
	if c.source == nil {
		return fmt.Errorf("update on linked mirror without a source buffer")
	}
	copy(c.mem, c.source)
	return nil
}

// SetPoisoning controls whether bytes beyond the logical size are marked
// inaccessible. Protection is page-granular: whole pages strictly past the
// valid region lose all access until the logical size grows into them.
func (c *Channel) SetPoisoning(enabled bool) error {
	if c.region == nil {
		return fmt.Errorf("shared channel not attached")
	}
	if c.poison == enabled {
		return nil
	}
	c.poison = enabled
	if !enabled {
		c.unprotect()
		return nil
	}
	return c.repoison()
}

// setSize persists the logical size and re-evaluates poisoning.
func (c *Channel) setSize(size int) error {
	binary.LittleEndian.PutUint64(c.mem[8:16], uint64(size))
	if c.poison {
		return c.repoison()
	}
	return nil
}

func (c *Channel) repoison() error {
	end := headerBytes + c.Size()
	page := unix.Getpagesize()
	from := (end + page - 1) / page * page
	if from >= len(c.mem) {
		return nil
	}
	if err := unix.Mprotect(c.mem[from:], unix.PROT_NONE); err != nil {
		return fmt.Errorf("failed to poison shared channel tail: %w", err)
	}
	return nil
}

// unprotect restores full access so the valid region can grow or shrink;
// setSize re-applies protection afterwards when poisoning is enabled.
func (c *Channel) unprotect() {
	if !c.poison {
		return
	}
	unix.Mprotect(c.mem, unix.PROT_READ|unix.PROT_WRITE)
}

// Reset unmaps the region and releases the handle, returning the channel
// to the unattached state. Idempotent.
func (c *Channel) Reset() {
	if c.mem != nil {
		c.poison = false
		unix.Munmap(c.mem)
		c.mem = nil
	}
	if c.region != nil {
		c.region.Close()
		c.region = nil
	}
	c.source = nil
	c.mode = ModeNone
}
