/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: endpoint.go
Description: Duplex notification endpoints for the Akaylee Runtime. A pair
of connected endpoints moves fixed-size signal words between processes over
a datagram socketpair; consuming a word is what clears it from the channel.
*/

package signallink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/kleascm/akaylee-runtime/pkg/interfaces"
)

// Endpoint is one end of a duplex notification channel. It satisfies
// interfaces.DuplexChannel. Closing an endpoint releases a reader blocked
// in Recv on either side: locally through the runtime poller, remotely as
// an end-of-stream observation.
type Endpoint struct {
	f *os.File
}

// NewEndpointPair allocates both ends of a notification channel.
func NewEndpointPair() (*Endpoint, *Endpoint, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create signal endpoint pair: %w", err)
	}
	local := &Endpoint{f: os.NewFile(uintptr(fds[0]), "signal-endpoint")}
	peer := &Endpoint{f: os.NewFile(uintptr(fds[1]), "signal-endpoint")}
	return local, peer, nil
}

// EndpointFromFile adopts an endpoint received from a peer process.
func EndpointFromFile(f *os.File) *Endpoint {
	return &Endpoint{f: f}
}

// File exposes the underlying descriptor for transfer to a spawned target.
func (e *Endpoint) File() *os.File { return e.f }

// Send delivers one signal word to the peer.
func (e *Endpoint) Send(bits uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], bits)
	if _, err := e.f.Write(buf[:]); err != nil {
		return fmt.Errorf("failed to signal peer: %w", err)
	}
	return nil
}

// Recv blocks until a signal word arrives. closed reports that the peer
// shut its end down, or that this end was closed out from under the
// reader; both end the conversation.
func (e *Endpoint) Recv() (uint64, bool, error) {
	var buf [8]byte
	n, err := e.f.Read(buf[:])
	if err != nil {
		if err == io.EOF || errors.Is(err, os.ErrClosed) {
			return 0, true, nil
		}
		return 0, true, fmt.Errorf("failed to read signal endpoint: %w", err)
	}
	if n != len(buf) {
		return 0, true, fmt.Errorf("short signal word: %d bytes", n)
	}
	return binary.LittleEndian.Uint64(buf[:]), false, nil
}

// Close shuts this end down. Idempotent.
func (e *Endpoint) Close() error {
	err := e.f.Close()
	if err != nil && errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

var _ interfaces.DuplexChannel = (*Endpoint)(nil)
