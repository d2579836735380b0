/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: channel_test.go
Description: Unit tests for shared memory channels. Tests reserved channel
writes and header bookkeeping, handle sharing and linking across channel
instances, mirrored snapshots, and tail poisoning.
*/

package shmem_test

import (
	"os"
	"testing"

	"github.com/kleascm/akaylee-runtime/pkg/shmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestChannelReserveWrite tests basic append semantics on a reserved channel
func TestChannelReserveWrite(t *testing.T) {
	c := &shmem.Channel{}
	require.NoError(t, c.Reserve("test", 64))
	defer c.Reset()

	assert.Equal(t, shmem.ModeReserved, c.Mode())
	assert.Equal(t, 64, c.Capacity())
	assert.Equal(t, 0, c.Size())
	assert.Empty(t, c.Data())

	n, err := c.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = c.Write([]byte(" world"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	assert.Equal(t, 11, c.Size())
	assert.Equal(t, []byte("hello world"), c.Data())

	require.NoError(t, c.Clear())
	assert.Equal(t, 0, c.Size())
	assert.Empty(t, c.Data())
}

// TestChannelWritePartial tests that an oversized write fills the channel
// and reports the truncation
func TestChannelWritePartial(t *testing.T) {
	c := &shmem.Channel{}
	require.NoError(t, c.Reserve("test", 4))
	defer c.Reset()

	n, err := c.Write([]byte("123456"))
	assert.ErrorIs(t, err, shmem.ErrBufferTooSmall)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("1234"), c.Data())
}

// TestChannelShareLink tests that a peer linked through a shared handle
// observes writes made by the owner
func TestChannelShareLink(t *testing.T) {
	owner := &shmem.Channel{}
	require.NoError(t, owner.Reserve("test", 64))
	defer owner.Reset()

	handle, err := owner.Share()
	require.NoError(t, err)

	peer := &shmem.Channel{}
	require.NoError(t, peer.LinkReserved(handle))
	defer peer.Reset()

	_, err = owner.Write([]byte("shared bytes"))
	require.NoError(t, err)

	assert.Equal(t, owner.Size(), peer.Size())
	assert.Equal(t, []byte("shared bytes"), peer.Data())

	// Writes flow the other way too
	_, err = peer.Write([]byte("!"))
	require.NoError(t, err)
	assert.Equal(t, []byte("shared bytes!"), owner.Data())
}

// TestChannelLinkReservedRejectsUninitialized tests that linking a region
// that was never set up by Reserve fails on the header check
func TestChannelLinkReservedRejectsUninitialized(t *testing.T) {
	source := make([]byte, 64)
	raw := &shmem.Channel{}
	require.NoError(t, raw.Mirror("test", source))
	defer raw.Reset()

	handle, err := raw.Share()
	require.NoError(t, err)

	peer := &shmem.Channel{}
	err = peer.LinkReserved(handle)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "magic")
}

// TestChannelMirrorUpdate tests that a mirrored channel snapshots its
// source only on Update, and that the linked side cannot refresh
func TestChannelMirrorUpdate(t *testing.T) {
	source := []byte("aaaaaaaa")

	owner := &shmem.Channel{}
	require.NoError(t, owner.Mirror("test", source))
	defer owner.Reset()

	handle, err := owner.Share()
	require.NoError(t, err)

	peer := &shmem.Channel{}
	require.NoError(t, peer.LinkMirrored(handle))
	defer peer.Reset()

	assert.Equal(t, []byte("aaaaaaaa"), peer.Data())

	// Source changes are invisible until Update
	copy(source, "bbbbbbbb")
	assert.Equal(t, []byte("aaaaaaaa"), peer.Data())

	require.NoError(t, owner.Update())
	assert.Equal(t, []byte("bbbbbbbb"), peer.Data())

	// Only the owning side can refresh
	assert.Error(t, peer.Update())
}

// TestChannelUpdateOnReservedFails tests mode checks on the refresh and
// write paths
func TestChannelUpdateOnReservedFails(t *testing.T) {
	c := &shmem.Channel{}
	require.NoError(t, c.Reserve("test", 16))
	defer c.Reset()

	assert.Error(t, c.Update())

	m := &shmem.Channel{}
	require.NoError(t, m.Mirror("test", make([]byte, 16)))
	defer m.Reset()

	_, err := m.Write([]byte("x"))
	assert.Error(t, err)
	assert.Error(t, m.Clear())
}

// TestChannelPoisoning tests that writes and clears keep working while
// tail poisoning is enabled
func TestChannelPoisoning(t *testing.T) {
	c := &shmem.Channel{}
	require.NoError(t, c.Reserve("test", 1<<16))
	defer c.Reset()

	require.NoError(t, c.SetPoisoning(true))

	_, err := c.Write([]byte("poisoned tail"))
	require.NoError(t, err)
	assert.Equal(t, []byte("poisoned tail"), c.Data())

	require.NoError(t, c.Clear())
	_, err = c.Write([]byte("again"))
	require.NoError(t, err)

	// Growing past a page boundary moves the protected tail without error
	big := make([]byte, 3*os.Getpagesize())
	n, err := c.Write(big)
	require.NoError(t, err)
	assert.Equal(t, len(big), n)
	require.NoError(t, c.Clear())

	require.NoError(t, c.SetPoisoning(false))
	_, err = c.Write([]byte("again"))
	require.NoError(t, err)
	assert.Equal(t, []byte("again"), c.Data())
}

// TestChannelResetIdempotent tests that Reset can be called repeatedly and
// returns the channel to a reusable state
func TestChannelResetIdempotent(t *testing.T) {
	c := &shmem.Channel{}
	require.NoError(t, c.Reserve("test", 16))

	c.Reset()
	c.Reset()
	assert.Equal(t, shmem.ModeNone, c.Mode())
	assert.Equal(t, 0, c.Capacity())

	// Reusable after reset
	require.NoError(t, c.Reserve("test", 16))
	c.Reset()
}
