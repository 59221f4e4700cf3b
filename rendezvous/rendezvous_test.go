package rendezvous

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S4: metadata encoding round-trip.
func TestMetadataRoundTrip(t *testing.T) {
	md := NewMetadata(64, 128, 192, 1048576, "/shm_rb_0")

	buf, err := md.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, 64)

	var decoded Metadata
	require.NoError(t, decoded.UnmarshalBinary(buf))

	assert.Equal(t, md.HeadOffset, decoded.HeadOffset)
	assert.Equal(t, md.TailOffset, decoded.TailOffset)
	assert.Equal(t, md.BufferOffset, decoded.BufferOffset)
	assert.Equal(t, md.RingLength, decoded.RingLength)
	assert.Equal(t, "/shm_rb_0", decoded.Name())
}

func TestMetadataNameTruncatesAndPads(t *testing.T) {
	md := NewMetadata(0, 0, 0, 1, "short")
	assert.Equal(t, "short", md.Name())
	assert.Equal(t, byte(0), md.ShmName[len(md.ShmName)-1])

	long := NewMetadata(0, 0, 0, 1, strings.Repeat("x", 40))
	assert.Equal(t, strings.Repeat("x", shmNameLen), long.Name())
}

// S5: rendezvous order — creator writes metadata, opener reads it,
// both exchange the teardown byte.
func TestRendezvousCreateOpenTeardown(t *testing.T) {
	name := filepath.Join(t.TempDir(), "rb-rendezvous")

	var wg sync.WaitGroup
	wg.Add(2)

	sent := NewMetadata(64, 128, 192, 8, "/shm_rb_test")

	var createErr, openErr error
	var received Metadata

	go func() {
		defer wg.Done()
		ch, err := Create(name)
		if err != nil {
			createErr = err
			return
		}
		defer ch.Close()
		if err := ch.WriteMetadata(sent); err != nil {
			createErr = err
			return
		}
		createErr = ch.AwaitTeardown()
	}()

	go func() {
		defer wg.Done()
		ch, err := Open(name)
		if err != nil {
			openErr = err
			return
		}
		defer ch.Close()
		md, err := ch.ReadMetadata()
		if err != nil {
			openErr = err
			return
		}
		received = md
		openErr = ch.SignalTeardown()
	}()

	wg.Wait()

	require.NoError(t, createErr)
	require.NoError(t, openErr)
	assert.Equal(t, sent, received)
}
