package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withTempBaseDir(t *testing.T) {
	t.Helper()
	old := baseDir
	baseDir = t.TempDir()
	t.Cleanup(func() { baseDir = old })
}

func TestCreateOpenRoundTrip(t *testing.T) {
	withTempBaseDir(t)

	seg, err := Create("rb-test", 4096)
	require.NoError(t, err)
	defer seg.Destroy()

	copy(seg.Bytes(), []byte("hello shared memory"))

	opened, err := Open("rb-test", 4096)
	require.NoError(t, err)
	defer opened.Close()

	assert.Equal(t, "hello shared memory", string(opened.Bytes()[:19]))
}

func TestCreateRemovesStaleSegment(t *testing.T) {
	withTempBaseDir(t)

	first, err := Create("rb-stale", 4096)
	require.NoError(t, err)
	first.Close()

	second, err := Create("rb-stale", 8192)
	require.NoError(t, err)
	defer second.Destroy()

	assert.Len(t, second.Bytes(), 8192)
}

func TestDestroyRemovesFromFilesystem(t *testing.T) {
	withTempBaseDir(t)

	seg, err := Create("rb-destroy", 4096)
	require.NoError(t, err)
	require.NoError(t, seg.Destroy())

	_, err = Open("rb-destroy", 4096)
	assert.Error(t, err)
}
