package ringbuf

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S1: single element round trip.
func TestSingleElement(t *testing.T) {
	r := New[uint64](8)
	tx, rx := r.Split()

	chunk, ok := tx.TryReserve(1)
	require.True(t, ok)
	chunk.Slice()[0] = 42
	chunk.Commit()

	read, ok := rx.ReadExact(1)
	require.True(t, ok)
	assert.Equal(t, []uint64{42}, read.Slice())
	read.Commit()
}

// S2: fill then drain.
func TestFillThenDrain(t *testing.T) {
	r := New[int](4)
	tx, rx := r.Split()

	chunk, ok := tx.TryReserve(4)
	require.True(t, ok)
	copy(chunk.Slice(), []int{1, 2, 3, 4})
	chunk.Commit()

	_, ok = tx.TryReserve(1)
	assert.False(t, ok)

	read, ok := rx.ReadExact(4)
	require.True(t, ok)
	assert.Equal(t, []int{1, 2, 3, 4}, read.Slice())
	read.Commit()

	_, ok = tx.TryReserve(1)
	assert.True(t, ok)
}

// S3: wraparound denial. N=8, tail mod N == 6, head == 0.
func TestWraparoundDenial(t *testing.T) {
	r := New[byte](8)
	tx, rx := r.Split()

	chunk, ok := tx.TryReserve(6)
	require.True(t, ok)
	chunk.Commit()

	// head stays at 0 (nothing consumed yet), tail is now 6.
	_, ok = tx.TryReserve(4)
	assert.False(t, ok, "to_end=2 < 4 must fail even though free=2 is also < 4 in this exact setup")

	small, ok := tx.TryReserve(2)
	assert.True(t, ok)
	small.Commit()

	_ = rx
}

func TestReserveZeroSucceedsWithoutAdvancingTail(t *testing.T) {
	r := New[byte](4)
	tx, _ := r.Split()

	chunk, ok := tx.TryReserve(0)
	require.True(t, ok)
	assert.Equal(t, uint64(0), chunk.Len())
	chunk.Commit()

	full, ok := tx.TryReserve(4)
	require.True(t, ok)
	assert.Equal(t, uint64(4), full.Len())
}

func TestReadOnEmptyRingReturnsEmptySlice(t *testing.T) {
	r := New[byte](4)
	_, rx := r.Split()

	chunk := rx.Read()
	assert.Equal(t, uint64(0), chunk.Len())
	assert.Empty(t, chunk.Slice())
}

func TestDropWithoutCommitLeavesTailUnchanged(t *testing.T) {
	r := New[byte](4)
	tx, _ := r.Split()

	_, ok := tx.TryReserve(4)
	require.True(t, ok)
	// Chunk dropped here without Commit().

	again, ok := tx.TryReserve(4)
	require.True(t, ok, "abandoned reservation must be retryable")
	again.Commit()
}

func TestWriteWrapsAroundWithTwoSegments(t *testing.T) {
	r := New[byte](4)
	tx, rx := r.Split()

	c, ok := tx.TryReserve(3)
	require.True(t, ok)
	c.Commit()
	rd, ok := rx.ReadExact(3)
	require.True(t, ok)
	rd.Commit()

	n := tx.Write([]byte{1, 2, 3, 4})
	assert.Equal(t, uint64(4), n)

	full := rx.Read()
	// Read() never crosses the wrap boundary, so this returns the
	// contiguous tail first.
	assert.LessOrEqual(t, int(full.Len()), 4)
}

func TestCounterWraparound(t *testing.T) {
	r := New[byte](4)
	// Force both counters near the uint64 maximum to exercise
	// unsigned wraparound arithmetic.
	r.hdr.Head.v.Store(math.MaxUint64 - 3)
	r.hdr.Tail.v.Store(math.MaxUint64 - 3)

	tx, rx := r.Split()

	c, ok := tx.TryReserve(4)
	require.True(t, ok)
	copy(c.Slice(), []byte{1, 2, 3, 4})
	c.Commit() // tail wraps past max

	rd, ok := rx.ReadExact(4)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, rd.Slice())
	rd.Commit()
}

func TestSplitPanicsOnSecondCall(t *testing.T) {
	r := New[byte](4)
	r.Split()
	assert.Panics(t, func() { r.Split() })
}

// S6: SPSC concurrent stress, monotonic sequence over 2^20 values.
func TestConcurrentStressMonotonicSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in -short mode")
	}
	const n = 1 << 20
	const capacity = 8192

	r := New[uint64](capacity)
	tx, rx := r.Split()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		var i uint64
		for i < n {
			chunk, ok := tx.TryReserve(1)
			if !ok {
				continue
			}
			chunk.Slice()[0] = i
			chunk.Commit()
			i++
		}
	}()

	var mismatch error
	go func() {
		defer wg.Done()
		var expect uint64
		for expect < n {
			chunk, ok := rx.ReadExact(1)
			if !ok {
				continue
			}
			got := chunk.Slice()[0]
			if got != expect {
				mismatch = assertionError(expect, got)
			}
			chunk.Commit()
			expect++
		}
	}()

	wg.Wait()
	require.NoError(t, mismatch)
}

func assertionError(expect, got uint64) error {
	return &mismatchError{expect: expect, got: got}
}

type mismatchError struct {
	expect, got uint64
}

func (e *mismatchError) Error() string {
	return "sequence mismatch"
}

func TestNonPowerOfTwoCapacity(t *testing.T) {
	// I5 requires correctness for any N >= 1, not only powers of two.
	r := New[byte](5)
	tx, rx := r.Split()

	c, ok := tx.TryReserve(5)
	require.True(t, ok)
	c.Commit()
	rd, ok := rx.ReadExact(5)
	require.True(t, ok)
	rd.Commit()

	c, ok = tx.TryReserve(3)
	require.True(t, ok)
	c.Commit()
}
