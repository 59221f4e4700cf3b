package rendezvous

import (
	"encoding/binary"
	"fmt"
)

// shmNameLen is the fixed width of the NUL-padded shared-memory name
// field in Metadata.
const shmNameLen = 32

// Metadata is the fixed-layout, little-endian record a ring buffer's
// creator transmits to the opening side across a Channel, describing
// where to find the ring's counters and slot array within the named
// shared-memory segment.
type Metadata struct {
	HeadOffset   uint64
	TailOffset   uint64
	BufferOffset uint64
	RingLength   uint64
	ShmName      [shmNameLen]byte
}

// Size returns the encoded size of Metadata in bytes: 4 u64 fields
// plus the 32-byte name, i.e. 64 bytes.
func Size() int {
	return 8*4 + shmNameLen
}

// NewMetadata builds a Metadata record from its logical fields,
// NUL-padding (and truncating, if necessary) shmName into the fixed
// 32-byte field.
func NewMetadata(headOffset, tailOffset, bufferOffset, ringLength uint64, shmName string) Metadata {
	var md Metadata
	md.HeadOffset = headOffset
	md.TailOffset = tailOffset
	md.BufferOffset = bufferOffset
	md.RingLength = ringLength
	n := copy(md.ShmName[:], shmName)
	_ = n
	return md
}

// Name returns the shared-memory name with trailing NUL padding
// stripped.
func (m Metadata) Name() string {
	i := 0
	for i < len(m.ShmName) && m.ShmName[i] != 0 {
		i++
	}
	return string(m.ShmName[:i])
}

// MarshalBinary encodes m into its 64-byte little-endian wire form.
func (m Metadata) MarshalBinary() ([]byte, error) {
	buf := make([]byte, Size())
	binary.LittleEndian.PutUint64(buf[0:8], m.HeadOffset)
	binary.LittleEndian.PutUint64(buf[8:16], m.TailOffset)
	binary.LittleEndian.PutUint64(buf[16:24], m.BufferOffset)
	binary.LittleEndian.PutUint64(buf[24:32], m.RingLength)
	copy(buf[32:32+shmNameLen], m.ShmName[:])
	return buf, nil
}

// UnmarshalBinary decodes buf (which must be exactly Size() bytes)
// into m.
func (m *Metadata) UnmarshalBinary(buf []byte) error {
	if len(buf) != Size() {
		return fmt.Errorf("rendezvous: metadata record must be %d bytes, got %d", Size(), len(buf))
	}
	m.HeadOffset = binary.LittleEndian.Uint64(buf[0:8])
	m.TailOffset = binary.LittleEndian.Uint64(buf[8:16])
	m.BufferOffset = binary.LittleEndian.Uint64(buf[16:24])
	m.RingLength = binary.LittleEndian.Uint64(buf[24:32])
	copy(m.ShmName[:], buf[32:32+shmNameLen])
	return nil
}
