// Package rendezvous implements the one-shot out-of-band channel used
// by two processes to agree on a ring buffer's location in shared
// memory: a fixed-layout metadata record travels one direction, and a
// single teardown byte travels back.
//
// The channel itself is a pair of named FIFOs, created with
// golang.org/x/sys/unix's Mkfifo, matching the filesystem-visible
// named-pipe primitive the specification treats as external (the
// original implementation wraps a single mkfifo'd pipe per direction
// via the OS's Read/Write; Go's os.File over a FIFO gives the same
// blocking, in-order byte stream).
package rendezvous

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrUnavailable is returned when creation fails because a
// pre-existing, un-removable entry occupies the name or a FIFO cannot
// be made or opened, or when Open cannot stat or open the channel's
// FIFOs. Open does not give up waiting for the channel to appear; it
// polls until it does.
var ErrUnavailable = errors.New("rendezvous: channel unavailable")

// pollInterval is how often Open checks for the channel's existence,
// matching the specification's "~10ms" polling cadence.
const pollInterval = 10 * time.Millisecond

// Channel is a bidirectional named byte stream tied to a filesystem
// name, supporting in-order, blocking Read and Write.
type Channel struct {
	name string
	w    *os.File
	r    *os.File
}

func ackName(name string) string { return name + ".ack" }

// Create creates a named channel bound to name, removing any
// pre-existing entry first, and blocks until the opening side
// attaches. The returned Channel's Write goes to the opener, its Read
// comes back from the opener (the teardown byte).
func Create(name string) (*Channel, error) {
	primary := name
	ack := ackName(name)

	for _, p := range []string{primary, ack} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: removing stale %s: %v", ErrUnavailable, p, err)
		}
		if err := unix.Mkfifo(p, 0o666); err != nil {
			return nil, fmt.Errorf("%w: mkfifo %s: %v", ErrUnavailable, p, err)
		}
	}

	wf, err := os.OpenFile(primary, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s for write: %v", ErrUnavailable, primary, err)
	}

	rf, err := os.OpenFile(ack, os.O_RDONLY, 0)
	if err != nil {
		wf.Close()
		return nil, fmt.Errorf("%w: opening %s for read: %v", ErrUnavailable, ack, err)
	}

	return &Channel{name: name, w: wf, r: rf}, nil
}

// Open polls until a channel with name exists, then attaches. Its
// Read consumes what the creator wrote (the metadata record), its
// Write goes back to the creator (the teardown byte).
func Open(name string) (*Channel, error) {
	primary := name
	ack := ackName(name)

	for {
		if _, err := os.Stat(primary); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: stat %s: %v", ErrUnavailable, primary, err)
		}
		time.Sleep(pollInterval)
	}

	rf, err := os.OpenFile(primary, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s for read: %v", ErrUnavailable, primary, err)
	}

	wf, err := os.OpenFile(ack, os.O_WRONLY, 0)
	if err != nil {
		rf.Close()
		return nil, fmt.Errorf("%w: opening %s for write: %v", ErrUnavailable, ack, err)
	}

	return &Channel{name: name, w: wf, r: rf}, nil
}

// Read implements io.Reader.
func (c *Channel) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Write implements io.Writer.
func (c *Channel) Write(p []byte) (int, error) {
	return c.w.Write(p)
}

// Close releases both underlying file descriptors. It does not remove
// the FIFOs from the filesystem; the creator does that via Destroy
// after observing teardown.
func (c *Channel) Close() error {
	err1 := c.w.Close()
	err2 := c.r.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Destroy closes the channel and removes both backing FIFOs. Only
// the creator should call this, and only after the opener has
// signaled teardown.
func (c *Channel) Destroy() error {
	if err := c.Close(); err != nil {
		return err
	}
	os.Remove(c.name)
	os.Remove(ackName(c.name))
	return nil
}

// WriteMetadata encodes md and writes it in full.
func (c *Channel) WriteMetadata(md Metadata) error {
	buf, err := md.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = c.Write(buf)
	return err
}

// ReadMetadata reads exactly Size() bytes and decodes them into a
// Metadata value.
func (c *Channel) ReadMetadata() (Metadata, error) {
	buf := make([]byte, Size())
	if _, err := readFull(c.r, buf); err != nil {
		return Metadata{}, err
	}
	var md Metadata
	if err := md.UnmarshalBinary(buf); err != nil {
		return Metadata{}, err
	}
	return md, nil
}

// SignalTeardown writes the single teardown byte back to the creator.
func (c *Channel) SignalTeardown() error {
	_, err := c.Write([]byte{1})
	return err
}

// AwaitTeardown blocks until the single teardown byte arrives.
func (c *Channel) AwaitTeardown() error {
	buf := make([]byte, 1)
	if _, err := readFull(c.r, buf); err != nil {
		return err
	}
	if buf[0] != 1 {
		return fmt.Errorf("rendezvous: unexpected teardown byte %#x", buf[0])
	}
	return nil
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		k, err := r.Read(buf[n:])
		n += k
		if err != nil {
			return n, err
		}
		if k == 0 {
			return n, fmt.Errorf("rendezvous: short read")
		}
	}
	return n, nil
}
