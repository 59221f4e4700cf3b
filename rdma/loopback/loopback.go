// Package loopback implements rdma.Verbs as an in-process software
// peer connected over a pair of buffered Go channels standing in for
// the wire. It exists so the connection-bring-up state machine and
// data-plane loop in package rdma can be exercised by tests without
// an RDMA-capable NIC, restoring a capability (a loopback transport)
// present in the original Rust implementation's dedicated loopback
// crate but dropped by the distilled specification.
package loopback

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/shmring/rdmaringbuf/rdma"
)

const recvQueueDepth = 8192

type message struct {
	data []byte
}

type recvRequest struct {
	wrID   uint64
	addr   uintptr
	length uint32
}

// Peer is one side of a loopback RDMA connection.
type Peer struct {
	mu    sync.Mutex
	state rdma.QPState

	lid uint16
	qpn uint32
	gid rdma.GID

	peer *Peer

	inbox    chan message
	recvReqs chan recvRequest
	cq       chan rdma.WorkCompletion
	stop     chan struct{}
	once     sync.Once

	nextLKey atomic.Uint32
}

// NewPair constructs two connected loopback peers, a and b, each
// implementing rdma.Verbs against the other.
func NewPair() (a, b *Peer) {
	a = newPeer(1)
	b = newPeer(2)
	a.peer = b
	b.peer = a
	go a.run()
	go b.run()
	return a, b
}

func newPeer(lid uint16) *Peer {
	return &Peer{
		state:    rdma.StateReset,
		lid:      lid,
		qpn:      uint32(lid) * 1000,
		inbox:    make(chan message, recvQueueDepth),
		recvReqs: make(chan recvRequest, recvQueueDepth),
		cq:       make(chan rdma.WorkCompletion, recvQueueDepth),
		stop:     make(chan struct{}),
	}
}

func (p *Peer) run() {
	for {
		select {
		case <-p.stop:
			return
		case req := <-p.recvReqs:
			select {
			case msg := <-p.inbox:
				dst := ptrToSlice(req.addr, req.length)
				n := copy(dst, msg.data)
				p.cq <- rdma.WorkCompletion{
					WRID:    req.wrID,
					Opcode:  rdma.OpcodeRecv,
					Status:  rdma.StatusSuccess,
					ByteLen: uint32(n),
				}
			case <-p.stop:
				return
			}
		}
	}
}

func ptrToSlice(addr uintptr, length uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}

// QueryPort returns this peer's synthetic local identifier.
func (p *Peer) QueryPort() (rdma.PortAttr, error) {
	return rdma.PortAttr{LID: p.lid}, nil
}

// QueryGID returns the zero GID; loopback never enables the global
// routing header, since there is no real fabric to route over.
func (p *Peer) QueryGID(index int) (rdma.GID, error) {
	return rdma.GID{}, nil
}

// LocalQPNumber returns this peer's synthetic queue pair number.
func (p *Peer) LocalQPNumber() uint32 {
	return p.qpn
}

// RegisterMR returns a synthetic, monotonically increasing lkey.
// Loopback never validates lkeys against a real registration table,
// since both sides share the same process address space.
func (p *Peer) RegisterMR(buf []byte) (uint32, error) {
	return p.nextLKey.Add(1), nil
}

func (p *Peer) transition(from, to rdma.QPState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != from {
		return fmt.Errorf("loopback: cannot move to %s from %s (expected %s)", to, p.state, from)
	}
	p.state = to
	return nil
}

// ModifyQPInit performs RESET -> INIT.
func (p *Peer) ModifyQPInit() error {
	return p.transition(rdma.StateReset, rdma.StateInit)
}

// ModifyQPRTR performs INIT -> RTR.
func (p *Peer) ModifyQPRTR(dest rdma.DestQPInfo, gidIndex int) error {
	return p.transition(rdma.StateInit, rdma.StateRTR)
}

// ModifyQPRTS performs RTR -> RTS.
func (p *Peer) ModifyQPRTS(dest rdma.DestQPInfo) error {
	return p.transition(rdma.StateRTR, rdma.StateRTS)
}

// PostSend copies length bytes starting at addr and hands them to the
// peer's inbox; if signaled, a send completion is queued immediately.
func (p *Peer) PostSend(wrID uint64, lkey uint32, addr uintptr, length uint32, signaled bool) error {
	data := make([]byte, length)
	copy(data, ptrToSlice(addr, length))

	select {
	case p.peer.inbox <- message{data: data}:
	case <-p.stop:
		return fmt.Errorf("loopback: peer closed")
	}

	if signaled {
		p.cq <- rdma.WorkCompletion{WRID: wrID, Opcode: rdma.OpcodeSend, Status: rdma.StatusSuccess, ByteLen: length}
	}
	return nil
}

// PostRecv registers addr/length to receive the next message the
// peer sends, in FIFO order with other posted receives.
func (p *Peer) PostRecv(wrID uint64, lkey uint32, addr uintptr, length uint32) error {
	select {
	case p.recvReqs <- recvRequest{wrID: wrID, addr: addr, length: length}:
		return nil
	case <-p.stop:
		return fmt.Errorf("loopback: peer closed")
	}
}

// PollCQ drains up to max completions without blocking.
func (p *Peer) PollCQ(max int) ([]rdma.WorkCompletion, error) {
	out := make([]rdma.WorkCompletion, 0, max)
	for len(out) < max {
		select {
		case wc := <-p.cq:
			out = append(out, wc)
		default:
			return out, nil
		}
	}
	return out, nil
}

// Close stops the peer's background goroutine.
func (p *Peer) Close() error {
	p.once.Do(func() { close(p.stop) })
	return nil
}

var _ rdma.Verbs = (*Peer)(nil)
