// Package rdma implements the connection bring-up state machine and
// data-plane loop that couple a ring buffer endpoint to an RDMA
// Reliable-Connected (RC) queue pair.
//
// The verbs primitive itself — device enumeration, protection domain
// allocation, memory registration, work request posting, completion
// polling, and QP state transitions — is treated as an external
// dependency per the specification; it is captured here as the Verbs
// interface, with two implementations: rdma/cgoverbs (a cgo binding
// to libibverbs, for real hardware) and rdma/loopback (a pure-Go
// software peer used by tests and by any environment without an RDMA
// NIC).
package rdma

import "context"

// QPState is one of the four states a queue pair passes through
// during bring-up: RESET, INIT, RTR ("ready to receive"), RTS ("ready
// to send"). Transitions must occur in this order, with no state
// skipped or repeated.
type QPState int

const (
	StateReset QPState = iota
	StateInit
	StateRTR
	StateRTS
)

func (s QPState) String() string {
	switch s {
	case StateReset:
		return "RESET"
	case StateInit:
		return "INIT"
	case StateRTR:
		return "RTR"
	case StateRTS:
		return "RTS"
	default:
		return "UNKNOWN"
	}
}

// GID is a 16-byte global identifier used when the global routing
// header is enabled on the address handle.
type GID [16]byte

// IsZero reports whether g is the all-zero GID, which per the
// specification means the peer does not want the GRH enabled.
func (g GID) IsZero() bool {
	return g == GID{}
}

// DestQPInfo is the fixed-layout identifier record exchanged once,
// out of band, during bring-up: { lid u16, qpn u32, psn u32, gid [16]byte }.
type DestQPInfo struct {
	LID uint16
	QPN uint32
	PSN uint32
	GID GID
}

// destQPInfoWireSize is the encoded size of DestQPInfo: 2 + 4 + 4 + 16.
const destQPInfoWireSize = 26

// MarshalBinary encodes d into its fixed 26-byte wire form.
func (d DestQPInfo) MarshalBinary() ([]byte, error) {
	buf := make([]byte, destQPInfoWireSize)
	buf[0] = byte(d.LID)
	buf[1] = byte(d.LID >> 8)
	putU32(buf[2:6], d.QPN)
	putU32(buf[6:10], d.PSN)
	copy(buf[10:26], d.GID[:])
	return buf, nil
}

// UnmarshalBinary decodes buf (which must be exactly 26 bytes) into d.
func (d *DestQPInfo) UnmarshalBinary(buf []byte) error {
	if len(buf) != destQPInfoWireSize {
		return &ErrPeerMismatch{Reason: "identifier record has wrong length"}
	}
	d.LID = uint16(buf[0]) | uint16(buf[1])<<8
	d.QPN = getU32(buf[2:6])
	d.PSN = getU32(buf[6:10])
	copy(d.GID[:], buf[10:26])
	return nil
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Opcode identifies the kind of operation a WorkCompletion reports on.
type Opcode int

const (
	OpcodeSend Opcode = iota
	OpcodeRecv
)

// Status is the completion status of a work request.
type Status int

const (
	StatusSuccess Status = iota
	StatusError
)

// WorkCompletion is a polled completion-queue entry.
type WorkCompletion struct {
	WRID        uint64
	Opcode      Opcode
	Status      Status
	VendorError uint32
	ByteLen     uint32
}

// PortAttr carries the subset of port attributes the adapter needs:
// the local identifier used in the identifier record exchange.
type PortAttr struct {
	LID uint16
}

// Verbs is the primitive surface the specification names but treats
// as out of scope for its own internals: register_mr, post_send,
// post_recv, poll_cq, and QP state transitions.
type Verbs interface {
	// QueryPort returns the local port's attributes.
	QueryPort() (PortAttr, error)

	// QueryGID returns the GID at the given index, or the zero GID if
	// index is negative (meaning "no GID requested", which disables
	// the global routing header).
	QueryGID(index int) (GID, error)

	// LocalQPNumber returns this side's queue pair number, used to
	// build the local DestQPInfo.
	LocalQPNumber() uint32

	// RegisterMR registers buf as a memory region with local-write and
	// remote-read/write access, returning the lkey used in every work
	// request referencing it. The registered region must outlive every
	// posted work request that references it.
	RegisterMR(buf []byte) (lkey uint32, err error)

	// ModifyQPInit performs the RESET -> INIT transition.
	ModifyQPInit() error

	// ModifyQPRTR performs the INIT -> RTR transition, addressing the
	// peer described by dest. gidIndex < 0 disables the global routing
	// header.
	ModifyQPRTR(dest DestQPInfo, gidIndex int) error

	// ModifyQPRTS performs the RTR -> RTS transition.
	ModifyQPRTS(dest DestQPInfo) error

	// PostSend posts a one-SGE send work request.
	PostSend(wrID uint64, lkey uint32, addr uintptr, length uint32, signaled bool) error

	// PostRecv posts a one-SGE receive work request.
	PostRecv(wrID uint64, lkey uint32, addr uintptr, length uint32) error

	// PollCQ polls for at most max completions, returning immediately
	// (possibly with zero completions) — it must never block.
	PollCQ(max int) ([]WorkCompletion, error)

	// Close releases all verbs resources (QP, CQ, MR, PD, device
	// context).
	Close() error
}

// pollUntil spins on PollCQ until a completion with the given wrID
// and opcode appears with success status, or ctx is done. Polling
// batch size is an implementation choice; the loop never blocks
// inside PollCQ itself.
func pollUntil(ctx context.Context, v Verbs, wrID uint64, op Opcode, batch int) (WorkCompletion, error) {
	for {
		select {
		case <-ctx.Done():
			return WorkCompletion{}, ctx.Err()
		default:
		}

		wcs, err := v.PollCQ(batch)
		if err != nil {
			return WorkCompletion{}, &ErrTransportPostFailure{Stage: "poll_cq", Err: err}
		}
		for _, wc := range wcs {
			if wc.WRID != wrID || wc.Opcode != op {
				continue
			}
			if wc.Status != StatusSuccess {
				return wc, &ErrWorkCompletionFailure{WRID: wc.WRID, Opcode: wc.Opcode, VendorStatus: wc.VendorError}
			}
			return wc, nil
		}
	}
}
