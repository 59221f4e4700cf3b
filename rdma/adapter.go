package rdma

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"runtime"
	"unsafe"

	"go.uber.org/zap"

	"github.com/shmring/rdmaringbuf/ringbuf"
)

// Role selects which side of the out-of-band TCP exchange this
// adapter plays.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// Config parameterizes bring-up and the data-plane loop.
type Config struct {
	Role Role
	// Addr is the OOB listen address (server) or the remote address to
	// dial (client), e.g. "0.0.0.0:18515" / "10.0.0.2:18515".
	Addr string
	// GIDIndex selects the local GID to query; negative disables the
	// global routing header.
	GIDIndex int
	// MessageSize is the number of ring elements moved per posted WR.
	MessageSize uint64
	// BatchSize bounds how many completions PollCQ is asked for per
	// call; values <= 0 select the default of 16.
	BatchSize int
}

func (c Config) batchSize() int {
	if c.BatchSize <= 0 {
		return 16
	}
	return c.BatchSize
}

// Adapter couples a Verbs connection to a local ring buffer endpoint,
// bringing the queue pair up to RTS and then running the data-plane
// loop that shuttles ring chunks across posted sends/receives.
type Adapter[T any] struct {
	verbs  Verbs
	cfg    Config
	logger *zap.Logger
	lkey   uint32
}

// New constructs an Adapter over verbs and registers ring's entire
// slot array as a single memory region, as the specification
// requires ("a memory region registered over the entire slot array
// of the ring").
func New[T any](verbs Verbs, ring *ringbuf.Ring[T], cfg Config, logger *zap.Logger) (*Adapter[T], error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	lkey, err := verbs.RegisterMR(ring.RawBytes())
	if err != nil {
		return nil, &ErrTransportSetup{Stage: "register_mr", Err: err}
	}
	return &Adapter[T]{verbs: verbs, cfg: cfg, logger: logger, lkey: lkey}, nil
}

// BringUp drives the queue pair from RESET through INIT, RTR, and RTS,
// exchanging identifier records over TCP and validating reachability
// with the post-RTS 1-byte handshake.
func (a *Adapter[T]) BringUp(ctx context.Context) (peer DestQPInfo, err error) {
	port, err := a.verbs.QueryPort()
	if err != nil {
		return DestQPInfo{}, &ErrTransportSetup{Stage: "query_port", Err: err}
	}

	var gid GID
	if a.cfg.GIDIndex >= 0 {
		gid, err = a.verbs.QueryGID(a.cfg.GIDIndex)
		if err != nil {
			return DestQPInfo{}, &ErrTransportSetup{Stage: "query_gid", Err: err}
		}
	}

	local := DestQPInfo{
		LID: port.LID,
		QPN: a.verbs.LocalQPNumber(),
		PSN: randomPSN(),
		GID: gid,
	}

	if err := a.verbs.ModifyQPInit(); err != nil {
		return DestQPInfo{}, &ErrTransportSetup{Stage: "reset_to_init", Err: err}
	}

	switch a.cfg.Role {
	case RoleServer:
		peer, err = ExchangeListener(ctx, a.cfg.Addr, local)
	case RoleClient:
		peer, err = ExchangeDialer(ctx, a.cfg.Addr, local)
	default:
		return DestQPInfo{}, fmt.Errorf("rdma: unknown role %d", a.cfg.Role)
	}
	if err != nil {
		return DestQPInfo{}, err
	}

	a.logger.Info("received peer identifier", zap.Uint16("lid", peer.LID), zap.Uint32("qpn", peer.QPN))

	if err := a.verbs.ModifyQPRTR(peer, a.cfg.GIDIndex); err != nil {
		return DestQPInfo{}, &ErrTransportSetup{Stage: "init_to_rtr", Err: err}
	}
	if err := a.verbs.ModifyQPRTS(peer); err != nil {
		return DestQPInfo{}, &ErrTransportSetup{Stage: "rtr_to_rts", Err: err}
	}

	if err := a.handshake(ctx); err != nil {
		return DestQPInfo{}, err
	}

	a.logger.Info("queue pair connected", zap.String("state", StateRTS.String()))
	return peer, nil
}

const handshakeWRID = 1

func (a *Adapter[T]) handshake(ctx context.Context) error {
	buf := make([]byte, 2)
	lkey, err := a.verbs.RegisterMR(buf)
	if err != nil {
		return &ErrTransportSetup{Stage: "handshake_mr", Err: err}
	}
	buf[0] = 1

	sendAddr := uintptr(unsafe.Pointer(&buf[0]))
	recvAddr := uintptr(unsafe.Pointer(&buf[1]))

	if err := a.verbs.PostSend(handshakeWRID, lkey, sendAddr, 1, true); err != nil {
		return &ErrTransportPostFailure{Stage: "handshake_post_send", Err: err}
	}
	if err := a.verbs.PostRecv(handshakeWRID, lkey, recvAddr, 1); err != nil {
		return &ErrTransportPostFailure{Stage: "handshake_post_recv", Err: err}
	}

	var sawSend, sawRecv bool
	for !sawSend || !sawRecv {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		wcs, err := a.verbs.PollCQ(a.cfg.batchSize())
		if err != nil {
			return &ErrTransportPostFailure{Stage: "handshake_poll_cq", Err: err}
		}
		for _, wc := range wcs {
			if wc.WRID != handshakeWRID {
				continue
			}
			if wc.Status != StatusSuccess {
				return &ErrWorkCompletionFailure{WRID: wc.WRID, Opcode: wc.Opcode, VendorStatus: wc.VendorError}
			}
			switch wc.Opcode {
			case OpcodeSend:
				sawSend = true
			case OpcodeRecv:
				sawRecv = true
			}
		}
	}
	return nil
}

// RunSender implements the host->wire sender role: it reads exact
// chunks off the local ring's Receiver endpoint and posts them as
// signaled sends, committing the chunk once the send completes.
func (a *Adapter[T]) RunSender(ctx context.Context, rx *ringbuf.Receiver[T]) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		chunk, ok := rx.ReadExact(a.cfg.MessageSize)
		if !ok {
			runtime.Gosched()
			continue
		}

		s := chunk.Slice()
		addr, length := sliceAddrLen(s)

		if err := a.verbs.PostSend(2, a.lkey, addr, length, true); err != nil {
			return &ErrTransportPostFailure{Stage: "post_send", Err: err}
		}
		if _, err := pollUntil(ctx, a.verbs, 2, OpcodeSend, a.cfg.batchSize()); err != nil {
			return err
		}
		chunk.Commit()
	}
}

// RunReceiver implements the wire->host receiver role: it reserves
// exact chunks on the local ring's Sender endpoint and posts them as
// receives, committing the chunk once the receive completes.
func (a *Adapter[T]) RunReceiver(ctx context.Context, tx *ringbuf.Sender[T]) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		chunk, ok := tx.TryReserve(a.cfg.MessageSize)
		if !ok {
			runtime.Gosched()
			continue
		}

		s := chunk.Slice()
		addr, length := sliceAddrLen(s)

		if err := a.verbs.PostRecv(2, a.lkey, addr, length); err != nil {
			return &ErrTransportPostFailure{Stage: "post_recv", Err: err}
		}
		if _, err := pollUntil(ctx, a.verbs, 2, OpcodeRecv, a.cfg.batchSize()); err != nil {
			return err
		}
		chunk.Commit()
	}
}

// Close releases the adapter's verbs resources.
func (a *Adapter[T]) Close() error {
	return a.verbs.Close()
}

func sliceAddrLen[T any](s []T) (addr uintptr, length uint32) {
	var zero T
	elemSize := unsafe.Sizeof(zero)
	return uintptr(unsafe.Pointer(&s[0])), uint32(uintptr(len(s)) * elemSize)
}

func randomPSN() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b[:]) & 0x00FFFFFF
}
