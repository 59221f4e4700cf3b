//go:build linux && cgo && rdma

// Package cgoverbs implements rdma.Verbs by binding directly to the
// system libibverbs, the way package ffi in the dataplane example
// binds directly to its own C control-plane library rather than
// wrapping it behind a hand-maintained pure-Go reimplementation.
// Building a binary against this package requires libibverbs-dev (or
// the equivalent rdma-core development package) and an RDMA-capable
// device; everything else in this module runs without either, via
// rdma/loopback.
package cgoverbs

/*
#cgo CFLAGS: -I/usr/include
#cgo LDFLAGS: -libverbs
#include <infiniband/verbs.h>
#include <stdlib.h>
#include <string.h>

static struct ibv_send_wr *alloc_send_wr(void) {
	return calloc(1, sizeof(struct ibv_send_wr));
}
static struct ibv_recv_wr *alloc_recv_wr(void) {
	return calloc(1, sizeof(struct ibv_recv_wr));
}
static struct ibv_sge *alloc_sge(void) {
	return calloc(1, sizeof(struct ibv_sge));
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/shmring/rdmaringbuf/rdma"
)

// QP parameters, lifted verbatim from the original Rust controller's
// RTR/RTS attribute masks: path MTU 4096, minimum RNR timer 12,
// local ack timeout 14, retry count 7, RNR retry count 7, one
// outstanding RDMA read/atomic in each direction.
const (
	pathMTU         = C.IBV_MTU_4096
	minRNRTimer     = 12
	qpTimeout       = 14
	retryCount      = 7
	rnrRetryCount   = 7
	maxRDAtomic     = 1
	maxDestRDAtomic = 1
	portNum         = 1
	sendQueueDepth  = 8192
	recvQueueDepth  = 8192
)

// Device wraps one opened RDMA device context, protection domain,
// completion queue, and RC queue pair, plus the memory regions
// registered against its protection domain.
type Device struct {
	ctx *C.struct_ibv_context
	pd  *C.struct_ibv_pd
	cq  *C.struct_ibv_cq
	qp  *C.struct_ibv_qp

	mu  sync.Mutex
	mrs []*C.struct_ibv_mr
}

// Open enumerates RDMA devices, opens the first one (or the one named
// by deviceName if non-empty), allocates a protection domain, and
// creates a completion queue and an RC queue pair in RESET state.
func Open(deviceName string) (*Device, error) {
	var numDevices C.int
	list := C.ibv_get_device_list(&numDevices)
	if list == nil || numDevices == 0 {
		return nil, &rdma.ErrTransportSetup{Stage: "get_device_list", Err: fmt.Errorf("no RDMA devices found")}
	}
	defer C.ibv_free_device_list(list)

	devices := unsafe.Slice(list, numDevices)
	var chosen *C.struct_ibv_device
	for _, dev := range devices {
		name := C.GoString(C.ibv_get_device_name(dev))
		if deviceName == "" || name == deviceName {
			chosen = dev
			break
		}
	}
	if chosen == nil {
		return nil, &rdma.ErrTransportSetup{Stage: "get_device_list", Err: fmt.Errorf("device %q not found", deviceName)}
	}

	ctx := C.ibv_open_device(chosen)
	if ctx == nil {
		return nil, &rdma.ErrTransportSetup{Stage: "open_device", Err: fmt.Errorf("ibv_open_device failed")}
	}

	pd := C.ibv_alloc_pd(ctx)
	if pd == nil {
		C.ibv_close_device(ctx)
		return nil, &rdma.ErrTransportSetup{Stage: "alloc_pd", Err: fmt.Errorf("ibv_alloc_pd failed")}
	}

	cq := C.ibv_create_cq(ctx, sendQueueDepth+recvQueueDepth, nil, nil, 0)
	if cq == nil {
		C.ibv_dealloc_pd(pd)
		C.ibv_close_device(ctx)
		return nil, &rdma.ErrTransportSetup{Stage: "create_cq", Err: fmt.Errorf("ibv_create_cq failed")}
	}

	var initAttr C.struct_ibv_qp_init_attr
	initAttr.send_cq = cq
	initAttr.recv_cq = cq
	initAttr.qp_type = C.IBV_QPT_RC
	initAttr.cap.max_send_wr = sendQueueDepth
	initAttr.cap.max_recv_wr = recvQueueDepth
	initAttr.cap.max_send_sge = 1
	initAttr.cap.max_recv_sge = 1

	qp := C.ibv_create_qp(pd, &initAttr)
	if qp == nil {
		C.ibv_destroy_cq(cq)
		C.ibv_dealloc_pd(pd)
		C.ibv_close_device(ctx)
		return nil, &rdma.ErrTransportSetup{Stage: "create_qp", Err: fmt.Errorf("ibv_create_qp failed")}
	}

	return &Device{ctx: ctx, pd: pd, cq: cq, qp: qp}, nil
}

// QueryPort returns the local LID of the fixed port this module always
// uses.
func (d *Device) QueryPort() (rdma.PortAttr, error) {
	var attr C.struct_ibv_port_attr
	if rc := C.ibv_query_port(d.ctx, C.uint8_t(portNum), &attr); rc != 0 {
		return rdma.PortAttr{}, &rdma.ErrTransportSetup{Stage: "query_port", Err: fmt.Errorf("ibv_query_port: errno %d", rc)}
	}
	return rdma.PortAttr{LID: uint16(attr.lid)}, nil
}

// QueryGID reads the GID table entry at index, for use on fabrics that
// require the global routing header (RoCE, or routed InfiniBand).
func (d *Device) QueryGID(index int) (rdma.GID, error) {
	if index < 0 {
		return rdma.GID{}, nil
	}
	var gid C.union_ibv_gid
	if rc := C.ibv_query_gid(d.ctx, C.uint8_t(portNum), C.int(index), &gid); rc != 0 {
		return rdma.GID{}, &rdma.ErrTransportSetup{Stage: "query_gid", Err: fmt.Errorf("ibv_query_gid: errno %d", rc)}
	}
	var out rdma.GID
	raw := C.GoBytes(unsafe.Pointer(&gid), 16)
	copy(out[:], raw)
	return out, nil
}

// LocalQPNumber returns this device's queue pair number.
func (d *Device) LocalQPNumber() uint32 {
	return uint32(d.qp.qp_num)
}

// RegisterMR registers buf with local-write and remote-read/write
// access, the access flags the original controller requests so a peer
// may post sends that land directly in this ring's slot array.
func (d *Device) RegisterMR(buf []byte) (uint32, error) {
	if len(buf) == 0 {
		return 0, &rdma.ErrTransportSetup{Stage: "register_mr", Err: fmt.Errorf("empty buffer")}
	}
	access := C.IBV_ACCESS_LOCAL_WRITE | C.IBV_ACCESS_REMOTE_WRITE | C.IBV_ACCESS_REMOTE_READ
	mr := C.ibv_reg_mr(d.pd, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), C.int(access))
	if mr == nil {
		return 0, &rdma.ErrTransportSetup{Stage: "register_mr", Err: fmt.Errorf("ibv_reg_mr failed")}
	}
	d.mu.Lock()
	d.mrs = append(d.mrs, mr)
	d.mu.Unlock()
	return uint32(mr.lkey), nil
}

// ModifyQPInit performs RESET -> INIT, granting local write and remote
// read/write access on the queue pair itself.
func (d *Device) ModifyQPInit() error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_INIT
	attr.pkey_index = 0
	attr.port_num = portNum
	attr.qp_access_flags = C.IBV_ACCESS_LOCAL_WRITE | C.IBV_ACCESS_REMOTE_WRITE | C.IBV_ACCESS_REMOTE_READ

	mask := C.IBV_QP_STATE | C.IBV_QP_PKEY_INDEX | C.IBV_QP_PORT | C.IBV_QP_ACCESS_FLAGS
	if rc := C.ibv_modify_qp(d.qp, &attr, C.int(mask)); rc != 0 {
		return &rdma.ErrTransportSetup{Stage: "reset_to_init", Err: fmt.Errorf("ibv_modify_qp: errno %d", rc)}
	}
	return nil
}

// ModifyQPRTR performs INIT -> RTR, addressing dest. The global routing
// header is enabled only when gidIndex >= 0 and dest.GID is non-zero,
// mirroring the original controller's GRH toggle.
func (d *Device) ModifyQPRTR(dest rdma.DestQPInfo, gidIndex int) error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RTR
	attr.path_mtu = C.enum_ibv_mtu(pathMTU)
	attr.dest_qp_num = C.uint32_t(dest.QPN)
	attr.rq_psn = C.uint32_t(dest.PSN)
	attr.max_dest_rd_atomic = maxDestRDAtomic
	attr.min_rnr_timer = minRNRTimer

	attr.ah_attr.dlid = C.uint16_t(dest.LID)
	attr.ah_attr.sl = 0
	attr.ah_attr.src_path_bits = 0
	attr.ah_attr.port_num = portNum

	if gidIndex >= 0 && !dest.GID.IsZero() {
		attr.ah_attr.is_global = 1
		attr.ah_attr.grh.hop_limit = 1
		attr.ah_attr.grh.sgid_index = C.uint8_t(gidIndex)
		for i := 0; i < 16; i++ {
			attr.ah_attr.grh.dgid.raw[i] = C.uint8_t(dest.GID[i])
		}
	}

	mask := C.IBV_QP_STATE | C.IBV_QP_AV | C.IBV_QP_PATH_MTU | C.IBV_QP_DEST_QPN |
		C.IBV_QP_RQ_PSN | C.IBV_QP_MAX_DEST_RD_ATOMIC | C.IBV_QP_MIN_RNR_TIMER
	if rc := C.ibv_modify_qp(d.qp, &attr, C.int(mask)); rc != 0 {
		return &rdma.ErrTransportSetup{Stage: "init_to_rtr", Err: fmt.Errorf("ibv_modify_qp: errno %d", rc)}
	}
	return nil
}

// ModifyQPRTS performs RTR -> RTS, the final bring-up transition.
func (d *Device) ModifyQPRTS(dest rdma.DestQPInfo) error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RTS
	attr.timeout = qpTimeout
	attr.retry_cnt = retryCount
	attr.rnr_retry = rnrRetryCount
	attr.sq_psn = 0
	attr.max_rd_atomic = maxRDAtomic

	mask := C.IBV_QP_STATE | C.IBV_QP_TIMEOUT | C.IBV_QP_RETRY_CNT |
		C.IBV_QP_RNR_RETRY | C.IBV_QP_SQ_PSN | C.IBV_QP_MAX_QP_RD_ATOMIC
	if rc := C.ibv_modify_qp(d.qp, &attr, C.int(mask)); rc != 0 {
		return &rdma.ErrTransportSetup{Stage: "rtr_to_rts", Err: fmt.Errorf("ibv_modify_qp: errno %d", rc)}
	}
	return nil
}

// PostSend posts a one-SGE send work request.
func (d *Device) PostSend(wrID uint64, lkey uint32, addr uintptr, length uint32, signaled bool) error {
	sge := C.alloc_sge()
	defer C.free(unsafe.Pointer(sge))
	sge.addr = C.uint64_t(addr)
	sge.length = C.uint32_t(length)
	sge.lkey = C.uint32_t(lkey)

	wr := C.alloc_send_wr()
	defer C.free(unsafe.Pointer(wr))
	wr.wr_id = C.uint64_t(wrID)
	wr.sg_list = sge
	wr.num_sge = 1
	wr.opcode = C.IBV_WR_SEND
	if signaled {
		wr.send_flags = C.IBV_SEND_SIGNALED
	}

	var bad *C.struct_ibv_send_wr
	if rc := C.ibv_post_send(d.qp, wr, &bad); rc != 0 {
		return &rdma.ErrTransportPostFailure{Stage: "post_send", Err: fmt.Errorf("ibv_post_send: errno %d", rc)}
	}
	return nil
}

// PostRecv posts a one-SGE receive work request.
func (d *Device) PostRecv(wrID uint64, lkey uint32, addr uintptr, length uint32) error {
	sge := C.alloc_sge()
	defer C.free(unsafe.Pointer(sge))
	sge.addr = C.uint64_t(addr)
	sge.length = C.uint32_t(length)
	sge.lkey = C.uint32_t(lkey)

	wr := C.alloc_recv_wr()
	defer C.free(unsafe.Pointer(wr))
	wr.wr_id = C.uint64_t(wrID)
	wr.sg_list = sge
	wr.num_sge = 1

	var bad *C.struct_ibv_recv_wr
	if rc := C.ibv_post_recv(d.qp, wr, &bad); rc != 0 {
		return &rdma.ErrTransportPostFailure{Stage: "post_recv", Err: fmt.Errorf("ibv_post_recv: errno %d", rc)}
	}
	return nil
}

// PollCQ polls for at most max completions without blocking.
func (d *Device) PollCQ(max int) ([]rdma.WorkCompletion, error) {
	wcs := make([]C.struct_ibv_wc, max)
	n := C.ibv_poll_cq(d.cq, C.int(max), &wcs[0])
	if n < 0 {
		return nil, &rdma.ErrTransportPostFailure{Stage: "poll_cq", Err: fmt.Errorf("ibv_poll_cq: errno %d", n)}
	}

	out := make([]rdma.WorkCompletion, 0, n)
	for i := 0; i < int(n); i++ {
		wc := wcs[i]
		status := rdma.StatusSuccess
		if wc.status != C.IBV_WC_SUCCESS {
			status = rdma.StatusError
		}
		opcode := rdma.OpcodeSend
		if wc.opcode == C.IBV_WC_RECV {
			opcode = rdma.OpcodeRecv
		}
		out = append(out, rdma.WorkCompletion{
			WRID:        uint64(wc.wr_id),
			Opcode:      opcode,
			Status:      status,
			VendorError: uint32(wc.vendor_err),
			ByteLen:     uint32(wc.byte_len),
		})
	}
	return out, nil
}

// Close releases the queue pair, completion queue, protection domain,
// every registered memory region, and the device context, in reverse
// order of acquisition.
func (d *Device) Close() error {
	d.mu.Lock()
	for _, mr := range d.mrs {
		C.ibv_dereg_mr(mr)
	}
	d.mrs = nil
	d.mu.Unlock()

	if d.qp != nil {
		C.ibv_destroy_qp(d.qp)
	}
	if d.cq != nil {
		C.ibv_destroy_cq(d.cq)
	}
	if d.pd != nil {
		C.ibv_dealloc_pd(d.pd)
	}
	if d.ctx != nil {
		C.ibv_close_device(d.ctx)
	}
	return nil
}

var _ rdma.Verbs = (*Device)(nil)
