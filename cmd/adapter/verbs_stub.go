//go:build !(linux && cgo && rdma)

package main

import (
	"fmt"

	"github.com/shmring/rdmaringbuf/rdma"
)

func openVerbs(deviceName string) (rdma.Verbs, error) {
	return nil, fmt.Errorf("adapter: built without RDMA hardware support; rebuild with -tags rdma on linux with cgo and libibverbs-dev installed (see rdma/loopback for a hardware-free harness)")
}
