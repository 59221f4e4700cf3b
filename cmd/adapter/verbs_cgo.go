//go:build linux && cgo && rdma

package main

import (
	"github.com/shmring/rdmaringbuf/rdma"
	"github.com/shmring/rdmaringbuf/rdma/cgoverbs"
)

func openVerbs(deviceName string) (rdma.Verbs, error) {
	return cgoverbs.Open(deviceName)
}
