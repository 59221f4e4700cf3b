package rdma

import (
	"context"
	"fmt"
	"net"
)

// ExchangeListener acts as the listening side of the out-of-band
// identifier exchange: it binds addr, accepts one connection, reads
// the peer's identifier record, then writes its own.
func ExchangeListener(ctx context.Context, addr string, local DestQPInfo) (DestQPInfo, error) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return DestQPInfo{}, &ErrTransportSetup{Stage: "oob_listen", Err: err}
	}
	defer ln.Close()

	conn, err := ln.Accept()
	if err != nil {
		return DestQPInfo{}, &ErrTransportSetup{Stage: "oob_accept", Err: err}
	}
	defer conn.Close()

	peer, err := readDestQPInfo(conn)
	if err != nil {
		return DestQPInfo{}, err
	}

	if err := writeDestQPInfo(conn, local); err != nil {
		return DestQPInfo{}, err
	}

	return peer, nil
}

// ExchangeDialer acts as the dialing side of the out-of-band
// identifier exchange: it connects to addr, writes its own identifier
// record, then reads the peer's.
func ExchangeDialer(ctx context.Context, addr string, local DestQPInfo) (DestQPInfo, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return DestQPInfo{}, &ErrTransportSetup{Stage: "oob_dial", Err: err}
	}
	defer conn.Close()

	if err := writeDestQPInfo(conn, local); err != nil {
		return DestQPInfo{}, err
	}

	peer, err := readDestQPInfo(conn)
	if err != nil {
		return DestQPInfo{}, err
	}

	return peer, nil
}

func writeDestQPInfo(conn net.Conn, info DestQPInfo) error {
	buf, _ := info.MarshalBinary()
	if _, err := conn.Write(buf); err != nil {
		return &ErrTransportSetup{Stage: "oob_write", Err: err}
	}
	return nil
}

func readDestQPInfo(conn net.Conn) (DestQPInfo, error) {
	buf := make([]byte, destQPInfoWireSize)
	n := 0
	for n < len(buf) {
		k, err := conn.Read(buf[n:])
		n += k
		if err != nil {
			return DestQPInfo{}, &ErrTransportSetup{Stage: "oob_read", Err: fmt.Errorf("read %d/%d bytes: %w", n, len(buf), err)}
		}
	}
	var info DestQPInfo
	if err := info.UnmarshalBinary(buf); err != nil {
		return DestQPInfo{}, err
	}
	return info, nil
}
