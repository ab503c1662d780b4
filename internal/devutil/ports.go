// Package devutil picks free loopback ports for tests and resolves an
// --addr with port 0 to a free control/asset port pair.
package devutil

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

var errAddrType = errors.New("devutil: unexpected addr type")

// PickFreePort returns preferred when it can be bound on 127.0.0.1,
// otherwise a kernel-assigned TCP port.
func PickFreePort(preferred int) (int, error) {
	if preferred > 0 {
		ln, err := net.Listen("tcp", loopback(preferred))
		if err == nil {
			_ = ln.Close()
			return preferred, nil
		}
	}
	ln, err := net.Listen("tcp", loopback(0))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, errAddrType
	}
	return addr.Port, nil
}

// PickFreePair returns a port p such that p and p+1 are both free, for the
// control server and its asset server.
func PickFreePair() (int, error) {
	for range 32 {
		p, err := PickFreePort(0)
		if err != nil {
			return 0, err
		}
		ln, err := net.Listen("tcp", loopback(p+1))
		if err != nil {
			continue
		}
		_ = ln.Close()
		return p, nil
	}
	return 0, errors.New("devutil: no free port pair")
}

// ResolveAddr replaces port 0 in addr with a port p such that p and p+1
// are both free. Any other addr is returned unchanged.
func ResolveAddr(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	if port != "0" {
		return addr, nil
	}
	p, err := PickFreePair()
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(p)), nil
}

// NextPort returns addr with its port incremented by one.
func NextPort(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return "", fmt.Errorf("devutil: port %q: %w", port, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(p+1)), nil
}

func loopback(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}
