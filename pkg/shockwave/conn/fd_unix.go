package conn

import (
	"errors"
	"net"
	"syscall"
)

var (
	// errAgain is returned by Read/Write when the non-blocking syscall
	// reports no data/space available; the caller should return to
	// waiting on the multiplexer rather than retrying immediately.
	errAgain = errors.New("conn: resource temporarily unavailable")
	// errEOF is returned by Read when the peer has closed its side.
	errEOF = errors.New("conn: connection closed by peer")
)

// IsAgain reports whether err is the non-blocking "try again" signal
// from Read or Write.
func IsAgain(err error) bool { return err == errAgain }

// IsEOF reports whether err is the peer-closed signal from Read.
func IsEOF(err error) bool { return err == errEOF }

// extractFdViaSyscallConn pulls the OS file descriptor out of a
// *net.TCPConn (or any net.Conn exposing SyscallConn with the matching
// signature) without duplicating it — reads and writes against the
// returned number go straight to the kernel via unix.Read/unix.Write,
// the same descriptor net.Conn itself would otherwise read from.
func extractFdViaSyscallConn(raw net.Conn) (int, error) {
	type syscallConner interface {
		SyscallConn() (syscall.RawConn, error)
	}

	tc, ok := raw.(syscallConner)
	if !ok {
		return 0, errors.New("conn: underlying net.Conn does not support SyscallConn")
	}

	rc, err := tc.SyscallConn()
	if err != nil {
		return 0, err
	}

	var fd int
	ctrlErr := rc.Control(func(descriptor uintptr) {
		fd = int(descriptor)
	})
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	return fd, nil
}

func extractFd(raw net.Conn) (int, error) {
	return extractFdViaSyscallConn(raw)
}
