package netio

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Listener is a non-blocking, bound and listening IPv4 TCP socket. It
// is the Go realization of original_source/server/tcplistener.hpp.
type Listener struct {
	fd int
}

// Listen binds to 0.0.0.0:port and starts listening. The listening
// socket itself is non-blocking, so Accept reports WouldBlock instead
// of parking when no connection is pending.
func Listen(port uint16) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errors.Wrap(err, "socket")
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "setsockopt SO_REUSEADDR")
	}

	addr := &unix.SockaddrInet4{Port: int(port)}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "bind")
	}

	// Matches original_source's backlog of 3; this is a toy value in the
	// original too, kept for fidelity rather than copied blindly for
	// production use.
	if err := unix.Listen(fd, 3); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "listen")
	}

	if err := setNonblocking(fd); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "set listener non-blocking")
	}

	return &Listener{fd: fd}, nil
}

// FD returns the underlying file descriptor, for registration with a
// pollreg.Registry.
func (l *Listener) FD() int {
	return l.fd
}

// Accept accepts one pending connection without blocking. It returns
// (nil, WouldBlock, nil) when there is nothing to accept.
func (l *Listener) Accept() (*ByteStream, Outcome, error) {
	fd, sa, err := unix.Accept(l.fd)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, WouldBlock, nil
		}
		if err == unix.EINTR {
			return nil, WouldBlock, nil
		}
		return nil, OK, errors.Wrap(err, "accept")
	}

	if err := setNonblocking(fd); err != nil {
		_ = unix.Close(fd)
		return nil, OK, errors.Wrap(err, "set accepted conn non-blocking")
	}

	var peer uint32
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		peer = uint32(in4.Addr[0])<<24 | uint32(in4.Addr[1])<<16 | uint32(in4.Addr[2])<<8 | uint32(in4.Addr[3])
	}

	return NewByteStream(fd, peer), OK, nil
}

// Close closes the listening socket.
func (l *Listener) Close() error {
	return unix.Close(l.fd)
}
