// Package netio implements the non-blocking TCP primitives catboxd's
// connection layer is built on: a move-only byte stream and a
// listener, both backed directly by raw, non-blocking file
// descriptors rather than the standard library's blocking net.Conn.
//
// This is the Go realization of original_source/tcp/tcpstream.{hpp,cpp}
// and tcplistener.{hpp,cpp}: recv/send that report "would-block"
// instead of parking a goroutine, so the server core can drive I/O from
// a single poll loop (see internal/pollreg).
package netio

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Outcome classifies the result of one Recv or Send call.
type Outcome int

const (
	// OK means n bytes were transferred; n may be less than requested.
	OK Outcome = iota
	// WouldBlock means no bytes were transferred because the operation
	// would have blocked; the caller should retry once the fd is ready
	// again.
	WouldBlock
	// Closed means the peer closed its end (a zero-length result).
	Closed
)

// ByteStream wraps one connected, non-blocking TCP socket. It is
// move-only in spirit: the zero value is invalid, and copying a
// ByteStream after Close has been called will observe a closed fd. Go
// has no move semantics to enforce this at compile time; callers
// should treat a ByteStream like the original_source tcpstream and
// pass it by pointer after construction.
type ByteStream struct {
	fd   int
	peer uint32 // peer IPv4 address, host byte order, captured at accept
}

// NewByteStream wraps fd, which must already be non-blocking.
func NewByteStream(fd int, peer uint32) *ByteStream {
	return &ByteStream{fd: fd, peer: peer}
}

// FD returns the underlying file descriptor, for registration with a
// pollreg.Registry.
func (s *ByteStream) FD() int {
	return s.fd
}

// PeerIPv4 returns the peer's IPv4 address as captured at accept time,
// in host byte order (so the first octet is the high byte).
func (s *ByteStream) PeerIPv4() uint32 {
	return s.peer
}

// Recv reads into buf without blocking.
func (s *ByteStream) Recv(buf []byte) (int, Outcome, error) {
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, WouldBlock, nil
		}
		if err == unix.EINTR {
			return 0, WouldBlock, nil
		}
		return 0, OK, errors.Wrap(err, "recv")
	}
	if n == 0 {
		return 0, Closed, nil
	}
	return n, OK, nil
}

// Send writes buf without blocking. A short write is a normal OK
// result with n < len(buf); the caller is expected to retry the
// remainder once the fd is writable again.
func (s *ByteStream) Send(buf []byte) (int, Outcome, error) {
	n, err := unix.Write(s.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, WouldBlock, nil
		}
		if err == unix.EINTR {
			return 0, WouldBlock, nil
		}
		return 0, OK, errors.Wrap(err, "send")
	}
	if n == 0 && len(buf) > 0 {
		return 0, Closed, nil
	}
	return n, OK, nil
}

// Close closes the underlying socket. It is safe to call more than
// once.
func (s *ByteStream) Close() error {
	if s.fd < 0 {
		return nil
	}
	fd := s.fd
	s.fd = -1
	return unix.Close(fd)
}

func setNonblocking(fd int) error {
	return unix.SetNonblock(fd, true)
}
