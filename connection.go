package main

import (
	"bytes"

	"github.com/natan-dot-com/catboxd/internal/netio"
	"github.com/natan-dot-com/catboxd/internal/pollreg"
	"github.com/natan-dot-com/catboxd/internal/wire"
)

// Connection wraps one accepted socket with the buffering and framing
// spec §4.d describes: a growable receive buffer that lines are
// extracted from as they complete, and a FIFO send queue drained
// opportunistically as the socket reports writable. It is the Go
// realization of original_source/server/connection.{hpp,cpp}.
type Connection struct {
	id     uint64
	stream *netio.ByteStream
	reg    *pollreg.Registry

	connected bool

	// recvBuf holds bytes read but not yet split into complete lines.
	recvBuf []byte

	// sendQueue holds fully-encoded wire lines not yet flushed.
	// sendCursor is how many bytes of sendQueue[0] have already gone out.
	sendQueue  []string
	sendCursor int

	readTok  pollreg.Token
	writeTok pollreg.Token
	writing  bool

	onLine       func(id uint64, line string)
	onDisconnect func(id uint64)
}

// newConnection wraps stream and registers it for readable events.
// onLine is called once per complete '\n'-terminated line, with the
// terminating newline included. onDisconnect is called at most once, the moment
// the connection is detected closed or faulted; the Connection object
// itself survives until the server's reap pass removes it.
func newConnection(
	id uint64,
	stream *netio.ByteStream,
	reg *pollreg.Registry,
	onLine func(id uint64, line string),
	onDisconnect func(id uint64),
) (*Connection, error) {
	c := &Connection{
		id:           id,
		stream:       stream,
		reg:          reg,
		connected:    true,
		recvBuf:      make([]byte, 0, wire.MaxLineLength),
		onLine:       onLine,
		onDisconnect: onDisconnect,
	}

	tok, err := reg.Register(stream.FD(), pollreg.Readable, c.handleReadable)
	if err != nil {
		return nil, err
	}
	c.readTok = tok
	return c, nil
}

// ID returns the connection's directory id.
func (c *Connection) ID() uint64 { return c.id }

// Connected reports whether the connection is still usable.
func (c *Connection) Connected() bool { return c.connected }

// QueueLine encodes msg (via wire.SplitForSend, so oversized payloads
// are chunked rather than dropped) and appends the resulting frames to
// the send queue, registering writable interest if it wasn't already.
func (c *Connection) QueueLine(msg *wire.Message) {
	if !c.connected {
		return
	}
	encoded, err := msg.Encode()
	if err != nil {
		// A malformed outgoing message is a programming error, not a
		// peer fault; drop it rather than corrupt the stream.
		return
	}
	c.queueRaw(encoded)
}

func (c *Connection) queueRaw(line string) {
	for _, chunk := range wire.SplitForSend(line) {
		c.sendQueue = append(c.sendQueue, chunk)
	}
	c.ensureWritableRegistered()
}

func (c *Connection) ensureWritableRegistered() {
	if c.writing || len(c.sendQueue) == 0 || !c.connected {
		return
	}
	tok, err := c.reg.Register(c.stream.FD(), pollreg.Writable, c.handleWritable)
	if err != nil {
		c.fail()
		return
	}
	c.writeTok = tok
	c.writing = true
}

func (c *Connection) handleReadable(pollreg.Interest) {
	if !c.connected {
		return
	}

	chunk := make([]byte, wire.MaxLineLength)
	for {
		n, outcome, err := c.stream.Recv(chunk)
		if err != nil {
			c.fail()
			return
		}
		switch outcome {
		case netio.Closed:
			c.fail()
			return
		case netio.WouldBlock:
			return
		}
		c.recvBuf = append(c.recvBuf, chunk[:n]...)
		c.extractLines()
		if !c.connected {
			return
		}

		if len(c.recvBuf) > wire.MaxLineLength {
			// No newline arrived within the frame budget; the peer is
			// misbehaving (spec §7: unterminated frame over the limit is
			// fatal to the connection).
			c.fail()
			return
		}
		if n < len(chunk) {
			return
		}
	}
}

// extractLines scans recvBuf from its start for newline-terminated
// lines, dispatches each to onLine, and compacts
// the buffer so unparsed bytes sit at index 0.
func (c *Connection) extractLines() {
	start := 0
	for {
		idx := bytes.IndexByte(c.recvBuf[start:], '\n')
		if idx < 0 {
			break
		}
		line := string(c.recvBuf[start : start+idx+1])
		start += idx + 1
		if c.onLine != nil {
			c.onLine(c.id, line)
		}
		if !c.connected {
			// onLine may have torn the connection down (e.g. fatal
			// protocol error); stop touching our own buffer.
			return
		}
	}

	remaining := len(c.recvBuf) - start
	copy(c.recvBuf[0:], c.recvBuf[start:])
	c.recvBuf = c.recvBuf[:remaining]
}

func (c *Connection) handleWritable(pollreg.Interest) {
	if !c.connected {
		return
	}

	for len(c.sendQueue) > 0 {
		head := c.sendQueue[0]
		n, outcome, err := c.stream.Send([]byte(head[c.sendCursor:]))
		if err != nil {
			c.fail()
			return
		}
		switch outcome {
		case netio.Closed:
			c.fail()
			return
		case netio.WouldBlock:
			return
		}

		c.sendCursor += n
		if c.sendCursor >= len(head) {
			c.sendQueue = c.sendQueue[1:]
			c.sendCursor = 0
		} else {
			// Short write; socket buffer is full, wait for next
			// writable event.
			return
		}
	}

	c.unregisterWritable()
}

func (c *Connection) unregisterWritable() {
	if !c.writing {
		return
	}
	c.reg.Unregister(c.writeTok)
	c.writing = false
}

// fail marks the connection dead, drops its poll registrations, and
// closes the socket. It does not remove the connection from the
// server's map; that happens in the server's reap pass so that the
// server can still broadcast the user's departure.
func (c *Connection) fail() {
	if !c.connected {
		return
	}
	c.connected = false
	c.reg.Unregister(c.readTok)
	c.unregisterWritable()
	_ = c.stream.Close()
	if c.onDisconnect != nil {
		c.onDisconnect(c.id)
	}
}
