package main

import (
	"log"
	"os"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/natan-dot-com/catboxd/internal/netio"
	"github.com/natan-dot-com/catboxd/internal/pollreg"
	"github.com/natan-dot-com/catboxd/internal/wire"
)

// Server owns the listening socket, the poll registry, the directory,
// and every live Connection. It is single-threaded: every method here
// except RequestShutdown runs from the one goroutine driving the event
// loop in main.go; RequestShutdown is called from main.go's signal
// goroutine and only sets an atomic flag. This
// is the Go realization of the dispatch chain in
// original_source/server/main.cpp's setup_message_listeners, reshaped
// around a persistent poll registry instead of a handler table that is
// torn down and rebuilt.
type Server struct {
	cfg      *Config
	listener *netio.Listener
	reg      *pollreg.Registry
	dir      *Directory

	conns  map[uint64]*Connection
	nextID uint64

	listenTok pollreg.Token

	shuttingDown atomic.Bool

	outLog *log.Logger
	errLog *log.Logger
}

// serverIdentity is the fixed prefix on every numeric reply; systemIdentity
// is the fixed prefix on server-originated channel announcements (join,
// promotion, passive departure). Neither is configurable: the wire format
// names them literally, unlike Config.ServerName, which only decorates the
// startup log line.
const (
	serverIdentity = "server"
	systemIdentity = "system"
)

// NewServer wires a Server around an already-bound listener and an
// already-created poll registry, and registers the accept callback.
func NewServer(cfg *Config, listener *netio.Listener, reg *pollreg.Registry) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		listener: listener,
		reg:      reg,
		dir:      NewDirectory(),
		conns:    map[uint64]*Connection{},
		nextID:   1,
		outLog:   log.New(os.Stdout, "", 0),
		errLog:   log.New(os.Stderr, "", 0),
	}

	tok, err := reg.Register(listener.FD(), pollreg.Readable, s.handleAcceptable)
	if err != nil {
		return nil, errors.Wrap(err, "register listener")
	}
	s.listenTok = tok
	return s, nil
}

// RequestShutdown sets the sticky flag main.go's loop checks after
// every pass; it does not itself close anything.
func (s *Server) RequestShutdown() {
	s.shuttingDown.Store(true)
}

// ShuttingDown reports whether RequestShutdown has been called.
func (s *Server) ShuttingDown() bool {
	return s.shuttingDown.Load()
}

// RunOnce drives one iteration of the event loop: block in the poll
// registry until something is ready, dispatch it, then reap any
// connections that died during dispatch. Returns pollreg.ErrInterrupted
// unchanged so the caller can distinguish a signal wakeup from a real
// failure.
func (s *Server) RunOnce() error {
	if _, err := s.reg.PollAndDispatch(); err != nil {
		return err
	}
	return s.reap()
}

func (s *Server) handleAcceptable(pollreg.Interest) {
	for {
		stream, outcome, err := s.listener.Accept()
		if err != nil {
			s.errLog.Printf("accept: %v", err)
			return
		}
		if outcome == netio.WouldBlock {
			return
		}

		id := s.nextID
		s.nextID++

		conn, err := newConnection(id, stream, s.reg, s.handleLine, s.handleDisconnect)
		if err != nil {
			s.errLog.Printf("register connection %d: %v", id, err)
			_ = stream.Close()
			continue
		}

		s.conns[id] = conn
		s.dir.RegisterConnection(id, stream.PeerIPv4())
		s.outLog.Printf("connection %d accepted", id)
	}
}

// handleDisconnect is called synchronously from within Connection.fail,
// which may itself be called from inside dispatch. It must not mutate
// s.conns (that would invalidate whatever loop is currently iterating
// it); actual removal happens in reap.
func (s *Server) handleDisconnect(id uint64) {
	s.outLog.Printf("connection %d disconnected", id)
}

// reap removes every connection that died since the last pass. If it was
// in a channel, its departure is announced with the system identity
// (there is no graceful QUIT to speak in its own voice) before its
// directory record is released. A directory invariant violation from
// RemoveConnection is returned as a server-fatal error.
func (s *Server) reap() error {
	for id, conn := range s.conns {
		if conn.Connected() {
			continue
		}
		if user := s.dir.GetUser(id); user != nil && user.JoinedChannel != "" {
			s.broadcastAs(systemIdentity, user.JoinedChannel, user.Nick+" quit")
		}
		s.quitChannel(id)
		if err := s.dir.RemoveConnection(id); err != nil {
			return errors.Wrapf(err, "reap %d", id)
		}
		delete(s.conns, id)
	}
	return nil
}

// quitChannel removes id from whatever channel it's in, broadcasting any
// resulting operator promotion. It does not itself announce the
// departure: callers that need that (QUIT, the reap pass) do so in
// whatever voice fits, before calling this. Safe to call whether or not
// id is presently in a channel.
func (s *Server) quitChannel(id uint64) {
	user := s.dir.GetUser(id)
	if user == nil || user.JoinedChannel == "" {
		return
	}
	channel := user.JoinedChannel

	promotedID, promoted := s.dir.QuitChannel(id, channel)
	if promoted {
		if pu := s.dir.GetUser(promotedID); pu != nil {
			s.broadcastAs(systemIdentity, channel, pu.Nick+" promoted to operator")
		}
	}
}

// handleLine is the Connection callback invoked once per complete wire
// frame. It enforces the NICK/USER registration sequence (spec §4.f)
// before handing off to the per-command table in command.go.
func (s *Server) handleLine(id uint64, rawLine string) {
	user := s.dir.GetUser(id)
	if user == nil {
		return
	}

	msg, err := wire.ParseMessage(rawLine)
	if err != nil {
		s.errLog.Printf("connection %d: protocol error: %v", id, err)
		return
	}

	switch user.State {
	case StateInit:
		if msg.Command != wire.CmdNick {
			return
		}
	case StateHaveNick:
		if msg.Command != wire.CmdUser {
			return
		}
	case StateHaveUser:
		if msg.Command == wire.CmdUser {
			s.sendNumeric(id, wire.ErrAlreadyRegistered, "You may not reregister")
			return
		}
	}

	s.dispatch(id, user, msg)
}

// disconnect tears down connection id without logging it as an error,
// for graceful teardown paths like QUIT.
func (s *Server) disconnect(id uint64) {
	if conn := s.conns[id]; conn != nil {
		conn.fail()
	}
}

// sendTo encodes msg and queues it on connection id, if still
// connected.
func (s *Server) sendTo(id uint64, msg wire.Message) {
	conn := s.conns[id]
	if conn == nil || !conn.Connected() {
		return
	}
	conn.QueueLine(&msg)
}

// sendNumeric sends a numeric reply carrying a single human-readable
// text parameter, prefixed with the fixed server identity.
func (s *Server) sendNumeric(id uint64, numeric, text string) {
	s.sendTo(id, wire.Message{
		Prefix:  serverIdentity,
		Command: numeric,
		Params:  []string{text},
	})
}

// sendNumericParams sends a numeric reply carrying structured params
// (WHOIS's RPL_WHOISUSER), prefixed with the fixed server identity.
func (s *Server) sendNumericParams(id uint64, numeric string, params ...string) {
	s.sendTo(id, wire.Message{
		Prefix:  serverIdentity,
		Command: numeric,
		Params:  params,
	})
}

// broadcastAs sends a PRIVMSG from the given prefix identity to every
// member of channel, for join/quit/promotion announcements.
func (s *Server) broadcastAs(prefix, channel, text string) {
	line, err := (&wire.Message{
		Prefix:  prefix,
		Command: wire.CmdPrivmsg,
		Params:  []string{channel, text},
	}).Encode()
	if err != nil {
		s.errLog.Printf("broadcast encode: %v", err)
		return
	}
	s.dir.Broadcast(channel, line, s.enqueueRaw)
}

func (s *Server) enqueueRaw(id uint64, line string) {
	conn := s.conns[id]
	if conn == nil || !conn.Connected() {
		return
	}
	conn.queueRaw(line)
}
