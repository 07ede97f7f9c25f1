package main

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/natan-dot-com/catboxd/internal/netio"
	"github.com/natan-dot-com/catboxd/internal/pollreg"
)

// testServer spins up a real listening Server on an ephemeral port.
func testServer(t *testing.T) (*Server, string) {
	t.Helper()

	l, err := netio.Listen(0)
	require.NoError(t, err)

	reg, err := pollreg.New()
	require.NoError(t, err)

	cfg := defaultConfig()
	s, err := NewServer(&cfg, l, reg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = l.Close()
		_ = reg.Close()
	})

	sa, err := unix.Getsockname(l.FD())
	require.NoError(t, err)
	in4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)

	addr := net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: in4.Port}
	return s, addr.String()
}

// pump drives the server's event loop until cond reports true, or
// fails the test after maxIters passes. Each pass may block on real
// I/O readiness, which is fine: every scenario below always has
// another event coming (a client write, a pending accept).
func pump(t *testing.T, s *Server, maxIters int, cond func() bool) {
	t.Helper()
	for i := 0; i < maxIters; i++ {
		require.NoError(t, s.RunOnce())
		if cond() {
			return
		}
	}
	require.Fail(t, "condition never became true")
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return line
}

func register(t *testing.T, s *Server, conn net.Conn, r *bufio.Reader, nick string) {
	t.Helper()
	_, err := conn.Write([]byte("NICK " + nick + "\n"))
	require.NoError(t, err)
	pump(t, s, 50, func() bool {
		u := s.dir.UserByNick(canonicalizeNick(nick))
		return u != nil && u.State != StateInit
	})

	_, err = conn.Write([]byte("USER " + nick + " 0 * :" + nick + " Real Name\n"))
	require.NoError(t, err)
	pump(t, s, 50, func() bool {
		u := s.dir.UserByNick(canonicalizeNick(nick))
		return u != nil && u.Registered()
	})
}

func TestRegistrationAndChannelEcho(t *testing.T) {
	s, addr := testServer(t)

	c1 := dial(t, addr)
	c2 := dial(t, addr)
	r1 := bufio.NewReader(c1)
	r2 := bufio.NewReader(c2)

	pump(t, s, 50, func() bool { return len(s.conns) == 2 })

	register(t, s, c1, r1, "alice")
	register(t, s, c2, r2, "bob")

	_, err := c1.Write([]byte("JOIN #general\n"))
	require.NoError(t, err)
	pump(t, s, 50, func() bool { return s.dir.GetChannel("#general") != nil })

	_, err = c2.Write([]byte("JOIN #general\n"))
	require.NoError(t, err)
	pump(t, s, 50, func() bool {
		_, ok := s.dir.GetMember("#general", 2)
		return ok
	})
	// The membership update above is visible one dispatch pass before the
	// resulting broadcast lines are actually flushed to the sockets.
	require.NoError(t, s.RunOnce())

	// alice's own join announcement (she created the channel, so she's
	// operator), then bob's (he did not, so no suffix).
	aliceJoin := readLine(t, r1)
	require.Contains(t, aliceJoin, ":system PRIVMSG #general :alice joined as moderator")

	bobJoinR1 := readLine(t, r1)
	require.Contains(t, bobJoinR1, ":system PRIVMSG #general :bob joined\n")

	bobJoinR2 := readLine(t, r2)
	require.Contains(t, bobJoinR2, ":system PRIVMSG #general :bob joined\n")

	_, err = c1.Write([]byte("PRIVMSG --- :hello channel\n"))
	require.NoError(t, err)

	pump(t, s, 50, func() bool { return true })
	require.NoError(t, s.RunOnce()) // flush the fanned-out PRIVMSG to both sockets

	line1 := readLine(t, r1)
	line2 := readLine(t, r2)
	require.Contains(t, line1, "hello channel")
	require.Contains(t, line2, "hello channel")
}

func TestNickCollisionRejected(t *testing.T) {
	s, addr := testServer(t)

	c1 := dial(t, addr)
	c2 := dial(t, addr)
	r1 := bufio.NewReader(c1)
	r2 := bufio.NewReader(c2)

	pump(t, s, 50, func() bool { return len(s.conns) == 2 })

	register(t, s, c1, r1, "alice")

	_, err := c2.Write([]byte("NICK alice\n"))
	require.NoError(t, err)
	pump(t, s, 50, func() bool { return s.dir.GetUser(2).Nick == "" })
	require.NoError(t, s.RunOnce()) // flush the queued 433 reply

	reply := readLine(t, r2)
	require.Contains(t, reply, "433")
}

func TestOperatorPromotionOnQuit(t *testing.T) {
	s, addr := testServer(t)

	c1 := dial(t, addr)
	c2 := dial(t, addr)
	r1 := bufio.NewReader(c1)
	r2 := bufio.NewReader(c2)

	pump(t, s, 50, func() bool { return len(s.conns) == 2 })

	register(t, s, c1, r1, "alice")
	register(t, s, c2, r2, "bob")

	_, err := c1.Write([]byte("JOIN #general\n"))
	require.NoError(t, err)
	pump(t, s, 50, func() bool { return s.dir.GetChannel("#general") != nil })

	_, err = c2.Write([]byte("JOIN #general\n"))
	require.NoError(t, err)
	pump(t, s, 50, func() bool {
		_, ok := s.dir.GetMember("#general", 2)
		return ok
	})
	require.NoError(t, s.RunOnce()) // flush queued join announcements

	_ = readLine(t, r1) // alice's own join
	_ = readLine(t, r1) // bob joined
	_ = readLine(t, r2) // bob's own join

	_, err = c1.Write([]byte("QUIT :bye\n"))
	require.NoError(t, err)

	pump(t, s, 50, func() bool {
		m, ok := s.dir.GetMember("#general", 2)
		return ok && m.Operator
	})
	require.NoError(t, s.RunOnce()) // flush the quit/promotion announcements

	line := readLine(t, r2)
	require.Contains(t, line, ":alice PRIVMSG #general :alice quit\n")
	line = readLine(t, r2)
	require.Contains(t, line, ":system PRIVMSG #general :bob promoted to operator\n")
}

func TestKickRemovesVictimAndRespectsChannelParam(t *testing.T) {
	s, addr := testServer(t)

	c1 := dial(t, addr)
	c2 := dial(t, addr)
	r1 := bufio.NewReader(c1)
	r2 := bufio.NewReader(c2)

	pump(t, s, 50, func() bool { return len(s.conns) == 2 })

	register(t, s, c1, r1, "alice")
	register(t, s, c2, r2, "bob")

	_, err := c1.Write([]byte("JOIN #general\n"))
	require.NoError(t, err)
	pump(t, s, 50, func() bool { return s.dir.GetChannel("#general") != nil })

	_, err = c2.Write([]byte("JOIN #general\n"))
	require.NoError(t, err)
	pump(t, s, 50, func() bool {
		_, ok := s.dir.GetMember("#general", 2)
		return ok
	})
	require.NoError(t, s.RunOnce()) // flush queued join announcements

	_ = readLine(t, r1) // alice's own join
	_ = readLine(t, r1) // bob joined
	_ = readLine(t, r2) // bob's own join

	_, err = c1.Write([]byte("KICK --- bob\n"))
	require.NoError(t, err)
	pump(t, s, 50, func() bool {
		_, ok := s.dir.GetMember("#general", 2)
		return !ok
	})

	m, ok := s.dir.GetMember("#general", 1)
	require.True(t, ok)
	require.True(t, m.Operator)
}
