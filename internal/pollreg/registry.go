// Package pollreg implements the server's poll registry: a single
// epoll-backed multiplexer of (fd, interest, callback) registrations,
// with one blocking wait driving many dispatches per wakeup.
//
// It is the Go realization of original_source/server/poll_registry.cpp,
// using an edge-neutral (level-triggered) epoll in place of poll(2).
package pollreg

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Interest is the pair {readable, writable} a registration waits for.
type Interest uint32

const (
	Readable Interest = 1 << iota
	Writable
)

func (i Interest) toEpoll() uint32 {
	var events uint32
	if i&Readable != 0 {
		events |= unix.EPOLLIN
	}
	if i&Writable != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

func fromEpoll(events uint32) Interest {
	var i Interest
	if events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		i |= Readable
	}
	if events&(unix.EPOLLOUT|unix.EPOLLERR) != 0 {
		i |= Writable
	}
	return i
}

// Callback is invoked with the mask of interests that are actually
// ready. It runs to completion before the registry dispatches the next
// ready registration; it may freely register or unregister further
// events, including its own.
type Callback func(ready Interest)

// Token identifies one registration. Tokens are stable for the
// lifetime of the registration and are never reused within a process
// run.
type Token uint64

type registration struct {
	token    Token
	fd       int
	interest Interest
	callback Callback
}

// fdState tracks every registration held against one fd, since epoll
// itself multiplexes per fd, not per registration.
type fdState struct {
	fd    int
	regs  map[Token]*registration
	epoll uint32 // the event mask currently installed with epoll_ctl
}

// Registry is a process-wide multiplexer. The zero value is not ready
// for use; call New.
type Registry struct {
	epfd      int
	nextToken Token
	byToken   map[Token]*registration
	byFD      map[int]*fdState
}

// New creates a Registry backed by a fresh epoll instance.
func New() (*Registry, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &Registry{
		epfd:    epfd,
		byToken: map[Token]*registration{},
		byFD:    map[int]*fdState{},
	}, nil
}

// Close tears down the epoll instance. Registered fds themselves are
// not closed; that remains the owner's responsibility.
func (r *Registry) Close() error {
	return unix.Close(r.epfd)
}

// Register adds a (fd, interest, callback) tuple and returns a token
// that can later be passed to Unregister. The same fd may be
// registered multiple times, independently, for different interests.
func (r *Registry) Register(fd int, interest Interest, cb Callback) (Token, error) {
	tok := r.nextToken
	r.nextToken++

	reg := &registration{token: tok, fd: fd, interest: interest, callback: cb}
	r.byToken[tok] = reg

	state, exists := r.byFD[fd]
	if !exists {
		state = &fdState{fd: fd, regs: map[Token]*registration{}}
		r.byFD[fd] = state
	}
	state.regs[tok] = reg

	if err := r.syncFD(state, !exists); err != nil {
		delete(r.byToken, tok)
		delete(state.regs, tok)
		if len(state.regs) == 0 {
			delete(r.byFD, fd)
		}
		return 0, err
	}

	return tok, nil
}

// Unregister removes a prior registration. It reports false if the
// token is unknown (already unregistered, or never valid). It is safe
// to call during dispatch, for any token including ones other than the
// one currently running.
func (r *Registry) Unregister(tok Token) bool {
	reg, ok := r.byToken[tok]
	if !ok {
		return false
	}
	delete(r.byToken, tok)

	state := r.byFD[reg.fd]
	delete(state.regs, tok)

	if len(state.regs) == 0 {
		// Best effort: EPOLL_CTL_DEL fails harmlessly if the fd was already
		// closed by the caller (which implicitly drops it from epoll).
		_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, state.fd, nil)
		delete(r.byFD, state.fd)
		return true
	}

	_ = r.syncFD(state, false)
	return true
}

// syncFD recomputes the fd's combined interest mask from its live
// registrations and pushes it to epoll with ADD or MOD as appropriate.
func (r *Registry) syncFD(state *fdState, add bool) error {
	var combined Interest
	for _, reg := range state.regs {
		combined |= reg.interest
	}

	event := unix.EpollEvent{
		Events: combined.toEpoll(),
		Fd:     int32(state.fd),
	}

	op := unix.EPOLL_CTL_MOD
	if add {
		op = unix.EPOLL_CTL_ADD
	}

	if err := unix.EpollCtl(r.epfd, op, state.fd, &event); err != nil {
		return errors.Wrapf(err, "epoll_ctl fd=%d", state.fd)
	}
	state.epoll = event.Events
	return nil
}

// ErrInterrupted is returned by PollAndDispatch when the wait was
// interrupted by a signal (EINTR) rather than by fds becoming ready.
// The event loop should treat this as "nothing happened, try again",
// distinct from a genuine error.
var ErrInterrupted = errors.New("poll interrupted")

// PollAndDispatch blocks until at least one registered fd is ready,
// then invokes the callback of every ready registration exactly once,
// passing the mask of interests that were actually satisfied. It
// returns the number of distinct fds that were ready.
//
// Dispatch order within one wakeup is unspecified. A callback may
// mutate the registry, including unregistering tokens other than its
// own; PollAndDispatch takes a snapshot of the ready set before
// dispatching so such mutation during the pass is safe.
func (r *Registry) PollAndDispatch() (int, error) {
	if len(r.byFD) == 0 {
		// epoll_wait with zero registered fds would block forever; the
		// caller should not be calling us in that state, but fail soft.
		return 0, nil
	}

	events := make([]unix.EpollEvent, len(r.byFD))

	n, err := unix.EpollWait(r.epfd, events, -1)
	if err != nil {
		if err == unix.EINTR {
			return 0, ErrInterrupted
		}
		return 0, errors.Wrap(err, "epoll_wait")
	}

	// Snapshot which (token, ready-interest) pairs fired before invoking
	// any callback, so a callback unregistering a not-yet-dispatched
	// token doesn't panic on a stale pointer.
	type firing struct {
		token Token
		ready Interest
	}
	var toFire []firing

	for i := 0; i < n; i++ {
		ev := events[i]
		state, ok := r.byFD[int(ev.Fd)]
		if !ok {
			continue
		}
		ready := fromEpoll(ev.Events)
		for tok, reg := range state.regs {
			if reg.interest&ready != 0 {
				toFire = append(toFire, firing{token: tok, ready: reg.interest & ready})
			}
		}
	}

	for _, f := range toFire {
		reg, ok := r.byToken[f.token]
		if !ok {
			continue // unregistered by an earlier callback in this pass
		}
		reg.callback(f.ready)
	}

	return n, nil
}
