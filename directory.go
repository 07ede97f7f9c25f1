package main

import "github.com/pkg/errors"

// EnqueueFunc delivers one already-formatted wire line to connection
// id. The directory has no knowledge of connection liveness or I/O; the
// server supplies this closure, which silently drops the message if id
// is no longer connected.
type EnqueueFunc func(id uint64, line string)

// Directory is the authoritative map of users and channels (spec §4.e).
// It holds no file descriptors and does no I/O; every mutation it
// performs is a pure data-structure update plus, for Broadcast, a call
// out through an EnqueueFunc the caller supplies.
type Directory struct {
	usersByID      map[uint64]*UserRecord
	channelsByName map[string]*Channel
}

// NewDirectory returns an empty Directory.
func NewDirectory() *Directory {
	return &Directory{
		usersByID:      map[uint64]*UserRecord{},
		channelsByName: map[string]*Channel{},
	}
}

// RegisterConnection inserts an empty user record for a newly accepted
// connection.
func (d *Directory) RegisterConnection(id uint64, peerIPv4 uint32) {
	d.usersByID[id] = &UserRecord{ID: id, PeerIPv4: peerIPv4}
}

// RemoveConnection erases a connection's user record. The caller must
// ensure id is not a member of any channel first (see QuitChannel);
// violating that is a directory invariant violation, i.e. a
// server-fatal error (spec §7.4).
func (d *Directory) RemoveConnection(id uint64) error {
	user, exists := d.usersByID[id]
	if !exists {
		return nil
	}
	if user.JoinedChannel != "" {
		return errors.Errorf(
			"invariant violation: removing connection %d still joined to %q",
			id, user.JoinedChannel)
	}
	delete(d.usersByID, id)
	return nil
}

// GetUser returns the user record for id, or nil.
func (d *Directory) GetUser(id uint64) *UserRecord {
	return d.usersByID[id]
}

// UserByNick performs a linear scan for the user holding canonical
// nick nickCanon. Population is small (spec §4.e); a map index is not
// worth the complexity of keeping it in sync through renames.
func (d *Directory) UserByNick(nickCanon string) *UserRecord {
	for _, u := range d.usersByID {
		if canonicalizeNick(u.Nick) == nickCanon {
			return u
		}
	}
	return nil
}

// GetChannel returns the channel named name (already canonical), or
// nil.
func (d *Directory) GetChannel(name string) *Channel {
	return d.channelsByName[name]
}

// GetMember returns the membership record for id in channel name, and
// whether it exists.
func (d *Directory) GetMember(name string, id uint64) (Member, bool) {
	ch := d.channelsByName[name]
	if ch == nil {
		return Member{}, false
	}
	m, ok := ch.Members[id]
	return m, ok
}

// Join puts connection id into channel name, creating the channel (with
// id as its first operator) if it doesn't exist yet, or adding id as a
// plain member otherwise. The caller guarantees id is presently a
// member of no channel.
func (d *Directory) Join(id uint64, name string) {
	ch, exists := d.channelsByName[name]
	if !exists {
		ch = newChannel(name, id)
		d.channelsByName[name] = ch
	} else {
		ch.Members[id] = Member{ID: id}
	}

	if user := d.usersByID[id]; user != nil {
		user.JoinedChannel = name
	}
}

// QuitChannel removes id's membership in channel name. If the channel
// becomes empty it is destroyed. Otherwise, if no operator remains
// among the survivors, an arbitrary remaining member is promoted and
// its id is returned as promotedID with promoted=true, so the caller
// can announce it.
func (d *Directory) QuitChannel(id uint64, name string) (promotedID uint64, promoted bool) {
	ch, exists := d.channelsByName[name]
	if !exists {
		return 0, false
	}

	delete(ch.Members, id)

	if user := d.usersByID[id]; user != nil && user.JoinedChannel == name {
		user.JoinedChannel = ""
	}

	if len(ch.Members) == 0 {
		delete(d.channelsByName, name)
		return 0, false
	}

	if ch.HasOperator() {
		return 0, false
	}

	for newOpID, m := range ch.Members {
		m.Operator = true
		ch.Members[newOpID] = m
		return newOpID, true
	}

	// Unreachable: len(ch.Members) > 0 was checked above.
	return 0, false
}

// Mute sets the muted flag for id in channel name. It reports false if
// id is not a member.
func (d *Directory) Mute(name string, id uint64) bool {
	return d.setMemberFlag(name, id, func(m *Member) { m.Muted = true })
}

// Unmute clears the muted flag for id in channel name.
func (d *Directory) Unmute(name string, id uint64) bool {
	return d.setMemberFlag(name, id, func(m *Member) { m.Muted = false })
}

// MakeOperator grants operator status to id in channel name.
func (d *Directory) MakeOperator(name string, id uint64) bool {
	return d.setMemberFlag(name, id, func(m *Member) { m.Operator = true })
}

func (d *Directory) setMemberFlag(name string, id uint64, set func(*Member)) bool {
	ch := d.channelsByName[name]
	if ch == nil {
		return false
	}
	m, ok := ch.Members[id]
	if !ok {
		return false
	}
	set(&m)
	ch.Members[id] = m
	return true
}

// Broadcast enqueues line on every still-connected member of channel
// name, via send. Order follows Go's map iteration order, which spec
// §5 only requires to be fixed for the duration of one broadcast call
// (it is: this loop doesn't mutate Members).
func (d *Directory) Broadcast(name string, line string, send EnqueueFunc) {
	ch := d.channelsByName[name]
	if ch == nil {
		return
	}
	for id := range ch.Members {
		send(id, line)
	}
}
