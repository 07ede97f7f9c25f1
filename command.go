package main

import (
	"github.com/natan-dot-com/catboxd/internal/wire"
)

// dispatch routes an already-sequence-checked message to its command
// handler. Unknown commands are silently ignored; wire.ParseMessage
// already rejected anything not in wire.IsKnownCommand or numeric.
func (s *Server) dispatch(id uint64, user *UserRecord, msg wire.Message) {
	if len(msg.Params) < wire.MinParams(msg.Command) {
		s.sendNumeric(id, wire.ErrNeedMoreParams, "Not enough parameters")
		return
	}

	switch msg.Command {
	case wire.CmdNick:
		s.cmdNick(id, user, msg)
	case wire.CmdUser:
		s.cmdUser(id, user, msg)
	case wire.CmdPing:
		s.cmdPing(id, user, msg)
	case wire.CmdPong:
		// Ignored; catboxd keeps no liveness state and enforces no
		// timeout (spec §5 explicitly leaves idle connections alone).
	case wire.CmdJoin:
		s.cmdJoin(id, user, msg)
	case wire.CmdPrivmsg:
		s.cmdPrivmsg(id, user, msg)
	case wire.CmdMode:
		s.cmdMode(id, user, msg)
	case wire.CmdWhois:
		s.cmdWhois(id, user, msg)
	case wire.CmdKick:
		s.cmdKick(id, user, msg)
	case wire.CmdQuit:
		s.cmdQuit(id, user, msg)
	}
}

func (s *Server) cmdNick(id uint64, user *UserRecord, msg wire.Message) {
	nick := msg.Params[0]
	if !isValidNick(nick) {
		s.sendNumeric(id, wire.ErrErroneusNickname, "Erroneous nickname")
		return
	}
	if existing := s.dir.UserByNick(canonicalizeNick(nick)); existing != nil && existing.ID != id {
		s.sendNumeric(id, wire.ErrNicknameInUse, "Nickname is already in use")
		return
	}

	user.Nick = nick
	if user.State == StateInit {
		user.State = StateHaveNick
	}
}

func (s *Server) cmdUser(id uint64, user *UserRecord, msg wire.Message) {
	user.Username = msg.Params[0]
	user.RealName = msg.Params[3]
	user.State = StateHaveUser
}

func (s *Server) cmdPing(id uint64, user *UserRecord, msg wire.Message) {
	params := msg.Params
	s.sendTo(id, wire.Message{
		Prefix:  serverIdentity,
		Command: wire.CmdPong,
		Params:  params,
	})
}

func (s *Server) cmdJoin(id uint64, user *UserRecord, msg wire.Message) {
	name := canonicalizeChannel(msg.Params[0])
	if !isValidChannelName(msg.Params[0]) {
		s.sendNumeric(id, wire.ErrNoSuchChannel, "No such channel")
		return
	}

	if user.JoinedChannel != "" {
		s.quitChannel(id)
	}

	existedBefore := s.dir.GetChannel(name) != nil
	s.dir.Join(id, name)

	text := user.Nick + " joined"
	if !existedBefore {
		text = user.Nick + " joined as moderator"
	}
	s.broadcastAs(systemIdentity, name, text)
}

func (s *Server) cmdPrivmsg(id uint64, user *UserRecord, msg wire.Message) {
	target := msg.Params[0]
	text := msg.Params[1]

	if target == wire.SelfTarget && user.JoinedChannel == "" {
		s.sendNumeric(id, wire.ErrNotOnChannel, "You're not on that channel")
		return
	}

	channel := target
	if channel == wire.SelfTarget {
		channel = user.JoinedChannel
	}
	channel = canonicalizeChannel(channel)

	member, ok := s.dir.GetMember(channel, id)
	if channel == "" || !ok {
		s.sendNumeric(id, wire.ErrCannotSendToChan, "Cannot send to channel")
		return
	}
	if member.Muted {
		s.sendNumeric(id, wire.ErrCannotSendToChan, "Cannot send to channel")
		return
	}

	line, err := (&wire.Message{
		Prefix:  user.Nick,
		Command: wire.CmdPrivmsg,
		Params:  []string{channel, text},
	}).Encode()
	if err != nil {
		return
	}
	s.dir.Broadcast(channel, line, s.enqueueRaw)
}

// cmdMode implements only MODE <channel-or-SelfTarget> <+v|-v> <nick>,
// the sole mode this protocol defines (spec §4.f): +v unmutes, -v
// mutes. It is operator-gated.
func (s *Server) cmdMode(id uint64, user *UserRecord, msg wire.Message) {
	channel := msg.Params[0]
	if channel == wire.SelfTarget {
		channel = user.JoinedChannel
	}
	channel = canonicalizeChannel(channel)

	actor, ok := s.dir.GetMember(channel, id)
	if channel == "" || !ok {
		s.sendNumeric(id, wire.ErrNotOnChannel, "You're not on that channel")
		return
	}
	if !actor.Operator {
		s.sendNumeric(id, wire.ErrChanOPrivsNeeded, "You're not a channel operator")
		return
	}

	flag := msg.Params[1]
	targetNick := msg.Params[2]
	targetUser := s.dir.UserByNick(canonicalizeNick(targetNick))
	if targetUser == nil {
		s.sendNumeric(id, wire.ErrNoSuchNick, "No such nick")
		return
	}
	if _, ok := s.dir.GetMember(channel, targetUser.ID); !ok {
		s.sendNumeric(id, wire.ErrNotOnChannel, "You're not on that channel")
		return
	}

	switch flag {
	case "+v":
		s.dir.Unmute(channel, targetUser.ID)
	case "-v":
		s.dir.Mute(channel, targetUser.ID)
	}
}

func (s *Server) cmdWhois(id uint64, user *UserRecord, msg wire.Message) {
	channel := user.JoinedChannel
	actor, isMember := s.dir.GetMember(channel, id)
	if channel == "" || !isMember || !actor.Operator {
		s.sendNumeric(id, wire.ErrChanOPrivsNeeded, "You're not a channel operator")
		return
	}

	targetNick := msg.Params[0]
	target := s.dir.UserByNick(canonicalizeNick(targetNick))
	if target == nil {
		s.sendNumeric(id, wire.ErrNoSuchNick, "No such nick")
		return
	}

	dotted := ipv4Dotted(target.PeerIPv4)
	s.sendNumericParams(id, wire.ReplyWhoisUser, target.Username, dotted, "*", target.RealName)
}

// cmdKick resolves the channel through the same `---` special-target
// rule as MODE and PRIVMSG (spec §4.c): Params[0] is the channel,
// Params[1] the victim's nick.
func (s *Server) cmdKick(id uint64, user *UserRecord, msg wire.Message) {
	channel := msg.Params[0]
	if channel == wire.SelfTarget {
		channel = user.JoinedChannel
	}
	channel = canonicalizeChannel(channel)

	actor, isMember := s.dir.GetMember(channel, id)
	if channel == "" || !isMember {
		s.sendNumeric(id, wire.ErrNotOnChannel, "You're not on that channel")
		return
	}
	if !actor.Operator {
		s.sendNumeric(id, wire.ErrChanOPrivsNeeded, "You're not a channel operator")
		return
	}

	targetNick := msg.Params[1]
	target := s.dir.UserByNick(canonicalizeNick(targetNick))
	if target == nil {
		s.sendNumeric(id, wire.ErrNoSuchNick, "No such nick")
		return
	}
	if _, ok := s.dir.GetMember(channel, target.ID); !ok {
		s.sendNumeric(id, wire.ErrNotOnChannel, "You're not on that channel")
		return
	}

	s.quitChannel(target.ID)
}

func (s *Server) cmdQuit(id uint64, user *UserRecord, msg wire.Message) {
	if user.JoinedChannel != "" {
		s.broadcastAs(user.Nick, user.JoinedChannel, user.Nick+" quit")
	}
	s.quitChannel(id)
	s.disconnect(id)
}
