package main

import (
	"strconv"
	"strings"
)

// maxNickLength is spec.md §3's limit, not the teacher's.
const maxNickLength = 50

// canonicalizeNick folds a nick to the form used as a directory lookup
// key. The wire protocol is case-sensitive on the bytes it echoes back,
// but nick collisions are judged case-insensitively (spec §3).
func canonicalizeNick(nick string) string {
	return strings.ToLower(nick)
}

// canonicalizeChannel folds a channel name to its lookup key, same
// rationale as canonicalizeNick.
func canonicalizeChannel(name string) string {
	return strings.ToLower(name)
}

// isValidNick reports whether nick satisfies spec §3: 1-50 bytes, no
// spaces, no leading ':'.
func isValidNick(nick string) bool {
	if len(nick) == 0 || len(nick) > maxNickLength {
		return false
	}
	if strings.ContainsAny(nick, " \t") {
		return false
	}
	if strings.HasPrefix(nick, ":") {
		return false
	}
	return true
}

// isValidChannelName reports whether name satisfies spec §3: begins
// with '#' or '&', 1-200 bytes total, no comma, no spaces.
func isValidChannelName(name string) bool {
	if len(name) == 0 || len(name) > 200 {
		return false
	}
	if name[0] != '#' && name[0] != '&' {
		return false
	}
	if strings.ContainsAny(name, ", \t") {
		return false
	}
	return true
}

// ipv4Dotted renders a host-byte-order IPv4 address as dotted quad
// text, for WHOIS replies (spec §4.f).
func ipv4Dotted(addr uint32) string {
	b := [4]byte{
		byte(addr >> 24),
		byte(addr >> 16),
		byte(addr >> 8),
		byte(addr),
	}
	parts := make([]string, 4)
	for i, v := range b {
		parts[i] = strconv.Itoa(int(v))
	}
	return strings.Join(parts, ".")
}
