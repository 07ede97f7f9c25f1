package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJoinCreatesChannelWithFirstMemberAsOperator(t *testing.T) {
	d := NewDirectory()
	d.RegisterConnection(1, 0)

	d.Join(1, "#general")

	ch := d.GetChannel("#general")
	require.NotNil(t, ch)
	m, ok := d.GetMember("#general", 1)
	require.True(t, ok)
	require.True(t, m.Operator)
	require.Equal(t, "#general", d.GetUser(1).JoinedChannel)
}

func TestJoinSecondMemberIsNotOperator(t *testing.T) {
	d := NewDirectory()
	d.RegisterConnection(1, 0)
	d.RegisterConnection(2, 0)
	d.Join(1, "#general")
	d.Join(2, "#general")

	m, ok := d.GetMember("#general", 2)
	require.True(t, ok)
	require.False(t, m.Operator)
}

func TestQuitChannelDestroysEmptyChannel(t *testing.T) {
	d := NewDirectory()
	d.RegisterConnection(1, 0)
	d.Join(1, "#general")

	_, promoted := d.QuitChannel(1, "#general")
	require.False(t, promoted)
	require.Nil(t, d.GetChannel("#general"))
	require.Equal(t, "", d.GetUser(1).JoinedChannel)
}

func TestQuitChannelPromotesWhenOperatorLeaves(t *testing.T) {
	d := NewDirectory()
	d.RegisterConnection(1, 0)
	d.RegisterConnection(2, 0)
	d.Join(1, "#general")
	d.Join(2, "#general")

	promotedID, promoted := d.QuitChannel(1, "#general")
	require.True(t, promoted)
	require.Equal(t, uint64(2), promotedID)

	m, ok := d.GetMember("#general", 2)
	require.True(t, ok)
	require.True(t, m.Operator)

	ch := d.GetChannel("#general")
	require.True(t, ch.HasOperator())
}

func TestQuitChannelDoesNotPromoteWhenOperatorRemains(t *testing.T) {
	d := NewDirectory()
	d.RegisterConnection(1, 0)
	d.RegisterConnection(2, 0)
	d.RegisterConnection(3, 0)
	d.Join(1, "#general")
	d.Join(2, "#general")
	d.Join(3, "#general")

	_, promoted := d.QuitChannel(2, "#general")
	require.False(t, promoted)

	m1, _ := d.GetMember("#general", 1)
	require.True(t, m1.Operator)
}

func TestRemoveConnectionRejectsStillJoined(t *testing.T) {
	d := NewDirectory()
	d.RegisterConnection(1, 0)
	d.Join(1, "#general")

	err := d.RemoveConnection(1)
	require.Error(t, err)
	require.NotNil(t, d.GetUser(1))
}

func TestRemoveConnectionSucceedsOnceClear(t *testing.T) {
	d := NewDirectory()
	d.RegisterConnection(1, 0)
	d.Join(1, "#general")
	d.QuitChannel(1, "#general")

	require.NoError(t, d.RemoveConnection(1))
	require.Nil(t, d.GetUser(1))
}

func TestUserByNickIsCaseInsensitive(t *testing.T) {
	d := NewDirectory()
	d.RegisterConnection(1, 0)
	d.GetUser(1).Nick = "Alice"

	found := d.UserByNick(canonicalizeNick("alice"))
	require.NotNil(t, found)
	require.Equal(t, uint64(1), found.ID)
}

func TestMuteAndUnmute(t *testing.T) {
	d := NewDirectory()
	d.RegisterConnection(1, 0)
	d.RegisterConnection(2, 0)
	d.Join(1, "#general")
	d.Join(2, "#general")

	require.True(t, d.Mute("#general", 2))
	m, _ := d.GetMember("#general", 2)
	require.True(t, m.Muted)

	require.True(t, d.Unmute("#general", 2))
	m, _ = d.GetMember("#general", 2)
	require.False(t, m.Muted)

	require.False(t, d.Mute("#general", 99))
}

func TestBroadcastReachesEveryMember(t *testing.T) {
	d := NewDirectory()
	d.RegisterConnection(1, 0)
	d.RegisterConnection(2, 0)
	d.Join(1, "#general")
	d.Join(2, "#general")

	var got []uint64
	d.Broadcast("#general", "hello", func(id uint64, line string) {
		got = append(got, id)
		require.Equal(t, "hello", line)
	})

	require.ElementsMatch(t, []uint64{1, 2}, got)
}
