package porygon

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCreateRequiresLiveOwner(t *testing.T) {
	cr := newTestRegistry()
	sm := NewSessionManager(cr)

	_, err := sm.Create("ghost", nil, time.Minute)
	assert.True(t, errors.Is(err, ErrConnectionNotFound))
}

func TestOnlyOwnerMayCommandSession(t *testing.T) {
	cr := newTestRegistry()
	sm := NewSessionManager(cr)
	connectFake(t, cr, "owner")
	_, memberPush := connectFake(t, cr, "member")

	session, err := sm.Create("owner", []string{"member"}, time.Minute)
	require.NoError(t, err)

	err = sm.Send(session.ID, "member", "announce", "hi")
	assert.True(t, errors.Is(err, ErrNotSessionOwner))
	assert.Zero(t, memberPush.frameCount())

	require.NoError(t, sm.Send(session.ID, "owner", "announce", "hi"))
	require.Eventually(t, func() bool { return memberPush.frameCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "announce", memberPush.decodedFrames(t)[0].Event)

	err = sm.Close(session.ID, "member")
	assert.True(t, errors.Is(err, ErrNotSessionOwner))
	require.NoError(t, sm.Close(session.ID, "owner"))

	_, err = sm.IsOwner(session.ID, "owner")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestSessionSendSkipsGoneMembers(t *testing.T) {
	cr := newTestRegistry()
	sm := NewSessionManager(cr)
	connectFake(t, cr, "owner")
	_, alivePush := connectFake(t, cr, "alive")
	connectFake(t, cr, "doomed")

	session, err := sm.Create("owner", []string{"alive", "doomed"}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, cr.Disconnect("doomed"))

	require.NoError(t, sm.Send(session.ID, "owner", "update", 1))
	require.Eventually(t, func() bool { return alivePush.frameCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSessionExpiresAfterLifetime(t *testing.T) {
	cr := newTestRegistry()
	sm := NewSessionManager(cr)
	connectFake(t, cr, "owner")

	session, err := sm.Create("owner", nil, 30*time.Millisecond)
	require.NoError(t, err)

	isOwner, err := sm.IsOwner(session.ID, "owner")
	require.NoError(t, err)
	assert.True(t, isOwner)

	require.Eventually(t, func() bool {
		_, err := sm.IsOwner(session.ID, "owner")
		return errors.Is(err, ErrSessionNotFound)
	}, time.Second, 5*time.Millisecond)

	err = sm.Send(session.ID, "owner", "late", nil)
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestOwnerDisconnectTearsDownSession(t *testing.T) {
	cr := newTestRegistry()
	sm := NewSessionManager(cr)
	connectFake(t, cr, "owner")
	_, memberPush := connectFake(t, cr, "member")

	session, err := sm.Create("owner", []string{"member"}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, cr.Disconnect("owner"))

	// The dead owner's id must not command the session anymore.
	err = sm.Send(session.ID, "owner", "poke", nil)
	assert.True(t, errors.Is(err, ErrSessionNotFound))
	assert.True(t, errors.Is(sm.Close(session.ID, "owner"), ErrSessionNotFound))
	assert.Zero(t, memberPush.frameCount())
	assert.True(t, cr.IsLocalActive("member"))
}

func TestMemberDisconnectLeavesSessionUp(t *testing.T) {
	cr := newTestRegistry()
	sm := NewSessionManager(cr)
	connectFake(t, cr, "owner")
	connectFake(t, cr, "member")

	session, err := sm.Create("owner", []string{"member"}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, cr.Disconnect("member"))

	isOwner, err := sm.IsOwner(session.ID, "owner")
	require.NoError(t, err)
	assert.True(t, isOwner)
}

func TestOwnerConnectionTracksSessionID(t *testing.T) {
	cr := newTestRegistry()
	sm := NewSessionManager(cr)
	conn, _ := connectFake(t, cr, "owner")

	session, err := sm.Create("owner", nil, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, session.ID, conn.SessionID())

	require.NoError(t, sm.Close(session.ID, "owner"))
	assert.Empty(t, conn.SessionID())
}

func TestClosingSessionLeavesMemberConnectionsOpen(t *testing.T) {
	cr := newTestRegistry()
	sm := NewSessionManager(cr)
	connectFake(t, cr, "owner")
	connectFake(t, cr, "member")

	session, err := sm.Create("owner", []string{"member"}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, sm.Close(session.ID, "owner"))

	assert.True(t, cr.IsLocalActive("member"))
	assert.True(t, cr.IsLocalActive("owner"))
}
