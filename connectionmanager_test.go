// SPDX-License-Identifier: GPL-3.0-or-later

package yogi

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTieBreakWinnerIsDeterministicAndSymmetric(t *testing.T) {
	a := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	b := uuid.MustParse("00000000-0000-0000-0000-000000000002")

	// Whichever side observes the smaller UUID as "ours" keeps its inbound leg.
	assert.True(t, tieBreakWinner(a, b))
	assert.False(t, tieBreakWinner(b, a))
}

func TestTieBreakWinnerSameUUIDIsFalse(t *testing.T) {
	id := uuid.New()
	assert.False(t, tieBreakWinner(id, id))
}

func TestOnBranchDiscoveredIgnoresOwnUUID(t *testing.T) {
	local := &LocalBranchInfo{UUID: uuid.New(), Timeout: time.Second}
	m := newConnectionManager(local, NewConfig(), PasswordHash(""), DefaultSLogger())
	m.ctx = context.Background()

	m.onBranchDiscovered(local.UUID, "127.0.0.1", 9000)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.pendingConnects)
}

func TestOnBranchDiscoveredSkipsBlacklisted(t *testing.T) {
	local := &LocalBranchInfo{UUID: uuid.New(), Timeout: time.Second}
	m := newConnectionManager(local, NewConfig(), PasswordHash(""), DefaultSLogger())
	m.ctx = context.Background()

	peer := uuid.New()
	m.blacklistedUUIDs[peer] = true

	m.onBranchDiscovered(peer, "127.0.0.1", 9000)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.pendingConnects)
}

func TestOnBranchDiscoveredSkipsDialingInGhostMode(t *testing.T) {
	local := &LocalBranchInfo{UUID: uuid.New(), Timeout: time.Second, GhostMode: true}
	m := newConnectionManager(local, NewConfig(), PasswordHash(""), DefaultSLogger())
	m.ctx = context.Background()

	m.onBranchDiscovered(uuid.New(), "127.0.0.1", 9000)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.pendingConnects)
}

func TestOnBranchDiscoveredStillReportsDiscoveryInGhostMode(t *testing.T) {
	local := &LocalBranchInfo{UUID: uuid.New(), Timeout: time.Second, GhostMode: true}
	m := newConnectionManager(local, NewConfig(), PasswordHash(""), DefaultSLogger())
	m.ctx = context.Background()

	peer := uuid.New()
	var delivered []EventKind
	m.events.await(EventMask(EventBranchDiscovered), func(ev BranchEvent) {
		delivered = append(delivered, ev.Kind)
	})

	m.onBranchDiscovered(peer, "127.0.0.1", 9000)

	assert.Equal(t, []EventKind{EventBranchDiscovered}, delivered)
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.pendingConnects)
}

func TestOnSessionLostIgnoresSupersededSession(t *testing.T) {
	m := newTestConnectionManager()
	id := uuid.New()

	winner := &Session{closed: make(chan struct{})}
	loser := &Session{closed: make(chan struct{})}

	m.mu.Lock()
	m.connections[id] = &connectionEntry{
		state:   StateSessionRunning,
		session: winner,
		remote:  &RemoteBranchInfo{UUID: id},
	}
	m.mu.Unlock()

	lostEvents := 0
	m.events.await(EventMask(EventConnectionLost), func(ev BranchEvent) { lostEvents++ })

	// The tie-break loser's lost callback fires after the winner already
	// occupies the map slot; it must leave the winner untouched.
	m.onSessionLost(id, loser, NewError(ErrCanceled, ""))

	m.mu.Lock()
	_, stillThere := m.connections[id]
	m.mu.Unlock()
	assert.True(t, stillThere, "a superseded session's lost callback must not delete the winner")
	assert.Equal(t, 0, lostEvents)

	m.onSessionLost(id, winner, NewError(ErrTimeout, ""))

	m.mu.Lock()
	_, stillThere = m.connections[id]
	m.mu.Unlock()
	assert.False(t, stillThere)
	assert.Equal(t, 1, lostEvents)
}

func TestPostHandshakeChecksRejectsNetNameMismatch(t *testing.T) {
	local := &LocalBranchInfo{UUID: uuid.New(), NetName: "home"}
	m := newConnectionManager(local, NewConfig(), PasswordHash(""), DefaultSLogger())

	remote := &RemoteBranchInfo{UUID: uuid.New(), NetName: "office", Path: "/peer"}
	err := m.postHandshakeChecks(remote.UUID, remote)

	require.NotNil(t, err)
	assert.Equal(t, ErrNetNameMismatch, err.Code)
}

func TestPostHandshakeChecksRejectsDuplicatePath(t *testing.T) {
	local := &LocalBranchInfo{UUID: uuid.New(), NetName: "home"}
	m := newConnectionManager(local, NewConfig(), PasswordHash(""), DefaultSLogger())

	existingID := uuid.New()
	m.connections[existingID] = &connectionEntry{
		state:  StateSessionRunning,
		remote: &RemoteBranchInfo{UUID: existingID, NetName: "home", Path: "/shared", Name: "bob"},
	}

	remote := &RemoteBranchInfo{UUID: uuid.New(), NetName: "home", Path: "/shared", Name: "carol"}
	err := m.postHandshakeChecks(remote.UUID, remote)

	require.NotNil(t, err)
	assert.Equal(t, ErrDuplicateBranchPath, err.Code)
}

func TestPostHandshakeChecksRejectsDuplicateName(t *testing.T) {
	local := &LocalBranchInfo{UUID: uuid.New(), NetName: "home"}
	m := newConnectionManager(local, NewConfig(), PasswordHash(""), DefaultSLogger())

	existingID := uuid.New()
	m.connections[existingID] = &connectionEntry{
		state:  StateSessionRunning,
		remote: &RemoteBranchInfo{UUID: existingID, NetName: "home", Path: "/bob", Name: "bob"},
	}

	remote := &RemoteBranchInfo{UUID: uuid.New(), NetName: "home", Path: "/carol", Name: "bob"}
	err := m.postHandshakeChecks(remote.UUID, remote)

	require.NotNil(t, err)
	assert.Equal(t, ErrDuplicateBranchName, err.Code)
}
