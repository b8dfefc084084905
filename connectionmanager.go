// SPDX-License-Identifier: GPL-3.0-or-later

package yogi

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ConnectionState is the per-peer-UUID lifecycle stage tracked by a
// [*connectionManager] (§3).
type ConnectionState int

const (
	StateNone ConnectionState = iota
	StateDiscovered
	StateExchangingInfo
	StateInfoExchanged
	StateAuthenticating
	StateSessionRunning
	StateBlacklisted
	StateFailed
)

// connectionDirection records whether a connection entry originated from
// an accepted inbound socket or a dialed outbound one; the tie-break rule
// (§4.7) only needs to know this plus both UUIDs.
type connectionDirection int

const (
	directionInbound connectionDirection = iota
	directionOutbound
)

// connectionEntry is one row of the connections map (§4.7).
type connectionEntry struct {
	state     ConnectionState
	direction connectionDirection
	remote    *RemoteBranchInfo
	session   *Session
	cancel    context.CancelFunc
}

// tieBreakWinner implements §4.7's simultaneous-connect rule as a pure,
// independently testable function (the original's
// VerifyConnectionHasHigherPriority, named here for what it decides): it
// reports whether the inbound connection for this pair of UUIDs should be
// kept (true) or whether the outbound one should be kept (false). Both
// peers reach the same answer because the comparison is symmetric in the
// two arguments' *roles*, not their values: whichever side observes
// ourUUID < theirUUID keeps its inbound leg.
func tieBreakWinner(ourUUID, theirUUID uuid.UUID) bool {
	return bytes.Compare(ourUUID[:], theirUUID[:]) < 0
}

// connectionManager is the per-branch orchestrator of §4.7: it owns the
// acceptor, the advertising sender/receiver pair, the connections map, and
// the pending-connects and blacklist sets.
type connectionManager struct {
	local  *LocalBranchInfo
	cfg    *Config
	logger SLogger

	acceptor *Acceptor
	sender   *advertisingSender
	receiver *advertisingReceiver

	mu               sync.Mutex
	connections      map[uuid.UUID]*connectionEntry
	pendingConnects  map[uuid.UUID]bool
	blacklistedUUIDs map[uuid.UUID]bool

	events *eventRegistration

	broadcastHandler func(uuid.UUID, []byte)

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	passwordHash [SolutionSize]byte
}

// newConnectionManager constructs the manager without starting any
// network activity; [*connectionManager.Start] opens the acceptor and the
// advertising sockets.
func newConnectionManager(local *LocalBranchInfo, cfg *Config, passwordHash [SolutionSize]byte, logger SLogger) *connectionManager {
	return &connectionManager{
		local:            local,
		cfg:              cfg,
		logger:           logger,
		connections:      map[uuid.UUID]*connectionEntry{},
		pendingConnects:  map[uuid.UUID]bool{},
		blacklistedUUIDs: map[uuid.UUID]bool{},
		events:           &eventRegistration{},
		passwordHash:     passwordHash,
	}
}

// Start opens the TCP acceptor and the advertising sender/receiver and
// launches their loops under one [errgroup.Group], mirroring the way the
// teacher's composed pipelines fail fast as a unit: [*connectionManager.Stop]
// tears all three down together.
func (m *connectionManager) Start() *Error {
	acceptor, err := NewAcceptor(net.JoinHostPort("", "0"), m.cfg, m.logger)
	if err != nil {
		return err
	}
	m.acceptor = acceptor

	if tcpAddr, ok := acceptor.Listener.Addr().(*net.TCPAddr); ok {
		m.local.TCPServerPort = uint16(tcpAddr.Port)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.ctx = ctx
	m.cancel = cancel
	group, _ := errgroup.WithContext(ctx)
	m.group = group

	if !m.local.GhostMode {
		sender, err := newAdvertisingSender(
			m.local.UUID, m.local.TCPServerPort, m.local.AdvertisingAddress, m.local.AdvertisingPort,
			m.local.AdvertisingInterval, m.local.AdvertisingInterfaces, m.logger, m.cfg.ErrClassifier)
		if err != nil {
			acceptor.Close()
			return err
		}
		m.sender = sender
	}

	receiver, err := newAdvertisingReceiver(
		m.local.UUID, m.local.AdvertisingAddress, m.local.AdvertisingPort, m.local.AdvertisingInterfaces,
		m.logger, m.cfg.ErrClassifier, m.onBranchDiscovered, m.onIncompatibleVersion)
	if err != nil {
		acceptor.Close()
		if m.sender != nil {
			m.sender.close()
		}
		return err
	}
	m.receiver = receiver

	stop := ctx.Done()
	group.Go(func() error { m.acceptLoop(ctx); return nil })
	if m.sender != nil {
		group.Go(func() error { m.sender.run(stop); return nil })
	}
	group.Go(func() error { m.receiver.run(stop); return nil })

	return nil
}

// Stop cancels every connection-manager goroutine, closes the acceptor and
// advertising sockets, and closes every live session.
func (m *connectionManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.acceptor != nil {
		m.acceptor.Close()
	}
	if m.sender != nil {
		m.sender.close()
	}
	if m.receiver != nil {
		m.receiver.close()
	}

	m.mu.Lock()
	entries := make([]*connectionEntry, 0, len(m.connections))
	for _, e := range m.connections {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		if e.cancel != nil {
			e.cancel()
		}
	}

	if m.group != nil {
		m.group.Wait()
	}
}

func (m *connectionManager) acceptLoop(ctx context.Context) {
	for {
		conn, err := m.acceptor.Accept(ctx, time.Time{})
		if err != nil {
			return
		}
		go m.runHandshakeConn(conn, directionInbound)
	}
}

// onBranchDiscovered implements the outbound flow of §4.7.
func (m *connectionManager) onBranchDiscovered(id uuid.UUID, host string, port uint16) {
	if id == m.local.UUID {
		return
	}

	m.mu.Lock()
	switch {
	case m.blacklistedUUIDs[id]:
		m.mu.Unlock()
		return
	case m.connections[id] != nil && m.connections[id].state == StateSessionRunning:
		m.mu.Unlock()
		return
	case m.pendingConnects[id]:
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.dispatch(BranchEvent{Kind: EventBranchDiscovered, UUID: id, Details: map[string]any{
		"tcp_server_address": host, "tcp_server_port": port,
	}})

	// Ghost branches observe and report discovery but never dial out.
	if m.local.GhostMode {
		return
	}

	m.mu.Lock()
	m.pendingConnects[id] = true
	m.mu.Unlock()

	addrPort, parseErr := netip.ParseAddrPort(net.JoinHostPort(host, portString(port)))
	if parseErr != nil {
		m.mu.Lock()
		delete(m.pendingConnects, id)
		m.mu.Unlock()
		return
	}

	go m.dialAndHandshake(id, addrPort)
}

func (m *connectionManager) onIncompatibleVersion(id uuid.UUID) {
	m.dispatch(BranchEvent{
		Kind: EventBranchDiscovered, UUID: id,
		Result: NewError(ErrIncompatibleVersion, ""),
	})
}

func (m *connectionManager) dialAndHandshake(id uuid.UUID, addrPort netip.AddrPort) {
	defer func() {
		m.mu.Lock()
		delete(m.pendingConnects, id)
		m.mu.Unlock()
	}()

	connectFn := NewConnectFunc(m.cfg, "tcp", m.logger)
	deadline := m.cfg.TimeNow().Add(m.local.Timeout)
	conn, err := ConnectWithDeadline(m.ctx, connectFn, addrPort, deadline)
	if err != nil {
		m.dispatch(BranchEvent{Kind: EventConnectFinished, UUID: id, Result: err})
		return
	}
	m.runHandshakeConn(conn, directionOutbound)
}

func (m *connectionManager) runHandshakeConn(conn net.Conn, direction connectionDirection) {
	hctx, cancel := context.WithTimeout(m.ctx, m.local.Timeout)
	defer cancel()

	// Observe every handshake I/O for debug logging. The watcher closing
	// this connection must outlive the handshake's own time-boxed hctx,
	// so it watches the manager's long-lived ctx instead: otherwise the
	// deferred cancel above would close a connection that just became a
	// live session.
	observed, obsErr := NewObserveConnFunc(m.cfg, m.logger).Call(hctx, conn)
	if obsErr == nil {
		conn = observed
	}
	watched, watchErr := NewCancelWatchFunc().Call(m.ctx, conn)
	if watchErr == nil {
		conn = watched
	}

	remote, err := RunHandshake(hctx, conn, &HandshakeConfig{
		Local:         m.local,
		PasswordHash:  m.passwordHash,
		ErrClassifier: m.cfg.ErrClassifier,
		Logger:        m.logger,
		TimeNow:       m.cfg.TimeNow,
	})
	if err != nil {
		m.dispatch(BranchEvent{Kind: EventConnectFinished, Result: err})
		return
	}

	m.finalizeConnection(conn, direction, remote)
}

// finalizeConnection applies the tie-break and post-handshake checks of
// §4.7 and, on success, starts the session.
func (m *connectionManager) finalizeConnection(conn net.Conn, direction connectionDirection, remote *RemoteBranchInfo) {
	id := remote.UUID

	m.mu.Lock()
	if m.blacklistedUUIDs[id] {
		m.mu.Unlock()
		conn.Close()
		m.dispatch(BranchEvent{Kind: EventConnectFinished, UUID: id, Result: NewError(ErrCanceled, "blacklisted")})
		return
	}

	if existing, ok := m.connections[id]; ok && existing.state == StateSessionRunning {
		keepInbound := tieBreakWinner(m.local.UUID, id)
		newIsWinner := (keepInbound && direction == directionInbound) || (!keepInbound && direction == directionOutbound)
		if !newIsWinner {
			m.mu.Unlock()
			conn.Close()
			m.dispatch(BranchEvent{Kind: EventConnectFinished, UUID: id, Result: NewError(ErrCanceled, "lost tie-break")})
			return
		}
		if existing.cancel != nil {
			existing.cancel()
		}
	}

	if err := m.postHandshakeChecks(id, remote); err != nil {
		m.blacklistedUUIDs[id] = true
		m.mu.Unlock()
		conn.Close()
		m.dispatch(BranchEvent{Kind: EventConnectFinished, UUID: id, Result: err})
		return
	}

	remote.ConnectedSince = m.cfg.TimeNow()
	transport := NewMessageTransport(conn, m.local.TxQueueSize, m.local.RxQueueSize, m.logger, m.cfg.ErrClassifier)
	sessionCtx, sessionCancel := context.WithCancel(m.ctx)

	var session *Session
	session = NewSession(transport, m.local.Timeout,
		func(msg Message) { m.handleSessionMessage(id, msg) },
		func(cause *Error) { m.onSessionLost(id, session, cause) })

	m.connections[id] = &connectionEntry{
		state:     StateSessionRunning,
		direction: direction,
		remote:    remote,
		session:   session,
		cancel:    sessionCancel,
	}
	m.mu.Unlock()

	go session.Run(sessionCtx)
	m.startReceiveLoop(sessionCtx, transport, session)

	// BranchQueried carries the descriptor obtained from the handshake's
	// authenticated info exchange and precedes ConnectFinished, matching
	// the discovered -> queried -> connected event order observers expect.
	m.dispatch(BranchEvent{Kind: EventBranchQueried, UUID: id, Details: remoteBranchInfoJSON(remote)})
	m.dispatch(BranchEvent{Kind: EventConnectFinished, UUID: id, Details: map[string]any{"net_name": remote.NetName}})
}

// postHandshakeChecks validates net_name, path, and name uniqueness (§4.7).
func (m *connectionManager) postHandshakeChecks(id uuid.UUID, remote *RemoteBranchInfo) *Error {
	if remote.NetName != m.local.NetName {
		return NewError(ErrNetNameMismatch, "")
	}
	for otherID, entry := range m.connections {
		if otherID == id || entry.remote == nil {
			continue
		}
		if entry.remote.Path == remote.Path {
			return NewError(ErrDuplicateBranchPath, "")
		}
		if entry.remote.Name == remote.Name {
			return NewError(ErrDuplicateBranchName, "")
		}
	}
	if remote.Path == "" || remote.Path[0] != '/' {
		return NewError(ErrInvalidParam, "path")
	}
	return nil
}

func (m *connectionManager) startReceiveLoop(ctx context.Context, transport *MessageTransport, session *Session) {
	go func() {
		buf := make([]byte, m.local.RxQueueSize)
		for {
			result := <-transport.ReceiveAsync(ctx, buf)
			if result.Err != nil {
				session.Close(result.Err)
				return
			}
			frame := make([]byte, result.N)
			copy(frame, buf[:result.N])
			session.HandleFrame(frame)
		}
	}()
}

func (m *connectionManager) handleSessionMessage(id uuid.UUID, msg Message) {
	if msg.Type != MessageBroadcast {
		return
	}
	m.mu.Lock()
	handler := m.broadcastHandler
	m.mu.Unlock()
	if handler != nil {
		handler(id, msg.UserData)
	}
}

// setBroadcastHandler installs the callback that receives every inbound
// broadcast message keyed by sender UUID; [*broadcastManager] calls this
// once during construction.
func (m *connectionManager) setBroadcastHandler(fn func(uuid.UUID, []byte)) {
	m.mu.Lock()
	m.broadcastHandler = fn
	m.mu.Unlock()
}

// onSessionLost removes the entry for id only if it still belongs to s: a
// session canceled by a tie-break replacement fires this callback
// asynchronously, after the winning session may already occupy the map
// slot, and must not delete the winner or report it lost.
func (m *connectionManager) onSessionLost(id uuid.UUID, s *Session, cause *Error) {
	m.mu.Lock()
	entry, ok := m.connections[id]
	if !ok || entry.session != s {
		m.mu.Unlock()
		return
	}
	delete(m.connections, id)
	m.mu.Unlock()
	m.dispatch(BranchEvent{Kind: EventConnectionLost, UUID: id, Result: cause})
}

func (m *connectionManager) dispatch(ev BranchEvent) {
	m.events.dispatch(ev)
}

// ConnectedBranches returns a snapshot of every session-running peer as a
// full descriptor map, not merely a count.
func (m *connectionManager) ConnectedBranches() map[uuid.UUID]*RemoteBranchInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]*RemoteBranchInfo, len(m.connections))
	for id, entry := range m.connections {
		if entry.state == StateSessionRunning && entry.remote != nil {
			out[id] = entry.remote
		}
	}
	return out
}

// AdvertisingInterfaceHealth reports, per advertising interface, whether
// the receiver is still accepting advertisements on it. Empty before
// [*connectionManager.Start].
func (m *connectionManager) AdvertisingInterfaceHealth() map[string]bool {
	if m.receiver == nil {
		return map[string]bool{}
	}
	return m.receiver.interfaceHealth()
}

// liveSessions returns the sessions currently running, used by
// [*broadcastManager] to fan broadcasts out.
func (m *connectionManager) liveSessions() map[uuid.UUID]*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]*Session, len(m.connections))
	for id, entry := range m.connections {
		if entry.state == StateSessionRunning {
			out[id] = entry.session
		}
	}
	return out
}

func remoteBranchInfoJSON(r *RemoteBranchInfo) map[string]any {
	return infoJSON(
		r.UUID, r.Name, r.Description, r.NetName, r.Path, r.Hostname, r.PID,
		"", 0, r.AdvertisingInterval,
		r.TCPServerHost, r.TCPServerPort, r.StartTime, r.Timeout,
	)
}
