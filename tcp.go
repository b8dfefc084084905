// SPDX-License-Identifier: GPL-3.0-or-later

package yogi

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/safeconn"
)

// Acceptor wraps a [net.Listener] with a cancelable, deadline-governed
// Accept, mirroring the way [*ConnectFunc] wraps [Dialer.DialContext] for
// the outbound side (§4.4).
type Acceptor struct {
	Listener      net.Listener
	ErrClassifier ErrClassifier
	Logger        SLogger
	TimeNow       func() time.Time
}

// NewAcceptor binds a TCP listener on address and returns an [*Acceptor]
// ready to accept. address may be "host:0" to pick an ephemeral port; the
// bound address is available via Acceptor.Listener.Addr().
func NewAcceptor(address string, cfg *Config, logger SLogger) (*Acceptor, *Error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, WrapError(ErrListenSocketFailed, address, err)
	}
	return &Acceptor{
		Listener:      ln,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}, nil
}

// Accept blocks until a connection arrives, ctx is done, or deadline
// elapses, whichever comes first. On timeout it returns [ErrTimeout]; on
// context cancellation, [ErrCanceled].
func (a *Acceptor) Accept(ctx context.Context, deadline time.Time) (net.Conn, *Error) {
	if !deadline.IsZero() {
		type deadliner interface{ SetDeadline(time.Time) error }
		if d, ok := a.Listener.(deadliner); ok {
			d.SetDeadline(deadline)
		}
	}

	t0 := a.TimeNow()
	a.logAcceptStart(t0, deadline)

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := a.Listener.Accept()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		a.logAcceptDone(t0, deadline, r.conn, r.err)
		if r.err != nil {
			if isTimeoutErr(r.err) {
				return nil, NewError(ErrTimeout, "")
			}
			return nil, WrapError(ErrAcceptSocketFailed, "", r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		a.logAcceptDone(t0, deadline, nil, ctx.Err())
		return nil, NewError(ErrCanceled, "")
	}
}

// Close shuts the acceptor's listener down; any accept blocked in Accept
// unblocks with an error.
func (a *Acceptor) Close() error {
	return a.Listener.Close()
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	t, ok := err.(timeouter)
	return ok && t.Timeout()
}

func (a *Acceptor) logAcceptStart(t0, deadline time.Time) {
	a.Logger.Info(
		"acceptStart",
		slog.Time("deadline", deadline),
		slog.String("localAddr", a.Listener.Addr().String()),
		slog.String("protocol", "tcp"),
		slog.Time("t", t0),
	)
}

func (a *Acceptor) logAcceptDone(t0, deadline time.Time, conn net.Conn, err error) {
	a.Logger.Info(
		"acceptDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", a.ErrClassifier.Classify(err)),
		slog.String("localAddr", a.Listener.Addr().String()),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t0", t0),
		slog.Time("t", a.TimeNow()),
	)
}

// ConnectWithDeadline dials addrPort over TCP using connect, governed by a
// deadline applied to ctx, reproducing §4.4's "connection-scoped deadline;
// cancelable" contract on top of [*ConnectFunc]. The dial is expressed as
// an endpoint-injection pipeline, the same shape longer pipelines such as
// the handshake use.
func ConnectWithDeadline(ctx context.Context, connect *ConnectFunc, addrPort netip.AddrPort, deadline time.Time) (net.Conn, *Error) {
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	dial := Compose2[Unit, netip.AddrPort, net.Conn](NewEndpointFunc(addrPort), connect)
	conn, err := dial.Call(ctx, Unit{})
	if err != nil {
		if ctx.Err() != nil {
			if deadline.IsZero() {
				return nil, NewError(ErrCanceled, "")
			}
			return nil, NewError(ErrTimeout, "")
		}
		return nil, WrapError(ErrConnectSocketFailed, addrPort.String(), err)
	}
	return conn, nil
}
