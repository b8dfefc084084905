// SPDX-License-Identifier: GPL-3.0-or-later

// Package yogi implements a branch: a process that joins a self-discovering
// mesh of peers on a local network and exchanges broadcast messages with them.
//
// # Core Abstraction
//
// Connection establishment and the handshake that follows it are expressed
// as composable steps built on a single interface:
//
//	type Func[A, B any] interface {
//		Call(ctx context.Context, input A) (B, error)
//	}
//
// Each Func represents an atomic operation with exactly one success mode and
// one failure mode. This design enables type-safe composition via [Compose2],
// [Compose3], etc., where the compiler verifies that outputs match inputs
// across pipeline stages. The handshake in handshake.go threads a
// *handshakeState value through a chain of such steps: exchange branch info,
// send and verify the authentication challenge, then hand the connection off
// to the session layer.
//
// # Available Primitives
//
// Connection establishment:
//   - [ConnectFunc]: dials a remote branch's TCP server endpoint
//   - [ObserveConnFunc]: observes connections for logging I/O operations
//   - [CancelWatchFunc]: closes connection on context cancellation (for responsive ^C handling)
//
// Composition utilities:
//   - [Compose2] through [Compose8]: chain Funcs into pipelines
//   - [FuncAdapter]: wrap a function as a Func for ad-hoc custom behavior
//   - [ConstFunc]: lift a pure value into a Func
//   - [NewEndpointFunc]: inject the dial target endpoint into a connect pipeline
//
// # Branch Anatomy
//
// A [Branch] is assembled from four cooperating pieces:
//
//   - An advertiser and receiver (advertisement.go) that periodically send
//     and listen for UDP multicast advertisements announcing the branch's
//     UUID and TCP server port on every configured network interface.
//   - A TCP acceptor and a connector (tcp.go), both feeding candidate
//     connections into the handshake (handshake.go), which exchanges branch
//     info, authenticates with a shared password hash, and on success hands
//     the connection to a session (session.go).
//   - A [connectionManager] (connectionmanager.go) that deduplicates
//     connections to the same remote branch using the UUID tie-break rule,
//     maintains the connection table, and fans out branch events.
//   - A [broadcastManager] (broadcast.go) layered on top of the connection
//     table that sends a message to every connected branch and lets callers
//     await the next message from any of them.
//
// # Connection Lifecycle
//
// Dial and accept operations ([ConnectFunc], the TCP acceptor) create
// connections and transfer ownership to the handshake on success. On error,
// they close the connection. Once a session starts, the [connectionManager]
// owns the connection until it is closed, either because the remote branch
// disconnected, a heartbeat was missed, or the branch itself is shutting down.
//
// # Observability
//
// All primitives support structured logging via [SLogger] (compatible with [log/slog]).
//
// By default, logging is disabled. Set the Logger field to a custom [*slog.Logger]
// to enable logging. Error classification is configurable via [ErrClassifier]; by
// default, [DefaultErrClassifier] maps errors to short socket-error-family labels.
//
// Primitives emit two kinds of structured log events:
//
//   - Span events (*Start/*Done pairs): Record operation lifecycle including
//     timing and success/failure. Used for latency analysis and error tracking.
//
//   - Wire observations (e.g., branchInfoSent/branchInfoReceived): Capture
//     protocol-level messages for debugging a mesh that refuses to converge.
//
// The [SLogger] interface accepts any slog-compatible handler, enabling flexible
// post-processing. Handlers can filter, transform, or route events as needed.
//
// Span events carry t (timestamp), protocol, and whichever of localAddr and
// remoteAddr are known when the event is emitted. Completion events (*Done) additionally include t0 (start
// time), err, and errClass. I/O-level events (read, write, deadline changes)
// are emitted at [slog.LevelDebug]; all other events use [slog.LevelInfo].
//
// Use [NewSpanID] to generate a unique, time-ordered identifier (UUIDv7) for each
// operation, then attach it to the logger with [*slog.Logger.With]. All log entries
// from that operation will share the same spanID, enabling correlation across
// a connection's handshake and session.
//
// # Timeout and Context Philosophy
//
// This package is context-transparent: operations never modify the context they receive.
// The caller controls timeouts externally via [context.WithTimeout], [context.WithDeadline],
// or [signal.NotifyContext]. When the context is done (timeout, cancel, or signal),
// operations fail and the pipeline is interrupted.
//
// Connection lifecycle requires [CancelWatchFunc] to bind the context lifecycle to
// the connection: when the context is done, the connection is closed immediately,
// causing any in-progress I/O to fail. This enables responsive ^C handling via
// [signal.NotifyContext] and ensures that blocking I/O respects the context deadline.
//
// IMPORTANT: Without [CancelWatchFunc] in your pipeline, I/O operations may block
// indefinitely even after the context is done. Always include [CancelWatchFunc]
// when composing connection pipelines to ensure proper timeout behavior.
//
// # Design Boundaries
//
// This package intentionally does not provide:
//
//   - Encrypted transport (pair it with a VPN or an isolated network segment)
//   - Message persistence or delivery guarantees beyond a single broadcast
//   - Service discovery beyond the local multicast domain
//
// These concerns are the responsibility of the deployment environment or of
// higher-level packages built on top of a [Branch].
package yogi
