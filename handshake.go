// SPDX-License-Identifier: GPL-3.0-or-later

package yogi

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/runtimex"
	"golang.org/x/crypto/blake2b"
)

// ChallengeSize is the length in bytes of the random challenge each peer
// sends during the handshake (§4.6).
const ChallengeSize = 32

// SolutionSize is the digest length of the hash used for password_hash and
// for solving the peer's challenge (§4.6, §9): blake2b-256, chosen because
// it is already in the dependency closure this module builds on and
// produces a fixed-length digest as the open question requires.
const SolutionSize = blake2b.Size256

// PasswordHash computes the fixed-length digest of password used as
// password_hash (§4.6). The empty password hashes to a well-defined
// constant (blake2b256 of the empty string), resolving §9's open question
// about the empty-password digest.
func PasswordHash(password string) [SolutionSize]byte {
	return blake2b.Sum256([]byte(password))
}

// handshakeState threads the state accumulated across handshake steps
// through a chain of [Func] values, the same way a dial pipeline threads
// a [net.Conn] through [Compose2]..[Compose8].
type handshakeState struct {
	conn         net.Conn
	local        *LocalBranchInfo
	passwordHash [SolutionSize]byte

	remote          *RemoteBranchInfo
	pendingBodySize uint32
	infoWriteErr    chan error

	ourChallenge   [ChallengeSize]byte
	theirChallenge [ChallengeSize]byte
	ourSolution    [SolutionSize]byte
	theirSolution  [SolutionSize]byte

	logger  SLogger
	errCls  ErrClassifier
	timeNow func() time.Time
}

// HandshakeConfig bundles the collaborators the handshake steps need:
// local branch descriptor, password hash, and the ambient logger/error
// classifier/clock every other primitive in this module takes.
type HandshakeConfig struct {
	Local         *LocalBranchInfo
	PasswordHash  [SolutionSize]byte
	ErrClassifier ErrClassifier
	Logger        SLogger
	TimeNow       func() time.Time
}

// RunHandshake executes the full handshake state machine (§4.6 steps 1-6)
// over conn and, on success, returns the parsed [*RemoteBranchInfo] and
// leaves conn open, ready to be handed to [NewMessageTransport] for step
// 7 (session). On any failure conn is closed and a typed [*Error] is
// returned, discriminating the failing step per §4.6's "failure semantics
// map to distinct error kinds".
func RunHandshake(ctx context.Context, conn net.Conn, cfg *HandshakeConfig) (*RemoteBranchInfo, *Error) {
	pipeline := Compose6(
		FuncAdapter[*handshakeState, *handshakeState](sendInfoStep),
		FuncAdapter[*handshakeState, *handshakeState](readInfoHeaderStep),
		FuncAdapter[*handshakeState, *handshakeState](readInfoBodyStep),
		FuncAdapter[*handshakeState, *handshakeState](exchangeChallengeStep),
		FuncAdapter[*handshakeState, *handshakeState](exchangeSolutionStep),
		FuncAdapter[*handshakeState, *handshakeState](verifyStep),
	)

	st := &handshakeState{
		conn:         conn,
		local:        cfg.Local,
		passwordHash: cfg.PasswordHash,
		logger:       cfg.Logger,
		errCls:       cfg.ErrClassifier,
		timeNow:      cfg.TimeNow,
	}

	out, err := pipeline.Call(ctx, st)
	if err != nil {
		conn.Close()
		if yerr, ok := err.(*Error); ok {
			return nil, yerr
		}
		return nil, WrapError(ErrRwSocketFailed, "handshake", err)
	}
	return out.remote, nil
}

// sendInfoStep writes our info concurrently rather than inline: both peers
// execute the handshake symmetrically, so a blocking write here would
// deadlock against the peer's own blocking write on an unbuffered
// transport. The write error is joined in readInfoBodyStep, once the peer
// has necessarily consumed our info.
func sendInfoStep(ctx context.Context, st *handshakeState) (*handshakeState, error) {
	msg := EncodeInfoMessage(st.local)
	st.infoWriteErr = make(chan error, 1)
	go func() {
		_, err := st.conn.Write(msg)
		st.infoWriteErr <- err
	}()
	st.logger.Info("branchInfoSent", slog.String("uuid", st.local.UUID.String()))
	return st, nil
}

func readInfoHeaderStep(ctx context.Context, st *handshakeState) (*handshakeState, error) {
	buf := make([]byte, InfoHeaderSize)
	if _, err := io.ReadFull(st.conn, buf); err != nil {
		return nil, WrapError(ErrRwSocketFailed, "read info header", err)
	}
	header, derr := DecodeInfoHeader(buf)
	if derr != nil {
		return nil, derr
	}
	if header.VersionMajor != VersionMajor {
		return nil, NewError(ErrIncompatibleVersion, "")
	}
	st.pendingBodySize = header.BodySize
	return st, nil
}

func readInfoBodyStep(ctx context.Context, st *handshakeState) (*handshakeState, error) {
	body := make([]byte, st.pendingBodySize)
	if _, err := io.ReadFull(st.conn, body); err != nil {
		return nil, WrapError(ErrRwSocketFailed, "read info body", err)
	}
	// Join the concurrent info write before acting on the peer's info: a
	// failure path that closes the connection must not race the peer's
	// still-in-progress read of our own info.
	if err := <-st.infoWriteErr; err != nil {
		return nil, WrapError(ErrRwSocketFailed, "send info", err)
	}
	host, _, _ := net.SplitHostPort(st.conn.RemoteAddr().String())
	remote, derr := DecodeInfoBody(body, host)
	if derr != nil {
		return nil, derr
	}
	if remote.UUID == st.local.UUID {
		return nil, NewError(ErrLoopbackConnection, "")
	}
	st.remote = remote
	st.logger.Info("branchInfoReceived", slog.String("uuid", remote.UUID.String()))
	return st, nil
}

func exchangeChallengeStep(ctx context.Context, st *handshakeState) (*handshakeState, error) {
	runtimex.PanicOnError1(rand.Read(st.ourChallenge[:]))

	writeErrCh := make(chan error, 1)
	go func() {
		_, err := st.conn.Write(st.ourChallenge[:])
		writeErrCh <- err
	}()

	if _, err := io.ReadFull(st.conn, st.theirChallenge[:]); err != nil {
		<-writeErrCh
		return nil, WrapError(ErrRwSocketFailed, "read challenge", err)
	}
	if err := <-writeErrCh; err != nil {
		return nil, WrapError(ErrRwSocketFailed, "send challenge", err)
	}
	return st, nil
}

func exchangeSolutionStep(ctx context.Context, st *handshakeState) (*handshakeState, error) {
	st.ourSolution = solveChallenge(st.passwordHash, st.theirChallenge)

	var theirSolution [SolutionSize]byte
	writeErrCh := make(chan error, 1)
	go func() {
		_, err := st.conn.Write(st.ourSolution[:])
		writeErrCh <- err
	}()

	if _, err := io.ReadFull(st.conn, theirSolution[:]); err != nil {
		<-writeErrCh
		return nil, WrapError(ErrRwSocketFailed, "read solution", err)
	}
	if err := <-writeErrCh; err != nil {
		return nil, WrapError(ErrRwSocketFailed, "send solution", err)
	}
	st.theirSolution = theirSolution
	return st, nil
}

func verifyStep(ctx context.Context, st *handshakeState) (*handshakeState, error) {
	expected := solveChallenge(st.passwordHash, st.ourChallenge)
	if expected != st.theirSolution {
		return nil, NewError(ErrPasswordMismatch, "")
	}
	return st, nil
}

// solveChallenge computes hash(password_hash || challenge) (§4.6 step 5/6).
func solveChallenge(passwordHash [SolutionSize]byte, challenge [ChallengeSize]byte) [SolutionSize]byte {
	h := runtimex.PanicOnError1(blake2b.New256(nil))
	h.Write(passwordHash[:])
	h.Write(challenge[:])
	var out [SolutionSize]byte
	copy(out[:], h.Sum(nil))
	return out
}
