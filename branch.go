// SPDX-License-Identifier: GPL-3.0-or-later

package yogi

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// BranchConfig extends [Config] with the domain fields a branch needs to
// construct itself, carrying the same "struct of overridable
// collaborators with sane defaults" shape.
type BranchConfig struct {
	Config

	Name        string
	Description string
	NetName     string
	Path        string
	Password    string

	// Logger receives the structured span and wire events emitted by every
	// component the branch owns. Defaults to [DefaultSLogger], which
	// discards everything.
	Logger SLogger

	AdvertisingAddress    string
	AdvertisingPort       uint16
	AdvertisingInterval   time.Duration
	AdvertisingInterfaces []string

	Timeout     time.Duration
	TxQueueSize int
	RxQueueSize int
	GhostMode   bool
}

// DefaultTimeout is the connection timeout used when a [BranchConfig]
// leaves Timeout at its zero value.
const DefaultTimeout = 10 * time.Second

// DefaultQueueSize is the tx/rx queue byte budget used when a
// [BranchConfig] leaves the corresponding field at its zero value.
const DefaultQueueSize = 16 * 1024

// NewBranchConfig returns a [*BranchConfig] with every §4.9 default filled
// in: name "<pid>@<hostname>", net_name the hostname, path "/"+name,
// the well-known advertising address and port, and the ambient
// [Config] defaults ([Dialer], [ErrClassifier], [TimeNow]).
func NewBranchConfig() *BranchConfig {
	hostname, _ := os.Hostname()
	pid := os.Getpid()
	name := fmt.Sprintf("%d@%s", pid, hostname)

	return &BranchConfig{
		Config:              *NewConfig(),
		Logger:              DefaultSLogger(),
		Name:                name,
		NetName:             hostname,
		Path:                "/" + name,
		AdvertisingAddress:  DefaultAdvertisingAddress,
		AdvertisingPort:     DefaultAdvertisingPort,
		AdvertisingInterval: DefaultAdvertisingInterval,
		Timeout:             DefaultTimeout,
		TxQueueSize:         DefaultQueueSize,
		RxQueueSize:         DefaultQueueSize,
	}
}

// Branch is a live participant in a mesh, bound to one [*Context] (§4.9).
// It aggregates a [*connectionManager] (§4.7) and a [*broadcastManager]
// (§4.8) behind the public contract the ABI exposes.
type Branch struct {
	handle Handle
	ctx    *Context
	local  *LocalBranchInfo

	cm *connectionManager
	bm *broadcastManager
}

// NewBranch validates cfg, builds the local branch descriptor, and
// registers the branch in the process-wide handle table, declaring a
// dependency on owner so that owner cannot be destroyed while this branch
// lives (§4.2). It does not start any network activity; call
// [*Branch.Start] for that.
//
// Construction failure returns [ErrInvalidParam] and registers nothing
// (§4.9).
func NewBranch(owner *Context, cfg *BranchConfig) (*Branch, *Error) {
	if cfg == nil {
		cfg = NewBranchConfig()
	}

	advertisingInterval := cfg.AdvertisingInterval
	if advertisingInterval == 0 {
		advertisingInterval = DefaultAdvertisingInterval // §9: 0 means "use default"
	}
	if advertisingInterval < -1 {
		return nil, NewError(ErrInvalidParam, "advertising_interval")
	}
	if advertisingInterval > 0 && advertisingInterval < time.Millisecond && !cfg.GhostMode {
		return nil, NewError(ErrInvalidParam, "advertising_interval")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	// A path still at NewBranchConfig's default follows the configured
	// name, so overriding only Name yields the path "/"+Name (§4.9).
	path := cfg.Path
	if path == "/"+fmt.Sprintf("%d@%s", os.Getpid(), hostnameOrEmpty()) {
		path = "/" + cfg.Name
	}

	local := &LocalBranchInfo{
		UUID:                  uuid.New(),
		Name:                  cfg.Name,
		Description:           cfg.Description,
		NetName:               cfg.NetName,
		Path:                  path,
		Hostname:              hostnameOrEmpty(),
		PID:                   uint32(os.Getpid()),
		AdvertisingAddress:    cfg.AdvertisingAddress,
		AdvertisingPort:       cfg.AdvertisingPort,
		AdvertisingInterfaces: cfg.AdvertisingInterfaces,
		StartTime:             cfg.TimeNow(),
		Timeout:               timeout,
		AdvertisingInterval:   advertisingInterval,
		GhostMode:             cfg.GhostMode,
		TxQueueSize:           cfg.TxQueueSize,
		RxQueueSize:           cfg.RxQueueSize,
	}
	if local.TxQueueSize == 0 {
		local.TxQueueSize = DefaultQueueSize
	}
	if local.RxQueueSize == 0 {
		local.RxQueueSize = DefaultQueueSize
	}

	if verr := local.Validate(); verr != nil {
		return nil, verr
	}

	logger := cfg.Logger
	if logger == nil {
		logger = DefaultSLogger()
	}
	cm := newConnectionManager(local, &cfg.Config, PasswordHash(cfg.Password), logger)
	bm := newBroadcastManager(cm)

	b := &Branch{ctx: owner, local: local, cm: cm, bm: bm}
	b.handle = globalRegistry.register(kindBranch, b)
	globalRegistry.addDependency(owner.Handle(), b.handle)
	return b, nil
}

func hostnameOrEmpty() string {
	h, _ := os.Hostname()
	return h
}

// Handle returns the opaque handle identifying this branch.
func (b *Branch) Handle() Handle {
	return b.handle
}

// Start begins advertising, accepting, and connecting.
func (b *Branch) Start() *Error {
	return b.cm.Start()
}

// Stop tears down every connection, the acceptor, and the advertising
// sockets. It does not destroy the branch's handle; call
// [*Branch.Destroy] for that.
func (b *Branch) Stop() {
	b.cm.Stop()
}

// Destroy stops the branch and removes it from the handle table, failing
// with [ErrObjectStillUsed] if another registered object still depends on
// it (§4.2). Removal prunes the dependency edge on the owning context, so
// the context becomes destroyable once its last branch is gone.
func (b *Branch) Destroy() *Error {
	if err := globalRegistry.destroy(b.handle); err != nil {
		return err
	}
	b.Stop()
	return nil
}

// GetInfo returns this branch's descriptor as the §6 JSON schema.
func (b *Branch) GetInfo() map[string]any {
	return infoJSON(
		b.local.UUID, b.local.Name, b.local.Description, b.local.NetName, b.local.Path, b.local.Hostname, b.local.PID,
		b.local.AdvertisingAddress, b.local.AdvertisingPort, b.local.AdvertisingInterval,
		"", b.local.TCPServerPort, b.local.StartTime, b.local.Timeout,
	)
}

// ConnectedBranches returns a snapshot of currently connected peers'
// descriptors (§4.9, §4 SUPPLEMENTED FEATURES).
func (b *Branch) ConnectedBranches() map[uuid.UUID]*RemoteBranchInfo {
	return b.cm.ConnectedBranches()
}

// AdvertisingInterfaceHealth reports, per advertising interface, whether
// discovery is still receiving on it: an interface drops to false when it
// fails to join the multicast group or after repeated read errors disable
// the receive loop (§4.5's two-consecutive-errors rule, surfaced as a
// diagnostic). Empty before [*Branch.Start].
func (b *Branch) AdvertisingInterfaceHealth() map[string]bool {
	return b.cm.AdvertisingInterfaceHealth()
}

// AwaitEvent arms handler to receive events matching mask; registering a
// new handler cancels any previous one with [ErrCanceled] (§4.7). The
// handler runs on the owning context's task queue and captures only a weak
// reference to this branch: an event still queued when the branch is
// destroyed is delivered with [ErrCanceled] instead of touching dead state.
func (b *Branch) AwaitEvent(mask EventMask, handler EventHandler) {
	weak := newWeakHandle(globalRegistry, b.handle, kindBranch)
	b.cm.events.await(mask, func(ev BranchEvent) {
		b.ctx.Post(func() {
			if _, err := weak.upgrade(); err != nil {
				handler(BranchEvent{Result: err, Kind: ev.Kind, UUID: ev.UUID})
				return
			}
			handler(ev)
		})
	})
}

// CancelAwaitEvent cancels the currently registered event handler, if any.
func (b *Branch) CancelAwaitEvent() {
	b.cm.events.cancel()
}

// SendBroadcast forwards to the underlying [*broadcastManager] (§4.8).
func (b *Branch) SendBroadcast(ctx context.Context, data []byte, block bool) *Error {
	return b.bm.SendBroadcast(ctx, data, block)
}

// SendBroadcastAsync forwards to the underlying [*broadcastManager] (§4.8).
func (b *Branch) SendBroadcastAsync(data []byte, retry bool, handler func(*Error)) OperationId {
	return b.bm.SendBroadcastAsync(data, retry, handler)
}

// CancelSendBroadcast forwards to the underlying [*broadcastManager] (§4.8).
func (b *Branch) CancelSendBroadcast(opID OperationId) {
	b.bm.CancelSendBroadcast(opID)
}

// ReceiveBroadcast forwards to the underlying [*broadcastManager] (§4.8).
func (b *Branch) ReceiveBroadcast(handler func(senderUUID uuid.UUID, data []byte)) {
	b.bm.ReceiveBroadcast(handler)
}
