// SPDX-License-Identifier: GPL-3.0-or-later

package yogi

import (
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/google/uuid"
)

// DefaultAdvertisingAddress is the well-known IPv6 link-local multicast
// group a branch advertises to when the caller does not override it.
const DefaultAdvertisingAddress = "ff02::8000:2439"

// DefaultAdvertisingPort is the well-known UDP port advertisements use
// when the caller does not override it (§4.9).
const DefaultAdvertisingPort uint16 = 13531

// DefaultAdvertisingInterval is used when a caller passes 0, which the ABI
// documents as "use default" (§9's first open question).
const DefaultAdvertisingInterval = time.Second

// advertisingSender periodically multicasts the fixed-size advertisement
// frame (§3, §6) on every configured interface. Ghost-mode branches never
// start a sender (§4.5).
type advertisingSender struct {
	uuid      uuid.UUID
	tcpPort   uint16
	address   string
	port      uint16
	interval  time.Duration
	ifaces    []net.Interface
	logger    SLogger
	errCls    ErrClassifier
	conn      net.PacketConn
	groupAddr net.Addr
}

// newAdvertisingSender opens the socket used for sending and resolves the
// outbound interfaces named by ifaceNames (all multicast-capable interfaces
// if empty); each send selects the interface before writing.
func newAdvertisingSender(id uuid.UUID, tcpPort uint16, address string, port uint16, interval time.Duration, ifaceNames []string, logger SLogger, errCls ErrClassifier) (*advertisingSender, *Error) {
	ifaces, err := resolveInterfaces(ifaceNames)
	if err != nil {
		return nil, err
	}

	network := udpNetworkFor(address)
	conn, dialErr := net.ListenPacket(network, net.JoinHostPort(wildcardFor(network), "0"))
	if dialErr != nil {
		return nil, WrapError(ErrOpenSocketFailed, "", dialErr)
	}

	groupAddr, resolveErr := net.ResolveUDPAddr(network, net.JoinHostPort(address, portString(port)))
	if resolveErr != nil {
		conn.Close()
		return nil, WrapError(ErrInvalidParam, "advertising_address", resolveErr)
	}

	if interval <= 0 {
		interval = DefaultAdvertisingInterval
	}

	return &advertisingSender{
		uuid:      id,
		tcpPort:   tcpPort,
		address:   address,
		port:      port,
		interval:  interval,
		ifaces:    ifaces,
		logger:    logger,
		errCls:    errCls,
		conn:      conn,
		groupAddr: groupAddr,
	}, nil
}

// run sends one advertisement per interval until stop is closed. Missed
// ticks are not backfilled (§4.5): the loop simply waits for the next full
// interval tick.
func (s *advertisingSender) run(stop <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sendOnce()
		}
	}
}

func (s *advertisingSender) sendOnce() {
	frame := EncodeAdvertisement(s.uuid, s.tcpPort)

	if ip := net.ParseIP(s.address); ip != nil && ip.To4() == nil {
		pc := ipv6.NewPacketConn(s.conn)
		for _, iface := range s.ifaces {
			if err := pc.SetMulticastInterface(&iface); err != nil {
				continue
			}
			s.conn.WriteTo(frame, s.groupAddr)
		}
		return
	}

	pc := ipv4.NewPacketConn(s.conn)
	for _, iface := range s.ifaces {
		if err := pc.SetMulticastInterface(&iface); err != nil {
			continue
		}
		s.conn.WriteTo(frame, s.groupAddr)
	}
}

func (s *advertisingSender) close() error {
	return s.conn.Close()
}

// DiscoveredObserver is invoked for every accepted advertisement (§4.5):
// observer(uuid, tcp_endpoint).
type DiscoveredObserver func(id uuid.UUID, tcpHost string, tcpPort uint16)

// IncompatibleVersionObserver is invoked at most once per remote UUID
// when a major-version mismatch is detected (§4.5).
type IncompatibleVersionObserver func(id uuid.UUID)

// advertisingReceiver binds to the advertising port on every requested
// interface, joins the multicast group, and loops reads, filtering and
// dispatching advertisements per §4.5's rules.
type advertisingReceiver struct {
	ownUUID uuid.UUID
	address string
	port    uint16

	logger SLogger
	errCls ErrClassifier

	onDiscovered          DiscoveredObserver
	onIncompatibleVersion IncompatibleVersionObserver

	mu                  sync.Mutex
	warnedIncompatible  map[uuid.UUID]bool
	interfaceErrorCount map[string]int
	disabled            bool

	ifaces []net.Interface
	conn   net.PacketConn
}

func newAdvertisingReceiver(ownUUID uuid.UUID, address string, port uint16, ifaceNames []string, logger SLogger, errCls ErrClassifier,
	onDiscovered DiscoveredObserver, onIncompatibleVersion IncompatibleVersionObserver) (*advertisingReceiver, *Error) {

	ifaces, err := resolveInterfaces(ifaceNames)
	if err != nil {
		return nil, err
	}

	network := udpNetworkFor(address)
	conn, listenErr := net.ListenPacket(network, net.JoinHostPort(wildcardFor(network), portString(port)))
	if listenErr != nil {
		return nil, WrapError(ErrBindSocketFailed, "", listenErr)
	}

	group := net.ParseIP(address)
	if group == nil {
		conn.Close()
		return nil, NewError(ErrInvalidParam, "advertising_address")
	}

	// A join failure marks that interface unhealthy right away; the
	// receiver still runs on whatever interfaces joined successfully.
	interfaceErrorCount := map[string]int{}
	joinGroup := func(iface *net.Interface) error {
		if group.To4() == nil {
			return ipv6.NewPacketConn(conn).JoinGroup(iface, &net.UDPAddr{IP: group})
		}
		return ipv4.NewPacketConn(conn).JoinGroup(iface, &net.UDPAddr{IP: group})
	}
	for i := range ifaces {
		if err := joinGroup(&ifaces[i]); err != nil {
			interfaceErrorCount[ifaces[i].Name] = interfaceDisableThreshold
			logger.Info("advertisingJoinGroupFailed",
				slog.String("interface", ifaces[i].Name),
				slog.Any("err", err),
				slog.String("errClass", errCls.Classify(err)))
		}
	}

	return &advertisingReceiver{
		ownUUID:               ownUUID,
		address:               address,
		port:                  port,
		logger:                logger,
		errCls:                errCls,
		onDiscovered:          onDiscovered,
		onIncompatibleVersion: onIncompatibleVersion,
		warnedIncompatible:    map[uuid.UUID]bool{},
		interfaceErrorCount:   interfaceErrorCount,
		ifaces:                ifaces,
		conn:                  conn,
	}, nil
}

// interfaceDisableThreshold is how many consecutive read (or join) errors
// permanently disable an interface (§4.5).
const interfaceDisableThreshold = 2

// interfaceHealth reports, per joined interface, whether advertisements
// are still being received on it: false once the interface failed to join
// the group or the receive loop hit the consecutive-error threshold.
func (r *advertisingReceiver) interfaceHealth() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.ifaces))
	for _, iface := range r.ifaces {
		out[iface.Name] = !r.disabled && r.interfaceErrorCount[iface.Name] < interfaceDisableThreshold
	}
	return out
}

func (r *advertisingReceiver) markDisabled() {
	r.mu.Lock()
	r.disabled = true
	r.mu.Unlock()
}

// run reads advertisements until stop is closed or the socket is disabled
// after two consecutive read errors (§4.5).
func (r *advertisingReceiver) run(stop <-chan struct{}) {
	buf := make([]byte, AdvertisementSize+1)
	consecutiveErrors := 0
	for {
		select {
		case <-stop:
			return
		default:
		}

		r.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if isTimeoutErr(err) {
				consecutiveErrors = 0
				continue
			}
			consecutiveErrors++
			r.logger.Info("advertisingReceiveError", slog.Any("err", err), slog.String("errClass", r.errCls.Classify(err)))
			if consecutiveErrors >= interfaceDisableThreshold {
				r.logger.Info("advertisingInterfaceDisabled")
				r.markDisabled()
				return
			}
			continue
		}
		consecutiveErrors = 0
		r.handlePacket(buf[:n], addr)
	}
}

func (r *advertisingReceiver) handlePacket(buf []byte, addr net.Addr) {
	decoded, err := DecodeAdvertisement(buf)
	if err != nil {
		return // mismatched magic/size: drop silently (§4.5, E6)
	}
	if decoded.UUID == r.ownUUID {
		return // loopback suppression (§8 property 4)
	}
	if decoded.VersionMajor != VersionMajor {
		r.mu.Lock()
		alreadyWarned := r.warnedIncompatible[decoded.UUID]
		r.warnedIncompatible[decoded.UUID] = true
		r.mu.Unlock()
		if !alreadyWarned && r.onIncompatibleVersion != nil {
			r.onIncompatibleVersion(decoded.UUID)
		}
		return
	}

	host, _, _ := net.SplitHostPort(addr.String())
	if host == "" {
		if udpAddr, ok := addr.(*net.UDPAddr); ok {
			host = udpAddr.IP.String()
		}
	}
	if r.onDiscovered != nil {
		r.onDiscovered(decoded.UUID, host, decoded.TCPPort)
	}
}

func (r *advertisingReceiver) close() error {
	return r.conn.Close()
}

func resolveInterfaces(names []string) ([]net.Interface, *Error) {
	if len(names) == 0 {
		all, err := net.Interfaces()
		if err != nil {
			return nil, WrapError(ErrJoinMulticastGroupFailed, "enumerate interfaces", err)
		}
		var multicastCapable []net.Interface
		for _, iface := range all {
			if iface.Flags&net.FlagMulticast != 0 && iface.Flags&net.FlagUp != 0 {
				multicastCapable = append(multicastCapable, iface)
			}
		}
		return multicastCapable, nil
	}
	var out []net.Interface
	for _, name := range names {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, WrapError(ErrJoinMulticastGroupFailed, name, err)
		}
		out = append(out, *iface)
	}
	return out, nil
}

func udpNetworkFor(address string) string {
	if ip := net.ParseIP(address); ip != nil && ip.To4() != nil {
		return "udp4"
	}
	return "udp6"
}

func wildcardFor(network string) string {
	if network == "udp4" {
		return "0.0.0.0"
	}
	return "::"
}

func portString(port uint16) string {
	return strconv.Itoa(int(port))
}
