// SPDX-License-Identifier: GPL-3.0-or-later

package yogi

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// wireMagic is the 4-byte prefix ("YOGI") that opens every advertisement
// frame and every info-exchange header (§6).
var wireMagic = [4]byte{'Y', 'O', 'G', 'I'}

// VersionMajor and VersionMinor are the wire protocol version advertised in
// every advertisement frame and info message header. A peer whose major
// version differs is incompatible (§4.5, §4.6); a differing minor version
// is accepted.
const (
	VersionMajor uint8 = 1
	VersionMinor uint8 = 0
)

// LocalBranchInfo describes this branch to peers: the fields announced in
// the info exchange (§6) plus the local-only fields (advertising address,
// interface list) that never leave the process.
//
// LocalBranchInfo is created once at branch construction and never mutated
// afterward; C7/C6 hold it read-only.
type LocalBranchInfo struct {
	UUID                  uuid.UUID
	Name                  string
	Description           string
	NetName               string
	Path                  string
	Hostname              string
	PID                   uint32
	TCPServerPort         uint16
	AdvertisingAddress    string
	AdvertisingPort       uint16
	AdvertisingInterfaces []string
	StartTime             time.Time
	Timeout               time.Duration
	AdvertisingInterval   time.Duration
	GhostMode             bool
	TxQueueSize           int
	RxQueueSize           int
}

// Validate checks the invariants §3 assigns to LocalBranchInfo, returning
// [ErrInvalidParam] on the first violation found.
func (i *LocalBranchInfo) Validate() *Error {
	if i.Name == "" {
		return NewError(ErrInvalidParam, "name must not be empty")
	}
	if i.NetName == "" {
		return NewError(ErrInvalidParam, "net_name must not be empty")
	}
	if i.Path == "" || i.Path[0] != '/' {
		return NewError(ErrInvalidParam, "path must start with '/'")
	}
	if !i.GhostMode && i.AdvertisingInterval < time.Millisecond {
		return NewError(ErrInvalidParam, "advertising_interval must be >= 1ms unless ghost mode")
	}
	if i.Timeout < time.Millisecond {
		return NewError(ErrInvalidParam, "timeout must be >= 1ms")
	}
	return nil
}

// RemoteBranchInfo is the peer descriptor parsed from an info message
// during the handshake (§3); it carries the LocalBranchInfo fields the info
// body transmits (not the advertising address and port, interface list,
// ghost mode, or queue sizes), plus TCPServerHost taken from the peer
// address and ConnectedSince, set once the session starts.
//
// RemoteBranchInfo adds ConnectedSince beyond the wire schema, tracking
// the branch-connection lifecycle for diagnostics as an additive field on
// top of §6's required keys.
type RemoteBranchInfo struct {
	UUID                uuid.UUID
	Name                string
	Description         string
	NetName             string
	Path                string
	Hostname            string
	PID                 uint32
	TCPServerHost       string
	TCPServerPort       uint16
	StartTime           time.Time
	Timeout             time.Duration
	AdvertisingInterval time.Duration
	ConnectedSince      time.Time
}

// Advertisement is the fixed-size frame a branch multicasts to announce
// itself (§3, §6): magic(4) | version_major(1) | version_minor(1) | uuid(16) | tcp_port(2).
const AdvertisementSize = 4 + 1 + 1 + 16 + 2

// EncodeAdvertisement renders the 24-byte advertisement frame for uuid and
// tcpPort, in network byte order.
func EncodeAdvertisement(id uuid.UUID, tcpPort uint16) []byte {
	buf := make([]byte, AdvertisementSize)
	copy(buf[0:4], wireMagic[:])
	buf[4] = VersionMajor
	buf[5] = VersionMinor
	copy(buf[6:22], id[:])
	binary.BigEndian.PutUint16(buf[22:24], tcpPort)
	return buf
}

// DecodedAdvertisement is the parsed form of a received advertisement.
type DecodedAdvertisement struct {
	VersionMajor uint8
	VersionMinor uint8
	UUID         uuid.UUID
	TCPPort      uint16
}

// DecodeAdvertisement parses buf as an advertisement frame.
//
// A length other than [AdvertisementSize] or a mismatched magic are both
// reported as [ErrInvalidMagicPrefix]; per §4.5/E6, callers must drop such
// frames silently and keep accepting subsequent well-formed frames from the
// same sender.
func DecodeAdvertisement(buf []byte) (DecodedAdvertisement, *Error) {
	if len(buf) != AdvertisementSize {
		return DecodedAdvertisement{}, NewError(ErrInvalidMagicPrefix, "wrong frame size")
	}
	if !bytes.Equal(buf[0:4], wireMagic[:]) {
		return DecodedAdvertisement{}, NewError(ErrInvalidMagicPrefix, "bad magic")
	}
	var id uuid.UUID
	copy(id[:], buf[6:22])
	return DecodedAdvertisement{
		VersionMajor: buf[4],
		VersionMinor: buf[5],
		UUID:         id,
		TCPPort:      binary.BigEndian.Uint16(buf[22:24]),
	}, nil
}

// EncodeInfoMessage renders the info-exchange message for info (§6): a
// magic/version/body-size header followed by the field body.
func EncodeInfoMessage(info *LocalBranchInfo) []byte {
	body := encodeInfoBody(info)

	header := make([]byte, 4+1+1+1+4)
	copy(header[0:4], wireMagic[:])
	header[4] = VersionMajor
	header[5] = VersionMinor
	header[6] = 0 // version_patch, not otherwise tracked by this module
	binary.BigEndian.PutUint32(header[7:11], uint32(len(body)))

	return append(header, body...)
}

func encodeInfoBody(info *LocalBranchInfo) []byte {
	var buf bytes.Buffer
	buf.Write(info.UUID[:])
	writeLenPrefixedString(&buf, info.Name)
	writeLenPrefixedString(&buf, info.Description)
	writeLenPrefixedString(&buf, info.NetName)
	writeLenPrefixedString(&buf, info.Path)
	writeLenPrefixedString(&buf, info.Hostname)
	writeUint32(&buf, info.PID)
	writeUint16(&buf, info.TCPServerPort)
	writeInt64(&buf, info.StartTime.UnixNano())
	writeInt64(&buf, int64(info.Timeout))
	writeInt64(&buf, int64(info.AdvertisingInterval))
	return buf.Bytes()
}

// InfoHeaderSize is the fixed-size portion of an info message preceding
// the body: magic(4) | major(1) | minor(1) | patch(1) | body_size(4).
const InfoHeaderSize = 4 + 1 + 1 + 1 + 4

// DecodedInfoHeader is the parsed fixed-size prefix of an info message.
type DecodedInfoHeader struct {
	VersionMajor uint8
	VersionMinor uint8
	VersionPatch uint8
	BodySize     uint32
}

// DecodeInfoHeader parses the fixed InfoHeaderSize-byte prefix of an info
// message, validating the magic and returning the body size to read next.
func DecodeInfoHeader(buf []byte) (DecodedInfoHeader, *Error) {
	if len(buf) != InfoHeaderSize {
		return DecodedInfoHeader{}, NewError(ErrInvalidMagicPrefix, "wrong header size")
	}
	if !bytes.Equal(buf[0:4], wireMagic[:]) {
		return DecodedInfoHeader{}, NewError(ErrInvalidMagicPrefix, "bad magic")
	}
	return DecodedInfoHeader{
		VersionMajor: buf[4],
		VersionMinor: buf[5],
		VersionPatch: buf[6],
		BodySize:     binary.BigEndian.Uint32(buf[7:11]),
	}, nil
}

// DecodeInfoBody parses body (sized according to a prior [DecodedInfoHeader])
// into a [RemoteBranchInfo]. remoteHost comes from the transport's
// observed peer address, not the body itself; the TCP server port is read
// from the body, which carries the port the sender listens on but no
// address.
func DecodeInfoBody(body []byte, remoteHost string) (*RemoteBranchInfo, *Error) {
	r := bytes.NewReader(body)

	var id uuid.UUID
	if n, err := r.Read(id[:]); err != nil || n != 16 {
		return nil, NewError(ErrDeserializeMsgFailed, "short uuid")
	}

	name, err := readLenPrefixedString(r)
	if err != nil {
		return nil, err
	}
	description, err := readLenPrefixedString(r)
	if err != nil {
		return nil, err
	}
	netName, err := readLenPrefixedString(r)
	if err != nil {
		return nil, err
	}
	path, err := readLenPrefixedString(r)
	if err != nil {
		return nil, err
	}
	hostname, err := readLenPrefixedString(r)
	if err != nil {
		return nil, err
	}
	pid, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	tcpPort, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	startNanos, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	timeoutNanos, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	advertisingIntervalNanos, err := readInt64(r)
	if err != nil {
		return nil, err
	}

	return &RemoteBranchInfo{
		UUID:                id,
		Name:                name,
		Description:         description,
		NetName:             netName,
		Path:                path,
		Hostname:            hostname,
		PID:                 pid,
		TCPServerHost:       remoteHost,
		TCPServerPort:       tcpPort,
		StartTime:           time.Unix(0, startNanos).UTC(),
		Timeout:             time.Duration(timeoutNanos),
		AdvertisingInterval: time.Duration(advertisingIntervalNanos),
	}, nil
}

func writeLenPrefixedString(buf *bytes.Buffer, s string) {
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(s)))
	buf.Write(length[:])
	buf.WriteString(s)
}

func readLenPrefixedString(r *bytes.Reader) (string, *Error) {
	n, err := readUint16(r)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	b := make([]byte, n)
	if rn, ioErr := r.Read(b); ioErr != nil || rn != int(n) {
		return "", NewError(ErrDeserializeMsgFailed, "short string")
	}
	return string(b), nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func readUint16(r *bytes.Reader) (uint16, *Error) {
	var b [2]byte
	if n, err := r.Read(b[:]); err != nil || n != 2 {
		return 0, NewError(ErrDeserializeMsgFailed, "short uint16")
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(r *bytes.Reader) (uint32, *Error) {
	var b [4]byte
	if n, err := r.Read(b[:]); err != nil || n != 4 {
		return 0, NewError(ErrDeserializeMsgFailed, "short uint32")
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func readInt64(r *bytes.Reader) (int64, *Error) {
	var b [8]byte
	if n, err := r.Read(b[:]); err != nil || n != 8 {
		return 0, NewError(ErrDeserializeMsgFailed, "short int64")
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

// infoJSON builds the JSON-ready map for Branch.GetInfo / RemoteBranchInfo
// views (§6's schema). advertisingAddress is empty for remote branches,
// matching "remote-branch variant omits advertising_address".
func infoJSON(
	id uuid.UUID, name, description, netName, path, hostname string, pid uint32,
	advertisingAddress string, advertisingPort uint16, advertisingInterval time.Duration,
	tcpServerAddress string, tcpServerPort uint16, startTime time.Time, timeout time.Duration,
) map[string]any {
	m := map[string]any{
		"uuid":                 id.String(),
		"name":                 name,
		"description":          description,
		"net_name":             netName,
		"path":                 path,
		"hostname":             hostname,
		"pid":                  pid,
		"advertising_interval": advertisingInterval.Seconds(),
		"tcp_server_address":   tcpServerAddress,
		"tcp_server_port":      tcpServerPort,
		"start_time":           startTime.UTC().Format("2006-01-02T15:04:05.000000000Z"),
		"timeout":              timeout.Seconds(),
	}
	if advertisingAddress != "" {
		m["advertising_address"] = advertisingAddress
		m["advertising_port"] = advertisingPort
	}
	return m
}
