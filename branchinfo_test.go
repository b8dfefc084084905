// SPDX-License-Identifier: GPL-3.0-or-later

package yogi

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvertisementSizeIsFixed(t *testing.T) {
	buf := EncodeAdvertisement(uuid.New(), 12345)
	assert.Len(t, buf, 24)
	assert.Equal(t, 24, AdvertisementSize)
}

func TestAdvertisementRoundTrip(t *testing.T) {
	id := uuid.New()
	buf := EncodeAdvertisement(id, 54321)

	decoded, err := DecodeAdvertisement(buf)
	require.Nil(t, err)
	assert.Equal(t, id, decoded.UUID)
	assert.Equal(t, uint16(54321), decoded.TCPPort)
	assert.Equal(t, VersionMajor, decoded.VersionMajor)
	assert.Equal(t, VersionMinor, decoded.VersionMinor)
}

func TestDecodeAdvertisementRejectsWrongSize(t *testing.T) {
	_, err := DecodeAdvertisement([]byte{1, 2, 3})
	require.NotNil(t, err)
	assert.Equal(t, ErrInvalidMagicPrefix, err.Code)
}

func TestDecodeAdvertisementRejectsBadMagic(t *testing.T) {
	buf := EncodeAdvertisement(uuid.New(), 1)
	buf[0] = 'X'

	_, err := DecodeAdvertisement(buf)
	require.NotNil(t, err)
	assert.Equal(t, ErrInvalidMagicPrefix, err.Code)
}

func TestLocalBranchInfoValidate(t *testing.T) {
	valid := &LocalBranchInfo{
		Name: "probe", NetName: "home", Path: "/probe",
		Timeout: time.Second, AdvertisingInterval: time.Second,
	}
	require.Nil(t, valid.Validate())

	missingName := &LocalBranchInfo{NetName: "home", Path: "/probe", Timeout: time.Second, AdvertisingInterval: time.Second}
	err := missingName.Validate()
	require.NotNil(t, err)
	assert.Equal(t, ErrInvalidParam, err.Code)

	badPath := &LocalBranchInfo{Name: "probe", NetName: "home", Path: "probe", Timeout: time.Second, AdvertisingInterval: time.Second}
	err = badPath.Validate()
	require.NotNil(t, err)
	assert.Equal(t, ErrInvalidParam, err.Code)
}

func TestLocalBranchInfoGhostModeAllowsZeroInterval(t *testing.T) {
	info := &LocalBranchInfo{
		Name: "probe", NetName: "home", Path: "/probe",
		Timeout: time.Second, AdvertisingInterval: 0, GhostMode: true,
	}
	assert.Nil(t, info.Validate())
}

func TestInfoMessageRoundTrip(t *testing.T) {
	local := &LocalBranchInfo{
		UUID:                uuid.New(),
		Name:                "alice",
		Description:         "test branch",
		NetName:             "home",
		Path:                "/alice",
		Hostname:            "host1",
		PID:                 4242,
		TCPServerPort:       9000,
		StartTime:           time.Unix(1700000000, 0).UTC(),
		Timeout:             5 * time.Second,
		AdvertisingInterval: 2 * time.Second,
	}

	msg := EncodeInfoMessage(local)

	header, err := DecodeInfoHeader(msg[:InfoHeaderSize])
	require.Nil(t, err)
	assert.Equal(t, VersionMajor, header.VersionMajor)
	assert.Equal(t, int(header.BodySize), len(msg)-InfoHeaderSize)

	remote, err := DecodeInfoBody(msg[InfoHeaderSize:], "192.168.1.5")
	require.Nil(t, err)
	assert.Equal(t, local.UUID, remote.UUID)
	assert.Equal(t, local.Name, remote.Name)
	assert.Equal(t, local.Description, remote.Description)
	assert.Equal(t, local.NetName, remote.NetName)
	assert.Equal(t, local.Path, remote.Path)
	assert.Equal(t, local.Hostname, remote.Hostname)
	assert.Equal(t, local.PID, remote.PID)
	assert.Equal(t, local.TCPServerPort, remote.TCPServerPort)
	assert.Equal(t, local.Timeout, remote.Timeout)
	assert.Equal(t, local.AdvertisingInterval, remote.AdvertisingInterval)
	assert.Equal(t, "192.168.1.5", remote.TCPServerHost)
	assert.WithinDuration(t, local.StartTime, remote.StartTime, time.Nanosecond)
}

func TestDecodeInfoBodyRejectsTruncatedBody(t *testing.T) {
	local := &LocalBranchInfo{
		UUID: uuid.New(), Name: "alice", NetName: "home", Path: "/alice",
		Timeout: time.Second, AdvertisingInterval: time.Second,
	}
	body := EncodeInfoMessage(local)[InfoHeaderSize:]

	// Cut mid-UUID, mid-string, and mid-trailing-int64.
	for _, cut := range []int{8, 20, len(body) - 1} {
		_, err := DecodeInfoBody(body[:cut], "10.0.0.1")
		require.NotNil(t, err, "truncation at %d bytes must not decode", cut)
		assert.Equal(t, ErrDeserializeMsgFailed, err.Code)
	}
}

func TestDecodeInfoHeaderRejectsBadMagic(t *testing.T) {
	buf := make([]byte, InfoHeaderSize)
	_, err := DecodeInfoHeader(buf)
	require.NotNil(t, err)
	assert.Equal(t, ErrInvalidMagicPrefix, err.Code)
}

func TestInfoJSONOmitsAdvertisingFieldsForRemote(t *testing.T) {
	m := infoJSON(uuid.New(), "n", "d", "net", "/n", "host", 1, "", 0, time.Second, "10.0.0.1", 9000, time.Now(), time.Second)
	_, ok := m["advertising_address"]
	assert.False(t, ok)

	local := infoJSON(uuid.New(), "n", "d", "net", "/n", "host", 1, "ff02::1", 1234, time.Second, "", 0, time.Now(), time.Second)
	assert.Equal(t, "ff02::1", local["advertising_address"])
	assert.Equal(t, uint16(1234), local["advertising_port"])
}
