//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/common/errclass/errclass.go
//

// Package errclass classifies network errors into the errno-style labels a
// branch reports in the errClass field of its structured logs.
package errclass

import (
	"context"
	"errors"
	"net"
)

// Well-known classification strings. These are the values New returns; they
// are stable and safe to match on in logs or tests.
const (
	EADDRNOTAVAIL   = "EADDRNOTAVAIL"
	EADDRINUSE      = "EADDRINUSE"
	ECANCELED       = "ECANCELED"
	ECONNABORTED    = "ECONNABORTED"
	ECONNREFUSED    = "ECONNREFUSED"
	ECONNRESET      = "ECONNRESET"
	EGENERIC        = "EGENERIC"
	EHOSTUNREACH    = "EHOSTUNREACH"
	EINTR           = "EINTR"
	EINVAL          = "EINVAL"
	ENETDOWN        = "ENETDOWN"
	ENETUNREACH     = "ENETUNREACH"
	ENOBUFS         = "ENOBUFS"
	ENOTCONN        = "ENOTCONN"
	EPROTONOSUPPORT = "EPROTONOSUPPORT"
	ETIMEDOUT       = "ETIMEDOUT"
)

// New classifies err into one of the constants above, or "" for a nil error.
//
// The classification walks three layers in order: context errors (canceled,
// deadline exceeded), net package sentinels (net.ErrClosed), and finally the
// platform errno embedded in a *net.OpError via errors.Is against the
// per-platform table in unix.go/windows.go. Anything else falls back to
// EGENERIC so callers always get a non-empty class for a non-nil error.
func New(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.Canceled) {
		return ECANCELED
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ETIMEDOUT
	}
	if errors.Is(err, net.ErrClosed) {
		return ECONNABORTED
	}

	switch {
	case errors.Is(err, errEADDRNOTAVAIL):
		return EADDRNOTAVAIL
	case errors.Is(err, errEADDRINUSE):
		return EADDRINUSE
	case errors.Is(err, errECONNABORTED):
		return ECONNABORTED
	case errors.Is(err, errECONNREFUSED):
		return ECONNREFUSED
	case errors.Is(err, errECONNRESET):
		return ECONNRESET
	case errors.Is(err, errEHOSTUNREACH):
		return EHOSTUNREACH
	case errors.Is(err, errEINTR):
		return EINTR
	case errors.Is(err, errEINVAL):
		return EINVAL
	case errors.Is(err, errENETDOWN):
		return ENETDOWN
	case errors.Is(err, errENETUNREACH):
		return ENETUNREACH
	case errors.Is(err, errENOBUFS):
		return ENOBUFS
	case errors.Is(err, errENOTCONN):
		return ENOTCONN
	case errors.Is(err, errEPROTONOSUPPORT):
		return EPROTONOSUPPORT
	case errors.Is(err, errETIMEDOUT):
		return ETIMEDOUT
	}

	return EGENERIC
}
