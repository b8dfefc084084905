// SPDX-License-Identifier: GPL-3.0-or-later

package errclass

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewNilError(t *testing.T) {
	assert.Equal(t, "", New(nil))
}

func TestNewContextErrors(t *testing.T) {
	assert.Equal(t, ECANCELED, New(context.Canceled))
	assert.Equal(t, ETIMEDOUT, New(context.DeadlineExceeded))
}

func TestNewNetErrClosed(t *testing.T) {
	assert.Equal(t, ECONNABORTED, New(net.ErrClosed))
}

func TestNewFallsBackToGeneric(t *testing.T) {
	assert.Equal(t, EGENERIC, New(errors.New("some unclassified failure")))
}

func TestNewWrappedContextError(t *testing.T) {
	wrapped := errors.Join(errors.New("dial failed"), context.DeadlineExceeded)
	assert.Equal(t, ETIMEDOUT, New(wrapped))
}
