// SPDX-License-Identifier: GPL-3.0-or-later

package yogi

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodeError(t *testing.T) {
	assert.Equal(t, "PasswordMismatch", ErrPasswordMismatch.Error())
	assert.Equal(t, "ErrorCode(-1000)", ErrorCode(-1000).Error())
}

func TestErrorIs(t *testing.T) {
	err := NewError(ErrPasswordMismatch, "bad password")

	assert.True(t, errors.Is(err, ErrPasswordMismatch))
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := WrapError(ErrRwSocketFailed, "write frame", cause)

	require.Equal(t, cause, errors.Unwrap(err))
	assert.True(t, errors.Is(err, cause))
}

func TestErrorMessage(t *testing.T) {
	bare := NewError(ErrTimeout, "")
	assert.Equal(t, "Timeout", bare.Error())

	withDetail := NewError(ErrTimeout, "accept deadline")
	assert.Equal(t, "Timeout: accept deadline", withDetail.Error())
}
