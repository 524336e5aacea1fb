package channel

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusError(t *testing.T) {
	t.Parallel()

	err := StatusError(WhatsApp, 503, strings.Repeat("x", 300))
	assert.True(t, err.Transient)
	assert.Equal(t, 503, err.StatusCode)
	assert.Contains(t, err.Error(), "whatsapp: status 503")
	assert.Less(t, len(err.Error()), 320)

	assert.False(t, StatusError(SMS, 400, "bad").Transient)
	assert.True(t, StatusError(SMS, 429, "slow down").Transient)
}

func TestTransportErrorUnwraps(t *testing.T) {
	t.Parallel()

	err := TransportError(SMS, context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var chErr *Error
	assert.True(t, errors.As(error(err), &chErr))
	assert.Equal(t, SMS, chErr.Channel)
	assert.Equal(t, "sms: context deadline exceeded", err.Error())
}
