package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeRequest_Dedupe(t *testing.T) {
	req := SubscribeRequest{Channels: []string{"b", "a", "", "b", "c", "a"}}
	assert.Equal(t, []string{"b", "a", "c"}, req.Dedupe())
	assert.Empty(t, SubscribeRequest{}.Dedupe())
}

func TestCloseReason(t *testing.T) {
	assert.Equal(t, "missing token", CloseReason(CloseMissingToken))
	assert.Equal(t, "invalid token", CloseReason(CloseInvalidToken))
	assert.Equal(t, "identity not found", CloseReason(CloseIdentityNotFound))
	assert.Equal(t, "internal error", CloseReason(CloseInternalError))
	assert.Empty(t, CloseReason(1000))
}

func TestNewHello_WireShape(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 500, time.FixedZone("x", 3600))

	raw, err := json.Marshal(NewHello(now))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"hello","eventVersion":1,"serverTime":"2024-03-01T11:00:00.0000005Z"}`, string(raw))
}

func TestNewNotice_WireShape(t *testing.T) {
	raw, err := json.Marshal(NewNotice(NoticeTooManyChannels))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"system.notice","reason":"too_many_channels"}`, string(raw))
}
