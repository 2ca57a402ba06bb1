package service

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftline/realtime/src/hub"
	"github.com/shiftline/realtime/src/protocol"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	verifier := hub.TokenVerifierFunc(func(token string) (hub.Identity, error) {
		return hub.Identity{}, errors.New("invalid token")
	})
	h := hub.New(verifier, zerolog.Nop())
	go h.Run()
	t.Cleanup(func() { h.Stop() })
	return New(h, zerolog.Nop())
}

func TestPublishChangeValidEvent(t *testing.T) {
	svc := newTestService(t)

	err := svc.PublishChange(protocol.ChangeEvent{
		Entity:    protocol.EntityLeaveRequests,
		EventType: protocol.EventInsert,
		EntityID:  "lr-1",
		Payload:   json.RawMessage(`{"id":"lr-1","userId":"u-1","startDate":"2026-09-01","endDate":"2026-09-05","status":"pending"}`),
	})
	require.NoError(t, err)
}

func TestPublishChangeRejectsUnknownEntity(t *testing.T) {
	svc := newTestService(t)

	err := svc.PublishChange(protocol.ChangeEvent{
		Entity:    "invoices",
		EventType: protocol.EventInsert,
		EntityID:  "inv-1",
		Payload:   json.RawMessage(`{"id":"inv-1"}`),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrUnknownEntity)
}

func TestPublishChangeRejectsMalformedPayload(t *testing.T) {
	svc := newTestService(t)

	err := svc.PublishChange(protocol.ChangeEvent{
		Entity:    protocol.EntityTasks,
		EventType: protocol.EventUpdate,
		EntityID:  "t-1",
		Payload:   json.RawMessage(`"just a string"`),
	})
	require.Error(t, err)
}

func TestGetClientInfoUnknownClient(t *testing.T) {
	svc := newTestService(t)

	info, err := svc.GetClientInfo("no-such-client")
	require.Error(t, err)
	assert.Nil(t, info)
}

func TestStatsStartEmpty(t *testing.T) {
	svc := newTestService(t)

	assert.Empty(t, svc.GetConnectedClients())
	assert.Empty(t, svc.GetConversations())
	assert.Empty(t, svc.GetFeedSubscribers())
}
