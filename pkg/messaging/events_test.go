package messaging

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationEnvelope(t *testing.T) {
	n, err := NewNotification(EventSalaryClaimed, PaymentEvent{
		PaymentID: 7,
		Recipient: "alice",
		Amount:    100,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, n.ID)
	assert.Equal(t, EventSalaryClaimed, n.Subject)
	assert.False(t, n.Timestamp.IsZero())

	// The envelope survives a trip through the wire encoding.
	wire, err := json.Marshal(n)
	require.NoError(t, err)
	var decoded Notification
	require.NoError(t, json.Unmarshal(wire, &decoded))

	payment, err := ParseData[PaymentEvent](&decoded)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), payment.PaymentID)
	assert.Equal(t, "alice", payment.Recipient)
	assert.Equal(t, uint64(100), payment.Amount)
}

func TestParseDataRejectsMalformedPayload(t *testing.T) {
	n := &Notification{Data: json.RawMessage(`{"payment_id": "not-a-number"}`)}
	_, err := ParseData[PaymentEvent](n)
	assert.Error(t, err)
}
