package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeMarshal(t *testing.T) {
	now := time.Date(2022, 10, 26, 14, 26, 51, 975000000, time.UTC)
	host := Host{MachineName: "pollux", ProcessName: "confirmpub", ProcessID: 95317}
	exchange := "Vendeq.Api.Common.Messages:AuditEvent"

	env := newEnvelope("localhost", exchange, sampleEvent(now), host, now)
	body, err := env.Marshal()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))

	assert.Equal(t, env.MessageID.String(), decoded["messageId"])
	assert.Equal(t, "rabbitmq://localhost/"+exchange, decoded["destinationAddress"])
	assert.Equal(t, "rabbitmq://localhost/pollux_confirmpub", decoded["sourceAddress"])
	assert.Equal(t, []any{"urn:message:" + exchange}, decoded["messageType"])
	assert.Equal(t, "2022-10-26T14:26:51.975Z", decoded["sentTime"])

	message, ok := decoded["message"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "person_modified", message["eventType"])
	assert.Equal(t, "bf2c4c7c-8b73-4a7c-a789-4a92684372bd", message["customerId"])
	assert.NotContains(t, message, "clientIp")
	assert.NotContains(t, message, "eventParams")
	assert.NotContains(t, message, "childTargetId")

	details, ok := message["details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "AuditEventFieldChanges", details["__type"])
}

func TestEnvelopeUniqueIDs(t *testing.T) {
	now := time.Now()
	a := newEnvelope("localhost", "x", sampleEvent(now), currentHost(), now)
	b := newEnvelope("localhost", "x", sampleEvent(now), currentHost(), now)

	assert.NotEqual(t, a.MessageID, b.MessageID)
	assert.NotEqual(t, a.ConversationID, b.ConversationID)
}
