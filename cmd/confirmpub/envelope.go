package main

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const envelopeContentType = "application/vnd.masstransit+json"

// AuditEvent is the domain event published by the demo.
type AuditEvent struct {
	CustomerID      *uuid.UUID     `json:"customerId,omitempty"`
	UserID          *uuid.UUID     `json:"userId,omitempty"`
	EventType       string         `json:"eventType"`
	EventParams     map[string]any `json:"eventParams,omitempty"`
	DateTime        time.Time      `json:"dateTime"`
	ClientIP        string         `json:"clientIp,omitempty"`
	TargetID        string         `json:"targetId,omitempty"`
	TargetName      string         `json:"targetName,omitempty"`
	TargetType      string         `json:"targetType,omitempty"`
	ChildTargetID   string         `json:"childTargetId,omitempty"`
	ChildTargetName string         `json:"childTargetName,omitempty"`
	ChildTargetType string         `json:"childTargetType,omitempty"`
	Details         any            `json:"details,omitempty"`
}

// Envelope wraps an event the way MassTransit consumers expect it.
type Envelope struct {
	MessageID          uuid.UUID         `json:"messageId"`
	ConversationID     uuid.UUID         `json:"conversationId"`
	SourceAddress      string            `json:"sourceAddress"`
	DestinationAddress string            `json:"destinationAddress"`
	MessageType        []string          `json:"messageType"`
	Message            any               `json:"message"`
	SentTime           time.Time         `json:"sentTime"`
	Headers            map[string]string `json:"headers"`
	Host               Host              `json:"host"`
}

// Host describes the sending process.
type Host struct {
	MachineName            string `json:"machineName"`
	ProcessName            string `json:"processName"`
	ProcessID              int    `json:"processId"`
	Assembly               string `json:"assembly"`
	AssemblyVersion        string `json:"assemblyVersion"`
	FrameworkVersion       string `json:"frameworkVersion"`
	MassTransitVersion     string `json:"massTransitVersion"`
	OperatingSystemVersion string `json:"operatingSystemVersion"`
}

func currentHost() Host {
	hostname, _ := os.Hostname()
	return Host{
		MachineName:            hostname,
		ProcessName:            "confirmpub",
		ProcessID:              os.Getpid(),
		Assembly:               "confirmpub",
		AssemblyVersion:        version,
		FrameworkVersion:       runtime.Version(),
		OperatingSystemVersion: runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// newEnvelope addresses event to exchange on the broker at brokerHost.
func newEnvelope(brokerHost, exchange string, event any, host Host, now time.Time) Envelope {
	return Envelope{
		MessageID:          uuid.New(),
		ConversationID:     uuid.New(),
		SourceAddress:      fmt.Sprintf("rabbitmq://%s/%s_%s", brokerHost, host.MachineName, host.ProcessName),
		DestinationAddress: fmt.Sprintf("rabbitmq://%s/%s", brokerHost, exchange),
		MessageType:        []string{"urn:message:" + exchange},
		Message:            event,
		SentTime:           now.UTC(),
		Headers:            map[string]string{},
		Host:               host,
	}
}

func (e Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshalling envelope %s: %w", e.MessageID, err)
	}
	return b, nil
}

type fieldChange struct {
	FieldName string `json:"fieldName"`
	OldValue  string `json:"oldValue"`
	NewValue  string `json:"newValue"`
}

type fieldChanges struct {
	Type  string        `json:"__type"`
	Value []fieldChange `json:"value"`
}

// sampleEvent returns the audit event published by the demo.
func sampleEvent(now time.Time) AuditEvent {
	customerID := uuid.MustParse("bf2c4c7c-8b73-4a7c-a789-4a92684372bd")
	userID := uuid.MustParse("b1fb51a7-c13f-4cbf-832b-304348c8270e")

	return AuditEvent{
		CustomerID: &customerID,
		UserID:     &userID,
		EventType:  "person_modified",
		DateTime:   now.UTC(),
		TargetID:   "a72ca84edd9a421f89aca2652d961d5f",
		TargetName: "Carol Cooper",
		TargetType: "PersonEntity",
		Details: fieldChanges{
			Type: "AuditEventFieldChanges",
			Value: []fieldChange{{
				FieldName: "PersonCreatedDtm",
				OldValue:  "2019-03-27T09:02:37.098Z",
				NewValue:  "2019-03-27T11:24:51.605Z",
			}},
		},
	}
}
