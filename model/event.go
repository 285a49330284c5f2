// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package model

// EventKind names a state-change notification delivered to observers
type EventKind string

const (
	EventConnected     EventKind = "connected"
	EventIncomingCall  EventKind = "incoming_call"
	EventCallInitiated EventKind = "call_initiated"
	EventCallStatus    EventKind = "call_status"
	EventAuthStatus    EventKind = "auth_status"
)

// Event is published once and never stored. Payload is JSON-encodable.
type Event struct {
	Kind    EventKind `json:"event"`
	Payload any       `json:"payload"`
}

// NewEvent creates a new event, substituting an empty payload for nil
func NewEvent(kind EventKind, payload any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		Kind:    kind,
		Payload: payload,
	}
}

// CallInitiatedPayload is published when the carrier acknowledges the agent leg.
type CallInitiatedPayload struct {
	SID        SID        `json:"sid"`
	To         string     `json:"to"`
	Customer   string     `json:"customer"`
	SessionID  string     `json:"session_id"`
	AuthMethod AuthMethod `json:"auth_method"`
}

// IncomingCallPayload is published when the carrier reports an inbound call.
type IncomingCallPayload struct {
	SID       SID    `json:"sid"`
	From      string `json:"from"`
	To        string `json:"to"`
	Which     string `json:"which"`
	SessionID string `json:"session_id"`
}

// CallStatusPayload is published for every leg status transition.
type CallStatusPayload struct {
	SID       SID        `json:"sid"`
	Status    CallStatus `json:"status"`
	Role      LegRole    `json:"role"`
	SessionID string     `json:"session_id"`
	From      string     `json:"from,omitempty"`
	To        string     `json:"to,omitempty"`
	Timestamp string     `json:"timestamp,omitempty"`
	Bridged   bool       `json:"bridged"`
}
