// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package model

import (
	"strings"
	"time"
)

// SID represents a carrier-assigned call identifier (CA...)
type SID string

func (s SID) String() string {
	return string(s)
}

// CallStatus represents the current status of a call leg as reported by the carrier
type CallStatus string

const (
	CallQueued     CallStatus = "queued"
	CallInitiated  CallStatus = "initiated"
	CallRinging    CallStatus = "ringing"
	CallInProgress CallStatus = "in-progress"
	CallCompleted  CallStatus = "completed"
	CallBusy       CallStatus = "busy"
	CallFailed     CallStatus = "failed"
	CallNoAnswer   CallStatus = "no-answer"
	CallCanceled   CallStatus = "canceled"
)

// IsTerminal reports whether no further status changes are expected for the leg.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallCompleted, CallCanceled, CallFailed, CallNoAnswer, CallBusy:
		return true
	default:
		return false
	}
}

// ParseCallStatus normalizes a CallStatus webhook value. The "answered"
// status callback event and the British spelling of canceled are folded into
// the canonical values.
func ParseCallStatus(raw string) (CallStatus, bool) {
	switch s := CallStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case CallQueued, CallInitiated, CallRinging, CallInProgress,
		CallCompleted, CallBusy, CallFailed, CallNoAnswer, CallCanceled:
		return s, true
	case "answered":
		return CallInProgress, true
	case "cancelled":
		return CallCanceled, true
	default:
		return "", false
	}
}

// Direction represents whether a session started inbound or outbound
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// LegRole identifies which party a leg connects
type LegRole string

const (
	RoleAgent    LegRole = "agent"
	RoleCustomer LegRole = "customer"
)

// Other returns the role of the opposite party.
func (r LegRole) Other() LegRole {
	if r == RoleAgent {
		return RoleCustomer
	}
	return RoleAgent
}

// AuthMethod tags which credential set backs a carrier client
type AuthMethod string

const (
	AuthNone AuthMethod = "none"
	// AuthToken is the primary method: Account SID + Auth Token.
	AuthToken AuthMethod = "auth_token"
	// AuthAPIKey is the fallback method: API Key SID + secret scoped to the account.
	AuthAPIKey AuthMethod = "api_key"
)

// Leg is one party's phone connection within a session
type Leg struct {
	SID         SID        `json:"sid"`
	Role        LegRole    `json:"role"`
	Direction   Direction  `json:"direction"`
	PhoneNumber string     `json:"phone_number"`
	Status      CallStatus `json:"status"`
	SessionID   string     `json:"session_id"`
	ParentSID   SID        `json:"parent_sid,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Session pairs at most one agent leg and one customer leg
type Session struct {
	ID             string     `json:"id"`
	Direction      Direction  `json:"direction"`
	AgentSID       SID        `json:"agent_sid,omitempty"`
	CustomerSID    SID        `json:"customer_sid,omitempty"`
	AgentNumber    string     `json:"agent_number"`
	CustomerNumber string     `json:"customer_number"`
	CallerID       string     `json:"caller_id"`
	AuthMethod     AuthMethod `json:"auth_method,omitempty"`
	Bridged        bool       `json:"bridged"`
	CreatedAt      time.Time  `json:"created_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Ended reports whether every leg of the session has finished.
func (s *Session) Ended() bool {
	return s.EndedAt != nil
}

// LegSID returns the sid of the leg playing role, if known.
func (s *Session) LegSID(role LegRole) SID {
	if role == RoleAgent {
		return s.AgentSID
	}
	return s.CustomerSID
}
