// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package carrier places calls and builds voice instructions through the
// carrier's REST API. Each Client is bound to exactly one credential set and
// is tagged with the model.AuthMethod it authenticates with.
package carrier

import (
	"context"
	"strings"

	"github.com/sprucehealth/twibridge/model"
	"github.com/sprucehealth/twibridge/twiml"
)

// StatusCallbackEvents are the leg events the carrier reports to the status webhook.
var StatusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

// Client is the capability set the call engine needs from the carrier
type Client interface {
	// Method reports which credential set backs this client.
	Method() model.AuthMethod
	// CreateCall places an outbound leg. The carrier fetches AnswerURL once
	// the leg is answered.
	CreateCall(ctx context.Context, params CallParams) (*Call, error)
	// FetchAccount reads the account the credentials belong to.
	FetchAccount(ctx context.Context) (*Account, error)
	// VoiceResponseDial builds the markup telling the carrier to dial target
	// next with the given caller ID. No network call is made.
	VoiceResponseDial(target, callerID string, opts ...DialOption) (string, error)
}

// CallParams are the parameters for placing an outbound leg
type CallParams struct {
	From                 string
	To                   string
	AnswerURL            string
	StatusCallbackURL    string
	StatusCallbackEvents []string
}

// Call is the carrier's acknowledgment of a create-call request
type Call struct {
	SID    model.SID
	Status model.CallStatus
	From   string
	To     string
}

// Account is the carrier account a credential set authenticates against
type Account struct {
	SID          string
	FriendlyName string
	Status       string
}

// DialOption configures the markup built by DialResponse
type DialOption func(*twiml.Number)

// WithStatusCallback makes the carrier report the dialed leg's status to url.
func WithStatusCallback(url string, events ...string) DialOption {
	return func(n *twiml.Number) {
		if len(events) == 0 {
			events = StatusCallbackEvents
		}
		n.StatusCallback = url
		n.StatusCallbackEvent = strings.Join(events, " ")
		n.StatusCallbackMethod = "POST"
	}
}

// DialResponse builds <Response><Dial callerId><Number>target</Number></Dial></Response>.
func DialResponse(target, callerID string, opts ...DialOption) (string, error) {
	number := &twiml.Number{Number: target}
	for _, opt := range opts {
		opt(number)
	}
	return twiml.Render(&twiml.Response{Children: []twiml.Node{
		&twiml.Dial{
			CallerID: callerID,
			Children: []twiml.Node{number},
		},
	}})
}

// SayResponse builds a response that speaks message and hangs up.
func SayResponse(message string) (string, error) {
	return twiml.Render(&twiml.Response{Children: []twiml.Node{
		&twiml.Say{Text: message},
		&twiml.Hangup{},
	}})
}

// HangupResponse builds a response that ends the call immediately.
func HangupResponse() (string, error) {
	return twiml.Render(&twiml.Response{Children: []twiml.Node{&twiml.Hangup{}}})
}
