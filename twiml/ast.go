// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package twiml

import "time"

// Node is the interface for all TwiML AST nodes
type Node interface {
	isNode()
}

// Response is the root TwiML element
type Response struct {
	Children []Node
}

func (Response) isNode() {}

// Say outputs text-to-speech
type Say struct {
	Text     string
	Voice    string
	Language string
}

func (Say) isNode() {}

// Pause waits for a specified duration
type Pause struct {
	Length time.Duration
}

func (Pause) isNode() {}

// Dial connects the current call to another party
type Dial struct {
	Number   string
	CallerID string
	Action   string
	Method   string
	Timeout  time.Duration
	Children []Node // For nested <Number>
}

func (Dial) isNode() {}

// Number is used inside <Dial> to specify a phone number. The status callback
// attributes make the carrier report the dialed child leg.
type Number struct {
	Number               string
	StatusCallback       string
	StatusCallbackEvent  string
	StatusCallbackMethod string
}

func (Number) isNode() {}

// Hangup ends the call
type Hangup struct{}

func (Hangup) isNode() {}

// DialedNumber returns the first <Number> target of the first <Dial>, and
// the caller ID it is dialed with.
func (r *Response) DialedNumber() (number, callerID string, ok bool) {
	for _, child := range r.Children {
		dial, isDial := child.(*Dial)
		if !isDial {
			continue
		}
		if dial.Number != "" {
			return dial.Number, dial.CallerID, true
		}
	}
	return "", "", false
}
