// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package twiml

import (
	"fmt"
	"strconv"
	"time"

	twiliotwiml "github.com/twilio/twilio-go/twiml"
)

// Render serializes the AST into a complete TwiML voice document using the
// twilio-go builders.
func Render(resp *Response) (string, error) {
	if resp == nil {
		resp = &Response{}
	}
	verbs := make([]twiliotwiml.Element, 0, len(resp.Children))
	for _, child := range resp.Children {
		el, err := element(child)
		if err != nil {
			return "", err
		}
		verbs = append(verbs, el)
	}
	out, err := twiliotwiml.Voice(verbs)
	if err != nil {
		return "", fmt.Errorf("render twiml: %w", err)
	}
	return out, nil
}

func element(node Node) (twiliotwiml.Element, error) {
	switch n := node.(type) {
	case *Say:
		return &twiliotwiml.VoiceSay{
			Message:  n.Text,
			Voice:    n.Voice,
			Language: n.Language,
		}, nil
	case *Pause:
		return &twiliotwiml.VoicePause{Length: seconds(n.Length)}, nil
	case *Hangup:
		return &twiliotwiml.VoiceHangup{}, nil
	case *Number:
		return &twiliotwiml.VoiceNumber{
			PhoneNumber:          n.Number,
			StatusCallback:       n.StatusCallback,
			StatusCallbackEvent:  n.StatusCallbackEvent,
			StatusCallbackMethod: n.StatusCallbackMethod,
		}, nil
	case *Dial:
		dial := &twiliotwiml.VoiceDial{
			CallerId: n.CallerID,
			Action:   n.Action,
			Timeout:  seconds(n.Timeout),
		}
		if n.Action != "" {
			dial.Method = n.Method
		}
		if len(n.Children) == 0 {
			dial.Number = n.Number
		}
		for _, child := range n.Children {
			el, err := element(child)
			if err != nil {
				return nil, err
			}
			dial.InnerElements = append(dial.InnerElements, el)
		}
		return dial, nil
	default:
		return nil, fmt.Errorf("unsupported TwiML node %T", node)
	}
}

func seconds(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return strconv.Itoa(int(d / time.Second))
}
