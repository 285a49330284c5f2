// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package twiml

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Parse parses TwiML XML and returns a Response AST
func Parse(data []byte) (*Response, error) {
	decoder := xml.NewDecoder(strings.NewReader(string(data)))
	var resp Response

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("xml parse error: %w", err)
		}

		if se, ok := token.(xml.StartElement); ok {
			if se.Name.Local == "Response" {
				if err := parseResponse(decoder, &se, &resp); err != nil {
					return nil, err
				}
				return &resp, nil
			}
		}
	}

	return nil, fmt.Errorf("no <Response> element found")
}

func parseResponse(decoder *xml.Decoder, start *xml.StartElement, resp *Response) error {
	for _, attr := range start.Attr {
		return fmt.Errorf("unknown attribute '%s' on <Response>", attr.Name.Local)
	}

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		switch t := token.(type) {
		case xml.StartElement:
			node, err := parseNode(decoder, &t)
			if err != nil {
				return err
			}
			if node != nil {
				resp.Children = append(resp.Children, node)
			}
		case xml.EndElement:
			if t.Name.Local == "Response" {
				return nil
			}
		}
	}
	return nil
}

func parseNode(decoder *xml.Decoder, start *xml.StartElement) (Node, error) {
	switch start.Name.Local {
	case "Say":
		return parseSay(decoder, start)
	case "Pause":
		return parsePause(decoder, start)
	case "Dial":
		return parseDial(decoder, start)
	case "Hangup":
		// Hangup is self-closing, consume the end tag
		if err := decoder.Skip(); err != nil {
			return nil, err
		}
		return &Hangup{}, nil
	case "Number":
		return parseNumber(decoder, start)
	default:
		return nil, fmt.Errorf("unknown TwiML element: <%s>", start.Name.Local)
	}
}

func parseSay(decoder *xml.Decoder, start *xml.StartElement) (*Say, error) {
	say := &Say{}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "voice":
			say.Voice = attr.Value
		case "language":
			say.Language = attr.Value
		default:
			return nil, fmt.Errorf("unknown attribute '%s' on <Say>", attr.Name.Local)
		}
	}

	if err := decoder.DecodeElement(&say.Text, start); err != nil {
		return nil, err
	}

	return say, nil
}

func parsePause(decoder *xml.Decoder, start *xml.StartElement) (*Pause, error) {
	pause := &Pause{Length: 1 * time.Second} // default 1s
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "length":
			if n, err := strconv.Atoi(attr.Value); err == nil {
				pause.Length = time.Duration(n) * time.Second
			}
		default:
			return nil, fmt.Errorf("unknown attribute '%s' on <Pause>", attr.Name.Local)
		}
	}
	if err := decoder.Skip(); err != nil {
		return nil, err
	}
	return pause, nil
}

func parseDial(decoder *xml.Decoder, start *xml.StartElement) (*Dial, error) {
	dial := &Dial{
		Method:  "POST",
		Timeout: 30 * time.Second,
	}

	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "action":
			dial.Action = attr.Value
		case "method":
			dial.Method = strings.ToUpper(attr.Value)
		case "callerId":
			dial.CallerID = attr.Value
		case "timeout":
			if n, err := strconv.Atoi(attr.Value); err == nil {
				dial.Timeout = time.Duration(n) * time.Second
			}
		default:
			return nil, fmt.Errorf("unknown attribute '%s' on <Dial>", attr.Name.Local)
		}
	}

	// Content is either plain text (a number) or nested <Number> elements
	var textContent string
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := token.(type) {
		case xml.CharData:
			textContent += strings.TrimSpace(string(t))
		case xml.StartElement:
			node, err := parseNode(decoder, &t)
			if err != nil {
				return nil, err
			}
			if node != nil {
				dial.Children = append(dial.Children, node)
				if n, ok := node.(*Number); ok && dial.Number == "" {
					dial.Number = n.Number
				}
			}
		case xml.EndElement:
			if t.Name.Local == "Dial" {
				if len(dial.Children) == 0 && textContent != "" {
					dial.Number = textContent
				}
				return dial, nil
			}
		}
	}

	return dial, nil
}

func parseNumber(decoder *xml.Decoder, start *xml.StartElement) (*Number, error) {
	num := &Number{}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "statusCallback":
			num.StatusCallback = attr.Value
		case "statusCallbackEvent":
			num.StatusCallbackEvent = attr.Value
		case "statusCallbackMethod":
			num.StatusCallbackMethod = strings.ToUpper(attr.Value)
		default:
			return nil, fmt.Errorf("unknown attribute '%s' on <Number>", attr.Name.Local)
		}
	}
	if err := decoder.DecodeElement(&num.Number, start); err != nil {
		return nil, err
	}
	num.Number = strings.TrimSpace(num.Number)
	return num, nil
}
