package twiml

import (
	"strings"
	"testing"
)

func TestRenderDialRoundTrip(t *testing.T) {
	out, err := Render(&Response{Children: []Node{
		&Dial{
			CallerID: "+15005550006",
			Children: []Node{&Number{
				Number:              "+12025550123",
				StatusCallback:      "https://example.com/api/voice/status",
				StatusCallbackEvent: "initiated ringing answered completed",
			}},
		},
	}})
	if err != nil {
		t.Fatalf("Render error: %v", err)
	}
	if !strings.Contains(out, "<Response>") {
		t.Fatalf("Expected a <Response> document, got %s", out)
	}

	resp, err := Parse([]byte(out))
	if err != nil {
		t.Fatalf("Parse of rendered TwiML failed: %v\n%s", err, out)
	}
	number, callerID, ok := resp.DialedNumber()
	if !ok {
		t.Fatalf("Expected a dial in %s", out)
	}
	if number != "+12025550123" {
		t.Errorf("Expected +12025550123, got %q", number)
	}
	if callerID != "+15005550006" {
		t.Errorf("Expected caller ID +15005550006, got %q", callerID)
	}
	num := resp.Children[0].(*Dial).Children[0].(*Number)
	if num.StatusCallback != "https://example.com/api/voice/status" {
		t.Errorf("Expected status callback to survive rendering, got %q", num.StatusCallback)
	}
}

func TestRenderSayAndHangup(t *testing.T) {
	out, err := Render(&Response{Children: []Node{
		&Say{Text: "No destination configured for this number."},
		&Hangup{},
	}})
	if err != nil {
		t.Fatalf("Render error: %v", err)
	}

	resp, err := Parse([]byte(out))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if len(resp.Children) != 2 {
		t.Fatalf("Expected 2 children, got %d", len(resp.Children))
	}
	say, ok := resp.Children[0].(*Say)
	if !ok || say.Text != "No destination configured for this number." {
		t.Errorf("Unexpected first verb %#v", resp.Children[0])
	}
}

func TestRenderEmptyResponse(t *testing.T) {
	out, err := Render(nil)
	if err != nil {
		t.Fatalf("Render error: %v", err)
	}
	resp, err := Parse([]byte(out))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if len(resp.Children) != 0 {
		t.Errorf("Expected no verbs, got %d", len(resp.Children))
	}
}
