// Package carriertest provides a scripted carrier.Client for tests.
package carriertest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/twilio/twilio-go/client"

	"github.com/sprucehealth/twibridge/carrier"
	"github.com/sprucehealth/twibridge/model"
)

var callCounter uint64

// NewCallSID returns a unique fake call SID with the carrier's 34 character shape.
func NewCallSID() model.SID {
	counter := atomic.AddUint64(&callCounter, 1)
	b := make([]byte, 7)
	rand.Read(b)
	return model.SID(fmt.Sprintf("CAFAKE%014x%s", counter, hex.EncodeToString(b)[:14]))
}

// AuthFailure returns the REST error the carrier answers bad credentials with.
func AuthFailure() error {
	return &client.TwilioRestError{
		Code:     carrier.ErrorCodeAuthenticate,
		Status:   401,
		Message:  "Authenticate",
		MoreInfo: "https://www.twilio.com/docs/errors/20003",
	}
}

// Client is a fake carrier.Client. CreateFunc and AccountFunc script the
// results; errors they return are classified like the real client's.
type Client struct {
	AuthMethod model.AuthMethod

	CreateFunc  func(params carrier.CallParams) (*carrier.Call, error)
	AccountFunc func() (*carrier.Account, error)

	mu    sync.Mutex
	calls []carrier.CallParams
}

// NewClient creates a fake that accepts every call.
func NewClient(method model.AuthMethod) *Client {
	return &Client{AuthMethod: method}
}

// Failing creates a fake whose calls all fail with err.
func Failing(method model.AuthMethod, err error) *Client {
	return &Client{
		AuthMethod: method,
		CreateFunc: func(carrier.CallParams) (*carrier.Call, error) {
			return nil, err
		},
		AccountFunc: func() (*carrier.Account, error) {
			return nil, err
		},
	}
}

func (c *Client) Method() model.AuthMethod {
	return c.AuthMethod
}

func (c *Client) CreateCall(ctx context.Context, params carrier.CallParams) (*carrier.Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, carrier.Classify(err)
	}
	c.mu.Lock()
	c.calls = append(c.calls, params)
	c.mu.Unlock()

	if c.CreateFunc != nil {
		call, err := c.CreateFunc(params)
		if err != nil {
			return nil, carrier.Classify(err)
		}
		return call, nil
	}
	return &carrier.Call{
		SID:    NewCallSID(),
		Status: model.CallQueued,
		From:   params.From,
		To:     params.To,
	}, nil
}

func (c *Client) FetchAccount(ctx context.Context) (*carrier.Account, error) {
	if c.AccountFunc != nil {
		acct, err := c.AccountFunc()
		if err != nil {
			return nil, carrier.Classify(err)
		}
		return acct, nil
	}
	return &carrier.Account{SID: "ACFAKE", FriendlyName: "fake", Status: "active"}, nil
}

func (c *Client) VoiceResponseDial(target, callerID string, opts ...carrier.DialOption) (string, error) {
	return carrier.DialResponse(target, callerID, opts...)
}

// Calls returns the create-call requests received so far.
func (c *Client) Calls() []carrier.CallParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]carrier.CallParams(nil), c.calls...)
}
