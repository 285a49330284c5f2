// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package carrier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twilio/twilio-go/client"
	twilioopenapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/sprucehealth/twibridge/model"
	"github.com/sprucehealth/twibridge/twiml"
)

type fakeAPI struct {
	created   []*twilioopenapi.CreateCallParams
	fetched   []string
	createErr error
	fetchErr  error
}

func (f *fakeAPI) CreateCall(params *twilioopenapi.CreateCallParams) (*twilioopenapi.ApiV2010Call, error) {
	f.created = append(f.created, params)
	if f.createErr != nil {
		return nil, f.createErr
	}
	sid := "CA0123456789abcdef0123456789abcdef"
	status := "queued"
	return &twilioopenapi.ApiV2010Call{Sid: &sid, Status: &status, To: params.To, From: params.From}, nil
}

func (f *fakeAPI) FetchAccount(sid string) (*twilioopenapi.ApiV2010Account, error) {
	f.fetched = append(f.fetched, sid)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	name := "Bridge"
	status := "active"
	return &twilioopenapi.ApiV2010Account{Sid: &sid, FriendlyName: &name, Status: &status}, nil
}

func newTestClient(t *testing.T, api API) *TwilioClient {
	t.Helper()
	c, err := NewTwilioClient(Config{
		Method:     model.AuthAPIKey,
		AccountSID: "AC123",
		Username:   "SK123",
		Password:   "secret",
	}, WithAPI(api))
	require.NoError(t, err)
	return c
}

func TestNewTwilioClientValidatesConfig(t *testing.T) {
	_, err := NewTwilioClient(Config{Method: model.AuthNone, AccountSID: "AC1", Username: "u", Password: "p"})
	assert.Error(t, err)

	_, err = NewTwilioClient(Config{Method: model.AuthToken, Username: "AC1", Password: "p"})
	assert.Error(t, err)

	_, err = NewTwilioClient(Config{Method: model.AuthToken, AccountSID: "AC1", Username: "AC1"})
	assert.Error(t, err)

	c, err := NewTwilioClient(Config{Method: model.AuthToken, AccountSID: "AC1", Username: "AC1", Password: "tok"})
	require.NoError(t, err)
	assert.Equal(t, model.AuthToken, c.Method())
}

func TestCreateCallSendsStatusCallback(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(t, api)

	call, err := c.CreateCall(context.Background(), CallParams{
		From:              "+15005550006",
		To:                "+15005550001",
		AnswerURL:         "https://bridge.example/api/voice/bridge?session=abc&customer=%2B12025550123",
		StatusCallbackURL: "https://bridge.example/api/voice/status",
	})
	require.NoError(t, err)
	assert.Equal(t, model.SID("CA0123456789abcdef0123456789abcdef"), call.SID)
	assert.Equal(t, model.CallQueued, call.Status)

	require.Len(t, api.created, 1)
	p := api.created[0]
	assert.Equal(t, "AC123", *p.PathAccountSid)
	assert.Equal(t, "+15005550001", *p.To)
	assert.Equal(t, "+15005550006", *p.From)
	assert.Equal(t, "https://bridge.example/api/voice/bridge?session=abc&customer=%2B12025550123", *p.Url)
	assert.Equal(t, "https://bridge.example/api/voice/status", *p.StatusCallback)
	assert.Equal(t, StatusCallbackEvents, *p.StatusCallbackEvent)
	assert.Equal(t, "POST", *p.StatusCallbackMethod)
}

func TestCreateCallClassifiesErrors(t *testing.T) {
	api := &fakeAPI{createErr: &client.TwilioRestError{Code: ErrorCodeAuthenticate, Status: 401, Message: "Authenticate"}}
	c := newTestClient(t, api)

	_, err := c.CreateCall(context.Background(), CallParams{From: "+1", To: "+2", AnswerURL: "https://x"})
	require.Error(t, err)
	assert.True(t, IsAuthorization(err))

	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrorCodeAuthenticate, ce.Code)
}

func TestFetchAccount(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(t, api)

	acct, err := c.FetchAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AC123"}, api.fetched)
	assert.Equal(t, "AC123", acct.SID)
	assert.Equal(t, "active", acct.Status)

	api.fetchErr = &client.TwilioRestError{Status: 403, Message: "Forbidden"}
	_, err = c.FetchAccount(context.Background())
	assert.Equal(t, KindPermission, KindOf(err))
}

func TestDialResponseWithStatusCallback(t *testing.T) {
	c := newTestClient(t, &fakeAPI{})
	out, err := c.VoiceResponseDial("+12025550123", "+15005550006",
		WithStatusCallback("https://bridge.example/api/voice/status"))
	require.NoError(t, err)

	resp, err := twiml.Parse([]byte(out))
	require.NoError(t, err)
	number, callerID, ok := resp.DialedNumber()
	require.True(t, ok)
	assert.Equal(t, "+12025550123", number)
	assert.Equal(t, "+15005550006", callerID)

	num := resp.Children[0].(*twiml.Dial).Children[0].(*twiml.Number)
	assert.Equal(t, "https://bridge.example/api/voice/status", num.StatusCallback)
	assert.Equal(t, "initiated ringing answered completed", num.StatusCallbackEvent)
	assert.Equal(t, "POST", num.StatusCallbackMethod)
}

func TestSayAndHangupResponses(t *testing.T) {
	out, err := SayResponse("No destination configured for this number.")
	require.NoError(t, err)
	resp, err := twiml.Parse([]byte(out))
	require.NoError(t, err)
	require.Len(t, resp.Children, 2)
	assert.IsType(t, &twiml.Say{}, resp.Children[0])
	assert.IsType(t, &twiml.Hangup{}, resp.Children[1])

	out, err = HangupResponse()
	require.NoError(t, err)
	resp, err = twiml.Parse([]byte(out))
	require.NoError(t, err)
	require.Len(t, resp.Children, 1)
	assert.IsType(t, &twiml.Hangup{}, resp.Children[0])
}
