// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package credential

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprucehealth/twibridge/carrier"
	"github.com/sprucehealth/twibridge/carrier/carriertest"
	"github.com/sprucehealth/twibridge/model"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *recordingPublisher) Publish(e model.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Status
	for _, e := range p.events {
		if e.Kind == model.EventAuthStatus {
			out = append(out, e.Payload.(Status))
		}
	}
	return out
}

func fakeFactory(clients map[model.AuthMethod]*carriertest.Client) Factory {
	return func(s Set) (carrier.Client, error) {
		c, ok := clients[s.Method]
		if !ok {
			return nil, errors.New("no fake for " + string(s.Method))
		}
		return c, nil
	}
}

var (
	primaryOnly  = Credentials{AccountSID: "AC1", AuthToken: "tok"}
	fallbackOnly = Credentials{AccountSID: "AC1", APIKeySID: "SK1", APIKeySecret: "sec"}
	both         = Credentials{AccountSID: "AC1", AuthToken: "tok", APIKeySID: "SK1", APIKeySecret: "sec"}
)

var params = carrier.CallParams{
	From:      "+15005550006",
	To:        "+15005550001",
	AnswerURL: "https://bridge.example/api/voice/bridge?session=s&customer=%2B12025550123",
}

func TestResolveClient(t *testing.T) {
	fakes := map[model.AuthMethod]*carriertest.Client{
		model.AuthToken:  carriertest.NewClient(model.AuthToken),
		model.AuthAPIKey: carriertest.NewClient(model.AuthAPIKey),
	}
	cases := []struct {
		name  string
		creds Credentials
		want  model.AuthMethod
	}{
		{"none", Credentials{}, model.AuthNone},
		{"account sid only", Credentials{AccountSID: "AC1"}, model.AuthNone},
		{"token without account", Credentials{AuthToken: "tok"}, model.AuthNone},
		{"primary only", primaryOnly, model.AuthToken},
		{"fallback only", fallbackOnly, model.AuthAPIKey},
		{"both", both, model.AuthToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewSelector(tc.creds, fakeFactory(fakes))
			c, err := s.ResolveClient()
			if tc.want == model.AuthNone {
				assert.ErrorIs(t, err, ErrNoCredentials)
				assert.Nil(t, c)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, c.Method())
			assert.Equal(t, tc.want, s.StatusSnapshot().CurrentAuthMethod)
		})
	}
}

func TestPlaceCallFallsBackOnAuthorization(t *testing.T) {
	primary := carriertest.Failing(model.AuthToken, carriertest.AuthFailure())
	fallback := carriertest.NewClient(model.AuthAPIKey)
	pub := &recordingPublisher{}
	s := NewSelector(both, fakeFactory(map[model.AuthMethod]*carriertest.Client{
		model.AuthToken:  primary,
		model.AuthAPIKey: fallback,
	}), WithPublisher(pub))

	call, method, err := s.PlaceCall(context.Background(), params)
	require.NoError(t, err)
	assert.NotEmpty(t, call.SID)
	assert.Equal(t, model.AuthAPIKey, method)
	assert.Len(t, primary.Calls(), 1)
	assert.Len(t, fallback.Calls(), 1)

	st := s.StatusSnapshot()
	assert.Equal(t, model.AuthAPIKey, st.CurrentAuthMethod)
	assert.True(t, st.Connected)
	assert.Contains(t, st.LastError, "20003")

	statuses := pub.statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, model.AuthToken, statuses[0].CurrentAuthMethod)
	assert.Equal(t, model.AuthAPIKey, statuses[1].CurrentAuthMethod)

	// The pinned fallback is used directly afterwards.
	_, method, err = s.PlaceCall(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, model.AuthAPIKey, method)
	assert.Len(t, primary.Calls(), 1)
}

func TestPlaceCallBothRejected(t *testing.T) {
	primary := carriertest.Failing(model.AuthToken, carriertest.AuthFailure())
	fallback := carriertest.Failing(model.AuthAPIKey, carriertest.AuthFailure())
	s := NewSelector(both, fakeFactory(map[model.AuthMethod]*carriertest.Client{
		model.AuthToken:  primary,
		model.AuthAPIKey: fallback,
	}))

	_, method, err := s.PlaceCall(context.Background(), params)
	require.Error(t, err)
	assert.Equal(t, model.AuthNone, method)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, NoUsableCredentials, authErr.Reason)
	assert.Equal(t, []model.AuthMethod{model.AuthToken, model.AuthAPIKey}, authErr.Tried)
	assert.True(t, carrier.IsAuthorization(err))

	st := s.StatusSnapshot()
	assert.Equal(t, model.AuthNone, st.CurrentAuthMethod)
	assert.False(t, st.Connected)
	assert.Len(t, primary.Calls(), 1)
	assert.Len(t, fallback.Calls(), 1)
}

func TestPlaceCallSingleSetRejected(t *testing.T) {
	primary := carriertest.Failing(model.AuthToken, carriertest.AuthFailure())
	s := NewSelector(primaryOnly, fakeFactory(map[model.AuthMethod]*carriertest.Client{
		model.AuthToken: primary,
	}))

	_, _, err := s.PlaceCall(context.Background(), params)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, model.AuthNone, s.StatusSnapshot().CurrentAuthMethod)

	// Recovery needs no restart: the next call pins the primary again.
	primary.CreateFunc = nil
	_, method, err := s.PlaceCall(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, model.AuthToken, method)
	assert.True(t, s.StatusSnapshot().Connected)
}

func TestPlaceCallDoesNotFallBackOnOtherErrors(t *testing.T) {
	primary := carriertest.Failing(model.AuthToken, &carrier.Error{Kind: carrier.KindPermission, Code: carrier.ErrorCodeGeoPermission})
	fallback := carriertest.NewClient(model.AuthAPIKey)
	s := NewSelector(both, fakeFactory(map[model.AuthMethod]*carriertest.Client{
		model.AuthToken:  primary,
		model.AuthAPIKey: fallback,
	}))

	_, method, err := s.PlaceCall(context.Background(), params)
	require.Error(t, err)
	assert.Equal(t, model.AuthToken, method)
	assert.Equal(t, carrier.KindPermission, carrier.KindOf(err))
	assert.Empty(t, fallback.Calls())
	assert.Equal(t, model.AuthToken, s.StatusSnapshot().CurrentAuthMethod)
}

func TestPlaceCallNoCredentials(t *testing.T) {
	s := NewSelector(Credentials{}, fakeFactory(nil))
	_, _, err := s.PlaceCall(context.Background(), params)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestReportFailure(t *testing.T) {
	s := NewSelector(both, fakeFactory(map[model.AuthMethod]*carriertest.Client{
		model.AuthToken:  carriertest.NewClient(model.AuthToken),
		model.AuthAPIKey: carriertest.NewClient(model.AuthAPIKey),
	}))
	_, err := s.ResolveClient()
	require.NoError(t, err)

	next, ok := s.ReportFailure(model.AuthToken, errors.New("rejected"))
	require.True(t, ok)
	assert.Equal(t, model.AuthAPIKey, next.Method())

	// The primary is still untried from this caller's point of view.
	next, ok = s.ReportFailure(model.AuthAPIKey, errors.New("rejected again"))
	require.True(t, ok)
	assert.Equal(t, model.AuthToken, next.Method())
	assert.Equal(t, "rejected again", s.StatusSnapshot().LastError)
}

func TestStatusSnapshot(t *testing.T) {
	s := NewSelector(Credentials{AuthToken: "tok", APIKeySID: "SK1", APIKeySecret: "sec"}, fakeFactory(nil))
	st := s.StatusSnapshot()
	assert.True(t, st.AuthTokenConfigured)
	assert.True(t, st.APIKeyConfigured)
	assert.False(t, st.AuthTokenClientAvailable)
	assert.False(t, st.APIKeyClientAvailable)
	assert.False(t, st.Connected)
	assert.Equal(t, model.AuthNone, st.CurrentAuthMethod)

	s = NewSelector(fallbackOnly, fakeFactory(map[model.AuthMethod]*carriertest.Client{
		model.AuthAPIKey: carriertest.NewClient(model.AuthAPIKey),
	}))
	st = s.StatusSnapshot()
	assert.False(t, st.AuthTokenConfigured)
	assert.True(t, st.APIKeyClientAvailable)
	assert.True(t, st.Connected)
}

func TestVerifyAll(t *testing.T) {
	s := NewSelector(both, fakeFactory(map[model.AuthMethod]*carriertest.Client{
		model.AuthToken:  carriertest.Failing(model.AuthToken, carriertest.AuthFailure()),
		model.AuthAPIKey: carriertest.NewClient(model.AuthAPIKey),
	}))

	results := s.VerifyAll(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, model.AuthToken, results[0].Method)
	assert.False(t, results[0].OK())
	assert.True(t, carrier.IsAuthorization(results[0].Err))
	assert.Equal(t, model.AuthAPIKey, results[1].Method)
	assert.True(t, results[1].OK())

	// Probing never pins a method.
	assert.Equal(t, model.AuthNone, s.StatusSnapshot().CurrentAuthMethod)
}

func TestDialMarkupWithoutCredentials(t *testing.T) {
	s := NewSelector(Credentials{}, fakeFactory(nil))
	out, err := s.DialMarkup("+12025550123", "+15005550006")
	require.NoError(t, err)
	assert.Contains(t, out, "+12025550123")
	assert.Contains(t, out, `callerId="+15005550006"`)
}
