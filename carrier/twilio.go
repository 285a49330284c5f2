// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package carrier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twilio/twilio-go"
	twilioopenapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sprucehealth/twibridge/model"
	"github.com/sprucehealth/twibridge/telemetry"
)

var tracer = telemetry.Tracer("twibridge/carrier")

// API is the subset of the twilio-go v2010 service used here. *twilioopenapi.ApiService satisfies it.
type API interface {
	CreateCall(params *twilioopenapi.CreateCallParams) (*twilioopenapi.ApiV2010Call, error)
	FetchAccount(sid string) (*twilioopenapi.ApiV2010Account, error)
}

// Config identifies one credential set. For AuthToken, Username is the
// account SID and Password the auth token; for AuthAPIKey, Username is the
// API key SID and Password its secret.
type Config struct {
	Method     model.AuthMethod
	AccountSID string
	Username   string
	Password   string
	// Timeout bounds each REST request. Zero keeps the SDK default.
	Timeout time.Duration
}

// TwilioClient implements Client with twilio-go
type TwilioClient struct {
	method     model.AuthMethod
	accountSID string
	api        API
	logger     *slog.Logger
}

// Option configures a TwilioClient
type Option func(*TwilioClient)

// WithAPI replaces the REST service, e.g. with a fake in tests.
func WithAPI(api API) Option {
	return func(c *TwilioClient) {
		c.api = api
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *TwilioClient) {
		c.logger = logger
	}
}

// NewTwilioClient creates a client bound to one credential set.
func NewTwilioClient(cfg Config, opts ...Option) (*TwilioClient, error) {
	switch cfg.Method {
	case model.AuthToken, model.AuthAPIKey:
	default:
		return nil, fmt.Errorf("unsupported auth method %q", cfg.Method)
	}
	if cfg.AccountSID == "" {
		return nil, fmt.Errorf("account SID is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("%s credentials are incomplete", cfg.Method)
	}

	c := &TwilioClient{
		method:     cfg.Method,
		accountSID: cfg.AccountSID,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.api == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username:   cfg.Username,
			Password:   cfg.Password,
			AccountSid: cfg.AccountSID,
		})
		if cfg.Timeout > 0 {
			rest.SetTimeout(cfg.Timeout)
		}
		c.api = rest.Api
	}
	return c, nil
}

// Method returns the auth method tag
func (c *TwilioClient) Method() model.AuthMethod {
	return c.method
}

// CreateCall places an outbound leg through the carrier REST API
func (c *TwilioClient) CreateCall(ctx context.Context, p CallParams) (*Call, error) {
	_, span := tracer.Start(ctx, "carrier.CreateCall", trace.WithAttributes(
		attribute.String("twibridge.auth_method", string(c.method)),
	))
	defer span.End()

	params := &twilioopenapi.CreateCallParams{}
	params.SetPathAccountSid(c.accountSID)
	params.SetTo(p.To)
	params.SetFrom(p.From)
	params.SetUrl(p.AnswerURL)
	params.SetMethod("POST")
	if p.StatusCallbackURL != "" {
		events := p.StatusCallbackEvents
		if len(events) == 0 {
			events = StatusCallbackEvents
		}
		params.SetStatusCallback(p.StatusCallbackURL)
		params.SetStatusCallbackEvent(events)
		params.SetStatusCallbackMethod("POST")
	}

	resp, err := c.api.CreateCall(params)
	if err != nil {
		cerr := Classify(err)
		span.RecordError(cerr)
		c.logger.Warn("carrier: create call failed",
			"auth_method", c.method, "to", p.To, "kind", KindOf(cerr), "error", cerr)
		return nil, cerr
	}

	call := &Call{
		SID:    model.SID(deref(resp.Sid)),
		Status: model.CallQueued,
		From:   p.From,
		To:     p.To,
	}
	if s, ok := model.ParseCallStatus(deref(resp.Status)); ok {
		call.Status = s
	}
	if call.SID == "" {
		return nil, &Error{Kind: KindOther, Message: "create call response has no sid"}
	}
	span.SetAttributes(attribute.String("twibridge.call_sid", call.SID.String()))
	return call, nil
}

// FetchAccount reads the account the credentials belong to
func (c *TwilioClient) FetchAccount(ctx context.Context) (*Account, error) {
	_, span := tracer.Start(ctx, "carrier.FetchAccount", trace.WithAttributes(
		attribute.String("twibridge.auth_method", string(c.method)),
	))
	defer span.End()

	resp, err := c.api.FetchAccount(c.accountSID)
	if err != nil {
		cerr := Classify(err)
		span.RecordError(cerr)
		return nil, cerr
	}
	return &Account{
		SID:          deref(resp.Sid),
		FriendlyName: deref(resp.FriendlyName),
		Status:       deref(resp.Status),
	}, nil
}

// VoiceResponseDial builds dial markup; it does not depend on the credentials.
func (c *TwilioClient) VoiceResponseDial(target, callerID string, opts ...DialOption) (string, error) {
	return DialResponse(target, callerID, opts...)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
