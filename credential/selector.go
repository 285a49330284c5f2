// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/sprucehealth/twibridge/carrier"
	"github.com/sprucehealth/twibridge/model"
	"github.com/sprucehealth/twibridge/telemetry"
)

// ErrNoCredentials is returned when neither credential set can build a client.
var ErrNoCredentials = errors.New("credential: no carrier credentials configured")

// Reason explains an AuthError
type Reason string

const NoUsableCredentials Reason = "no_usable_credentials"

// AuthError is returned when every configured credential set was rejected by the carrier.
type AuthError struct {
	Reason Reason
	Tried  []model.AuthMethod
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("credential: %s after trying %v: %v", e.Reason, e.Tried, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Publisher receives auth_status events
type Publisher interface {
	Publish(event model.Event)
}

// Status is a point-in-time view of the selector. Building it makes no network calls.
type Status struct {
	Connected                bool             `json:"connected"`
	CurrentAuthMethod        model.AuthMethod `json:"current_auth_method"`
	AuthTokenConfigured      bool             `json:"auth_token_configured"`
	APIKeyConfigured         bool             `json:"api_key_configured"`
	AuthTokenClientAvailable bool             `json:"auth_token_client_available"`
	APIKeyClientAvailable    bool             `json:"api_key_client_available"`
	LastError                string           `json:"last_error,omitempty"`
}

// Selector owns the process-wide auth state. The zero value is not usable; use NewSelector.
type Selector struct {
	logger    *slog.Logger
	publisher Publisher
	fallbacks metric.Int64Counter

	primary  Set
	fallback Set
	// order is the preference order of the methods that have a client.
	order   []model.AuthMethod
	clients map[model.AuthMethod]carrier.Client

	mu        sync.Mutex
	current   model.AuthMethod
	exhausted bool
	lastError string
}

// Option configures a Selector
type Option func(*Selector)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Selector) {
		s.logger = logger
	}
}

// WithPublisher makes every auth state transition publish an auth_status event.
func WithPublisher(p Publisher) Option {
	return func(s *Selector) {
		s.publisher = p
	}
}

// NewSelector builds a client for each valid credential set. A set whose
// client cannot be built is reported as configured but unavailable.
func NewSelector(creds Credentials, factory Factory, opts ...Option) *Selector {
	s := &Selector{
		logger:   slog.Default(),
		primary:  creds.Primary(),
		fallback: creds.Fallback(),
		clients:  make(map[model.AuthMethod]carrier.Client),
		current:  model.AuthNone,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.fallbacks = telemetry.Counter(telemetry.Meter("twibridge/credential"),
		"twibridge.credential.fallbacks", "Outbound requests retried with the alternate credential set")

	for _, set := range []Set{s.primary, s.fallback} {
		if !set.Valid() {
			if set.Configured() {
				s.logger.Warn("credential: set is missing the account SID", "auth_method", set.Method)
			}
			continue
		}
		c, err := factory(set)
		if err != nil {
			s.logger.Error("credential: failed to build client", "auth_method", set.Method, "error", err)
			s.lastError = err.Error()
			continue
		}
		s.clients[set.Method] = c
		s.order = append(s.order, set.Method)
	}
	return s
}

// ResolveClient returns the pinned client, pinning the preferred available
// method first if none is pinned.
func (s *Selector) ResolveClient() (carrier.Client, error) {
	s.mu.Lock()
	if s.current != model.AuthNone {
		c := s.clients[s.current]
		s.mu.Unlock()
		return c, nil
	}
	if len(s.order) == 0 {
		s.mu.Unlock()
		return nil, ErrNoCredentials
	}
	s.current = s.order[0]
	c := s.clients[s.current]
	st := s.statusLocked()
	s.mu.Unlock()

	s.logger.Info("credential: pinned auth method", "auth_method", c.Method())
	s.publish(st)
	return c, nil
}

// ReportFailure records that method was rejected. It pins and returns the
// alternate client when one exists; otherwise the selector resets to none.
func (s *Selector) ReportFailure(method model.AuthMethod, cause error) (carrier.Client, bool) {
	return s.advance(method, cause, map[model.AuthMethod]bool{method: true})
}

func (s *Selector) advance(failed model.AuthMethod, cause error, tried map[model.AuthMethod]bool) (carrier.Client, bool) {
	s.mu.Lock()
	if cause != nil {
		s.lastError = cause.Error()
	}
	var next model.AuthMethod
	if s.current != model.AuthNone && s.current != failed && !tried[s.current] {
		// Another request already moved off the failed method.
		next = s.current
	} else {
		for _, m := range s.order {
			if !tried[m] {
				next = m
				break
			}
		}
	}
	if next == "" {
		s.current = model.AuthNone
		s.exhausted = true
		st := s.statusLocked()
		s.mu.Unlock()

		s.logger.Error("credential: no usable credentials remain", "failed", failed, "error", cause)
		s.publish(st)
		return nil, false
	}
	changed := s.current != next
	s.current = next
	c := s.clients[next]
	st := s.statusLocked()
	s.mu.Unlock()

	s.fallbacks.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", string(failed)),
		attribute.String("to", string(next)),
	))
	s.logger.Warn("credential: falling back", "failed", failed, "next", next, "error", cause)
	if changed {
		s.publish(st)
	}
	return c, true
}

// PlaceCall creates a call with the pinned client. An authorization failure
// is retried once with each alternate not yet tried for this call; any other
// failure is returned as is.
func (s *Selector) PlaceCall(ctx context.Context, params carrier.CallParams) (*carrier.Call, model.AuthMethod, error) {
	c, err := s.ResolveClient()
	if err != nil {
		return nil, model.AuthNone, err
	}

	tried := make(map[model.AuthMethod]bool, 2)
	var order []model.AuthMethod
	for {
		method := c.Method()
		tried[method] = true
		order = append(order, method)

		call, err := c.CreateCall(ctx, params)
		if err == nil {
			s.succeeded(method)
			return call, method, nil
		}
		if !carrier.IsAuthorization(err) {
			s.recordError(err)
			return nil, method, err
		}

		next, ok := s.advance(method, err, tried)
		if !ok {
			return nil, model.AuthNone, &AuthError{Reason: NoUsableCredentials, Tried: order, Err: err}
		}
		c = next
	}
}

// DialMarkup builds dial markup with the pinned client. With no credentials
// the markup is built locally since it needs no network call.
func (s *Selector) DialMarkup(target, callerID string, opts ...carrier.DialOption) (string, error) {
	c, err := s.ResolveClient()
	if errors.Is(err, ErrNoCredentials) {
		return carrier.DialResponse(target, callerID, opts...)
	}
	if err != nil {
		return "", err
	}
	return c.VoiceResponseDial(target, callerID, opts...)
}

// Verification is the outcome of probing one credential set
type Verification struct {
	Method     model.AuthMethod `json:"auth_method"`
	Configured bool             `json:"configured"`
	Available  bool             `json:"available"`
	Account    *carrier.Account `json:"account,omitempty"`
	Err        error            `json:"-"`
}

// OK reports whether the carrier accepted the credentials.
func (v Verification) OK() bool {
	return v.Account != nil && v.Err == nil
}

// VerifyAll fetches the account with every available client concurrently.
// It never changes the auth state.
func (s *Selector) VerifyAll(ctx context.Context) []Verification {
	sets := []Set{s.primary, s.fallback}
	results := make([]Verification, len(sets))

	g, gctx := errgroup.WithContext(ctx)
	for i, set := range sets {
		results[i] = Verification{Method: set.Method, Configured: set.Configured()}
		c, ok := s.clients[set.Method]
		if !ok {
			continue
		}
		results[i].Available = true
		g.Go(func() error {
			acct, err := c.FetchAccount(gctx)
			results[i].Account = acct
			results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// StatusSnapshot returns the current auth state.
func (s *Selector) StatusSnapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// Configured reports whether any client is available.
func (s *Selector) Configured() bool {
	return len(s.order) > 0
}

func (s *Selector) statusLocked() Status {
	_, tokenOK := s.clients[model.AuthToken]
	_, keyOK := s.clients[model.AuthAPIKey]
	return Status{
		Connected:                len(s.order) > 0 && !s.exhausted,
		CurrentAuthMethod:        s.current,
		AuthTokenConfigured:      s.primary.Configured(),
		APIKeyConfigured:         s.fallback.Configured(),
		AuthTokenClientAvailable: tokenOK,
		APIKeyClientAvailable:    keyOK,
		LastError:                s.lastError,
	}
}

func (s *Selector) succeeded(method model.AuthMethod) {
	s.mu.Lock()
	wasExhausted := s.exhausted
	s.exhausted = false
	if s.current == model.AuthNone {
		s.current = method
	}
	st := s.statusLocked()
	s.mu.Unlock()

	if wasExhausted {
		s.publish(st)
	}
}

func (s *Selector) recordError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

func (s *Selector) publish(st Status) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(model.NewEvent(model.EventAuthStatus, st))
}
