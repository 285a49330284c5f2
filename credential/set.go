// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package credential chooses which carrier credential set backs outbound
// requests, falling back from the account auth token to an API key when the
// carrier rejects the credentials.
package credential

import (
	"time"

	"github.com/sprucehealth/twibridge/carrier"
	"github.com/sprucehealth/twibridge/model"
)

// Credentials are the raw secrets loaded from configuration. Any of them may be empty.
type Credentials struct {
	AccountSID   string
	AuthToken    string
	APIKeySID    string
	APIKeySecret string
	// Timeout bounds each carrier REST request.
	Timeout time.Duration
}

// Set is one immutable credential set
type Set struct {
	Method     model.AuthMethod
	AccountSID string
	Identity   string
	Secret     string
	Timeout    time.Duration
}

// Primary returns the account SID + auth token set.
func (c Credentials) Primary() Set {
	return Set{
		Method:     model.AuthToken,
		AccountSID: c.AccountSID,
		Identity:   c.AccountSID,
		Secret:     c.AuthToken,
		Timeout:    c.Timeout,
	}
}

// Fallback returns the API key set scoped to the account SID.
func (c Credentials) Fallback() Set {
	return Set{
		Method:     model.AuthAPIKey,
		AccountSID: c.AccountSID,
		Identity:   c.APIKeySID,
		Secret:     c.APIKeySecret,
		Timeout:    c.Timeout,
	}
}

// Configured reports whether the method specific secrets are present. For the
// auth token set that is the token alone; the account SID is checked by Valid.
func (s Set) Configured() bool {
	if s.Method == model.AuthToken {
		return s.Secret != ""
	}
	return s.Identity != "" && s.Secret != ""
}

// Valid reports whether a client can be built from the set.
func (s Set) Valid() bool {
	return s.Configured() && s.AccountSID != ""
}

// CarrierConfig converts the set into a carrier client configuration.
func (s Set) CarrierConfig() carrier.Config {
	return carrier.Config{
		Method:     s.Method,
		AccountSID: s.AccountSID,
		Username:   s.Identity,
		Password:   s.Secret,
		Timeout:    s.Timeout,
	}
}

// Factory builds a carrier client for a valid set.
type Factory func(Set) (carrier.Client, error)

// TwilioFactory builds twilio-go backed clients.
func TwilioFactory(opts ...carrier.Option) Factory {
	return func(s Set) (carrier.Client, error) {
		return carrier.NewTwilioClient(s.CarrierConfig(), opts...)
	}
}
