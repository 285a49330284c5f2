// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrInvalidNumber is returned for a phone number that is not E.164.
	ErrInvalidNumber = errors.New("invalid phone number")
	// ErrNotConfigured is returned when a carrier number the request needs is not configured.
	ErrNotConfigured = errors.New("not configured")
	// ErrUnknownSession is returned for a webhook about a leg the engine cannot place in any session.
	ErrUnknownSession = errors.New("unknown session")
	ErrUnknownLine    = errors.New("unknown line")
	ErrInvalidStatus  = errors.New("invalid call status")
)

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{1,14}$`)

// ValidateNumber checks that number is in E.164 format.
func ValidateNumber(number string) error {
	if !e164.MatchString(number) {
		return fmt.Errorf("%w: %q is not in E.164 format", ErrInvalidNumber, number)
	}
	return nil
}
