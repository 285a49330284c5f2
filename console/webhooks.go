// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package console

import (
	"errors"
	"net/http"

	"github.com/twilio/twilio-go/client"

	"github.com/sprucehealth/twibridge/engine"
	"github.com/sprucehealth/twibridge/model"
)

// hangupXML is served when building a response fails.
const hangupXML = `<?xml version="1.0" encoding="UTF-8"?><Response><Hangup/></Response>`

func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	markup, err := s.engine.AnswerAgentLeg(r.Context(), engine.AnswerRequest{
		CallSid:      model.SID(r.PostFormValue("CallSid")),
		CallStatus:   r.PostFormValue("CallStatus"),
		SessionToken: q.Get("session"),
		Customer:     q.Get("customer"),
	})
	s.writeMarkup(w, r, markup, err)
}

func (s *Server) handleIncoming(line engine.Line) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		markup, err := s.engine.IncomingCall(r.Context(), engine.IncomingRequest{
			Line:       line,
			CallSid:    model.SID(r.PostFormValue("CallSid")),
			From:       r.PostFormValue("From"),
			To:         r.PostFormValue("To"),
			CallStatus: r.PostFormValue("CallStatus"),
		})
		s.writeMarkup(w, r, markup, err)
	}
}

// handleStatus always acknowledges so the carrier does not retry.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	err := s.engine.UpdateStatus(r.Context(), engine.StatusUpdate{
		CallSid:       model.SID(r.PostFormValue("CallSid")),
		CallStatus:    r.PostFormValue("CallStatus"),
		ParentCallSid: model.SID(r.PostFormValue("ParentCallSid")),
		SessionToken:  r.URL.Query().Get("session"),
		From:          r.PostFormValue("From"),
		To:            r.PostFormValue("To"),
		Timestamp:     r.PostFormValue("Timestamp"),
	})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrUnknownSession):
		s.logger.InfoContext(r.Context(), "console: status for untracked call", "sid", r.PostFormValue("CallSid"))
	default:
		s.logger.WarnContext(r.Context(), "console: status webhook", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeMarkup(w http.ResponseWriter, r *http.Request, markup string, err error) {
	if err != nil {
		s.logger.ErrorContext(r.Context(), "console: webhook response", "path", r.URL.Path, "error", err)
		markup = hangupXML
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(markup))
}

// signatureMiddleware rejects webhook requests whose X-Twilio-Signature does
// not match the public URL and form parameters.
func (s *Server) signatureMiddleware(next http.Handler) http.Handler {
	if !s.opts.ValidateWebhooks {
		return next
	}
	validator := client.NewRequestValidator(s.opts.AuthToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		target := s.opts.BackendURL + r.URL.RequestURI()
		if !validator.Validate(target, params, r.Header.Get("X-Twilio-Signature")) {
			s.logger.WarnContext(r.Context(), "console: invalid webhook signature", "path", r.URL.Path)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
