package console

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sprucehealth/twibridge/carrier"
	"github.com/sprucehealth/twibridge/credential"
	"github.com/sprucehealth/twibridge/engine"
)

const maxConnectBody = 1 << 16

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req engine.ConnectRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConnectBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	res, err := s.engine.Connect(r.Context(), req)
	if err != nil {
		status, kind := connectErrorStatus(err)
		s.logger.WarnContext(r.Context(), "console: connect failed",
			"status", status, "kind", kind, "error", err)
		writeError(w, status, kind, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// connectErrorStatus maps a Connect failure to an HTTP status and error kind.
func connectErrorStatus(err error) (int, string) {
	var authErr *credential.AuthError
	var carrierErr *carrier.Error
	switch {
	case errors.Is(err, engine.ErrInvalidNumber):
		return http.StatusBadRequest, "invalid_number"
	case errors.Is(err, credential.ErrNoCredentials):
		return http.StatusServiceUnavailable, "no_credentials"
	case errors.Is(err, engine.ErrNotConfigured):
		return http.StatusServiceUnavailable, "not_configured"
	case errors.As(err, &authErr):
		return http.StatusBadGateway, string(authErr.Reason)
	case errors.As(err, &carrierErr):
		return http.StatusBadGateway, string(carrierErr.Kind)
	default:
		return http.StatusInternalServerError, "internal"
	}
}
