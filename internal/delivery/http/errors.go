package api

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"device-orchestrator/internal/core/apps"
	"device-orchestrator/internal/core/batch"
	"device-orchestrator/internal/core/connect"
	"device-orchestrator/internal/core/devices"
	"device-orchestrator/internal/core/provider"
	"device-orchestrator/internal/core/quota"
	"device-orchestrator/internal/core/saga"
)

type errorBody struct {
	Error string `json:"error" example:"device not found"`
	Code  string `json:"code" example:"not_found"`
}

// classify maps domain errors onto a status and a stable code.
func classify(err error) (int, string) {
	var ve *saga.ValidationError
	switch {
	case errors.As(err, &ve) && errors.Is(err, quota.ErrExceeded):
		return http.StatusBadRequest, "quota_exceeded"
	case errors.As(err, &ve),
		errors.Is(err, batch.ErrUnknownOp),
		errors.Is(err, batch.ErrNoDevices),
		errors.Is(err, batch.ErrAppMissing),
		errors.Is(err, apps.ErrUnknownApp),
		errors.Is(err, provider.ErrUnknownProvider),
		errors.Is(err, devices.ErrNotRefreshable):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, provider.ErrUnsupported):
		return http.StatusBadRequest, "unsupported"
	case errors.Is(err, devices.ErrNotFound), errors.Is(err, saga.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, devices.ErrIllegalTransition):
		return http.StatusConflict, "illegal_transition"
	case errors.Is(err, devices.ErrStale):
		return http.StatusConflict, "stale"
	case errors.Is(err, connect.ErrNotConnectable), errors.Is(err, devices.ErrNotRunning):
		return http.StatusConflict, "not_connectable"
	case errors.Is(err, devices.ErrNoInstance), errors.Is(err, devices.ErrInstanceInUse),
		errors.Is(err, saga.ErrFinished), errors.Is(err, saga.ErrNotOwned):
		return http.StatusConflict, "conflict"
	case errors.Is(err, saga.ErrQuotaUnavailable):
		return http.StatusServiceUnavailable, "quota_unavailable"
	}
	if k, ok := provider.KindOf(err); ok {
		switch k {
		case provider.KindResourceExhausted:
			return http.StatusServiceUnavailable, "provider_resource_exhausted"
		case provider.KindTransient:
			return http.StatusServiceUnavailable, "provider_transient"
		case provider.KindNotFound:
			return http.StatusBadGateway, "provider_not_found"
		default:
			return http.StatusBadGateway, "provider_fatal"
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

func writeError(w http.ResponseWriter, lg zerolog.Logger, err error) {
	status, code := classify(err)
	ev := lg.Warn()
	if status >= http.StatusInternalServerError {
		ev = lg.Error()
	}
	ev.Err(err).Int("status", status).Str("code", code).Msg("request failed")
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}
