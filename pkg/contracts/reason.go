package contracts

import (
	"errors"
	"fmt"
	"net/http"
)

// Reason codes returned to clients. The code set and its HTTP mapping are
// part of the public contract; handlers never invent ad-hoc strings.
const (
	ReasonUnsupportedVersion       = "unsupported_version"
	ReasonMissingWorkspaceHeader   = "missing_workspace_header"
	ReasonMissingRequiredField     = "missing_required_field"
	ReasonInvalidWorkItemType      = "invalid_work_item_type"
	ReasonUnauthorizedWorkspace    = "unauthorized_workspace"
	ReasonUnknownAgent             = "unknown_agent"
	ReasonNotFound                 = "not_found"
	ReasonAlreadyClaimed           = "already_claimed"
	ReasonCorrelationIDMismatch    = "correlation_id_mismatch"
	ReasonLeaseNotOwned            = "lease_not_owned"
	ReasonLeaseVersionMismatch     = "lease_version_mismatch"
	ReasonHeartbeatRateLimited     = "heartbeat_rate_limited"
	ReasonProjectionUnavailable    = "projection_unavailable"
	ReasonInternalError            = "internal_error"
	ReasonDuplicateIdempotent      = "duplicate_idempotent_replay"
	ReasonEngineTokenInvalid       = "engine_token_invalid"
	ReasonEngineTokenExpired       = "engine_token_expired"
	ReasonCapabilityTokenExpired   = "capability_token_expired"
	ReasonIncidentClosed           = "incident_closed"
	ReasonIncidentCloseMissingRCA  = "incident_close_blocked_missing_rca"
	ReasonIncidentCloseNoLearning  = "incident_close_blocked_missing_learning"
	ReasonExperimentHasActiveRuns  = "experiment_has_active_runs"
	ReasonExperimentNotOpen        = "experiment_not_open"
	ReasonRecommendationNotPending = "recommendation_not_pending"
	ReasonRunNotClaimable          = "run_not_claimable"
	ReasonEventValidationFailed    = "event_store.validation_failed"
	ReasonEventAppendFailed        = "event_store.append_failed"
)

// statusByReason is the fixed reason-code → HTTP status table.
var statusByReason = map[string]int{
	ReasonUnsupportedVersion:       http.StatusBadRequest,
	ReasonMissingWorkspaceHeader:   http.StatusBadRequest,
	ReasonMissingRequiredField:     http.StatusBadRequest,
	ReasonInvalidWorkItemType:      http.StatusBadRequest,
	ReasonEventValidationFailed:    http.StatusBadRequest,
	ReasonEngineTokenInvalid:       http.StatusUnauthorized,
	ReasonEngineTokenExpired:       http.StatusUnauthorized,
	ReasonCapabilityTokenExpired:   http.StatusUnauthorized,
	ReasonUnauthorizedWorkspace:    http.StatusForbidden,
	ReasonUnknownAgent:             http.StatusNotFound,
	ReasonNotFound:                 http.StatusNotFound,
	ReasonAlreadyClaimed:           http.StatusConflict,
	ReasonCorrelationIDMismatch:    http.StatusConflict,
	ReasonLeaseNotOwned:            http.StatusConflict,
	ReasonLeaseVersionMismatch:     http.StatusConflict,
	ReasonIncidentClosed:           http.StatusConflict,
	ReasonIncidentCloseMissingRCA:  http.StatusConflict,
	ReasonIncidentCloseNoLearning:  http.StatusConflict,
	ReasonExperimentHasActiveRuns:  http.StatusConflict,
	ReasonExperimentNotOpen:        http.StatusConflict,
	ReasonRecommendationNotPending: http.StatusConflict,
	ReasonRunNotClaimable:          http.StatusConflict,
	ReasonHeartbeatRateLimited:     http.StatusTooManyRequests,
	ReasonProjectionUnavailable:    http.StatusServiceUnavailable,
	ReasonEventAppendFailed:        http.StatusInternalServerError,
	ReasonInternalError:            http.StatusInternalServerError,
	ReasonDuplicateIdempotent:      http.StatusOK,
}

// StatusForReason maps a reason code to its HTTP status. Unknown codes
// map to 500 so a missing table entry can never leak a 200.
func StatusForReason(code string) int {
	if s, ok := statusByReason[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is the structured error carried from domain components to the API
// boundary. Details is optional diagnostic payload echoed to the client.
type Error struct {
	ReasonCode string         `json:"reason_code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.ReasonCode, e.Message)
}

// NewError builds a structured error with the given reason code.
func NewError(code, message string) *Error {
	return &Error{ReasonCode: code, Message: message}
}

// WithDetail attaches a diagnostic key to the error and returns it.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// AsError extracts a structured *Error from err, if one is in the chain.
func AsError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Sentinels shared across packages.
var (
	ErrMissingField = errors.New("missing required field")
	ErrNotFound     = errors.New("not found")
)
