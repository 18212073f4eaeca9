// Package api exposes the control plane as a JSON-over-HTTP surface.
// Handlers translate wire payloads into service calls; every error that
// crosses the boundary is a structured {reason_code, message, details}
// object with its status taken from the contract table.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/crewplane/core/pkg/contracts"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// writeJSON renders v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto the wire error shape. Structured errors keep
// their reason code; anything else is an opaque internal_error so
// implementation detail never leaks to clients.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if ce, ok := contracts.AsError(err); ok {
		writeJSON(w, contracts.StatusForReason(ce.ReasonCode), ce)
		return
	}
	logger.Error("request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, &contracts.Error{
		ReasonCode: contracts.ReasonInternalError,
		Message:    "internal error",
	})
}

// decode reads a bounded JSON body into dst. An empty body decodes to the
// zero value so endpoints with optional payloads work without one. Bodies
// that carry a schema_version are rejected unless the version is
// supported, before any endpoint-specific decoding happens.
func decode(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return contracts.NewError(contracts.ReasonMissingRequiredField, "request body exceeds 1MiB")
		}
		return contracts.NewError(contracts.ReasonMissingRequiredField, "unreadable request body")
	}
	if len(raw) == 0 {
		return nil
	}
	var versioned struct {
		SchemaVersion string `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &versioned); err == nil {
		if err := contracts.AssertSupportedSchemaVersion(versioned.SchemaVersion); err != nil {
			return err
		}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return contracts.NewError(contracts.ReasonMissingRequiredField, "malformed JSON body")
	}
	return nil
}
