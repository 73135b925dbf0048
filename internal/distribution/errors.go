// Package distribution implements the OCI Distribution wire protocol over
// the registry core services.
package distribution

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/bosunhq/bosun/internal/domain"
)

// Error codes from the OCI distribution specification.
const (
	codeBlobUnknown         = "BLOB_UNKNOWN"
	codeBlobUploadInvalid   = "BLOB_UPLOAD_INVALID"
	codeBlobUploadUnknown   = "BLOB_UPLOAD_UNKNOWN"
	codeDigestInvalid       = "DIGEST_INVALID"
	codeManifestBlobUnknown = "MANIFEST_BLOB_UNKNOWN"
	codeManifestInvalid     = "MANIFEST_INVALID"
	codeManifestUnknown     = "MANIFEST_UNKNOWN"
	codeNameInvalid         = "NAME_INVALID"
	codeNameUnknown         = "NAME_UNKNOWN"
	codeRangeInvalid        = "RANGE_INVALID"
	codeUnauthorized        = "UNAUTHORIZED"
	codeDenied              = "DENIED"
	codeUnsupported         = "UNSUPPORTED"
	codeUnknown             = "UNKNOWN"
)

type errorItem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type errorResponse struct {
	Errors []errorItem `json:"errors"`
}

// sendError writes an OCI-formatted JSON error body.
func sendError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="bosun registry"`)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Errors: []errorItem{{Code: code, Message: message}},
	})
}

// sendDomainError maps a domain error onto an OCI error code and status.
// notFoundCode names the code used for ErrNotFound, which depends on what
// the endpoint was looking up.
func sendDomainError(w http.ResponseWriter, err error, notFoundCode string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		sendError(w, http.StatusNotFound, notFoundCode, err.Error())
	case errors.Is(err, domain.ErrNameInvalid):
		sendError(w, http.StatusBadRequest, codeNameInvalid, err.Error())
	case errors.Is(err, domain.ErrDigestMismatch):
		sendError(w, http.StatusBadRequest, codeDigestInvalid, err.Error())
	case errors.Is(err, domain.ErrManifestInvalid):
		sendError(w, http.StatusBadRequest, codeManifestInvalid, err.Error())
	case errors.Is(err, domain.ErrBlobNotFound):
		sendError(w, http.StatusBadRequest, codeManifestBlobUnknown, err.Error())
	case errors.Is(err, domain.ErrRangeMismatch):
		sendError(w, http.StatusRequestedRangeNotSatisfiable, codeRangeInvalid, err.Error())
	case errors.Is(err, domain.ErrExpired):
		sendError(w, http.StatusGone, codeBlobUploadUnknown, err.Error())
	case errors.Is(err, domain.ErrSessionBusy), errors.Is(err, domain.ErrConflict):
		sendError(w, http.StatusConflict, codeBlobUploadInvalid, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		sendError(w, http.StatusUnauthorized, codeUnauthorized, "authentication required")
	case errors.Is(err, domain.ErrForbidden):
		sendError(w, http.StatusForbidden, codeDenied, "requested access to the resource is denied")
	default:
		log.Error().Err(err).Msg("distribution: internal error")
		sendError(w, http.StatusInternalServerError, codeUnknown, "internal error")
	}
}
