package distribution

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog/log"

	"github.com/bosunhq/bosun/internal/auth"
	"github.com/bosunhq/bosun/internal/domain"
	"github.com/bosunhq/bosun/internal/registry"
)

// MaxManifestSize limits manifest uploads to 4MB, the distribution
// reference limit.
const MaxManifestSize = 4 * 1024 * 1024

// Handler serves the Docker/OCI Distribution API v2 on /v2/.
type Handler struct {
	svc   *registry.Service
	authn *auth.Service
	authz *auth.Authorizer
}

// NewHandler creates the distribution protocol handler.
func NewHandler(svc *registry.Service, authn *auth.Service, authz *auth.Authorizer) *Handler {
	return &Handler{svc: svc, authn: authn, authz: authz}
}

// ServeHTTP routes /v2/ requests. Go's ServeMux cannot express repository
// names containing slashes, so paths are dispatched manually.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("distribution request")

	path := r.URL.Path
	if path == "/v2/" || path == "/v2" {
		h.handleBase(w, r)
		return
	}

	trimmed := strings.TrimPrefix(path, "/v2/")
	switch {
	case strings.Contains(trimmed, "/blobs/uploads"):
		h.routeUploads(w, r, trimmed)
	case strings.Contains(trimmed, "/manifests/"):
		h.routeManifests(w, r, trimmed)
	case strings.Contains(trimmed, "/blobs/"):
		h.routeBlobs(w, r, trimmed)
	case strings.HasSuffix(trimmed, "/tags/list"):
		h.routeTagList(w, r, trimmed)
	default:
		sendError(w, http.StatusNotFound, codeUnsupported, "route not found")
	}
}

// handleBase is the version check and auth probe. Anonymous probing is
// allowed, but a bad credential gets a 401 challenge so docker login can
// retry.
func (h *Handler) handleBase(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authn.Authenticate(r.Context(), r.Header.Get("Authorization")); err != nil {
		sendDomainError(w, err, codeUnknown)
		return
	}
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.WriteHeader(http.StatusOK)
}

// splitName splits "org/repo/..." at the marker segment and validates the
// two-level repository name.
func splitName(trimmed, marker string) (org, repo, rest string, err error) {
	idx := strings.Index(trimmed, marker)
	if idx < 0 {
		return "", "", "", fmt.Errorf("route: %w", domain.ErrNotFound)
	}
	name := strings.TrimSuffix(trimmed[:idx], "/")
	rest = strings.TrimPrefix(trimmed[idx+len(marker):], "/")

	parts := strings.Split(name, "/")
	if len(parts) != 2 {
		return "", "", "", fmt.Errorf("repository name %q must be org/repo: %w", name, domain.ErrNameInvalid)
	}
	org, repo = parts[0], parts[1]
	if !domain.ValidOrgName(org) {
		return "", "", "", fmt.Errorf("organization %q: %w", org, domain.ErrNameInvalid)
	}
	if !domain.ValidRepoName(repo) {
		return "", "", "", fmt.Errorf("repository %q: %w", repo, domain.ErrNameInvalid)
	}
	return org, repo, rest, nil
}

// authorize authenticates the request and checks the action against the
// repository. It writes the error response itself when access is denied.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, org, repo string, action domain.Action) bool {
	principal, err := h.authn.Authenticate(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		sendDomainError(w, err, codeUnknown)
		return false
	}
	switch h.authz.Authorize(r.Context(), principal, org, repo, action) {
	case auth.Allow:
		return true
	case auth.DenyUnauthenticated:
		sendError(w, http.StatusUnauthorized, codeUnauthorized, "authentication required")
	default:
		sendError(w, http.StatusForbidden, codeDenied, "requested access to the resource is denied")
	}
	return false
}

func (h *Handler) routeManifests(w http.ResponseWriter, r *http.Request, trimmed string) {
	org, repo, ref, err := splitName(trimmed, "/manifests/")
	if err != nil || ref == "" || strings.Contains(ref, "/") {
		sendError(w, http.StatusBadRequest, codeNameInvalid, "bad manifest reference")
		return
	}

	switch r.Method {
	case http.MethodHead, http.MethodGet:
		if !h.authorize(w, r, org, repo, domain.ActionPull) {
			return
		}
		h.getManifest(w, r, org, repo, ref)
	case http.MethodPut:
		if !h.authorize(w, r, org, repo, domain.ActionPush) {
			return
		}
		h.putManifest(w, r, org, repo, ref)
	case http.MethodDelete:
		if !h.authorize(w, r, org, repo, domain.ActionDelete) {
			return
		}
		h.deleteManifest(w, r, org, repo, ref)
	default:
		sendError(w, http.StatusMethodNotAllowed, codeUnsupported, "method not allowed")
	}
}

func (h *Handler) getManifest(w http.ResponseWriter, r *http.Request, org, repo, ref string) {
	data, mediaType, dgst, err := h.svc.GetManifest(r.Context(), org, repo, ref)
	if err != nil {
		sendDomainError(w, err, codeManifestUnknown)
		return
	}

	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(data)
	}
}

func (h *Handler) putManifest(w http.ResponseWriter, r *http.Request, org, repo, ref string) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxManifestSize)
	data, err := readAll(r)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			sendError(w, http.StatusRequestEntityTooLarge, codeManifestInvalid, "manifest exceeds maximum size")
			return
		}
		sendError(w, http.StatusBadRequest, codeManifestInvalid, "invalid manifest data")
		return
	}

	dgst, err := h.svc.PutManifest(r.Context(), org, repo, ref, data)
	if err != nil {
		sendDomainError(w, err, codeNameUnknown)
		return
	}

	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/%s/manifests/%s", org, repo, dgst))
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) deleteManifest(w http.ResponseWriter, r *http.Request, org, repo, ref string) {
	if err := h.svc.DeleteManifest(r.Context(), org, repo, ref); err != nil {
		sendDomainError(w, err, codeManifestUnknown)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) routeBlobs(w http.ResponseWriter, r *http.Request, trimmed string) {
	org, repo, rest, err := splitName(trimmed, "/blobs/")
	if err != nil {
		sendDomainError(w, err, codeNameUnknown)
		return
	}
	dgst := digest.Digest(rest)
	if err := dgst.Validate(); err != nil {
		sendError(w, http.StatusBadRequest, codeDigestInvalid, "invalid blob digest")
		return
	}

	if r.Method != http.MethodHead && r.Method != http.MethodGet {
		sendError(w, http.StatusMethodNotAllowed, codeUnsupported, "method not allowed")
		return
	}
	if !h.authorize(w, r, org, repo, domain.ActionPull) {
		return
	}

	if r.Method == http.MethodHead {
		size, _, err := h.svc.StatBlob(dgst)
		if err != nil {
			sendDomainError(w, err, codeBlobUnknown)
			return
		}
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.Header().Set("Docker-Content-Digest", dgst.String())
		w.WriteHeader(http.StatusOK)
		return
	}

	rc, _, err := h.svc.OpenBlob(dgst)
	if err != nil {
		sendDomainError(w, err, codeBlobUnknown)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Docker-Content-Digest", dgst.String())
	// ServeContent handles byte-range requests for resumable pulls.
	http.ServeContent(w, r, "", time.Time{}, rc)
}

func (h *Handler) routeUploads(w http.ResponseWriter, r *http.Request, trimmed string) {
	org, repo, rest, err := splitName(trimmed, "/blobs/uploads")
	if err != nil {
		sendDomainError(w, err, codeNameUnknown)
		return
	}

	if rest == "" {
		if r.Method != http.MethodPost {
			sendError(w, http.StatusMethodNotAllowed, codeUnsupported, "method not allowed")
			return
		}
		if !h.authorize(w, r, org, repo, domain.ActionPush) {
			return
		}
		h.startUpload(w, r, org, repo)
		return
	}

	if strings.Contains(rest, "/") {
		sendError(w, http.StatusBadRequest, codeBlobUploadInvalid, "bad upload session id")
		return
	}
	sessionID := rest

	action := domain.ActionPush
	if r.Method == http.MethodDelete {
		action = domain.ActionDelete
	}
	if !h.authorize(w, r, org, repo, action) {
		return
	}

	switch r.Method {
	case http.MethodPatch:
		h.patchUpload(w, r, org, repo, sessionID)
	case http.MethodPut:
		h.putUpload(w, r, org, repo, sessionID)
	case http.MethodGet:
		h.uploadStatus(w, r, org, repo, sessionID)
	case http.MethodDelete:
		if err := h.svc.Uploads().Abort(org, repo, sessionID); err != nil {
			sendDomainError(w, err, codeBlobUploadUnknown)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		sendError(w, http.StatusMethodNotAllowed, codeUnsupported, "method not allowed")
	}
}

// startUpload handles POST: a new resumable session, a blob mount from
// another repository, or a single-request monolithic upload.
func (h *Handler) startUpload(w http.ResponseWriter, r *http.Request, org, repo string) {
	query := r.URL.Query()

	// Blob mount: ?mount=<digest>&from=<org/repo>. The mount succeeds when
	// the blob already exists and the client may pull the source; content
	// addressing makes the copy free.
	if mount := query.Get("mount"); mount != "" {
		dgst := digest.Digest(mount)
		if err := dgst.Validate(); err == nil && h.svc.BlobExists(dgst) && h.mayPullSource(r, query.Get("from")) {
			w.Header().Set("Location", fmt.Sprintf("/v2/%s/%s/blobs/%s", org, repo, dgst))
			w.Header().Set("Docker-Content-Digest", dgst.String())
			w.WriteHeader(http.StatusCreated)
			return
		}
		// Mount failures fall through to a regular upload session.
	}

	// Monolithic upload: ?digest=<digest> with the whole blob as body.
	if rawDigest := query.Get("digest"); rawDigest != "" {
		dgst := digest.Digest(rawDigest)
		if err := dgst.Validate(); err != nil {
			sendError(w, http.StatusBadRequest, codeDigestInvalid, "invalid digest")
			return
		}
		if _, err := h.svc.PutBlob(r.Body, dgst); err != nil {
			sendDomainError(w, err, codeBlobUploadInvalid)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v2/%s/%s/blobs/%s", org, repo, dgst))
		w.Header().Set("Docker-Content-Digest", dgst.String())
		w.WriteHeader(http.StatusCreated)
		return
	}

	sessionID, err := h.svc.Uploads().Start(org, repo)
	if err != nil {
		sendDomainError(w, err, codeBlobUploadUnknown)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/%s/blobs/uploads/%s", org, repo, sessionID))
	w.Header().Set("Docker-Upload-UUID", sessionID)
	w.Header().Set("Range", "0-0")
	w.WriteHeader(http.StatusAccepted)
}

// mayPullSource checks pull access on the mount source repository.
func (h *Handler) mayPullSource(r *http.Request, from string) bool {
	parts := strings.Split(from, "/")
	if len(parts) != 2 {
		return false
	}
	principal, err := h.authn.Authenticate(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		return false
	}
	return h.authz.Authorize(r.Context(), principal, parts[0], parts[1], domain.ActionPull) == auth.Allow
}

func (h *Handler) patchUpload(w http.ResponseWriter, r *http.Request, org, repo, sessionID string) {
	start, err := h.chunkStart(r, org, repo, sessionID)
	if err != nil {
		sendDomainError(w, err, codeBlobUploadUnknown)
		return
	}

	offset, err := h.svc.Uploads().Append(org, repo, sessionID, start, r.Body)
	if err != nil {
		sendDomainError(w, err, codeBlobUploadUnknown)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/%s/blobs/uploads/%s", org, repo, sessionID))
	w.Header().Set("Docker-Upload-UUID", sessionID)
	w.Header().Set("Range", fmt.Sprintf("0-%d", offset-1))
	w.WriteHeader(http.StatusAccepted)
}

// putUpload finalizes a session: an optional trailing chunk, then digest
// verification and promotion to a committed blob.
func (h *Handler) putUpload(w http.ResponseWriter, r *http.Request, org, repo, sessionID string) {
	rawDigest := r.URL.Query().Get("digest")
	dgst := digest.Digest(rawDigest)
	if err := dgst.Validate(); err != nil {
		sendError(w, http.StatusBadRequest, codeDigestInvalid, "invalid digest")
		return
	}

	if r.ContentLength != 0 {
		start, err := h.chunkStart(r, org, repo, sessionID)
		if err != nil {
			sendDomainError(w, err, codeBlobUploadUnknown)
			return
		}
		if _, err := h.svc.Uploads().Append(org, repo, sessionID, start, r.Body); err != nil {
			sendDomainError(w, err, codeBlobUploadUnknown)
			return
		}
	}

	if _, err := h.svc.Uploads().Commit(org, repo, sessionID, dgst); err != nil {
		sendDomainError(w, err, codeBlobUploadUnknown)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/%s/blobs/%s", org, repo, dgst))
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) uploadStatus(w http.ResponseWriter, r *http.Request, org, repo, sessionID string) {
	offset, err := h.svc.Uploads().Status(org, repo, sessionID)
	if err != nil {
		sendDomainError(w, err, codeBlobUploadUnknown)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/%s/blobs/uploads/%s", org, repo, sessionID))
	w.Header().Set("Docker-Upload-UUID", sessionID)
	w.Header().Set("Range", fmt.Sprintf("0-%d", offset-1))
	w.WriteHeader(http.StatusNoContent)
}

// chunkStart determines where the incoming chunk claims to begin: the
// Content-Range start when present, otherwise the session's current offset.
func (h *Handler) chunkStart(r *http.Request, org, repo, sessionID string) (int64, error) {
	contentRange := r.Header.Get("Content-Range")
	if contentRange == "" {
		return h.svc.Uploads().Status(org, repo, sessionID)
	}
	startStr, _, ok := strings.Cut(contentRange, "-")
	if !ok {
		return 0, fmt.Errorf("malformed Content-Range %q: %w", contentRange, domain.ErrRangeMismatch)
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Content-Range %q: %w", contentRange, domain.ErrRangeMismatch)
	}
	return start, nil
}

func (h *Handler) routeTagList(w http.ResponseWriter, r *http.Request, trimmed string) {
	org, repo, _, err := splitName(trimmed, "/tags/list")
	if err != nil {
		sendDomainError(w, err, codeNameUnknown)
		return
	}
	if r.Method != http.MethodGet {
		sendError(w, http.StatusMethodNotAllowed, codeUnsupported, "method not allowed")
		return
	}
	if !h.authorize(w, r, org, repo, domain.ActionPull) {
		return
	}

	tags, err := h.svc.ListTags(r.Context(), org, repo)
	if err != nil {
		sendDomainError(w, err, codeNameUnknown)
		return
	}
	if tags == nil {
		tags = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusOK, map[string]any{
		"name": org + "/" + repo,
		"tags": tags,
	})
}

func readAll(r *http.Request) ([]byte, error) {
	return io.ReadAll(r.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
