package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/flowctl/flowctl/internal/domain"
	"github.com/flowctl/flowctl/internal/store"
)

type identityCtxKey struct{}

// identity is the authenticated caller attached to a request's context
// once its API key has been resolved against the Storage port.
type identity struct {
	KeyID    string
	TenantID string
	KeyName  string
	key      *domain.ApiKey
}

func identityFromContext(ctx context.Context) (*identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(*identity)
	return id, ok
}

// requirePermission wraps next with API-key authentication, rejecting
// requests that lack a key carrying perm. The key is looked up by its
// unsalted SHA-256 hex digest (hashAPIKey) via GetAPIKeyByHash, mirroring the header precedence of
// the original control plane: X-API-Key first, then a bearer-style
// "Authorization: ApiKey <key>".
func (h *Handler) requirePermission(perm domain.ApiPermission, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := extractAPIKey(r)
		if raw == "" {
			writeErrorCode(w, http.StatusUnauthorized, "MissingAPIKey", "no API key presented", nil)
			return
		}

		hash := hashAPIKey(raw)
		key, err := h.store.GetAPIKeyByHash(r.Context(), hash)
		if err != nil {
			if err == store.ErrNotFound {
				writeErrorCode(w, http.StatusUnauthorized, "InvalidAPIKey", "API key not recognized", nil)
				return
			}
			writeError(w, err)
			return
		}

		if !key.HasPermission(perm) {
			writeErrorCode(w, http.StatusForbidden, "InsufficientPermission", "API key lacks "+string(perm)+" permission", nil)
			return
		}

		id := &identity{KeyID: key.ID, TenantID: key.TenantID, KeyName: key.Name, key: key}
		ctx := context.WithValue(r.Context(), identityCtxKey{}, id)
		next(w, r.WithContext(ctx))
	}
}

func extractAPIKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "ApiKey ") {
		return strings.TrimPrefix(auth, "ApiKey ")
	}
	return ""
}

func hashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// verifyAPIKey reports whether plaintext hashes to hash, comparing the
// two digests in constant time.
func verifyAPIKey(plaintext, hash string) bool {
	computed := hashAPIKey(plaintext)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}
