package handler

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/visionjobs/internal/api/middleware"
	"github.com/kiranshivaraju/visionjobs/internal/api/response"
	"github.com/kiranshivaraju/visionjobs/internal/store"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const rawKeyPrefix = "vj_"

var knownScopes = []string{models.ScopeRead, models.ScopeAdmin}

// NewAPIKey generates a random key. The raw key is returned once; only
// its hash and prefix are kept on the model.
func NewAPIKey(name string, scopes []string) (string, *models.APIKey, error) {
	if name == "" {
		return "", nil, fmt.Errorf("name is required")
	}
	if len(scopes) == 0 {
		scopes = []string{models.ScopeRead}
	}
	for _, s := range scopes {
		if !slices.Contains(knownScopes, s) {
			return "", nil, fmt.Errorf("unknown scope %q", s)
		}
	}

	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	raw := rawKeyPrefix + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash key: %w", err)
	}

	return raw, &models.APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:mw.KeyPrefixLen],
		Scopes:    scopes,
	}, nil
}

type createKeyRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

type createKeyResponse struct {
	*models.APIKey
	Key string `json:"key"`
}

// NewCreateKeyHandler returns POST /api/v1/admin/keys.
func NewCreateKeyHandler(keys store.KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		raw, key, err := NewAPIKey(req.Name, req.Scopes)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
		if err := keys.CreateAPIKey(r.Context(), key); err != nil {
			slog.Error("create api key", "error", err)
			writeStoreError(w, err, "")
			return
		}

		slog.Info("api key created", "key_id", key.ID, "key_prefix", key.KeyPrefix, "scopes", key.Scopes)
		response.Created(w, createKeyResponse{APIKey: key, Key: raw})
	}
}

// NewListKeysHandler returns GET /api/v1/admin/keys.
func NewListKeysHandler(keys store.KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := keys.ListAPIKeys(r.Context())
		if err != nil {
			writeStoreError(w, err, "")
			return
		}
		if list == nil {
			list = []*models.APIKey{}
		}
		response.JSON(w, list)
	}
}

// NewRevokeKeyHandler returns DELETE /api/v1/admin/keys/{keyID}. A key
// cannot revoke itself.
func NewRevokeKeyHandler(keys store.KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid key id", nil)
			return
		}
		if self, ok := mw.GetKeyID(r); ok && self == id {
			response.Error(w, http.StatusConflict, "INVALID_STATE", "A key cannot revoke itself", nil)
			return
		}

		if err := keys.RevokeAPIKey(r.Context(), id); err != nil {
			writeStoreError(w, err, "API key not found")
			return
		}
		slog.Info("api key revoked", "key_id", id)
		response.NoContent(w)
	}
}
