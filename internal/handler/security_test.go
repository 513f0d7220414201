package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kitarena/promo-engine/internal/domain/auth"
)

// memKeys maps key hashes to key info.
type memKeys map[string]*auth.APIKeyInfo

func (m memKeys) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	if info, ok := m[hash]; ok {
		return info, nil
	}
	return nil, auth.ErrKeyNotFound
}

func TestRequireAPIKey(t *testing.T) {
	pepper := []byte("pepper")
	keys := memKeys{
		auth.HashKey("valid-key", pepper): {ID: "k1", Name: "checkout", Scopes: []string{"apply"}},
	}

	var gotInfo *auth.APIKeyInfo
	h := RequireAPIKey(keys, pepper)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotInfo, _ = KeyFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("api_key", "valid-key")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, gotInfo)
		assert.Equal(t, "checkout", gotInfo.Name)
	})

	t.Run("missing key", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.JSONEq(t, `{"error":"unauthorized"}`, w.Body.String())
	})

	t.Run("unknown key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("api_key", "wrong-key")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestRequireScope(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	withKey := func(info *auth.APIKeyInfo) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if info != nil {
			req = req.WithContext(context.WithValue(req.Context(), apiKeyCtxKey{}, info))
		}
		return req
	}

	h := RequireScope(auth.ScopeAdmin)(next)

	t.Run("scope present", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, withKey(&auth.APIKeyInfo{Scopes: []string{auth.ScopeAdmin}}))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("scope missing", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, withKey(&auth.APIKeyInfo{Scopes: []string{"apply"}}))
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.JSONEq(t, `{"error":"insufficient scope"}`, w.Body.String())
	})

	t.Run("unauthenticated", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, withKey(nil))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}
