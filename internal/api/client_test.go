package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketchat/internal/credstore"
)

func newTestClient(t *testing.T, handler http.Handler, creds CredentialStore) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, creds, srv.Client(), zerolog.Nop())
	require.NoError(t, err)
	return c
}

func writeUser(w http.ResponseWriter, name string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(User{ID: 1, Username: name})
}

func TestAuthenticatedRequestCarriesBearerToken(t *testing.T) {
	creds := &credstore.Memory{}
	require.NoError(t, creds.SaveTokens("access-1", "refresh-1"))

	var gotAuth string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		writeUser(w, "alice")
	}), creds)

	u, err := c.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, "Bearer access-1", gotAuth)
}

func TestRefreshOn401RetriesExactlyOnce(t *testing.T) {
	creds := &credstore.Memory{}
	require.NoError(t, creds.SaveTokens("stale", "refresh-1"))

	var meHits, refreshHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/users/me", func(w http.ResponseWriter, r *http.Request) {
		meHits.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeUser(w, "alice")
	})
	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshHits.Add(1)
		var req struct {
			RefreshToken string `json:"refreshToken"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "refresh-1", req.RefreshToken)
		json.NewEncoder(w).Encode(TokenPair{AccessToken: "fresh", RefreshToken: "refresh-2"})
	})

	c := newTestClient(t, mux, creds)
	u, err := c.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, int32(2), meHits.Load())
	assert.Equal(t, int32(1), refreshHits.Load())

	// The rotated pair was persisted.
	access, refresh, err := creds.Tokens()
	require.NoError(t, err)
	assert.Equal(t, "fresh", access)
	assert.Equal(t, "refresh-2", refresh)
}

func TestStill401AfterRefreshGivesUp(t *testing.T) {
	creds := &credstore.Memory{}
	require.NoError(t, creds.SaveTokens("stale", "refresh-1"))

	var meHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/users/me", func(w http.ResponseWriter, r *http.Request) {
		meHits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(TokenPair{AccessToken: "fresh", RefreshToken: "refresh-2"})
	})

	c := newTestClient(t, mux, creds)
	_, err := c.CurrentUser(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(2), meHits.Load())
}

func TestFailedRefreshPurgesCredentials(t *testing.T) {
	creds := &credstore.Memory{}
	require.NoError(t, creds.SaveTokens("stale", "dead-refresh"))

	mux := http.NewServeMux()
	mux.HandleFunc("/api/users/me", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	c := newTestClient(t, mux, creds)
	_, err := c.CurrentUser(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)

	access, refresh, err := creds.Tokens()
	require.NoError(t, err)
	assert.Empty(t, access)
	assert.Empty(t, refresh)
}

func TestMissingRefreshTokenFailsWithoutRetry(t *testing.T) {
	creds := &credstore.Memory{}
	require.NoError(t, creds.SaveTokens("stale", ""))

	var refreshHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/users/me", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshHits.Add(1)
	})

	c := newTestClient(t, mux, creds)
	_, err := c.CurrentUser(context.Background())
	require.ErrorIs(t, err, ErrNoRefreshToken)
	assert.Equal(t, int32(0), refreshHits.Load())
}

func TestLogoutSkipsAuthAndRefresh(t *testing.T) {
	// By the time the cookie deletion fires the tokens are already gone;
	// the request must reach the server anyway.
	creds := &credstore.Memory{}

	var logoutHits, refreshHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		logoutHits.Add(1)
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshHits.Add(1)
	})

	c := newTestClient(t, mux, creds)
	require.NoError(t, c.Logout(context.Background()))
	assert.Equal(t, int32(1), logoutHits.Load())
	assert.Equal(t, int32(0), refreshHits.Load())
}

func expiredAccessToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)
	return signed
}

func TestKnownExpiredTokenRefreshesBeforeRequest(t *testing.T) {
	creds := &credstore.Memory{}
	require.NoError(t, creds.SaveTokens(expiredAccessToken(t), "refresh-1"))

	var meHits, refreshHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/users/me", func(w http.ResponseWriter, r *http.Request) {
		meHits.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeUser(w, "alice")
	})
	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshHits.Add(1)
		json.NewEncoder(w).Encode(TokenPair{AccessToken: "fresh", RefreshToken: "refresh-2"})
	})

	c := newTestClient(t, mux, creds)
	u, err := c.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	// The refresh fired up front, so the request never 401s.
	assert.Equal(t, int32(1), meHits.Load())
	assert.Equal(t, int32(1), refreshHits.Load())
}

func TestLoginStoresTokenPair(t *testing.T) {
	creds := &credstore.Memory{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Username, Password string }
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(loginResponse{
			AccessToken:  "a1",
			RefreshToken: "r1",
			User:         User{ID: 7, Username: req.Username},
		})
	})

	c := newTestClient(t, mux, creds)
	u, err := c.Login(context.Background(), "bob", "pw")
	require.NoError(t, err)
	assert.Equal(t, 7, u.ID)

	access, refresh, err := creds.Tokens()
	require.NoError(t, err)
	assert.Equal(t, "a1", access)
	assert.Equal(t, "r1", refresh)
}

func TestWebSocketURL(t *testing.T) {
	creds := &credstore.Memory{}
	for origin, want := range map[string]string{
		"http://localhost:8080":       "ws://localhost:8080/ws/chat",
		"https://market.example.com":  "wss://market.example.com/ws/chat",
		"https://market.example.com/": "wss://market.example.com/ws/chat",
	} {
		c, err := NewClient(origin, creds, nil, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, want, c.WebSocketURL(), origin)
	}
}

func TestProfilePatchAppliesOnlySetFields(t *testing.T) {
	first := "New"
	locale := "de"
	patch := ProfilePatch{FirstName: &first, Locale: &locale}

	got := patch.Apply(User{FirstName: "Old", LastName: "Kept", Locale: "en"})
	assert.Equal(t, "New", got.FirstName)
	assert.Equal(t, "Kept", got.LastName)
	assert.Equal(t, "de", got.Locale)
}
