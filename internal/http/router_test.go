package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/circlely/server/internal/auth"
	"github.com/circlely/server/internal/friends"
	apphttp "github.com/circlely/server/internal/http"
	"github.com/circlely/server/internal/http/handlers"
	"github.com/circlely/server/internal/logging"
	"github.com/circlely/server/internal/middleware"
	"github.com/circlely/server/internal/model"
	"github.com/circlely/server/internal/notify"
	"github.com/circlely/server/internal/repo"
	"github.com/circlely/server/internal/repo/repotest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	store *repotest.Store
}

type serverOption func(*apphttp.RouterConfig, *repo.UserRepo)

func withOTPLimiter(rl *middleware.RateLimiter) serverOption {
	return func(cfg *apphttp.RouterConfig, _ *repo.UserRepo) { cfg.OTPLimiter = rl }
}

func withUserRepo(users repo.UserRepo) serverOption {
	return func(_ *apphttp.RouterConfig, u *repo.UserRepo) { *u = users }
}

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	store := repotest.New()
	log := logging.Discard()

	cfg := apphttp.RouterConfig{
		JWT:            auth.NewJWTService("test-secret", time.Hour),
		Log:            log,
		AllowedOrigins: []string{"https://app.circlely.test"},
	}
	users := store.Users()
	for _, o := range opts {
		o(&cfg, &users)
	}

	otps := auth.NewOTPService(store.OTPs(), "salt", 10*time.Minute, true, log)
	tokens := auth.NewTokenService(cfg.JWT, store.Refresh(), users, 24*time.Hour)
	authSvc := auth.NewAuthService(users, otps, tokens, notify.NewLogMailer(log), true, log)
	friendSvc := friends.NewService(users, store.Friends(), notify.NewLogPublisher(log), log)

	cfg.Auth = handlers.NewAuthHandler(authSvc, log)
	cfg.Friends = handlers.NewFriendsHandler(friendSvc, log)
	cfg.Health = handlers.NewHealthHandler(nil)

	srv := httptest.NewServer(apphttp.NewRouter(cfg))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: store}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err == nil {
		if err := json.Unmarshal(raw, &out); err != nil {
			out = map[string]any{"_list": raw}
		}
	}
	return resp.StatusCode, out
}

func (s *testServer) list(t *testing.T, path, token string) (int, []map[string]any) {
	t.Helper()
	status, body := s.do(t, http.MethodGet, path, token, nil)
	var items []map[string]any
	if raw, ok := body["_list"].(json.RawMessage); ok {
		require.NoError(t, json.Unmarshal(raw, &items))
	}
	return status, items
}

// signupAndLogin registers a user and returns access and refresh tokens plus the user id.
func (s *testServer) signupAndLogin(t *testing.T, name, email, password string) (string, string, string) {
	t.Helper()
	status, _ := s.do(t, http.MethodPost, "/signup", "", map[string]string{"fullName": name, "email": email, "password": password})
	require.Equal(t, http.StatusCreated, status)

	status, body := s.do(t, http.MethodPost, "/login", "", map[string]string{"email": email, "password": password})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "123456", body["devOtp"])

	status, body = s.do(t, http.MethodPost, "/verify-otp", "", map[string]string{"email": email, "otp": "123456", "flow": "login"})
	require.Equal(t, http.StatusOK, status)
	user := body["user"].(map[string]any)
	return body["accessToken"].(string), body["refreshToken"].(string), user["id"].(string)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	status, body := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])
}

func TestSignupValidation(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, http.MethodPost, "/signup", "", map[string]string{"fullName": "Alice", "email": "alice@example.com", "password": "secret1"})
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "User created successfully", body["message"])

	status, _ = s.do(t, http.MethodPost, "/signup", "", map[string]string{"fullName": "Alice", "email": "ALICE@example.com", "password": "secret1"})
	assert.Equal(t, http.StatusConflict, status)

	status, body = s.do(t, http.MethodPost, "/signup", "", map[string]string{"fullName": "Bob", "email": "not-an-email", "password": "secret1"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "email must be a valid email", body["message"])

	status, body = s.do(t, http.MethodPost, "/signup", "", map[string]string{"fullName": "Bob", "email": "bob@example.com", "password": "123"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "password must be at least 6 characters", body["message"])

	status, _ = s.do(t, http.MethodPost, "/signup", "", "not an object")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestLoginAndSession(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(t, http.MethodPost, "/login", "", map[string]string{"email": "ghost@example.com", "password": "whatever"})
	assert.Equal(t, http.StatusUnauthorized, status)

	access, refresh, userID := s.signupAndLogin(t, "Alice", "alice@example.com", "secret1")

	status, body := s.do(t, http.MethodGet, "/auth-user", access, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, userID, body["id"])
	assert.Equal(t, "Alice", body["fullName"])
	assert.Equal(t, "alice@example.com", body["email"])
	assert.Nil(t, body["image"])

	status, body = s.do(t, http.MethodGet, "/auth-user", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Unauthorized", body["message"])

	status, body = s.do(t, http.MethodPost, "/refresh-token", "", map[string]string{"refreshToken": refresh})
	require.Equal(t, http.StatusOK, status)
	rotated := body["refreshToken"].(string)
	assert.NotEqual(t, refresh, rotated)
	assert.NotEmpty(t, body["accessToken"])

	status, _ = s.do(t, http.MethodPost, "/refresh-token", "", map[string]string{"refreshToken": refresh})
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = s.do(t, http.MethodPost, "/refresh-token", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do(t, http.MethodPost, "/logout", "", map[string]string{"refreshToken": rotated})
	assert.Equal(t, http.StatusOK, status)
	status, _ = s.do(t, http.MethodPost, "/logout", "", map[string]string{"refreshToken": rotated})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestVerifyOTPValidation(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(t, http.MethodPost, "/verify-otp", "", map[string]string{"email": "alice@example.com", "otp": "123456", "flow": "signup"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do(t, http.MethodPost, "/verify-otp", "", map[string]string{"email": "alice@example.com", "otp": "12ab56", "flow": "login"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := s.do(t, http.MethodPost, "/verify-otp", "", map[string]string{"email": "alice@example.com", "otp": "123456", "flow": "login"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Invalid or expired OTP", body["message"])
}

func TestPasswordResetFlow(t *testing.T) {
	s := newTestServer(t)
	_, refresh, _ := s.signupAndLogin(t, "Alice", "alice@example.com", "secret1")

	status, _ := s.do(t, http.MethodPost, "/forgot-password", "", map[string]string{"email": "ghost@example.com"})
	assert.Equal(t, http.StatusNotFound, status)

	status, body := s.do(t, http.MethodPost, "/forgot-password", "", map[string]string{"email": "alice@example.com"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "123456", body["devOtp"])

	status, _ = s.do(t, http.MethodPost, "/reset-password", "", map[string]string{"email": "alice@example.com", "password": "newsecret"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = s.do(t, http.MethodPost, "/verify-otp", "", map[string]string{"email": "alice@example.com", "otp": "123456", "flow": "forgot-password"})
	require.Equal(t, http.StatusOK, status)
	assert.Nil(t, body["accessToken"])

	status, _ = s.do(t, http.MethodPost, "/reset-password", "", map[string]string{"email": "alice@example.com", "password": "newsecret"})
	require.Equal(t, http.StatusOK, status)

	status, _ = s.do(t, http.MethodPost, "/login", "", map[string]string{"email": "alice@example.com", "password": "newsecret"})
	assert.Equal(t, http.StatusOK, status)

	// reset does not revoke sessions
	status, _ = s.do(t, http.MethodPost, "/refresh-token", "", map[string]string{"refreshToken": refresh})
	assert.Equal(t, http.StatusOK, status)
}

func TestChangePassword(t *testing.T) {
	s := newTestServer(t)
	access, refresh, _ := s.signupAndLogin(t, "Alice", "alice@example.com", "secret1")

	status, _ := s.do(t, http.MethodPost, "/change-password", "", map[string]string{"oldPassword": "secret1", "newPassword": "newsecret"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = s.do(t, http.MethodPost, "/change-password", access, map[string]string{"oldPassword": "wrong", "newPassword": "newsecret"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = s.do(t, http.MethodPost, "/change-password", access, map[string]string{"oldPassword": "secret1", "newPassword": "newsecret"})
	require.Equal(t, http.StatusOK, status)

	status, _ = s.do(t, http.MethodPost, "/refresh-token", "", map[string]string{"refreshToken": refresh})
	assert.Equal(t, http.StatusForbidden, status, "change password revokes refresh tokens")
}

func TestFriendFlow(t *testing.T) {
	s := newTestServer(t)
	aliceTok, _, aliceID := s.signupAndLogin(t, "Alice", "alice@example.com", "secret1")
	bobTok, _, bobID := s.signupAndLogin(t, "Bob", "bob@example.com", "secret1")

	status, body := s.do(t, http.MethodPost, "/friends/request", aliceTok, map[string]string{"friendId": bobID})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "requested", body["status"])

	status, _ = s.do(t, http.MethodPost, "/friends/request", aliceTok, map[string]string{"friendId": bobID})
	assert.Equal(t, http.StatusBadRequest, status, "duplicate request")

	status, _ = s.do(t, http.MethodPost, "/friends/request", aliceTok, map[string]string{"friendId": aliceID})
	assert.Equal(t, http.StatusBadRequest, status, "self request")

	status, _ = s.do(t, http.MethodPost, "/friends/request", aliceTok, map[string]string{"friendId": "nope"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, pending := s.list(t, "/friends/pending", bobTok)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, pending, 1)
	sender := pending[0]["sender"].(map[string]any)
	assert.Equal(t, aliceID, sender["id"])
	assert.Equal(t, "Alice", sender["fullName"])
	assert.Contains(t, sender, "image")
	assert.NotContains(t, sender, "email")

	status, _ = s.do(t, http.MethodPost, "/friends/accept", bobTok, map[string]string{"friendId": aliceID})
	require.Equal(t, http.StatusOK, status)

	status, _ = s.do(t, http.MethodPost, "/friends/accept", bobTok, map[string]string{"friendId": aliceID})
	assert.Equal(t, http.StatusBadRequest, status, "already friends")

	status, body = s.do(t, http.MethodGet, "/friends", aliceTok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["total"])
	assert.EqualValues(t, 10, body["limit"])
	list := body["friends"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, bobID, list[0].(map[string]any)["id"])

	status, _ = s.do(t, http.MethodGet, "/friends?limit=-1", aliceTok, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do(t, http.MethodPost, "/friends/cancel", bobTok, map[string]string{"friendId": aliceID})
	assert.Equal(t, http.StatusBadRequest, status, "nothing to cancel")

	status, _ = s.list(t, "/friends/pending", "")
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestSearchAndGetUser(t *testing.T) {
	s := newTestServer(t)
	aliceTok, _, _ := s.signupAndLogin(t, "Alice Smith", "alice@example.com", "secret1")
	_, _, bobID := s.signupAndLogin(t, "Bob Smith", "bob@example.com", "secret1")
	_, _, carolID := s.signupAndLogin(t, "Carol Smith", "carol@example.com", "secret1")

	status, _ := s.do(t, http.MethodPost, "/friends/request", aliceTok, map[string]string{"friendId": bobID})
	require.Equal(t, http.StatusOK, status)

	status, body := s.do(t, http.MethodGet, "/search/users/smith", aliceTok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, body["total"])
	flags := map[string]bool{}
	for _, u := range body["users"].([]any) {
		m := u.(map[string]any)
		flags[m["id"].(string)] = m["requestSent"].(bool)
	}
	assert.True(t, flags[bobID])
	assert.False(t, flags[carolID])

	status, body = s.do(t, http.MethodGet, "/search/users/carol%20smith", aliceTok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["total"])

	status, body = s.do(t, http.MethodGet, "/users/"+bobID, aliceTok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Bob Smith", body["fullName"])
	assert.Equal(t, true, body["requestSent"])
	assert.Equal(t, false, body["isFriend"])
	assert.EqualValues(t, 0, body["totalFriends"])

	status, _ = s.do(t, http.MethodGet, "/users/"+uuid.NewString(), aliceTok, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = s.do(t, http.MethodGet, "/users/not-a-uuid", aliceTok, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestLoginRateLimit(t *testing.T) {
	rl := middleware.NewRateLimiter(time.Minute, 2)
	defer rl.Stop()
	s := newTestServer(t, withOTPLimiter(rl))

	for i := 0; i < 2; i++ {
		status, _ := s.do(t, http.MethodPost, "/login", "", map[string]string{"email": "ghost@example.com", "password": "x"})
		assert.Equal(t, http.StatusUnauthorized, status)
	}
	status, _ := s.do(t, http.MethodPost, "/login", "", map[string]string{"email": "ghost@example.com", "password": "x"})
	assert.Equal(t, http.StatusTooManyRequests, status)
}

func TestLoginRateLimit_IgnoresForwardedFor(t *testing.T) {
	rl := middleware.NewRateLimiter(time.Minute, 2)
	defer rl.Stop()
	s := newTestServer(t, withOTPLimiter(rl))

	statuses := make([]int, 0, 3)
	for _, xff := range []string{"198.51.100.1", "198.51.100.2", "198.51.100.3"} {
		body := bytes.NewReader([]byte(`{"email":"ghost@example.com","password":"x"}`))
		req, err := http.NewRequest(http.MethodPost, s.URL+"/login", body)
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", xff)
		req.Header.Set("X-Real-IP", xff)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests}, statuses)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, s.URL+"/login", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.circlely.test")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "https://app.circlely.test", resp.Header.Get("Access-Control-Allow-Origin"))
}

type brokenUsers struct{ repo.UserRepo }

func (brokenUsers) GetByEmail(context.Context, string) (model.User, error) {
	return model.User{}, errors.New(`pq: relation "users" does not exist`)
}

func TestInternalErrorIsGeneric(t *testing.T) {
	s := newTestServer(t, withUserRepo(brokenUsers{repotest.New().Users()}))

	status, body := s.do(t, http.MethodPost, "/login", "", map[string]string{"email": "alice@example.com", "password": "secret1"})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal server error", body["message"])
}
