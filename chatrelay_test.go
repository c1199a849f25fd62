package chatrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/real-rm/chatrelay/internal/auth"
	relayerrors "github.com/real-rm/chatrelay/internal/errors"
	"github.com/real-rm/chatrelay/internal/history"
	"github.com/real-rm/chatrelay/internal/message"
	"github.com/real-rm/chatrelay/internal/ratelimit"
	"github.com/real-rm/chatrelay/internal/util"
)

const testSecret = "xK9mP2vL5nQ8wR3tY6uZ1aB4cD7eF0gH"

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func createTestToken(t *testing.T, userID string) string {
	t.Helper()

	claims := jwt.MapClaims{
		"user_id": userID,
		"name":    userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

// fakeSource serves canned transcripts keyed by the participant pair.
type fakeSource struct {
	transcripts map[[2]string][]message.Message
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

func (f *fakeSource) Between(_ context.Context, userA, userB string) ([]message.Message, error) {
	return f.transcripts[pairKey(userA, userB)], nil
}

func (f *fakeSource) Latest(_ context.Context, userA, userB string) (*message.Message, error) {
	msgs := f.transcripts[pairKey(userA, userB)]
	if len(msgs) == 0 {
		return nil, nil
	}
	last := msgs[len(msgs)-1]
	return &last, nil
}

func newAuthedRouter(historyService *history.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	validator := auth.NewJWTValidator(testSecret)
	logger := testLogger()

	r := gin.New()
	r.Use(securityHeadersMiddleware())
	r.GET("/history/:peer", userAuthMiddleware(validator, logger), handleHistory(historyService, logger))
	r.GET("/conversations", userAuthMiddleware(validator, logger), handleConversations(historyService, logger))
	return r
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(securityHeadersMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ping", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
}

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(requestIDMiddleware())

	var seenByHandler string
	r.GET("/ping", func(c *gin.Context) {
		seenByHandler = util.RequestIDFromContext(c.Request.Context())
		c.String(http.StatusOK, "pong")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ping", nil))

	headerID := w.Header().Get("X-Request-ID")
	assert.Len(t, headerID, 32)
	assert.Equal(t, headerID, seenByHandler, "header and context must carry the same ID")

	// A second request gets a fresh ID.
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, httptest.NewRequest("GET", "/ping", nil))
	assert.NotEqual(t, headerID, w2.Header().Get("X-Request-ID"))
}

func TestAuthRelayError(t *testing.T) {
	expired := fmt.Errorf("%w: exp claim in the past", auth.ErrExpiredToken)
	assert.Equal(t, relayerrors.ErrCodeExpiredToken, authRelayError(expired).Code)

	malformed := fmt.Errorf("%w: not a JWT", auth.ErrInvalidToken)
	assert.Equal(t, relayerrors.ErrCodeInvalidToken, authRelayError(malformed).Code)
}

func TestHandleHealthCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/healthz", handleHealthCheck)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestPublicRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := ratelimit.NewMessageLimiter(time.Minute, 2)
	defer limiter.StopCleanup()

	r := gin.New()
	r.GET("/healthz", publicRateLimitMiddleware(limiter, testLogger()), handleHealthCheck)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestUserAuthMiddleware(t *testing.T) {
	service := history.NewService(&fakeSource{transcripts: map[[2]string][]message.Message{}}, testLogger())
	r := newAuthedRouter(service)

	t.Run("missing_header", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/history/bob", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("invalid_token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/history/bob", nil)
		req.Header.Set("Authorization", "Bearer garbage")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("valid_token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/history/bob", nil)
		req.Header.Set("Authorization", "Bearer "+createTestToken(t, "alice"))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestHandleHistory(t *testing.T) {
	now := time.Now().UTC()
	source := &fakeSource{transcripts: map[[2]string][]message.Message{
		pairKey("alice", "bob"): {
			{Sender: "alice", Receiver: "bob", Content: "first", Timestamp: now.Add(-2 * time.Minute)},
			{Sender: "bob", Receiver: "alice", Content: "second", Timestamp: now.Add(-time.Minute)},
			{Sender: "alice", Receiver: "bob", Content: "third", Timestamp: now},
		},
	}}
	r := newAuthedRouter(history.NewService(source, testLogger()))
	token := createTestToken(t, "alice")

	doRequest := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	t.Run("full_transcript_in_order", func(t *testing.T) {
		w := doRequest("/history/bob")
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Messages []message.Message `json:"messages"`
			Count    int               `json:"count"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Equal(t, 3, body.Count)
		assert.Equal(t, "first", body.Messages[0].Content)
		assert.Equal(t, "third", body.Messages[2].Content)
	})

	t.Run("search_filters_content", func(t *testing.T) {
		w := doRequest("/history/bob?search=SECOND")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "second")
		assert.NotContains(t, w.Body.String(), "first")
	})

	t.Run("pagination", func(t *testing.T) {
		w := doRequest("/history/bob?limit=1&offset=1")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "second")
		assert.NotContains(t, w.Body.String(), "third")
	})

	t.Run("invalid_limit", func(t *testing.T) {
		w := doRequest("/history/bob?limit=abc")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid_offset", func(t *testing.T) {
		w := doRequest("/history/bob?offset=-1")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("reserved_separator_in_peer", func(t *testing.T) {
		w := doRequest("/history/bad%7Cpeer")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "Invalid participant pair")
	})

	t.Run("identifier_too_long", func(t *testing.T) {
		w := doRequest("/history/" + strings.Repeat("x", 256))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "Invalid participant pair")
	})
}

func TestHandleHistory_DefaultCap(t *testing.T) {
	base := time.Now().UTC()
	const total = 150
	transcript := make([]message.Message, 0, total)
	for i := 0; i < total; i++ {
		transcript = append(transcript, message.Message{
			Sender: "alice", Receiver: "bob", Content: "msg",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	source := &fakeSource{transcripts: map[[2]string][]message.Message{
		pairKey("alice", "bob"): transcript,
	}}
	r := newAuthedRouter(history.NewService(source, testLogger()))
	token := createTestToken(t, "alice")

	doRequest := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	var body struct {
		Count int `json:"count"`
	}

	// Without an explicit limit the endpoint serves one default page.
	w := doRequest("/history/bob")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 100, body.Count)

	// An explicit limit large enough covers the whole transcript.
	w = doRequest("/history/bob?limit=1000")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, total, body.Count)
}

func TestHandleConversations(t *testing.T) {
	now := time.Now().UTC()
	source := &fakeSource{transcripts: map[[2]string][]message.Message{
		pairKey("alice", "bob"): {
			{Sender: "bob", Receiver: "alice", Content: "older", Timestamp: now.Add(-time.Hour)},
		},
		pairKey("alice", "carol"): {
			{Sender: "carol", Receiver: "alice", Content: "newer", Timestamp: now},
		},
	}}
	r := newAuthedRouter(history.NewService(source, testLogger()))
	token := createTestToken(t, "alice")

	t.Run("missing_with_parameter", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/conversations", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("ranked_by_recency", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/conversations?with=bob,carol,dave", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Conversations []history.ConversationSummary `json:"conversations"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Len(t, body.Conversations, 3)
		assert.Equal(t, "carol", body.Conversations[0].Peer)
		assert.Equal(t, "bob", body.Conversations[1].Peer)
		assert.Equal(t, "dave", body.Conversations[2].Peer, "peer without history ranks last")
		assert.Nil(t, body.Conversations[2].LastMessage)
	})
}

func TestMetricsNetworkMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := testLogger()

	newRouter := func(cidrs []string) *gin.Engine {
		nets := parseNetworks(cidrs, logger)
		r := gin.New()
		r.GET("/metrics", metricsNetworkMiddleware(nets, logger), func(c *gin.Context) {
			c.String(http.StatusOK, "metrics")
		})
		return r
	}

	t.Run("open_when_unconfigured", func(t *testing.T) {
		w := httptest.NewRecorder()
		newRouter(nil).ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("allows_configured_network", func(t *testing.T) {
		// httptest requests come from 192.0.2.1.
		w := httptest.NewRecorder()
		newRouter([]string{"192.0.2.0/24"}).ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("denies_other_networks", func(t *testing.T) {
		w := httptest.NewRecorder()
		newRouter([]string{"10.0.0.0/8"}).ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestParseNetworks(t *testing.T) {
	logger := testLogger()

	nets := parseNetworks([]string{"10.0.0.0/8", "not-a-cidr", "", " 192.168.0.0/16 "}, logger)
	assert.Len(t, nets, 2, "invalid and empty entries are skipped")
}

func TestShutdown_WithoutRegistration(t *testing.T) {
	shutdownMu.Lock()
	globalWSHandler = nil
	globalMsgLimiter = nil
	globalPublicLimiter = nil
	globalLogger = nil
	shutdownMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.NoError(t, Shutdown(ctx))
}
