package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	commonmw "judgeflow/internal/common/http/middleware"
	"judgeflow/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testSecret = "unit-test-secret"
	testIssuer = "judgeflow"
)

func signToken(t *testing.T, subject, typ string, expires time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  subject,
		"iss":  testIssuer,
		"typ":  typ,
		"role": "user",
		"exp":  expires.Unix(),
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func newRouter(required bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.PrincipalMiddleware(commonmw.NewTokenVerifier(testSecret, testIssuer), required))
	router.GET("/whoami", func(c *gin.Context) {
		id, ok := commonmw.UserIDFromContext(c.Request.Context())
		if !ok {
			c.String(http.StatusOK, "anonymous")
			return
		}
		c.String(http.StatusOK, strconv.FormatInt(id, 10))
	})
	return router
}

func TestTraceContextMiddleware_GeneratesAndPreservesIDs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(commonmw.TraceContextMiddleware())
	router.GET("/trace", func(c *gin.Context) {
		v, _ := c.Request.Context().Value(contextkey.TraceID).(string)
		c.String(http.StatusOK, v)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/trace", nil))
	if w.Body.String() == "" || w.Header().Get("X-Trace-Id") != w.Body.String() {
		t.Fatalf("expected generated trace id echoed, body=%q header=%q", w.Body.String(), w.Header().Get("X-Trace-Id"))
	}

	req := httptest.NewRequest(http.MethodGet, "/trace", nil)
	req.Header.Set("X-Trace-Id", "trace-abc")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Body.String() != "trace-abc" {
		t.Fatalf("expected preserved trace id, got %q", w.Body.String())
	}
}

func TestPrincipalMiddleware_IgnoresUserIDHeader(t *testing.T) {
	router := newRouter(false)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("X-User-Id", "999")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "anonymous" {
		t.Fatalf("expected anonymous, got %d %q", w.Code, w.Body.String())
	}
}

func TestPrincipalMiddleware_ValidToken(t *testing.T) {
	router := newRouter(true)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "42", "access", time.Now().Add(time.Hour)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "42" {
		t.Fatalf("expected user 42, got %d %q", w.Code, w.Body.String())
	}
}

func TestPrincipalMiddleware_Rejections(t *testing.T) {
	cases := []struct {
		name     string
		required bool
		token    string
	}{
		{name: "missing token when required", required: true},
		{name: "expired token", token: signToken(t, "42", "access", time.Now().Add(-time.Hour))},
		{name: "refresh token", token: signToken(t, "42", "refresh", time.Now().Add(time.Hour))},
		{name: "non numeric subject", token: signToken(t, "alice", "access", time.Now().Add(time.Hour))},
		{name: "garbage", token: "not-a-jwt"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newRouter(tc.required)
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", w.Code)
			}
		})
	}
}
