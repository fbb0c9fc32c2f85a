package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/teletherapy-api/internal/model"
	apperrors "github.com/jwalitptl/teletherapy-api/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
	if err := RegisterValidators(); err != nil {
		panic(err)
	}
}

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), Recovery(), ErrorHandler())
	r.Use(handlers...)
	return r
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestErrorHandlerRendersAppErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"not found", apperrors.NewNotFound("therapist", nil), http.StatusNotFound, "therapist not found"},
		{"conflict", apperrors.NewConflict("call status changed", nil), http.StatusConflict, "call status changed"},
		{"timeout", apperrors.NewTimeout("call store did not respond", nil), http.StatusGatewayTimeout, "call store did not respond"},
		{"wrapped", errors.Join(errors.New("ctx"), apperrors.NewForbidden("not a party")), http.StatusForbidden, "not a party"},
		{"plain", errors.New("pq: connection refused"), http.StatusInternalServerError, "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newEngine()
			r.GET("/x", func(c *gin.Context) { c.Error(tt.err) })

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			req.Header.Set(HeaderXRequestID, "rid-1")
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, tt.status, resp.Code)
			assert.Equal(t, tt.message, resp.Message)
			assert.Equal(t, "rid-1", resp.TraceID)
		})
	}
}

func TestErrorHandlerBindErrors(t *testing.T) {
	r := newEngine()
	r.POST("/x", func(c *gin.Context) {
		var body struct {
			ID uuidText `json:"id"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Error(err).SetType(gin.ErrorTypeBind)
		}
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"id":"nope"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "malformed request body", decodeError(t, w).Message)
}

type uuidText string

func (u *uuidText) UnmarshalText(b []byte) error {
	if len(b) != 36 {
		return errors.New("invalid UUID length")
	}
	*u = uuidText(b)
	return nil
}

type windowBody struct {
	StartTime string `json:"start_time" binding:"required,hhmm"`
	Date      string `json:"date" binding:"required,civildate"`
	Month     string `json:"month" binding:"omitempty,civilmonth"`
}

func TestValidationFieldErrors(t *testing.T) {
	r := newEngine()
	r.POST("/x", func(c *gin.Context) {
		var body windowBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Error(err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	send := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/x", stringsReader(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		return w
	}

	w := send(`{"start_time":"9:00","date":"2024-02-30","month":"2024-2"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "validation failed", resp.Message)
	assert.ElementsMatch(t, []FieldError{
		{Field: "start_time", Message: "must be a time of day in HH:MM format"},
		{Field: "date", Message: "must be a date in YYYY-MM-DD format"},
		{Field: "month", Message: "must be a month in YYYY-MM format"},
	}, resp.Fields)

	w = send(`{"start_time":"09:00","date":"2024-02-29","month":"2024-02"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = send(`{"start_time":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "malformed request body", decodeError(t, w).Message)
}

func TestRecoveryReturns500(t *testing.T) {
	r := newEngine()
	r.GET("/x", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotEmpty(t, w.Header().Get(HeaderXRequestID))
}

func TestRecoveryAfterResponseStarted(t *testing.T) {
	r := newEngine()
	r.GET("/stream", func(c *gin.Context) {
		c.String(http.StatusOK, "event: call\n\n")
		panic("boom")
	})
	r.GET("/abort", func(c *gin.Context) { panic(http.ErrAbortHandler) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "event: call\n\n", w.Body.String())

	assert.PanicsWithError(t, http.ErrAbortHandler.Error(), func() {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/abort", nil))
	})
}

func TestRequestIDValidation(t *testing.T) {
	r := newEngine()
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		rid  string
		kept bool
	}{
		{"rid-1", true},
		{"a.b_c-9", true},
		{"", false},
		{"has space", false},
		{"<script>", false},
		{strings.Repeat("a", 65), false},
	}
	for _, tt := range tests {
		rid, kept := tt.rid, tt.kept
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if rid != "" {
			req.Header.Set(HeaderXRequestID, rid)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		got := w.Header().Get(HeaderXRequestID)
		if kept {
			assert.Equal(t, rid, got)
		} else {
			assert.NotEqual(t, rid, got)
			assert.Len(t, got, 36)
		}
	}
}

func TestTimeoutSetsDeadline(t *testing.T) {
	r := newEngine(Timeout(time.Second))
	var hasDeadline bool
	r.GET("/x", func(c *gin.Context) {
		_, hasDeadline = c.Request.Context().Deadline()
		c.Status(http.StatusOK)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.True(t, hasDeadline)
}

func TestRateLimitPerClient(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: rate.Every(time.Hour), Burst: 2})
	r := newEngine(rl.RateLimit())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	hit := func(ip string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = ip + ":1234"
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, hit("10.0.0.1"))
	assert.Equal(t, http.StatusOK, hit("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, hit("10.0.0.1"))
	assert.Equal(t, http.StatusOK, hit("10.0.0.2"))
}

type stubTokens map[string]model.Actor

func (s stubTokens) ParseAccessToken(raw string) (model.Actor, error) {
	a, ok := s[raw]
	if !ok {
		return model.Actor{}, errors.New("bad token")
	}
	return a, nil
}

func TestAuthenticate(t *testing.T) {
	tokens := stubTokens{"good": {UserID: "user-1", Role: model.RoleUser}}
	auth := NewAuthMiddleware(tokens)

	r := newEngine()
	r.GET("/me", auth.Authenticate(), func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		require.True(t, ok)
		c.String(http.StatusOK, actor.UserID)
	})
	r.GET("/therapists-only", auth.Authenticate(), RequireRole(model.RoleTherapist), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	tests := []struct {
		name   string
		path   string
		header string
		status int
	}{
		{"bearer", "/me", "Bearer good", http.StatusOK},
		{"query token", "/me?access_token=good", "", http.StatusOK},
		{"missing", "/me", "", http.StatusUnauthorized},
		{"wrong scheme", "/me", "Basic good", http.StatusUnauthorized},
		{"bad token", "/me", "Bearer nope", http.StatusUnauthorized},
		{"wrong role", "/therapists-only", "Bearer good", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "user-1", w.Body.String())
			}
		})
	}
}

func stringsReader(s string) *strings.Reader { return strings.NewReader(s) }

func TestBodyLimit(t *testing.T) {
	type payload struct {
		Notes string `json:"notes"`
	}
	r := newEngine(BodyLimit(32))
	r.POST("/x", func(c *gin.Context) {
		var p payload
		if err := c.ShouldBindJSON(&p); err != nil {
			c.Error(err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	send := func(body string, chunked bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if chunked {
			req.ContentLength = -1
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusNoContent, send(`{"notes":"ok"}`, false).Code)

	large := `{"notes":"` + strings.Repeat("x", 64) + `"}`
	w := send(large, false)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	// No declared length: the read limit catches it while binding.
	w = send(large, true)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "request body too large", decodeError(t, w).Message)
}

func TestVersion(t *testing.T) {
	r := newEngine(Version("1.0"))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	for header, want := range map[string]int{
		"":     http.StatusOK,
		"1.0":  http.StatusOK,
		"v1.2": http.StatusOK,
		"2.0":  http.StatusNotAcceptable,
	} {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if header != "" {
			req.Header.Set(AcceptVersionHeader, header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, want, w.Code, header)
		assert.Equal(t, "1.0", w.Header().Get(APIVersionHeader))
	}
}

func TestSecurityHeaders(t *testing.T) {
	r := newEngine(SecurityHeaders(SecurityConfig{}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
}
