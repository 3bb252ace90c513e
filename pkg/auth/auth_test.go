package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func TestTokenIssuer_RoundTrip(t *testing.T) {
	issuer, generated, err := NewTokenIssuer("secret", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer() error = %v", err)
	}
	if generated {
		t.Fatalf("NewTokenIssuer() generated = true, want false")
	}

	token, expiresAt, err := issuer.Issue("agent-1", "supervisor")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("Issue() expiresAt = %v, want future", expiresAt)
	}

	claims, err := issuer.Parse(token)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.AgentID != "agent-1" || claims.Role != "supervisor" {
		t.Fatalf("Parse() = %+v, want agent-1/supervisor", claims)
	}
}

func TestTokenIssuer_RejectsForeignAndExpired(t *testing.T) {
	issuer, _, _ := NewTokenIssuer("secret", time.Hour)
	other, _, _ := NewTokenIssuer("other", time.Hour)

	token, _, _ := other.Issue("agent-1", "agent")
	if _, err := issuer.Parse(token); err != ErrInvalidToken {
		t.Fatalf("Parse(foreign) error = %v, want %v", err, ErrInvalidToken)
	}

	issuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _, _ := issuer.Issue("agent-1", "agent")
	issuer.now = time.Now
	if _, err := issuer.Parse(expired); err != ErrTokenExpired {
		t.Fatalf("Parse(expired) error = %v, want %v", err, ErrTokenExpired)
	}
}

func TestNewTokenIssuer_GeneratesSecret(t *testing.T) {
	issuer, generated, err := NewTokenIssuer("", time.Hour)
	if err != nil || !generated || len(issuer.secret) == 0 {
		t.Fatalf("NewTokenIssuer(\"\") = (%v, %v, %v), want generated secret", issuer, generated, err)
	}
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if !CheckPassword(hash, "hunter2") {
		t.Fatalf("CheckPassword(correct) = false, want true")
	}
	if CheckPassword(hash, "wrong") {
		t.Fatalf("CheckPassword(wrong) = true, want false")
	}
	if CheckPassword("", "hunter2") {
		t.Fatalf("CheckPassword(empty hash) = true, want false")
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	issuer, _, _ := NewTokenIssuer("secret", time.Hour)
	agentToken, _, _ := issuer.Issue("agent-1", "agent")
	supervisorToken, _, _ := issuer.Issue("sup-1", "supervisor")

	r := gin.New()
	r.GET("/me", RequireAgent(issuer, zap.NewNop()), func(c *gin.Context) {
		c.String(http.StatusOK, AgentID(c))
	})
	r.GET("/supervisor", RequireAgent(issuer, zap.NewNop()), RequireRole("supervisor", "admin"), func(c *gin.Context) {
		c.String(http.StatusOK, Role(c))
	})

	tests := []struct {
		name   string
		path   string
		header string
		want   int
		body   string
	}{
		{name: "missing token", path: "/me", want: http.StatusUnauthorized},
		{name: "bad token", path: "/me", header: "Bearer junk", want: http.StatusUnauthorized},
		{name: "agent header", path: "/me", header: "Bearer " + agentToken, want: http.StatusOK, body: "agent-1"},
		{name: "agent query", path: "/me?token=" + agentToken, want: http.StatusOK, body: "agent-1"},
		{name: "agent on supervisor route", path: "/supervisor", header: "Bearer " + agentToken, want: http.StatusForbidden},
		{name: "supervisor route", path: "/supervisor", header: "Bearer " + supervisorToken, want: http.StatusOK, body: "supervisor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.body != "" && w.Body.String() != tt.body {
				t.Fatalf("body = %q, want %q", w.Body.String(), tt.body)
			}
		})
	}
}
