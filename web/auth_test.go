package web

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func serveWith(h http.Handler, target, bearer string) int {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestAuthDisabled(t *testing.T) {
	a := NewAuth("", 0)
	if a.Enabled() {
		t.Fatal("auth without secret reports enabled")
	}
	if code := serveWith(a.RequireToken(okHandler), "/set_source", ""); code != http.StatusOK {
		t.Errorf("RequireToken = %d, want 200", code)
	}
	if code := serveWith(a.RequireStream(okHandler), "/video_feed", ""); code != http.StatusOK {
		t.Errorf("RequireStream = %d, want 200", code)
	}
}

func TestRequireToken(t *testing.T) {
	a := NewAuth("s3cret", time.Hour)
	jwtToken, _, err := a.GenerateStreamToken()
	if err != nil {
		t.Fatalf("GenerateStreamToken failed: %v", err)
	}

	tests := []struct {
		name   string
		target string
		bearer string
		want   int
	}{
		{name: "missing", target: "/set_source", want: http.StatusUnauthorized},
		{name: "wrong", target: "/set_source", bearer: "nope", want: http.StatusUnauthorized},
		{name: "query form not accepted", target: "/set_source?token=s3cret", want: http.StatusUnauthorized},
		{name: "stream token not accepted", target: "/set_source", bearer: jwtToken, want: http.StatusUnauthorized},
		{name: "valid", target: "/set_source", bearer: "s3cret", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := serveWith(a.RequireToken(okHandler), tt.target, tt.bearer); code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestRequireStream(t *testing.T) {
	a := NewAuth("s3cret", time.Hour)
	valid, _, err := a.GenerateStreamToken()
	if err != nil {
		t.Fatalf("GenerateStreamToken failed: %v", err)
	}

	past := NewAuth("s3cret", time.Minute)
	past.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, _, err := past.GenerateStreamToken()
	if err != nil {
		t.Fatalf("GenerateStreamToken failed: %v", err)
	}

	foreign, _, err := NewAuth("other", time.Hour).GenerateStreamToken()
	if err != nil {
		t.Fatalf("GenerateStreamToken failed: %v", err)
	}

	tests := []struct {
		name   string
		target string
		bearer string
		want   int
	}{
		{name: "missing", target: "/video_feed", want: http.StatusUnauthorized},
		{name: "bearer secret", target: "/video_feed", bearer: "s3cret", want: http.StatusOK},
		{name: "query secret", target: "/video_feed?token=s3cret", want: http.StatusOK},
		{name: "query jwt", target: "/video_feed?token=" + valid, want: http.StatusOK},
		{name: "bearer jwt", target: "/ws", bearer: valid, want: http.StatusOK},
		{name: "expired jwt", target: "/video_feed?token=" + expired, want: http.StatusUnauthorized},
		{name: "foreign signature", target: "/video_feed?token=" + foreign, want: http.StatusUnauthorized},
		{name: "garbage", target: "/video_feed?token=abc.def.ghi", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := serveWith(a.RequireStream(okHandler), tt.target, tt.bearer); code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestVerifyStreamTokenClaims(t *testing.T) {
	a := NewAuth("s3cret", time.Hour)
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	sign := func(method jwt.SigningMethod, claims StreamClaims) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString([]byte("s3cret"))
		if err != nil {
			t.Fatalf("SignedString failed: %v", err)
		}
		return s
	}

	tests := []struct {
		name  string
		token string
	}{
		{name: "other algorithm", token: sign(jwt.SigningMethodHS512, StreamClaims{Scope: streamScope, RegisteredClaims: jwt.RegisteredClaims{Issuer: tokenIssuer, ExpiresAt: exp}})},
		{name: "other issuer", token: sign(jwt.SigningMethodHS256, StreamClaims{Scope: streamScope, RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone", ExpiresAt: exp}})},
		{name: "other scope", token: sign(jwt.SigningMethodHS256, StreamClaims{Scope: "admin", RegisteredClaims: jwt.RegisteredClaims{Issuer: tokenIssuer, ExpiresAt: exp}})},
		{name: "no expiry", token: sign(jwt.SigningMethodHS256, StreamClaims{Scope: streamScope, RegisteredClaims: jwt.RegisteredClaims{Issuer: tokenIssuer}})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := a.VerifyStreamToken(tt.token); err == nil {
				t.Error("expected token to be rejected")
			}
		})
	}
}
