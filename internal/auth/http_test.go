// ABOUTME: Tests for the bearer token HTTP middleware
// ABOUTME: Covers missing, malformed, invalid and valid Authorization headers

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		token   string
		wantErr bool
	}{
		{header: "", wantErr: true},
		{header: "Basic abc", wantErr: true},
		{header: "Bearer ", wantErr: true},
		{header: "Bearer abc", token: "abc"},
	}
	for _, tt := range tests {
		token, errMsg := extractBearerToken(tt.header)
		if (errMsg != "") != tt.wantErr {
			t.Errorf("extractBearerToken(%q) errMsg = %q, wantErr %v", tt.header, errMsg, tt.wantErr)
		}
		if token != tt.token {
			t.Errorf("extractBearerToken(%q) = %q, want %q", tt.header, token, tt.token)
		}
	}
}

func TestRequireBearer(t *testing.T) {
	verifier := NewJWTVerifier([]byte("test-secret-key-for-jwt-signing"))
	valid, err := verifier.Generate("crm-sync", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	var gotSubject string
	handler := RequireBearer(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Token " + valid, want: http.StatusUnauthorized},
		{name: "invalid token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "valid token", header: "Bearer " + valid, want: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSubject = ""
			req := httptest.NewRequest(http.MethodPost, "/api/push", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
			if tt.want == http.StatusNoContent && gotSubject != "crm-sync" {
				t.Errorf("subject = %q, want crm-sync", gotSubject)
			}
		})
	}
}

func TestSubjectFromContext_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := SubjectFromContext(req.Context()); got != "" {
		t.Errorf("SubjectFromContext() = %q, want empty", got)
	}
}
