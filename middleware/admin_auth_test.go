package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAdminAuthProtect(t *testing.T) {
	tests := []struct {
		name       string
		apiKey     string
		enabled    bool
		headers    map[string]string
		wantStatus int
	}{
		{
			name:       "disabled passes through",
			apiKey:     "",
			enabled:    false,
			wantStatus: http.StatusOK,
		},
		{
			name:       "enabled without configured key",
			apiKey:     "",
			enabled:    true,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "missing key",
			apiKey:     "secret",
			enabled:    true,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong key",
			apiKey:     "secret",
			enabled:    true,
			headers:    map[string]string{"X-Admin-Key": "wrong"},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "valid header key",
			apiKey:     "secret",
			enabled:    true,
			headers:    map[string]string{"X-Admin-Key": "secret"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "valid bearer token",
			apiKey:     "secret",
			enabled:    true,
			headers:    map[string]string{"Authorization": "Bearer secret"},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := NewAdminAuth(tt.apiKey, tt.enabled)
			handler := auth.Protect(okHandler())

			req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "remote addr with port",
			remoteAddr: "203.0.113.1:4242",
			want:       "203.0.113.1",
		},
		{
			name:       "x-forwarded-for single",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.2"},
			want:       "203.0.113.2",
		},
		{
			name:       "x-forwarded-for chain takes first",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.3, 10.0.0.2"},
			want:       "203.0.113.3",
		},
		{
			name:       "x-real-ip",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Real-IP": "203.0.113.4"},
			want:       "203.0.113.4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
