package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/giantswarm/mcp-oauth-proxy/storage"
)

func TestAsOAuthError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"oauth error passes through", ErrInvalidGrant("x"), ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"wrapped oauth error", fmt.Errorf("ctx: %w", ErrInvalidClient("x")), ErrorCodeInvalidClient, http.StatusUnauthorized},
		{"redirect uri", fmt.Errorf("%w: bad", storage.ErrInvalidRedirectURI), ErrorCodeInvalidRedirectURI, http.StatusBadRequest},
		{"client metadata", storage.ErrInvalidClientMetadata, ErrorCodeInvalidClientMetadata, http.StatusBadRequest},
		{"client not found", storage.ErrClientNotFound, ErrorCodeInvalidClient, http.StatusUnauthorized},
		{"session not found", storage.ErrSessionNotFound, ErrorCodeInvalidToken, http.StatusUnauthorized},
		{"anything else", errors.New("disk full"), ErrorCodeServerError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AsOAuthError(tt.err)
			if got.Code != tt.wantCode || got.Status != tt.wantStatus {
				t.Errorf("AsOAuthError() = %s/%d, want %s/%d", got.Code, got.Status, tt.wantCode, tt.wantStatus)
			}
		})
	}

	if AsOAuthError(nil) != nil {
		t.Error("AsOAuthError(nil) should be nil")
	}
}

func TestOAuthError_Error(t *testing.T) {
	err := ErrRateLimitExceeded("slow down")
	if err.Error() != "rate_limit_exceeded: slow down" {
		t.Errorf("Error() = %q", err.Error())
	}
	if err.Status != http.StatusTooManyRequests {
		t.Errorf("Status = %d", err.Status)
	}
	if ErrUpstreamUnavailable("x").Status != http.StatusBadGateway {
		t.Error("upstream unavailable should map to 502")
	}
}
