package file

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/mcp-oauth-proxy/internal/testutil"
	"github.com/giantswarm/mcp-oauth-proxy/storage"
)

func newTestRegistry(t *testing.T, dir string, opts ...Option) *ClientRegistry {
	t.Helper()
	r, err := NewClientRegistry(dir, opts...)
	if err != nil {
		t.Fatalf("NewClientRegistry() error = %v", err)
	}
	return r
}

func TestClientRegistry_Register(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r := newTestRegistry(t, dir)

	got, err := r.Register(ctx, &storage.RegisteredClient{
		ClientName:   "Agent",
		RedirectURIs: []string{"http://localhost:8080/cb"},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if got.ClientID == "" {
		t.Error("ClientID should be generated")
	}
	if len(got.ClientSecret) < 32 {
		t.Errorf("ClientSecret = %q, want a high-entropy secret", got.ClientSecret)
	}
	if got.TokenEndpointAuthMethod != AuthMethodClientSecretBasic {
		t.Errorf("TokenEndpointAuthMethod = %q", got.TokenEndpointAuthMethod)
	}
	if len(got.GrantTypes) != 2 || len(got.ResponseTypes) != 1 {
		t.Errorf("defaults not applied: %+v", got)
	}
	if got.RegisteredAt.IsZero() {
		t.Error("RegisteredAt should be set")
	}

	stored, err := r.Get(ctx, got.ClientID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.ClientSecret != "" {
		t.Error("stored client must not expose the plaintext secret")
	}
	if stored.IsPublic() {
		t.Error("client with a secret must not be public")
	}

	data, err := os.ReadFile(filepath.Join(dir, ClientsFile))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if strings.Contains(string(data), got.ClientSecret) {
		t.Error("plaintext secret written to disk")
	}
	if !strings.Contains(string(data), "\n  ") {
		t.Error("client file should be pretty-printed")
	}
}

func TestClientRegistry_RegisterPublicClient(t *testing.T) {
	r := newTestRegistry(t, t.TempDir())

	got, err := r.Register(context.Background(), &storage.RegisteredClient{
		RedirectURIs:            []string{"https://app.example.com/cb"},
		TokenEndpointAuthMethod: AuthMethodNone,
		ClientSecret:            "ignored",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if got.ClientSecret != "" || !got.IsPublic() {
		t.Errorf("public client got secret %q", got.ClientSecret)
	}
	if !r.ValidateCredentials(context.Background(), got.ClientID, "") {
		t.Error("public client credentials should always validate")
	}
}

func TestClientRegistry_RegisterValidation(t *testing.T) {
	tests := []struct {
		name    string
		client  *storage.RegisteredClient
		wantErr error
	}{
		{name: "nil", client: nil, wantErr: storage.ErrInvalidClientMetadata},
		{name: "no redirect uris", client: &storage.RegisteredClient{}, wantErr: storage.ErrInvalidRedirectURI},
		{name: "plain http remote", client: &storage.RegisteredClient{RedirectURIs: []string{"http://evil.example.com/cb"}}, wantErr: storage.ErrInvalidRedirectURI},
		{name: "custom scheme", client: &storage.RegisteredClient{RedirectURIs: []string{"myapp://cb"}}, wantErr: storage.ErrInvalidRedirectURI},
		{name: "one bad among good", client: &storage.RegisteredClient{RedirectURIs: []string{"https://ok.example.com/cb", "ftp://x"}}, wantErr: storage.ErrInvalidRedirectURI},
		{name: "bad auth method", client: &storage.RegisteredClient{RedirectURIs: []string{"https://ok.example.com/cb"}, TokenEndpointAuthMethod: "private_key_jwt"}, wantErr: storage.ErrInvalidClientMetadata},
		{name: "bad grant type", client: &storage.RegisteredClient{RedirectURIs: []string{"https://ok.example.com/cb"}, GrantTypes: []string{"password"}}, wantErr: storage.ErrInvalidClientMetadata},
		{name: "bad response type", client: &storage.RegisteredClient{RedirectURIs: []string{"https://ok.example.com/cb"}, ResponseTypes: []string{"token"}}, wantErr: storage.ErrInvalidClientMetadata},
	}

	r := newTestRegistry(t, t.TempDir())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(context.Background(), tt.client)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Register() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d after rejected registrations", r.Count())
	}
}

func TestClientRegistry_ValidateRedirectURI(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, t.TempDir())

	c, err := r.Register(ctx, &storage.RegisteredClient{
		RedirectURIs: []string{"http://localhost:8080/cb", "https://app.example.com/callback"},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tests := []struct {
		uri  string
		want bool
	}{
		{"http://localhost:8080/cb", true},
		{"http://localhost:9999/cb", true},
		{"http://localhost/cb", true},
		{"http://localhost:8080/other", false},
		{"https://localhost:8080/cb", false},
		{"http://127.0.0.1:8080/cb", false},
		{"https://app.example.com/callback", true},
		{"https://app.example.com:8443/callback", false},
		{"https://evil.example.com/callback", false},
	}
	for _, tt := range tests {
		if got := r.ValidateRedirectURI(ctx, c.ClientID, tt.uri); got != tt.want {
			t.Errorf("ValidateRedirectURI(%q) = %v, want %v", tt.uri, got, tt.want)
		}
	}
	if r.ValidateRedirectURI(ctx, "unknown", "http://localhost:8080/cb") {
		t.Error("unknown client must not validate")
	}
}

func TestClientRegistry_ValidateCredentials(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, t.TempDir())

	c, err := r.Register(ctx, &storage.RegisteredClient{
		RedirectURIs: []string{"https://app.example.com/cb"},
		ClientSecret: "supplied-secret",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if c.ClientSecret != "supplied-secret" {
		t.Errorf("supplied secret not kept: %q", c.ClientSecret)
	}

	if !r.ValidateCredentials(ctx, c.ClientID, "supplied-secret") {
		t.Error("correct secret rejected")
	}
	if r.ValidateCredentials(ctx, c.ClientID, "supplied-secreT") {
		t.Error("wrong secret accepted")
	}
	if r.ValidateCredentials(ctx, c.ClientID, "") {
		t.Error("empty secret accepted for confidential client")
	}
	if r.ValidateCredentials(ctx, "unknown", "supplied-secret") {
		t.Error("unknown client accepted")
	}
}

func TestClientRegistry_Persistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	r1 := newTestRegistry(t, dir)
	c, err := r1.Register(ctx, &storage.RegisteredClient{RedirectURIs: []string{"https://app.example.com/cb"}})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	r2 := newTestRegistry(t, dir)
	if r2.Count() != 1 {
		t.Fatalf("reloaded Count() = %d, want 1", r2.Count())
	}
	if !r2.ValidateCredentials(ctx, c.ClientID, c.ClientSecret) {
		t.Error("secret hash did not survive reload")
	}

	info, err := os.Stat(filepath.Join(dir, ClientsFile))
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != fileMode {
		t.Errorf("file mode = %o, want %o", perm, fileMode)
	}
}

func TestClientRegistry_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ClientsFile), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewClientRegistry(dir); err == nil {
		t.Error("NewClientRegistry() should fail on a corrupt file")
	}
}

func TestClientRegistry_DeleteAndSweep(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewMockTime(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	dir := t.TempDir()
	r := newTestRegistry(t, dir, WithClock(clock.Now))

	old, _ := r.Register(ctx, &storage.RegisteredClient{RedirectURIs: []string{"https://a.example.com/cb"}})
	clock.Advance(48 * time.Hour)
	fresh, _ := r.Register(ctx, &storage.RegisteredClient{RedirectURIs: []string{"https://b.example.com/cb"}})

	if n, err := r.Sweep(ctx, 0); err != nil || n != 0 {
		t.Errorf("Sweep(0) = %d, %v; want no-op", n, err)
	}

	n, err := r.Sweep(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("Sweep() = %d, %v; want 1", n, err)
	}
	if _, err := r.Get(ctx, old.ClientID); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("old client should be swept, got %v", err)
	}

	if err := r.Delete(ctx, fresh.ClientID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := r.Delete(ctx, fresh.ClientID); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("second Delete() error = %v, want ErrClientNotFound", err)
	}

	var onDisk map[string]json.RawMessage
	data, _ := os.ReadFile(filepath.Join(dir, ClientsFile))
	if err := json.Unmarshal(data, &onDisk); err != nil || len(onDisk) != 0 {
		t.Errorf("file should hold an empty map, got %s", data)
	}
}
