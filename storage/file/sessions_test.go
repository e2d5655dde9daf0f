package file

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-proxy/internal/testutil"
	"github.com/giantswarm/mcp-oauth-proxy/providers/mock"
	"github.com/giantswarm/mcp-oauth-proxy/security"
	"github.com/giantswarm/mcp-oauth-proxy/storage"
)

func newTestSessionStore(t *testing.T, dir string, opts ...Option) *SessionStore {
	t.Helper()
	s, err := NewSessionStore(dir, opts...)
	if err != nil {
		t.Fatalf("NewSessionStore() error = %v", err)
	}
	return s
}

func testSession(id string, expiresAt time.Time, refreshToken string) *storage.StoredSession {
	return &storage.StoredSession{
		SessionID:    id,
		AccessToken:  "access-" + id,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresAt:    expiresAt,
		Scope:        "read",
		UserID:       "user-1",
	}
}

func TestSessionStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSessionStore(t, t.TempDir())

	if err := s.Store(ctx, testSession("s1", time.Now().Add(time.Hour), "")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	got, err := s.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.AccessToken != "access-s1" || got.CreatedAt.IsZero() {
		t.Errorf("unexpected session %+v", got)
	}

	got.AccessToken = "mutated"
	again, _ := s.Get(ctx, "s1")
	if again.AccessToken != "access-s1" {
		t.Error("Get() must return a copy")
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("Get(missing) error = %v", err)
	}
}

func TestSessionStore_UpdateAndRemove(t *testing.T) {
	ctx := context.Background()
	s := newTestSessionStore(t, t.TempDir())

	sess := testSession("s1", time.Now().Add(time.Hour), "rt")
	if err := s.Update(ctx, sess); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("Update() of unknown session error = %v", err)
	}
	_ = s.Store(ctx, sess)

	sess.AccessToken = "new-access"
	if err := s.Update(ctx, sess); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got, _ := s.Get(ctx, "s1")
	if got.AccessToken != "new-access" {
		t.Errorf("AccessToken = %q", got.AccessToken)
	}

	if err := s.Remove(ctx, "s1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := s.Remove(ctx, "s1"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("second Remove() error = %v", err)
	}
}

func TestSessionStore_Encrypted(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newTestSessionStore(t, dir, WithEncryptionKey(testutil.TestKey()))
	if !s.Encrypted() {
		t.Fatal("Encrypted() = false with a key")
	}

	_ = s.Store(ctx, testSession("s1", time.Now().Add(time.Hour), "refresh-secret"))

	if _, err := os.Stat(filepath.Join(dir, SessionsFile)); !os.IsNotExist(err) {
		t.Error("clear-text file must not exist when encryption is enabled")
	}
	data, err := os.ReadFile(filepath.Join(dir, EncryptedSessionsFile))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if strings.Contains(string(data), "refresh-secret") || strings.Contains(string(data), "access-s1") {
		t.Error("tokens visible in encrypted file")
	}
	if parts := strings.Split(string(data), ":"); len(parts) != 3 {
		t.Errorf("blob has %d parts, want nonce:tag:ciphertext", len(parts))
	}

	reloaded := newTestSessionStore(t, dir, WithEncryptionKey(testutil.TestKey()))
	got, err := reloaded.Get(ctx, "s1")
	if err != nil || got.RefreshToken != "refresh-secret" {
		t.Errorf("reloaded Get() = %+v, %v", got, err)
	}
}

func TestSessionStore_BadKeyLength(t *testing.T) {
	if _, err := NewSessionStore(t.TempDir(), WithEncryptionKey([]byte("too-short"))); err == nil {
		t.Error("NewSessionStore() should reject a key that is not 32 bytes")
	}
}

func TestSessionStore_Migration(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	plain := newTestSessionStore(t, dir)
	_ = plain.Store(ctx, testSession("a", time.Now().Add(time.Hour), "rt-a"))
	_ = plain.Store(ctx, testSession("b", time.Now().Add(time.Hour), ""))

	enc := newTestSessionStore(t, dir, WithEncryptionKey(testutil.TestKey()))
	if enc.Count() != 2 {
		t.Fatalf("migrated Count() = %d, want 2", enc.Count())
	}
	if _, err := os.Stat(filepath.Join(dir, SessionsFile)); !os.IsNotExist(err) {
		t.Error("clear-text file should be deleted after migration")
	}

	blob, err := os.ReadFile(filepath.Join(dir, EncryptedSessionsFile))
	if err != nil {
		t.Fatalf("encrypted file missing: %v", err)
	}
	e, _ := security.NewEncryptor(testutil.TestKey())
	plaintext, err := e.Open(string(blob))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	var sessions map[string]*storage.StoredSession
	if err := json.Unmarshal(plaintext, &sessions); err != nil || len(sessions) != 2 {
		t.Errorf("decrypted content = %s, %v", plaintext, err)
	}
}

func TestSessionStore_InterruptedMigration(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	plainPath := filepath.Join(dir, SessionsFile)

	plain := newTestSessionStore(t, dir)
	_ = plain.Store(ctx, testSession("a", time.Now().Add(time.Hour), "rt-a"))
	leftover, err := os.ReadFile(plainPath)
	if err != nil {
		t.Fatalf("clear-text file missing: %v", err)
	}

	newTestSessionStore(t, dir, WithEncryptionKey(testutil.TestKey()))

	// Both files on disk: the encrypted one was written, the clear-text one
	// was never removed.
	if err := os.WriteFile(plainPath, leftover, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	enc := newTestSessionStore(t, dir, WithEncryptionKey(testutil.TestKey()))
	if enc.Count() != 1 {
		t.Errorf("Count() = %d, want 1", enc.Count())
	}
	if _, err := os.Stat(plainPath); !os.IsNotExist(err) {
		t.Error("leftover clear-text file should be removed on load")
	}

	if err := enc.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(plainPath); !os.IsNotExist(err) {
		t.Error("clear-text file reappeared after Remove()")
	}
}

func TestSessionStore_CorruptEncryptedFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := newTestSessionStore(t, dir, WithEncryptionKey(testutil.TestKey()))
	_ = s.Store(ctx, testSession("s1", time.Now().Add(time.Hour), ""))

	otherKey := make([]byte, 32)
	clock := testutil.NewMockTime(time.Unix(1700000000, 0))
	s2, err := NewSessionStore(dir, WithEncryptionKey(otherKey), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewSessionStore() with wrong key error = %v, want empty store", err)
	}
	if s2.Count() != 0 {
		t.Errorf("Count() = %d, want 0", s2.Count())
	}
	if _, err := os.Stat(filepath.Join(dir, EncryptedSessionsFile+".corrupt-1700000000")); err != nil {
		t.Errorf("unreadable file should be moved aside: %v", err)
	}

	if err := s2.Store(ctx, testSession("s2", time.Now().Add(time.Hour), "")); err != nil {
		t.Errorf("Store() after quarantine error = %v", err)
	}
}

func TestSessionStore_RefreshOnGet(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewMockTime(time.Now())
	upstream := mock.NewUpstream()
	upstream.RefreshTokenFunc = func(ctx context.Context, rt string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "fresh-access", TokenType: "Bearer", Expiry: clock.Now().Add(time.Hour)}, nil
	}
	s := newTestSessionStore(t, t.TempDir(), WithClock(clock.Now), WithRefresher(upstream))

	_ = s.Store(ctx, testSession("s1", clock.Now().Add(30*time.Second), "rt-1"))

	got, err := s.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.AccessToken != "fresh-access" {
		t.Errorf("AccessToken = %q, want refreshed", got.AccessToken)
	}
	if got.RefreshToken != "rt-1" {
		t.Errorf("RefreshToken = %q, want the old one kept", got.RefreshToken)
	}
	if upstream.CallCount("RefreshToken") != 1 {
		t.Errorf("RefreshToken called %d times", upstream.CallCount("RefreshToken"))
	}

	if _, err := s.Get(ctx, "s1"); err != nil {
		t.Fatalf("second Get() error = %v", err)
	}
	if upstream.CallCount("RefreshToken") != 1 {
		t.Error("fresh session should not refresh again")
	}
}

func TestSessionStore_ConcurrentRefreshShared(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewMockTime(time.Now())
	release := make(chan struct{})
	upstream := mock.NewUpstream()
	upstream.RefreshTokenFunc = func(ctx context.Context, rt string) (*oauth2.Token, error) {
		<-release
		return &oauth2.Token{AccessToken: "fresh", Expiry: clock.Now().Add(time.Hour)}, nil
	}
	s := newTestSessionStore(t, t.TempDir(), WithClock(clock.Now), WithRefresher(upstream))
	_ = s.Store(ctx, testSession("s1", clock.Now().Add(10*time.Second), "rt"))

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Get(ctx, "s1")
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Get() error = %v", err)
		}
	}
	if n := upstream.CallCount("RefreshToken"); n != 1 {
		t.Errorf("RefreshToken called %d times, want 1", n)
	}
}

func TestSessionStore_RefreshFailureDeletes(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewMockTime(time.Now())
	upstream := mock.NewUpstream()
	upstream.RefreshTokenFunc = func(ctx context.Context, rt string) (*oauth2.Token, error) {
		return nil, errors.New("invalid_grant")
	}
	s := newTestSessionStore(t, t.TempDir(), WithClock(clock.Now), WithRefresher(upstream))
	_ = s.Store(ctx, testSession("s1", clock.Now().Add(-time.Minute), "rt"))

	if _, err := s.Get(ctx, "s1"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("Get() error = %v, want ErrSessionNotFound", err)
	}
	if s.Count() != 0 {
		t.Error("session should be deleted after a failed refresh")
	}
}

func TestSessionStore_ExpiredWithoutRefreshToken(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewMockTime(time.Now())
	upstream := mock.NewUpstream()
	s := newTestSessionStore(t, t.TempDir(), WithClock(clock.Now), WithRefresher(upstream))

	_ = s.Store(ctx, testSession("expired", clock.Now().Add(-time.Second), ""))
	_ = s.Store(ctx, testSession("expiring", clock.Now().Add(30*time.Second), ""))

	if _, err := s.Get(ctx, "expired"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("Get(expired) error = %v", err)
	}
	if got, err := s.Get(ctx, "expiring"); err != nil || got.AccessToken != "access-expiring" {
		t.Errorf("Get(expiring) = %+v, %v; want unchanged session", got, err)
	}
	if upstream.CallCount("RefreshToken") != 0 {
		t.Error("no network call expected without a refresh token")
	}
}

func TestSessionStore_Sweep(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewMockTime(time.Now())
	s := newTestSessionStore(t, t.TempDir(), WithClock(clock.Now))

	_ = s.Store(ctx, testSession("dead", clock.Now().Add(-time.Minute), ""))
	_ = s.Store(ctx, testSession("renewable", clock.Now().Add(-time.Minute), "rt"))
	_ = s.Store(ctx, testSession("live", clock.Now().Add(time.Hour), ""))

	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Sweep() removed %d, want 1", n)
	}
	if s.Count() != 2 {
		t.Errorf("Count() = %d, want 2", s.Count())
	}
}
