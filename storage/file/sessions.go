package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/mcp-oauth-proxy/internal/util"
	"github.com/giantswarm/mcp-oauth-proxy/security"
	"github.com/giantswarm/mcp-oauth-proxy/storage"
)

// SessionStore keeps upstream tokens per session. With an encryption key the
// whole map is sealed into oauth-sessions.enc; without one it is written as
// clear text to oauth-sessions.json.
type SessionStore struct {
	base

	mu        sync.Mutex
	sessions  map[string]*storage.StoredSession
	encryptor *security.Encryptor
	refresher storage.TokenRefresher
	refreshes singleflight.Group

	plainFile     string
	encryptedFile string
}

var _ storage.SessionStore = (*SessionStore)(nil)

// NewSessionStore opens the session store in dir. A key that is not 32
// bytes is an error. An encrypted file that cannot be opened is moved aside
// and the store starts empty.
func NewSessionStore(dir string, opts ...Option) (*SessionStore, error) {
	b, o, err := newBase(dir, "sessions", opts)
	if err != nil {
		return nil, err
	}

	var enc *security.Encryptor
	if len(o.encryptionKey) > 0 {
		enc, err = security.NewEncryptor(o.encryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid session encryption key: %w", err)
		}
	}

	s := &SessionStore{
		base:          b,
		sessions:      make(map[string]*storage.StoredSession),
		encryptor:     enc,
		refresher:     o.refresher,
		plainFile:     b.path(SessionsFile),
		encryptedFile: b.path(EncryptedSessionsFile),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Encrypted reports whether sessions are encrypted at rest.
func (s *SessionStore) Encrypted() bool {
	return s.encryptor.IsEnabled()
}

func (s *SessionStore) load() error {
	if !s.encryptor.IsEnabled() {
		if _, err := os.Stat(s.encryptedFile); err == nil {
			s.logger.Warn("Encrypted session file present but no encryption key configured; ignoring it",
				"path", s.encryptedFile)
		}
		if _, err := readJSONFile(s.plainFile, &s.sessions); err != nil {
			return err
		}
		s.dropNil()
		s.logger.Debug("Loaded sessions", "sessions", len(s.sessions), "encrypted", false)
		return nil
	}

	blob, err := os.ReadFile(s.encryptedFile)
	switch {
	case err == nil:
		if s.loadEncrypted(blob) {
			s.removeLeftoverPlaintext()
		}
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return s.migratePlaintext()
	default:
		return fmt.Errorf("failed to read %s: %w", s.encryptedFile, err)
	}
}

// loadEncrypted decrypts blob into the session map and reports whether it
// succeeded. Any failure quarantines the file and leaves the store empty.
func (s *SessionStore) loadEncrypted(blob []byte) bool {
	startTime := time.Now()
	plaintext, err := s.encryptor.Open(string(blob))
	s.recordEncryption(context.Background(), "open", startTime)
	if err == nil {
		sessions := make(map[string]*storage.StoredSession)
		if err = json.Unmarshal(plaintext, &sessions); err == nil {
			s.sessions = sessions
			s.dropNil()
			s.logger.Debug("Loaded sessions", "sessions", len(s.sessions), "encrypted", true)
			return true
		}
	}

	quarantined := fmt.Sprintf("%s.corrupt-%d", s.encryptedFile, s.now().Unix())
	if renameErr := os.Rename(s.encryptedFile, quarantined); renameErr != nil {
		s.logger.Error("Failed to move unreadable session file aside",
			"path", s.encryptedFile,
			"error", renameErr)
	}
	s.logger.Error("Could not decrypt session file, starting with no sessions",
		"path", s.encryptedFile,
		"moved_to", quarantined,
		"error", err)
	s.sessions = make(map[string]*storage.StoredSession)
	return false
}

// removeLeftoverPlaintext deletes a clear-text session file left behind by a
// migration that stopped between writing the encrypted file and removing it.
func (s *SessionStore) removeLeftoverPlaintext() {
	err := os.Remove(s.plainFile)
	switch {
	case err == nil:
		s.logger.Warn("Removed clear-text session file left over from an interrupted migration",
			"path", s.plainFile)
	case !errors.Is(err, fs.ErrNotExist):
		s.logger.Error("Failed to remove leftover clear-text session file",
			"path", s.plainFile,
			"error", err)
	}
}

// migratePlaintext encrypts an existing clear-text session file. The
// encrypted file is written before the clear-text one is removed.
func (s *SessionStore) migratePlaintext() error {
	found, err := readJSONFile(s.plainFile, &s.sessions)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	s.dropNil()

	if err := s.persistLocked(); err != nil {
		return fmt.Errorf("failed to migrate sessions to encrypted storage: %w", err)
	}
	if err := os.Remove(s.plainFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove clear-text session file after migration: %w", err)
	}

	s.logger.Info("Migrated session file to encrypted storage",
		"sessions", len(s.sessions),
		"path", s.encryptedFile)
	return nil
}

func (s *SessionStore) dropNil() {
	for id, sess := range s.sessions {
		if sess == nil {
			delete(s.sessions, id)
		}
	}
}

// Store saves a new session, replacing any with the same id.
func (s *SessionStore) Store(ctx context.Context, session *storage.StoredSession) (err error) {
	ctx, span := s.startStorageSpan(ctx, "store")
	defer span.End()
	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "store", err, startTime)
	}()

	if session == nil || session.SessionID == "" {
		return fmt.Errorf("session requires an id")
	}

	rec := *session
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.sessions[rec.SessionID]
	s.sessions[rec.SessionID] = &rec
	if err := s.persistCtx(ctx); err != nil {
		if existed {
			s.sessions[rec.SessionID] = prev
		} else {
			delete(s.sessions, rec.SessionID)
		}
		return err
	}
	return nil
}

// Get returns the session. A session within storage.SessionRefreshBuffer of
// expiry is refreshed first; concurrent callers share one refresh. A failed
// refresh, or an expired session that cannot be refreshed, removes the
// session and reports storage.ErrSessionNotFound.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (result *storage.StoredSession, err error) {
	ctx, span := s.startStorageSpan(ctx, "get")
	defer span.End()
	startTime := time.Now()
	defer func() {
		recErr := err
		if errors.Is(err, storage.ErrSessionNotFound) {
			recErr = nil
		}
		s.recordStorageOperation(ctx, span, "get", recErr, startTime)
	}()

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	var snapshot storage.StoredSession
	if ok {
		snapshot = *sess
	}
	s.mu.Unlock()

	if !ok {
		return nil, storage.ErrSessionNotFound
	}

	now := s.now()
	if !snapshot.NeedsRefreshAt(now) {
		return &snapshot, nil
	}

	if !snapshot.Renewable() || s.refresher == nil {
		if snapshot.ExpiredAt(now) {
			s.logger.Debug("Session expired without refresh token",
				"session_prefix", util.SafeTruncate(sessionID, keyLogLength))
			s.removeIfPresent(ctx, sessionID)
			return nil, storage.ErrSessionNotFound
		}
		return &snapshot, nil
	}

	v, err, shared := s.refreshes.Do(sessionID, func() (any, error) {
		// Detach so one caller's cancellation does not fail the shared refresh.
		return s.refresh(context.WithoutCancel(ctx), sessionID, snapshot.RefreshToken)
	})
	if err != nil {
		return nil, err
	}
	refreshed := *v.(*storage.StoredSession)
	if shared {
		s.logger.Debug("Joined in-flight session refresh",
			"session_prefix", util.SafeTruncate(sessionID, keyLogLength))
	}
	return &refreshed, nil
}

// refresh calls the upstream without holding the lock, then applies the
// result.
func (s *SessionStore) refresh(ctx context.Context, sessionID, refreshToken string) (*storage.StoredSession, error) {
	token, err := s.refresher.RefreshToken(ctx, refreshToken)
	s.recordRefresh(ctx, err == nil)
	if err != nil {
		s.logger.Warn("Session refresh failed, removing session",
			"session_prefix", util.SafeTruncate(sessionID, keyLogLength),
			"error", err)
		s.removeIfPresent(ctx, sessionID)
		return nil, storage.ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sessions[sessionID]
	if !ok {
		// Removed (logout) while the refresh was in flight.
		return nil, storage.ErrSessionNotFound
	}
	prev := *cur
	cur.ApplyToken(token, s.now())
	if err := s.persistCtx(ctx); err != nil {
		*cur = prev
		return nil, err
	}

	s.logger.Debug("Session refreshed",
		"session_prefix", util.SafeTruncate(sessionID, keyLogLength),
		"expires_at", cur.ExpiresAt)
	out := *cur
	return &out, nil
}

// Update replaces an existing session.
func (s *SessionStore) Update(ctx context.Context, session *storage.StoredSession) (err error) {
	ctx, span := s.startStorageSpan(ctx, "update")
	defer span.End()
	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "update", err, startTime)
	}()

	if session == nil {
		return fmt.Errorf("session is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.sessions[session.SessionID]
	if !ok {
		return storage.ErrSessionNotFound
	}
	rec := *session
	rec.CreatedAt = prev.CreatedAt
	rec.UpdatedAt = s.now()
	s.sessions[rec.SessionID] = &rec
	if err := s.persistCtx(ctx); err != nil {
		s.sessions[rec.SessionID] = prev
		return err
	}
	return nil
}

// Remove deletes a session.
func (s *SessionStore) Remove(ctx context.Context, sessionID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "remove")
	defer span.End()
	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "remove", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return storage.ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	return s.persistCtx(ctx)
}

func (s *SessionStore) removeIfPresent(ctx context.Context, sessionID string) {
	if err := s.Remove(ctx, sessionID); err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
		s.logger.Error("Failed to remove session",
			"session_prefix", util.SafeTruncate(sessionID, keyLogLength),
			"error", err)
	}
}

// Sweep removes sessions that are expired and have no refresh token.
// Renewable sessions are left for Get to refresh.
func (s *SessionStore) Sweep(ctx context.Context) (removed int, err error) {
	ctx, span := s.startStorageSpan(ctx, "sweep")
	defer span.End()
	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "sweep", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, sess := range s.sessions {
		if sess.ExpiredAt(now) && !sess.Renewable() {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.persistCtx(ctx)
}

// Count returns the number of stored sessions.
func (s *SessionStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *SessionStore) persistCtx(ctx context.Context) error {
	if !s.encryptor.IsEnabled() {
		return writeJSONFile(s.plainFile, s.sessions)
	}

	data, err := json.Marshal(s.sessions)
	if err != nil {
		return fmt.Errorf("failed to encode sessions: %w", err)
	}
	startTime := time.Now()
	blob, err := s.encryptor.Seal(data)
	s.recordEncryption(ctx, "seal", startTime)
	if err != nil {
		return fmt.Errorf("failed to encrypt sessions: %w", err)
	}
	return writeFileAtomic(s.encryptedFile, []byte(blob))
}

// persistLocked is persistCtx for callers without a request context.
func (s *SessionStore) persistLocked() error {
	return s.persistCtx(context.Background())
}

func (s *SessionStore) recordEncryption(ctx context.Context, operation string, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}
	s.instrumentation.Metrics().RecordEncryptionOperation(ctx, operation, float64(time.Since(startTime).Milliseconds()))
}

func (s *SessionStore) recordRefresh(ctx context.Context, success bool) {
	if s.instrumentation == nil {
		return
	}
	s.instrumentation.Metrics().RecordSessionRefresh(ctx, success)
}
