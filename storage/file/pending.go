package file

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/giantswarm/mcp-oauth-proxy/internal/util"
	"github.com/giantswarm/mcp-oauth-proxy/storage"
)

// keyLogLength is how much of a state or code value is logged.
const keyLogLength = 8

// PendingStore stores in-flight authorizations in pending-auth.json and
// forwarded code bindings in pending-codes.json.
type PendingStore struct {
	base

	mu        sync.Mutex
	pending   map[string]*storage.PendingAuthorization
	codes     map[string]*storage.CodeBinding
	stateFile string
	codesFile string
}

var _ storage.PendingStore = (*PendingStore)(nil)

// NewPendingStore opens the pending store in dir. Records already past
// their TTL are dropped while loading.
func NewPendingStore(dir string, opts ...Option) (*PendingStore, error) {
	b, _, err := newBase(dir, "pending", opts)
	if err != nil {
		return nil, err
	}

	s := &PendingStore{
		base:      b,
		pending:   make(map[string]*storage.PendingAuthorization),
		codes:     make(map[string]*storage.CodeBinding),
		stateFile: b.path(PendingFile),
		codesFile: b.path(CodesFile),
	}

	if _, err := readJSONFile(s.stateFile, &s.pending); err != nil {
		return nil, err
	}
	if _, err := readJSONFile(s.codesFile, &s.codes); err != nil {
		return nil, err
	}

	now := s.now()
	skipped := 0
	for state, p := range s.pending {
		if p == nil || p.ExpiredAt(now) {
			delete(s.pending, state)
			skipped++
		}
	}
	for code, c := range s.codes {
		if c == nil || c.ExpiredAt(now) {
			delete(s.codes, code)
			skipped++
		}
	}

	s.logger.Debug("Loaded pending authorizations",
		"pending", len(s.pending),
		"codes", len(s.codes),
		"expired_skipped", skipped)
	return s, nil
}

// Store upserts a pending authorization keyed by its state.
func (s *PendingStore) Store(ctx context.Context, pending *storage.PendingAuthorization) (err error) {
	ctx, span := s.startStorageSpan(ctx, "store")
	defer span.End()
	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "store", err, startTime)
	}()

	if pending == nil || pending.State == "" {
		return fmt.Errorf("pending authorization requires a state")
	}

	rec := *pending
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.pending[rec.State]
	s.pending[rec.State] = &rec
	if err := writeJSONFile(s.stateFile, s.pending); err != nil {
		if existed {
			s.pending[rec.State] = prev
		} else {
			delete(s.pending, rec.State)
		}
		return err
	}
	return nil
}

// Consume removes and returns the record for state. The TTL is checked
// under the same lock as the delete, so a state can be redeemed once.
func (s *PendingStore) Consume(ctx context.Context, state string) (result *storage.PendingAuthorization, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume")
	defer span.End()
	startTime := time.Now()
	defer func() {
		recErr := err
		if errors.Is(err, storage.ErrPendingNotFound) {
			recErr = nil
		}
		s.recordStorageOperation(ctx, span, "consume", recErr, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.pending[state]
	if !ok {
		return nil, storage.ErrPendingNotFound
	}
	delete(s.pending, state)
	if err := writeJSONFile(s.stateFile, s.pending); err != nil {
		return nil, err
	}

	if rec.ExpiredAt(s.now()) {
		s.logger.Debug("Pending authorization expired",
			"state_prefix", util.SafeTruncate(state, keyLogLength),
			"age", s.now().Sub(rec.CreatedAt).String())
		return nil, storage.ErrPendingNotFound
	}
	return rec, nil
}

// BindCode records the PKCE challenge for a forwarded authorization code.
func (s *PendingStore) BindCode(ctx context.Context, binding *storage.CodeBinding) (err error) {
	ctx, span := s.startStorageSpan(ctx, "bind_code")
	defer span.End()
	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "bind_code", err, startTime)
	}()

	if binding == nil || binding.Code == "" {
		return fmt.Errorf("code binding requires a code")
	}

	rec := *binding
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.codes[rec.Code]
	s.codes[rec.Code] = &rec
	if err := writeJSONFile(s.codesFile, s.codes); err != nil {
		if existed {
			s.codes[rec.Code] = prev
		} else {
			delete(s.codes, rec.Code)
		}
		return err
	}
	return nil
}

// ConsumeCode removes and returns the binding for code.
func (s *PendingStore) ConsumeCode(ctx context.Context, code string) (result *storage.CodeBinding, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_code")
	defer span.End()
	startTime := time.Now()
	defer func() {
		recErr := err
		if errors.Is(err, storage.ErrCodeBindingNotFound) {
			recErr = nil
		}
		s.recordStorageOperation(ctx, span, "consume_code", recErr, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeBindingNotFound
	}
	delete(s.codes, code)
	if err := writeJSONFile(s.codesFile, s.codes); err != nil {
		return nil, err
	}

	if rec.ExpiredAt(s.now()) {
		s.logger.Debug("Code binding expired",
			"code_prefix", util.SafeTruncate(code, keyLogLength),
			"client_id", rec.ClientID)
		return nil, storage.ErrCodeBindingNotFound
	}
	return rec, nil
}

// Sweep removes every pending record and code binding past its TTL.
func (s *PendingStore) Sweep(ctx context.Context) (removed int, err error) {
	ctx, span := s.startStorageSpan(ctx, "sweep")
	defer span.End()
	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "sweep", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var pendingRemoved, codesRemoved int
	for state, p := range s.pending {
		if p.ExpiredAt(now) {
			delete(s.pending, state)
			pendingRemoved++
		}
	}
	for code, c := range s.codes {
		if c.ExpiredAt(now) {
			delete(s.codes, code)
			codesRemoved++
		}
	}

	var errs []error
	if pendingRemoved > 0 {
		errs = append(errs, writeJSONFile(s.stateFile, s.pending))
	}
	if codesRemoved > 0 {
		errs = append(errs, writeJSONFile(s.codesFile, s.codes))
	}
	return pendingRemoved + codesRemoved, errors.Join(errs...)
}

// Count returns the number of pending authorizations plus code bindings.
func (s *PendingStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) + len(s.codes)
}
