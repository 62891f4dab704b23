// Package session holds the two-stage broker credential state and persists
// it across process restarts.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"neo-trader/internal/errors"
	"neo-trader/internal/security"
)

// Session is an immutable snapshot of the credential artifacts. Stage-1
// fields come from the first factor, stage-2 fields from the PIN step.
type Session struct {
	ViewToken  string    `json:"view_token,omitempty"`
	ViewSID    string    `json:"view_sid,omitempty"`
	TradeToken string    `json:"trade_token,omitempty"`
	TradeSID   string    `json:"trade_sid,omitempty"`
	BaseURL    string    `json:"base_url,omitempty"`
	DataCenter string    `json:"data_center,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HasStage1 reports whether the first login step has completed.
func (s Session) HasStage1() bool {
	return s.ViewToken != "" && s.ViewSID != ""
}

// HasStage2 reports whether trading calls are authorized.
func (s Session) HasStage2() bool {
	return s.TradeToken != "" && s.TradeSID != "" && s.BaseURL != ""
}

// IsEmpty reports whether no credential field is set.
func (s Session) IsEmpty() bool {
	return !s.HasStage1() && !s.HasStage2()
}

// Stage1 is the result of the first login step.
type Stage1 struct {
	Token string
	SID   string
}

// Stage2 is the result of the PIN validation step.
type Stage2 struct {
	Token      string
	SID        string
	BaseURL    string
	DataCenter string
}

// Authenticator performs the two broker login calls.
type Authenticator interface {
	TradeAPILogin(ctx context.Context, totp string) (Stage1, error)
	TradeAPIValidate(ctx context.Context, stage1 Stage1, mpin string) (Stage2, error)
}

// Status summarizes the session for display.
type Status struct {
	Stage1     bool      `json:"stage1"`
	Stage2     bool      `json:"stage2"`
	BaseURL    string    `json:"base_url,omitempty"`
	DataCenter string    `json:"data_center,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// Store is the process-wide session holder. Reads load an atomically
// published snapshot; login steps and clears are serialized by mu.
type Store struct {
	auth    Authenticator
	snap    Snapshotter
	logger  zerolog.Logger
	now     func() time.Time
	mu      sync.Mutex
	current atomic.Pointer[Session]

	onStage2 []func(Session)
}

// NewStore creates an empty session store.
func NewStore(auth Authenticator, snap Snapshotter, logger zerolog.Logger) *Store {
	if snap == nil {
		snap = NopSnapshot{}
	}
	s := &Store{
		auth:   auth,
		snap:   snap,
		logger: logger.With().Str("component", "session").Logger(),
		now:    time.Now,
	}
	s.current.Store(&Session{})
	return s
}

// OnStage2 registers a hook run, outside the store lock, each time
// CompleteLogin stores a trade session. Register hooks before serving.
func (s *Store) OnStage2(fn func(Session)) {
	s.onStage2 = append(s.onStage2, fn)
}

// Restore rehydrates the store from the persisted snapshot, if any.
func (s *Store) Restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.snap.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load session snapshot")
	}
	if sess == nil {
		return nil
	}
	// A snapshot with half a stage-2 is treated as stage-1 only.
	if !sess.HasStage2() {
		sess.TradeToken, sess.TradeSID, sess.BaseURL, sess.DataCenter = "", "", "", ""
	}
	s.current.Store(sess)
	s.logger.Info().
		Bool("stage1", sess.HasStage1()).
		Bool("stage2", sess.HasStage2()).
		Msg("Session restored from snapshot")
	return nil
}

// Current returns a copy of the active session. The zero Session means no login.
func (s *Store) Current() Session {
	return *s.current.Load()
}

// Status returns display flags for the active session.
func (s *Store) Status() Status {
	cur := s.Current()
	return Status{
		Stage1:     cur.HasStage1(),
		Stage2:     cur.HasStage2(),
		BaseURL:    cur.BaseURL,
		DataCenter: cur.DataCenter,
		UpdatedAt:  cur.UpdatedAt,
	}
}

// BeginLogin runs the first credential step. A new first step starts a new
// login cycle, so any previous stage-2 fields are dropped.
func (s *Store) BeginLogin(ctx context.Context, totp string) (Stage1, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st1, err := s.auth.TradeAPILogin(ctx, totp)
	if err != nil {
		return Stage1{}, err
	}
	if st1.Token == "" || st1.SID == "" {
		return Stage1{}, errors.Wrap(errors.ErrAuthentication, "login response carried no view token/sid")
	}

	next := &Session{
		ViewToken: st1.Token,
		ViewSID:   st1.SID,
		UpdatedAt: s.now(),
	}
	s.publish(ctx, next)

	s.logger.Info().
		Fields(security.MaskFields(map[string]interface{}{"view_token": st1.Token, "view_sid": st1.SID})).
		Msg("Stage-1 session stored")
	return st1, nil
}

// CompleteLogin runs the PIN validation step. It fails with
// ErrNoActiveStage1, leaving the store untouched, if BeginLogin has not succeeded.
func (s *Store) CompleteLogin(ctx context.Context, mpin string) (Stage2, error) {
	st2, err := s.completeLogin(ctx, mpin)
	if err != nil {
		return Stage2{}, err
	}
	sess := s.Current()
	for _, fn := range s.onStage2 {
		fn(sess)
	}
	return st2, nil
}

func (s *Store) completeLogin(ctx context.Context, mpin string) (Stage2, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	if !cur.HasStage1() {
		return Stage2{}, errors.ErrNoActiveStage1
	}

	st2, err := s.auth.TradeAPIValidate(ctx, Stage1{Token: cur.ViewToken, SID: cur.ViewSID}, mpin)
	if err != nil {
		return Stage2{}, err
	}
	if st2.Token == "" || st2.SID == "" || st2.BaseURL == "" {
		return Stage2{}, errors.Wrap(errors.ErrAuthentication, "validate response missing trade token/sid/baseUrl")
	}

	next := *cur
	next.TradeToken = st2.Token
	next.TradeSID = st2.SID
	next.BaseURL = st2.BaseURL
	next.DataCenter = st2.DataCenter
	next.UpdatedAt = s.now()
	s.publish(ctx, &next)

	s.logger.Info().
		Fields(security.MaskFields(map[string]interface{}{"trade_token": st2.Token, "trade_sid": st2.SID})).
		Str("base_url", st2.BaseURL).
		Str("data_center", st2.DataCenter).
		Msg("Stage-2 session stored")
	return st2, nil
}

// Clear drops all credentials and removes the persisted snapshot.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current.Store(&Session{})
	if err := s.snap.Remove(ctx); err != nil {
		return errors.Wrap(err, "failed to remove session snapshot")
	}
	return nil
}

// Invalidate clears the session after the broker rejected its credentials.
func (s *Store) Invalidate(ctx context.Context, reason string) {
	if s.Current().IsEmpty() {
		return
	}
	s.logger.Warn().Str("reason", reason).Msg("Session invalidated by broker")
	if err := s.Clear(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to clear invalidated session")
	}
}

// publish swaps in next and persists it. Must be called with mu held.
// A snapshot failure is logged; the in-memory session stays authoritative.
func (s *Store) publish(ctx context.Context, next *Session) {
	s.current.Store(next)
	if err := s.snap.Save(ctx, *next); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist session snapshot")
	}
}
