package conversations

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/lyravoice/lyra-core/core/providers"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	// ErrSequenceGap rejects appends that would skip ahead of the next
	// sequence number; turns are strictly ordered with no holes.
	ErrSequenceGap = errors.New("append sequence ahead of session")
)

// Summarizer condenses evicted turns into a short stand-in text. The store
// treats it as an injected capability; the orchestrator usually routes it
// through the language-model fallback chain.
type Summarizer interface {
	Summarize(ctx context.Context, turns []Turn) (string, error)
}

// SummarizerFunc adapts a plain function to the Summarizer interface.
type SummarizerFunc func(ctx context.Context, turns []Turn) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, turns []Turn) (string, error) {
	return f(ctx, turns)
}

type session struct {
	mu sync.Mutex

	id    string
	turns []Turn

	tokenTotal   int
	createdAt    time.Time
	lastActivity time.Time

	// Summary memoization. summaryCoveredThrough is the sequence of the
	// newest turn folded into summaryText; the summary is monotonic and
	// never re-expanded, only extended forward.
	summaryText           string
	summaryCoveredThrough int64
}

// Store owns every active session. Turns within a session are strictly
// ordered by sequence number; raw turns are never deleted or reordered,
// only excluded from derived windows.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session

	summarizer        Summarizer
	summaryTokenCost  int
	inactivityTimeout time.Duration

	now func() time.Time
}

type StoreOption func(*Store)

// WithSummarizer injects the capability used to condense evicted history.
func WithSummarizer(summarizer Summarizer) StoreOption {
	return func(s *Store) { s.summarizer = summarizer }
}

// WithSummaryTokenCost sets the fixed cost charged for the summary turn.
func WithSummaryTokenCost(cost int) StoreOption {
	return func(s *Store) { s.summaryTokenCost = cost }
}

// WithInactivityTimeout sets how long a session may idle before Expire
// removes it.
func WithInactivityTimeout(timeout time.Duration) StoreOption {
	return func(s *Store) { s.inactivityTimeout = timeout }
}

// WithClock overrides the store's time source. Used by expiry tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...StoreOption) *Store {
	store := &Store{
		sessions:          map[string]*session{},
		summaryTokenCost:  64,
		inactivityTimeout: 30 * time.Minute,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Create registers a new session and returns its identifier.
func (s *Store) Create() string {
	now := s.now()
	created := &session{
		id:                    uuid.NewString(),
		createdAt:             now,
		lastActivity:          now,
		summaryCoveredThrough: SequenceUnassigned,
	}

	s.mu.Lock()
	s.sessions[created.id] = created
	s.mu.Unlock()

	return created.id
}

// End removes a session explicitly.
func (s *Store) End(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	delete(s.sessions, sessionID)
	return nil
}

// Expire removes sessions whose last activity is older than the inactivity
// timeout and returns their identifiers. Scheduling is the caller's job.
func (s *Store) Expire(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, sess := range s.sessions {
		sess.mu.Lock()
		idle := now.Sub(sess.lastActivity)
		sess.mu.Unlock()

		if idle > s.inactivityTimeout {
			delete(s.sessions, id)
			removed = append(removed, id)
		}
	}
	return removed
}

func (s *Store) lookup(sessionID string) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess, nil
}

// Append adds a turn and returns its sequence number. Replaying a sequence
// number already present is a no-op returning that same number, so
// at-least-once delivery from upstream retries never double-accounts.
func (s *Store) Append(sessionID string, turn Turn) (int64, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return 0, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	return sess.appendLocked(turn, s.now())
}

// CommitExchange appends the user turn and the agent turn as one logical
// step, atomic with respect to concurrent Window reads for the session.
func (s *Store) CommitExchange(sessionID string, user, agent Turn) (userSeq, agentSeq int64, err error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return 0, 0, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	now := s.now()
	if userSeq, err = sess.appendLocked(user, now); err != nil {
		return 0, 0, err
	}
	if agentSeq, err = sess.appendLocked(agent, now); err != nil {
		return 0, 0, err
	}
	return userSeq, agentSeq, nil
}

func (sess *session) appendLocked(turn Turn, now time.Time) (int64, error) {
	next := int64(len(sess.turns))

	switch {
	case turn.Sequence == SequenceUnassigned:
		turn.Sequence = next
	case turn.Sequence < next:
		// Idempotent replay; state and token accounting unchanged.
		sess.lastActivity = now
		return turn.Sequence, nil
	case turn.Sequence > next:
		return 0, fmt.Errorf("%w: got %d, next is %d", ErrSequenceGap, turn.Sequence, next)
	}

	if turn.TokenCost == 0 {
		turn.TokenCost = EstimateTokens(turn.Content)
	}
	turn.CreatedAt = now

	sess.turns = append(sess.turns, turn)
	sess.tokenTotal += turn.TokenCost
	sess.lastActivity = now
	return turn.Sequence, nil
}

// History returns a snapshot copy of a session's raw turns, oldest first.
func (s *Store) History(sessionID string) ([]Turn, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	history := make([]Turn, len(sess.turns))
	copy(history, sess.turns)
	return history, nil
}

// Window derives the bounded context view: the newest turns whose summed
// estimated cost fits the budget, plus a memoized summary turn standing in
// for anything older. The summary is synthesized at most once per eviction
// boundary.
func (s *Store) Window(ctx context.Context, sessionID string, tokenBudget int) (ContextWindow, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return ContextWindow{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.lastActivity = s.now()

	// Turns already folded into the memoized summary stay excluded even
	// when a wider budget would fit them again; the summary is never
	// re-expanded.
	base := 0
	for base < len(sess.turns) && sess.turns[base].Sequence <= sess.summaryCoveredThrough {
		base++
	}

	if base == 0 {
		start, cost := fitNewest(sess.turns, tokenBudget)
		if start == 0 {
			included := make([]Turn, len(sess.turns))
			copy(included, sess.turns)
			return ContextWindow{Turns: included, TokenCost: cost}, nil
		}
	}

	// Older turns fall out: reserve the summary's fixed cost and refit.
	// The charged cost is capped at the budget so the window can never
	// exceed it, even when the budget is smaller than the summary cost.
	charged := s.summaryTokenCost
	if charged > tokenBudget {
		charged = tokenBudget
	}
	reserved := tokenBudget - charged
	start, _ := fitNewest(sess.turns, reserved)
	if start < base {
		start = base
	}
	cost := 0
	for _, turn := range sess.turns[start:] {
		cost += turn.TokenCost
	}

	summaryText := sess.summarizeThroughLocked(ctx, s, sess.turns[start-1].Sequence, start)

	included := make([]Turn, len(sess.turns)-start)
	copy(included, sess.turns[start:])

	summary := Turn{
		Role:      providers.RoleAgent,
		Content:   summaryText,
		Sequence:  sess.turns[start-1].Sequence,
		TokenCost: charged,
		Summary:   true,
	}
	return ContextWindow{Summary: &summary, Turns: included, TokenCost: cost + charged}, nil
}

// fitNewest walks newest-to-oldest accumulating estimated cost and returns
// the index of the oldest turn that still fits, plus the accumulated cost.
func fitNewest(turns []Turn, budget int) (start, cost int) {
	start = len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		if cost+turns[i].TokenCost > budget {
			break
		}
		cost += turns[i].TokenCost
		start = i
	}
	return start, cost
}

// summarizeThroughLocked returns the summary text covering every turn up to
// and including boundarySeq. Memoized per boundary; when the boundary moves
// forward the previous summary is folded into the new input rather than
// re-expanded, keeping the summary lossy and monotonic.
func (sess *session) summarizeThroughLocked(ctx context.Context, store *Store, boundarySeq int64, start int) string {
	if sess.summaryCoveredThrough == boundarySeq && sess.summaryText != "" {
		return sess.summaryText
	}

	var input []Turn
	if sess.summaryText != "" {
		input = append(input, Turn{
			Role:      providers.RoleAgent,
			Content:   sess.summaryText,
			Summary:   true,
			TokenCost: store.summaryTokenCost,
		})
	}
	for _, turn := range sess.turns[:start] {
		if turn.Sequence > sess.summaryCoveredThrough {
			input = append(input, turn)
		}
	}

	text := fmt.Sprintf("Earlier conversation with %d turns omitted.", start)
	if store.summarizer != nil {
		ctx, span := tracer.Start(ctx, "summarize evicted turns")
		summarized, err := store.summarizer.Summarize(ctx, input)
		if err != nil {
			// Degrade to the placeholder rather than failing the window;
			// a summarizer outage must not stall the conversation.
			err = fmt.Errorf("failed to summarize evicted turns: %w", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.WarnContext(ctx, "summarizer failed, using placeholder summary", "error", err)
		} else {
			text = summarized
		}
		span.End()
	}

	sess.summaryText = text
	sess.summaryCoveredThrough = boundarySeq
	return text
}
