// Package session owns one conversation: its timeline store, the two
// lifecycle machines, the optimistic write coordinator, and the recovery
// paths. Every event source (push channel, REST history, local actions)
// funnels through the same reconciliation pipeline, so there is one
// code path preserving the timeline invariants rather than one per page.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/Nardo758/Traveloure-Platform-sub001/channel"
	"github.com/Nardo758/Traveloure-Platform-sub001/internal/retryutil"
	"github.com/Nardo758/Traveloure-Platform-sub001/internal/wire"
	"github.com/Nardo758/Traveloure-Platform-sub001/timeline"
)

// ErrClosed reports an operation on a conversation the user has already
// navigated away from.
var ErrClosed = errors.New("session: conversation closed")

// API is the REST collaborator surface the session consumes. Implemented
// by internal/chatapi.
type API interface {
	History(ctx context.Context, conversationID string) ([]wire.RawRecord, error)
	SendMessage(ctx context.Context, conversationID, text string, attachment *wire.RawAttachment) (wire.RawRecord, error)
	AcceptContract(ctx context.Context, contractID string) (wire.RawContract, error)
	RejectContract(ctx context.Context, contractID string) (wire.RawContract, error)
	RequestPayment(ctx context.Context, contractID string) (string, error)
	ContractStatus(ctx context.Context, conversationID string) (wire.RawContract, error)
	DecideItinerary(ctx context.Context, itineraryID string, status timeline.ItineraryStatus) error
}

// PushChannel is the persistent event stream surface. Implemented by
// channel.Adapter. Optional: without it the session is REST-only.
type PushChannel interface {
	Join(conversationID string) error
	Leave(conversationID string) error
	SendChat(conversationID, text string) error
	OnEvent(conversationID string, h channel.Handler) func()
	OnReconnect(fn func(conversationID string)) func()
}

type Options struct {
	ConversationID string
	User           timeline.SenderRef // the local user
	Participant    timeline.SenderRef // the remote party

	API     API
	Channel PushChannel // optional
	Logger  *slog.Logger
	Now     func() time.Time

	// Validator runs before an optimistic send; an error aborts the send
	// before any placeholder is inserted.
	Validator func(ctx context.Context, text string) error

	MatchWindow     time.Duration // fuzzy echo-match window, defaults to timeline.DefaultMatchWindow
	RecentTTL       time.Duration // recently-sent tracker TTL, defaults to 10s
	RefetchDelay    time.Duration // delay before a scheduled authoritative refetch, defaults to 1s
	RefetchAttempts int           // total refetch attempts, defaults to 2

	OnTimelineChanged   func(conversationID string, snapshot []timeline.Entry)
	OnContractAdvanced  func(contractID string, status timeline.ContractStatus, paymentURL string)
	OnItineraryApproved func(itineraryID string)
}

const defaultRecentTTL = 10 * time.Second

type Session struct {
	conversationID string
	user           timeline.SenderRef
	participant    timeline.SenderRef

	api     API
	channel PushChannel
	log     *slog.Logger
	now     func() time.Time

	validator       func(ctx context.Context, text string) error
	recentTTL       time.Duration
	refetchDelay    time.Duration
	refetchAttempts int

	onTimelineChanged   func(string, []timeline.Entry)
	onContractAdvanced  func(string, timeline.ContractStatus, string)
	onItineraryApproved func(string)

	mu     sync.Mutex
	store  *timeline.Store
	recent *cache.Cache

	// Status reports that arrived before their entry materialized, keyed
	// by contract/itinerary ID and folded in once the entry lands.
	pendingContracts   map[string]timeline.ContractUpdate
	pendingItineraries map[string]timeline.ItineraryUpdate

	generation      int // stale-fetch guard
	removeListener  func()
	removeReconnect func()
	closed          bool

	// Host callbacks queued while mu is held, run after release; see
	// unlockAndNotify.
	signals []func()
}

func New(opts Options) (*Session, error) {
	if opts.ConversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if opts.API == nil {
		return nil, fmt.Errorf("api client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	recentTTL := opts.RecentTTL
	if recentTTL <= 0 {
		recentTTL = defaultRecentTTL
	}

	s := &Session{
		conversationID:      opts.ConversationID,
		user:                opts.User,
		participant:         opts.Participant,
		api:                 opts.API,
		channel:             opts.Channel,
		log:                 logger.With("conversation_id", opts.ConversationID),
		now:                 now,
		validator:           opts.Validator,
		recentTTL:           recentTTL,
		refetchDelay:        opts.RefetchDelay,
		refetchAttempts:     opts.RefetchAttempts,
		onTimelineChanged:   opts.OnTimelineChanged,
		onContractAdvanced:  opts.OnContractAdvanced,
		onItineraryApproved: opts.OnItineraryApproved,
		recent:              cache.New(recentTTL, recentTTL),
		pendingContracts:    make(map[string]timeline.ContractUpdate),
		pendingItineraries:  make(map[string]timeline.ItineraryUpdate),
	}

	resolver := timeline.NewResolver(timeline.ResolverOptions{
		User:   opts.User,
		Recent: (*recentTracker)(s),
		Window: opts.MatchWindow,
	})
	s.store = timeline.NewStore(timeline.StoreOptions{
		Resolver: resolver,
		Matcher:  timeline.NewMatcher(timeline.MatcherOptions{Window: opts.MatchWindow}),
		OnChange: s.timelineChanged,
	})
	return s, nil
}

// Open joins the push stream and loads the authoritative history. The
// contract status check afterwards is best-effort; a failure there leaves
// the timeline usable.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	if s.channel != nil {
		if err := s.channel.Join(s.conversationID); err != nil {
			return fmt.Errorf("join conversation: %w", err)
		}
		remove := s.channel.OnEvent(s.conversationID, s.HandleEvent)
		// Anything pushed while the connection was down is gone for good,
		// so a reconnect demands a full authoritative reload.
		removeReconnect := s.channel.OnReconnect(func(conversationID string) {
			if conversationID != s.conversationID {
				return
			}
			go func() {
				if err := s.RefreshHistory(context.Background()); err != nil {
					s.log.Warn("post_reconnect_refresh_failed", "error", err.Error())
				}
			}()
		})
		s.mu.Lock()
		s.removeListener = remove
		s.removeReconnect = removeReconnect
		s.mu.Unlock()
	}

	if err := s.RefreshHistory(ctx); err != nil {
		return err
	}
	if err := s.refreshContractStatus(ctx); err != nil {
		s.log.Warn("contract_status_check_failed", "error", err.Error())
	}
	return nil
}

// Close leaves the stream and freezes the session. Further operations
// return ErrClosed; in-flight fetches resolve to no-ops.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	remove := s.removeListener
	s.removeListener = nil
	removeReconnect := s.removeReconnect
	s.removeReconnect = nil
	s.mu.Unlock()

	if remove != nil {
		remove()
	}
	if removeReconnect != nil {
		removeReconnect()
	}
	if s.channel != nil {
		if err := s.channel.Leave(s.conversationID); err != nil {
			s.log.Warn("leave_conversation_failed", "error", err.Error())
		}
	}
}

// Snapshot returns the current reconciled timeline.
func (s *Session) Snapshot() []timeline.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Snapshot()
}

// HandleEvent feeds one normalized event into the reconciliation
// pipeline. Events for another conversation are dropped, events for
// entries that do not exist yet are parked, and duplicates are absorbed.
func (s *Session) HandleEvent(ev wire.Event) {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if s.closed {
		return
	}
	if ev.ConversationID != "" && ev.ConversationID != s.conversationID {
		return
	}

	switch ev.Kind {
	case wire.EventMessage, wire.EventContractNew, wire.EventItineraryNew:
		if ev.Entry == nil {
			return
		}
		s.store.InsertOrReconcile(*ev.Entry)
		s.applyParkedLocked(*ev.Entry)
	case wire.EventContractStatus:
		s.applyContractUpdateLocked(ev.ContractID, timeline.ContractUpdate{
			Status:        ev.ContractStatus,
			PaymentURL:    ev.PaymentURL,
			Authoritative: ev.Authoritative,
		}, true)
	case wire.EventItineraryStatus:
		s.applyItineraryUpdateLocked(ev.ItineraryID, timeline.ItineraryUpdate{
			Status:        ev.ItineraryStatus,
			Authoritative: ev.Authoritative,
		})
	case wire.EventError:
		s.log.Warn("push_channel_error", "error", ev.Err)
	}
}

// RefreshHistory reloads the full conversation from REST and replaces the
// store in one pass. This is the recovery path after a reconnect and the
// initial load on open. A fetch superseded by a newer one (or by Close)
// is dropped on arrival.
func (s *Session) RefreshHistory(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	records, err := s.api.History(ctx, s.conversationID)
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}

	s.mu.Lock()
	defer s.unlockAndNotify()
	if s.closed || gen != s.generation {
		s.log.Info("history_fetch_superseded", "generation", gen)
		return nil
	}

	now := s.now()
	entries := lo.Map(records, func(r wire.RawRecord, _ int) timeline.Entry {
		return wire.EntryFromRecord(r, now)
	})
	s.store.Replace(entries)
	if s.store.Len() == 0 {
		s.store.InsertOrReconcile(s.welcomeEntry(now))
	}
	for _, e := range s.store.Snapshot() {
		s.applyParkedLocked(e)
	}
	return nil
}

// refreshContractStatus pulls the authoritative contract state for the
// conversation and folds it in, overriding the forward-only rule.
func (s *Session) refreshContractStatus(ctx context.Context) error {
	raw, err := s.api.ContractStatus(ctx, s.conversationID)
	if err != nil {
		return err
	}
	id := raw.ID.String()
	if id == "" {
		return nil // no contract exists yet for this conversation
	}
	s.mu.Lock()
	defer s.unlockAndNotify()
	if s.closed {
		return nil
	}
	s.applyContractUpdateLocked(id, timeline.ContractUpdate{
		Status:        wire.NormalizeContractStatus(raw.Status, raw.IsAccepted),
		PaymentURL:    raw.PaymentURL,
		Authoritative: true,
	}, false)
	return nil
}

// applyContractUpdateLocked folds a status report into the contract's
// machine. Reports whose entry has not materialized yet are parked. When
// schedule is set, an acceptance without a payment URL (the backend
// computes it asynchronously) and a non-authoritative paid report each
// trigger a deferred authoritative refetch.
func (s *Session) applyContractUpdateLocked(contractID string, u timeline.ContractUpdate, schedule bool) {
	if contractID == "" {
		return
	}
	c := s.store.FindContract(contractID)
	if c == nil {
		s.pendingContracts[contractID] = s.pendingContracts[contractID].Merge(u)
		s.log.Info("contract_update_parked", "contract_id", contractID, "status", string(u.Status))
		return
	}
	changed := s.store.UpdateContract(contractID, u)
	if changed && s.onContractAdvanced != nil {
		cb := s.onContractAdvanced
		status, url := c.Status, c.PaymentURL
		s.queueSignalLocked(func() { cb(contractID, status, url) })
	}
	if !schedule {
		return
	}
	if (c.Status == timeline.ContractAccepted && c.PaymentURL == "") ||
		(u.Status == timeline.ContractPaid && !u.Authoritative) {
		s.scheduleContractRefetch()
	}
}

// applyItineraryUpdateLocked folds a status report into the submission's
// machine. A transition into approved emits the host signal and schedules
// a contract status re-check, since approval can settle contract state
// server-side.
func (s *Session) applyItineraryUpdateLocked(itineraryID string, u timeline.ItineraryUpdate) {
	if itineraryID == "" {
		return
	}
	it := s.store.FindItinerary(itineraryID)
	if it == nil {
		s.pendingItineraries[itineraryID] = s.pendingItineraries[itineraryID].Merge(u)
		s.log.Info("itinerary_update_parked", "itinerary_id", itineraryID, "status", string(u.Status))
		return
	}
	changed := s.store.UpdateItinerary(itineraryID, u)
	if changed && it.Status == timeline.ItineraryApproved {
		if s.onItineraryApproved != nil {
			cb := s.onItineraryApproved
			s.queueSignalLocked(func() { cb(itineraryID) })
		}
		s.scheduleContractRefetch()
	}
}

// applyParkedLocked folds in any status report that arrived before the
// given entry existed.
func (s *Session) applyParkedLocked(e timeline.Entry) {
	if e.Contract != nil {
		if u, ok := s.pendingContracts[e.Contract.ID]; ok {
			delete(s.pendingContracts, e.Contract.ID)
			s.applyContractUpdateLocked(e.Contract.ID, u, true)
		}
	}
	if e.Itinerary != nil {
		if u, ok := s.pendingItineraries[e.Itinerary.ID]; ok {
			delete(s.pendingItineraries, e.Itinerary.ID)
			s.applyItineraryUpdateLocked(e.Itinerary.ID, u)
		}
	}
}

func (s *Session) scheduleContractRefetch() {
	retryutil.Schedule(s.log, "contract_status_refetch", s.refetchDelay, 0, s.refetchAttempts, func(ctx context.Context) error {
		return s.refreshContractStatus(ctx)
	})
}

// queueSignalLocked defers a host callback until mu is released. Host
// callbacks may call back into the session (Snapshot, actions), so they
// must never run under the lock.
func (s *Session) queueSignalLocked(fn func()) {
	s.signals = append(s.signals, fn)
}

// unlockAndNotify releases mu and runs the callbacks queued during the
// critical section, in order. Every mutating path unlocks through here.
func (s *Session) unlockAndNotify() {
	sigs := s.signals
	s.signals = nil
	s.mu.Unlock()
	for _, fn := range sigs {
		fn()
	}
}

func (s *Session) timelineChanged(snapshot []timeline.Entry) {
	if s.onTimelineChanged == nil {
		return
	}
	cb := s.onTimelineChanged
	s.queueSignalLocked(func() { cb(s.conversationID, snapshot) })
}

func (s *Session) welcomeEntry(now time.Time) timeline.Entry {
	name := displayName(s.participant)
	text := "Hi! How can I help you plan your trip?"
	if name != "" {
		text = fmt.Sprintf("Hi! I'm %s, your travel expert. How can I help you plan your trip?", name)
	}
	return timeline.Entry{
		ID:        timeline.WelcomeEntryID,
		Kind:      timeline.KindMessage,
		Text:      text,
		Sender:    s.participant,
		CreatedAt: now,
		Direction: timeline.DirectionReceived,
	}
}

func displayName(ref timeline.SenderRef) string {
	switch {
	case ref.FirstName != "" && ref.LastName != "":
		return ref.FirstName + " " + ref.LastName
	case ref.FirstName != "":
		return ref.FirstName
	case ref.DisplayName != "":
		return ref.DisplayName
	case ref.Username != "":
		return ref.Username
	default:
		return ""
	}
}

// recentTracker adapts the session's recently-sent cache to the
// resolver's timing heuristic.
type recentTracker Session

func (t *recentTracker) SentNear(at time.Time, window time.Duration) bool {
	for _, item := range t.recent.Items() {
		sent, ok := item.Object.(time.Time)
		if !ok {
			continue
		}
		d := at.Sub(sent)
		if d < 0 {
			d = -d
		}
		if d <= window {
			return true
		}
	}
	return false
}
