package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Nardo758/Traveloure-Platform-sub001/channel"
	"github.com/Nardo758/Traveloure-Platform-sub001/internal/wire"
	"github.com/Nardo758/Traveloure-Platform-sub001/timeline"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeAPI struct {
	history        []wire.RawRecord
	historyErr     error
	historyCalls   int
	sendEcho       wire.RawRecord
	sendErr        error
	sent           []string
	acceptResp     wire.RawContract
	acceptErr      error
	rejectResp     wire.RawContract
	paymentURL     string
	paymentErr     error
	statusResp     wire.RawContract
	statusErr      error
	decideErr      error
	decided        []string
	decidedStatus  []timeline.ItineraryStatus
	historyStarted chan struct{} // closed when History is entered
	historyBlocked chan struct{} // when set, History waits until closed
	historyFetched chan struct{} // receives one token per completed fetch
}

func (f *fakeAPI) History(ctx context.Context, conversationID string) ([]wire.RawRecord, error) {
	f.historyCalls++
	if f.historyStarted != nil {
		close(f.historyStarted)
	}
	if f.historyBlocked != nil {
		<-f.historyBlocked
	}
	if f.historyFetched != nil {
		select {
		case f.historyFetched <- struct{}{}:
		default:
		}
	}
	return f.history, f.historyErr
}

func (f *fakeAPI) SendMessage(ctx context.Context, conversationID, text string, attachment *wire.RawAttachment) (wire.RawRecord, error) {
	f.sent = append(f.sent, text)
	return f.sendEcho, f.sendErr
}

func (f *fakeAPI) AcceptContract(ctx context.Context, contractID string) (wire.RawContract, error) {
	return f.acceptResp, f.acceptErr
}

func (f *fakeAPI) RejectContract(ctx context.Context, contractID string) (wire.RawContract, error) {
	return f.rejectResp, nil
}

func (f *fakeAPI) RequestPayment(ctx context.Context, contractID string) (string, error) {
	return f.paymentURL, f.paymentErr
}

func (f *fakeAPI) ContractStatus(ctx context.Context, conversationID string) (wire.RawContract, error) {
	return f.statusResp, f.statusErr
}

func (f *fakeAPI) DecideItinerary(ctx context.Context, itineraryID string, status timeline.ItineraryStatus) error {
	f.decided = append(f.decided, itineraryID)
	f.decidedStatus = append(f.decidedStatus, status)
	return f.decideErr
}

type fakeChannel struct {
	joined        []string
	left          []string
	chats         []string
	chatErr       error
	handler       channel.Handler
	removed       bool
	reconnectHook func(conversationID string)
	hookRemoved   bool
}

func (f *fakeChannel) Join(conversationID string) error {
	f.joined = append(f.joined, conversationID)
	return nil
}

func (f *fakeChannel) Leave(conversationID string) error {
	f.left = append(f.left, conversationID)
	return nil
}

func (f *fakeChannel) SendChat(conversationID, text string) error {
	f.chats = append(f.chats, text)
	return f.chatErr
}

func (f *fakeChannel) OnEvent(conversationID string, h channel.Handler) func() {
	f.handler = h
	return func() { f.removed = true }
}

func (f *fakeChannel) OnReconnect(fn func(conversationID string)) func() {
	f.reconnectHook = fn
	return func() { f.hookRemoved = true }
}

func newTestSession(t *testing.T, api *fakeAPI, ch PushChannel, mutate func(*Options)) *Session {
	t.Helper()
	opts := Options{
		ConversationID: "17",
		User:           timeline.SenderRef{ID: "42", Username: "wanderer"},
		Participant:    timeline.SenderRef{FirstName: "Marta", LastName: "Silva"},
		API:            api,
		Channel:        ch,
		Now:            func() time.Time { return testNow },
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func findByID(t *testing.T, entries []timeline.Entry, id string) timeline.Entry {
	t.Helper()
	for _, e := range entries {
		if e.ID == id {
			return e
		}
	}
	t.Fatalf("entry %q not in timeline %v", id, entries)
	return timeline.Entry{}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{API: &fakeAPI{}}); err == nil {
		t.Fatal("New without conversation id: err = nil, want error")
	}
	if _, err := New(Options{ConversationID: "17"}); err == nil {
		t.Fatal("New without api: err = nil, want error")
	}
}

func TestOpenLoadsHistoryAndJoins(t *testing.T) {
	api := &fakeAPI{
		history: []wire.RawRecord{
			{ID: "m-2", Message: "and hello back", SenderID: "42", CreatedAt: "2025-06-01T11:01:00Z"},
			{ID: "m-1", Message: "hello", SenderID: "9", CreatedAt: "2025-06-01T11:00:00Z"},
		},
	}
	ch := &fakeChannel{}
	s := newTestSession(t, api, ch, nil)

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if len(ch.joined) != 1 || ch.joined[0] != "17" {
		t.Fatalf("joined = %v, want [17]", ch.joined)
	}
	if ch.handler == nil {
		t.Fatal("event handler not registered")
	}

	got := s.Snapshot()
	if len(got) != 2 {
		t.Fatalf("len(timeline) = %d, want 2", len(got))
	}
	if got[0].ID != "m-1" || got[1].ID != "m-2" {
		t.Fatalf("order = [%s %s], want [m-1 m-2]", got[0].ID, got[1].ID)
	}
	if got[0].Direction != timeline.DirectionReceived || got[1].Direction != timeline.DirectionSent {
		t.Fatalf("directions = [%s %s]", got[0].Direction, got[1].Direction)
	}
}

func TestOpenSeedsWelcomeOnEmptyHistory(t *testing.T) {
	api := &fakeAPI{}
	s := newTestSession(t, api, nil, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	got := s.Snapshot()
	if len(got) != 1 {
		t.Fatalf("len(timeline) = %d, want the welcome entry", len(got))
	}
	if got[0].ID != timeline.WelcomeEntryID {
		t.Fatalf("entry ID = %q, want welcome", got[0].ID)
	}
	if !strings.Contains(got[0].Text, "Marta Silva") {
		t.Fatalf("welcome text = %q, want participant name", got[0].Text)
	}
	if got[0].Direction != timeline.DirectionReceived {
		t.Fatalf("welcome Direction = %q, want received", got[0].Direction)
	}
}

func TestSendMessageConfirmsFromEcho(t *testing.T) {
	api := &fakeAPI{
		sendEcho: wire.RawRecord{ID: "srv-9", Message: "Hello", CreatedAt: "2025-06-01T12:00:01Z"},
	}
	s := newTestSession(t, api, nil, nil)

	id, err := s.SendMessage(context.Background(), "Hello", nil)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if id != "srv-9" {
		t.Fatalf("id = %q, want srv-9", id)
	}
	got := s.Snapshot()
	if len(got) != 1 {
		t.Fatalf("len(timeline) = %d, want 1", len(got))
	}
	e := got[0]
	if e.ID != "srv-9" || e.Unconfirmed {
		t.Fatalf("entry = %+v, want confirmed srv-9", e)
	}
	if e.Direction != timeline.DirectionSent {
		t.Fatalf("Direction = %q, want sent", e.Direction)
	}
}

func TestSendMessagePushEchoReconciles(t *testing.T) {
	// Over the push channel the send response carries no record; the
	// placeholder is promoted when the echo event arrives.
	api := &fakeAPI{}
	ch := &fakeChannel{}
	s := newTestSession(t, api, ch, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	localID, err := s.SendMessage(context.Background(), "Hello", nil)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if !strings.HasPrefix(localID, "local-") {
		t.Fatalf("id = %q, want a local placeholder", localID)
	}
	if len(ch.chats) != 1 || ch.chats[0] != "Hello" {
		t.Fatalf("chats = %v, want [Hello]", ch.chats)
	}

	ch.handler(wire.Event{
		Kind:           wire.EventMessage,
		ConversationID: "17",
		Entry: &timeline.Entry{
			ID:        "srv-9",
			Kind:      timeline.KindMessage,
			Text:      "Hello",
			Sender:    timeline.SenderRef{ID: "42"},
			CreatedAt: testNow.Add(time.Second),
		},
	})

	e := findByID(t, s.Snapshot(), "srv-9")
	if e.Unconfirmed {
		t.Fatal("entry still unconfirmed after push echo")
	}
	// The welcome entry plus the one real message.
	if got := len(s.Snapshot()); got != 2 {
		t.Fatalf("len(timeline) = %d, want 2", got)
	}
}

func TestSendMessageRollsBackOnFailure(t *testing.T) {
	api := &fakeAPI{sendErr: errors.New("boom")}
	s := newTestSession(t, api, nil, nil)

	if _, err := s.SendMessage(context.Background(), "Hello", nil); err == nil {
		t.Fatal("SendMessage() err = nil, want error")
	}
	if got := len(s.Snapshot()); got != 0 {
		t.Fatalf("len(timeline) = %d after rollback, want 0", got)
	}
}

func TestSendMessageValidatorBlocksBeforeInsert(t *testing.T) {
	api := &fakeAPI{}
	s := newTestSession(t, api, nil, func(o *Options) {
		o.Validator = func(ctx context.Context, text string) error {
			return fmt.Errorf("contains a phone number")
		}
	})
	if _, err := s.SendMessage(context.Background(), "call me at 555-0100", nil); err == nil {
		t.Fatal("SendMessage() err = nil, want validator error")
	}
	if got := len(s.Snapshot()); got != 0 {
		t.Fatalf("len(timeline) = %d, want 0 (no placeholder inserted)", got)
	}
	if len(api.sent) != 0 {
		t.Fatalf("api.sent = %v, want no request", api.sent)
	}
}

func TestHandleEventDropsOtherConversations(t *testing.T) {
	api := &fakeAPI{}
	s := newTestSession(t, api, nil, nil)
	s.HandleEvent(wire.Event{
		Kind:           wire.EventMessage,
		ConversationID: "99",
		Entry:          &timeline.Entry{ID: "m-1", Kind: timeline.KindMessage, Text: "wrong room", CreatedAt: testNow},
	})
	if got := len(s.Snapshot()); got != 0 {
		t.Fatalf("len(timeline) = %d, want 0", got)
	}
}

func TestHandleEventDuplicateDeliveryAbsorbed(t *testing.T) {
	api := &fakeAPI{}
	s := newTestSession(t, api, nil, nil)
	ev := wire.Event{
		Kind:           wire.EventMessage,
		ConversationID: "17",
		Entry:          &timeline.Entry{ID: "m-1", Kind: timeline.KindMessage, Text: "hello", CreatedAt: testNow},
	}
	s.HandleEvent(ev)
	s.HandleEvent(ev)
	if got := len(s.Snapshot()); got != 1 {
		t.Fatalf("len(timeline) = %d, want 1", got)
	}
}

func contractEvent(id string, status timeline.ContractStatus, url string) wire.Event {
	return wire.Event{
		Kind:           wire.EventContractStatus,
		ConversationID: "17",
		ContractID:     id,
		ContractStatus: status,
		PaymentURL:     url,
	}
}

func newContractEntry(id string) *timeline.Entry {
	return &timeline.Entry{
		ID:        "e-" + id,
		Kind:      timeline.KindContract,
		Contract:  &timeline.Contract{ID: id, Title: "Lisbon weekend", Status: timeline.ContractPending},
		CreatedAt: testNow,
	}
}

func TestContractStatusEventAdvancesMachine(t *testing.T) {
	api := &fakeAPI{}
	var advanced []string
	s := newTestSession(t, api, nil, func(o *Options) {
		o.OnContractAdvanced = func(id string, status timeline.ContractStatus, url string) {
			advanced = append(advanced, string(status))
		}
	})
	s.HandleEvent(wire.Event{Kind: wire.EventContractNew, ConversationID: "17", Entry: newContractEntry("c-1")})
	s.HandleEvent(contractEvent("c-1", timeline.ContractAccepted, "https://pay.example/1"))
	// Stale duplicate must not re-fire the signal.
	s.HandleEvent(contractEvent("c-1", timeline.ContractAccepted, "https://pay.example/1"))

	e := findByID(t, s.Snapshot(), "e-c-1")
	if e.Contract.Status != timeline.ContractAccepted || e.Contract.PaymentURL != "https://pay.example/1" {
		t.Fatalf("contract = %+v, want accepted with URL", e.Contract)
	}
	if len(advanced) != 1 || advanced[0] != "accepted" {
		t.Fatalf("advanced = %v, want one accepted signal", advanced)
	}
}

func TestContractStatusBeforeEntryIsParked(t *testing.T) {
	api := &fakeAPI{}
	s := newTestSession(t, api, nil, nil)

	// Status report lands before the contract entry exists.
	s.HandleEvent(contractEvent("c-1", timeline.ContractAccepted, "https://pay.example/1"))
	if got := len(s.Snapshot()); got != 0 {
		t.Fatalf("len(timeline) = %d, want 0 (nothing materialized)", got)
	}

	s.HandleEvent(wire.Event{Kind: wire.EventContractNew, ConversationID: "17", Entry: newContractEntry("c-1")})
	e := findByID(t, s.Snapshot(), "e-c-1")
	if e.Contract.Status != timeline.ContractAccepted {
		t.Fatalf("Status = %q, want parked accept applied", e.Contract.Status)
	}
	if e.Contract.PaymentURL != "https://pay.example/1" {
		t.Fatalf("PaymentURL = %q, want the parked URL", e.Contract.PaymentURL)
	}
}

func TestAcceptContractAppliesAuthoritativeResponse(t *testing.T) {
	api := &fakeAPI{
		acceptResp: wire.RawContract{ID: "c-1", Status: "accepted", PaymentURL: "https://pay.example/1"},
	}
	s := newTestSession(t, api, nil, nil)
	s.HandleEvent(wire.Event{Kind: wire.EventContractNew, ConversationID: "17", Entry: newContractEntry("c-1")})

	if err := s.AcceptContract(context.Background(), "c-1"); err != nil {
		t.Fatalf("AcceptContract() error = %v", err)
	}
	e := findByID(t, s.Snapshot(), "e-c-1")
	if e.Contract.Status != timeline.ContractAccepted || !e.Contract.IsAccepted {
		t.Fatalf("contract = %+v, want accepted", e.Contract)
	}
	if e.Contract.PaymentURL != "https://pay.example/1" {
		t.Fatalf("PaymentURL = %q", e.Contract.PaymentURL)
	}
}

func TestAcceptContractRevertsOnFailure(t *testing.T) {
	api := &fakeAPI{acceptErr: errors.New("backend down")}
	s := newTestSession(t, api, nil, nil)
	s.HandleEvent(wire.Event{Kind: wire.EventContractNew, ConversationID: "17", Entry: newContractEntry("c-1")})

	if err := s.AcceptContract(context.Background(), "c-1"); err == nil {
		t.Fatal("AcceptContract() err = nil, want error")
	}
	e := findByID(t, s.Snapshot(), "e-c-1")
	if e.Contract.Status != timeline.ContractPending {
		t.Fatalf("Status = %q after revert, want pending", e.Contract.Status)
	}
	if e.Contract.IsAccepted {
		t.Fatal("IsAccepted = true after revert, want false")
	}
}

func TestAcceptContractUnknownID(t *testing.T) {
	s := newTestSession(t, &fakeAPI{}, nil, nil)
	if err := s.AcceptContract(context.Background(), "missing"); err == nil {
		t.Fatal("AcceptContract(missing) err = nil, want error")
	}
}

func TestPaymentURL(t *testing.T) {
	t.Run("returns the known url without a request", func(t *testing.T) {
		api := &fakeAPI{paymentErr: errors.New("should not be called")}
		s := newTestSession(t, api, nil, nil)
		entry := newContractEntry("c-1")
		entry.Contract.Status = timeline.ContractAccepted
		entry.Contract.IsAccepted = true
		entry.Contract.PaymentURL = "https://pay.example/1"
		s.HandleEvent(wire.Event{Kind: wire.EventContractNew, ConversationID: "17", Entry: entry})

		url, err := s.PaymentURL(context.Background(), "c-1")
		if err != nil {
			t.Fatalf("PaymentURL() error = %v", err)
		}
		if url != "https://pay.example/1" {
			t.Fatalf("url = %q", url)
		}
	})

	t.Run("requests and sticks the url for an accepted contract", func(t *testing.T) {
		api := &fakeAPI{paymentURL: "https://pay.example/2"}
		s := newTestSession(t, api, nil, nil)
		entry := newContractEntry("c-1")
		entry.Contract.Status = timeline.ContractAccepted
		entry.Contract.IsAccepted = true
		s.HandleEvent(wire.Event{Kind: wire.EventContractNew, ConversationID: "17", Entry: entry})

		url, err := s.PaymentURL(context.Background(), "c-1")
		if err != nil {
			t.Fatalf("PaymentURL() error = %v", err)
		}
		if url != "https://pay.example/2" {
			t.Fatalf("url = %q", url)
		}
		e := findByID(t, s.Snapshot(), "e-c-1")
		if e.Contract.PaymentURL != "https://pay.example/2" {
			t.Fatalf("stored PaymentURL = %q, want the fetched one", e.Contract.PaymentURL)
		}
	})

	t.Run("refuses a pending contract", func(t *testing.T) {
		s := newTestSession(t, &fakeAPI{}, nil, nil)
		s.HandleEvent(wire.Event{Kind: wire.EventContractNew, ConversationID: "17", Entry: newContractEntry("c-1")})
		if _, err := s.PaymentURL(context.Background(), "c-1"); err == nil {
			t.Fatal("PaymentURL(pending) err = nil, want error")
		}
	})
}

func newItineraryEntry(id string) *timeline.Entry {
	return &timeline.Entry{
		ID:        "e-" + id,
		Kind:      timeline.KindItinerary,
		Itinerary: &timeline.Itinerary{ID: id, Title: "Old town walk", Status: timeline.ItineraryPending},
		CreatedAt: testNow,
	}
}

func TestApproveItinerarySignalsOnce(t *testing.T) {
	api := &fakeAPI{}
	var approvals []string
	s := newTestSession(t, api, nil, func(o *Options) {
		o.OnItineraryApproved = func(id string) { approvals = append(approvals, id) }
		o.RefetchAttempts = 1
		o.RefetchDelay = time.Millisecond
	})
	s.HandleEvent(wire.Event{Kind: wire.EventItineraryNew, ConversationID: "17", Entry: newItineraryEntry("i-1")})

	if err := s.ApproveItinerary(context.Background(), "i-1"); err != nil {
		t.Fatalf("ApproveItinerary() error = %v", err)
	}
	if len(api.decided) != 1 || api.decidedStatus[0] != timeline.ItineraryApproved {
		t.Fatalf("decided = %v %v", api.decided, api.decidedStatus)
	}

	// The push echo of the approval is a no-op and must not re-signal.
	s.HandleEvent(wire.Event{
		Kind:            wire.EventItineraryStatus,
		ConversationID:  "17",
		ItineraryID:     "i-1",
		ItineraryStatus: timeline.ItineraryApproved,
	})

	if len(approvals) != 1 || approvals[0] != "i-1" {
		t.Fatalf("approvals = %v, want exactly one", approvals)
	}
	e := findByID(t, s.Snapshot(), "e-i-1")
	if e.Itinerary.Status != timeline.ItineraryApproved {
		t.Fatalf("Status = %q, want approved", e.Itinerary.Status)
	}
}

func TestRejectItineraryRevertsOnFailure(t *testing.T) {
	api := &fakeAPI{decideErr: errors.New("backend down")}
	s := newTestSession(t, api, nil, nil)
	s.HandleEvent(wire.Event{Kind: wire.EventItineraryNew, ConversationID: "17", Entry: newItineraryEntry("i-1")})

	if err := s.RejectItinerary(context.Background(), "i-1"); err == nil {
		t.Fatal("RejectItinerary() err = nil, want error")
	}
	e := findByID(t, s.Snapshot(), "e-i-1")
	if e.Itinerary.Status != timeline.ItineraryPending {
		t.Fatalf("Status = %q after revert, want pending", e.Itinerary.Status)
	}
}

func TestRequestItineraryEditCyclesBack(t *testing.T) {
	api := &fakeAPI{}
	s := newTestSession(t, api, nil, nil)
	s.HandleEvent(wire.Event{Kind: wire.EventItineraryNew, ConversationID: "17", Entry: newItineraryEntry("i-1")})

	if err := s.RequestItineraryEdit(context.Background(), "i-1"); err != nil {
		t.Fatalf("RequestItineraryEdit() error = %v", err)
	}
	e := findByID(t, s.Snapshot(), "e-i-1")
	if e.Itinerary.Status != timeline.ItineraryEditRequested {
		t.Fatalf("Status = %q, want edit_requested", e.Itinerary.Status)
	}

	// The expert resubmits: the wire reports pending again.
	s.HandleEvent(wire.Event{
		Kind:            wire.EventItineraryStatus,
		ConversationID:  "17",
		ItineraryID:     "i-1",
		ItineraryStatus: timeline.ItineraryPending,
	})
	e = findByID(t, s.Snapshot(), "e-i-1")
	if e.Itinerary.Status != timeline.ItineraryPending {
		t.Fatalf("Status = %q after resubmission, want pending", e.Itinerary.Status)
	}
}

func TestRefreshHistoryStaleFetchDropped(t *testing.T) {
	started := make(chan struct{})
	blocked := make(chan struct{})
	api := &fakeAPI{
		historyStarted: started,
		historyBlocked: blocked,
		history: []wire.RawRecord{
			{ID: "m-old", Message: "stale", CreatedAt: "2025-06-01T10:00:00Z"},
		},
	}
	s := newTestSession(t, api, nil, nil)

	done := make(chan error, 1)
	go func() { done <- s.RefreshHistory(context.Background()) }()

	// Let the slow fetch start, then supersede it with a fresh one.
	<-started
	fresh := &fakeAPI{history: []wire.RawRecord{
		{ID: "m-new", Message: "fresh", CreatedAt: "2025-06-01T11:00:00Z"},
	}}
	s.api = fresh
	if err := s.RefreshHistory(context.Background()); err != nil {
		t.Fatalf("RefreshHistory() error = %v", err)
	}

	close(blocked)
	if err := <-done; err != nil {
		t.Fatalf("stale RefreshHistory() error = %v", err)
	}

	got := s.Snapshot()
	if len(got) != 1 || got[0].ID != "m-new" {
		t.Fatalf("timeline = %v, want only the fresh record", got)
	}
}

func TestCloseFreezesSession(t *testing.T) {
	api := &fakeAPI{}
	ch := &fakeChannel{}
	s := newTestSession(t, api, ch, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	s.Close()
	s.Close() // idempotent

	if !ch.removed {
		t.Fatal("event listener not removed on close")
	}
	if len(ch.left) != 1 || ch.left[0] != "17" {
		t.Fatalf("left = %v, want [17]", ch.left)
	}
	if _, err := s.SendMessage(context.Background(), "too late", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendMessage after close: err = %v, want ErrClosed", err)
	}
	if err := s.RefreshHistory(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("RefreshHistory after close: err = %v, want ErrClosed", err)
	}
}

func TestReconnectTriggersHistoryRefetch(t *testing.T) {
	fetched := make(chan struct{}, 4)
	api := &fakeAPI{
		historyFetched: fetched,
		history: []wire.RawRecord{
			{ID: "m-1", Message: "hello", CreatedAt: "2025-06-01T11:00:00Z"},
		},
	}
	ch := &fakeChannel{}
	s := newTestSession(t, api, ch, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	<-fetched // the initial load

	if ch.reconnectHook == nil {
		t.Fatal("reconnect hook not registered on open")
	}

	// A reconnect for another conversation is not ours to recover.
	ch.reconnectHook("99")
	select {
	case <-fetched:
		t.Fatal("history refetched for another conversation")
	case <-time.After(50 * time.Millisecond):
	}

	ch.reconnectHook("17")
	select {
	case <-fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("history not refetched after reconnect")
	}

	s.Close()
	if !ch.hookRemoved {
		t.Fatal("reconnect hook not removed on close")
	}
}

func TestCallbacksRunOutsideSessionLock(t *testing.T) {
	// A host callback is allowed to call back into the session; before the
	// callbacks moved out of the critical section this deadlocked.
	api := &fakeAPI{}
	var sess *Session
	var snapLens []int
	var contractSnap int
	sess = newTestSession(t, api, nil, func(o *Options) {
		o.OnTimelineChanged = func(_ string, snapshot []timeline.Entry) {
			snapLens = append(snapLens, len(sess.Snapshot()))
		}
		o.OnContractAdvanced = func(string, timeline.ContractStatus, string) {
			contractSnap = len(sess.Snapshot())
		}
	})

	sess.HandleEvent(wire.Event{Kind: wire.EventContractNew, ConversationID: "17", Entry: newContractEntry("c-1")})
	sess.HandleEvent(contractEvent("c-1", timeline.ContractAccepted, "https://pay.example/1"))

	if len(snapLens) == 0 {
		t.Fatal("timeline callback never fired")
	}
	for _, n := range snapLens {
		if n != 1 {
			t.Fatalf("snapshot inside callback = %d entries, want 1", n)
		}
	}
	if contractSnap != 1 {
		t.Fatalf("snapshot inside contract callback = %d entries, want 1", contractSnap)
	}
}

func TestTimelineChangedCallback(t *testing.T) {
	api := &fakeAPI{}
	var snapshots int
	s := newTestSession(t, api, nil, func(o *Options) {
		o.OnTimelineChanged = func(conversationID string, snapshot []timeline.Entry) {
			if conversationID != "17" {
				t.Fatalf("conversationID = %q, want 17", conversationID)
			}
			snapshots++
		}
	})
	s.HandleEvent(wire.Event{
		Kind:           wire.EventMessage,
		ConversationID: "17",
		Entry:          &timeline.Entry{ID: "m-1", Kind: timeline.KindMessage, Text: "hello", CreatedAt: testNow},
	})
	if snapshots != 1 {
		t.Fatalf("snapshots = %d, want 1", snapshots)
	}
}
