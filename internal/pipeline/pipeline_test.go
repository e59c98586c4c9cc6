package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/damus-io/notepush/internal/filter"
	"github.com/damus-io/notepush/internal/mutecache"
	"github.com/damus-io/notepush/internal/push"
	"github.com/damus-io/notepush/internal/store"
)

// fakeTransport is a hand-built test double; every call succeeds unless the
// device token is listed in reject/transient.
type fakeTransport struct {
	mu         sync.Mutex
	sent       []string
	rejectTok  map[string]bool
	transient  map[string]bool
}

func (f *fakeTransport) Send(ctx context.Context, p push.Payload) push.Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.rejectTok[p.DeviceToken] {
		return push.Result{Outcome: push.RejectedToken, Reason: "BadDeviceToken"}
	}
	if f.transient[p.DeviceToken] {
		return push.Result{Outcome: push.Transient}
	}
	f.sent = append(f.sent, p.DeviceToken)
	return push.Result{Outcome: push.Sent, ApnsID: "apns-" + p.DeviceToken}
}

// noopMuteSource always returns an empty mute list.
type noopMuteSource struct{}

func (noopMuteSource) MuteListFor(ctx context.Context, pubkey string) mutecache.MuteList {
	return mutecache.MuteList{}
}

func newTestPipeline(t *testing.T, transport *fakeTransport, concurrency int) (*Pipeline, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cascade := filter.New(s, noopMuteSource{}, []int{1, 4, 6, 7, 9735})
	p := New(s, s, cascade, transport, concurrency)
	return p, s
}

func registerDevice(t *testing.T, s *store.Store, pubkey, token string) {
	t.Helper()
	if _, err := s.Register(context.Background(), pubkey, []byte(token), time.Now()); err != nil {
		t.Fatalf("register device: %v", err)
	}
}

func TestPipeline_HappyPath(t *testing.T) {
	transport := &fakeTransport{}
	p, s := newTestPipeline(t, transport, 16)

	registerDevice(t, s, "B", "tokB1")
	registerDevice(t, s, "B", "tokB2")

	event := &nostr.Event{
		ID:      "event1",
		PubKey:  "A",
		Kind:    1,
		Tags:    nostr.Tags{{"p", "B"}},
		Content: "hello",
	}

	report, err := p.Process(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Considered != 1 || report.Dispatched != 2 {
		t.Fatalf("expected considered=1 dispatched=2, got %+v", report)
	}
}

func TestPipeline_SelfNotifySuppressed(t *testing.T) {
	transport := &fakeTransport{}
	p, s := newTestPipeline(t, transport, 16)

	registerDevice(t, s, "A", "tokA")
	registerDevice(t, s, "B", "tokB")

	event := &nostr.Event{
		ID:     "event1",
		PubKey: "A",
		Kind:   1,
		Tags:   nostr.Tags{{"p", "A"}, {"p", "B"}},
	}

	report, err := p.Process(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Dispatched != 1 {
		t.Fatalf("expected exactly 1 dispatch (to B), got %d", report.Dispatched)
	}
}

func TestPipeline_DuplicateEventShortCircuits(t *testing.T) {
	transport := &fakeTransport{}
	p, s := newTestPipeline(t, transport, 16)
	registerDevice(t, s, "B", "tokB")

	event := &nostr.Event{ID: "event1", PubKey: "A", Kind: 1, Tags: nostr.Tags{{"p", "B"}}}

	first, err := p.Process(context.Background(), event)
	if err != nil {
		t.Fatalf("first process: %v", err)
	}
	if first.Dispatched != 1 {
		t.Fatalf("expected 1 dispatch on first call, got %d", first.Dispatched)
	}

	second, err := p.Process(context.Background(), event)
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if second.Received {
		t.Fatal("expected second call to report Received=false")
	}
	if second.Dispatched != 0 {
		t.Fatalf("expected 0 dispatches on duplicate replay, got %d", second.Dispatched)
	}
}

func TestPipeline_BadTokenPurged(t *testing.T) {
	transport := &fakeTransport{rejectTok: map[string]bool{"tokX": true}}
	p, s := newTestPipeline(t, transport, 16)
	registerDevice(t, s, "B", "tokX")

	event := &nostr.Event{ID: "event1", PubKey: "A", Kind: 1, Tags: nostr.Tags{{"p", "B"}}}

	report, err := p.Process(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Purged != 1 {
		t.Fatalf("expected 1 purge, got %d", report.Purged)
	}

	tokens, err := s.DevicesFor(context.Background(), "B")
	if err != nil {
		t.Fatalf("devices_for: %v", err)
	}
	if len(tokens) != 0 {
		t.Fatalf("expected tokX to be removed, still have %d tokens", len(tokens))
	}

	sent, err := s.WasSent(context.Background(), "event1", "B")
	if err != nil {
		t.Fatalf("was_sent: %v", err)
	}
	if sent {
		t.Fatal("expected no notification row for a purged dispatch")
	}
}

func TestPipeline_AllDispatchesCompleteUnderSmallConcurrency(t *testing.T) {
	transport := &fakeTransport{}
	p, s := newTestPipeline(t, transport, 2)

	for i := 0; i < 10; i++ {
		registerDevice(t, s, "B", string(rune('a'+i)))
	}

	event := &nostr.Event{ID: "event1", PubKey: "A", Kind: 1, Tags: nostr.Tags{{"p", "B"}}}

	report, err := p.Process(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Dispatched != 10 {
		t.Fatalf("expected all 10 dispatches to complete, got %d", report.Dispatched)
	}
}
