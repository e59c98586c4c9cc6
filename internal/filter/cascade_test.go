package filter

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/damus-io/notepush/internal/mutecache"
)

type fakeSentChecker struct {
	sent map[string]bool
}

func (f *fakeSentChecker) WasSent(ctx context.Context, eventID, recipientPubkey string) (bool, error) {
	return f.sent[eventID+"|"+recipientPubkey], nil
}

type fakeMuteSource struct {
	lists map[string]mutecache.MuteList
}

func (f *fakeMuteSource) MuteListFor(ctx context.Context, pubkey string) mutecache.MuteList {
	if ml, ok := f.lists[pubkey]; ok {
		return ml
	}
	return mutecache.MuteList{}
}

func newCascade(sent map[string]bool, mutes map[string]mutecache.MuteList, kinds []int) *Cascade {
	return New(&fakeSentChecker{sent: sent}, &fakeMuteSource{lists: mutes}, kinds)
}

func TestCascade_SelfNotifySuppressed(t *testing.T) {
	c := newCascade(nil, nil, []int{1})
	event := &nostr.Event{ID: "e1", PubKey: "A", Kind: 1}

	d, err := c.Run(context.Background(), event, "A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected self-notify to be suppressed")
	}
	if d.Reason != "self_notify" {
		t.Fatalf("expected reason self_notify, got %q", d.Reason)
	}
}

func TestCascade_AlreadySentSuppressed(t *testing.T) {
	c := newCascade(map[string]bool{"e1|B": true}, nil, []int{1})
	event := &nostr.Event{ID: "e1", PubKey: "A", Kind: 1}

	d, err := c.Run(context.Background(), event, "B")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected already-sent to be suppressed")
	}
}

func TestCascade_KindNotNotifiableSuppressed(t *testing.T) {
	c := newCascade(nil, nil, []int{1, 7})
	event := &nostr.Event{ID: "e1", PubKey: "A", Kind: 42}

	d, err := c.Run(context.Background(), event, "B")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected unlisted kind to be suppressed")
	}
}

func TestCascade_MuteByAuthorSuppressed(t *testing.T) {
	mutes := map[string]mutecache.MuteList{
		"B": {MutedPubkeys: map[string]struct{}{"A": {}}},
	}
	c := newCascade(nil, mutes, []int{1})
	event := &nostr.Event{ID: "e1", PubKey: "A", Kind: 1}

	d, err := c.Run(context.Background(), event, "B")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected mute-by-author to be suppressed")
	}
}

func TestCascade_MuteHashtagSuppressed(t *testing.T) {
	mutes := map[string]mutecache.MuteList{
		"B": {MutedHashtags: map[string]struct{}{"spam": {}}},
	}
	c := newCascade(nil, mutes, []int{1})
	event := &nostr.Event{ID: "e1", PubKey: "A", Kind: 1, Tags: nostr.Tags{{"t", "spam"}}}

	d, err := c.Run(context.Background(), event, "B")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected hashtag mute to be suppressed")
	}
}

func TestCascade_MuteWordSuppressed(t *testing.T) {
	mutes := map[string]mutecache.MuteList{
		"B": {MutedWords: []string{"annoying"}},
	}
	c := newCascade(nil, mutes, []int{1})
	event := &nostr.Event{ID: "e1", PubKey: "A", Kind: 1, Content: "this is so ANNOYING"}

	d, err := c.Run(context.Background(), event, "B")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected muted-word content to be suppressed")
	}
}

func TestCascade_HappyPathAllowed(t *testing.T) {
	c := newCascade(nil, nil, []int{1})
	event := &nostr.Event{ID: "e1", PubKey: "A", Kind: 1, Content: "hello"}

	d, err := c.Run(context.Background(), event, "B")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected allow, got suppress reason %q", d.Reason)
	}
}

type fakeFollowChecker struct {
	follows map[string]bool
}

func (f *fakeFollowChecker) Follows(ctx context.Context, follower, followee string) (bool, error) {
	return f.follows[follower+"|"+followee], nil
}

func TestCascade_RelationshipFilterOptedIn(t *testing.T) {
	fc := &fakeFollowChecker{follows: map[string]bool{}}
	c := New(&fakeSentChecker{}, &fakeMuteSource{}, []int{1}, WithRelationshipFilter(fc))
	event := &nostr.Event{ID: "e1", PubKey: "A", Kind: 1}

	d, err := c.Run(context.Background(), event, "B")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected relationship filter to suppress when not following")
	}
}

func TestCascade_RelationshipFilterDefaultAllows(t *testing.T) {
	c := newCascade(nil, nil, []int{1})
	event := &nostr.Event{ID: "e1", PubKey: "A", Kind: 1}

	d, err := c.Run(context.Background(), event, "B")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected relationship filter to default-allow")
	}
}
