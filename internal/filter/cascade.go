// Package filter implements the fixed-order filter cascade that decides
// whether a given (event, recipient) pair should be notified.
package filter

import (
	"context"

	"github.com/nbd-wtf/go-nostr"

	"github.com/damus-io/notepush/internal/mutecache"
)

// Decision is the outcome of running the cascade for one recipient.
type Decision struct {
	Allowed bool
	Reason  string // populated when Allowed is false
}

func allow() Decision { return Decision{Allowed: true} }

func suppress(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// SentChecker is the slice of EventStore the AlreadySentFilter needs.
type SentChecker interface {
	WasSent(ctx context.Context, eventID, recipientPubkey string) (bool, error)
}

// MuteListSource is the slice of MuteListCache the MuteFilter needs.
type MuteListSource interface {
	MuteListFor(ctx context.Context, pubkey string) mutecache.MuteList
}

// FollowChecker backs the optional, default-allow RelationshipFilter hook.
type FollowChecker interface {
	Follows(ctx context.Context, follower, followee string) (bool, error)
}

// allowAllFollows is the default RelationshipFilter collaborator: it never
// suppresses, matching spec's "reserved hook... default: allow".
type allowAllFollows struct{}

func (allowAllFollows) Follows(ctx context.Context, follower, followee string) (bool, error) {
	return true, nil
}

// Cascade runs the five fixed-order filters over (event, recipient).
type Cascade struct {
	sent             SentChecker
	mutes            MuteListSource
	notifiableKinds  map[int]struct{}
	relationship     FollowChecker
	relationshipOn   bool
}

// Option configures a Cascade.
type Option func(*Cascade)

// WithRelationshipFilter enables the optional RelationshipFilter using the
// given collaborator. If never called, RelationshipFilter always allows.
func WithRelationshipFilter(fc FollowChecker) Option {
	return func(c *Cascade) {
		c.relationship = fc
		c.relationshipOn = true
	}
}

// New builds a Cascade. notifiableKinds is the configured set of event
// kinds eligible for notification (spec §6's default: 1, 4, 6, 7, 9735).
func New(sent SentChecker, mutes MuteListSource, notifiableKinds []int, opts ...Option) *Cascade {
	kinds := make(map[int]struct{}, len(notifiableKinds))
	for _, k := range notifiableKinds {
		kinds[k] = struct{}{}
	}

	c := &Cascade{
		sent:            sent,
		mutes:           mutes,
		notifiableKinds: kinds,
		relationship:    allowAllFollows{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run evaluates the cascade for (event, recipientPubkey), short-circuiting
// on the first filter that suppresses.
func (c *Cascade) Run(ctx context.Context, event *nostr.Event, recipientPubkey string) (Decision, error) {
	// 1. SelfNotifyFilter — cheap, local, first.
	if recipientPubkey == event.PubKey {
		return suppress("self_notify"), nil
	}

	// 2. AlreadySentFilter — local I/O but no upstream dependency; runs
	// before the mute lookup so re-deliveries of old events don't thrash
	// the mute cache.
	sent, err := c.sent.WasSent(ctx, event.ID, recipientPubkey)
	if err != nil {
		return Decision{}, err
	}
	if sent {
		return suppress("already_sent"), nil
	}

	// 3. KindAllowedFilter
	if _, ok := c.notifiableKinds[event.Kind]; !ok {
		return suppress("kind_not_notifiable"), nil
	}

	// 4. MuteFilter
	muteList := c.mutes.MuteListFor(ctx, recipientPubkey)
	if muteList.MutesPubkey(event.PubKey) {
		return suppress("muted_pubkey"), nil
	}
	if muteList.MutesEventID(event.ID) {
		return suppress("muted_event"), nil
	}
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "t" && muteList.MutesHashtag(tag[1]) {
			return suppress("muted_hashtag"), nil
		}
	}
	if muteList.MutesContent(event.Content) {
		return suppress("muted_word"), nil
	}

	// 5. RelationshipFilter — reserved hook, default allow.
	if c.relationshipOn {
		follows, err := c.relationship.Follows(ctx, recipientPubkey, event.PubKey)
		if err != nil {
			return Decision{}, err
		}
		if !follows {
			return suppress("relationship"), nil
		}
	}

	return allow(), nil
}
