// Package mutecache implements a TTL-bounded, LRU-evicted cache of
// per-pubkey mute lists, lazily populated from an upstream relay with
// single-flight refresh coalescing.
package mutecache

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/singleflight"

	"github.com/damus-io/notepush/internal/notifyerr"
)

// KindMuteList is the NIP-51 mute list event kind.
const KindMuteList = 10000

// MuteList is a snapshot of a pubkey's mute preferences.
type MuteList struct {
	MutedPubkeys  map[string]struct{}
	MutedEventIDs map[string]struct{}
	MutedHashtags map[string]struct{} // case-folded
	MutedWords    []string            // case-folded
	FetchedAt     time.Time
}

// empty returns a zero-value MuteList stamped with fetchedAt, used both for
// genuinely empty lists and as the fallback when nothing better is known.
func empty(fetchedAt time.Time) MuteList {
	return MuteList{FetchedAt: fetchedAt}
}

// MutesPubkey reports whether p is muted.
func (m MuteList) MutesPubkey(p string) bool {
	_, ok := m.MutedPubkeys[p]
	return ok
}

// MutesEventID reports whether id is muted.
func (m MuteList) MutesEventID(id string) bool {
	_, ok := m.MutedEventIDs[id]
	return ok
}

// MutesHashtag reports whether h is muted; h is case-folded before lookup.
func (m MuteList) MutesHashtag(h string) bool {
	_, ok := m.MutedHashtags[strings.ToLower(h)]
	return ok
}

// MutesContent reports whether content (case-folded) contains any muted
// word as a substring.
func (m MuteList) MutesContent(content string) bool {
	if len(m.MutedWords) == 0 {
		return false
	}
	folded := strings.ToLower(content)
	for _, word := range m.MutedWords {
		if strings.Contains(folded, word) {
			return true
		}
	}
	return false
}

// ParseMuteList parses a kind-10000 mute-list event's p/e/t/word tags into
// a MuteList snapshot. Unknown tag kinds are ignored.
func ParseMuteList(event *nostr.Event, fetchedAt time.Time) MuteList {
	ml := MuteList{
		MutedPubkeys:  make(map[string]struct{}),
		MutedEventIDs: make(map[string]struct{}),
		MutedHashtags: make(map[string]struct{}),
		FetchedAt:     fetchedAt,
	}

	for _, tag := range event.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "p":
			ml.MutedPubkeys[tag[1]] = struct{}{}
		case "e":
			ml.MutedEventIDs[tag[1]] = struct{}{}
		case "t":
			ml.MutedHashtags[strings.ToLower(tag[1])] = struct{}{}
		case "word":
			ml.MutedWords = append(ml.MutedWords, strings.ToLower(tag[1]))
		}
	}

	return ml
}

// RelayQuery fetches the latest mute-list event for a pubkey from a
// configured upstream relay.
type RelayQuery interface {
	FetchLatestMuteList(ctx context.Context, pubkey string) (*nostr.Event, error)
}

type entry struct {
	snapshot MuteList
}

// Cache is a bounded, TTL-aware, single-flight-refreshed mute list cache.
type Cache struct {
	query       RelayQuery
	ttl         time.Duration
	maxStaleAge time.Duration
	fetchTimeout time.Duration

	lru   *lru.Cache[string, *entry]
	group singleflight.Group
}

// New builds a Cache backed by query, holding up to capacity entries.
func New(query RelayQuery, capacity int, ttl, maxStaleAge, fetchTimeout time.Duration) (*Cache, error) {
	l, err := lru.New[string, *entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("mutecache: %w", err)
	}
	return &Cache{
		query:        query,
		ttl:          ttl,
		maxStaleAge:  maxStaleAge,
		fetchTimeout: fetchTimeout,
		lru:          l,
	}, nil
}

// MuteListFor returns the mute list for pubkey. It never fails from the
// caller's perspective: on upstream failure it returns the last good
// snapshot if one exists and is within the staleness ceiling, else an
// empty mute list.
func (c *Cache) MuteListFor(ctx context.Context, pubkey string) MuteList {
	now := time.Now()

	if e, ok := c.lru.Get(pubkey); ok {
		age := now.Sub(e.snapshot.FetchedAt)
		switch {
		case age <= c.ttl:
			return e.snapshot
		case age > c.maxStaleAge:
			// Past the hard ceiling: discard the snapshot and treat the
			// pubkey as unmuted rather than serving indefinitely-stale
			// data or blocking on an upstream fetch. A background refresh
			// is still kicked off so a subsequent call can recover.
			c.refreshInBackground(pubkey)
			return empty(now)
		default:
			// Stale but within the ceiling: serve it immediately and
			// refresh in the background without making this caller wait.
			c.refreshInBackground(pubkey)
			return e.snapshot
		}
	}

	v, _, _ := c.group.Do(pubkey, func() (any, error) {
		return c.refresh(pubkey), nil
	})
	return v.(MuteList)
}

// refreshInBackground kicks off at most one concurrent refresh per pubkey,
// sharing the same single-flight key as foreground refreshes so a
// background refresh in progress is not duplicated by a subsequent cold
// caller (and vice versa).
func (c *Cache) refreshInBackground(pubkey string) {
	c.group.DoChan(pubkey, func() (any, error) {
		return c.refresh(pubkey), nil
	})
}

// refresh calls out to the upstream relay and installs the result
// atomically. On failure it retains the existing snapshot (or an empty one)
// and advances fetchedAt only enough to apply a backoff window, so repeated
// misses don't tight-loop against the upstream relay.
func (c *Cache) refresh(pubkey string) MuteList {
	ctx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
	defer cancel()

	now := time.Now()

	event, err := c.query.FetchLatestMuteList(ctx, pubkey)
	if err != nil {
		return c.backoff(pubkey, now, fmt.Errorf("%w: %v", notifyerr.ErrUpstreamRelayFailure, err))
	}
	if event == nil {
		// No mute-list event exists upstream yet: that's a legitimate
		// empty mute list, not a failure, and is cached at full TTL.
		snap := empty(now)
		c.lru.Add(pubkey, &entry{snapshot: snap})
		return snap
	}

	snap := ParseMuteList(event, now)
	c.lru.Add(pubkey, &entry{snapshot: snap})
	return snap
}

// backoff returns the best available snapshot on a failed refresh, applying
// a short backoff before the next retry is attempted.
func (c *Cache) backoff(pubkey string, now time.Time, _ error) MuteList {
	backoffWindow := c.ttl / 4
	if backoffWindow <= 0 {
		backoffWindow = time.Second
	}

	if e, ok := c.lru.Get(pubkey); ok {
		// Keep serving the known-good snapshot, but age it forward so the
		// next staleness check happens no sooner than backoffWindow from
		// now rather than immediately.
		aged := MuteList{
			MutedPubkeys:  e.snapshot.MutedPubkeys,
			MutedEventIDs: e.snapshot.MutedEventIDs,
			MutedHashtags: e.snapshot.MutedHashtags,
			MutedWords:    e.snapshot.MutedWords,
			FetchedAt:     now.Add(backoffWindow - c.ttl),
		}
		c.lru.Add(pubkey, &entry{snapshot: aged})
		return e.snapshot
	}

	snap := empty(now.Add(backoffWindow - c.ttl))
	c.lru.Add(pubkey, &entry{snapshot: snap})
	return empty(now)
}
