// Package relayquery implements the RelayQuery collaborator by querying a
// configured upstream relay over the Nostr wire protocol for the latest
// mute-list event authored by a given pubkey.
package relayquery

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/damus-io/notepush/internal/mutecache"
	"github.com/damus-io/notepush/internal/notifyerr"
)

// Query fetches mute-list events from a single upstream relay.
type Query struct {
	url string
}

// New builds a Query pointed at the given relay URL. No connection is held:
// each fetch opens its own connection and closes it when done.
func New(url string) *Query {
	return &Query{url: url}
}

// FetchLatestMuteList connects to the configured relay and returns the
// newest kind-10000 event authored by pubkey, or nil if none exists.
func (q *Query) FetchLatestMuteList(ctx context.Context, pubkey string) (*nostr.Event, error) {
	relay, err := nostr.RelayConnect(ctx, q.url)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", notifyerr.ErrUpstreamRelayFailure, q.url, err)
	}
	defer relay.Close()

	events, err := relay.QuerySync(ctx, nostr.Filter{
		Authors: []string{pubkey},
		Kinds:   []int{mutecache.KindMuteList},
		Limit:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %v", notifyerr.ErrUpstreamRelayFailure, q.url, err)
	}

	if len(events) == 0 {
		return nil, nil
	}

	latest := events[0]
	for _, e := range events[1:] {
		if e.CreatedAt > latest.CreatedAt {
			latest = e
		}
	}
	return latest, nil
}
