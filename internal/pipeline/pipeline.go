// Package pipeline implements NotificationPipeline: per-event recipient
// extraction, the filter cascade, bounded concurrent dispatch, and result
// recording.
package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/damus-io/notepush/internal/filter"
	"github.com/damus-io/notepush/internal/push"
	"github.com/damus-io/notepush/internal/store"
)

var logger = log.New(log.Writer(), "notepush/pipeline: ", log.LstdFlags)

// maxAlertBodyRunes bounds the APNS alert body, resolving SPEC_FULL.md's
// content-truncation open question: 200 grapheme-adjacent runes, not bytes,
// so multi-byte UTF-8 sequences are never split.
const maxAlertBodyRunes = 200

// EventStore is the slice of store.Store the pipeline needs for
// idempotency bookkeeping.
type EventStore interface {
	RecordReceived(ctx context.Context, eventID, pubkey string, kind int, receivedAt time.Time) (store.RecordResult, error)
	RecordSent(ctx context.Context, eventID, recipientPubkey string, sentAt time.Time) (store.RecordResult, error)
}

// DeviceRegistry is the slice of store.Store the pipeline needs to resolve
// and purge device tokens.
type DeviceRegistry interface {
	DevicesFor(ctx context.Context, pubkey string) ([][]byte, error)
	Deregister(ctx context.Context, pubkey string, token []byte) error
}

// Cascade decides whether a (event, recipient) pair should be notified.
type Cascade interface {
	Run(ctx context.Context, event *nostr.Event, recipientPubkey string) (filter.Decision, error)
}

// Transport sends a single APNS request.
type Transport interface {
	Send(ctx context.Context, p push.Payload) push.Result
}

// ProcessingReport summarizes the outcome of one process(event) call.
type ProcessingReport struct {
	Received          bool
	Considered        int
	Dispatched        int
	Purged            int
	TransientFailures int
}

// Pipeline orchestrates per-event notification processing.
type Pipeline struct {
	store       EventStore
	devices     DeviceRegistry
	cascade     Cascade
	transport   Transport
	concurrency int
}

// New builds a Pipeline. concurrency bounds the number of simultaneous
// PushTransport.Send calls issued while processing one event. The APNS
// bundle ID (topic) lives on the Transport, not here, since it's a
// transport-level concern.
func New(eventStore EventStore, devices DeviceRegistry, cascade Cascade, transport Transport, concurrency int) *Pipeline {
	if concurrency <= 0 {
		concurrency = 16
	}
	return &Pipeline{
		store:       eventStore,
		devices:     devices,
		cascade:     cascade,
		transport:   transport,
		concurrency: concurrency,
	}
}

// Process runs the full notification pipeline for event.
func (p *Pipeline) Process(ctx context.Context, event *nostr.Event) (ProcessingReport, error) {
	now := time.Now()

	result, err := p.store.RecordReceived(ctx, event.ID, event.PubKey, event.Kind, now)
	if err != nil {
		// StorageFailure on record_received is the one error that aborts
		// the event: without this row the idempotency contract can't be
		// honored, per spec.
		return ProcessingReport{}, err
	}
	if result == store.Duplicate {
		return ProcessingReport{Received: false}, nil
	}

	recipients := extractRecipients(event)
	report := ProcessingReport{Received: true, Considered: len(recipients)}

	type dispatchTask struct {
		recipient string
		token     []byte
	}
	var tasks []dispatchTask

	for _, recipient := range recipients {
		decision, err := p.cascade.Run(ctx, event, recipient)
		if err != nil {
			logger.Printf("filter cascade error for recipient %s on event %s: %v", recipient, event.ID, err)
			continue
		}
		if !decision.Allowed {
			continue
		}

		tokens, err := p.devices.DevicesFor(ctx, recipient)
		if err != nil {
			logger.Printf("devices_for error for recipient %s: %v", recipient, err)
			continue
		}
		for _, token := range tokens {
			tasks = append(tasks, dispatchTask{recipient: recipient, token: token})
		}
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		sem  = make(chan struct{}, p.concurrency)
	)

	for _, task := range tasks {
		task := task
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := p.dispatch(ctx, event, task.recipient, task.token, now)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case dispatchSent:
				report.Dispatched++
			case dispatchPurged:
				report.Purged++
			case dispatchTransient:
				report.TransientFailures++
			}
		}()
	}
	wg.Wait()

	return report, nil
}

type dispatchOutcome int

const (
	dispatchSent dispatchOutcome = iota
	dispatchPurged
	dispatchTransient
	dispatchRejectedPayload
)

// dispatch sends a single device's push and records/purges as needed.
func (p *Pipeline) dispatch(ctx context.Context, event *nostr.Event, recipient string, token []byte, receivedAt time.Time) dispatchOutcome {
	payload := push.Payload{
		DeviceToken: string(token),
		CollapseID:  event.ID,
		Expiration:  time.Unix(int64(event.CreatedAt), 0).Add(24 * time.Hour),
		AlertTitle:  titleForKind(event.Kind),
		AlertBody:   truncateContent(event.Content),
		ThreadID:    event.PubKey,
		EventID:     event.ID,
		EventKind:   event.Kind,
	}

	result := p.transport.Send(ctx, payload)

	switch result.Outcome {
	case push.Sent:
		if _, err := p.store.RecordSent(ctx, event.ID, recipient, time.Now()); err != nil {
			// The push already succeeded; a failure to record it is a
			// storage problem for idempotency bookkeeping only, not a
			// reason to treat the dispatch itself as failed.
			logger.Printf("record_sent failed for event %s recipient %s: %v", event.ID, recipient, err)
		}
		return dispatchSent

	case push.RejectedToken:
		if err := p.devices.Deregister(ctx, recipient, token); err != nil {
			logger.Printf("deregister failed for recipient %s: %v", recipient, err)
		}
		return dispatchPurged

	case push.Transient:
		logger.Printf("transient push failure for event %s recipient %s: %v", event.ID, recipient, result.Err)
		return dispatchTransient

	default: // push.RejectedPayload
		logger.Printf("push rejected (permanent) for event %s recipient %s: %v", event.ID, recipient, result.Err)
		return dispatchRejectedPayload
	}
}

// extractRecipients returns the ordered, de-duplicated list of "p"-tagged
// pubkeys in event's tags.
func extractRecipients(event *nostr.Event) []string {
	seen := make(map[string]struct{})
	var recipients []string
	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "p" {
			continue
		}
		pubkey := tag[1]
		if _, ok := seen[pubkey]; ok {
			continue
		}
		seen[pubkey] = struct{}{}
		recipients = append(recipients, pubkey)
	}
	return recipients
}

func titleForKind(kind int) string {
	switch kind {
	case 1:
		return "New Note"
	case 4:
		return "New Message"
	case 6:
		return "New Repost"
	case 7:
		return "New Reaction"
	case 9735:
		return "New Zap"
	default:
		return "New Notification"
	}
}

// truncateContent bounds content to maxAlertBodyRunes runes, appending an
// ellipsis when truncated. Operating on runes (not bytes) avoids splitting
// multi-byte UTF-8 sequences.
func truncateContent(content string) string {
	runes := []rune(content)
	if len(runes) <= maxAlertBodyRunes {
		return content
	}
	return string(runes[:maxAlertBodyRunes]) + "…"
}
