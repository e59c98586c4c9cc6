// Package push implements notepush's PushTransport against real APNS using
// sideshow/apns2, grounded on the same library's use for ES256-token
// authenticated push delivery seen elsewhere in the retrieved corpus.
package push

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/token"

	"github.com/damus-io/notepush/internal/notifyerr"
)

// Outcome classifies the result of a single send attempt.
type Outcome int

const (
	// Sent means APNS accepted the notification.
	Sent Outcome = iota
	// RejectedToken means APNS reported BadDeviceToken/Unregistered; the
	// caller must deregister the device.
	RejectedToken
	// RejectedPayload means APNS reported some other 4xx; permanent,
	// no retry.
	RejectedPayload
	// Transient means a 5xx, network error, or timeout; the caller should
	// not retry within this event's processing.
	Transient
)

// Result is the outcome of a single PushTransport.Send call.
type Result struct {
	Outcome Outcome
	ApnsID  string
	Reason  string
	Err     error
}

// Transport sends APNS push requests using a token-authenticated apns2
// client, rotating its provider JWT automatically.
type Transport struct {
	client      *apns2.Client
	bundleID    string
	sendTimeout time.Duration
}

// Config configures Transport construction.
type Config struct {
	BundleID    string
	KeyPath     string
	KeyID       string
	TeamID      string
	Production  bool
	SendTimeout time.Duration
}

// New builds a Transport from an ES256 .p8 key file and APNS identifiers.
func New(cfg Config) (*Transport, error) {
	keyData, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read apns key: %v", notifyerr.ErrConfigFailure, err)
	}

	authKey, err := parseP8Key(keyData)
	if err != nil {
		return nil, fmt.Errorf("%w: parse apns key: %v", notifyerr.ErrConfigFailure, err)
	}

	tok := &token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	}

	var client *apns2.Client
	if cfg.Production {
		client = apns2.NewTokenClient(tok).Production()
	} else {
		client = apns2.NewTokenClient(tok).Development()
	}

	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Transport{client: client, bundleID: cfg.BundleID, sendTimeout: timeout}, nil
}

func parseP8Key(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	ecdsaKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("apns key is not ECDSA")
	}
	return ecdsaKey, nil
}

// Payload is the APNS notification payload parameters, built per the
// notepush wire shape (spec §6).
type Payload struct {
	DeviceToken string
	CollapseID  string
	Expiration  time.Time
	AlertTitle  string
	AlertBody   string
	ThreadID    string
	EventID     string
	EventKind   int
}

// Send issues a single APNS request with a bounded per-call timeout,
// classifying the response per notepush's error taxonomy.
func (t *Transport) Send(ctx context.Context, p Payload) Result {
	ctx, cancel := context.WithTimeout(ctx, t.sendTimeout)
	defer cancel()

	notification := &apns2.Notification{
		DeviceToken: p.DeviceToken,
		Topic:       t.bundleID,
		PushType:    "alert",
		Priority:    apns2.PriorityLow,
		Expiration:  p.Expiration,
		CollapseID:  collapseID(p.CollapseID),
		Payload: map[string]any{
			"aps": map[string]any{
				"alert": map[string]any{
					"title": p.AlertTitle,
					"body":  p.AlertBody,
				},
				"mutable-content": 1,
				"thread-id":       p.ThreadID,
			},
			"nostr_event_id":   p.EventID,
			"nostr_event_kind": p.EventKind,
		},
	}

	resp, err := t.client.PushWithContext(ctx, notification)
	if err != nil {
		return Result{Outcome: Transient, Err: fmt.Errorf("%w: %v", notifyerr.ErrPushTransient, err)}
	}

	if resp.Sent() {
		return Result{Outcome: Sent, ApnsID: resp.ApnsID}
	}

	switch resp.Reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered:
		return Result{
			Outcome: RejectedToken,
			Reason:  resp.Reason,
			Err:     fmt.Errorf("%w: %s", notifyerr.ErrPushRejectToken, resp.Reason),
		}
	case apns2.ReasonInternalServerError, apns2.ReasonServiceUnavailable, apns2.ReasonShutdown:
		return Result{
			Outcome: Transient,
			Reason:  resp.Reason,
			Err:     fmt.Errorf("%w: %s", notifyerr.ErrPushTransient, resp.Reason),
		}
	default:
		return Result{
			Outcome: RejectedPayload,
			Reason:  resp.Reason,
			Err:     fmt.Errorf("%w: %s", notifyerr.ErrPushRejectPayload, resp.Reason),
		}
	}
}

// collapseID truncates to the 64-byte limit APNS accepts.
func collapseID(id string) string {
	if len(id) <= 64 {
		return id
	}
	return id[:64]
}
