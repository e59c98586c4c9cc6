// Package notifyerr defines the error taxonomy used across the notepush
// core: storage failures, upstream relay failures, and push-transport
// rejection classes. Components wrap underlying errors with fmt.Errorf and
// %w so callers can errors.Is/As against these sentinels.
package notifyerr

import "errors"

var (
	// ErrStorageFailure means the durable store could not complete a write
	// or read. When it comes from recording an event's receipt, the pipeline
	// aborts processing that event; elsewhere it is logged and the affected
	// recipient is skipped.
	ErrStorageFailure = errors.New("notepush: storage failure")

	// ErrUpstreamRelayFailure means RelayQuery could not reach or parse a
	// response from the upstream relay. Callers fall back to a stale or
	// empty mute list.
	ErrUpstreamRelayFailure = errors.New("notepush: upstream relay failure")

	// ErrPushTransient covers 5xx, network, and timeout failures from
	// PushTransport. Not retried within the current event's processing.
	ErrPushTransient = errors.New("notepush: transient push failure")

	// ErrPushRejectToken covers APNS BadDeviceToken/Unregistered responses.
	// The caller must deregister the device.
	ErrPushRejectToken = errors.New("notepush: push rejected device token")

	// ErrPushRejectPayload covers other 4xx APNS responses. Permanent,
	// not retried.
	ErrPushRejectPayload = errors.New("notepush: push rejected payload")

	// ErrConfigFailure is fatal and only occurs at startup.
	ErrConfigFailure = errors.New("notepush: configuration failure")
)
