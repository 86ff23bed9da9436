package lifecycle

import (
	"fmt"
	"strings"
)

type State string

const (
	Idle         State = "IDLE"
	Initializing State = "INITIALIZING"
	Ready        State = "READY"
	Degraded     State = "DEGRADED"
	Reconnecting State = "RECONNECTING"
	Error        State = "ERROR"
)

func (s State) Valid() bool {
	switch s {
	case Idle, Initializing, Ready, Degraded, Reconnecting, Error:
		return true
	}
	return false
}

// Description is the human-readable text persisted with the state.
func (s State) Description() string {
	switch s {
	case Idle:
		return "signed out or waiting for credentials"
	case Initializing:
		return "loading session and opening the stream"
	case Ready:
		return "connected and receiving live events"
	case Degraded:
		return "stream unavailable, polling for changes"
	case Reconnecting:
		return "reopening the stream"
	case Error:
		return "stopped after an unrecoverable failure"
	}
	return "unknown"
}

type Event string

const (
	EventCredentialsAvailable     Event = "credentials-available"
	EventInitSuccess              Event = "init-success"
	EventInitFailure              Event = "init-failure"
	EventStreamConnected          Event = "stream-connected"
	EventStreamDisconnected       Event = "stream-disconnected"
	EventReconnectAttempt         Event = "reconnect-attempt"
	EventPermanentError           Event = "permanent-protocol-error"
	EventLogout                   Event = "logout"
	EventColdStartWithCredentials Event = "cold-start-with-credentials"
	EventFailureThreshold         Event = "failure-threshold"
)

var events = []Event{
	EventCredentialsAvailable,
	EventInitSuccess,
	EventInitFailure,
	EventStreamConnected,
	EventStreamDisconnected,
	EventReconnectAttempt,
	EventPermanentError,
	EventLogout,
	EventColdStartWithCredentials,
	EventFailureThreshold,
}

func ParseEvent(raw string) (Event, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	for _, ev := range events {
		if string(ev) == raw {
			return ev, nil
		}
	}
	return "", fmt.Errorf("unknown lifecycle event %q", raw)
}

type edge struct {
	from State
	ev   Event
}

var table = map[edge]State{
	{Idle, EventCredentialsAvailable}: Initializing,

	{Initializing, EventInitSuccess}: Ready,
	{Initializing, EventInitFailure}: Error,

	{Ready, EventStreamDisconnected}: Degraded,
	{Ready, EventPermanentError}:     Error,

	{Degraded, EventStreamConnected}:  Ready,
	{Degraded, EventReconnectAttempt}: Reconnecting,
	{Degraded, EventPermanentError}:   Error,
	{Degraded, EventFailureThreshold}: Error,

	{Reconnecting, EventStreamConnected}:    Ready,
	{Reconnecting, EventStreamDisconnected}: Degraded,
	{Reconnecting, EventPermanentError}:     Error,
	{Reconnecting, EventFailureThreshold}:   Error,

	{Error, EventReconnectAttempt}:     Reconnecting,
	{Error, EventCredentialsAvailable}: Initializing,
}

// Next looks up the transition for ev in state from. Unmatched pairs report
// false and leave the state unchanged.
func Next(from State, ev Event) (State, bool) {
	switch ev {
	case EventLogout:
		return Idle, true
	case EventColdStartWithCredentials:
		return Initializing, true
	}
	to, ok := table[edge{from, ev}]
	if !ok {
		return from, false
	}
	return to, true
}
