package stream

import "time"

// Signal is one event emitted by the connection manager. The set is closed:
// consumers handle every kind through a SignalVisitor.
type Signal interface {
	Accept(v SignalVisitor)
}

type SignalVisitor interface {
	VisitConnected(Connected)
	VisitDisconnected(Disconnected)
	VisitReconnecting(Reconnecting)
	VisitPermanentError(PermanentError)
	VisitTickle(Tickle)
	VisitMessage(Message)
}

// Publisher receives signals. *signalbus.Bus[Signal] satisfies it.
type Publisher interface {
	Publish(Signal) bool
}

type Connected struct {
	At time.Time
}

// Disconnected reports a transient loss of the socket. RetryIn is the delay
// before the scheduled reconnect attempt.
type Disconnected struct {
	Err     error
	Attempt int
	RetryIn time.Duration
}

// Reconnecting is emitted when a scheduled reconnect attempt fires.
type Reconnecting struct {
	Attempt int
}

type PermanentError struct {
	Err error
}

type Tickle struct {
	Subtype string
}

type Message struct {
	Push Ephemeral
}

func (s Connected) Accept(v SignalVisitor)      { v.VisitConnected(s) }
func (s Disconnected) Accept(v SignalVisitor)   { v.VisitDisconnected(s) }
func (s Reconnecting) Accept(v SignalVisitor)   { v.VisitReconnecting(s) }
func (s PermanentError) Accept(v SignalVisitor) { v.VisitPermanentError(s) }
func (s Tickle) Accept(v SignalVisitor)         { v.VisitTickle(s) }
func (s Message) Accept(v SignalVisitor)        { v.VisitMessage(s) }
