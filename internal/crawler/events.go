package crawler

import (
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/eventbus"
)

// Lifecycle topics published by the Engine and Runner.
const (
	EventRunStarted       eventbus.Topic = "run_started"
	EventRunStopped       eventbus.Topic = "run_stopped"
	EventRequestScheduled eventbus.Topic = "request_scheduled"
	EventRequestDropped   eventbus.Topic = "request_dropped"
	EventRequestIgnored   eventbus.Topic = "request_ignored"
	EventResponseReceived eventbus.Topic = "response_received"
	// EventRequestFailed carries the fetch error; Response is set for HTTP errors.
	EventRequestFailed eventbus.Topic = "request_failed"
)

// LifecycleTopics lists every topic the engine publishes.
var LifecycleTopics = []eventbus.Topic{
	EventRunStarted,
	EventRunStopped,
	EventRequestScheduled,
	EventRequestDropped,
	EventRequestIgnored,
	EventResponseReceived,
	EventRequestFailed,
}

// Event is the payload carried on the lifecycle bus.
type Event struct {
	Type     eventbus.Topic
	RunID    string
	Time     time.Time
	Request  *Request
	Response *Response
	Err      error
}

// Bus is the lifecycle bus shared by the engine, extensions and observers.
type Bus = eventbus.Bus[Event]

// NewBus builds an empty lifecycle bus.
func NewBus(logger *zap.Logger) *Bus {
	return eventbus.New[Event](logger)
}
