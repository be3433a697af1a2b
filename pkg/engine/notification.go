package engine

import "time"

// Severity grades a notification.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
	SeverityInfo    Severity = "info"
)

// Notification is the status the engine reports alongside a refresh. The
// message names the query, never a cache partition.
type Notification struct {
	Severity Severity      `json:"severity"`
	Message  string        `json:"message"`
	TTL      time.Duration `json:"ttl"`
}

func (n Notification) IsZero() bool {
	return n.Severity == "" && n.Message == ""
}

// Notifier receives notifications as they are emitted. Implementations must
// not block; the engine calls them on the refresh path.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(Notification) {}
