// Package channel carries notifications from workers to the coordinator.
//
// Delivery is fire-and-forget: Send never reports whether a message arrived,
// and no transport here retries, acknowledges or deduplicates. A Receiver
// yields messages in the order its transport preserves; there is no ordering
// between different workers' channels.
package channel

import "fmt"

const (
	// CmdNotifyRequest reports one handled request.
	CmdNotifyRequest = "notifyRequest"
	// CmdOnline reports that a worker is accepting connections.
	CmdOnline = "online"
)

// Notification is the record a worker sends to the coordinator.
// Values are immutable once sent.
type Notification struct {
	Cmd    string `json:"cmd"`
	Worker string `json:"worker"`
	PID    int    `json:"pid,omitempty"`
}

func (n Notification) String() string {
	return fmt.Sprintf("{cmd: %s, worker: %s, pid: %d}", n.Cmd, n.Worker, n.PID)
}

// Sender is the worker-side half of a channel.
type Sender interface {
	// Send enqueues n and returns without waiting for delivery.
	Send(n Notification)
}

// Receiver is the coordinator-side half of a channel.
type Receiver interface {
	// Messages returns the delivery stream. It is closed when the transport ends.
	Messages() <-chan Notification
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(Notification)

func (f SenderFunc) Send(n Notification) { f(n) }
