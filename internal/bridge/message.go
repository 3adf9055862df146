// Package bridge adapts the message-oriented HTTP protocol onto the
// streaming dispatch path. Inbound bodies arrive as pulled chunks, outbound
// responses leave as pushed messages, and the bridge runs the user call
// concurrently with a pump so neither side blocks the other.
package bridge

import "sync"

// MessageType discriminates protocol messages.
type MessageType uint8

const (
	// MessageRequestBody carries one inbound body chunk.
	MessageRequestBody MessageType = iota + 1
	// MessageResponseStart carries the response status and headers.
	MessageResponseStart
	// MessageResponseBody carries one outbound body chunk.
	MessageResponseBody
)

// Header is a single protocol header pair.
type Header struct {
	Name  string
	Value string
}

// Message is one unit of the message protocol. Exactly the fields relevant
// to Type are set.
type Message struct {
	Type    MessageType
	Status  int      // MessageResponseStart
	Headers []Header // MessageResponseStart
	Body    []byte   // body chunk types
	More    bool     // more chunks of the same kind follow
}

// Scope describes the inbound request line and headers.
type Scope struct {
	Method  string
	Path    string
	Query   string
	Headers []Header
}

// Header returns the first header value matching name, or "".
func (s Scope) Header(name string) string {
	for _, h := range s.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

// Sender is the outbound message push interface handed to user code.
type Sender interface {
	Send(Message)
}

// MessageQueue accumulates outbound messages in place of a real send
// channel. The bridge drains it in batches whenever it has >=1 message.
type MessageQueue struct {
	mu    sync.Mutex
	msgs  []Message
	ready chan struct{}
}

func NewMessageQueue() *MessageQueue {
	return &MessageQueue{ready: make(chan struct{}, 1)}
}

// Send buffers one message and signals readiness.
func (q *MessageQueue) Send(m Message) {
	q.mu.Lock()
	q.msgs = append(q.msgs, m)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready signals when at least one message may be buffered. A wake with an
// empty queue is possible after a concurrent drain and must be tolerated.
func (q *MessageQueue) Ready() <-chan struct{} { return q.ready }

// DrainNowait removes and returns all currently buffered messages.
func (q *MessageQueue) DrainNowait() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.msgs
	q.msgs = nil
	return out
}
