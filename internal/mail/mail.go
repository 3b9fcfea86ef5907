// Package mail implements the in-process message substrate that binds the
// collector, hazard, and routing agents: per-agent mailboxes carrying typed
// envelopes with a fixed ACL performative set. Delivery is FIFO per
// sender/receiver pair and at-most-once; there is no persistence and no
// retry.
package mail

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Performative is the intent label on a message envelope.
type Performative string

const (
	// Inform pushes unsolicited data to a peer.
	Inform Performative = "INFORM"
	// Request asks a peer to perform an operation.
	Request Performative = "REQUEST"
	// Query asks a peer for a read-only answer.
	Query Performative = "QUERY"
	// Confirm is the positive reply to a Request or Query.
	Confirm Performative = "CONFIRM"
	// Agree acknowledges that a Request will be acted on.
	Agree Performative = "AGREE"
	// Refuse declines a Request.
	Refuse Performative = "REFUSE"
	// Failure reports that an accepted operation failed; Content carries
	// the reason.
	Failure Performative = "FAILURE"
)

// AgentID names a registered mailbox.
type AgentID string

// Well-known agent ids used by the scheduler wiring.
const (
	AgentFloodCollector AgentID = "flood-collector"
	AgentScoutCollector AgentID = "scout-collector"
	AgentHazard         AgentID = "hazard"
	AgentRouter         AgentID = "router"
)

// Ontology tags used on Inform batches.
const (
	OntologyFloodData    = "flood_data_batch"
	OntologyScoutReports = "scout_report_batch"
	OntologyRoute        = "route"
)

// Message is an immutable envelope. Build one with New and do not modify it
// after Send.
type Message struct {
	// ID uniquely identifies this envelope.
	ID string
	// ConversationID correlates a reply with its request. New generates a
	// fresh one; Reply copies it from the request.
	ConversationID string
	// Performative labels the sender's intent.
	Performative Performative
	// Sender and Receiver are registered agent ids.
	Sender   AgentID
	Receiver AgentID
	// Ontology tags the content type (e.g. OntologyFloodData).
	Ontology string
	// Content is the payload; consumers type-assert on Ontology.
	Content any
	// SentAt is when the envelope was created.
	SentAt time.Time
}

// New builds an envelope with fresh ID and conversation id.
func New(p Performative, sender, receiver AgentID, ontology string, content any) Message {
	return Message{
		ID:             uuid.NewString(),
		ConversationID: uuid.NewString(),
		Performative:   p,
		Sender:         sender,
		Receiver:       receiver,
		Ontology:       ontology,
		Content:        content,
		SentAt:         time.Now().UTC(),
	}
}

// Reply builds a reply envelope to m, preserving its conversation id and
// ontology and swapping sender/receiver.
func Reply(m Message, p Performative, content any) Message {
	r := New(p, m.Receiver, m.Sender, m.Ontology, content)
	r.ConversationID = m.ConversationID
	return r
}

// Errors returned by the exchange.
var (
	// ErrNotRegistered is returned by Send and Receive when the agent has
	// no mailbox.
	ErrNotRegistered = errors.New("mail: agent not registered")
	// ErrMailboxFull is returned by Send when the receiver's bounded
	// mailbox is at capacity. Senders treat this as backpressure.
	ErrMailboxFull = errors.New("mail: mailbox full")
	// ErrClosed is returned once the exchange has shut down.
	ErrClosed = errors.New("mail: exchange closed")
)

// DefaultMailboxCap is the per-agent mailbox capacity when 0 is passed to
// NewExchange.
const DefaultMailboxCap = 256

// Exchange routes envelopes between registered agents. All methods are safe
// for concurrent use.
type Exchange struct {
	mu     sync.RWMutex
	boxes  map[AgentID]chan Message
	cap    int
	done   chan struct{}
	closed bool
}

// NewExchange creates an exchange whose mailboxes hold up to capacity
// envelopes each.
func NewExchange(capacity int) *Exchange {
	if capacity <= 0 {
		capacity = DefaultMailboxCap
	}
	return &Exchange{
		boxes: make(map[AgentID]chan Message),
		cap:   capacity,
		done:  make(chan struct{}),
	}
}

// Register creates a mailbox for id. Registering an id twice is a no-op and
// keeps the existing mailbox and its pending messages.
func (x *Exchange) Register(id AgentID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return
	}
	if _, ok := x.boxes[id]; !ok {
		x.boxes[id] = make(chan Message, x.cap)
	}
}

// Deregister removes id's mailbox. Pending messages are dropped; in-flight
// Receive calls return ErrNotRegistered on their next poll.
func (x *Exchange) Deregister(id AgentID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.boxes, id)
}

// Send delivers m to its receiver's mailbox without blocking. A full mailbox
// is an error, not a silent drop, so collectors can apply backpressure.
func (x *Exchange) Send(m Message) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return ErrClosed
	}
	box, ok := x.boxes[m.Receiver]
	if !ok {
		return ErrNotRegistered
	}
	select {
	case box <- m:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Broadcast sends m to each listed receiver, rewriting the Receiver field
// per copy, and returns the number delivered. Unregistered or full
// mailboxes are skipped.
func (x *Exchange) Broadcast(m Message, ids []AgentID) int {
	n := 0
	for _, id := range ids {
		c := m
		c.Receiver = id
		if x.Send(c) == nil {
			n++
		}
	}
	return n
}

// Receive blocks until a message for id arrives, ctx expires, or the
// exchange closes. Messages from one sender arrive in send order.
func (x *Exchange) Receive(ctx context.Context, id AgentID) (Message, error) {
	x.mu.RLock()
	box, ok := x.boxes[id]
	closed := x.closed
	x.mu.RUnlock()
	if !ok {
		return Message{}, ErrNotRegistered
	}
	if closed {
		// Drain pending messages even after close so a final tick can
		// complete, then report closure.
		select {
		case m := <-box:
			return m, nil
		default:
			return Message{}, ErrClosed
		}
	}

	select {
	case m := <-box:
		return m, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-x.done:
		return Message{}, ErrClosed
	}
}

// TryReceive returns the next pending message for id without blocking.
// The boolean is false when the mailbox is empty.
func (x *Exchange) TryReceive(id AgentID) (Message, bool, error) {
	x.mu.RLock()
	box, ok := x.boxes[id]
	x.mu.RUnlock()
	if !ok {
		return Message{}, false, ErrNotRegistered
	}
	select {
	case m := <-box:
		return m, true, nil
	default:
		return Message{}, false, nil
	}
}

// Depth returns the number of messages pending for id. Used by the
// backpressure high-water check.
func (x *Exchange) Depth(id AgentID) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if box, ok := x.boxes[id]; ok {
		return len(box)
	}
	return 0
}

// Close shuts the exchange down. Blocked Receive calls observe ErrClosed;
// subsequent Send calls fail. Close is idempotent.
func (x *Exchange) Close() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return
	}
	x.closed = true
	close(x.done)
}
