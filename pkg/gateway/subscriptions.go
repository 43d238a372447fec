package gateway

import (
	"sync"

	"github.com/GiovanniDantonio/raftchat/pkg/chatstate"
)

// streamEvent is one item delivered to a StreamMessages subscriber: either a
// newly applied message or a leader-change notice telling the client to
// reconnect elsewhere.
type streamEvent struct {
	message       *chatstate.Message
	leaderChanged bool
	leaderHint    string
}

// subscription is one active StreamMessages call's delivery queue.
type subscription struct {
	ch chan streamEvent
}

// subscriptionTable is the Gateway's per-user fan-out registry, fed by the
// apply loop (via chatstate.Store.SetNotifier) and drained by each
// StreamMessages goroutine. Mutated under its own mutex — never the node's
// or the state machine's — per the concurrency model's shared-resource
// rules.
type subscriptionTable struct {
	mu   sync.Mutex
	subs map[string]map[*subscription]struct{} // username -> active subscriptions
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{subs: make(map[string]map[*subscription]struct{})}
}

func (t *subscriptionTable) subscribe(username string) *subscription {
	sub := &subscription{ch: make(chan streamEvent, 32)}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subs[username] == nil {
		t.subs[username] = make(map[*subscription]struct{})
	}
	t.subs[username][sub] = struct{}{}
	return sub
}

func (t *subscriptionTable) unsubscribe(username string, sub *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs[username], sub)
	if len(t.subs[username]) == 0 {
		delete(t.subs, username)
	}
}

// notify fans a newly applied message out to every active subscriber of
// recipient. Delivery is best-effort and non-blocking: a subscriber whose
// queue is full misses this event (its subscription stays registered)
// rather than stalling the apply loop, consistent
// with the at-least-once-with-client-dedup delivery model — a client that
// misses a push still sees the message on its next GetMessages poll.
func (t *subscriptionTable) notify(recipient string, msg chatstate.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for sub := range t.subs[recipient] {
		select {
		case sub.ch <- streamEvent{message: &msg}:
		default:
		}
	}
}

// leaderChanged invalidates every active subscription cluster-wide, telling
// each client to reconnect against the new leader hint.
func (t *subscriptionTable) leaderChanged(hint string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, subs := range t.subs {
		for sub := range subs {
			select {
			case sub.ch <- streamEvent{leaderChanged: true, leaderHint: hint}:
			default:
			}
		}
	}
}
