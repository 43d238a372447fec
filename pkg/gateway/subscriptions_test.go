package gateway

import (
	"testing"
	"time"

	"github.com/GiovanniDantonio/raftchat/pkg/chatstate"
)

func TestSubscriptionReceivesNotifiedMessage(t *testing.T) {
	tbl := newSubscriptionTable()
	sub := tbl.subscribe("bob")
	defer tbl.unsubscribe("bob", sub)

	tbl.notify("bob", chatstate.Message{ID: 1, Sender: "alice", Content: "hi"})

	select {
	case ev := <-sub.ch:
		if ev.message == nil || ev.message.Content != "hi" {
			t.Fatalf("expected delivered message content 'hi', got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestNotifyOnlyReachesSubscribedRecipient(t *testing.T) {
	tbl := newSubscriptionTable()
	bobSub := tbl.subscribe("bob")
	defer tbl.unsubscribe("bob", bobSub)

	tbl.notify("carol", chatstate.Message{ID: 1, Content: "not for bob"})

	select {
	case ev := <-bobSub.ch:
		t.Fatalf("expected bob's subscription to receive nothing, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLeaderChangedInvalidatesEverySubscription(t *testing.T) {
	tbl := newSubscriptionTable()
	bobSub := tbl.subscribe("bob")
	carolSub := tbl.subscribe("carol")
	defer tbl.unsubscribe("bob", bobSub)
	defer tbl.unsubscribe("carol", carolSub)

	tbl.leaderChanged("node-2:9001")

	for _, sub := range []*subscription{bobSub, carolSub} {
		select {
		case ev := <-sub.ch:
			if !ev.leaderChanged || ev.leaderHint != "node-2:9001" {
				t.Fatalf("expected a leader-changed event with the new hint, got %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for leader-changed notification")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	tbl := newSubscriptionTable()
	sub := tbl.subscribe("bob")
	tbl.unsubscribe("bob", sub)

	tbl.notify("bob", chatstate.Message{ID: 1, Content: "late"})

	select {
	case ev := <-sub.ch:
		t.Fatalf("expected no delivery after unsubscribe, got %+v", ev)
	default:
	}
}
