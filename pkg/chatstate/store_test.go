package chatstate

import (
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/GiovanniDantonio/raftchat/pkg/raft"
)

func applyAt(s *Store, index uint64, cmd raft.Command) raft.Result {
	return s.Apply(raft.LogEntry{Index: index, Term: 1, Command: cmd})
}

func TestRegisterThenDuplicateFails(t *testing.T) {
	s := New()

	res := applyAt(s, 1, raft.Command{Type: raft.CommandRegister, Username: "alice", PasswordHash: "h"})
	if !res.OK {
		t.Fatalf("expected first registration to succeed, got %+v", res)
	}

	res = applyAt(s, 2, raft.Command{Type: raft.CommandRegister, Username: "alice", PasswordHash: "h2"})
	if res.OK || res.ErrKind != "AlreadyExists" {
		t.Fatalf("expected AlreadyExists, got %+v", res)
	}
}

func TestSendMessageToUnknownRecipientFails(t *testing.T) {
	s := New()
	applyAt(s, 1, raft.Command{Type: raft.CommandRegister, Username: "alice", PasswordHash: "h"})

	res := applyAt(s, 2, raft.Command{Type: raft.CommandSendMessage, Sender: "alice", Recipient: "ghost", Content: "hi"})
	if res.OK || res.ErrKind != "UnknownRecipient" {
		t.Fatalf("expected UnknownRecipient, got %+v", res)
	}
}

func TestSendMessageAssignsSequentialIDsAndDelivers(t *testing.T) {
	s := New()
	applyAt(s, 1, raft.Command{Type: raft.CommandRegister, Username: "alice", PasswordHash: "h"})
	applyAt(s, 2, raft.Command{Type: raft.CommandRegister, Username: "bob", PasswordHash: "h"})

	res1 := applyAt(s, 3, raft.Command{Type: raft.CommandSendMessage, Sender: "alice", Recipient: "bob", Content: "hi"})
	res2 := applyAt(s, 4, raft.Command{Type: raft.CommandSendMessage, Sender: "alice", Recipient: "bob", Content: "hi2"})

	if !res1.OK || !res2.OK {
		t.Fatalf("expected both sends to succeed: %+v %+v", res1, res2)
	}
	if res1.MessageID == 0 || res2.MessageID <= res1.MessageID {
		t.Fatalf("expected monotonically increasing ids, got %d then %d", res1.MessageID, res2.MessageID)
	}

	msgs := s.GetMessages("bob", 10)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages in bob's inbox, got %d", len(msgs))
	}
	if msgs[0].Content != "hi" || msgs[1].Content != "hi2" {
		t.Fatalf("expected delivery order preserved, got %+v", msgs)
	}
	if msgs[0].Read {
		t.Fatalf("expected new message to start unread")
	}
}

func TestMarkReadIsIdempotentAndOneDirectional(t *testing.T) {
	s := New()
	applyAt(s, 1, raft.Command{Type: raft.CommandRegister, Username: "alice", PasswordHash: "h"})
	applyAt(s, 2, raft.Command{Type: raft.CommandRegister, Username: "bob", PasswordHash: "h"})
	send := applyAt(s, 3, raft.Command{Type: raft.CommandSendMessage, Sender: "alice", Recipient: "bob", Content: "hi"})

	applyAt(s, 4, raft.Command{Type: raft.CommandMarkRead, Owner: "bob", MessageIDs: []uint64{send.MessageID}})
	applyAt(s, 5, raft.Command{Type: raft.CommandMarkRead, Owner: "bob", MessageIDs: []uint64{send.MessageID}})

	msgs := s.GetMessages("bob", 10)
	if len(msgs) != 1 || !msgs[0].Read {
		t.Fatalf("expected message to be read after repeated MarkRead, got %+v", msgs)
	}
}

func TestDeleteMessagesOnlyAffectsOwner(t *testing.T) {
	s := New()
	applyAt(s, 1, raft.Command{Type: raft.CommandRegister, Username: "alice", PasswordHash: "h"})
	applyAt(s, 2, raft.Command{Type: raft.CommandRegister, Username: "bob", PasswordHash: "h"})
	applyAt(s, 3, raft.Command{Type: raft.CommandRegister, Username: "carol", PasswordHash: "h"})

	toBob := applyAt(s, 4, raft.Command{Type: raft.CommandSendMessage, Sender: "alice", Recipient: "bob", Content: "for bob"})
	toCarol := applyAt(s, 5, raft.Command{Type: raft.CommandSendMessage, Sender: "alice", Recipient: "carol", Content: "for carol"})

	// carol tries to delete a message that belongs to bob's inbox; it should be silently skipped.
	applyAt(s, 6, raft.Command{Type: raft.CommandDeleteMessages, Owner: "carol", MessageIDs: []uint64{toBob.MessageID}})

	if len(s.GetMessages("bob", 10)) != 1 {
		t.Fatalf("expected bob's message to survive carol's delete attempt")
	}

	applyAt(s, 7, raft.Command{Type: raft.CommandDeleteMessages, Owner: "carol", MessageIDs: []uint64{toCarol.MessageID}})
	if len(s.GetMessages("carol", 10)) != 0 {
		t.Fatalf("expected carol's own delete to remove her message")
	}

	// Repeating the delete is idempotent.
	applyAt(s, 8, raft.Command{Type: raft.CommandDeleteMessages, Owner: "carol", MessageIDs: []uint64{toCarol.MessageID}})
	if len(s.GetMessages("carol", 10)) != 0 {
		t.Fatalf("expected repeated delete to remain a no-op")
	}
}

func TestDeleteAccountCascadesRecipientInboxAndTombstonesSender(t *testing.T) {
	s := New()
	applyAt(s, 1, raft.Command{Type: raft.CommandRegister, Username: "alice", PasswordHash: "h"})
	applyAt(s, 2, raft.Command{Type: raft.CommandRegister, Username: "bob", PasswordHash: "h"})
	applyAt(s, 3, raft.Command{Type: raft.CommandSendMessage, Sender: "alice", Recipient: "bob", Content: "hi"})

	// Deleting the sender tombstones the message but keeps it for the recipient.
	applyAt(s, 4, raft.Command{Type: raft.CommandDeleteAccount, Username: "alice"})
	msgs := s.GetMessages("bob", 10)
	if len(msgs) != 1 || msgs[0].Sender != tombstoneSender {
		t.Fatalf("expected tombstoned sender to be preserved for recipient, got %+v", msgs)
	}

	// Deleting the recipient cascades and removes the message entirely.
	applyAt(s, 5, raft.Command{Type: raft.CommandDeleteAccount, Username: "bob"})
	if len(s.GetMessages("bob", 10)) != 0 {
		t.Fatalf("expected recipient deletion to cascade-delete their inbox")
	}
}

func TestDeleteAccountIsIdempotent(t *testing.T) {
	s := New()
	res1 := applyAt(s, 1, raft.Command{Type: raft.CommandDeleteAccount, Username: "ghost"})
	res2 := applyAt(s, 2, raft.Command{Type: raft.CommandDeleteAccount, Username: "ghost"})
	if !res1.OK || !res2.OK {
		t.Fatalf("expected deleting an absent account to succeed idempotently")
	}
}

func TestReregisterAfterDeleteYieldsFreshAccount(t *testing.T) {
	s := New()
	applyAt(s, 1, raft.Command{Type: raft.CommandRegister, Username: "alice", PasswordHash: "old"})
	applyAt(s, 2, raft.Command{Type: raft.CommandDeleteAccount, Username: "alice"})
	hash, err := hashForTest("new")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	res := applyAt(s, 3, raft.Command{Type: raft.CommandRegister, Username: "alice", PasswordHash: hash})
	if !res.OK {
		t.Fatalf("expected re-registration after delete to succeed, got %+v", res)
	}
	ok, err := s.Authenticate("alice", "new")
	if err != nil || !ok {
		t.Fatalf("expected new password to authenticate, ok=%v err=%v", ok, err)
	}
}

func TestClientSequenceDedupReturnsCachedResult(t *testing.T) {
	s := New()
	applyAt(s, 1, raft.Command{Type: raft.CommandRegister, Username: "bob", PasswordHash: "h"})

	cmd := raft.Command{Type: raft.CommandSendMessage, Sender: "alice", Recipient: "bob", Content: "hi", ClientID: "c1", Sequence: 7}
	first := s.Apply(raft.LogEntry{Index: 2, Term: 1, Command: cmd})
	if !first.OK || first.MessageID == 0 {
		t.Fatalf("expected first send to succeed with an id, got %+v", first)
	}

	// Retry with the same (client_id, sequence) must not create a second message.
	replay := s.Apply(raft.LogEntry{Index: 3, Term: 1, Command: cmd})
	if replay.MessageID != first.MessageID {
		t.Fatalf("expected cached result on replay, got %+v want id %d", replay, first.MessageID)
	}
	if len(s.GetMessages("bob", 10)) != 1 {
		t.Fatalf("expected exactly one delivered message despite the retry")
	}
}

func TestAuthenticateRejectsWrongPassword(t *testing.T) {
	s := New()
	// Apply does not hash; a real caller (the Gateway) supplies an already
	// bcrypt-hashed value. Use the real primitive so CompareHashAndPassword
	// round-trips.
	hash, err := hashForTest("secret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	applyAt(s, 1, raft.Command{Type: raft.CommandRegister, Username: "alice", PasswordHash: hash})

	if ok, _ := s.Authenticate("alice", "wrong"); ok {
		t.Fatalf("expected wrong password to fail authentication")
	}
	ok, err := s.Authenticate("alice", "secret")
	if err != nil || !ok {
		t.Fatalf("expected correct password to authenticate, ok=%v err=%v", ok, err)
	}
	if _, err := s.Authenticate("ghost", "secret"); err == nil {
		t.Fatalf("expected unknown user error")
	}
}

func TestListAccountsFiltersAndPaginates(t *testing.T) {
	s := New()
	for i, name := range []string{"alice", "bob", "albert", "carol"} {
		applyAt(s, uint64(i+1), raft.Command{Type: raft.CommandRegister, Username: name, PasswordHash: "h"})
	}

	matches, total := s.ListAccounts("al", 0, 10)
	if total != 2 {
		t.Fatalf("expected 2 accounts matching 'al', got %d (%v)", total, matches)
	}

	page0, total := s.ListAccounts("", 0, 2)
	if total != 4 || len(page0) != 2 {
		t.Fatalf("expected first page of 2 out of 4 total, got %d/%d", len(page0), total)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := New()
	applyAt(s, 1, raft.Command{Type: raft.CommandRegister, Username: "alice", PasswordHash: "h"})
	applyAt(s, 2, raft.Command{Type: raft.CommandRegister, Username: "bob", PasswordHash: "h"})
	applyAt(s, 3, raft.Command{Type: raft.CommandSendMessage, Sender: "alice", Recipient: "bob", Content: "hi"})

	data, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	restored := New()
	if err := restored.Restore(data); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if len(restored.GetMessages("bob", 10)) != 1 {
		t.Fatalf("expected restored state to carry bob's message")
	}
	// Applying a new command on the restored store must continue the id
	// sequence rather than restart it.
	res := applyAt(restored, 4, raft.Command{Type: raft.CommandSendMessage, Sender: "alice", Recipient: "bob", Content: "second"})
	if res.MessageID != 2 {
		t.Fatalf("expected restored NextMessageId to continue from 2, got %d", res.MessageID)
	}
}

func hashForTest(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	return string(hash), err
}
