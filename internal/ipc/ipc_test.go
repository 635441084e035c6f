package ipc

import "testing"

func TestSendRequiresRegisteredMailbox(t *testing.T) {
	b := New(4)
	if err := b.Send(1, Message{Kind: "user"}); err != ErrNoSuchMailbox {
		t.Fatalf("Send(unregistered) = %v, want ErrNoSuchMailbox", err)
	}
}

func TestSendAndReceiveRoundTrip(t *testing.T) {
	b := New(4)
	ch := b.Register(1)

	if err := b.Send(1, Message{From: 2, Kind: "user", Payload: "hello"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := b.Pending(1); got != 1 {
		t.Fatalf("Pending() = %d, want 1", got)
	}

	msg := <-ch
	if msg.From != 2 || msg.Payload != "hello" {
		t.Fatalf("received %+v, want From=2 Payload=hello", msg)
	}
}

func TestSendRejectsOversizedMessage(t *testing.T) {
	b := New(4)
	b.Register(1)

	err := b.Send(1, Message{RawLen: MaxMessageSize + 1})
	if err != ErrMessageTooLarge {
		t.Fatalf("Send(oversized) = %v, want ErrMessageTooLarge", err)
	}
}

func TestSendReportsMailboxFullWithoutBlocking(t *testing.T) {
	b := New(1)
	b.Register(1)

	if err := b.Send(1, Message{Kind: "user"}); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	if err := b.Send(1, Message{Kind: "user"}); err != ErrMailboxFull {
		t.Fatalf("Send(full mailbox) = %v, want ErrMailboxFull", err)
	}
}

func TestUnregisterClosesChannelAndRejectsFurtherSends(t *testing.T) {
	b := New(4)
	ch := b.Register(1)
	b.Unregister(1)

	if _, open := <-ch; open {
		t.Fatal("expected channel to be closed after Unregister")
	}
	if err := b.Send(1, Message{}); err != ErrNoSuchMailbox {
		t.Fatalf("Send(after unregister) = %v, want ErrNoSuchMailbox", err)
	}
}
