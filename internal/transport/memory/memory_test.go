package memory

import (
	"errors"
	"testing"

	"twinbox.gg/internal/protocol"
)

func TestPair_LatencyInPolls(t *testing.T) {
	a, b := Pair(2)
	if err := a.Send(protocol.Sync(1)); err != nil {
		t.Fatalf("send: %v", err)
	}
	for i := 0; i < 2; i++ {
		if got := b.Poll(); len(got) != 0 {
			t.Fatalf("poll %d: delivered early: %+v", i, got)
		}
	}
	got := b.Poll()
	if len(got) != 1 || got[0].Type != protocol.TypeSync || got[0].Nonce != 1 {
		t.Fatalf("unexpected delivery: %+v", got)
	}
	if len(a.Poll()) != 0 {
		t.Fatalf("sender received its own message")
	}
}

func TestPair_OrderSurvivesLatencyDrop(t *testing.T) {
	a, b := Pair(5)
	_ = a.Send(protocol.Sync(1))
	a.SetLatency(0)
	_ = a.Send(protocol.Sync(2))
	var got []protocol.Message
	for i := 0; i < 6; i++ {
		got = append(got, b.Poll()...)
	}
	if len(got) != 2 || got[0].Nonce != 1 || got[1].Nonce != 2 {
		t.Fatalf("order broken: %+v", got)
	}
}

func TestClose_PeerSeesLeaveAfterBacklog(t *testing.T) {
	a, b := Pair(0)
	_ = a.Send(protocol.Bye())
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	got := b.Poll()
	if len(got) != 2 || got[0].Type != protocol.TypeBye || got[1].Type != protocol.TypePeerLeft {
		t.Fatalf("unexpected: %+v", got)
	}
	if err := b.Send(protocol.Bye()); !errors.Is(err, ErrClosed) {
		t.Fatalf("send to closed peer: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
