package signal

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	env, err := NewEnvelope(1, "sm-a-1", "sm-b-1", KindOffer, map[string]string{"sdp": "v=0"})
	if err != nil {
		t.Fatal(err)
	}
	if env.ID == "" {
		t.Fatal("envelope id not assigned")
	}
	if err := env.Validate(); err != nil {
		t.Fatal(err)
	}

	bad := &Envelope{From: "", To: "sm-b-1", Kind: KindOffer}
	if bad.Validate() == nil {
		t.Fatal("missing From accepted")
	}
	bad = &Envelope{From: "sm-a-1", To: "sm-b-1", Kind: Kind("bogus")}
	if bad.Validate() == nil {
		t.Fatal("unknown kind accepted")
	}
}

func recvOne(t *testing.T, ch chan *Envelope) *Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for envelope")
		return nil
	}
}

func TestLoopbackDelivery(t *testing.T) {
	a, b := NewLoopbackPair("sm-a-1", "sm-b-1")
	defer a.Close()
	defer b.Close()

	feed, cancel := b.Subscribe()
	defer cancel()

	env, _ := NewEnvelope(1, "sm-a-1", "sm-b-1", KindOffer, nil)
	if err := a.Send(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	got := recvOne(t, feed)
	if got.ID != env.ID {
		t.Fatalf("wrong envelope delivered: %q", got.ID)
	}
}

func TestLoopbackDropsSelfEcho(t *testing.T) {
	a, _ := NewLoopbackPair("sm-a-1", "sm-b-1")
	defer a.Close()

	feed, cancel := a.Subscribe()
	defer cancel()

	env, _ := NewEnvelope(1, "sm-a-1", "sm-a-1", KindCandidate, nil)
	if err := a.Send(context.Background(), env); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-feed:
		t.Fatalf("self-addressed envelope echoed back: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoopbackUnknownRecipientDropped(t *testing.T) {
	a, _ := NewLoopbackPair("sm-a-1", "sm-b-1")
	defer a.Close()

	env, _ := NewEnvelope(1, "sm-a-1", "sm-c-1", KindOffer, nil)
	// Like publishing to a topic nobody subscribed to: no error, no delivery.
	if err := a.Send(context.Background(), env); err != nil {
		t.Fatal(err)
	}
}

func TestLoopbackOutage(t *testing.T) {
	a, b := NewLoopbackPair("sm-a-1", "sm-b-1")
	defer a.Close()
	defer b.Close()

	a.SetDown(true)
	env, _ := NewEnvelope(1, "sm-a-1", "sm-b-1", KindOffer, nil)
	if err := a.Send(context.Background(), env); !errors.Is(err, ErrRelayUnavailable) {
		t.Fatalf("expected ErrRelayUnavailable, got %v", err)
	}

	a.SetDown(false)
	feed, cancel := b.Subscribe()
	defer cancel()
	if err := a.Send(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	recvOne(t, feed)
}

func TestLoopbackBinder(t *testing.T) {
	bus := NewLoopbackBus()
	ctx := context.Background()

	a, err := bus.Bind(ctx, "sm-a-7")
	if err != nil {
		t.Fatal(err)
	}
	b, err := bus.Bind(ctx, "sm-b-7")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	if a.SelfID() != "sm-a-7" {
		t.Fatalf("SelfID = %q", a.SelfID())
	}

	feed, cancel := b.Subscribe()
	defer cancel()
	env, _ := NewEnvelope(7, "sm-a-7", "sm-b-7", KindCallEnded, nil)
	if err := a.Send(ctx, env); err != nil {
		t.Fatal(err)
	}
	if got := recvOne(t, feed); got.Kind != KindCallEnded {
		t.Fatalf("wrong kind %q", got.Kind)
	}
}

func TestClosedChannelSendFails(t *testing.T) {
	a, b := NewLoopbackPair("sm-a-1", "sm-b-1")
	b.Close()
	a.Close()

	env, _ := NewEnvelope(1, "sm-a-1", "sm-b-1", KindOffer, nil)
	if err := a.Send(context.Background(), env); !errors.Is(err, ErrRelayUnavailable) {
		t.Fatalf("expected ErrRelayUnavailable after close, got %v", err)
	}
}
