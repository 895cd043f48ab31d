package transport

import (
	"context"
	"errors"
	"testing"
)

func TestSubchannelConnectSucceeds(t *testing.T) {
	sc := NewSubchannel("localhost:1234", func(ctx context.Context, addr string) (any, error) {
		return "conn", nil
	}, DefaultBackoffConfig())

	if sc.State() != Idle {
		t.Fatalf("initial state = %v want Idle", sc.State())
	}

	var transitions []ConnState
	sc.OnStateChange(func(s ConnState) { transitions = append(transitions, s) })

	if err := sc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sc.State() != Ready {
		t.Fatalf("state after connect = %v want Ready", sc.State())
	}
	if sc.Conn() != "conn" {
		t.Fatalf("Conn() = %v", sc.Conn())
	}
	if len(transitions) != 2 || transitions[0] != Connecting || transitions[1] != Ready {
		t.Fatalf("transitions = %v", transitions)
	}
}

func TestSubchannelConnectFailsGoesTransientFailure(t *testing.T) {
	sc := NewSubchannel("localhost:1234", func(ctx context.Context, addr string) (any, error) {
		return nil, errors.New("dial failed")
	}, DefaultBackoffConfig())

	if err := sc.Connect(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if sc.State() != TransientFailure {
		t.Fatalf("state = %v want TransientFailure", sc.State())
	}
	if sc.Conn() != nil {
		t.Fatalf("Conn() should be nil when not Ready, got %v", sc.Conn())
	}
}

func TestSubchannelOutstandingCounter(t *testing.T) {
	sc := NewSubchannel("localhost:1234", func(ctx context.Context, addr string) (any, error) {
		return "conn", nil
	}, DefaultBackoffConfig())

	sc.AddOutstanding(3)
	sc.AddOutstanding(-1)
	if got := sc.Outstanding(); got != 2 {
		t.Fatalf("Outstanding() = %d want 2", got)
	}
}
