package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

func TestRegisterRejectsUnknownName(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Register("beforeBreakfast", func(ctx context.Context, p *Payload) (*Result, error) {
		return nil, nil
	}); err == nil {
		t.Fatal("expected error for unknown hook name")
	}
}

func TestTriggerRunsInRegistrationOrder(t *testing.T) {
	r := NewRegistry(nil)
	var order []string
	for _, label := range []string{"first", "second", "third"} {
		label := label
		if _, err := r.Register(BeforeLLMCall, func(ctx context.Context, p *Payload) (*Result, error) {
			order = append(order, label)
			return nil, nil
		}); err != nil {
			t.Fatalf("register %s: %v", label, err)
		}
	}

	if err := r.Snapshot().Trigger(context.Background(), BeforeLLMCall, &Payload{}); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("ran %d handlers, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestTriggerMergesPartialResults(t *testing.T) {
	r := NewRegistry(nil)
	prompt := "replaced"
	r.Register(BeforeLLMCall, func(ctx context.Context, p *Payload) (*Result, error) {
		return &Result{SystemPrompt: &prompt}, nil
	})
	r.Register(BeforeLLMCall, func(ctx context.Context, p *Payload) (*Result, error) {
		if p.SystemPrompt != "replaced" {
			t.Errorf("second handler saw prompt %q, want %q", p.SystemPrompt, "replaced")
		}
		return &Result{Tools: []string{"clock"}}, nil
	})

	payload := &Payload{SystemPrompt: "original", Tools: []string{"clock", "echo"}}
	if err := r.Snapshot().Trigger(context.Background(), BeforeLLMCall, payload); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if payload.SystemPrompt != "replaced" {
		t.Errorf("SystemPrompt = %q, want %q", payload.SystemPrompt, "replaced")
	}
	if len(payload.Tools) != 1 || payload.Tools[0] != "clock" {
		t.Errorf("Tools = %v, want [clock]", payload.Tools)
	}
}

func TestTriggerStopsOnError(t *testing.T) {
	r := NewRegistry(nil)
	boom := errors.New("boom")
	ran := false
	r.Register(BeforeToolCall, func(ctx context.Context, p *Payload) (*Result, error) {
		return nil, boom
	})
	r.Register(BeforeToolCall, func(ctx context.Context, p *Payload) (*Result, error) {
		ran = true
		return nil, nil
	})

	err := r.Snapshot().Trigger(context.Background(), BeforeToolCall, &Payload{})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	if ran {
		t.Error("handler after the failing one should not run")
	}
}

func TestOnCompactedSwallowsErrorsAndPanics(t *testing.T) {
	r := NewRegistry(nil)
	ran := false
	r.Register(OnCompacted, func(ctx context.Context, p *Payload) (*Result, error) {
		return nil, errors.New("observer failed")
	})
	r.Register(OnCompacted, func(ctx context.Context, p *Payload) (*Result, error) {
		panic("observer panicked")
	})
	r.Register(OnCompacted, func(ctx context.Context, p *Payload) (*Result, error) {
		ran = true
		return nil, nil
	})

	event := &models.CompactionEvent{Attempt: 1}
	if err := r.Snapshot().Trigger(context.Background(), OnCompacted, &Payload{Compaction: event}); err != nil {
		t.Fatalf("onCompacted must never return an error, got %v", err)
	}
	if !ran {
		t.Error("later handlers should still run after a failing observer")
	}
}

func TestSealBlocksRegistration(t *testing.T) {
	r := NewRegistry(nil)
	r.Seal()
	if _, err := r.Register(BeforeRun, func(ctx context.Context, p *Payload) (*Result, error) {
		return nil, nil
	}); err == nil {
		t.Fatal("expected error registering on a sealed registry")
	}
}

func TestSnapshotIsolatedFromLaterRegistrations(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(AfterRun, func(ctx context.Context, p *Payload) (*Result, error) {
		return nil, nil
	})
	snap := r.Snapshot()
	r.Register(AfterRun, func(ctx context.Context, p *Payload) (*Result, error) {
		return nil, nil
	})

	if n := len(snap.lists[AfterRun]); n != 1 {
		t.Errorf("snapshot has %d handlers, want 1", n)
	}
	if n := r.HandlerCount(AfterRun); n != 2 {
		t.Errorf("registry has %d handlers, want 2", n)
	}
}
