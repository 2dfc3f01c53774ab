package notify

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/lokalhq/lokal/internal/status"
)

type mockAdapter struct {
	name string
	err  error

	mu   sync.Mutex
	sent []Message
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return m.err
}

func (m *mockAdapter) messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

func TestFormatUpdate(t *testing.T) {
	tests := []struct {
		name       string
		in         status.Update
		wantColor  string
		wantFields []string
	}{
		{
			name: "completed",
			in: status.Update{JobID: "j1", Status: status.StatusCompleted, Message: "3 recommendations",
				Metadata: map[string]any{"recommendations": 3, "analysis_calls": 2}},
			wantColor:  ColorSuccess,
			wantFields: []string{"Recommendations", "Analysis calls"},
		},
		{
			name: "completed degraded after store round trip",
			in: status.Update{JobID: "j2", Status: status.StatusCompleted,
				Metadata: map[string]any{"recommendations": float64(0), "fallback_stages": []any{"detect", "match"}}},
			wantColor:  ColorWarning,
			wantFields: []string{"Recommendations", "Fallback stages"},
		},
		{
			name: "failed",
			in: status.Update{JobID: "j3", Status: status.StatusFailed, Stage: "detect", Error: "detector crashed",
				Metadata: map[string]any{"retries": 2}},
			wantColor:  ColorError,
			wantFields: []string{"Stage", "Retries"},
		},
		{
			name:      "non-terminal",
			in:        status.Update{JobID: "j4", Status: "detecting"},
			wantColor: ColorInfo,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := FormatUpdate(tt.in)
			if ev.Color != tt.wantColor {
				t.Errorf("color = %s, want %s", ev.Color, tt.wantColor)
			}
			var names []string
			for _, f := range ev.Fields {
				names = append(names, f.Name)
			}
			if !reflect.DeepEqual(names, tt.wantFields) {
				t.Errorf("fields = %v, want %v", names, tt.wantFields)
			}
		})
	}

	ev := FormatUpdate(status.Update{JobID: "j2", Status: status.StatusCompleted,
		Metadata: map[string]any{"fallback_stages": []string{"detect", "match"}}})
	if got := ev.Fields[0].Value; got != "detect, match" {
		t.Errorf("fallback stages = %q", got)
	}
}

func TestNotifier_NotifyJoinsErrors(t *testing.T) {
	ok := &mockAdapter{name: "slack"}
	bad := &mockAdapter{name: "discord", err: errors.New("forbidden")}
	n := New(nil, ok, nil, bad)

	if got := n.Adapters(); !reflect.DeepEqual(got, []string{"discord", "slack"}) {
		t.Errorf("adapters = %v", got)
	}
	err := n.Notify(context.Background(), status.Update{JobID: "j1", Status: status.StatusFailed})
	if err == nil {
		t.Fatal("expected error from failing adapter")
	}
	if len(ok.messages()) != 1 || len(bad.messages()) != 1 {
		t.Errorf("every adapter should be tried: slack=%d discord=%d", len(ok.messages()), len(bad.messages()))
	}
}

func TestNotifier_RunPostsTerminalUpdates(t *testing.T) {
	hub := status.NewHub(nil, nil)
	a := &mockAdapter{name: "slack"}
	n := New(nil, a)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx, hub) }()

	// Wait for the subscription before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("notifier never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	pub := func(u status.Update) {
		if err := hub.Publish(context.Background(), u); err != nil {
			t.Fatal(err)
		}
	}
	pub(status.Update{JobID: "j1", Status: "extracting", Progress: 10})
	pub(status.Update{JobID: "j1", Status: status.StatusCompleted, Progress: 100})
	pub(status.Update{JobID: "j2", Status: status.StatusFailed, Progress: 30, Error: "boom"})

	deadline = time.Now().Add(2 * time.Second)
	for len(a.messages()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("got %d messages, want 2", len(a.messages()))
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}

	msgs := a.messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want only terminal updates", len(msgs))
	}
	if msgs[0].Events[0].Title != "Job j1 completed" || msgs[1].Events[0].Title != "Job j2 failed" {
		t.Errorf("titles = %q, %q", msgs[0].Events[0].Title, msgs[1].Events[0].Title)
	}
}

func TestNotifier_RunWithoutAdapters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New(nil).Run(ctx, status.NewHub(nil, nil)); err != nil {
		t.Errorf("Run: %v", err)
	}
}
