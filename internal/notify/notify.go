// Package notify posts terminal job outcomes to chat platforms (Slack, Discord).
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lokalhq/lokal/internal/logger"
	"github.com/lokalhq/lokal/internal/status"
)

// Adapter delivers a formatted message to one chat platform.
type Adapter interface {
	// Name identifies the platform in logs ("slack", "discord").
	Name() string
	// Send posts the message to the adapter's configured channel.
	Send(ctx context.Context, msg Message) error
}

// Message is a platform-neutral chat post.
type Message struct {
	Text   string
	Events []Event
}

// Event is one job outcome formatted for display in chat.
type Event struct {
	Title    string  // headline, e.g. "Job abc completed"
	Body     string  // detail text
	Severity string  // "info", "warning", "error", "success"
	Color    string  // sidebar color hint
	Fields   []Field // key-value metadata pairs
}

// Field is a key-value pair displayed in an event attachment.
type Field struct {
	Name  string
	Value string
	Short bool // display inline when true
}

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// SeverityColor maps a severity string to a sidebar color.
func SeverityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// FormatUpdate turns a terminal status update into a chat event. A completed
// job that ran any stage in fallback mode is reported as a warning.
func FormatUpdate(u status.Update) Event {
	switch u.Status {
	case status.StatusFailed:
		ev := Event{
			Title:    fmt.Sprintf("Job %s failed", u.JobID),
			Body:     u.Error,
			Severity: "error",
		}
		if u.Stage != "" {
			ev.Fields = append(ev.Fields, Field{Name: "Stage", Value: u.Stage, Short: true})
		}
		if v, ok := u.Metadata["retries"]; ok {
			ev.Fields = append(ev.Fields, Field{Name: "Retries", Value: fmt.Sprint(v), Short: true})
		}
		ev.Color = SeverityColor(ev.Severity)
		return ev

	case status.StatusCompleted:
		ev := Event{
			Title:    fmt.Sprintf("Job %s completed", u.JobID),
			Body:     u.Message,
			Severity: "success",
		}
		if v, ok := u.Metadata["recommendations"]; ok {
			ev.Fields = append(ev.Fields, Field{Name: "Recommendations", Value: fmt.Sprint(v), Short: true})
		}
		if v, ok := u.Metadata["analysis_calls"]; ok {
			ev.Fields = append(ev.Fields, Field{Name: "Analysis calls", Value: fmt.Sprint(v), Short: true})
		}
		if stages := stringList(u.Metadata["fallback_stages"]); len(stages) > 0 {
			ev.Severity = "warning"
			ev.Fields = append(ev.Fields, Field{Name: "Fallback stages", Value: strings.Join(stages, ", ")})
		}
		ev.Color = SeverityColor(ev.Severity)
		return ev
	}

	return Event{
		Title:    fmt.Sprintf("Job %s %s", u.JobID, u.Status),
		Body:     u.Message,
		Severity: "info",
		Color:    ColorInfo,
	}
}

// stringList accepts the typed slice published in-process and the []any a
// JSON round trip through the status store produces.
func stringList(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, x := range s {
			out = append(out, fmt.Sprint(x))
		}
		return out
	}
	return nil
}

// Notifier fans terminal job updates out to every configured adapter.
type Notifier struct {
	adapters []Adapter
	log      logger.Logger
}

// New creates a Notifier. Nil adapters are skipped.
func New(log logger.Logger, adapters ...Adapter) *Notifier {
	if log == nil {
		log = logger.NewNop()
	}
	n := &Notifier{log: log}
	for _, a := range adapters {
		if a != nil {
			n.adapters = append(n.adapters, a)
		}
	}
	return n
}

// Adapters returns the names of the configured adapters, sorted.
func (n *Notifier) Adapters() []string {
	names := make([]string, 0, len(n.adapters))
	for _, a := range n.adapters {
		names = append(names, a.Name())
	}
	sort.Strings(names)
	return names
}

// Notify posts one update to every adapter. Adapter failures are joined.
func (n *Notifier) Notify(ctx context.Context, u status.Update) error {
	msg := Message{Events: []Event{FormatUpdate(u)}}
	var errs []error
	for _, a := range n.adapters {
		if err := a.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("notify: %s: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Run subscribes to every job on ch and posts terminal updates until ctx is
// cancelled. Send failures are logged and do not stop the loop.
func (n *Notifier) Run(ctx context.Context, ch status.Channel) error {
	if len(n.adapters) == 0 {
		<-ctx.Done()
		return nil
	}
	updates, cancel := ch.SubscribeAll(ctx)
	defer cancel()

	n.log.Info("Notifier started", logger.Strings("adapters", n.Adapters()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if !u.Terminal() {
				continue
			}
			if err := n.Notify(ctx, u); err != nil {
				n.log.Warn("Notification failed",
					logger.String("job_id", u.JobID),
					logger.Error(err),
				)
			}
		}
	}
}
