// Package notify pushes operator notifications for fleet events: a commit
// dead-lettering, a project finishing its batch.
package notify

import (
	"context"
	"log/slog"

	"github.com/scanfleet/scanfleet/internal/config"
)

// Event types.
const (
	EventCommitFailed = "commit_failed"
	EventProjectDone  = "project_done"
)

// Event is one notification.
type Event struct {
	Type    string
	Title   string
	Body    string
	URL     string // optional deep link
	Project string // project key
	Commit  string // commit sha, when the event concerns one commit
}

// Channel is implemented by each notification provider.
type Channel interface {
	Name() string
	IsConfigured() bool
	Send(ctx context.Context, evt Event) error
}

// Dispatcher fans out events to all configured channels.
type Dispatcher struct {
	channels []Channel
	events   map[string]bool
}

// defaultEvents trigger notifications when cfg.Events is empty.
var defaultEvents = map[string]bool{
	EventCommitFailed: true,
	EventProjectDone:  true,
}

// NewDispatcher creates a Dispatcher from the given config.
// Only channels with IsConfigured() == true are active.
func NewDispatcher(cfg config.NotifyConfig) *Dispatcher {
	d := &Dispatcher{}
	if len(cfg.Events) > 0 {
		d.events = make(map[string]bool, len(cfg.Events))
		for _, e := range cfg.Events {
			d.events[e] = true
		}
	} else {
		d.events = defaultEvents
	}

	for _, ch := range []Channel{NewSlack(cfg.Slack), NewWebhook(cfg.Webhook)} {
		if ch.IsConfigured() {
			d.channels = append(d.channels, ch)
		}
	}
	return d
}

// IsAnyConfigured returns true if at least one channel is ready to send.
func (d *Dispatcher) IsAnyConfigured() bool { return len(d.channels) > 0 }

// Notify sends evt to all configured channels. Errors are logged but never
// returned; notification failure must not disturb the job lifecycle.
func (d *Dispatcher) Notify(ctx context.Context, evt Event) {
	if len(d.events) > 0 && !d.events[evt.Type] {
		return
	}
	for _, ch := range d.channels {
		if err := ch.Send(ctx, evt); err != nil {
			slog.Warn("notify: channel send failed", "channel", ch.Name(), "event", evt.Type, "error", err)
		}
	}
}
