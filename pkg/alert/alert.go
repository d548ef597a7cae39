// Package alert delivers sync summaries to chat and webhook destinations.
package alert

import (
	"context"
	"errors"
	"fmt"
)

// Mover is a brand whose score changed during a sync.
type Mover struct {
	Name     string  `json:"name"`
	Keyword  string  `json:"keyword"`
	Previous float64 `json:"previous"`
	Current  float64 `json:"current"`
	Delta    float64 `json:"delta"`
}

// Notification is the data sent to alert destinations.
type Notification struct {
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Synced    int      `json:"synced"`
	Degraded  []string `json:"degraded,omitempty"`
	Spotlight []string `json:"spotlight,omitempty"`
	Movers    []Mover  `json:"movers,omitempty"`
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier) *Manager {
	return &Manager{notifiers: notifiers}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return len(m.notifiers) > 0
}

// Broadcast sends a notification to all registered notifiers.
// A failing notifier does not stop the others.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}
