// Package filter selects delivery messages for inbox listings.
package filter

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dyluth/agentbus/pkg/delivery"
)

// Criteria selects messages from an agent's queue.
// All filters are ANDed together; zero values match everything.
type Criteria struct {
	Since      time.Time // created at or after
	Until      time.Time // created at or before
	TopicGlob  string    // glob on the topic; "session" matches session traffic
	From       string    // exact sender
	UnreadOnly bool      // neither read nor expired at now
}

// Validate checks that the topic pattern is well formed and the time window
// is not inverted.
func (c *Criteria) Validate() error {
	if c == nil {
		return nil
	}
	if _, err := filepath.Match(c.TopicGlob, ""); err != nil {
		return fmt.Errorf("invalid topic pattern %q: %w", c.TopicGlob, err)
	}
	if !c.Since.IsZero() && !c.Until.IsZero() && c.Until.Before(c.Since) {
		return fmt.Errorf("until (%s) is before since (%s)", c.Until.Format(time.RFC3339), c.Since.Format(time.RFC3339))
	}
	return nil
}

// Matches reports whether msg passes every criterion at now.
// A nil Criteria matches everything.
func (c *Criteria) Matches(msg *delivery.Message, now time.Time) bool {
	if c == nil {
		return true
	}
	if !c.Since.IsZero() && msg.CreatedAt.Before(c.Since) {
		return false
	}
	if !c.Until.IsZero() && msg.CreatedAt.After(c.Until) {
		return false
	}
	if c.TopicGlob != "" {
		topic := msg.Topic
		if topic == "" && msg.SessionID != "" {
			topic = "session"
		}
		matched, err := filepath.Match(c.TopicGlob, topic)
		if err != nil || !matched {
			return false
		}
	}
	if c.From != "" && msg.From != c.From {
		return false
	}
	if c.UnreadOnly && !msg.Unread(now) {
		return false
	}
	return true
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return c != nil && (!c.Since.IsZero() ||
		!c.Until.IsZero() ||
		c.TopicGlob != "" ||
		c.From != "" ||
		c.UnreadOnly)
}

// Apply returns the messages in msgs that match, keeping their order.
func (c *Criteria) Apply(msgs []*delivery.Message, now time.Time) []*delivery.Message {
	out := make([]*delivery.Message, 0, len(msgs))
	for _, msg := range msgs {
		if c.Matches(msg, now) {
			out = append(out, msg)
		}
	}
	return out
}
