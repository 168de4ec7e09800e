// Package cluster decides whether two findings talk about the same topic and
// assigns findings a stable topic label. It is pure: nothing here touches the
// store, so the conflict detector can call it freely inside pairwise loops.
package cluster

import (
	"fmt"
	"strings"

	"github.com/dyluth/agentbus/pkg/bus"
)

// DefaultThreshold is the similarity at or above which two findings share a topic.
const DefaultThreshold = 0.6

// Strategy names the rule that matched two findings.
type Strategy string

const (
	StrategyNone    Strategy = ""
	StrategyTask    Strategy = "task"
	StrategyTags    Strategy = "tags"
	StrategyKeyword Strategy = "keyword"
	StrategyCosine  Strategy = "cosine"
)

// Label fallbacks.
const (
	Unclustered = "unclustered"

	taskLabelPrefix    = "task:"
	topicLabelPrefix   = "topic:"
	keywordLabelPrefix = "keyword:"
)

// Clusterer applies the topic rules with a single similarity threshold.
type Clusterer struct {
	threshold float64
}

// Option customizes a Clusterer.
type Option func(*Clusterer)

// WithThreshold overrides DefaultThreshold.
func WithThreshold(t float64) Option {
	return func(c *Clusterer) {
		c.threshold = t
	}
}

// New creates a Clusterer. The threshold must lie in (0, 1].
func New(opts ...Option) (*Clusterer, error) {
	c := &Clusterer{threshold: DefaultThreshold}
	for _, opt := range opts {
		opt(c)
	}
	if c.threshold <= 0 || c.threshold > 1 {
		return nil, fmt.Errorf("similarity threshold must be in (0, 1], got %v", c.threshold)
	}
	return c, nil
}

// Threshold returns the configured similarity threshold.
func (c *Clusterer) Threshold() float64 {
	return c.threshold
}

// Match reports which rule, if any, puts a and b in the same topic. Rules are
// tried in priority order and the first that passes wins:
//
//  1. both findings name the same non-empty task
//  2. tag Jaccard similarity
//  3. keyword Jaccard similarity over the claims
//  4. term-frequency cosine similarity over the claims
//
// Every rule is symmetric, so Match(a, b) == Match(b, a).
func (c *Clusterer) Match(a, b *bus.Finding) Strategy {
	if a == nil || b == nil {
		return StrategyNone
	}
	if a.TaskID != "" && a.TaskID == b.TaskID {
		return StrategyTask
	}
	if Jaccard(a.Tags, b.Tags) >= c.threshold {
		return StrategyTags
	}
	tokA := Tokens(a.Claim)
	tokB := Tokens(b.Claim)
	if Jaccard(tokA, tokB) >= c.threshold {
		return StrategyKeyword
	}
	if Cosine(tokA, tokB) >= c.threshold {
		return StrategyCosine
	}
	return StrategyNone
}

// SameTopic reports whether any rule matches.
func (c *Clusterer) SameTopic(a, b *bus.Finding) bool {
	return c.Match(a, b) != StrategyNone
}

// Label returns the finding's topic label: task:<id>, then topic:<first tag>,
// then keyword:<first keyword>, else "unclustered".
func Label(f *bus.Finding) string {
	if f == nil {
		return Unclustered
	}
	if f.TaskID != "" {
		return taskLabelPrefix + f.TaskID
	}
	for _, tag := range f.Tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			return topicLabelPrefix + tag
		}
	}
	if kw := Keywords(f.Claim); len(kw) > 0 {
		return keywordLabelPrefix + kw[0]
	}
	return Unclustered
}

// SharedLabel picks the topic label for a pair. The two labels are ranked by
// kind (task, topic, keyword, unclustered) and then lexically, so the result
// does not depend on argument order.
func SharedLabel(a, b *bus.Finding) string {
	la, lb := Label(a), Label(b)
	ra, rb := labelRank(la), labelRank(lb)
	switch {
	case ra < rb:
		return la
	case rb < ra:
		return lb
	case la <= lb:
		return la
	default:
		return lb
	}
}

func labelRank(label string) int {
	switch {
	case strings.HasPrefix(label, taskLabelPrefix):
		return 0
	case strings.HasPrefix(label, topicLabelPrefix):
		return 1
	case strings.HasPrefix(label, keywordLabelPrefix):
		return 2
	default:
		return 3
	}
}
