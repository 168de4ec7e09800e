package bus

import (
	"context"
	"fmt"
	"sort"
)

// findingNotice is the packet body recorded when a finding is posted.
type findingNotice struct {
	FindingID  string  `cbor:"finding_id"`
	TaskID     string  `cbor:"task_id"`
	Confidence float64 `cbor:"confidence"`
}

// PostFinding validates and stores a finding, traces it with a packet carrying
// the finding's speech act, and publishes the id on FindingEventsChannel.
// Findings are never updated or deleted; they expire after TTLSeconds.
func (c *Client) PostFinding(ctx context.Context, f *Finding) error {
	if err := f.Validate(); err != nil {
		return err
	}

	hash, err := FindingToHash(f)
	if err != nil {
		return fmt.Errorf("failed to serialize finding: %w", err)
	}
	key := FindingKey(f.ID)
	if err := c.writeHash(ctx, key, hash, ttlSeconds(f.TTLSeconds, DefaultFindingTTLSeconds)); err != nil {
		return fmt.Errorf("failed to write finding to Redis: %w", err)
	}

	notice, err := CBORPayload(findingNotice{FindingID: f.ID, TaskID: f.TaskID, Confidence: f.Confidence})
	if err != nil {
		return err
	}
	c.trace(ctx, f.WorkerID, f.SpeechAct, key, "post_finding", notice)
	c.publishHint(ctx, FindingEventsChannel, f.ID)

	c.logger.Info().
		Str("event_type", "finding_posted").
		Str("finding_id", f.ID).
		Str("task_id", f.TaskID).
		Float64("confidence", f.Confidence).
		Msg("finding posted")
	return nil
}

// GetFinding retrieves a finding by ID.
// Returns (nil, nil) if the finding does not exist or has expired.
func (c *Client) GetFinding(ctx context.Context, findingID string) (*Finding, error) {
	hash, err := c.readHash(ctx, FindingKey(findingID))
	if err != nil {
		return nil, fmt.Errorf("failed to read finding from Redis: %w", err)
	}
	if hash == nil {
		return nil, nil
	}
	f, err := HashToFinding(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize finding: %w", err)
	}
	return f, nil
}

// ListFindings scans every finding and keeps those accepted by keep (nil keeps
// all). Results are ordered by timestamp, then id, so batch comparisons are
// deterministic.
func (c *Client) ListFindings(ctx context.Context, keep func(*Finding) bool) ([]*Finding, error) {
	keys, err := c.ScanKeys(ctx, FindingPattern)
	if err != nil {
		return nil, err
	}

	findings := make([]*Finding, 0, len(keys))
	for _, key := range keys {
		hash, err := c.readHash(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read finding from Redis: %w", err)
		}
		if hash == nil {
			continue
		}
		f, err := HashToFinding(hash)
		if err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("skipping malformed finding")
			continue
		}
		if keep == nil || keep(f) {
			findings = append(findings, f)
		}
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Timestamp.Equal(findings[j].Timestamp) {
			return findings[i].ID < findings[j].ID
		}
		return findings[i].Timestamp.Before(findings[j].Timestamp)
	})
	return findings, nil
}

// FindingsForTask returns every live finding posted against taskID.
func (c *Client) FindingsForTask(ctx context.Context, taskID string) ([]*Finding, error) {
	return c.ListFindings(ctx, func(f *Finding) bool {
		return f.TaskID == taskID
	})
}

// FindingsForTopic returns every live finding tagged with topic.
func (c *Client) FindingsForTopic(ctx context.Context, topic string) ([]*Finding, error) {
	return c.ListFindings(ctx, func(f *Finding) bool {
		for _, tag := range f.Tags {
			if tag == topic {
				return true
			}
		}
		return false
	})
}
