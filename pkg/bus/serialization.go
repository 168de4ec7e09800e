package bus

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Scalar fields map onto individual hash fields so tooling can HGET them.
// Lists are JSON-encoded into a single field. Payloads take two fields: the
// content type and the raw bytes. Timestamps are RFC 3339 with nanoseconds in UTC.

// FormatTimestamp renders t for storage. The zero time renders as "".
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp reverses FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func payloadFromHash(hash map[string]string, field string) Payload {
	data := hash[field]
	ct := hash[field+"_type"]
	if data == "" && ct == "" {
		return Payload{}
	}
	return Payload{ContentType: ct, Data: []byte(data)}
}

func putPayload(hash map[string]interface{}, field string, p Payload) {
	hash[field+"_type"] = p.ContentType
	hash[field] = string(p.Data)
}

func decodeStrings(hash map[string]string, field string) ([]string, error) {
	var out []string
	if raw := hash[field]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", field, err)
		}
	}
	return nonNil(out), nil
}

func encodeStrings(s []string) (string, error) {
	data, err := json.Marshal(nonNil(s))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// TaskToHash converts a Task to a Redis hash.
func TaskToHash(t *Task) map[string]interface{} {
	hash := map[string]interface{}{
		"id":          t.ID,
		"description": t.Description,
		"type":        t.Type,
		"status":      string(t.Status),
		"assignee":    t.Assignee,
		"created_at":  FormatTimestamp(t.CreatedAt),
		"updated_at":  FormatTimestamp(t.UpdatedAt),
		"ttl_seconds": t.TTLSeconds,
	}
	putPayload(hash, "data", t.Data)
	return hash
}

// HashToTask converts a Redis hash to a Task.
func HashToTask(hash map[string]string) (*Task, error) {
	created, err := ParseTimestamp(hash["created_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid created_at field: %w", err)
	}
	updated, err := ParseTimestamp(hash["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid updated_at field: %w", err)
	}
	ttl, err := strconv.Atoi(hash["ttl_seconds"])
	if err != nil {
		return nil, fmt.Errorf("invalid ttl_seconds field: %w", err)
	}

	return &Task{
		ID:          hash["id"],
		Description: hash["description"],
		Data:        payloadFromHash(hash, "data"),
		Type:        hash["type"],
		Status:      TaskStatus(hash["status"]),
		Assignee:    hash["assignee"],
		CreatedAt:   created,
		UpdatedAt:   updated,
		TTLSeconds:  ttl,
	}, nil
}

// FindingToHash converts a Finding to a Redis hash.
// Citations and tags are JSON-encoded.
func FindingToHash(f *Finding) (map[string]interface{}, error) {
	citations, err := encodeStrings(f.Citations)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal citations: %w", err)
	}
	tags, err := encodeStrings(f.Tags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}

	return map[string]interface{}{
		"id":          f.ID,
		"claim":       f.Claim,
		"confidence":  strconv.FormatFloat(f.Confidence, 'g', -1, 64),
		"citations":   citations,
		"tags":        tags,
		"timestamp":   FormatTimestamp(f.Timestamp),
		"worker_id":   f.WorkerID,
		"task_id":     f.TaskID,
		"speech_act":  string(f.SpeechAct),
		"ttl_seconds": f.TTLSeconds,
	}, nil
}

// HashToFinding converts a Redis hash to a Finding.
func HashToFinding(hash map[string]string) (*Finding, error) {
	confidence, err := strconv.ParseFloat(hash["confidence"], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid confidence field: %w", err)
	}
	citations, err := decodeStrings(hash, "citations")
	if err != nil {
		return nil, err
	}
	tags, err := decodeStrings(hash, "tags")
	if err != nil {
		return nil, err
	}
	ts, err := ParseTimestamp(hash["timestamp"])
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp field: %w", err)
	}
	ttl, err := strconv.Atoi(hash["ttl_seconds"])
	if err != nil {
		return nil, fmt.Errorf("invalid ttl_seconds field: %w", err)
	}

	return &Finding{
		ID:         hash["id"],
		Claim:      hash["claim"],
		Confidence: confidence,
		Citations:  citations,
		Tags:       tags,
		Timestamp:  ts,
		WorkerID:   hash["worker_id"],
		TaskID:     hash["task_id"],
		SpeechAct:  SpeechAct(hash["speech_act"]),
		TTLSeconds: ttl,
	}, nil
}

// PacketToHash converts the packet envelope to a Redis hash. The custody chain
// is stored separately as a list; see CustodyToValues.
func PacketToHash(p *Packet) map[string]interface{} {
	hash := map[string]interface{}{
		"tracking_id":   p.TrackingID,
		"origin":        p.Origin,
		"dispatched_at": FormatTimestamp(p.DispatchedAt),
		"speech_act":    string(p.SpeechAct),
		"subject":       p.Subject,
		"digest":        p.Digest,
		"signer":        p.Signer,
		"signature":     p.Signature,
	}
	putPayload(hash, "contents", p.Contents)
	return hash
}

// HashToPacket rebuilds a packet from its envelope hash and custody list values.
func HashToPacket(hash map[string]string, custody []string) (*Packet, error) {
	dispatched, err := ParseTimestamp(hash["dispatched_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid dispatched_at field: %w", err)
	}
	chain, err := ValuesToCustody(custody)
	if err != nil {
		return nil, err
	}

	return &Packet{
		TrackingID:     hash["tracking_id"],
		Origin:         hash["origin"],
		DispatchedAt:   dispatched,
		SpeechAct:      SpeechAct(hash["speech_act"]),
		Subject:        hash["subject"],
		Contents:       payloadFromHash(hash, "contents"),
		ChainOfCustody: chain,
		Digest:         hash["digest"],
		Signer:         hash["signer"],
		Signature:      hash["signature"],
	}, nil
}

// CustodyToValues encodes custody entries as JSON list values, oldest first.
func CustodyToValues(chain []CustodyEntry) ([]interface{}, error) {
	values := make([]interface{}, 0, len(chain))
	for _, entry := range chain {
		data, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal custody entry: %w", err)
		}
		values = append(values, string(data))
	}
	return values, nil
}

// ValuesToCustody decodes a custody list read with LRANGE.
func ValuesToCustody(values []string) ([]CustodyEntry, error) {
	chain := make([]CustodyEntry, 0, len(values))
	for i, raw := range values {
		var entry CustodyEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal custody entry %d: %w", i, err)
		}
		entry.Timestamp = entry.Timestamp.UTC()
		chain = append(chain, entry)
	}
	return chain, nil
}

// ContextToHash converts a SharedContext to a Redis hash.
func ContextToHash(c *SharedContext) (map[string]interface{}, error) {
	timeline := c.Timeline
	if timeline == nil {
		timeline = []TimelineEntry{}
	}
	timelineJSON, err := json.Marshal(timeline)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal timeline: %w", err)
	}
	topics, err := encodeStrings(c.Topics)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal topics: %w", err)
	}

	hash := map[string]interface{}{
		"scope":      c.Scope,
		"name":       c.Name,
		"notes":      c.Notes,
		"timeline":   string(timelineJSON),
		"topics":     topics,
		"updated_at": FormatTimestamp(c.UpdatedAt),
	}
	putPayload(hash, "shared_data", c.SharedData)
	return hash, nil
}

// HashToContext converts a Redis hash to a SharedContext.
func HashToContext(hash map[string]string) (*SharedContext, error) {
	timeline := []TimelineEntry{}
	if raw := hash["timeline"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &timeline); err != nil {
			return nil, fmt.Errorf("failed to unmarshal timeline: %w", err)
		}
	}
	for i := range timeline {
		timeline[i].Timestamp = timeline[i].Timestamp.UTC()
	}
	topics, err := decodeStrings(hash, "topics")
	if err != nil {
		return nil, err
	}
	updated, err := ParseTimestamp(hash["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid updated_at field: %w", err)
	}

	return &SharedContext{
		Scope:      hash["scope"],
		Name:       hash["name"],
		Notes:      hash["notes"],
		Timeline:   timeline,
		Topics:     topics,
		SharedData: payloadFromHash(hash, "shared_data"),
		UpdatedAt:  updated,
	}, nil
}
