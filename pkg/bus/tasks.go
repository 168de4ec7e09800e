package bus

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// claimScript is the atomic check-then-set behind ClaimTask. A read followed by
// a separate write would let two agents both observe "unassigned" and both
// claim; this runs as one server-side step.
//
//	KEYS[1]  task key
//	ARGV[1]  assignee
//	ARGV[2]  status to set
//	ARGV[3]  updated_at
//	ARGV[4..] terminal statuses
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local assignee = redis.call('HGET', KEYS[1], 'assignee')
if assignee and assignee ~= '' then
  return 0
end
local status = redis.call('HGET', KEYS[1], 'status')
for i = 4, #ARGV do
  if status == ARGV[i] then
    return 0
  end
end
redis.call('HSET', KEYS[1], 'assignee', ARGV[1], 'status', ARGV[2], 'updated_at', ARGV[3])
return 1
`)

// releaseScript clears the assignee and returns the task to PENDING.
//
//	KEYS[1]  task key
//	ARGV[1]  releasing agent ("" releases regardless of holder)
//	ARGV[2]  pending status
//	ARGV[3]  updated_at
//	ARGV[4..] terminal statuses
var releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local assignee = redis.call('HGET', KEYS[1], 'assignee') or ''
if ARGV[1] ~= '' and assignee ~= '' and assignee ~= ARGV[1] then
  return 0
end
local status = redis.call('HGET', KEYS[1], 'status')
for i = 4, #ARGV do
  if status == ARGV[i] then
    return 0
  end
end
redis.call('HSET', KEYS[1], 'assignee', '', 'status', ARGV[2], 'updated_at', ARGV[3])
return 1
`)

// statusScript lets the current assignee move a task it holds to a new status.
//
//	KEYS[1]  task key
//	ARGV[1]  agent (must equal the assignee)
//	ARGV[2]  new status
//	ARGV[3]  updated_at
//	ARGV[4..] terminal statuses
var statusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local assignee = redis.call('HGET', KEYS[1], 'assignee') or ''
if assignee ~= ARGV[1] then
  return 0
end
local status = redis.call('HGET', KEYS[1], 'status')
for i = 4, #ARGV do
  if status == ARGV[i] then
    return 0
  end
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated_at', ARGV[3])
return 1
`)

// CreateTask writes a new task and traces it with a REQUEST packet.
// The task key expires after TTLSeconds.
func (c *Client) CreateTask(ctx context.Context, origin string, t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if origin == "" {
		return &ValidationError{Entity: "task", Field: "origin", Reason: "cannot be empty"}
	}

	key := TaskKey(t.ID)
	if err := c.writeHash(ctx, key, TaskToHash(t), ttlSeconds(t.TTLSeconds, DefaultTaskTTLSeconds)); err != nil {
		return fmt.Errorf("failed to write task to Redis: %w", err)
	}

	c.trace(ctx, origin, SpeechActRequest, key, "create", t.Data)
	c.publishHint(ctx, TaskEventsChannel, "create:"+t.ID)
	return nil
}

// GetTask retrieves a task by ID.
// Returns (nil, nil) if the task does not exist.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	hash, err := c.readHash(ctx, TaskKey(taskID))
	if err != nil {
		return nil, fmt.Errorf("failed to read task from Redis: %w", err)
	}
	if hash == nil {
		return nil, nil
	}
	t, err := HashToTask(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize task: %w", err)
	}
	return t, nil
}

// ClaimTask assigns the task to assignee if nobody holds it and it is not in a
// terminal state. Returns false, without mutating anything, when the task is
// absent, already assigned or terminal. On success the task is IN_PROGRESS and
// a claim packet records the action.
func (c *Client) ClaimTask(ctx context.Context, taskID, assignee string) (bool, error) {
	if assignee == "" {
		return false, &ValidationError{Entity: "task", Field: "assignee", Reason: "cannot be empty"}
	}

	res, err := c.runTaskScript(ctx, claimScript, taskID, assignee, TaskStatusInProgress)
	if err != nil {
		return false, fmt.Errorf("failed to claim task: %w", err)
	}
	if res != 1 {
		c.logger.Debug().Str("task_id", taskID).Str("agent", assignee).Int64("result", res).Msg("claim refused")
		return false, nil
	}

	c.logger.Info().Str("event_type", "task_claimed").Str("task_id", taskID).Str("agent", assignee).Msg("task claimed")
	c.trace(ctx, assignee, SpeechActInform, TaskKey(taskID), "claim", Payload{})
	c.publishHint(ctx, TaskEventsChannel, "claim:"+taskID)
	return true, nil
}

// ReleaseTask clears the assignee and returns the task to PENDING.
// Returns false if the task is absent, terminal, or held by an agent other than
// agentID. An empty agentID releases whoever holds the task.
func (c *Client) ReleaseTask(ctx context.Context, taskID, agentID string) (bool, error) {
	res, err := c.runTaskScript(ctx, releaseScript, taskID, agentID, TaskStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to release task: %w", err)
	}
	if res != 1 {
		return false, nil
	}

	origin := agentID
	if origin == "" {
		origin = "system"
	}
	c.logger.Info().Str("event_type", "task_released").Str("task_id", taskID).Str("agent", origin).Msg("task released")
	c.trace(ctx, origin, SpeechActInform, TaskKey(taskID), "release", Payload{})
	c.publishHint(ctx, TaskEventsChannel, "release:"+taskID)
	return true, nil
}

// UpdateTaskStatus lets the assignee report progress: NEEDS_ASSIST, COMPLETED,
// FAILED or BLOCKED. Returns false when the task is absent, already terminal or
// held by someone else. NEEDS_ASSIST is traced as an ESCALATE packet.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, agentID string, status TaskStatus) (bool, error) {
	if err := status.Validate(); err != nil {
		return false, &ValidationError{Entity: "task", Field: "status", Reason: err.Error()}
	}
	if status == TaskStatusPending || status == TaskStatusInProgress {
		return false, &ValidationError{Entity: "task", Field: "status", Reason: "use ClaimTask or ReleaseTask for " + string(status)}
	}
	if agentID == "" {
		return false, &ValidationError{Entity: "task", Field: "agent", Reason: "cannot be empty"}
	}

	res, err := c.runTaskScript(ctx, statusScript, taskID, agentID, status)
	if err != nil {
		return false, fmt.Errorf("failed to update task status: %w", err)
	}
	if res != 1 {
		return false, nil
	}

	act := SpeechActInform
	if status == TaskStatusNeedsAssist {
		act = SpeechActEscalate
	}
	c.trace(ctx, agentID, act, TaskKey(taskID), "status:"+string(status), Payload{})
	c.publishHint(ctx, TaskEventsChannel, "status:"+taskID)
	return true, nil
}

// ListTasks scans every task on the bus, oldest first.
// Tasks that fail to deserialize are skipped with a warning.
func (c *Client) ListTasks(ctx context.Context) ([]*Task, error) {
	keys, err := c.ScanKeys(ctx, TaskPattern)
	if err != nil {
		return nil, err
	}

	tasks := make([]*Task, 0, len(keys))
	for _, key := range keys {
		hash, err := c.readHash(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read task from Redis: %w", err)
		}
		if hash == nil {
			continue // expired between SCAN and HGETALL
		}
		t, err := HashToTask(hash)
		if err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("skipping malformed task")
			continue
		}
		tasks = append(tasks, t)
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// GetUnassignedTask returns the oldest PENDING task with no assignee, by
// created_at over a full scan. Returns (nil, nil) when there is none.
// The result is a snapshot: callers must still ClaimTask and handle false.
func (c *Client) GetUnassignedTask(ctx context.Context) (*Task, error) {
	tasks, err := c.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Status == TaskStatusPending && t.Assignee == "" {
			return t, nil
		}
	}
	return nil, nil
}

func (c *Client) runTaskScript(ctx context.Context, script *redis.Script, taskID, agentID string, status TaskStatus) (int64, error) {
	args := []interface{}{agentID, string(status), FormatTimestamp(c.now())}
	for _, s := range terminalTaskStatuses {
		args = append(args, string(s))
	}
	return script.Run(ctx, c.rdb, []string{TaskKey(taskID)}, args...).Int64()
}
