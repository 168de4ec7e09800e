package bus

// Redis key pattern helpers
//
// Key names are part of the public contract: operators and external tooling
// read the store directly, so these patterns must not change.
//
//	task:{id}                        hash
//	finding:{id}                     hash
//	context:{scope}:{name}           hash
//	packet:{id}                      hash, packet:{id}:custody list
//	conflict:{id}                    hash
//	conflict:queue:{level}           list of conflict ids
//	conflict:history:{date}          list of JSON decisions
//	conflict:metrics:{date}          hash
//	session:{id}                     hash (speech-act sessions)
//	comms:sessions:{id}              hash (delivery-layer sessions)
//	comms:messages:{agent_id}        list of JSON messages
//	comms:subscriptions:{agent_id}   hash topic -> subscribed_at
//	comms:topic_subscribers:{topic}  set of agent ids
//	comms:retry                      list of JSON retry entries

const (
	taskPrefix     = "task:"
	findingPrefix  = "finding:"
	contextPrefix  = "context:"
	packetPrefix   = "packet:"
	conflictPrefix = "conflict:"
	sessionPrefix  = "session:"
)

// TaskKey returns the Redis key for a task.
func TaskKey(taskID string) string { return taskPrefix + taskID }

// TaskPattern matches every task key.
const TaskPattern = taskPrefix + "*"

// FindingKey returns the Redis key for a finding.
func FindingKey(findingID string) string { return findingPrefix + findingID }

// FindingPattern matches every finding key.
const FindingPattern = findingPrefix + "*"

// ContextKey returns the Redis key for a shared context.
// Pattern: context:{scope}:{name}
func ContextKey(scope, name string) string { return contextPrefix + scope + ":" + name }

// PacketKey returns the Redis key for a packet envelope.
func PacketKey(trackingID string) string { return packetPrefix + trackingID }

// PacketCustodyKey returns the Redis key for a packet's custody chain list.
func PacketCustodyKey(trackingID string) string { return packetPrefix + trackingID + ":custody" }

// ConflictKey returns the Redis key for a conflict pair.
func ConflictKey(conflictID string) string { return conflictPrefix + conflictID }

// ConflictPattern matches conflict keys together with the queue, history and
// metrics keys that share the prefix; use ConflictIDFromKey to tell them apart.
const ConflictPattern = conflictPrefix + "*"

// ConflictIDFromKey extracts the id from a conflict:{id} key. It returns false
// for conflict:queue:*, conflict:history:* and conflict:metrics:* keys.
func ConflictIDFromKey(key string) (string, bool) {
	if len(key) <= len(conflictPrefix) || key[:len(conflictPrefix)] != conflictPrefix {
		return "", false
	}
	id := key[len(conflictPrefix):]
	for i := 0; i < len(id); i++ {
		if id[i] == ':' {
			return "", false
		}
	}
	return id, true
}

// ConflictQueueKey returns the review queue key for a severity level.
// Pattern: conflict:queue:{level}
func ConflictQueueKey(level string) string { return conflictPrefix + "queue:" + level }

// ConflictHistoryKey returns the decision history key for a date (YYYY-MM-DD).
func ConflictHistoryKey(date string) string { return conflictPrefix + "history:" + date }

// ConflictMetricsKey returns the cached metrics key for a date (YYYY-MM-DD).
func ConflictMetricsKey(date string) string { return conflictPrefix + "metrics:" + date }

// SessionKey returns the Redis key for a speech-act session.
func SessionKey(sessionID string) string { return sessionPrefix + sessionID }

// CommsSessionKey returns the Redis key for a delivery-layer session.
// These are a different concept from SessionKey and must not share keys.
func CommsSessionKey(sessionID string) string { return "comms:sessions:" + sessionID }

// CommsMessagesKey returns the message queue key for an agent.
func CommsMessagesKey(agentID string) string { return "comms:messages:" + agentID }

// CommsSubscriptionsKey returns the subscription hash key for an agent.
func CommsSubscriptionsKey(agentID string) string { return "comms:subscriptions:" + agentID }

// CommsTopicSubscribersKey returns the subscriber set key for a topic.
func CommsTopicSubscribersKey(topic string) string { return "comms:topic_subscribers:" + topic }

// CommsRetryQueueKey is the shared delivery retry queue.
const CommsRetryQueueKey = "comms:retry"

// FindingEventsChannel carries the id of every posted finding.
const FindingEventsChannel = "bus:findings"

// TaskEventsChannel carries "{action}:{task_id}" for task lifecycle changes.
const TaskEventsChannel = "bus:tasks"

// AgentNotifyChannel returns the wake-up channel for an agent. Messages on it
// are hints to check the persisted queue, never the delivery itself.
func AgentNotifyChannel(agentID string) string { return "comms:notify:" + agentID }
