// Package bus provides the data model, Redis schema and client for the agent
// coordination bus.
//
// # Overview
//
// Many independent agent processes coordinate through one shared Redis store.
// The store is the only source of truth; nothing in this package keeps state
// between calls beyond the connection pool. Agents hold an explicit *Client and
// pass it to the components layered above it (conflict detection, delivery,
// speech-act sessions).
//
// # Core Concepts
//
// Packets are envelopes recorded alongside every bus write. A packet carries
// the origin agent, a speech act (INFORM, REQUEST, ESCALATE, HOLD), a typed
// Payload and an append-only chain of custody.
//
// Tasks move through a claim/release lifecycle. ClaimTask is a single Lua
// script, so concurrent claims on one task produce exactly one winner.
//
// Findings are immutable claims about the world with a confidence in [0, 1],
// citations and topic tags. Constructing a finding outside that range fails.
//
// Shared contexts are last-write-wins scratch space keyed by (scope, name).
//
// # Return conventions
//
// Getters return (nil, nil) when the key is absent. Mutators return false, nil
// when a precondition fails (task already claimed, session not in the expected
// state). Errors are reserved for validation failures (*ValidationError) and
// store failures, which are returned to the caller wrapped with %w.
//
// # Redis Schema
//
//	task:{id}                  hash
//	finding:{id}               hash
//	context:{scope}:{name}     hash
//	packet:{id}                hash
//	packet:{id}:custody        list
//
// The conflict, session and delivery keys used by the packages built on this
// one are defined in schema.go so that every key name lives in one place.
//
// # Usage Example
//
//	client, err := bus.NewClient(&redis.Options{Addr: "localhost:6379"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	task, _ := bus.NewTask(bus.TaskParams{Type: "research", Description: "survey caches"})
//	if err := client.CreateTask(ctx, "planner", task); err != nil {
//		log.Fatal(err)
//	}
//
//	ok, err := client.ClaimTask(ctx, task.ID, "worker-1")
//	// ok == false means another agent got there first
package bus
