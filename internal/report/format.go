// Package report renders bus entities for busd as tables or JSON lines.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/agentbus/pkg/bus"
	"github.com/dyluth/agentbus/pkg/conflict"
	"github.com/dyluth/agentbus/pkg/delivery"
)

// Tasks writes tasks as a table and returns how many were written.
func Tasks(w io.Writer, tasks []*bus.Task, now time.Time) int {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks found")
		return 0
	}

	row := "%-10s %-12s %-14s %-16s %-8s %s\n"
	fmt.Fprintf(w, row, "ID", "STATUS", "TYPE", "ASSIGNEE", "AGE", "DESCRIPTION")
	fmt.Fprintf(w, row, "----------", "------------", "--------------", "----------------", "--------", "----------------------------------------")
	for _, t := range tasks {
		fmt.Fprintf(w, row,
			shortID(t.ID),
			t.Status,
			orDash(t.Type),
			orDash(t.Assignee),
			age(t.CreatedAt, now),
			firstLine(t.Description),
		)
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(tasks), plural(len(tasks), "task"))
	return len(tasks)
}

// Findings writes findings as a table and returns how many were written.
func Findings(w io.Writer, findings []*bus.Finding, now time.Time) int {
	if len(findings) == 0 {
		fmt.Fprintln(w, "No findings found")
		return 0
	}

	row := "%-10s %-5s %-10s %-16s %-8s %s\n"
	fmt.Fprintf(w, row, "ID", "CONF", "TASK", "WORKER", "AGE", "CLAIM")
	fmt.Fprintf(w, row, "----------", "-----", "----------", "----------------", "--------", "----------------------------------------")
	for _, f := range findings {
		fmt.Fprintf(w, row,
			shortID(f.ID),
			fmt.Sprintf("%.2f", f.Confidence),
			orDash(shortID(f.TaskID)),
			orDash(f.WorkerID),
			age(f.Timestamp, now),
			firstLine(f.Claim),
		)
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(findings), plural(len(findings), "finding"))
	return len(findings)
}

// Conflicts writes conflict pairs as a review table. Level and status are
// passed through colour so the caller decides on styling.
func Conflicts(w io.Writer, pairs []*conflict.Pair, now time.Time, colour func(kind, value string) string) int {
	if len(pairs) == 0 {
		fmt.Fprintln(w, "Review queue is empty")
		return 0
	}
	if colour == nil {
		colour = func(_, v string) string { return v }
	}

	row := "%-10s %-8s %-15s %-6s %-20s %-8s %s\n"
	fmt.Fprintf(w, row, "ID", "LEVEL", "STATUS", "DELTA", "CLUSTER", "AGE", "FINDINGS")
	fmt.Fprintf(w, row, "----------", "--------", "---------------", "------", "--------------------", "--------", "---------------------")
	for _, p := range pairs {
		fmt.Fprintf(w, row,
			shortID(p.ID),
			colour("level", string(p.Level)),
			colour("status", string(p.Status)),
			fmt.Sprintf("%.2f", p.ConfidenceDelta),
			truncate(p.TopicCluster, 20),
			age(p.CreatedAt, now),
			shortID(p.Finding1)+" vs "+shortID(p.Finding2),
		)
	}
	fmt.Fprintf(w, "\n%d %s\n", len(pairs), plural(len(pairs), "conflict"))
	return len(pairs)
}

// Messages writes a delivery queue as a table.
func Messages(w io.Writer, msgs []*delivery.Message, now time.Time) int {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages")
		return 0
	}

	row := "%-10s %-16s %-12s %-10s %-4s %-8s %s\n"
	fmt.Fprintf(w, row, "ID", "FROM", "TOPIC", "STATUS", "TRY", "AGE", "CONTENT")
	fmt.Fprintf(w, row, "----------", "----------------", "------------", "----------", "----", "--------", "----------------------------------------")
	for _, m := range msgs {
		topic := m.Topic
		if topic == "" && m.SessionID != "" {
			topic = "session"
		}
		fmt.Fprintf(w, row,
			shortID(m.ID),
			m.From,
			orDash(topic),
			m.Status,
			fmt.Sprint(m.Attempts),
			age(m.CreatedAt, now),
			firstLine(m.Content.Text()),
		)
	}
	return len(msgs)
}

// Metrics writes a daily conflict summary.
func Metrics(w io.Writer, m *conflict.Metrics) {
	fmt.Fprintf(w, "Conflict metrics for %s\n\n", m.Date)
	fmt.Fprintf(w, "  Total:     %d\n", m.Total)
	fmt.Fprintf(w, "  Resolved:  %d\n", m.Resolved)
	if m.Resolved > 0 {
		fmt.Fprintf(w, "  Resolution minutes: avg %.1f, min %.1f, max %.1f\n",
			m.AvgResolution, m.MinResolution, m.MaxResolution)
	}

	if m.Total > 0 {
		fmt.Fprintf(w, "\n  By level:\n")
		for _, l := range conflict.Levels {
			if n := m.ByLevel[l]; n > 0 {
				fmt.Fprintf(w, "    %-9s %d\n", l, n)
			}
		}
		fmt.Fprintf(w, "\n  By status:\n")
		for _, s := range sortedKeys(m.ByStatus) {
			fmt.Fprintf(w, "    %-16s %d\n", s, m.ByStatus[conflict.Status(s)])
		}
	}
	if len(m.Decisions) > 0 {
		fmt.Fprintf(w, "\n  Decisions:\n")
		for _, d := range sortedKeys(m.Decisions) {
			fmt.Fprintf(w, "    %-9s %d\n", d, m.Decisions[conflict.Decision(d)])
		}
	}
	if len(m.TopicClusters) > 0 {
		fmt.Fprintf(w, "\n  Topic clusters: %s\n", strings.Join(m.TopicClusters, ", "))
	}
}

// JSONL writes each item as one compact JSON object per line.
func JSONL[T any](w io.Writer, items []T) error {
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// JSON writes v as indented JSON followed by a newline.
func JSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	return nil
}

func sortedKeys[K ~string, V any](m map[K]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}

// shortID keeps the first 8 characters of an id.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if s == "" {
		return "-"
	}
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

// firstLine returns the first non-blank line, cut to 40 characters.
func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return truncate(trimmed, 40)
		}
	}
	return "-"
}

// age renders the time since t relative to now, e.g. "2m ago".
func age(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	diff := now.Sub(t)
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}

func plural(n int, noun string) string {
	if n == 1 {
		return noun
	}
	return noun + "s"
}
