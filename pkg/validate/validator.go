// Package validate implements the weight-based tool-call sequence
// validator that repairs canonical message histories in which a
// tool-invoking assistant message is not immediately followed by all of
// its matching tool-result messages — the universal wire-format
// precondition every upstream LLM backend enforces.
package validate

import (
	"log/slog"

	"github.com/win30221/oca-gateway/pkg/canonical"
)

// weight computes w(m) per the algorithm: 0 for User/System/plain
// Assistant, n>0 for an Assistant carrying n tool calls, -1 for a
// ToolResult.
func weight(m canonical.Message) int {
	switch m.Role {
	case canonical.RoleToolResult:
		return -1
	case canonical.RoleAssistant:
		if n := len(m.ToolCalls); n > 0 {
			return n
		}
		return 0
	default:
		return 0
	}
}

// Validate repairs a canonical message sequence so that every tool call
// is immediately followed by its matching tool result (modulo necessary
// surgery), every tool result answers a pending call, and no assistant
// message is left with unresolved calls once a non-tool-result message
// interrupts it.
//
// The algorithm is single-pass and order-preserving modulo necessary
// surgery: it never reorders two clean messages, it only drops orphaned
// tool results, trims unmatched tool calls, and delays the first
// interruption of a collection phase by exactly the length of the
// repaired group. Repairs are never fatal — invalid input is always
// repairable — so this never returns an error.
func Validate(seq canonical.Sequence) canonical.Sequence {
	remaining := seq.Clone()
	valid := make(canonical.Sequence, 0, len(remaining))

	for len(remaining) > 0 {
		m := remaining[0]
		remaining = remaining[1:]
		w := weight(m)

		switch {
		case w == 0:
			valid = append(valid, m)

		case w < 0:
			slog.Info("validate: discarding orphaned tool result", "tool_call_id", m.ToolCallID)

		default:
			group, delayed, rest := collect(m, remaining)
			remaining = rest
			valid = append(valid, group...)
			if len(delayed) > 0 {
				remaining = append(append(canonical.Sequence(nil), delayed...), remaining...)
			}
		}
	}

	return valid
}

// collect runs the collection phase opened by an Assistant-with-tool-calls
// message m: it consumes tool results matching m's pending ids out of
// remaining (out-of-order matches within the group are permitted), and
// stops at the first non-tool-result message, which it returns as the
// single delayed interruption. It returns the repaired group (ready to
// append to valid), the delayed messages (to be re-queued at the front of
// remaining), and what is left of remaining after consumption.
func collect(m canonical.Message, remaining canonical.Sequence) (group, delayed, rest canonical.Sequence) {
	pending := make(map[string]struct{}, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		pending[tc.ID] = struct{}{}
	}

	group = canonical.Sequence{m}

	i := 0
	for len(pending) > 0 && i < len(remaining) {
		n := remaining[i]
		if weight(n) < 0 {
			i++
			if _, ok := pending[n.ToolCallID]; ok {
				group = append(group, n)
				delete(pending, n.ToolCallID)
			} else {
				slog.Info("validate: discarding non-matching tool result in group", "tool_call_id", n.ToolCallID)
			}
			continue
		}

		// Interruption: consume it into delayed and stop collecting.
		delayed = canonical.Sequence{n}
		i++
		break
	}

	rest = remaining[i:]

	if len(pending) == 0 {
		return group, delayed, rest
	}

	// Partial resolution: trim the opener's tool calls to only those
	// resolved, or demote to plain text if none resolved at all.
	opener := group[0]
	var kept []canonical.ToolCall
	for _, tc := range opener.ToolCalls {
		if _, unresolved := pending[tc.ID]; !unresolved {
			kept = append(kept, tc)
		}
	}

	if len(kept) == 0 {
		slog.Info("validate: all tool calls unresolved, demoting to plain assistant message", "text_len", len(opener.Text))
		group[0] = canonical.NewAssistantText(opener.Text)
	} else {
		slog.Info("validate: trimming unresolved tool calls from assistant message", "unresolved", len(pending), "kept", len(kept))
		group[0] = canonical.NewAssistantToolCalls(opener.Text, kept)
	}

	return group, delayed, rest
}
