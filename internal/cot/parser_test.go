package cot

import (
	"strings"
	"testing"
)

func collect(p *Parser, deltas []string) []Chunk {
	var out []Chunk
	for _, d := range deltas {
		out = append(out, p.Feed(d)...)
	}
	out = append(out, p.Finish()...)
	return out
}

func splitChars(s string) []string {
	parts := make([]string, 0, len(s))
	for i := 0; i < len(s); i++ {
		parts = append(parts, s[i:i+1])
	}
	return parts
}

func joinedText(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text)
	}
	return b.String()
}

func actions(chunks []Chunk) []*Action {
	var out []*Action
	for _, c := range chunks {
		if c.Action != nil {
			out = append(out, c.Action)
		}
	}
	return out
}

func TestParserFencedActionCharByChar(t *testing.T) {
	stream := "Thought: look it up\nAction:\n```\n{\"action\": \"search\", \"action_input\": \"weather\"}\n```"
	chunks := collect(New(), splitChars(stream))

	acts := actions(chunks)
	if len(acts) != 1 {
		t.Fatalf("actions = %d, want 1", len(acts))
	}
	if acts[0].Name != "search" {
		t.Fatalf("action name = %q, want %q", acts[0].Name, "search")
	}
	if acts[0].Input != "weather" {
		t.Fatalf("action input = %v, want %q", acts[0].Input, "weather")
	}
	if got := strings.TrimSpace(joinedText(chunks)); got != "look it up" {
		t.Fatalf("text = %q, want %q", got, "look it up")
	}
}

func TestParserFencedActionWholeDelta(t *testing.T) {
	stream := "```json\n{\"action\": \"calc\", \"action_input\": {\"expr\": \"1+1\"}}\n```"
	chunks := collect(New(), []string{stream})

	acts := actions(chunks)
	if len(acts) != 1 {
		t.Fatalf("actions = %d, want 1", len(acts))
	}
	if acts[0].Name != "calc" {
		t.Fatalf("action name = %q, want %q", acts[0].Name, "calc")
	}
	input, ok := acts[0].Input.(map[string]any)
	if !ok {
		t.Fatalf("action input type = %T, want map", acts[0].Input)
	}
	if input["expr"] != "1+1" {
		t.Fatalf("input[expr] = %v, want %q", input["expr"], "1+1")
	}
}

func TestParserPlainTextPassthrough(t *testing.T) {
	stream := "The capital of France is Paris."
	chunks := collect(New(), splitChars(stream))

	if len(actions(chunks)) != 0 {
		t.Fatalf("actions on plain text, want none")
	}
	if got := joinedText(chunks); got != stream {
		t.Fatalf("text = %q, want %q", got, stream)
	}
}

func TestParserBareJSONAction(t *testing.T) {
	stream := `I will search. {"action_input": "tokyo weather", "action": "search"} Done.`
	chunks := collect(New(), splitChars(stream))

	acts := actions(chunks)
	if len(acts) != 1 {
		t.Fatalf("actions = %d, want 1", len(acts))
	}
	if acts[0].Name != "search" || acts[0].Input != "tokyo weather" {
		t.Fatalf("action = %q/%v, want search/tokyo weather", acts[0].Name, acts[0].Input)
	}
	if got := joinedText(chunks); got != "I will search.  Done." {
		t.Fatalf("text = %q, want %q", got, "I will search.  Done.")
	}
}

func TestParserMalformedJSONPassthrough(t *testing.T) {
	stream := `before {not json at all} after`
	chunks := collect(New(), splitChars(stream))

	if len(actions(chunks)) != 0 {
		t.Fatalf("actions on malformed span, want none")
	}
	if got := joinedText(chunks); got != stream {
		t.Fatalf("text = %q, want %q; malformed spans must never be dropped", got, stream)
	}
}

func TestParserUnterminatedJSONFlushedAtFinish(t *testing.T) {
	stream := `tail {"action": "search", "action_input"`
	chunks := collect(New(), splitChars(stream))

	if got := joinedText(chunks); got != stream {
		t.Fatalf("text = %q, want %q", got, stream)
	}
}

func TestParserBrokenKeywordPrefixReemitted(t *testing.T) {
	// "Activate" shares a prefix with "action:"; the buffered prefix must
	// come back out verbatim once the match breaks.
	stream := "Activate the plan"
	chunks := collect(New(), splitChars(stream))

	if got := joinedText(chunks); got != stream {
		t.Fatalf("text = %q, want %q", got, stream)
	}
}

func TestParserKeywordOnlyArmedAfterWhitespace(t *testing.T) {
	// Mid-word occurrences are not keyword starts.
	stream := "transaction: pending"
	chunks := collect(New(), splitChars(stream))

	if got := joinedText(chunks); got != stream {
		t.Fatalf("text = %q, want %q", got, stream)
	}
}

func TestParserKeywordCaseInsensitive(t *testing.T) {
	chunks := collect(New(), []string{"THOUGHT: hm\naCtIoN: none here"})
	got := joinedText(chunks)
	if strings.Contains(strings.ToLower(got), "thought:") || strings.Contains(strings.ToLower(got), "action:") {
		t.Fatalf("keyword markers leaked into text: %q", got)
	}
}

func TestParserKeyOrderIndependent(t *testing.T) {
	for _, span := range []string{
		`{"action": "search", "action_input": "x"}`,
		`{"action_input": "x", "action": "search"}`,
		`{"tool_input": "x", "tool": "search"}`,
	} {
		chunks := collect(New(), []string{span})
		acts := actions(chunks)
		if len(acts) != 1 {
			t.Fatalf("span %q: actions = %d, want 1", span, len(acts))
		}
		if acts[0].Name != "search" || acts[0].Input != "x" {
			t.Fatalf("span %q: action = %q/%v", span, acts[0].Name, acts[0].Input)
		}
	}
}

func TestParserJSONMissingHalfPassesThrough(t *testing.T) {
	for _, span := range []string{
		`{"action": "search"}`,
		`{"action_input": "x"}`,
	} {
		chunks := collect(New(), []string{span})
		if len(actions(chunks)) != 0 {
			t.Fatalf("span %q: parsed as action, want passthrough", span)
		}
		if got := joinedText(chunks); got != span {
			t.Fatalf("span %q: text = %q", span, got)
		}
	}
}

func TestParserEscapedBraceIsText(t *testing.T) {
	stream := `literal \{ brace`
	chunks := collect(New(), splitChars(stream))
	if got := joinedText(chunks); got != stream {
		t.Fatalf("text = %q, want %q", got, stream)
	}
}

func TestParserFinishTerminates(t *testing.T) {
	p := New()
	p.Feed("hello")
	p.Finish()
	if got := p.Feed("more"); got != nil {
		t.Fatalf("Feed after Finish = %v, want nil", got)
	}
	if got := p.Finish(); got != nil {
		t.Fatalf("second Finish = %v, want nil", got)
	}
}

func TestParserNestedActionInput(t *testing.T) {
	stream := `{"action": "query", "action_input": {"filters": {"lang": "en"}}}`
	chunks := collect(New(), splitChars(stream))
	acts := actions(chunks)
	if len(acts) != 1 {
		t.Fatalf("actions = %d, want 1", len(acts))
	}
	input, ok := acts[0].Input.(map[string]any)
	if !ok {
		t.Fatalf("input type = %T, want map", acts[0].Input)
	}
	filters, ok := input["filters"].(map[string]any)
	if !ok || filters["lang"] != "en" {
		t.Fatalf("nested input = %v", input)
	}
}
