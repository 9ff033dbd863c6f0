// Package cot incrementally parses Chain-of-Thought/ReAct model output into
// passthrough text and structured tool actions.
package cot

import (
	"encoding/json"
	"strings"
)

// Action is a parsed tool invocation.
type Action struct {
	Name  string
	Input any
}

// Chunk is one parser output item: passthrough text, or a parsed action.
type Chunk struct {
	Text   string
	Action *Action
}

var keywords = []string{"action:", "thought:"}

// Parser consumes raw token deltas one call at a time and emits chunks as
// soon as they are decidable. One parser serves exactly one response stream;
// it is not restartable.
type Parser struct {
	ticks   int
	inCode  bool
	codeBuf strings.Builder

	kwBuf    []byte
	lastChar byte

	inJSON  bool
	depth   int
	jsonBuf strings.Builder

	finished bool
}

func New() *Parser { return &Parser{} }

// Feed scans one delta and returns everything decidable so far.
func (p *Parser) Feed(delta string) []Chunk {
	if p.finished || delta == "" {
		return nil
	}

	var out []Chunk
	var text strings.Builder
	flushText := func() {
		if text.Len() > 0 {
			out = append(out, Chunk{Text: text.String()})
			text.Reset()
		}
	}

	for i := 0; i < len(delta); i++ {
		c := delta[i]

		// Code-fence scanner: backticks are counted, never emitted. The third
		// consecutive backtick toggles the code block.
		if c == '`' && !p.inJSON {
			if len(p.kwBuf) > 0 {
				text.Write(p.kwBuf)
				p.kwBuf = nil
			}
			p.ticks++
			if p.ticks == 3 {
				p.ticks = 0
				p.inCode = !p.inCode
				if !p.inCode {
					flushText()
					out = append(out, extractCodeBlock(p.codeBuf.String())...)
					p.codeBuf.Reset()
				}
			}
			p.lastChar = c
			continue
		}
		p.ticks = 0

		if p.inCode {
			p.codeBuf.WriteByte(c)
			p.lastChar = c
			continue
		}

		if p.inJSON {
			p.jsonBuf.WriteByte(c)
			switch c {
			case '{':
				p.depth++
			case '}':
				p.depth--
				if p.depth == 0 {
					p.inJSON = false
					span := p.jsonBuf.String()
					p.jsonBuf.Reset()
					flushText()
					out = append(out, parseActionSpan(span))
				}
			}
			p.lastChar = c
			continue
		}

		// Keyword matchers: armed only after whitespace/start-of-stream. A
		// broken partial match re-emits its buffered prefix verbatim.
		if len(p.kwBuf) > 0 {
			cand := append(append([]byte(nil), p.kwBuf...), c)
			if matchesKeywordPrefix(cand) {
				p.kwBuf = cand
				if isFullKeyword(cand) {
					p.kwBuf = nil
				}
				p.lastChar = c
				continue
			}
			text.Write(p.kwBuf)
			p.kwBuf = nil
		}
		if p.armable() && matchesKeywordPrefix([]byte{c}) {
			p.kwBuf = []byte{c}
			p.lastChar = c
			continue
		}

		if c == '{' && p.lastChar != '\\' {
			p.inJSON = true
			p.depth = 1
			p.jsonBuf.Reset()
			p.jsonBuf.WriteByte(c)
			p.lastChar = c
			continue
		}

		text.WriteByte(c)
		p.lastChar = c
	}

	flushText()
	return out
}

// Finish flushes residual buffers through the same extraction logic and
// terminates the parser.
func (p *Parser) Finish() []Chunk {
	if p.finished {
		return nil
	}
	p.finished = true

	var out []Chunk
	if len(p.kwBuf) > 0 {
		out = append(out, Chunk{Text: string(p.kwBuf)})
		p.kwBuf = nil
	}
	if p.inJSON && p.jsonBuf.Len() > 0 {
		out = append(out, parseActionSpan(p.jsonBuf.String()))
		p.jsonBuf.Reset()
	}
	if p.inCode && p.codeBuf.Len() > 0 {
		out = append(out, extractCodeBlock(p.codeBuf.String())...)
		p.codeBuf.Reset()
	}
	return out
}

func (p *Parser) armable() bool {
	switch p.lastChar {
	case 0, ' ', '\t', '\n', '\r':
		return true
	default:
		return false
	}
}

func matchesKeywordPrefix(cand []byte) bool {
	for _, kw := range keywords {
		if len(cand) <= len(kw) && strings.EqualFold(kw[:len(cand)], string(cand)) {
			return true
		}
	}
	return false
}

func isFullKeyword(cand []byte) bool {
	for _, kw := range keywords {
		if len(cand) == len(kw) && strings.EqualFold(kw, string(cand)) {
			return true
		}
	}
	return false
}

// extractCodeBlock strips a leading language tag line, then runs the
// JSON-action extraction over the fenced content.
func extractCodeBlock(content string) []Chunk {
	if idx := strings.IndexByte(content, '\n'); idx >= 0 {
		first := strings.TrimSpace(content[:idx])
		if first == "" || isLanguageTag(first) {
			content = content[idx+1:]
		}
	}
	return extractActionSpans(content)
}

func isLanguageTag(s string) bool {
	if len(s) > 16 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-', c == '+':
		default:
			return false
		}
	}
	return true
}

func extractActionSpans(content string) []Chunk {
	var out []Chunk
	rest := content
	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			if strings.TrimSpace(rest) != "" {
				out = append(out, Chunk{Text: rest})
			}
			return out
		}
		if strings.TrimSpace(rest[:start]) != "" {
			out = append(out, Chunk{Text: rest[:start]})
		}
		rest = rest[start:]
		end := spanEnd(rest)
		if end < 0 {
			out = append(out, Chunk{Text: rest})
			return out
		}
		out = append(out, parseActionSpan(rest[:end+1]))
		rest = rest[end+1:]
	}
}

// spanEnd finds the closing brace by depth counting. String literals are not
// tracked, so braces embedded in string values miscount; that behavior is
// load-bearing for previously tolerated malformed input and must stay.
func spanEnd(s string) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// parseActionSpan attempts to read a {...} span as an action object. Any key
// containing "input" is the action input; the value of any other string key
// is the action name. Spans that do not parse, or lack either half, pass
// through as text so no model output is ever dropped.
func parseActionSpan(span string) Chunk {
	var obj map[string]any
	if err := json.Unmarshal([]byte(span), &obj); err != nil {
		return Chunk{Text: span}
	}

	var name string
	var input any
	hasInput := false
	for k, v := range obj {
		if strings.Contains(strings.ToLower(k), "input") {
			input = v
			hasInput = true
			continue
		}
		if s, ok := v.(string); ok && name == "" {
			name = s
		}
	}
	if hasInput && name != "" {
		return Chunk{Action: &Action{Name: name, Input: input}}
	}
	return Chunk{Text: span}
}
