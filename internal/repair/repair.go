// Package repair recovers structured values from malformed LLM output.
//
// Model responses are supposed to be a single JSON object, but in practice
// arrive wrapped in markdown fences, prefixed with prose, or syntactically
// broken (unterminated strings, trailing commas, missing closers). Decode
// tries a direct parse first, then applies a bounded, ordered sequence of
// syntactic heuristics, re-parsing after each one. Callers never see a raw
// parse failure: exhausting the heuristics yields an *ExhaustedError that
// carries the original text for diagnostics.
package repair

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Heuristic names one repair pass. Each is idempotent: applying it to text
// it cannot improve returns the text unchanged.
type Heuristic string

const (
	HeuristicStripProse      Heuristic = "strip_prose"
	HeuristicCloseString     Heuristic = "close_string"
	HeuristicTrailingComma   Heuristic = "trailing_comma"
	HeuristicBalanceBrackets Heuristic = "balance_brackets"
)

// Options toggles individual heuristics. The zero value enables all of them.
type Options struct {
	DisableStripProse      bool
	DisableCloseString     bool
	DisableTrailingComma   bool
	DisableBalanceBrackets bool
}

// DefaultOptions enables every heuristic.
func DefaultOptions() Options { return Options{} }

// ExhaustedError reports that no heuristic produced parseable text.
type ExhaustedError struct {
	Raw       string
	Attempted []Heuristic
	LastErr   error
}

func (e *ExhaustedError) Error() string {
	names := make([]string, len(e.Attempted))
	for i, h := range e.Attempted {
		names[i] = string(h)
	}
	return fmt.Sprintf("response not parseable after repair (tried %s): %v",
		strings.Join(names, ", "), e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// Decode parses raw into v, repairing as needed, with all heuristics enabled.
func Decode(raw string, v any) error {
	return DecodeWith(DefaultOptions(), raw, v)
}

// DecodeWith parses raw into v under the given options. Heuristics apply
// cumulatively in a fixed order; decoding stops at the first successful parse.
func DecodeWith(opts Options, raw string, v any) error {
	cur := strings.TrimSpace(raw)

	err := json.Unmarshal([]byte(cur), v)
	if err == nil {
		return nil
	}

	type pass struct {
		name     Heuristic
		disabled bool
		apply    func(string) string
	}
	passes := []pass{
		{HeuristicStripProse, opts.DisableStripProse, stripProse},
		{HeuristicCloseString, opts.DisableCloseString, closeStrings},
		{HeuristicTrailingComma, opts.DisableTrailingComma, dropTrailingCommas},
		{HeuristicBalanceBrackets, opts.DisableBalanceBrackets, balanceBrackets},
	}

	var attempted []Heuristic
	for _, p := range passes {
		if p.disabled {
			continue
		}
		cur = p.apply(cur)
		attempted = append(attempted, p.name)
		if e := json.Unmarshal([]byte(cur), v); e == nil {
			return nil
		} else {
			err = e
		}
	}

	return &ExhaustedError{Raw: raw, Attempted: attempted, LastErr: err}
}

// Extract returns the outermost JSON object embedded in text, or "" when no
// opening brace exists. Markdown code fences are stripped first. If the
// object never closes, everything from the opening brace onward is returned
// so later heuristics can finish the job.
func Extract(text string) string {
	t := stripFences(text)
	start := strings.Index(t, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(t); i++ {
		c := t[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return t[start : i+1]
			}
		}
	}
	return t[start:]
}

func stripProse(s string) string {
	if out := Extract(s); out != "" {
		return out
	}
	return s
}

// fence markers seen in the wild: backtick fences with or without a json
// tag, and triple-single-quote fences.
func stripFences(s string) string {
	t := strings.TrimSpace(s)
	for _, open := range []string{"```json", "```", "'''json", "'''"} {
		if strings.HasPrefix(t, open) {
			t = strings.TrimSpace(t[len(open):])
			break
		}
	}
	for _, close := range []string{"```", "'''"} {
		if strings.HasSuffix(t, close) {
			t = strings.TrimSpace(t[:len(t)-len(close)])
			break
		}
	}
	return t
}

// keyAhead matches a `"key":` immediately following a comma, which signals
// that an open string value should have ended before that comma.
var keyAhead = regexp.MustCompile(`^\s*"(?:[^"\\]|\\.)*"\s*:`)

// closeStrings inserts missing closing quotes. A string still open when the
// scanner reaches a comma that is followed by a key, a closing brace with no
// quotes after it, or the end of input was never terminated by the model.
func closeStrings(s string) string {
	for range [8]struct{}{} {
		fixed, changed := closeOneString(s)
		if !changed {
			return s
		}
		s = fixed
	}
	return s
}

func closeOneString(s string) (string, bool) {
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case !inString:
		case c == ',':
			if keyAhead.MatchString(s[i+1:]) {
				return s[:i] + `"` + s[i:], true
			}
		case c == '}' || c == ']':
			if !strings.Contains(s[i:], `"`) {
				return s[:i] + `"` + s[i:], true
			}
		}
	}
	if inString {
		return s + `"`, true
	}
	return s, false
}

var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

func dropTrailingCommas(s string) string {
	return trailingComma.ReplaceAllString(s, "$1")
}

// balanceBrackets appends missing closers for unclosed braces/brackets and
// truncates at the first closer that has no matching opener. Quoted strings
// are skipped.
func balanceBrackets(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{' || c == '[':
			stack = append(stack, c)
		case c == '}' || c == ']':
			want := byte('{')
			if c == ']' {
				want = '['
			}
			if len(stack) == 0 || stack[len(stack)-1] != want {
				s = strings.TrimSpace(s[:i])
				i = len(s) // stop scanning; closers for the stack follow
			} else {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if len(stack) == 0 {
		return s
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(s))
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}
