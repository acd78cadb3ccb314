// Package filter strips non-user-facing artifacts from raw model output.
//
// Rules run in a fixed order: reasoning blocks, tool-invocation payloads,
// canned upstream status phrases, blank-line normalisation. Output that is
// shorter than MinLength after trimming is reported as empty; callers fall
// back to the unfiltered text in that case.
package filter

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MinLength is the shortest filtered text considered usable.
const MinLength = 20

// Rule is one pattern/replacement step.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// Apply runs the rule on text.
func (r Rule) Apply(text string) string {
	return r.Pattern.ReplaceAllString(text, r.Replacement)
}

// ReasoningRules remove <think> blocks. The second rule drops a block that
// has been opened but not yet closed, which happens mid-stream.
var ReasoningRules = []Rule{
	{Name: "reasoning_block", Pattern: regexp.MustCompile(`(?s)<think>.*?</think>`)},
	{Name: "reasoning_open", Pattern: regexp.MustCompile(`(?s)<think>.*$`)},
}

// ToolRules remove inline tool invocations.
var ToolRules = []Rule{
	{Name: "tool_fenced", Pattern: regexp.MustCompile("(?s)```(?:json)?[ \\t]*\\n?[ \\t]*\\{[^`]*?\"(?:tool|parameters)\"[ \\t]*:[^`]*?\\}[ \\t]*\\n?```")},
	{Name: "tool_nested", Pattern: regexp.MustCompile(`\{[^{}]*"(?:tool|parameters)"\s*:[^{}]*\{[^{}]*\}[^{}]*\}`)},
	{Name: "tool_flat", Pattern: regexp.MustCompile(`\{[^{}]*"(?:tool|parameters)"\s*:[^{}]*\}`)},
	{Name: "tool_marker", Pattern: regexp.MustCompile(`(?im)^[ \t]*(?:tool invocation|tool call|calling tool|调用工具|工具调用)[ \t]*[:：].*$`)},
}

// StatusRules remove canned progress phrases some upstreams inject.
var StatusRules = []Rule{
	{Name: "status_searching", Pattern: regexp.MustCompile(`(?i)searching (?:for|the web for) (?:relevant )?information\s*(?:\.{1,3}|…)?`)},
	{Name: "status_querying", Pattern: regexp.MustCompile(`(?i)querying (?:on your behalf|the knowledge base)\s*(?:\.{1,3}|…)?`)},
	{Name: "status_searching_zh", Pattern: regexp.MustCompile(`正在(?:为您)?搜索(?:相关)?信息\s*(?:\.{1,3}|…+|。)?`)},
	{Name: "status_querying_zh", Pattern: regexp.MustCompile(`正在为您查询\s*(?:\.{1,3}|…+|。)?`)},
}

// WhitespaceRules normalise blank lines.
var WhitespaceRules = []Rule{
	{Name: "blank_runs", Pattern: regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`), Replacement: "\n\n"},
	{Name: "leading_blank", Pattern: regexp.MustCompile(`^(?:[ \t]*\n)+`)},
}

// DefaultRules is the full pipeline in application order.
func DefaultRules() []Rule {
	rules := make([]Rule, 0, len(ReasoningRules)+len(ToolRules)+len(StatusRules)+len(WhitespaceRules))
	rules = append(rules, ReasoningRules...)
	rules = append(rules, ToolRules...)
	rules = append(rules, StatusRules...)
	rules = append(rules, WhitespaceRules...)
	return rules
}

// Filter applies an ordered rule list.
type Filter struct {
	rules     []Rule
	minLength int
}

// New creates a Filter from rules. A nil rule list uses DefaultRules.
func New(rules []Rule) *Filter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Filter{rules: rules, minLength: MinLength}
}

var defaultFilter = New(nil)

// Clean filters raw with the default rules.
func Clean(raw string) string {
	return defaultFilter.Clean(raw)
}

// StripReasoning removes only the reasoning blocks and trims the result.
func StripReasoning(raw string) string {
	return strings.TrimSpace(apply(ReasoningRules, raw))
}

// Strip applies every rule and trims the result, without the length check.
func (f *Filter) Strip(raw string) string {
	return strings.TrimSpace(apply(f.rules, raw))
}

// Clean returns the trimmed, filtered text, or "" if it is shorter than
// the minimum usable length.
func (f *Filter) Clean(raw string) string {
	out := f.Strip(raw)
	if utf8.RuneCountInString(out) < f.minLength {
		return ""
	}
	return out
}

func apply(rules []Rule, text string) string {
	for _, r := range rules {
		text = r.Apply(text)
	}
	return text
}
