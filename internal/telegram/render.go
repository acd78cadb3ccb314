package telegram

import (
	"html"
	"regexp"
	"strings"
)

// MaxMessageChars is Telegram's limit for a message text.
const MaxMessageChars = 4096

// Rendering is one way of presenting text to Telegram.
type Rendering struct {
	ParseMode string
	Render    func(string) string
}

// Renderings are tried in order until Telegram accepts one: HTML converted
// from the model's Markdown, the raw text as legacy Markdown, plain text.
var Renderings = []Rendering{
	{ParseMode: "HTML", Render: RenderHTML},
	{ParseMode: "Markdown", Render: identity},
	{ParseMode: "", Render: identity},
}

func identity(s string) string { return s }

var (
	fencedRE     = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*\\n?(.*?)```")
	inlineCodeRE = regexp.MustCompile("`([^`\\n]+)`")
	boldRE       = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
)

// RenderHTML converts the common Markdown subset models emit (fenced code,
// inline code, bold) into Telegram HTML and escapes everything else.
func RenderHTML(raw string) string {
	var b strings.Builder
	last := 0
	for _, m := range fencedRE.FindAllStringSubmatchIndex(raw, -1) {
		b.WriteString(renderInline(raw[last:m[0]]))
		b.WriteString("<pre>")
		b.WriteString(html.EscapeString(raw[m[2]:m[3]]))
		b.WriteString("</pre>")
		last = m[1]
	}
	b.WriteString(renderInline(raw[last:]))
	return b.String()
}

func renderInline(s string) string {
	s = html.EscapeString(s)
	s = inlineCodeRE.ReplaceAllString(s, "<code>$1</code>")
	return boldRE.ReplaceAllString(s, "<b>$1</b>")
}
