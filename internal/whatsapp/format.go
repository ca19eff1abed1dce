package whatsapp

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// maxMessageLen is the longest text WhatsApp accepts in one message.
const maxMessageLen = 65536

type rewrite struct {
	re   *regexp.Regexp
	repl string
}

// markdownRewrites run in order. Images go before links since ![a](u)
// also matches the link form.
var markdownRewrites = []rewrite{
	{regexp.MustCompile(`!\[[^\]]*\]\(([^)]+)\)`), "$1"},
	{regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`), "$1 ($2)"},
	{regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`), "*$1*"},
	{regexp.MustCompile(`\*\*(.+?)\*\*`), "*$1*"},
	{regexp.MustCompile(`__(.+?)__`), "*$1*"},
	{regexp.MustCompile(`~~(.+?)~~`), "~$1~"},
	{regexp.MustCompile(`<[^>]+>`), ""},
	{regexp.MustCompile(`\n{3,}`), "\n\n"},
}

var codeFence = regexp.MustCompile("(?s)```.*?```")

// FormatMessage rewrites agent markdown into WhatsApp markup (*bold*,
// ~strike~, links as "text (url)"). Fenced ``` blocks are left untouched.
func FormatMessage(markdown string) string {
	if markdown == "" {
		return ""
	}

	var b strings.Builder
	prev := 0
	for _, loc := range codeFence.FindAllStringIndex(markdown, -1) {
		b.WriteString(rewriteProse(markdown[prev:loc[0]]))
		b.WriteString(markdown[loc[0]:loc[1]])
		prev = loc[1]
	}
	b.WriteString(rewriteProse(markdown[prev:]))
	return strings.TrimSpace(b.String())
}

func rewriteProse(s string) string {
	for _, rw := range markdownRewrites {
		s = rw.re.ReplaceAllString(s, rw.repl)
	}
	return s
}

// splitMessage cuts text into chunks of at most maxLen bytes. A cut prefers
// the last newline in the back half of the window and never lands inside a
// UTF-8 sequence.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > maxLen {
		end := runeBoundary(text, maxLen)
		if idx := strings.LastIndexByte(text[:end], '\n'); idx > end/2 {
			end = idx + 1
		}
		chunks = append(chunks, text[:end])
		text = text[end:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// runeBoundary backs n (< len(s)) off to the start of the rune it falls in.
// A window narrower than the first rune still yields that whole rune.
func runeBoundary(s string, n int) int {
	end := n
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	if end == 0 {
		_, size := utf8.DecodeRuneInString(s)
		return size
	}
	return end
}
