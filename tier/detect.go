package tier

import (
	"bytes"
)

var shellIndicators = [][]byte{
	[]byte(`<div id="root"></div>`),
	[]byte(`<div id="app"></div>`),
	[]byte(`<div id="__next"></div>`),
	[]byte("<noscript>you need to enable javascript"),
	[]byte("<noscript>enable javascript"),
}

// LooksLikeShell reports whether an HTML body is a client-side application
// shell whose content only appears after scripts run: too little visible
// text, a text share under 10%, or a known empty mount point.
func LooksLikeShell(body []byte) bool {
	if len(body) < 256 {
		return true
	}
	text, markup := textMarkupRatio(body)
	total := text + markup
	if total == 0 || text < 200 {
		return true
	}
	if float64(text)/float64(total) < 0.10 {
		return true
	}
	lower := bytes.ToLower(body)
	for _, ind := range shellIndicators {
		if bytes.Contains(lower, ind) {
			return true
		}
	}
	return false
}

// textMarkupRatio counts non-whitespace text bytes against markup bytes.
// Script and style bodies count as markup.
func textMarkupRatio(body []byte) (text, markup int) {
	inTag := false
	for i := 0; i < len(body); i++ {
		ch := body[i]
		switch {
		case ch == '<':
			if skip := rawElementEnd(body[i:]); skip > 0 {
				markup += skip
				i += skip - 1
				continue
			}
			inTag = true
			markup++
		case ch == '>':
			inTag = false
			markup++
		case inTag:
			markup++
		case ch != ' ' && ch != '\t' && ch != '\n' && ch != '\r':
			text++
		}
	}
	return text, markup
}

// rawElementEnd returns the length of a <script> or <style> element starting
// at b, or 0 when b does not start one.
func rawElementEnd(b []byte) int {
	for _, tag := range []string{"script", "style"} {
		if len(b) < len(tag)+1 || !bytes.EqualFold(b[1:1+len(tag)], []byte(tag)) {
			continue
		}
		closing := []byte("</" + tag)
		idx := bytes.Index(bytes.ToLower(b), closing)
		if idx < 0 {
			return len(b)
		}
		end := bytes.IndexByte(b[idx:], '>')
		if end < 0 {
			return len(b)
		}
		return idx + end + 1
	}
	return 0
}
