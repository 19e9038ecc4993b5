package tier

import (
	"bytes"
	"strings"

	"github.com/hazyhaar/harvest/resolve"
	"github.com/hazyhaar/harvest/schema"
)

// CaptchaDetector decides whether a document is a challenge page. Solving
// challenges is never attempted here.
type CaptchaDetector interface {
	Detect(doc []byte, s *schema.Schema) bool
}

// DefaultCaptchaMarkers are text markers of well-known challenge pages.
var DefaultCaptchaMarkers = []string{
	"unusual traffic from your computer network",
	"are you a robot",
	"please verify you are a human",
	"checking your browser before accessing",
}

// SelectorCaptchaDetector matches the schema's captcha selectors and text
// markers plus its own markers.
type SelectorCaptchaDetector struct {
	Markers []string
}

// NewSelectorCaptchaDetector uses DefaultCaptchaMarkers.
func NewSelectorCaptchaDetector() *SelectorCaptchaDetector {
	return &SelectorCaptchaDetector{Markers: DefaultCaptchaMarkers}
}

func (d *SelectorCaptchaDetector) Detect(doc []byte, s *schema.Schema) bool {
	lower := bytes.ToLower(doc)
	markers := d.Markers
	if s != nil {
		markers = append(append([]string(nil), markers...), s.Captcha.Markers...)
	}
	for _, m := range markers {
		if m != "" && bytes.Contains(lower, []byte(strings.ToLower(m))) {
			return true
		}
	}
	if s == nil || len(s.Captcha.Selectors) == 0 {
		return false
	}
	parsed, err := resolve.Parse(doc, "")
	if err != nil {
		return false
	}
	for _, sel := range s.Captcha.Selectors {
		if resolve.Exists(parsed, sel) {
			return true
		}
	}
	return false
}
