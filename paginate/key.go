package paginate

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/hazyhaar/harvest/schema"
	"github.com/hazyhaar/harvest/writable"
)

// KeyFunc derives the dedup identity of a record.
type KeyFunc func(w *writable.Writable) string

// Normalize folds case, applies NFKC and collapses whitespace, so that
// "Café  Du Monde" and "café du monde" share a key.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// NaturalKey returns the key function for s. With NaturalKey fields the key
// is their normalised values joined by "|"; otherwise the url field; when
// both are missing, a hash over every field.
func NaturalKey(s *schema.Schema) KeyFunc {
	fields := s.NaturalKey
	_, hasURL := s.Field("url")
	return func(w *writable.Writable) string {
		if len(fields) > 0 {
			parts := make([]string, len(fields))
			found := false
			for i, f := range fields {
				v, _ := w.Value(f)
				parts[i] = Normalize(v.String())
				found = found || parts[i] != ""
			}
			if found {
				return strings.Join(parts, "|")
			}
		} else if hasURL {
			if v, _ := w.Value("url"); !v.IsMissing() {
				return "url:" + strings.TrimRight(strings.TrimSpace(v.String()), "/")
			}
		}
		return ContentHash(w)
	}
}

// ContentHash hashes every field name and value in schema order.
func ContentHash(w *writable.Writable) string {
	h := sha256.New()
	for _, k := range w.Keys() {
		v, _ := w.Value(k)
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(Normalize(v.String())))
		h.Write([]byte{0})
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)[:16])
}
