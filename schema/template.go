package schema

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Vars are the substitutions for URL templates. Terms and Location fill
// {query} and {location}; Extra adds arbitrary {name} placeholders.
type Vars struct {
	Terms    string
	Location string
	Extra    map[string]string
}

// ErrNoURL is returned when neither a query URL nor a search template exists.
var ErrNoURL = errors.New("schema: no url to fetch")

// Expand substitutes placeholders in tmpl for the given 1-based page.
// Caller values are query-escaped; {page}, {offset} and {per_page} are
// numbers.
func (s *Schema) Expand(tmpl string, v Vars, page int) string {
	if page < 1 {
		page = 1
	}
	per := s.PerPage()
	pairs := []string{
		"{query}", url.QueryEscape(v.Terms),
		"{location}", url.QueryEscape(v.Location),
		"{page}", strconv.Itoa(page),
		"{offset}", strconv.Itoa((page - 1) * per),
		"{per_page}", strconv.Itoa(per),
	}
	for k, val := range v.Extra {
		pairs = append(pairs, "{"+k+"}", url.QueryEscape(val))
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// FirstURL returns the first page URL: the explicit URL when given (resolved
// against Domain when relative), otherwise the expanded SearchURL.
func (s *Schema) FirstURL(explicit string, v Vars) (string, error) {
	if explicit != "" {
		u, err := url.Parse(explicit)
		if err != nil {
			return "", fmt.Errorf("schema: first url: %w", err)
		}
		if !u.IsAbs() {
			if s.Domain == "" {
				return "", fmt.Errorf("schema: relative url %q and no domain: %w", explicit, ErrNoURL)
			}
			base := &url.URL{Scheme: "https", Host: s.Domain, Path: "/"}
			u = base.ResolveReference(u)
		}
		return u.String(), nil
	}
	if s.SearchURL == "" {
		return "", ErrNoURL
	}
	return s.Expand(s.SearchURL, v, 1), nil
}

// PageURL returns the URL of page n (1-based) from the url_template.
func (s *Schema) PageURL(v Vars, n int) (string, bool) {
	if s.Pagination.URLTemplate == "" {
		return "", false
	}
	return s.Expand(s.Pagination.URLTemplate, v, n), true
}
