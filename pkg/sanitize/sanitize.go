// Package sanitize rewrites item field names and values into the subset the
// RPA provider accepts. Queue submissions with raw platform values fail in
// ways the provider reports poorly (silently dropped parameters, rejected
// payloads), so everything destined for SpecificContent passes through here.
package sanitize

import (
	"encoding/json"
	"html"
	"net/url"
	"regexp"
	"strings"
)

var (
	hrefPattern    = regexp.MustCompile(`(?i)href\s*=\s*(?:"([^"]*)"|'([^']*)')`)
	tagPattern     = regexp.MustCompile(`<[^>]*>`)
	underscoreRuns = regexp.MustCompile(`_+`)
)

// keyReplacements maps characters the provider is known to reject to
// readable stand-ins. The set is empirically observed, not documented by the
// provider; extend the table rather than special-casing callers.
var keyReplacements = strings.NewReplacer(
	"@", "_at_",
	".", "_dot_",
	"$", "_dollar_",
)

// Key rewrites a field name so that it matches [A-Za-z0-9_]+. Known-bad
// characters get readable replacements, anything else unsupported collapses
// to an underscore, and underscore runs are folded.
func Key(name string) string {
	s := keyReplacements.Replace(name)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	out := underscoreRuns.ReplaceAllString(b.String(), "_")
	if out == "" {
		return "_"
	}
	return out
}

// maxDecodePasses bounds the strip/decode loop in Value. Real values resolve
// in one or two passes; the cap only guards pathological nesting.
const maxDecodePasses = 8

// Value cleans one string value. When the value carries HTML-like markup the
// first href is extracted and returned separately as link; text is the
// tag-stripped inner content. Stripping and entity decoding alternate until
// the value is stable, so markup that arrives entity-encoded does not decode
// into live tags. Both sides are percent-decoded when they are identifiably
// URLs, and stripped of control characters.
func Value(raw string) (text, link string) {
	text = raw

	for i := 0; i < maxDecodePasses; i++ {
		if looksLikeMarkup(text) {
			if link == "" {
				if m := hrefPattern.FindStringSubmatch(text); m != nil {
					link = m[1]
					if link == "" {
						link = m[2]
					}
				}
			}
			text = strings.TrimSpace(tagPattern.ReplaceAllString(text, " "))
			text = strings.Join(strings.Fields(text), " ")
			continue
		}
		decoded := html.UnescapeString(text)
		if decoded == text {
			break
		}
		text = decoded
	}

	text = stripControl(percentDecode(text))
	if link != "" {
		link = stripControl(percentDecode(html.UnescapeString(link)))
	}
	return text, link
}

// Content sanitizes a whole field map for SpecificContent. String values go
// through Value; an extracted link is preserved under "<key>_url". Nested
// structures are flattened to their JSON encoding because the provider
// rejects non-scalar parameters. Scalars pass through unchanged.
func Content(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		key := Key(k)
		switch val := v.(type) {
		case string:
			text, link := Value(val)
			out[key] = text
			if link != "" {
				out[key+"_url"] = link
			}
		case map[string]interface{}, []interface{}:
			raw, err := json.Marshal(val)
			if err != nil {
				continue
			}
			out[key] = string(raw)
		default:
			out[key] = v
		}
	}
	return out
}

func looksLikeMarkup(s string) bool {
	open := strings.IndexByte(s, '<')
	return open >= 0 && strings.IndexByte(s[open:], '>') > 0
}

func percentDecode(s string) string {
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return s
	}
	if !strings.Contains(s, "%") {
		return s
	}
	decoded, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return -1
		}
		return r
	}, s)
}
