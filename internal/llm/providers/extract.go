package providers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// shapeExtractor inspects a completed status payload and returns the answer
// text when the payload has the shape it knows about.
type shapeExtractor struct {
	name    string
	extract func(payload map[string]any) (string, bool)
}

var (
	directFields = []string{"response", "message", "data", "content", "result"}
	parentFields = []string{"response", "data", "result"}
	childFields  = []string{"message", "content", "text", "answer"}
	aliasFields  = []string{"answer", "reply", "output", "text"}
)

// responseExtractors is tried in order; the first match wins. Backend shapes
// are not self-describing, so this order is the only disambiguator.
var responseExtractors = []shapeExtractor{
	{name: "direct", extract: extractDirect},
	{name: "nested", extract: extractNested},
	{name: "html", extract: extractHTML},
	{name: "alias", extract: extractAlias},
}

// ExtractAnswer returns the answer text and the name of the matching shape
func ExtractAnswer(payload map[string]any) (string, string, bool) {
	for _, ex := range responseExtractors {
		if text, ok := ex.extract(payload); ok {
			return text, ex.name, true
		}
	}
	return "", "", false
}

func extractDirect(payload map[string]any) (string, bool) {
	for _, field := range directFields {
		if text, ok := nonEmptyString(payload[field]); ok {
			return text, true
		}
	}
	return "", false
}

func extractNested(payload map[string]any) (string, bool) {
	for _, parent := range parentFields {
		obj, ok := payload[parent].(map[string]any)
		if !ok {
			continue
		}
		for _, child := range childFields {
			if text, ok := nonEmptyString(obj[child]); ok {
				return text, true
			}
		}
	}
	return "", false
}

func extractHTML(payload map[string]any) (string, bool) {
	candidates := []any{payload["html"]}
	for _, parent := range []string{"response", "data"} {
		if obj, ok := payload[parent].(map[string]any); ok {
			candidates = append(candidates, obj["html"])
		}
	}

	for _, candidate := range candidates {
		raw, ok := nonEmptyString(candidate)
		if !ok {
			continue
		}
		if text := StripHTML(raw); text != "" {
			return text, true
		}
	}
	return "", false
}

func extractAlias(payload map[string]any) (string, bool) {
	for _, field := range aliasFields {
		if text, ok := nonEmptyString(payload[field]); ok {
			return text, true
		}
	}
	if obj, ok := payload["data"].(map[string]any); ok {
		for _, field := range aliasFields {
			if text, ok := nonEmptyString(obj[field]); ok {
				return text, true
			}
		}
	}
	return "", false
}

// StripHTML returns the visible text of an HTML fragment with whitespace collapsed
func StripHTML(raw string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return ""
	}
	doc.Find("script, style, head").Remove()

	// Keep block boundaries readable once tags are gone
	doc.Find("br, p, div, li, h1, h2, h3, h4, h5, h6, tr").Each(func(_ int, s *goquery.Selection) {
		s.AfterHtml("\n")
	})

	lines := strings.Split(doc.Text(), "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// unmatchedPlaceholder is returned when a completed payload has no known shape
func unmatchedPlaceholder(payload map[string]any) string {
	keys := make([]string, 0, len(payload))
	for key := range payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return fmt.Sprintf("The backend finished processing but returned no readable answer (fields: %s).",
		strings.Join(keys, ", "))
}

func nonEmptyString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}
