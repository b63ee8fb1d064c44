package templates

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// substitute replaces every {{name}} placeholder in input with the
// corresponding context value. Dotted names descend into nested maps.
// Missing placeholders render as the empty string and are counted.
func substitute(input string, context map[string]any, missing *int) string {
	return placeholderRe.ReplaceAllStringFunc(input, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		value, ok := lookup(context, name)
		if !ok {
			*missing++
			return ""
		}
		return value
	})
}

func lookup(context map[string]any, name string) (string, bool) {
	parts := strings.Split(name, ".")
	var current any = context
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return "", false
		}
		current, ok = m[part]
		if !ok {
			return "", false
		}
	}

	switch v := current.(type) {
	case string:
		return v, true
	case nil:
		return "", false
	case map[string]any:
		// A placeholder must resolve to a scalar
		return "", false
	default:
		return fmt.Sprintf("%v", v), true
	}
}

// render substitutes context into every channel field of the template and
// returns the rendered payload plus the number of missing placeholders.
func render(t *Template, context map[string]any) (*Rendered, int) {
	missing := 0
	r := &Rendered{
		TemplateID:      t.ID,
		TemplateVersion: t.Version,
		Channel:         t.Channel,
		Subject:         substitute(t.Content.Subject, context, &missing),
		HTML:            substitute(t.Content.HTML, context, &missing),
		Text:            substitute(t.Content.Text, context, &missing),
		Body:            substitute(t.Content.Body, context, &missing),
		Title:           substitute(t.Content.Title, context, &missing),
		VendorMetadata:  t.VendorMetadata,
	}
	if len(t.Content.Data) > 0 {
		r.Data = make(map[string]string, len(t.Content.Data))
		for k, v := range t.Content.Data {
			r.Data[k] = substitute(v, context, &missing)
		}
	}
	return r, missing
}
