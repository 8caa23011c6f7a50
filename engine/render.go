package engine

import "regexp"

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z][a-zA-Z0-9_]*)\s*\}\}`)

// Render substitutes {{name}} placeholders from vars. Unresolved or empty
// placeholders become the fallback token instead of failing: a rendering
// problem must never block a scheduled send.
func Render(content string, vars map[string]string, fallback string) string {
	return placeholderRe.ReplaceAllStringFunc(content, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok && v != "" {
			return v
		}
		return fallback
	})
}

// MergeVariables layers placeholder maps; later maps win. Empty values never
// shadow a non-empty one from an earlier layer.
func MergeVariables(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			if v == "" {
				continue
			}
			out[k] = v
		}
	}
	return out
}
