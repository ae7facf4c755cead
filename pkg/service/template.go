package service

import (
	"fmt"
	"regexp"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// LenientRenderer is the default Renderer: `{{name}}` placeholders are
// replaced from the variable map; unresolved ones are left byte-for-byte in
// the output so a malformed template never blocks the parts that did resolve.
type LenientRenderer struct{}

func (LenientRenderer) Render(template string, vars map[string]interface{}) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		if v, ok := vars[key]; ok {
			return fmt.Sprintf("%v", v)
		}
		return match
	})
}
