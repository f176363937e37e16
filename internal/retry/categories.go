package retry

import "strings"

// Category classifies an instance failure for retry decisions
type Category string

const (
	// CategoryNetwork covers connectivity and fetch failures
	CategoryNetwork Category = "network"

	// CategoryTimeout covers deadline and timeout failures
	CategoryTimeout Category = "timeout"

	// CategorySurface covers host-surface failures (lost canvas, lost GL context)
	CategorySurface Category = "resource-surface"

	// CategoryMemory covers allocation failures
	CategoryMemory Category = "memory"

	// CategoryBackend covers backend-specific rendering failures
	CategoryBackend Category = "backend-specific"

	// CategoryLoading covers animation data load/parse failures
	CategoryLoading Category = "loading"

	// CategoryInitialization covers generic initialization failures
	CategoryInitialization Category = "initialization"

	// CategoryUnknown is the fallback when no heuristic matches
	CategoryUnknown Category = "unknown"
)

// categoryMatchers maps substring heuristics to categories, checked in order.
// More specific matchers come before the generic ones they would shadow.
var categoryMatchers = []struct {
	substrings []string
	category   Category
}{
	{[]string{"network", "connection", "fetch", "dns", "unreachable", "refused"}, CategoryNetwork},
	{[]string{"timeout", "timed out", "deadline"}, CategoryTimeout},
	{[]string{"context lost", "surface", "canvas"}, CategorySurface},
	{[]string{"memory", "allocation", "oom"}, CategoryMemory},
	{[]string{"webgl", "gpu", "shader", "renderer"}, CategoryBackend},
	{[]string{"load", "parse", "decode"}, CategoryLoading},
	{[]string{"init"}, CategoryInitialization},
}

// Categorize classifies an error message using substring heuristics
func Categorize(message string) Category {
	msg := strings.ToLower(message)
	for _, m := range categoryMatchers {
		for _, s := range m.substrings {
			if strings.Contains(msg, s) {
				return m.category
			}
		}
	}
	return CategoryUnknown
}
