package config

import (
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// soleRefPattern matches a scalar that is nothing but a single $VAR or
// ${VAR} reference. Only such scalars are retyped after expansion, so
// `refreshSeconds: ${REFRESH}` decodes as a number while
// `Bearer ${TOKEN}` stays a string.
var soleRefPattern = regexp.MustCompile(`^\$(\{[A-Za-z_][A-Za-z0-9_]*\}|[A-Za-z_][A-Za-z0-9_]*)$`)

// expandTree walks a decoded YAML tree and substitutes environment
// references in every string value. Keys are never expanded. Unset
// variables expand to the empty string and are collected in missing so
// the loader can report them; the empty value then fails validation
// instead of parsing.
func expandTree(value any, missing map[string]struct{}) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			out[key] = expandTree(child, missing)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = expandTree(child, missing)
		}
		return out
	case string:
		return expandString(v, missing)
	default:
		return value
	}
}

func expandString(value string, missing map[string]struct{}) any {
	if !strings.Contains(value, "$") {
		return value
	}

	expanded := os.Expand(value, func(key string) string {
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		missing[key] = struct{}{}
		return ""
	})
	if expanded == value {
		return expanded
	}
	if soleRefPattern.MatchString(value) {
		return retypeScalar(expanded)
	}
	return expanded
}

// retypeScalar recovers the type a bare value would have had if it were
// written in the file directly.
func retypeScalar(value string) any {
	if value == "" {
		return value
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

func missingNames(missing map[string]struct{}) []string {
	if len(missing) == 0 {
		return nil
	}
	names := make([]string, 0, len(missing))
	for name := range missing {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
