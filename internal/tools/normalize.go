package tools

import (
	"fmt"
	"strings"
)

// synonyms maps the parameter-name variations decision-makers produce to
// the canonical names the catalog declares. A synonym is only applied when
// the canonical name is absent. Kept data-driven so the whole table is
// testable in one place.
var synonyms = map[string]string{
	"service_name":  "name",
	"file_path":     "path",
	"command":       "cmd",
	"permissions":   "mode",
	"regex_pattern": "regex",
}

// Normalize rewrites args in place-of-copy to canonical parameter names.
// Package arguments arrive as scalars or lists under several names;
// lists are joined with spaces. For search_packages, "package_name" means
// the search query.
func Normalize(toolName string, args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}

	for alias, canonical := range synonyms {
		if v, ok := out[alias]; ok {
			if _, exists := out[canonical]; !exists {
				out[canonical] = v
			}
			delete(out, alias)
		}
	}

	for _, alias := range []string{"package_names", "packages"} {
		if v, ok := out[alias]; ok {
			if _, exists := out["package"]; !exists {
				out["package"] = joinPackages(v)
			}
			delete(out, alias)
		}
	}
	if v, ok := out["package_name"]; ok {
		canonical := "package"
		if toolName == "search_packages" {
			canonical = "query"
		}
		if _, exists := out[canonical]; !exists {
			out[canonical] = joinPackages(v)
		}
		delete(out, "package_name")
	}

	return out
}

// joinPackages flattens a list-valued package argument into the scalar
// space-separated form the package tools accept.
func joinPackages(v any) any {
	switch list := v.(type) {
	case []any:
		parts := make([]string, 0, len(list))
		for _, item := range list {
			parts = append(parts, fmt.Sprintf("%v", item))
		}
		return strings.Join(parts, " ")
	case []string:
		return strings.Join(list, " ")
	default:
		return v
	}
}

// stringArg extracts an optional string parameter.
func stringArg(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}
