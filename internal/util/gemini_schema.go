// Package util provides utility functions for the AI Studio proxy server.
package util

import (
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var gjsonPathKeyReplacer = strings.NewReplacer(".", "\\.", "*", "\\*", "?", "\\?")

// CleanFunctionSchemaForGemini rewrites an OpenAI tool parameter schema into
// the shape Gemini's function declarations accept: $schema and
// additionalProperties are stripped recursively, type values are uppercased,
// and union types of the form ["T","null"] collapse to an uppercased T with
// nullable set.
func CleanFunctionSchemaForGemini(jsonStr string) string {
	jsonStr = removeKeywords(jsonStr, []string{"$schema", "additionalProperties"})
	jsonStr = normalizeTypes(jsonStr)
	return jsonStr
}

// removeKeywords removes all occurrences of the given keywords, skipping
// property definitions that happen to use a keyword as a property name.
func removeKeywords(jsonStr string, keywords []string) string {
	deletePaths := make([]string, 0)
	pathsByField := findPathsByFields(jsonStr, keywords)
	for _, key := range keywords {
		for _, p := range pathsByField[key] {
			if isPropertyDefinition(trimSuffix(p, "."+key)) {
				continue
			}
			deletePaths = append(deletePaths, p)
		}
	}
	sortByDepth(deletePaths)
	for _, p := range deletePaths {
		jsonStr, _ = sjson.Delete(jsonStr, p)
	}
	return jsonStr
}

// normalizeTypes uppercases every type value. Array forms are filtered of
// "null" (setting nullable on the parent), and collapse to their first
// remaining member, defaulting to STRING when nothing remains.
func normalizeTypes(jsonStr string) string {
	paths := findPathsByFields(jsonStr, []string{"type"})["type"]
	sortByDepth(paths)

	for _, p := range paths {
		parentPath := trimSuffix(p, ".type")
		if isPropertyDefinition(parentPath) {
			continue
		}
		res := gjson.Get(jsonStr, p)
		switch {
		case res.Type == gjson.String:
			jsonStr, _ = sjson.Set(jsonStr, p, strings.ToUpper(res.String()))
		case res.IsArray():
			hasNull := false
			var nonNull []string
			res.ForEach(func(_, item gjson.Result) bool {
				if item.String() == "null" {
					hasNull = true
				} else if item.String() != "" {
					nonNull = append(nonNull, strings.ToUpper(item.String()))
				}
				return true
			})
			chosen := "STRING"
			if len(nonNull) > 0 {
				chosen = nonNull[0]
			}
			jsonStr, _ = sjson.Set(jsonStr, p, chosen)
			if hasNull {
				jsonStr, _ = sjson.Set(jsonStr, joinPath(parentPath, "nullable"), true)
			}
		}
	}
	return jsonStr
}

// --- Helpers ---

func findPathsByFields(jsonStr string, fields []string) map[string][]string {
	set := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		set[field] = struct{}{}
	}
	paths := make(map[string][]string, len(set))
	walkForFields(gjson.Parse(jsonStr), "", set, paths)
	return paths
}

func walkForFields(value gjson.Result, path string, fields map[string]struct{}, paths map[string][]string) {
	switch value.Type {
	case gjson.JSON:
		value.ForEach(func(key, val gjson.Result) bool {
			keyStr := key.String()
			safeKey := escapeGJSONPathKey(keyStr)

			var childPath string
			if path == "" {
				childPath = safeKey
			} else {
				childPath = path + "." + safeKey
			}

			if _, ok := fields[keyStr]; ok {
				paths[keyStr] = append(paths[keyStr], childPath)
			}

			walkForFields(val, childPath, fields, paths)
			return true
		})
	case gjson.String, gjson.Number, gjson.True, gjson.False, gjson.Null:
		// Terminal types - no further traversal needed
	}
}

func sortByDepth(paths []string) {
	sort.Slice(paths, func(i, j int) bool { return len(paths[i]) > len(paths[j]) })
}

func trimSuffix(path, suffix string) string {
	if path == strings.TrimPrefix(suffix, ".") {
		return ""
	}
	return strings.TrimSuffix(path, suffix)
}

func joinPath(base, suffix string) string {
	if base == "" {
		return suffix
	}
	return base + "." + suffix
}

func isPropertyDefinition(path string) bool {
	return path == "properties" || strings.HasSuffix(path, ".properties")
}

func escapeGJSONPathKey(key string) string {
	if strings.IndexAny(key, ".*?") == -1 {
		return key
	}
	return gjsonPathKeyReplacer.Replace(key)
}
