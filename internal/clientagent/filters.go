package clientagent

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var modelPathPattern = regexp.MustCompile(`/models/([^:/?]+)`)

// modelFromPath extracts the lowercase model name segment from a descriptor path.
func modelFromPath(path string) string {
	matches := modelPathPattern.FindStringSubmatch(path)
	if matches == nil {
		return ""
	}
	return strings.ToLower(matches[1])
}

// modelFamily classifies a model name into the families that reject parts of
// the generic generative payload.
type modelFamily struct {
	image       bool
	tts         bool
	embedding   bool
	computerUse bool
	robotics    bool
}

func classifyModel(model string) modelFamily {
	return modelFamily{
		image:       strings.Contains(model, "image") || strings.Contains(model, "imagen"),
		tts:         strings.Contains(model, "tts"),
		embedding:   strings.Contains(model, "embedding"),
		computerUse: strings.Contains(model, "computer-use"),
		robotics:    strings.Contains(model, "robotics"),
	}
}

// ApplyModelFamilyFilters rewrites a generative request body for the model
// family addressed by path. Bodies that do not parse are passed through
// untouched; the upstream will produce the authoritative error.
func ApplyModelFamilyFilters(body string, path string) string {
	if !gjson.Valid(body) {
		return body
	}
	family := classifyModel(modelFromPath(path))
	out := body

	if family.image || family.embedding || family.tts {
		for _, field := range []string{
			"tools", "toolConfig", "toolChoice",
			"generationConfig.thinkingConfig", "systemInstruction",
			"generationConfig.responseMimeType", "generationConfig.responseMimetype",
		} {
			out, _ = sjson.Delete(out, field)
		}
	}
	if family.tts {
		out, _ = sjson.Set(out, "generationConfig.responseModalities", []string{"AUDIO"})
	}
	if family.embedding {
		out, _ = sjson.Delete(out, "generationConfig.responseModalities")
	}
	if family.computerUse {
		out, _ = sjson.Delete(out, "tools")
		out, _ = sjson.Delete(out, "generationConfig.responseModalities")
	}
	if family.robotics {
		out = dropRoboticsTools(out)
		out, _ = sjson.Delete(out, "generationConfig.responseModalities")
	}

	out = normalizeThinkingLevel(out)
	out = normalizeResponseModalities(out)
	return out
}

// dropRoboticsTools removes googleSearch and urlContext entries from tools,
// deleting tools entirely when nothing remains.
func dropRoboticsTools(body string) string {
	tools := gjson.Get(body, "tools")
	if !tools.IsArray() {
		return body
	}
	kept := `[]`
	count := 0
	tools.ForEach(func(_, tool gjson.Result) bool {
		if tool.Get("googleSearch").Exists() || tool.Get("urlContext").Exists() {
			return true
		}
		kept, _ = sjson.SetRaw(kept, "-1", tool.Raw)
		count++
		return true
	})
	if count == 0 {
		body, _ = sjson.Delete(body, "tools")
		return body
	}
	body, _ = sjson.SetRaw(body, "tools", kept)
	return body
}

// normalizeThinkingLevel uppercases generationConfig.thinkingConfig.thinkingLevel.
func normalizeThinkingLevel(body string) string {
	level := gjson.Get(body, "generationConfig.thinkingConfig.thinkingLevel")
	if !level.Exists() || level.Type != gjson.String {
		return body
	}
	body, _ = sjson.Set(body, "generationConfig.thinkingConfig.thinkingLevel", strings.ToUpper(level.String()))
	return body
}

// normalizeResponseModalities uppercases every modality and wraps the
// single-string form in an array. Idempotent.
func normalizeResponseModalities(body string) string {
	modalities := gjson.Get(body, "generationConfig.responseModalities")
	if !modalities.Exists() {
		return body
	}
	if modalities.Type == gjson.String {
		body, _ = sjson.Set(body, "generationConfig.responseModalities", []string{strings.ToUpper(modalities.String())})
		return body
	}
	if !modalities.IsArray() {
		return body
	}
	var upper []string
	modalities.ForEach(func(_, value gjson.Result) bool {
		upper = append(upper, strings.ToUpper(value.String()))
		return true
	})
	body, _ = sjson.Set(body, "generationConfig.responseModalities", upper)
	return body
}
