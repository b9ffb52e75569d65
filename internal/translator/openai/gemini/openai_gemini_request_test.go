package gemini

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func convert(t *testing.T, body string, opts Options) gjson.Result {
	t.Helper()
	out := ConvertOpenAIRequestToGemini([]byte(body), opts)
	if !gjson.ValidBytes(out) {
		t.Fatalf("converter produced invalid JSON: %s", out)
	}
	return gjson.ParseBytes(out)
}

func TestSystemMessagesConcatenate(t *testing.T) {
	root := convert(t, `{
		"model":"gemini-2.5-flash",
		"messages":[
			{"role":"system","content":"first"},
			{"role":"user","content":"hi"},
			{"role":"system","content":"second"}
		]
	}`, Options{})

	instruction := root.Get("systemInstruction")
	if instruction.Get("role").String() != "user" {
		t.Fatalf("systemInstruction role must be user, got %q", instruction.Get("role").String())
	}
	if got := instruction.Get("parts.0.text").String(); got != "first\nsecond" {
		t.Fatalf("expected concatenated system text, got %q", got)
	}
	if count := len(root.Get("contents").Array()); count != 1 {
		t.Fatalf("system messages must not appear in contents, got %d entries", count)
	}
}

func TestRoleMapping(t *testing.T) {
	root := convert(t, `{
		"messages":[
			{"role":"user","content":"q"},
			{"role":"assistant","content":"a"}
		]
	}`, Options{})

	contents := root.Get("contents").Array()
	if contents[0].Get("role").String() != "user" || contents[1].Get("role").String() != "model" {
		t.Fatalf("role mapping wrong: %s", root.Get("contents").Raw)
	}
}

func TestConsecutiveToolMessagesCoalesce(t *testing.T) {
	root := convert(t, `{
		"messages":[
			{"role":"user","content":"go"},
			{"role":"assistant","tool_calls":[
				{"id":"call_a","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"Tokyo\"}"}},
				{"id":"call_b","type":"function","function":{"name":"get_time","arguments":"{}"}}
			]},
			{"role":"tool","tool_call_id":"call_a","content":"{\"temp\":21}"},
			{"role":"tool","tool_call_id":"call_b","content":"noon"}
		]
	}`, Options{})

	contents := root.Get("contents").Array()
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents entries, got %d: %s", len(contents), root.Get("contents").Raw)
	}

	toolRun := contents[2]
	if toolRun.Get("role").String() != "user" {
		t.Fatalf("functionResponse entries must carry role user, got %q", toolRun.Get("role").String())
	}
	parts := toolRun.Get("parts").Array()
	if len(parts) != 2 {
		t.Fatalf("consecutive tool messages must coalesce into one entry, got %d parts", len(parts))
	}
	if parts[0].Get("functionResponse.name").String() != "get_weather" {
		t.Fatalf("tool_call_id must map back to the function name: %s", parts[0].Raw)
	}
	if parts[0].Get("functionResponse.response.temp").Int() != 21 {
		t.Fatalf("JSON tool output must pass through structurally: %s", parts[0].Raw)
	}
	if parts[1].Get("functionResponse.response.result").String() != "noon" {
		t.Fatalf("plain text tool output must wrap in result: %s", parts[1].Raw)
	}
}

func TestFunctionCallRoleAndThoughtSignature(t *testing.T) {
	root := convert(t, `{
		"messages":[
			{"role":"assistant","tool_calls":[
				{"id":"c1","type":"function","function":{"name":"a","arguments":"{}"}},
				{"id":"c2","type":"function","function":{"name":"b","arguments":"{}"}}
			]}
		]
	}`, Options{})

	entry := root.Get("contents.0")
	if entry.Get("role").String() != "model" {
		t.Fatalf("functionCall entries must carry role model, got %q", entry.Get("role").String())
	}
	parts := entry.Get("parts").Array()
	if !parts[0].Get("thoughtSignature").Exists() {
		t.Fatal("first functionCall part must carry the placeholder thoughtSignature")
	}
	if parts[1].Get("thoughtSignature").Exists() {
		t.Fatal("subsequent functionCall parts must not carry a thoughtSignature")
	}
}

func TestToolSchemaRewrite(t *testing.T) {
	root := convert(t, `{
		"messages":[{"role":"user","content":"x"}],
		"tools":[{"type":"function","function":{
			"name":"get_weather",
			"parameters":{"$schema":"draft","type":"object","additionalProperties":false,"properties":{"city":{"type":["string","null"]}}}
		}}]
	}`, Options{})

	params := root.Get("tools.0.functionDeclarations.0.parameters")
	if params.Get("$schema").Exists() || params.Get("additionalProperties").Exists() {
		t.Fatalf("schema metadata must be stripped: %s", params.Raw)
	}
	if params.Get("type").String() != "OBJECT" {
		t.Fatalf("types must be uppercased: %s", params.Raw)
	}
	city := params.Get("properties.city")
	if city.Get("type").String() != "STRING" || !city.Get("nullable").Bool() {
		t.Fatalf("union types must collapse to nullable: %s", city.Raw)
	}
}

func TestToolChoiceMapping(t *testing.T) {
	cases := map[string]string{
		`"auto"`:     "AUTO",
		`"none"`:     "NONE",
		`"required"`: "ANY",
	}
	for choice, mode := range cases {
		root := convert(t, `{"messages":[{"role":"user","content":"x"}],"tool_choice":`+choice+`}`, Options{})
		if got := root.Get("toolConfig.functionCallingConfig.mode").String(); got != mode {
			t.Errorf("tool_choice %s: expected %s, got %q", choice, mode, got)
		}
	}

	root := convert(t, `{
		"messages":[{"role":"user","content":"x"}],
		"tool_choice":{"type":"function","function":{"name":"get_weather"}}
	}`, Options{})
	cfg := root.Get("toolConfig.functionCallingConfig")
	if cfg.Get("mode").String() != "ANY" {
		t.Fatalf("object tool_choice must map to ANY, got %s", cfg.Raw)
	}
	allowed := cfg.Get("allowedFunctionNames").Array()
	if len(allowed) != 1 || allowed[0].String() != "get_weather" {
		t.Fatalf("expected allowedFunctionNames [get_weather], got %s", cfg.Raw)
	}
}

func TestGenerationConfigMapping(t *testing.T) {
	root := convert(t, `{
		"messages":[{"role":"user","content":"x"}],
		"max_tokens":512,"stop":["END"],"temperature":0.5,"top_k":40,"top_p":0.9
	}`, Options{})

	cfg := root.Get("generationConfig")
	if cfg.Get("maxOutputTokens").Int() != 512 {
		t.Error("max_tokens not mapped")
	}
	if cfg.Get("stopSequences.0").String() != "END" {
		t.Error("stop not mapped")
	}
	if cfg.Get("temperature").Float() != 0.5 || cfg.Get("topK").Int() != 40 || cfg.Get("topP").Float() != 0.9 {
		t.Errorf("sampling params not mapped: %s", cfg.Raw)
	}
}

func TestThinkingConfigAliases(t *testing.T) {
	aliases := []string{
		`{"extra_body":{"google":{"thinking_config":{"includeThoughts":true}}}}`,
		`{"extra_body":{"thinkingConfig":{"includeThoughts":true}}}`,
		`{"thinking_config":{"includeThoughts":true}}`,
		`{"thinkingConfig":{"includeThoughts":true}}`,
	}
	for _, alias := range aliases {
		merged := alias[:len(alias)-1] + `,"messages":[{"role":"user","content":"x"}]}`
		root := convert(t, merged, Options{})
		if !root.Get("generationConfig.thinkingConfig.includeThoughts").Bool() {
			t.Errorf("alias %s did not normalize to includeThoughts", alias)
		}
	}
}

func TestReasoningEffortInjectsThinking(t *testing.T) {
	root := convert(t, `{"messages":[{"role":"user","content":"x"}],"reasoning_effort":"high"}`, Options{})
	if !root.Get("generationConfig.thinkingConfig.includeThoughts").Bool() {
		t.Fatal("reasoning_effort must inject includeThoughts")
	}
}

func TestForceFlags(t *testing.T) {
	root := convert(t, `{"messages":[{"role":"user","content":"x"}]}`, Options{
		ForceThinking:   true,
		ForceWebSearch:  true,
		ForceURLContext: true,
	})

	if !root.Get("generationConfig.thinkingConfig.includeThoughts").Bool() {
		t.Error("forceThinking not applied")
	}
	var hasSearch, hasContext bool
	root.Get("tools").ForEach(func(_, tool gjson.Result) bool {
		if tool.Get("googleSearch").Exists() {
			hasSearch = true
		}
		if tool.Get("urlContext").Exists() {
			hasContext = true
		}
		return true
	})
	if !hasSearch || !hasContext {
		t.Errorf("force tools missing: %s", root.Get("tools").Raw)
	}
}

func TestSafetySettingsAlwaysBlockNone(t *testing.T) {
	root := convert(t, `{"messages":[{"role":"user","content":"x"}]}`, Options{})
	settings := root.Get("safetySettings").Array()
	if len(settings) != 4 {
		t.Fatalf("expected 4 safety categories, got %d", len(settings))
	}
	for _, setting := range settings {
		if setting.Get("threshold").String() != "BLOCK_NONE" {
			t.Fatalf("expected BLOCK_NONE, got %s", setting.Raw)
		}
	}
}

func TestDataURLImageBecomesInlineData(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	root := convert(t, `{
		"messages":[{"role":"user","content":[
			{"type":"text","text":"look"},
			{"type":"image_url","image_url":{"url":"data:image/png;base64,`+payload+`"}}
		]}]
	}`, Options{})

	parts := root.Get("contents.0.parts").Array()
	if parts[0].Get("text").String() != "look" {
		t.Fatalf("text part missing: %s", root.Get("contents.0").Raw)
	}
	inline := parts[1].Get("inlineData")
	if inline.Get("mimeType").String() != "image/png" || inline.Get("data").String() != payload {
		t.Fatalf("inlineData wrong: %s", inline.Raw)
	}
}

func TestRemoteImageDownload(t *testing.T) {
	originalFetch := FetchImage
	defer func() { FetchImage = originalFetch }()
	FetchImage = func(rawURL string) ([]byte, string, error) {
		return []byte("jpeg-bytes"), "image/jpeg", nil
	}

	root := convert(t, `{
		"messages":[{"role":"user","content":[
			{"type":"image_url","image_url":{"url":"https://example.com/cat.jpg"}}
		]}]
	}`, Options{})

	inline := root.Get("contents.0.parts.0.inlineData")
	if inline.Get("mimeType").String() != "image/jpeg" {
		t.Fatalf("expected downloaded mime, got %s", inline.Raw)
	}
	decoded, _ := base64.StdEncoding.DecodeString(inline.Get("data").String())
	if string(decoded) != "jpeg-bytes" {
		t.Fatal("downloaded bytes must be base64 encoded into inlineData")
	}
}

func TestFailedImageDownloadInlinesNote(t *testing.T) {
	originalFetch := FetchImage
	defer func() { FetchImage = originalFetch }()
	FetchImage = func(rawURL string) ([]byte, string, error) {
		return nil, "", errors.New("connection refused")
	}

	root := convert(t, `{
		"messages":[{"role":"user","content":[
			{"type":"image_url","image_url":{"url":"https://example.com/gone.jpg"}}
		]}]
	}`, Options{})

	text := root.Get("contents.0.parts.0.text").String()
	if !strings.HasPrefix(text, "[System Note: Failed to load image") {
		t.Fatalf("expected system note, got %q", text)
	}
}
