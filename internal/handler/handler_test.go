package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/AIStudioProxyAPI/internal/bridge"
	"github.com/router-for-me/AIStudioProxyAPI/internal/config"
	"github.com/router-for-me/AIStudioProxyAPI/internal/logging"
	"github.com/router-for-me/AIStudioProxyAPI/internal/registry"
	"github.com/router-for-me/AIStudioProxyAPI/internal/rotation"
)

const testAPIKey = "test-key"

// scriptedAgent stands in for the browser worker: each request descriptor is
// answered by the script, and cancel frames are recorded.
type scriptedAgent struct {
	script func(call int, desc bridge.Descriptor, emit func(bridge.Event))

	mu          sync.Mutex
	calls       int
	descriptors []bridge.Descriptor
	cancels     []string
}

func (s *scriptedAgent) factory() bridge.LocalAgentFactory {
	return func(emit func(bridge.Event)) bridge.AgentLink {
		return &scriptedLink{agent: s, emit: emit}
	}
}

func (s *scriptedAgent) Cancels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancels...)
}

func (s *scriptedAgent) Descriptors() []bridge.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bridge.Descriptor(nil), s.descriptors...)
}

type scriptedLink struct {
	agent *scriptedAgent
	emit  func(bridge.Event)
}

func (l *scriptedLink) Send(data []byte) error {
	var desc bridge.Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return err
	}
	l.agent.mu.Lock()
	if desc.EventType == bridge.EventTypeCancelRequest {
		l.agent.cancels = append(l.agent.cancels, desc.RequestID)
		l.agent.mu.Unlock()
		return nil
	}
	l.agent.calls++
	call := l.agent.calls
	l.agent.descriptors = append(l.agent.descriptors, desc)
	l.agent.mu.Unlock()

	go l.agent.script(call, desc, l.emit)
	return nil
}

func (l *scriptedLink) Close() error { return nil }

// testEnv wires the full stack (registry, bridge, rotation, handler, router)
// around a scripted agent.
type testEnv struct {
	server  *httptest.Server
	agent   *scriptedAgent
	bridge  *bridge.Manager
	machine *rotation.Machine
}

func newTestEnv(t *testing.T, identities int, agent *scriptedAgent, mutate func(*config.Config)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logging.SetupBaseLogger()

	dir := t.TempDir()
	for i := 0; i < identities; i++ {
		path := filepath.Join(dir, "auth-"+string(rune('0'+i))+".json")
		if err := os.WriteFile(path, []byte(`{"cookies":[]}`), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cfg := &config.Config{
		Host:                       "127.0.0.1",
		APIKeys:                    []string{testAPIKey},
		AuthDir:                    dir,
		UpstreamHost:               "upstream.invalid",
		StreamingMode:              config.StreamingModeReal,
		MaxRetries:                 3,
		RetryDelayMS:               10,
		ImmediateSwitchStatusCodes: []int{429, 503},
	}
	if mutate != nil {
		mutate(cfg)
	}

	reg := registry.NewRegistry(dir)
	bridgeManager := bridge.NewManager(bridge.Options{LocalAgent: agent.factory()})
	if err := bridgeManager.Start(); err != nil {
		t.Fatal(err)
	}
	machine := rotation.NewMachine(reg, bridgeManager, cfg.SwitchOnUses, cfg.FailureThreshold)
	flags := config.NewFlags(cfg)
	core := New(cfg, flags, bridgeManager, machine, reg)

	router := gin.New()
	router.POST("/v1/chat/completions", core.ServeOpenAIChat)
	router.POST("/v1beta/models/*action", func(c *gin.Context) {
		c.Params = append(c.Params, gin.Param{Key: "version", Value: "v1beta"})
		core.ServeGeminiNative(c)
	})

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		_ = bridgeManager.Close()
	})
	return &testEnv{server: server, agent: agent, bridge: bridgeManager, machine: machine}
}

// geminiTextResponse builds a complete Gemini response document.
func geminiTextResponse(text string) string {
	return `{"candidates":[{"content":{"parts":[{"text":"` + text + `"}]},"finishReason":"STOP"}],` +
		`"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5}}`
}

func respondOnce(body string) func(int, bridge.Descriptor, func(bridge.Event)) {
	return func(_ int, desc bridge.Descriptor, emit func(bridge.Event)) {
		emit(bridge.Event{RequestID: desc.RequestID, EventType: bridge.EventResponseHeaders, Status: 200})
		emit(bridge.Event{RequestID: desc.RequestID, EventType: bridge.EventChunk, Data: body})
		emit(bridge.Event{RequestID: desc.RequestID, EventType: bridge.EventStreamClose})
	}
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestSimpleChatNonStream(t *testing.T) {
	agent := &scriptedAgent{script: respondOnce(geminiTextResponse("Hello!"))}
	env := newTestEnv(t, 1, agent, nil)

	resp := postJSON(t, env.server.URL+"/v1/chat/completions",
		`{"model":"gemini-2.5-flash-lite","messages":[{"role":"user","content":"hi"}],"stream":false}`)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	root := gjson.ParseBytes(body)
	if root.Get("choices.0.message.role").String() != "assistant" {
		t.Fatalf("expected assistant role: %s", body)
	}
	if root.Get("choices.0.message.content").String() != "Hello!" {
		t.Fatalf("content wrong: %s", body)
	}
	if root.Get("choices.0.finish_reason").String() != "stop" {
		t.Fatalf("finish_reason wrong: %s", body)
	}
	if root.Get("usage.prompt_tokens").Int() < 1 {
		t.Fatalf("usage.prompt_tokens must be >= 1: %s", body)
	}
}

func TestRealStreaming(t *testing.T) {
	script := func(_ int, desc bridge.Descriptor, emit func(bridge.Event)) {
		emit(bridge.Event{RequestID: desc.RequestID, EventType: bridge.EventResponseHeaders, Status: 200})
		emit(bridge.Event{RequestID: desc.RequestID, EventType: bridge.EventChunk,
			Data: "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Hel\"}]}}]}\n\n"})
		emit(bridge.Event{RequestID: desc.RequestID, EventType: bridge.EventChunk,
			Data: "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"lo\"}]},\"finishReason\":\"STOP\"}],\"usageMetadata\":{\"promptTokenCount\":3,\"candidatesTokenCount\":2}}\n\n"})
		emit(bridge.Event{RequestID: desc.RequestID, EventType: bridge.EventStreamClose})
	}
	agent := &scriptedAgent{script: script}
	env := newTestEnv(t, 1, agent, nil)

	resp := postJSON(t, env.server.URL+"/v1/chat/completions",
		`{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	defer func() { _ = resp.Body.Close() }()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected SSE content type, got %q", ct)
	}

	var payloads []gjson.Result
	scanner := bufio.NewScanner(resp.Body)
	sawDone := false
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			continue
		}
		payloads = append(payloads, gjson.Parse(payload))
	}
	if !sawDone {
		t.Fatal("stream must terminate with [DONE]")
	}
	if len(payloads) < 3 {
		t.Fatalf("expected content, content, final frames; got %d", len(payloads))
	}
	if payloads[0].Get("choices.0.delta.role").String() != "assistant" {
		t.Fatalf("first chunk must carry assistant role: %s", payloads[0].Raw)
	}
	if payloads[1].Get("choices.0.delta.role").Exists() {
		t.Fatal("later chunks must not repeat the role")
	}
	final := payloads[len(payloads)-1]
	if final.Get("choices.0.finish_reason").String() != "stop" {
		t.Fatalf("final frame must carry stop: %s", final.Raw)
	}
	if !final.Get("usage").Exists() {
		t.Fatalf("final frame must carry usage: %s", final.Raw)
	}
}

func TestToolCallingStream(t *testing.T) {
	script := func(_ int, desc bridge.Descriptor, emit func(bridge.Event)) {
		emit(bridge.Event{RequestID: desc.RequestID, EventType: bridge.EventResponseHeaders, Status: 200})
		emit(bridge.Event{RequestID: desc.RequestID, EventType: bridge.EventChunk,
			Data: "data: {\"candidates\":[{\"content\":{\"parts\":[{\"functionCall\":{\"name\":\"get_weather\",\"args\":{\"city\":\"Tokyo\"}}}]},\"finishReason\":\"STOP\"}]}\n\n"})
		emit(bridge.Event{RequestID: desc.RequestID, EventType: bridge.EventStreamClose})
	}
	agent := &scriptedAgent{script: script}
	env := newTestEnv(t, 1, agent, nil)

	resp := postJSON(t, env.server.URL+"/v1/chat/completions", `{
		"model":"gemini-2.5-flash","stream":true,
		"messages":[{"role":"user","content":"weather in tokyo"}],
		"tools":[{"type":"function","function":{"name":"get_weather","parameters":{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}}}],
		"tool_choice":"required"
	}`)
	defer func() { _ = resp.Body.Close() }()

	var toolDelta, finalFrame gjson.Result
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") || strings.HasSuffix(line, "[DONE]") {
			continue
		}
		payload := gjson.Parse(strings.TrimPrefix(line, "data: "))
		if payload.Get("choices.0.delta.tool_calls").Exists() {
			toolDelta = payload
		}
		if payload.Get("choices.0.finish_reason").String() != "" {
			finalFrame = payload
		}
	}

	call := toolDelta.Get("choices.0.delta.tool_calls.0")
	if call.Get("index").Int() != 0 {
		t.Fatalf("tool call index must be 0: %s", call.Raw)
	}
	if call.Get("function.name").String() != "get_weather" {
		t.Fatalf("tool call name wrong: %s", call.Raw)
	}
	if call.Get("function.arguments").String() != `{"city":"Tokyo"}` {
		t.Fatalf("arguments wrong: %s", call.Raw)
	}
	if finalFrame.Get("choices.0.finish_reason").String() != "tool_calls" {
		t.Fatalf("finish_reason must be tool_calls: %s", finalFrame.Raw)
	}

	// The descriptor sent downstream carried the required tool_choice mapping.
	descriptors := agent.Descriptors()
	body := descriptors[0].Body
	if gjson.Get(body, "toolConfig.functionCallingConfig.mode").String() != "ANY" {
		t.Fatalf("tool_choice required must map to ANY: %s", body)
	}
}

func TestImmediateSwitchOn429(t *testing.T) {
	script := func(call int, desc bridge.Descriptor, emit func(bridge.Event)) {
		if call == 1 {
			emit(bridge.Event{RequestID: desc.RequestID, EventType: bridge.EventResponseHeaders, Status: 429})
			emit(bridge.Event{RequestID: desc.RequestID, EventType: bridge.EventError, Status: 429, Message: "rate limited"})
			return
		}
		emit(bridge.Event{RequestID: desc.RequestID, EventType: bridge.EventResponseHeaders, Status: 200})
		emit(bridge.Event{RequestID: desc.RequestID, EventType: bridge.EventChunk, Data: geminiTextResponse("recovered")})
		emit(bridge.Event{RequestID: desc.RequestID, EventType: bridge.EventStreamClose})
	}
	agent := &scriptedAgent{script: script}
	env := newTestEnv(t, 2, agent, nil)

	resp := postJSON(t, env.server.URL+"/v1/chat/completions",
		`{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"hi"}],"stream":false}`)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("client must see exactly one successful response, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if gjson.GetBytes(body, "choices.0.message.content").String() != "recovered" {
		t.Fatalf("unexpected body: %s", body)
	}
	if cursor := env.machine.Snapshot().Cursor; cursor != 1 {
		t.Fatalf("429 must rotate the identity cursor to 1, got %d", cursor)
	}
}

func TestCancellationPropagates(t *testing.T) {
	script := func(_ int, desc bridge.Descriptor, emit func(bridge.Event)) {
		emit(bridge.Event{RequestID: desc.RequestID, EventType: bridge.EventResponseHeaders, Status: 200})
		emit(bridge.Event{RequestID: desc.RequestID, EventType: bridge.EventChunk,
			Data: "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"first\"}]}}]}\n\n"})
		// Then go silent: the client gives up and cancels.
	}
	agent := &scriptedAgent{script: script}
	env := newTestEnv(t, 1, agent, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, env.server.URL+"/v1/chat/completions",
		strings.NewReader(`{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"hi"}],"stream":true}`))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}

	// Read the first chunk, then drop the connection.
	buf := make([]byte, 1)
	if _, err = resp.Body.Read(buf); err != nil {
		t.Fatal(err)
	}
	cancel()
	_ = resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(agent.Cancels()) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancels := agent.Cancels()
	if len(cancels) == 0 {
		t.Fatal("bridge must carry a cancel_request frame within 2s")
	}

	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !env.bridge.HasQueue(cancels[0]) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("request id must be absent from the bridge table within 5s")
}

func TestGeminiNativePassthrough(t *testing.T) {
	upstream := `{"candidates":[{"content":{"parts":[{"text":"native"}]},"finishReason":"STOP"}]}`
	agent := &scriptedAgent{script: respondOnce(upstream)}
	env := newTestEnv(t, 1, agent, nil)

	resp := postJSON(t, env.server.URL+"/v1beta/models/gemini-2.5-flash:generateContent",
		`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != upstream {
		t.Fatalf("native responses must pass through untouched: %s", body)
	}

	// The sanitizer pinned safety settings on the outbound body.
	sent := agent.Descriptors()[0].Body
	if gjson.Get(sent, "safetySettings.0.threshold").String() != "BLOCK_NONE" {
		t.Fatalf("safety settings must be pinned: %s", sent)
	}
}

func TestBadRequestMissingModel(t *testing.T) {
	agent := &scriptedAgent{script: respondOnce(geminiTextResponse("x"))}
	env := newTestEnv(t, 1, agent, nil)

	resp := postJSON(t, env.server.URL+"/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing model must produce 400, got %d", resp.StatusCode)
	}
	if calls := len(agent.Descriptors()); calls != 0 {
		t.Fatalf("bad requests must not reach the bridge, got %d dispatches", calls)
	}
}

func TestNoIdentityAvailable(t *testing.T) {
	agent := &scriptedAgent{script: respondOnce(geminiTextResponse("x"))}
	env := newTestEnv(t, 0, agent, nil)

	resp := postJSON(t, env.server.URL+"/v1/chat/completions",
		`{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"hi"}]}`)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("no identities must produce 503, got %d", resp.StatusCode)
	}
}
