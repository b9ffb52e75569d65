package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/router-for-me/AIStudioProxyAPI/internal/bridge"
	"github.com/router-for-me/AIStudioProxyAPI/internal/config"
	"github.com/router-for-me/AIStudioProxyAPI/internal/handler"
	"github.com/router-for-me/AIStudioProxyAPI/internal/registry"
	"github.com/router-for-me/AIStudioProxyAPI/internal/rotation"
)

func testRouterAndCleanup(t *testing.T) http.Handler {
	t.Helper()
	cfg := &config.Config{
		APIKeys:       []string{"k"},
		AuthDir:       t.TempDir(),
		StreamingMode: config.StreamingModeReal,
		MaxRetries:    1,
	}
	reg := registry.NewRegistry(cfg.AuthDir)
	bridgeManager := bridge.NewManager(bridge.Options{})
	machine := rotation.NewMachine(reg, bridgeManager, 0, 0)
	core := handler.New(cfg, config.NewFlags(cfg), bridgeManager, machine, reg)
	t.Cleanup(func() { _ = bridgeManager.Close() })
	return NewRouter(cfg, core)
}

func get(router http.Handler, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestHealthIsUnauthenticated(t *testing.T) {
	router := testRouterAndCleanup(t)
	resp := get(router, "/health", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	root := gjson.Parse(resp.Body.String())
	if root.Get("browserConnected").Type != gjson.False {
		t.Fatalf("expected browserConnected false: %s", resp.Body.String())
	}
}

func TestOpenAIModelsRequireAuth(t *testing.T) {
	router := testRouterAndCleanup(t)
	if resp := get(router, "/v1/models", ""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", resp.Code)
	}
	resp := get(router, "/v1/models", "k")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", resp.Code)
	}
	if gjson.Parse(resp.Body.String()).Get("object").String() != "list" {
		t.Fatalf("unexpected models payload: %s", resp.Body.String())
	}
}

func TestOpenAIPrefixAlias(t *testing.T) {
	router := testRouterAndCleanup(t)
	if resp := get(router, "/openai/v1/models", "k"); resp.Code != http.StatusOK {
		t.Fatalf("expected /openai alias to answer, got %d", resp.Code)
	}
}

func TestGeminiModelList(t *testing.T) {
	router := testRouterAndCleanup(t)
	resp := get(router, "/v1beta/models", "k")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	models := gjson.Parse(resp.Body.String()).Get("models")
	if !models.IsArray() || len(models.Array()) == 0 {
		t.Fatalf("expected model entries: %s", resp.Body.String())
	}
	if name := models.Array()[0].Get("name").String(); name == "" || name[:7] != "models/" {
		t.Fatalf("gemini model names must carry the models/ prefix: %s", name)
	}
}

func TestAdminStatusShape(t *testing.T) {
	router := testRouterAndCleanup(t)
	resp := get(router, "/admin/status", "k")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	root := gjson.Parse(resp.Body.String())
	if !root.Get("usageCount").Exists() || !root.Get("failureCount").Exists() {
		t.Fatalf("status must expose counters: %s", resp.Body.String())
	}
	// Counters render as plain integers.
	if root.Get("usageCount").Raw != "0" {
		t.Fatalf("usageCount must be a bare integer, got %s", root.Get("usageCount").Raw)
	}
}

func TestAdminIdentitiesIncludesInvalid(t *testing.T) {
	router := testRouterAndCleanup(t)
	resp := get(router, "/admin/identities", "k")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !gjson.Parse(resp.Body.String()).Get("initialIndices").Exists() {
		t.Fatalf("identities must report initialIndices: %s", resp.Body.String())
	}
}
