package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ttoman/tt-wordwise/internal/grammar"
)

func doJSON(t *testing.T, handler http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var response map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
			t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, response
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.service, "*").Handler()

	rr, response := doJSON(t, handler, http.MethodGet, "/api/health", "")
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if ok := response["ok"]; ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected CORS origin=*, got %v", origin)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestHealthEndpoint_OptionsRequest(t *testing.T) {
	env := newTestEnv(t)
	rr, _ := doJSON(t, NewHTTPServer(env.service, "*").Handler(), http.MethodOptions, "/api/health", "")
	if rr.Code != http.StatusNoContent {
		t.Errorf("expected status 204 for OPTIONS, got %d", rr.Code)
	}
}

func TestReadyEndpoint(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.service, "*").Handler()

	rr, response := doJSON(t, handler, http.MethodGet, "/api/ready", "")
	if rr.Code != http.StatusOK || response["status"] != "ready" {
		t.Fatalf("expected ready, got %d %v", rr.Code, response)
	}

	env.documents.pingFn = func(context.Context) error { return errors.New("connection refused") }
	rr, response = doJSON(t, handler, http.MethodGet, "/api/ready", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	checks, ok := response["checks"].(map[string]any)
	if !ok {
		t.Fatalf("expected checks object, got %v", response["checks"])
	}
	dbCheck, _ := checks["database"].(map[string]any)
	if dbCheck["status"] != "error" || dbCheck["error"] != "connection refused" {
		t.Fatalf("unexpected database check: %v", dbCheck)
	}
}

func TestDocumentAutosaveRoutes(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.service, "*").Handler()

	rr, response := doJSON(t, handler, http.MethodPost, "/api/documents/doc-1/open", `{"title":"Draft","content":""}`)
	if rr.Code != http.StatusOK || response["status"] != "idle" {
		t.Fatalf("open: %d %v", rr.Code, response)
	}

	rr, response = doJSON(t, handler, http.MethodPost, "/api/documents/doc-1/open", `{"title":"Draft"}`)
	if rr.Code != http.StatusConflict || response["code"] != "ALREADY_OPEN" {
		t.Fatalf("second open: %d %v", rr.Code, response)
	}

	rr, response = doJSON(t, handler, http.MethodPost, "/api/documents/doc-1/autosave", `{"content":"A longer body of text."}`)
	if rr.Code != http.StatusAccepted || response["status"] != "pending" || response["isDirty"] != true {
		t.Fatalf("schedule: %d %v", rr.Code, response)
	}

	rr, response = doJSON(t, handler, http.MethodPost, "/api/documents/doc-1/autosave/cancel", "")
	if rr.Code != http.StatusOK || response["status"] != "idle" {
		t.Fatalf("cancel: %d %v", rr.Code, response)
	}

	rr, response = doJSON(t, handler, http.MethodPost, "/api/documents/doc-1/save", `{"content":"A longer body of text."}`)
	if rr.Code != http.StatusOK || response["success"] != true {
		t.Fatalf("force save: %d %v", rr.Code, response)
	}

	rr, response = doJSON(t, handler, http.MethodGet, "/api/documents/doc-1", "")
	if rr.Code != http.StatusOK || response["content"] != "A longer body of text." {
		t.Fatalf("get document: %d %v", rr.Code, response)
	}

	rr, response = doJSON(t, handler, http.MethodGet, "/api/documents/doc-1/history", "")
	items, _ := response["items"].([]any)
	if rr.Code != http.StatusOK || len(items) != 1 {
		t.Fatalf("history: %d %v", rr.Code, response)
	}

	rr, _ = doJSON(t, handler, http.MethodPost, "/api/documents/doc-1/close", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("close: %d", rr.Code)
	}
	rr, response = doJSON(t, handler, http.MethodGet, "/api/documents/doc-1/autosave", "")
	if rr.Code != http.StatusNotFound || response["code"] != "DOCUMENT_NOT_OPEN" {
		t.Fatalf("state after close: %d %v", rr.Code, response)
	}
}

func TestForceSaveReportsFailure(t *testing.T) {
	env := newTestEnv(t)
	env.documents.saveFn = func(context.Context, string, *string, *string) error {
		return errors.New("database unavailable")
	}
	handler := NewHTTPServer(env.service, "*").Handler()
	doJSON(t, handler, http.MethodPost, "/api/documents/doc-1/open", `{"title":""}`)

	rr, response := doJSON(t, handler, http.MethodPost, "/api/documents/doc-1/save", `{"title":"Renamed"}`)
	if rr.Code != http.StatusOK || response["success"] != false {
		t.Fatalf("force save: %d %v", rr.Code, response)
	}
}

func TestGrammarRoutes(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.service, "*").Handler()

	rr, response := doJSON(t, handler, http.MethodPost, "/api/sessions", "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("create session: %d", rr.Code)
	}
	sid, _ := response["sessionId"].(string)
	if sid == "" || response["spellReadiness"] == nil {
		t.Fatalf("unexpected session response: %v", response)
	}
	base := "/api/sessions/" + sid + "/grammar"

	rr, response = doJSON(t, handler, http.MethodPost, base+"/check", `{"sentence":"The dog run very fast.","context":""}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("check: %d %v", rr.Code, response)
	}
	if suggestions, _ := response["suggestions"].([]any); len(suggestions) != 2 {
		t.Fatalf("expected 2 suggestions, got %v", response["suggestions"])
	}

	rr, response = doJSON(t, handler, http.MethodPost, base+"/suggestions/1/dismiss", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("dismiss: %d %v", rr.Code, response)
	}
	rr, response = doJSON(t, handler, http.MethodPost, base+"/suggestions/0/apply", "")
	if rr.Code != http.StatusOK || response["replacement"] != "dog runs" {
		t.Fatalf("apply: %d %v", rr.Code, response)
	}
	rr, response = doJSON(t, handler, http.MethodPost, base+"/suggestions/0/apply", "")
	if rr.Code != http.StatusNotFound || response["code"] != "SUGGESTION_NOT_FOUND" {
		t.Fatalf("apply out of range: %d %v", rr.Code, response)
	}

	rr, response = doJSON(t, handler, http.MethodPost, base+"/check", `{"sentence":"Short."}`)
	if rr.Code != http.StatusUnprocessableEntity || response["code"] != "SENTENCE_TOO_SHORT" {
		t.Fatalf("short sentence: %d %v", rr.Code, response)
	}

	rr, response = doJSON(t, handler, http.MethodPost, base+"/idle", `{"text":"Typing a sentence now","cursor":5}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("idle: %d %v", rr.Code, response)
	}

	rr, _ = doJSON(t, handler, http.MethodGet, "/api/sessions/ses_missing/grammar", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown session: %d", rr.Code)
	}
}

func TestGrammarPolicyErrors(t *testing.T) {
	reset := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"throttle", &grammar.ThrottleError{RetryAfter: 1500 * time.Millisecond}, http.StatusTooManyRequests, "THROTTLED"},
		{"cost cap", &grammar.CostLimitError{ResetTime: reset}, http.StatusTooManyRequests, "COST_LIMIT"},
		{"too long", grammar.ErrSentenceTooLong, http.StatusUnprocessableEntity, "SENTENCE_TOO_LONG"},
		{"rate limited", grammar.ErrRateLimited, http.StatusServiceUnavailable, "ORACLE_BUSY"},
		{"bad reply", grammar.ErrResponseInvalid, http.StatusBadGateway, "ORACLE_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.checker.checkFn = func(context.Context, string, string) (grammar.Result, error) {
				return grammar.Result{}, tc.err
			}
			handler := NewHTTPServer(env.service, "*").Handler()
			sid := env.service.CreateSession().SessionID

			rr, response := doJSON(t, handler, http.MethodPost, "/api/sessions/"+sid+"/grammar/check", `{"sentence":"This sentence is long enough."}`)
			if rr.Code != tc.wantStatus || response["code"] != tc.wantCode {
				t.Fatalf("got %d %v", rr.Code, response)
			}
			if tc.wantCode == "COST_LIMIT" {
				details, _ := response["details"].(map[string]any)
				if details["resetTime"] != "2024-05-01T10:00:00Z" {
					t.Fatalf("unexpected details: %v", response["details"])
				}
			}
			if tc.wantCode == "THROTTLED" {
				details, _ := response["details"].(map[string]any)
				if details["retryAfterMs"] != float64(1500) {
					t.Fatalf("unexpected details: %v", response["details"])
				}
			}
		})
	}
}

func TestGrammarCostRoute(t *testing.T) {
	env := newTestEnv(t)
	env.checker.cost = grammar.CostInfo{TotalCost: 0.12, RemainingBudget: 0.38, Limit: 0.5}
	rr, response := doJSON(t, NewHTTPServer(env.service, "*").Handler(), http.MethodGet, "/api/grammar/cost", "")
	if rr.Code != http.StatusOK || response["totalCost"] != 0.12 || response["remainingBudget"] != 0.38 {
		t.Fatalf("cost: %d %v", rr.Code, response)
	}
}

func TestSpellRoutes(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.service, "*").Handler()
	sid := env.service.CreateSession().SessionID
	waitForReady(t, env.service, sid)
	base := "/api/sessions/" + sid + "/spell"

	rr, response := doJSON(t, handler, http.MethodPost, base+"/check", `{"text":"teh cat"}`)
	errs, _ := response["errors"].([]any)
	if rr.Code != http.StatusOK || len(errs) != 1 {
		t.Fatalf("check: %d %v", rr.Code, response)
	}

	rr, response = doJSON(t, handler, http.MethodPost, base+"/errors/0/apply", `{"suggestion":"the"}`)
	if rr.Code != http.StatusOK || response["replacement"] != "the" {
		t.Fatalf("apply: %d %v", rr.Code, response)
	}
	rr, response = doJSON(t, handler, http.MethodPost, base+"/errors/0/ignore", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("ignore out of range: %d %v", rr.Code, response)
	}

	rr, response = doJSON(t, handler, http.MethodGet, base, "")
	if rr.Code != http.StatusOK || response["readiness"] != "ready" {
		t.Fatalf("state: %d %v", rr.Code, response)
	}

	rr, _ = doJSON(t, handler, http.MethodDelete, "/api/sessions/"+sid, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: %d", rr.Code)
	}
	rr, _ = doJSON(t, handler, http.MethodGet, base, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("state after delete: %d", rr.Code)
	}
}

func TestSearchRoute(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.service, "*").Handler()
	doJSON(t, handler, http.MethodPost, "/api/documents/doc-1/open", `{"title":""}`)
	doJSON(t, handler, http.MethodPost, "/api/documents/doc-1/save", `{"title":"Roadmap"}`)

	rr, response := doJSON(t, handler, http.MethodGet, "/api/search?q=Roadmap", "")
	results, _ := response["results"].([]any)
	if rr.Code != http.StatusOK || len(results) != 1 {
		t.Fatalf("search: %d %v", rr.Code, response)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	rr, response := doJSON(t, NewHTTPServer(env.service, "*").Handler(), http.MethodGet, "/api/nope", "")
	if rr.Code != http.StatusNotFound || response["code"] != "NOT_FOUND" {
		t.Fatalf("unknown route: %d %v", rr.Code, response)
	}
}

func TestInvalidJSONBody(t *testing.T) {
	env := newTestEnv(t)
	rr, response := doJSON(t, NewHTTPServer(env.service, "*").Handler(), http.MethodPost, "/api/documents/doc-1/open", `{"title":`)
	if rr.Code != http.StatusBadRequest || response["code"] != "VALIDATION_ERROR" {
		t.Fatalf("invalid body: %d %v", rr.Code, response)
	}
}
