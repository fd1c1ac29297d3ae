package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"tideline/internal/config"
	"tideline/internal/db"
	"tideline/internal/engine"
	"tideline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("job-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), engine.ProjectInitOptions{
		ID:      cfg.Project.ID,
		Name:    "Harbor survey",
		ActorID: "admin-1",
		Config:  cfg,
	}); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", string(data), err)
	}
	return envelope.Error.Code
}

func devLogin(t *testing.T, srv *testServer, actorID, role string) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": actorID,
		"role":     role,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + resp.Token}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %s", code)
	}
}

func TestDevLoginAndWhoAmI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := devLogin(t, srv, "super-1", "supervisor")
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me struct {
		ActorID string `json:"actor_id"`
		Role    string `json:"role"`
		Source  string `json:"source"`
	}
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatal(err)
	}
	if me.ActorID != "super-1" || me.Role != "supervisor" || me.Source != "jwt" {
		t.Fatalf("unexpected identity %+v", me)
	}
}

func TestApprovalGateOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := map[string]string{"X-Actor-Id": "admin-1"}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/job-1/stages", map[string]any{
		"stages": []map[string]any{{
			"name":                   "Dive ops",
			"order":                  1,
			"required_approver_role": "supervisor",
			"gate_rules": map[string]any{
				"required_forms": []string{"dive-permit"},
			},
		}},
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create stage: %d %s", res.StatusCode, string(data))
	}
	var stages []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &stages); err != nil {
		t.Fatal(err)
	}
	stageID := stages[0].ID

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/job-1/checklists", map[string]any{
		"template_name": "equipment-commissioning",
		"stage_id":      stageID,
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create checklist: %d %s", res.StatusCode, string(data))
	}
	var checklist struct {
		RequiredItems []struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"required_items"`
	}
	if err := json.Unmarshal(data, &checklist); err != nil {
		t.Fatal(err)
	}

	// open gate blocks approval
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/job-1/stages/"+stageID+"/approve", map[string]any{
		"status": "approved",
	}, admin)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "gate_not_satisfied" {
		t.Fatalf("expected gate_not_satisfied, got %s", code)
	}

	// techs cannot approve even with a closed gate
	for _, item := range checklist.RequiredItems {
		body := map[string]any{"status": "complete"}
		if item.Type == "boolean" {
			body["value"] = true
		} else {
			body["value"] = 200
		}
		res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/checklist-items/"+item.ID, body, admin)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("complete item: %d %s", res.StatusCode, string(data))
		}
	}
	tech := devLogin(t, srv, "tech-1", "tech")
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/job-1/stages/"+stageID+"/approve", map[string]any{
		"status": "approved",
	}, tech)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "insufficient_role" {
		t.Fatalf("expected insufficient_role, got %s", code)
	}

	// supervisor approves once the gate is satisfied
	super := devLogin(t, srv, "super-1", "supervisor")
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/job-1/stages/"+stageID+"/approve", map[string]any{
		"status": "approved",
		"note":   "pressure test witnessed",
	}, super)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	var approval struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &approval); err != nil {
		t.Fatal(err)
	}
	if approval.Status != "approved" {
		t.Fatalf("expected approved, got %s", approval.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/job-1/progress", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress: %d %s", res.StatusCode, string(data))
	}
	var progress struct {
		OverallPercentage int `json:"overall_percentage"`
	}
	if err := json.Unmarshal(data, &progress); err != nil {
		t.Fatal(err)
	}
	if progress.OverallPercentage != 100 {
		t.Fatalf("expected 100%%, got %d%%", progress.OverallPercentage)
	}
}

func TestChecklistItemAssigneeRule(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := map[string]string{"X-Actor-Id": "admin-1"}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/job-1/checklists", map[string]any{
		"template_name": "demobilization",
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create checklist: %d %s", res.StatusCode, string(data))
	}
	var checklist struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	if err := json.Unmarshal(data, &checklist); err != nil {
		t.Fatal(err)
	}
	itemID := checklist.Items[0].ID

	// a tech cannot touch an item not assigned to them
	tech := devLogin(t, srv, "tech-1", "tech")
	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/checklist-items/"+itemID, map[string]any{
		"status": "complete",
	}, tech)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}

	// assignment opens the item up to the tech
	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/checklist-items/"+itemID, map[string]any{
		"assignee_id": "tech-1",
	}, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/checklist-items/"+itemID, map[string]any{
		"status": "complete",
		"value":  true,
	}, tech)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tech update: %d %s", res.StatusCode, string(data))
	}
	var item struct {
		Status      string  `json:"status"`
		CompletedAt *string `json:"completed_at"`
	}
	if err := json.Unmarshal(data, &item); err != nil {
		t.Fatal(err)
	}
	if item.Status != "complete" || item.CompletedAt == nil {
		t.Fatalf("unexpected item %+v", item)
	}
}

func TestChecklistItemValueChecks(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := map[string]string{"X-Actor-Id": "admin-1"}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/job-1/checklists", map[string]any{
		"template_name": "vessel-mobilization",
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create checklist: %d %s", res.StatusCode, string(data))
	}
	var checklist struct {
		Items []struct {
			ID    string `json:"id"`
			Label string `json:"label"`
		} `json:"items"`
	}
	if err := json.Unmarshal(data, &checklist); err != nil {
		t.Fatal(err)
	}
	byLabel := map[string]string{}
	for _, item := range checklist.Items {
		byLabel[item.Label] = item.ID
	}

	patch := func(id string, value any) (int, []byte) {
		res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/checklist-items/"+id, map[string]any{
			"value": value,
		}, admin)
		return res.StatusCode, data
	}

	cases := []struct {
		label string
		value any
	}{
		{"Crew briefing completed", "yes"},
		{"Vessel fuel level (%)", 150},
		{"Vessel fuel level (%)", -1},
		{"Sea state at departure", "stormy"},
		{"Navigation permit number", strings.Repeat("A", 40)},
	}
	for _, tc := range cases {
		code, body := patch(byLabel[tc.label], tc.value)
		if code != http.StatusBadRequest {
			t.Fatalf("%s=%v: expected 400, got %d %s", tc.label, tc.value, code, string(body))
		}
		if ec := errorCode(t, body); ec != "bad_request" {
			t.Fatalf("%s=%v: expected bad_request, got %s", tc.label, tc.value, ec)
		}
	}

	if code, body := patch(byLabel["Vessel fuel level (%)"], 85); code != http.StatusOK {
		t.Fatalf("valid value: %d %s", code, string(body))
	}
	if code, body := patch(byLabel["Sea state at departure"], "rough"); code != http.StatusOK {
		t.Fatalf("valid option: %d %s", code, string(body))
	}
}

func TestStageNotInProject(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := map[string]string{"X-Actor-Id": "admin-1"}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id": "job-2",
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create second project: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/job-2/stages", map[string]any{
		"stages": []map[string]any{{"name": "Mobilization", "order": 1}},
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create foreign stage: %d %s", res.StatusCode, string(data))
	}
	var foreign []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &foreign); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/job-1/checklists", map[string]any{
		"template_name": "dive-safety",
		"stage_id":      foreign[0].ID,
	}, admin)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_reference" {
		t.Fatalf("expected invalid_reference, got %s", code)
	}
}

func TestMemberGrantRequiresAdmin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	super := devLogin(t, srv, "super-1", "supervisor")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/job-1/members/grant", map[string]any{
		"actor_id": "tech-2",
		"role":     "tech",
	}, super)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}

	admin := map[string]string{"X-Actor-Id": "admin-1"}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/job-1/members/grant", map[string]any{
		"actor_id": "tech-2",
		"role":     "tech",
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("grant: %d %s", res.StatusCode, string(data))
	}
	var member struct {
		ActorID string `json:"actor_id"`
		Role    string `json:"role"`
	}
	if err := json.Unmarshal(data, &member); err != nil {
		t.Fatal(err)
	}
	if member.ActorID != "tech-2" || member.Role != "tech" {
		t.Fatalf("unexpected member %+v", member)
	}
}
