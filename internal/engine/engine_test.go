package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"tideline/internal/config"
	"tideline/internal/db"
	"tideline/internal/domain"
	"tideline/internal/engine"
	"tideline/internal/engine/auth"
	"tideline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("job-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, engine.ProjectInitOptions{
		ID:      "job-1",
		Name:    "Pier repair",
		ActorID: "admin-1",
		Config:  cfg,
	}); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) grant(t *testing.T, actorID, role string) {
	t.Helper()
	if _, err := env.Engine.GrantRole(env.Ctx, "job-1", actorID, role, "admin-1"); err != nil {
		t.Fatalf("grant %s to %s: %v", role, actorID, err)
	}
}

func (env testEnv) createStage(t *testing.T, name string, order int, rules domain.GateRules) domain.Stage {
	t.Helper()
	stages, err := env.Engine.CreateStages(env.Ctx, "job-1", []engine.StageSpec{{
		Name:      name,
		Order:     order,
		GateRules: rules,
	}}, "admin-1")
	if err != nil {
		t.Fatalf("create stage %s: %v", name, err)
	}
	return stages[0]
}

func (env testEnv) instantiate(t *testing.T, templateName, stageID string) domain.ChecklistDetail {
	t.Helper()
	detail, err := env.Engine.InstantiateChecklist(env.Ctx, engine.ChecklistCreateOptions{
		ProjectID:    "job-1",
		TemplateName: templateName,
		StageID:      stageID,
		ActorID:      "admin-1",
	})
	if err != nil {
		t.Fatalf("instantiate %s: %v", templateName, err)
	}
	return detail
}

// sampleValue returns a raw JSON value valid for the item type.
func sampleValue(typ string) string {
	switch typ {
	case "boolean":
		return "true"
	case "number":
		return "42"
	case "select":
		return `"calm"`
	default:
		return `"recorded"`
	}
}

func (env testEnv) completeRequired(t *testing.T, checklistID string) {
	t.Helper()
	detail, err := env.Engine.GetChecklist(env.Ctx, checklistID)
	if err != nil {
		t.Fatalf("get checklist: %v", err)
	}
	for _, item := range detail.RequiredItems {
		status := "complete"
		value := sampleValue(item.Type)
		if _, err := env.Engine.UpdateChecklistItem(env.Ctx, engine.ItemUpdateOptions{
			ID:      item.ID,
			Status:  &status,
			Value:   &value,
			ActorID: "tech-1",
		}); err != nil {
			t.Fatalf("complete item %s: %v", item.Label, err)
		}
	}
}

func TestInitSeedsCatalogTemplates(t *testing.T) {
	env := newTestEnv(t)
	templates, err := env.Engine.Repo.ListTemplates(env.Ctx)
	if err != nil {
		t.Fatalf("list templates: %v", err)
	}
	names := map[string]bool{}
	for _, tpl := range templates {
		names[tpl.Name] = true
	}
	for _, want := range []string{"vessel-mobilization", "dive-safety", "equipment-commissioning", "demobilization"} {
		if !names[want] {
			t.Fatalf("template %s not seeded", want)
		}
	}
	// seeding is deterministic, re-running init must not duplicate
	first, err := env.Engine.Repo.GetTemplateByName(env.Ctx, "dive-safety")
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Items) != 6 {
		t.Fatalf("expected 6 dive-safety items, got %d", len(first.Items))
	}
}

func TestChecklistInstantiation(t *testing.T) {
	env := newTestEnv(t)
	detail := env.instantiate(t, "dive-safety", "")
	if detail.Status != "not_started" {
		t.Fatalf("expected not_started, got %s", detail.Status)
	}
	if len(detail.Items) != 6 {
		t.Fatalf("expected 6 items, got %d", len(detail.Items))
	}
	if len(detail.RequiredItems) != 5 || len(detail.OptionalItems) != 1 {
		t.Fatalf("unexpected partition: %d required, %d optional", len(detail.RequiredItems), len(detail.OptionalItems))
	}
	for _, item := range detail.Items {
		if item.Status != "pending" {
			t.Fatalf("item %s not pending", item.Label)
		}
	}
}

func TestChecklistInstantiationRejectsForeignStage(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.InitProject(env.Ctx, engine.ProjectInitOptions{
		ID:      "job-2",
		Name:    "Buoy swap",
		ActorID: "admin-1",
		Config:  config.Default("job-2"),
	}); err != nil {
		t.Fatalf("init second project: %v", err)
	}
	foreign, err := env.Engine.CreateStages(env.Ctx, "job-2", []engine.StageSpec{{
		Name:  "Mobilization",
		Order: 1,
	}}, "admin-1")
	if err != nil {
		t.Fatalf("create foreign stage: %v", err)
	}
	_, err = env.Engine.InstantiateChecklist(env.Ctx, engine.ChecklistCreateOptions{
		ProjectID:    "job-1",
		TemplateName: "dive-safety",
		StageID:      foreign[0].ID,
		ActorID:      "admin-1",
	})
	var refErr engine.InvalidReferenceError
	if !errors.As(err, &refErr) {
		t.Fatalf("expected invalid reference, got %v", err)
	}
}

func TestItemValueStoredAsIs(t *testing.T) {
	env := newTestEnv(t)
	detail := env.instantiate(t, "vessel-mobilization", "")
	byLabel := map[string]domain.ChecklistItemDetail{}
	for _, item := range detail.Items {
		byLabel[item.Label] = item
	}

	set := func(id, raw string) (domain.ChecklistItemDetail, error) {
		return env.Engine.UpdateChecklistItem(env.Ctx, engine.ItemUpdateOptions{
			ID: id, Value: &raw, ActorID: "tech-1",
		})
	}

	// values are opaque here; callers check them against the template
	fuel := byLabel["Vessel fuel level (%)"]
	item, err := set(fuel.ID, "150")
	if err != nil {
		t.Fatalf("set value: %v", err)
	}
	if item.ValueJSON == nil || *item.ValueJSON != "150" {
		t.Fatalf("expected value stored verbatim, got %v", item.ValueJSON)
	}

	// malformed JSON never reaches storage
	if _, err := set(fuel.ID, "{not json"); err == nil {
		t.Fatalf("expected malformed JSON rejection")
	}

	// empty value clears
	empty := ""
	item, err = env.Engine.UpdateChecklistItem(env.Ctx, engine.ItemUpdateOptions{
		ID: fuel.ID, Value: &empty, ActorID: "tech-1",
	})
	if err != nil {
		t.Fatalf("clear value: %v", err)
	}
	if item.ValueJSON != nil {
		t.Fatalf("expected value cleared")
	}
}

func TestChecklistStatusRecompute(t *testing.T) {
	env := newTestEnv(t)
	detail := env.instantiate(t, "equipment-commissioning", "")

	complete := "complete"
	blocked := "blocked"
	pending := "pending"

	first, err := env.Engine.UpdateChecklistItem(env.Ctx, engine.ItemUpdateOptions{
		ID: detail.Items[0].ID, Status: &complete, ActorID: "tech-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.CompletedAt == nil {
		t.Fatalf("expected completed_at set")
	}
	got, err := env.Engine.GetChecklist(env.Ctx, detail.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "in_progress" {
		t.Fatalf("expected in_progress, got %s", got.Status)
	}

	if _, err := env.Engine.UpdateChecklistItem(env.Ctx, engine.ItemUpdateOptions{
		ID: detail.Items[1].ID, Status: &blocked, ActorID: "tech-1",
	}); err != nil {
		t.Fatal(err)
	}
	got, _ = env.Engine.GetChecklist(env.Ctx, detail.ID)
	if got.Status != "blocked" {
		t.Fatalf("expected blocked, got %s", got.Status)
	}

	// unblock and finish everything, optional items included
	for _, item := range []domain.ChecklistItemDetail{detail.Items[1], detail.Items[2]} {
		if _, err := env.Engine.UpdateChecklistItem(env.Ctx, engine.ItemUpdateOptions{
			ID: item.ID, Status: &complete, ActorID: "tech-1",
		}); err != nil {
			t.Fatal(err)
		}
	}
	got, _ = env.Engine.GetChecklist(env.Ctx, detail.ID)
	if got.Status != "done" {
		t.Fatalf("expected done, got %s", got.Status)
	}

	// moving an item back clears completed_at and reopens the checklist
	reopened, err := env.Engine.UpdateChecklistItem(env.Ctx, engine.ItemUpdateOptions{
		ID: detail.Items[0].ID, Status: &pending, ActorID: "tech-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if reopened.CompletedAt != nil {
		t.Fatalf("expected completed_at cleared")
	}
	got, _ = env.Engine.GetChecklist(env.Ctx, detail.ID)
	if got.Status != "in_progress" {
		t.Fatalf("expected in_progress after reopen, got %s", got.Status)
	}
}

func TestStageCompletionPercentage(t *testing.T) {
	env := newTestEnv(t)
	stage := env.createStage(t, "Dive ops", 1, domain.GateRules{})

	// no checklists bound yet
	s, err := env.Engine.GetStage(env.Ctx, stage.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.CompletionPercentage != 0 {
		t.Fatalf("expected 0%%, got %d%%", s.CompletionPercentage)
	}

	detail := env.instantiate(t, "dive-safety", stage.ID)
	complete := "complete"
	value := "true"
	if _, err := env.Engine.UpdateChecklistItem(env.Ctx, engine.ItemUpdateOptions{
		ID: detail.RequiredItems[0].ID, Status: &complete, Value: &value, ActorID: "tech-1",
	}); err != nil {
		t.Fatal(err)
	}
	s, _ = env.Engine.GetStage(env.Ctx, stage.ID)
	if s.CompletionPercentage != 20 {
		t.Fatalf("expected 20%% after 1 of 5, got %d%%", s.CompletionPercentage)
	}

	// n/a counts toward completion
	na := "na"
	if _, err := env.Engine.UpdateChecklistItem(env.Ctx, engine.ItemUpdateOptions{
		ID: detail.RequiredItems[1].ID, Status: &na, ActorID: "tech-1",
	}); err != nil {
		t.Fatal(err)
	}
	s, _ = env.Engine.GetStage(env.Ctx, stage.ID)
	if s.CompletionPercentage != 40 {
		t.Fatalf("expected 40%%, got %d%%", s.CompletionPercentage)
	}

	env.completeRequired(t, detail.ID)
	s, _ = env.Engine.GetStage(env.Ctx, stage.ID)
	if s.CompletionPercentage != 100 {
		t.Fatalf("expected 100%%, got %d%%", s.CompletionPercentage)
	}
}

func TestApprovalGateAndEffects(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "super-1", "supervisor")
	stage := env.createStage(t, "Dive ops", 1, domain.GateRules{
		RequiredForms:          []string{"dive-permit"},
		InventoryReservations:  []string{"compressor"},
		EquipmentCommissioning: true,
	})
	detail := env.instantiate(t, "dive-safety", stage.ID)

	// gate blocks approval while required items are open
	_, err := env.Engine.ApproveStage(env.Ctx, engine.StageApproveOptions{
		ProjectID:    "job-1",
		StageID:      stage.ID,
		ApproverID:   "super-1",
		ApproverRole: auth.RoleSupervisor,
		Status:       "approved",
	})
	var gateErr engine.GateNotSatisfiedError
	if !errors.As(err, &gateErr) {
		t.Fatalf("expected gate error, got %v", err)
	}
	if gateErr.Required != 5 || gateErr.Completed != 0 {
		t.Fatalf("unexpected gate counts: %d of %d", gateErr.Completed, gateErr.Required)
	}

	env.completeRequired(t, detail.ID)
	a, err := env.Engine.ApproveStage(env.Ctx, engine.StageApproveOptions{
		ProjectID:    "job-1",
		StageID:      stage.ID,
		ApproverID:   "super-1",
		ApproverRole: auth.RoleSupervisor,
		Status:       "approved",
		Note:         "all clear",
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if a.Status != "approved" || a.ApproverRole != "supervisor" {
		t.Fatalf("unexpected approval %+v", a)
	}

	s, _ := env.Engine.GetStage(env.Ctx, stage.ID)
	if s.ApprovalStatus != "approved" {
		t.Fatalf("expected approved status, got %s", s.ApprovalStatus)
	}

	// gate rule side effects landed after commit
	for _, q := range []string{
		`SELECT count(*) FROM safety_forms WHERE stage_id=? AND form_name='dive-permit'`,
		`SELECT count(*) FROM inventory_reservations WHERE stage_id=? AND item_name='compressor'`,
		`SELECT count(*) FROM commissioning_jobs WHERE stage_id=?`,
	} {
		var n int
		if err := env.Engine.DB.QueryRowContext(env.Ctx, q, stage.ID).Scan(&n); err != nil {
			t.Fatalf("query effects: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 effect row for %s, got %d", q, n)
		}
	}

	// decision notification reaches the first supervisor, deduped on repeat
	var count int
	if err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT count(*) FROM notifications WHERE recipient_id='super-1' AND related_id=?`, stage.ID).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 notification, got %d", count)
	}
	if _, err := env.Engine.ApproveStage(env.Ctx, engine.StageApproveOptions{
		ProjectID: "job-1", StageID: stage.ID, ApproverID: "super-1",
		ApproverRole: auth.RoleSupervisor, Status: "approved",
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT count(*) FROM notifications WHERE recipient_id='super-1' AND related_id=?`, stage.ID).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected notification deduped, got %d", count)
	}
}

func TestApprovalRoleCheck(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "tech-1", "tech")
	stages, err := env.Engine.CreateStages(env.Ctx, "job-1", []engine.StageSpec{{
		Name:                 "Mobilization",
		Order:                1,
		RequiredApproverRole: "supervisor",
	}}, "admin-1")
	if err != nil {
		t.Fatalf("create stage: %v", err)
	}
	stage := stages[0]

	// rejection skips the gate but never the role check
	_, err = env.Engine.ApproveStage(env.Ctx, engine.StageApproveOptions{
		ProjectID:    "job-1",
		StageID:      stage.ID,
		ApproverID:   "tech-1",
		ApproverRole: auth.RoleTech,
		Status:       "rejected",
	})
	var roleErr auth.InsufficientRoleError
	if !errors.As(err, &roleErr) {
		t.Fatalf("expected role error, got %v", err)
	}
	if roleErr.Required != auth.RoleSupervisor {
		t.Fatalf("expected supervisor required, got %v", roleErr.Required)
	}

	// supervisor can reject with the gate wide open
	env.instantiate(t, "dive-safety", stage.ID)
	a, err := env.Engine.ApproveStage(env.Ctx, engine.StageApproveOptions{
		ProjectID:    "job-1",
		StageID:      stage.ID,
		ApproverID:   "super-1",
		ApproverRole: auth.RoleSupervisor,
		Status:       "rejected",
		Note:         "missing standby diver",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if a.Status != "rejected" {
		t.Fatalf("expected rejected, got %s", a.Status)
	}
}

func TestApprovalOverrideLogged(t *testing.T) {
	env := newTestEnv(t)
	stage := env.createStage(t, "Commissioning", 1, domain.GateRules{})
	detail := env.instantiate(t, "equipment-commissioning", stage.ID)

	if _, err := env.Engine.ApproveStage(env.Ctx, engine.StageApproveOptions{
		ProjectID: "job-1", StageID: stage.ID, ApproverID: "super-1",
		ApproverRole: auth.RoleSupervisor, Status: "rejected",
	}); err != nil {
		t.Fatal(err)
	}
	env.completeRequired(t, detail.ID)
	if _, err := env.Engine.ApproveStage(env.Ctx, engine.StageApproveOptions{
		ProjectID: "job-1", StageID: stage.ID, ApproverID: "admin-1",
		ApproverRole: auth.RoleAdmin, Status: "approved",
	}); err != nil {
		t.Fatal(err)
	}

	var count int
	if err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT count(*) FROM events WHERE type='stage.approval.overridden' AND entity_id=?`, stage.ID).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 override event, got %d", count)
	}

	// latest decision wins
	s, err := env.Engine.GetStage(env.Ctx, stage.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.ApprovalStatus != "approved" {
		t.Fatalf("expected approved after override, got %s", s.ApprovalStatus)
	}

	history, err := env.Engine.ListApprovals(env.Ctx, "job-1", stage.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 approvals, got %d", len(history))
	}
}

func TestProjectProgress(t *testing.T) {
	env := newTestEnv(t)
	s1 := env.createStage(t, "Mobilization", 1, domain.GateRules{})
	env.createStage(t, "Dive ops", 2, domain.GateRules{})
	env.createStage(t, "Demob", 3, domain.GateRules{})

	detail := env.instantiate(t, "dive-safety", s1.ID)
	env.completeRequired(t, detail.ID)

	p, err := env.Engine.GetProjectProgress(env.Ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Stages) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(p.Stages))
	}
	if p.Stages[0].Percentage != 100 {
		t.Fatalf("expected first stage 100%%, got %d%%", p.Stages[0].Percentage)
	}
	if p.OverallPercentage != 33 {
		t.Fatalf("expected 33%% overall, got %d%%", p.OverallPercentage)
	}
}

func TestProjectProgressStageStatus(t *testing.T) {
	env := newTestEnv(t)
	approved := env.createStage(t, "Mobilization", 1, domain.GateRules{})
	rejected := env.createStage(t, "Dive ops", 2, domain.GateRules{})
	started := env.createStage(t, "Commissioning", 3, domain.GateRules{})
	env.createStage(t, "Demob", 4, domain.GateRules{})

	// approved with its optional item still pending
	detail := env.instantiate(t, "dive-safety", approved.ID)
	env.completeRequired(t, detail.ID)
	if _, err := env.Engine.ApproveStage(env.Ctx, engine.StageApproveOptions{
		ProjectID: "job-1", StageID: approved.ID, ApproverID: "super-1",
		ApproverRole: auth.RoleSupervisor, Status: "approved",
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.Engine.ApproveStage(env.Ctx, engine.StageApproveOptions{
		ProjectID: "job-1", StageID: rejected.ID, ApproverID: "super-1",
		ApproverRole: auth.RoleSupervisor, Status: "rejected",
	}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	partial := env.instantiate(t, "equipment-commissioning", started.ID)
	complete := "complete"
	if _, err := env.Engine.UpdateChecklistItem(env.Ctx, engine.ItemUpdateOptions{
		ID:      partial.RequiredItems[0].ID,
		Status:  &complete,
		ActorID: "tech-1",
	}); err != nil {
		t.Fatalf("complete item: %v", err)
	}

	p, err := env.Engine.GetProjectProgress(env.Ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"done", "blocked", "in_progress", "not_started"}
	for i, s := range p.Stages {
		if s.Status != want[i] {
			t.Fatalf("stage %s: expected %s, got %s", s.Name, want[i], s.Status)
		}
	}
	if p.Stages[0].ApprovalStatus != "approved" || p.Stages[1].ApprovalStatus != "rejected" {
		t.Fatalf("unexpected approval statuses %s/%s", p.Stages[0].ApprovalStatus, p.Stages[1].ApprovalStatus)
	}
}

func TestApprovalWithoutRequiredRole(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "tech-1", "tech")
	stage := env.createStage(t, "Demob", 1, domain.GateRules{})
	detail := env.instantiate(t, "demobilization", stage.ID)
	env.completeRequired(t, detail.ID)

	// a stage that names no approver role takes any member's decision
	a, err := env.Engine.ApproveStage(env.Ctx, engine.StageApproveOptions{
		ProjectID:    "job-1",
		StageID:      stage.ID,
		ApproverID:   "tech-1",
		ApproverRole: auth.RoleTech,
		Status:       "approved",
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if a.Status != "approved" {
		t.Fatalf("expected approved, got %s", a.Status)
	}
}

func TestGrantRole(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.GrantRole(env.Ctx, "job-1", "tech-9", "tech", "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Role != "tech" {
		t.Fatalf("expected tech, got %s", m.Role)
	}
	svc := auth.Service{DB: env.Engine.DB}
	role, err := svc.MemberRole(env.Ctx, "job-1", "tech-9")
	if err != nil {
		t.Fatal(err)
	}
	if role != auth.RoleTech {
		t.Fatalf("expected RoleTech, got %v", role)
	}
	// promotion upserts rather than duplicating
	if _, err := env.Engine.GrantRole(env.Ctx, "job-1", "tech-9", "supervisor", "admin-1"); err != nil {
		t.Fatal(err)
	}
	role, _ = svc.MemberRole(env.Ctx, "job-1", "tech-9")
	if role != auth.RoleSupervisor {
		t.Fatalf("expected RoleSupervisor, got %v", role)
	}

	var count int
	if err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT count(*) FROM events WHERE type='member.granted'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("expected 2 grant events, got %d", count)
	}
}

func TestDeleteProjectRemovesIt(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.DeleteProject(env.Ctx, "job-1", "admin-1"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Repo.GetProject(env.Ctx, "job-1")
	if err == nil {
		t.Fatalf("expected project gone")
	}
}
