package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"tideline/internal/config"
	"tideline/internal/domain"
	"tideline/internal/effects"
	"tideline/internal/engine/auth"
	"tideline/internal/events"
	"tideline/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Effects effects.Dispatcher
	Config  *config.Config
	Logger  *log.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	logger := log.Default()
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Effects: effects.DefaultDispatcher(db, logger),
		Config:  cfg,
		Logger:  logger,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// InvalidReferenceError indicates a request referenced an entity that exists
// but does not belong where the request says it does.
type InvalidReferenceError struct {
	Kind   string
	ID     string
	Detail string
}

func (e InvalidReferenceError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Kind, e.ID, e.Detail)
}

// GateNotSatisfiedError indicates a stage cannot be approved because its
// required checklist items are not all complete.
type GateNotSatisfiedError struct {
	StageID    string
	Completed  int
	Required   int
	Percentage int
}

func (e GateNotSatisfiedError) Error() string {
	return fmt.Sprintf("stage %s gate not satisfied: %d of %d required items complete (%d%%)",
		e.StageID, e.Completed, e.Required, e.Percentage)
}

// ProjectInitOptions are parameters for creating a project.
type ProjectInitOptions struct {
	ID          string
	Name        string
	Description string
	ActorID     string
	Config      *config.Config
}

// InitProject creates a marine-service project, stores its config, seeds the
// catalog templates and grants the creating actor the admin role.
func (e Engine) InitProject(ctx context.Context, opts ProjectInitOptions) (domain.Project, error) {
	if opts.ID == "" {
		return domain.Project{}, errors.New("project id required")
	}
	if opts.ActorID == "" {
		return domain.Project{}, errors.New("actor required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = e.Config
	}
	if cfg == nil {
		cfg = config.Default(opts.ID)
	}
	name := opts.Name
	if name == "" {
		name = opts.ID
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:          opts.ID,
		Name:        name,
		Kind:        "marine-service",
		Status:      "active",
		Description: opts.Description,
		CreatedAt:   now,
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, cfg); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.seedTemplates(ctx, tx, cfg, opts.ActorID); err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.UpsertMember(ctx, tx, domain.Member{
		ProjectID: p.ID,
		ActorID:   opts.ActorID,
		Role:      auth.RoleAdmin.String(),
		CreatedAt: now,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.init", p.ID, "project", p.ID, opts.ActorID, nil, p, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) seedTemplates(ctx context.Context, tx *sql.Tx, cfg *config.Config, actorID string) error {
	names := make([]string, 0, len(cfg.Templates.Catalog))
	for name := range cfg.Templates.Catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		tpl, err := templateFromSpec(name, cfg.Templates.Catalog[name], e.now())
		if err != nil {
			return err
		}
		if err := e.Repo.UpsertTemplate(ctx, tx, tpl); err != nil {
			return fmt.Errorf("seed template %s: %w", name, err)
		}
		if err := e.Events.Append(ctx, tx, "template.imported", "", "template", tpl.ID, actorID, nil, tpl, events.EventPayload{"name": name, "items": len(tpl.Items)}); err != nil {
			return err
		}
	}
	return nil
}

// templateFromSpec builds a template with IDs derived from its name, so
// re-importing the same catalog entry updates in place.
func templateFromSpec(name string, spec config.TemplateSpec, now time.Time) (domain.ChecklistTemplate, error) {
	if name == "" {
		return domain.ChecklistTemplate{}, errors.New("template name required")
	}
	if len(spec.Items) == 0 {
		return domain.ChecklistTemplate{}, fmt.Errorf("template %s has no items", name)
	}
	tpl := domain.ChecklistTemplate{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte("template|"+name)).String(),
		Name:      name,
		CreatedAt: now.UTC().Format(time.RFC3339),
	}
	for i, item := range spec.Items {
		ti := domain.TemplateItem{
			ID:         uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("template-item|%s|%d", name, i))).String(),
			TemplateID: tpl.ID,
			Position:   i,
			Label:      item.Label,
			Type:       item.Type,
			Required:   item.Required,
		}
		if item.Validations != nil {
			ti.Validations = &domain.ItemValidations{
				Min:       item.Validations.Min,
				Max:       item.Validations.Max,
				MaxLength: item.Validations.MaxLength,
				Options:   item.Validations.Options,
			}
		}
		tpl.Items = append(tpl.Items, ti)
	}
	return tpl, nil
}

// ImportTemplate upserts a single template from a spec.
func (e Engine) ImportTemplate(ctx context.Context, name string, spec config.TemplateSpec, actorID string) (domain.ChecklistTemplate, error) {
	tpl, err := templateFromSpec(name, spec, e.now())
	if err != nil {
		return domain.ChecklistTemplate{}, err
	}
	check := config.Default("import-check")
	check.Templates.Catalog = map[string]config.TemplateSpec{name: {Items: spec.Items}}
	if err := check.Validate(); err != nil {
		return domain.ChecklistTemplate{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChecklistTemplate{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertTemplate(ctx, tx, tpl); err != nil {
		return domain.ChecklistTemplate{}, err
	}
	if err := e.Events.Append(ctx, tx, "template.imported", "", "template", tpl.ID, actorID, nil, tpl, events.EventPayload{"name": name, "items": len(tpl.Items)}); err != nil {
		return domain.ChecklistTemplate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChecklistTemplate{}, err
	}
	return tpl, nil
}

// ApplyConfig replaces a project's stored config and re-seeds templates.
func (e Engine) ApplyConfig(ctx context.Context, projectID string, cfg *config.Config, actorID string) error {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, projectID, cfg); err != nil {
		return err
	}
	if err := e.seedTemplates(ctx, tx, cfg, actorID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "project.config.updated", projectID, "project", projectID, actorID, nil, nil, events.EventPayload{"templates": len(cfg.Templates.Catalog)}); err != nil {
		return err
	}
	return tx.Commit()
}

// ProjectUpdateOptions encapsulates allowed project updates.
type ProjectUpdateOptions struct {
	ID          string
	Name        *string
	Status      *string
	Description *string
	ActorID     string
}

var projectStatuses = map[string]bool{
	"active":    true,
	"on_hold":   true,
	"completed": true,
	"archived":  true,
}

func (e Engine) UpdateProject(ctx context.Context, opts ProjectUpdateOptions) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, opts.ID)
	if err != nil {
		return p, err
	}
	before := p
	if opts.Name != nil && *opts.Name != "" {
		p.Name = *opts.Name
	}
	if opts.Status != nil {
		if !projectStatuses[*opts.Status] {
			return p, fmt.Errorf("invalid project status %q", *opts.Status)
		}
		p.Status = *opts.Status
	}
	if opts.Description != nil {
		p.Description = *opts.Description
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "project.updated", p.ID, "project", p.ID, opts.ActorID, before, p, events.EventPayload{
		"from_status": before.Status,
		"to_status":   p.Status,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

func (e Engine) DeleteProject(ctx context.Context, projectID, actorID string) error {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteProject(ctx, tx, projectID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "project.deleted", projectID, "project", projectID, actorID, p, nil, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// StageSpec describes one stage to create.
type StageSpec struct {
	Name                 string
	Order                int
	GateRules            domain.GateRules
	RequiredApproverRole string
}

// CreateStages creates an ordered set of stages for a project.
func (e Engine) CreateStages(ctx context.Context, projectID string, specs []StageSpec, actorID string) ([]domain.Stage, error) {
	if len(specs) == 0 {
		return nil, errors.New("at least one stage required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	for _, spec := range specs {
		if strings.TrimSpace(spec.Name) == "" {
			return nil, errors.New("stage name required")
		}
		if _, err := auth.Parse(spec.RequiredApproverRole); err != nil {
			return nil, err
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	stages := make([]domain.Stage, 0, len(specs))
	for _, spec := range specs {
		s := domain.Stage{
			ID:                   uuid.NewSHA1(uuid.NameSpaceOID, []byte(projectID+"|stage|"+spec.Name+"|"+now)).String(),
			ProjectID:            projectID,
			Name:                 spec.Name,
			Order:                spec.Order,
			GateRules:            spec.GateRules,
			RequiredApproverRole: spec.RequiredApproverRole,
			CreatedAt:            now,
			UpdatedAt:            now,
			ApprovalStatus:       "pending",
		}
		if err := e.Repo.InsertStage(ctx, tx, s); err != nil {
			return nil, fmt.Errorf("insert stage %s: %w", spec.Name, err)
		}
		if err := e.Events.Append(ctx, tx, "stage.created", projectID, "stage", s.ID, actorID, nil, s, events.EventPayload{"name": s.Name, "order": s.Order}); err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stages, nil
}

// StageUpdateOptions encapsulates allowed stage updates.
type StageUpdateOptions struct {
	ID                   string
	Name                 *string
	Order                *int
	GateRules            *domain.GateRules
	RequiredApproverRole *string
	ActorID              string
}

func (e Engine) UpdateStage(ctx context.Context, opts StageUpdateOptions) (domain.Stage, error) {
	s, err := e.Repo.GetStage(ctx, opts.ID)
	if err != nil {
		return s, err
	}
	before := s
	if opts.Name != nil && *opts.Name != "" {
		s.Name = *opts.Name
	}
	if opts.Order != nil {
		s.Order = *opts.Order
	}
	if opts.GateRules != nil {
		s.GateRules = *opts.GateRules
	}
	if opts.RequiredApproverRole != nil {
		if _, err := auth.Parse(*opts.RequiredApproverRole); err != nil {
			return s, err
		}
		s.RequiredApproverRole = *opts.RequiredApproverRole
	}
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateStage(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "stage.updated", s.ProjectID, "stage", s.ID, opts.ActorID, before, s, events.EventPayload{}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return e.decorateStage(ctx, s)
}

// GetStage returns a stage with its derived completion and approval status.
func (e Engine) GetStage(ctx context.Context, stageID string) (domain.Stage, error) {
	s, err := e.Repo.GetStage(ctx, stageID)
	if err != nil {
		return s, err
	}
	return e.decorateStage(ctx, s)
}

// ListStagesWithProgress returns the project's stages in order with derived
// completion and approval status filled in.
func (e Engine) ListStagesWithProgress(ctx context.Context, projectID string) ([]domain.Stage, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	stages, err := e.Repo.ListStages(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for i := range stages {
		stages[i], err = e.decorateStage(ctx, stages[i])
		if err != nil {
			return nil, err
		}
	}
	return stages, nil
}

func (e Engine) decorateStage(ctx context.Context, s domain.Stage) (domain.Stage, error) {
	pct, _, err := e.stageCompletion(ctx, s.ID)
	if err != nil {
		return s, err
	}
	s.CompletionPercentage = pct
	s.ApprovalStatus, err = e.stageApprovalStatus(ctx, s.ID)
	return s, err
}

// stageCompletion derives a stage's completion percentage from its required
// checklist items. A stage with no checklists is 0% complete; a stage whose
// checklists carry no required items is 100%.
func (e Engine) stageCompletion(ctx context.Context, stageID string) (int, repo.StageItemStats, error) {
	stats, err := e.Repo.StageStats(ctx, stageID)
	if err != nil {
		return 0, stats, err
	}
	if stats.Checklists == 0 {
		return 0, stats, nil
	}
	if stats.RequiredTotal == 0 {
		return 100, stats, nil
	}
	pct := (100*stats.RequiredDone + stats.RequiredTotal/2) / stats.RequiredTotal
	return pct, stats, nil
}

func (e Engine) stageApprovalStatus(ctx context.Context, stageID string) (string, error) {
	latest, err := e.Repo.LatestApproval(ctx, stageID)
	if errors.Is(err, repo.ErrNotFound) {
		return "pending", nil
	}
	if err != nil {
		return "", err
	}
	return latest.Status, nil
}

// ChecklistCreateOptions are parameters for instantiating a checklist from a
// template. Template may be referenced by ID or by name.
type ChecklistCreateOptions struct {
	ProjectID    string
	TemplateID   string
	TemplateName string
	StageID      string
	ActorID      string
}

// InstantiateChecklist copies a template into a live checklist: one pending
// item per template item. Binding to a stage is optional.
func (e Engine) InstantiateChecklist(ctx context.Context, opts ChecklistCreateOptions) (domain.ChecklistDetail, error) {
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.ChecklistDetail{}, err
	}
	var tpl domain.ChecklistTemplate
	var err error
	switch {
	case opts.TemplateID != "":
		tpl, err = e.Repo.GetTemplate(ctx, opts.TemplateID)
	case opts.TemplateName != "":
		tpl, err = e.Repo.GetTemplateByName(ctx, opts.TemplateName)
	default:
		return domain.ChecklistDetail{}, errors.New("template required")
	}
	if err != nil {
		return domain.ChecklistDetail{}, err
	}
	if len(tpl.Items) == 0 {
		return domain.ChecklistDetail{}, fmt.Errorf("template %s has no items", tpl.Name)
	}
	var stageID *string
	if opts.StageID != "" {
		stage, err := e.Repo.GetStage(ctx, opts.StageID)
		if err != nil {
			return domain.ChecklistDetail{}, err
		}
		if stage.ProjectID != opts.ProjectID {
			return domain.ChecklistDetail{}, InvalidReferenceError{Kind: "stage", ID: opts.StageID, Detail: "not in project " + opts.ProjectID}
		}
		stageID = &stage.ID
	}
	now := e.now().UTC().Format(time.RFC3339)
	c := domain.Checklist{
		ID:         uuid.New().String(),
		ProjectID:  opts.ProjectID,
		StageID:    stageID,
		TemplateID: tpl.ID,
		Status:     "not_started",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChecklistDetail{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertChecklist(ctx, tx, c); err != nil {
		return domain.ChecklistDetail{}, err
	}
	for _, ti := range tpl.Items {
		item := domain.ChecklistItem{
			ID:             uuid.New().String(),
			ChecklistID:    c.ID,
			TemplateItemID: ti.ID,
			Status:         "pending",
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := e.Repo.InsertChecklistItem(ctx, tx, item); err != nil {
			return domain.ChecklistDetail{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "checklist.created", c.ProjectID, "checklist", c.ID, opts.ActorID, nil, c, events.EventPayload{
		"template": tpl.Name,
		"items":    len(tpl.Items),
	}); err != nil {
		return domain.ChecklistDetail{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChecklistDetail{}, err
	}
	return e.GetChecklist(ctx, c.ID)
}

// GetChecklist returns a checklist with items joined to their template
// metadata and partitioned into required and optional.
func (e Engine) GetChecklist(ctx context.Context, checklistID string) (domain.ChecklistDetail, error) {
	c, err := e.Repo.GetChecklist(ctx, checklistID)
	if err != nil {
		return domain.ChecklistDetail{}, err
	}
	tpl, err := e.Repo.GetTemplate(ctx, c.TemplateID)
	if err != nil {
		return domain.ChecklistDetail{}, err
	}
	byID := make(map[string]domain.TemplateItem, len(tpl.Items))
	for _, ti := range tpl.Items {
		byID[ti.ID] = ti
	}
	items, err := e.Repo.ListChecklistItems(ctx, checklistID)
	if err != nil {
		return domain.ChecklistDetail{}, err
	}
	detail := domain.ChecklistDetail{Checklist: c, TemplateName: tpl.Name}
	for _, item := range items {
		ti, ok := byID[item.TemplateItemID]
		if !ok {
			return domain.ChecklistDetail{}, fmt.Errorf("checklist item %s references missing template item %s", item.ID, item.TemplateItemID)
		}
		d := domain.ChecklistItemDetail{
			ChecklistItem: item,
			Label:         ti.Label,
			Type:          ti.Type,
			Required:      ti.Required,
			Validations:   ti.Validations,
		}
		detail.Items = append(detail.Items, d)
		if ti.Required {
			detail.RequiredItems = append(detail.RequiredItems, d)
		} else {
			detail.OptionalItems = append(detail.OptionalItems, d)
		}
	}
	return detail, nil
}

func (e Engine) ListChecklists(ctx context.Context, projectID string) ([]domain.Checklist, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListChecklists(ctx, projectID)
}

var itemStatuses = map[string]bool{
	"pending":  true,
	"complete": true,
	"na":       true,
	"blocked":  true,
}

// ItemUpdateOptions encapsulates allowed checklist item updates. Value is
// raw JSON matching the template item's type.
type ItemUpdateOptions struct {
	ID       string
	Status   *string
	Value    *string
	Assignee *string
	DueAt    *string
	ActorID  string
}

// UpdateChecklistItem applies an item update and recomputes the parent
// checklist's status. Values are stored as raw JSON; checking them against
// the template item's constraints is the caller's job.
func (e Engine) UpdateChecklistItem(ctx context.Context, opts ItemUpdateOptions) (domain.ChecklistItemDetail, error) {
	item, err := e.Repo.GetChecklistItem(ctx, opts.ID)
	if err != nil {
		return domain.ChecklistItemDetail{}, err
	}
	c, err := e.Repo.GetChecklist(ctx, item.ChecklistID)
	if err != nil {
		return domain.ChecklistItemDetail{}, err
	}
	ti, err := e.Repo.GetTemplateItem(ctx, item.TemplateItemID)
	if err != nil {
		return domain.ChecklistItemDetail{}, err
	}
	before := item

	if opts.Value != nil {
		if *opts.Value == "" {
			item.ValueJSON = nil
		} else {
			if !json.Valid([]byte(*opts.Value)) {
				return domain.ChecklistItemDetail{}, fmt.Errorf("item value: invalid JSON")
			}
			item.ValueJSON = opts.Value
		}
	}
	if opts.Assignee != nil {
		if *opts.Assignee == "" {
			item.AssigneeID = nil
		} else {
			item.AssigneeID = opts.Assignee
		}
	}
	if opts.DueAt != nil {
		if *opts.DueAt == "" {
			item.DueAt = nil
		} else {
			if _, err := time.Parse(time.RFC3339, *opts.DueAt); err != nil {
				return domain.ChecklistItemDetail{}, fmt.Errorf("due_at: %w", err)
			}
			item.DueAt = opts.DueAt
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	if opts.Status != nil && *opts.Status != item.Status {
		if !itemStatuses[*opts.Status] {
			return domain.ChecklistItemDetail{}, fmt.Errorf("invalid item status %q", *opts.Status)
		}
		if *opts.Status == "complete" {
			item.CompletedAt = &now
		} else {
			item.CompletedAt = nil
		}
		item.Status = *opts.Status
	}
	item.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChecklistItemDetail{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateChecklistItem(ctx, tx, item); err != nil {
		return domain.ChecklistItemDetail{}, err
	}
	newStatus, err := e.recomputeChecklistStatus(ctx, tx, c, item)
	if err != nil {
		return domain.ChecklistItemDetail{}, err
	}
	if err := e.Events.Append(ctx, tx, "checklist.item.updated", c.ProjectID, "checklist_item", item.ID, opts.ActorID, before, item, events.EventPayload{
		"from_status": before.Status,
		"to_status":   item.Status,
	}); err != nil {
		return domain.ChecklistItemDetail{}, err
	}
	if newStatus != c.Status {
		if err := e.Events.Append(ctx, tx, "checklist.status.changed", c.ProjectID, "checklist", c.ID, opts.ActorID, nil, nil, events.EventPayload{
			"from": c.Status,
			"to":   newStatus,
		}); err != nil {
			return domain.ChecklistItemDetail{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ChecklistItemDetail{}, err
	}
	return domain.ChecklistItemDetail{
		ChecklistItem: item,
		Label:         ti.Label,
		Type:          ti.Type,
		Required:      ti.Required,
		Validations:   ti.Validations,
	}, nil
}

// recomputeChecklistStatus derives the checklist status from its items:
// blocked wins, then done when every item is complete or na, then
// in_progress once any item has moved, else not_started.
func (e Engine) recomputeChecklistStatus(ctx context.Context, tx *sql.Tx, c domain.Checklist, updated domain.ChecklistItem) (string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, status FROM checklist_items WHERE checklist_id=?`, c.ID)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var anyBlocked, anyMoved bool
	allDone := true
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return "", err
		}
		if id == updated.ID {
			status = updated.Status
		}
		switch status {
		case "blocked":
			anyBlocked = true
			allDone = false
		case "pending":
			allDone = false
		default:
			anyMoved = true
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	status := "not_started"
	switch {
	case anyBlocked:
		status = "blocked"
	case allDone:
		status = "done"
	case anyMoved:
		status = "in_progress"
	}
	if status != c.Status {
		if err := e.Repo.UpdateChecklistStatus(ctx, tx, c.ID, status, e.now().UTC().Format(time.RFC3339)); err != nil {
			return "", err
		}
	}
	return status, nil
}

// StageApproveOptions are parameters for recording an approval decision.
// ApproverRole is the caller's effective role, resolved before the call.
type StageApproveOptions struct {
	ProjectID    string
	StageID      string
	ApproverID   string
	ApproverRole auth.Role
	Status       string
	Note         string
}

// ApproveStage records an approval decision for a stage. Approval requires
// the gate to be satisfied (100% of required items complete) and, when the
// stage declares a required approver role, the approver's role to meet it;
// rejection skips the gate but not the role check. After the decision commits, gate
// rule side effects run best-effort and stakeholders are notified.
func (e Engine) ApproveStage(ctx context.Context, opts StageApproveOptions) (domain.StageApproval, error) {
	if opts.Status != "approved" && opts.Status != "rejected" {
		return domain.StageApproval{}, fmt.Errorf("invalid decision %q", opts.Status)
	}
	if opts.ApproverID == "" {
		return domain.StageApproval{}, errors.New("approver required")
	}
	stage, err := e.Repo.GetStage(ctx, opts.StageID)
	if err != nil {
		return domain.StageApproval{}, err
	}
	if stage.ProjectID != opts.ProjectID {
		return domain.StageApproval{}, InvalidReferenceError{Kind: "stage", ID: opts.StageID, Detail: "not in project " + opts.ProjectID}
	}
	required, err := auth.Parse(stage.RequiredApproverRole)
	if err != nil {
		return domain.StageApproval{}, err
	}
	if required != auth.RoleNone && !opts.ApproverRole.Meets(required) {
		return domain.StageApproval{}, auth.InsufficientRoleError{Required: required, Actual: opts.ApproverRole}
	}
	if opts.Status == "approved" {
		pct, stats, err := e.stageCompletion(ctx, stage.ID)
		if err != nil {
			return domain.StageApproval{}, err
		}
		if pct < 100 {
			return domain.StageApproval{}, GateNotSatisfiedError{
				StageID:    stage.ID,
				Completed:  stats.RequiredDone,
				Required:   stats.RequiredTotal,
				Percentage: pct,
			}
		}
	}
	prior, err := e.Repo.LatestApproval(ctx, stage.ID)
	hasPrior := err == nil
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.StageApproval{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	a := domain.StageApproval{
		ID:           uuid.New().String(),
		ProjectID:    opts.ProjectID,
		StageID:      stage.ID,
		ApproverID:   opts.ApproverID,
		ApproverRole: opts.ApproverRole.String(),
		Status:       opts.Status,
		Note:         opts.Note,
		DecidedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StageApproval{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertApproval(ctx, tx, a); err != nil {
		return domain.StageApproval{}, err
	}
	if hasPrior && prior.Status != a.Status {
		if err := e.Events.Append(ctx, tx, "stage.approval.overridden", opts.ProjectID, "stage", stage.ID, opts.ApproverID, prior, a, events.EventPayload{
			"from": prior.Status,
			"to":   a.Status,
		}); err != nil {
			return domain.StageApproval{}, err
		}
	}
	evtType := "stage.approved"
	if a.Status == "rejected" {
		evtType = "stage.rejected"
	}
	if err := e.Events.Append(ctx, tx, evtType, opts.ProjectID, "stage", stage.ID, opts.ApproverID, prior, a, events.EventPayload{
		"role": a.ApproverRole,
		"note": a.Note,
	}); err != nil {
		return domain.StageApproval{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StageApproval{}, err
	}

	if a.Status == "approved" {
		reqs := effects.FromGateRules(opts.ProjectID, stage.ID, stage.GateRules)
		e.Effects.Dispatch(ctx, reqs)
	}
	e.notifyStageDecision(ctx, stage, a)
	return a, nil
}

// notifyStageDecision notifies the project's first supervisor, falling back
// to the first admin. Best effort; a dropped notification never unwinds the
// decision.
func (e Engine) notifyStageDecision(ctx context.Context, stage domain.Stage, a domain.StageApproval) {
	svc := auth.Service{DB: e.DB}
	recipient, err := svc.FirstActorWithRole(ctx, stage.ProjectID, auth.RoleSupervisor)
	if err != nil {
		e.logf("notify stage %s: resolve supervisor: %v", stage.ID, err)
		return
	}
	if recipient == "" {
		recipient, err = svc.FirstActorWithRole(ctx, stage.ProjectID, auth.RoleAdmin)
		if err != nil {
			e.logf("notify stage %s: resolve admin: %v", stage.ID, err)
			return
		}
	}
	if recipient == "" {
		return
	}
	n := domain.Notification{
		ID:          uuid.New().String(),
		RecipientID: recipient,
		Type:        "stage." + a.Status,
		RelatedType: "stage",
		RelatedID:   stage.ID,
		Message:     fmt.Sprintf("Stage %q was %s by %s", stage.Name, a.Status, a.ApproverID),
		CreatedAt:   a.DecidedAt,
	}
	if _, err := e.Repo.InsertNotification(ctx, n); err != nil {
		e.logf("notify stage %s: %v", stage.ID, err)
	}
}

// ListApprovals returns a stage's full decision history, newest first.
func (e Engine) ListApprovals(ctx context.Context, projectID, stageID string) ([]domain.StageApproval, error) {
	stage, err := e.Repo.GetStage(ctx, stageID)
	if err != nil {
		return nil, err
	}
	if stage.ProjectID != projectID {
		return nil, InvalidReferenceError{Kind: "stage", ID: stageID, Detail: "not in project " + projectID}
	}
	return e.Repo.ListApprovals(ctx, stageID)
}

// GetProjectProgress aggregates per-stage completion into an overall
// percentage. Stages are weighted equally.
func (e Engine) GetProjectProgress(ctx context.Context, projectID string) (domain.ProjectProgress, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.ProjectProgress{}, err
	}
	stages, err := e.Repo.ListStages(ctx, projectID)
	if err != nil {
		return domain.ProjectProgress{}, err
	}
	progress := domain.ProjectProgress{ProjectID: projectID}
	sum := 0
	for _, s := range stages {
		pct, _, err := e.stageCompletion(ctx, s.ID)
		if err != nil {
			return domain.ProjectProgress{}, err
		}
		approval, err := e.stageApprovalStatus(ctx, s.ID)
		if err != nil {
			return domain.ProjectProgress{}, err
		}
		progress.Stages = append(progress.Stages, domain.StageProgress{
			StageID:        s.ID,
			Name:           s.Name,
			Order:          s.Order,
			Percentage:     pct,
			Status:         stageStatus(approval, pct),
			ApprovalStatus: approval,
		})
		sum += pct
	}
	if len(stages) > 0 {
		progress.OverallPercentage = (sum + len(stages)/2) / len(stages)
	}
	return progress, nil
}

// stageStatus derives the progress view of a stage from its latest
// approval decision, falling back to how far its gate has come.
func stageStatus(approvalStatus string, pct int) string {
	switch approvalStatus {
	case "approved":
		return "done"
	case "rejected":
		return "blocked"
	}
	if pct > 0 {
		return "in_progress"
	}
	return "not_started"
}

// GrantRole grants or updates an actor's role on a project.
func (e Engine) GrantRole(ctx context.Context, projectID, actorID, roleName, granterID string) (domain.Member, error) {
	role, err := auth.Parse(roleName)
	if err != nil {
		return domain.Member{}, err
	}
	if role == auth.RoleNone {
		return domain.Member{}, errors.New("role required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Member{}, err
	}
	m := domain.Member{
		ProjectID: projectID,
		ActorID:   actorID,
		Role:      role.String(),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertMember(ctx, tx, m); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, "member.granted", projectID, "member", actorID, granterID, nil, m, events.EventPayload{"role": m.Role}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	return m, nil
}
