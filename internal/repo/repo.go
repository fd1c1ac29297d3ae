package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tideline/internal/config"
	"tideline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,kind,status,description,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Name, p.Kind, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,kind,status,COALESCE(description,''),created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Kind, &p.Status, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,kind,status,COALESCE(description,''),created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Kind, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET name=?, status=?, description=? WHERE id=?`,
		p.Name, p.Status, nullable(p.Description), p.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- project config ---

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

// --- checklist templates ---

func (r Repo) UpsertTemplate(ctx context.Context, tx *sql.Tx, tpl domain.ChecklistTemplate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO checklist_templates(id,name,created_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name`, tpl.ID, tpl.Name, tpl.CreatedAt)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM template_items WHERE template_id=?`, tpl.ID); err != nil {
		return err
	}
	for _, item := range tpl.Items {
		validations, err := marshalValidations(item.Validations)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO template_items(id,template_id,position,label,type,required,validations_json) VALUES (?,?,?,?,?,?,?)`,
			item.ID, tpl.ID, item.Position, item.Label, item.Type, boolToInt(item.Required), validations); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.ChecklistTemplate, error) {
	var tpl domain.ChecklistTemplate
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM checklist_templates WHERE id=?`, id).
		Scan(&tpl.ID, &tpl.Name, &tpl.CreatedAt)
	if err == sql.ErrNoRows {
		return tpl, ErrNotFound
	}
	if err != nil {
		return tpl, err
	}
	tpl.Items, err = r.ListTemplateItems(ctx, id)
	return tpl, err
}

func (r Repo) GetTemplateByName(ctx context.Context, name string) (domain.ChecklistTemplate, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM checklist_templates WHERE name=?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return domain.ChecklistTemplate{}, ErrNotFound
	}
	if err != nil {
		return domain.ChecklistTemplate{}, err
	}
	return r.GetTemplate(ctx, id)
}

func (r Repo) ListTemplates(ctx context.Context) ([]domain.ChecklistTemplate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM checklist_templates ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChecklistTemplate
	for rows.Next() {
		var tpl domain.ChecklistTemplate
		if err := rows.Scan(&tpl.ID, &tpl.Name, &tpl.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, tpl)
	}
	return res, rows.Err()
}

func (r Repo) ListTemplateItems(ctx context.Context, templateID string) ([]domain.TemplateItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,template_id,position,label,type,required,validations_json FROM template_items WHERE template_id=? ORDER BY position ASC`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TemplateItem
	for rows.Next() {
		item, err := scanTemplateItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

func (r Repo) GetTemplateItem(ctx context.Context, id string) (domain.TemplateItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,template_id,position,label,type,required,validations_json FROM template_items WHERE id=?`, id)
	item, err := scanTemplateItem(row)
	if err == sql.ErrNoRows {
		return item, ErrNotFound
	}
	return item, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplateItem(row rowScanner) (domain.TemplateItem, error) {
	var item domain.TemplateItem
	var required int
	var validations sql.NullString
	if err := row.Scan(&item.ID, &item.TemplateID, &item.Position, &item.Label, &item.Type, &required, &validations); err != nil {
		return item, err
	}
	item.Required = required != 0
	if validations.Valid && validations.String != "" {
		var v domain.ItemValidations
		if err := json.Unmarshal([]byte(validations.String), &v); err != nil {
			return item, fmt.Errorf("template item %s validations: %w", item.ID, err)
		}
		item.Validations = &v
	}
	return item, nil
}

func marshalValidations(v *domain.ItemValidations) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// --- stages ---

func (r Repo) InsertStage(ctx context.Context, tx *sql.Tx, s domain.Stage) error {
	rules, err := marshalGateRules(s.GateRules)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO stages(id,project_id,name,position,gate_rules_json,required_approver_role,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Name, s.Order, rules, nullable(s.RequiredApproverRole), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) UpdateStage(ctx context.Context, tx *sql.Tx, s domain.Stage) error {
	rules, err := marshalGateRules(s.GateRules)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE stages SET name=?, position=?, gate_rules_json=?, required_approver_role=?, updated_at=? WHERE id=?`,
		s.Name, s.Order, rules, nullable(s.RequiredApproverRole), s.UpdatedAt, s.ID)
	return err
}

func (r Repo) GetStage(ctx context.Context, id string) (domain.Stage, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,project_id,name,position,gate_rules_json,required_approver_role,created_at,updated_at FROM stages WHERE id=?`, id)
	s, err := scanStage(row)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) ListStages(ctx context.Context, projectID string) ([]domain.Stage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name,position,gate_rules_json,required_approver_role,created_at,updated_at FROM stages WHERE project_id=? ORDER BY position ASC, created_at ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		s, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func scanStage(row rowScanner) (domain.Stage, error) {
	var s domain.Stage
	var rules, role sql.NullString
	if err := row.Scan(&s.ID, &s.ProjectID, &s.Name, &s.Order, &rules, &role, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return s, err
	}
	if role.Valid {
		s.RequiredApproverRole = role.String
	}
	if rules.Valid && rules.String != "" {
		if err := json.Unmarshal([]byte(rules.String), &s.GateRules); err != nil {
			return s, fmt.Errorf("stage %s gate rules: %w", s.ID, err)
		}
	}
	return s, nil
}

func marshalGateRules(rules domain.GateRules) (any, error) {
	data, err := json.Marshal(rules)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// StageItemStats aggregates the required-item counters a stage's completion
// percentage derives from. checklists counts all checklists bound to the
// stage regardless of their item mix.
type StageItemStats struct {
	Checklists    int
	RequiredTotal int
	RequiredDone  int
}

// StageStats counts required items across every checklist bound to a stage.
// An item counts as done once complete or not-applicable.
func (r Repo) StageStats(ctx context.Context, stageID string) (StageItemStats, error) {
	var stats StageItemStats
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM checklists WHERE stage_id=?`, stageID).Scan(&stats.Checklists)
	if err != nil {
		return stats, err
	}
	rows, err := r.DB.QueryContext(ctx, `
SELECT ci.status
FROM checklist_items ci
JOIN checklists c ON c.id=ci.checklist_id
JOIN template_items ti ON ti.id=ci.template_item_id
WHERE c.stage_id=? AND ti.required=1`, stageID)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return stats, err
		}
		stats.RequiredTotal++
		if status == "complete" || status == "na" {
			stats.RequiredDone++
		}
	}
	return stats, rows.Err()
}

// --- checklists ---

func (r Repo) InsertChecklist(ctx context.Context, tx *sql.Tx, c domain.Checklist) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO checklists(id,project_id,stage_id,template_id,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.ProjectID, nullableStringPtr(c.StageID), c.TemplateID, c.Status, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetChecklist(ctx context.Context, id string) (domain.Checklist, error) {
	var c domain.Checklist
	var stageID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,stage_id,template_id,status,created_at,updated_at FROM checklists WHERE id=?`, id).
		Scan(&c.ID, &c.ProjectID, &stageID, &c.TemplateID, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if stageID.Valid {
		c.StageID = &stageID.String
	}
	return c, nil
}

func (r Repo) ListChecklists(ctx context.Context, projectID string) ([]domain.Checklist, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,stage_id,template_id,status,created_at,updated_at FROM checklists WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Checklist
	for rows.Next() {
		var c domain.Checklist
		var stageID sql.NullString
		if err := rows.Scan(&c.ID, &c.ProjectID, &stageID, &c.TemplateID, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if stageID.Valid {
			c.StageID = &stageID.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateChecklistStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE checklists SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	return err
}

// --- checklist items ---

func (r Repo) InsertChecklistItem(ctx context.Context, tx *sql.Tx, item domain.ChecklistItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO checklist_items(id,checklist_id,template_item_id,value_json,status,assignee_id,due_at,completed_at,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		item.ID, item.ChecklistID, item.TemplateItemID, nullableStringPtr(item.ValueJSON), item.Status,
		nullableStringPtr(item.AssigneeID), nullableStringPtr(item.DueAt), nullableStringPtr(item.CompletedAt), item.CreatedAt, item.UpdatedAt)
	return err
}

func (r Repo) UpdateChecklistItem(ctx context.Context, tx *sql.Tx, item domain.ChecklistItem) error {
	_, err := tx.ExecContext(ctx, `UPDATE checklist_items SET value_json=?, status=?, assignee_id=?, due_at=?, completed_at=?, updated_at=? WHERE id=?`,
		nullableStringPtr(item.ValueJSON), item.Status, nullableStringPtr(item.AssigneeID), nullableStringPtr(item.DueAt),
		nullableStringPtr(item.CompletedAt), item.UpdatedAt, item.ID)
	return err
}

func (r Repo) GetChecklistItem(ctx context.Context, id string) (domain.ChecklistItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,checklist_id,template_item_id,value_json,status,assignee_id,due_at,completed_at,created_at,updated_at FROM checklist_items WHERE id=?`, id)
	item, err := scanChecklistItem(row)
	if err == sql.ErrNoRows {
		return item, ErrNotFound
	}
	return item, err
}

func (r Repo) ListChecklistItems(ctx context.Context, checklistID string) ([]domain.ChecklistItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT ci.id,ci.checklist_id,ci.template_item_id,ci.value_json,ci.status,ci.assignee_id,ci.due_at,ci.completed_at,ci.created_at,ci.updated_at
FROM checklist_items ci
JOIN template_items ti ON ti.id=ci.template_item_id
WHERE ci.checklist_id=? ORDER BY ti.position ASC`, checklistID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChecklistItem
	for rows.Next() {
		item, err := scanChecklistItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

func scanChecklistItem(row rowScanner) (domain.ChecklistItem, error) {
	var item domain.ChecklistItem
	var value, assignee, dueAt, completedAt sql.NullString
	if err := row.Scan(&item.ID, &item.ChecklistID, &item.TemplateItemID, &value, &item.Status, &assignee, &dueAt, &completedAt, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return item, err
	}
	if value.Valid {
		item.ValueJSON = &value.String
	}
	if assignee.Valid {
		item.AssigneeID = &assignee.String
	}
	if dueAt.Valid {
		item.DueAt = &dueAt.String
	}
	if completedAt.Valid {
		item.CompletedAt = &completedAt.String
	}
	return item, nil
}

// --- stage approvals ---

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.StageApproval) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_approvals(id,project_id,stage_id,approver_id,approver_role,status,note,decided_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.StageID, a.ApproverID, a.ApproverRole, a.Status, nullable(a.Note), a.DecidedAt)
	return err
}

// LatestApproval returns the most recent decision for a stage; the rowid
// breaks ties between decisions recorded in the same second.
func (r Repo) LatestApproval(ctx context.Context, stageID string) (domain.StageApproval, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,project_id,stage_id,approver_id,approver_role,status,COALESCE(note,''),decided_at FROM stage_approvals WHERE stage_id=? ORDER BY decided_at DESC, rowid DESC LIMIT 1`, stageID)
	var a domain.StageApproval
	err := row.Scan(&a.ID, &a.ProjectID, &a.StageID, &a.ApproverID, &a.ApproverRole, &a.Status, &a.Note, &a.DecidedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListApprovals(ctx context.Context, stageID string) ([]domain.StageApproval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,stage_id,approver_id,approver_role,status,COALESCE(note,''),decided_at FROM stage_approvals WHERE stage_id=? ORDER BY decided_at DESC, rowid DESC`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageApproval
	for rows.Next() {
		var a domain.StageApproval
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.StageID, &a.ApproverID, &a.ApproverRole, &a.Status, &a.Note, &a.DecidedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(before_json,''),COALESCE(after_json,''),COALESCE(payload_json,'') FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Before, &e.After, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
