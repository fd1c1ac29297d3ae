package server

import (
	"encoding/json"

	"tideline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type UpdateProjectRequest struct {
	Name        *string `json:"name,omitempty"`
	Status      *string `json:"status,omitempty" enum:"active,on_hold,completed,archived"`
	Description *string `json:"description,omitempty"`
}

type GateRulesRequest struct {
	RequiredForms          []string `json:"required_forms,omitempty"`
	InventoryReservations  []string `json:"inventory_reservations,omitempty"`
	EquipmentCommissioning bool     `json:"equipment_commissioning,omitempty"`
}

type StageSpecRequest struct {
	Name                 string            `json:"name"`
	Order                int               `json:"order"`
	GateRules            *GateRulesRequest `json:"gate_rules,omitempty"`
	RequiredApproverRole string            `json:"required_approver_role,omitempty" enum:"tech,supervisor,admin"`
}

type CreateStagesRequest struct {
	Stages []StageSpecRequest `json:"stages"`
}

type UpdateStageRequest struct {
	Name                 *string           `json:"name,omitempty"`
	Order                *int              `json:"order,omitempty"`
	GateRules            *GateRulesRequest `json:"gate_rules,omitempty"`
	RequiredApproverRole *string           `json:"required_approver_role,omitempty" enum:"tech,supervisor,admin"`
}

type CreateChecklistRequest struct {
	TemplateID   string `json:"template_id,omitempty"`
	TemplateName string `json:"template_name,omitempty"`
	StageID      string `json:"stage_id,omitempty"`
}

type UpdateChecklistItemRequest struct {
	Status     *string         `json:"status,omitempty" enum:"pending,complete,na,blocked"`
	Value      json.RawMessage `json:"value,omitempty"`
	AssigneeID *string         `json:"assignee_id,omitempty"`
	DueAt      *string         `json:"due_at,omitempty" format:"date-time"`
}

type ApproveStageRequest struct {
	Status string `json:"status" enum:"approved,rejected"`
	Note   string `json:"note,omitempty"`
}

type TemplateItemRequest struct {
	Label       string             `json:"label"`
	Type        string             `json:"type" enum:"boolean,number,text,select,photo,signature"`
	Required    bool               `json:"required,omitempty"`
	Validations *ValidationRequest `json:"validations,omitempty"`
}

type ValidationRequest struct {
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	MaxLength *int     `json:"max_length,omitempty"`
	Options   []string `json:"options,omitempty"`
}

type ImportTemplateRequest struct {
	Items []TemplateItemRequest `json:"items"`
}

type GrantRoleRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"tech,supervisor,admin"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty" enum:"tech,supervisor,admin"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type StageResponse struct {
	ID                   string           `json:"id"`
	ProjectID            string           `json:"project_id"`
	Name                 string           `json:"name"`
	Order                int              `json:"order"`
	GateRules            domain.GateRules `json:"gate_rules"`
	RequiredApproverRole string           `json:"required_approver_role,omitempty"`
	CompletionPercentage int              `json:"completion_percentage"`
	ApprovalStatus       string           `json:"approval_status" enum:"pending,approved,rejected"`
	CreatedAt            string           `json:"created_at" format:"date-time"`
	UpdatedAt            string           `json:"updated_at" format:"date-time"`
}

type ChecklistItemResponse struct {
	ID          string                  `json:"id"`
	ChecklistID string                  `json:"checklist_id"`
	Label       string                  `json:"label"`
	Type        string                  `json:"type" enum:"boolean,number,text,select,photo,signature"`
	Required    bool                    `json:"required"`
	Status      string                  `json:"status" enum:"pending,complete,na,blocked"`
	Value       any                     `json:"value,omitempty"`
	Validations *domain.ItemValidations `json:"validations,omitempty"`
	AssigneeID  *string                 `json:"assignee_id,omitempty"`
	DueAt       *string                 `json:"due_at,omitempty" format:"date-time"`
	CompletedAt *string                 `json:"completed_at,omitempty" format:"date-time"`
	UpdatedAt   string                  `json:"updated_at" format:"date-time"`
}

type ChecklistResponse struct {
	ID            string                  `json:"id"`
	ProjectID     string                  `json:"project_id"`
	StageID       *string                 `json:"stage_id,omitempty"`
	TemplateID    string                  `json:"template_id"`
	TemplateName  string                  `json:"template_name,omitempty"`
	Status        string                  `json:"status" enum:"not_started,in_progress,blocked,done"`
	Items         []ChecklistItemResponse `json:"items,omitempty"`
	RequiredItems []ChecklistItemResponse `json:"required_items,omitempty"`
	OptionalItems []ChecklistItemResponse `json:"optional_items,omitempty"`
	CreatedAt     string                  `json:"created_at" format:"date-time"`
	UpdatedAt     string                  `json:"updated_at" format:"date-time"`
}

type ApprovalResponse struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	StageID      string `json:"stage_id"`
	ApproverID   string `json:"approver_id"`
	ApproverRole string `json:"approver_role"`
	Status       string `json:"status" enum:"approved,rejected"`
	Note         string `json:"note,omitempty"`
	DecidedAt    string `json:"decided_at" format:"date-time"`
}

type StageProgressResponse struct {
	StageID        string `json:"stage_id"`
	Name           string `json:"name"`
	Order          int    `json:"order"`
	Percentage     int    `json:"percentage"`
	Status         string `json:"status" enum:"not_started,in_progress,blocked,done"`
	ApprovalStatus string `json:"approval_status" enum:"pending,approved,rejected"`
}

type ProgressResponse struct {
	ProjectID         string                  `json:"project_id"`
	OverallPercentage int                     `json:"overall_percentage"`
	Stages            []StageProgressResponse `json:"stages"`
}

type TemplateResponse struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Items     []TemplateItemResponse `json:"items,omitempty"`
	CreatedAt string                 `json:"created_at" format:"date-time"`
}

type TemplateItemResponse struct {
	ID          string                  `json:"id"`
	Position    int                     `json:"position"`
	Label       string                  `json:"label"`
	Type        string                  `json:"type" enum:"boolean,number,text,select,photo,signature"`
	Required    bool                    `json:"required"`
	Validations *domain.ItemValidations `json:"validations,omitempty"`
}

type MemberResponse struct {
	ProjectID string `json:"project_id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role" enum:"tech,supervisor,admin"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type NotificationResponse struct {
	ID          string `json:"id"`
	RecipientID string `json:"recipient_id"`
	Type        string `json:"type"`
	RelatedType string `json:"related_type"`
	RelatedID   string `json:"related_id"`
	Message     string `json:"message"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty"`
	Source  string `json:"source"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Mappers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Kind:        p.Kind,
		Status:      p.Status,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func stageResponse(s domain.Stage) StageResponse {
	return StageResponse{
		ID:                   s.ID,
		ProjectID:            s.ProjectID,
		Name:                 s.Name,
		Order:                s.Order,
		GateRules:            s.GateRules,
		RequiredApproverRole: s.RequiredApproverRole,
		CompletionPercentage: s.CompletionPercentage,
		ApprovalStatus:       s.ApprovalStatus,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
}

func checklistItemResponse(d domain.ChecklistItemDetail) ChecklistItemResponse {
	resp := ChecklistItemResponse{
		ID:          d.ID,
		ChecklistID: d.ChecklistID,
		Label:       d.Label,
		Type:        d.Type,
		Required:    d.Required,
		Status:      d.Status,
		Validations: d.Validations,
		AssigneeID:  d.AssigneeID,
		DueAt:       d.DueAt,
		CompletedAt: d.CompletedAt,
		UpdatedAt:   d.UpdatedAt,
	}
	if d.ValueJSON != nil && *d.ValueJSON != "" {
		var v any
		if err := json.Unmarshal([]byte(*d.ValueJSON), &v); err == nil {
			resp.Value = v
		}
	}
	return resp
}

func checklistResponse(d domain.ChecklistDetail) ChecklistResponse {
	resp := ChecklistResponse{
		ID:           d.ID,
		ProjectID:    d.ProjectID,
		StageID:      d.StageID,
		TemplateID:   d.TemplateID,
		TemplateName: d.TemplateName,
		Status:       d.Status,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
	for _, item := range d.Items {
		resp.Items = append(resp.Items, checklistItemResponse(item))
	}
	for _, item := range d.RequiredItems {
		resp.RequiredItems = append(resp.RequiredItems, checklistItemResponse(item))
	}
	for _, item := range d.OptionalItems {
		resp.OptionalItems = append(resp.OptionalItems, checklistItemResponse(item))
	}
	return resp
}

func checklistSummaryResponse(c domain.Checklist) ChecklistResponse {
	return ChecklistResponse{
		ID:         c.ID,
		ProjectID:  c.ProjectID,
		StageID:    c.StageID,
		TemplateID: c.TemplateID,
		Status:     c.Status,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

func approvalResponse(a domain.StageApproval) ApprovalResponse {
	return ApprovalResponse{
		ID:           a.ID,
		ProjectID:    a.ProjectID,
		StageID:      a.StageID,
		ApproverID:   a.ApproverID,
		ApproverRole: a.ApproverRole,
		Status:       a.Status,
		Note:         a.Note,
		DecidedAt:    a.DecidedAt,
	}
}

func progressResponse(p domain.ProjectProgress) ProgressResponse {
	resp := ProgressResponse{
		ProjectID:         p.ProjectID,
		OverallPercentage: p.OverallPercentage,
		Stages:            []StageProgressResponse{},
	}
	for _, s := range p.Stages {
		resp.Stages = append(resp.Stages, StageProgressResponse{
			StageID:        s.StageID,
			Name:           s.Name,
			Order:          s.Order,
			Percentage:     s.Percentage,
			Status:         s.Status,
			ApprovalStatus: s.ApprovalStatus,
		})
	}
	return resp
}

func templateResponse(t domain.ChecklistTemplate) TemplateResponse {
	resp := TemplateResponse{ID: t.ID, Name: t.Name, CreatedAt: t.CreatedAt}
	for _, item := range t.Items {
		resp.Items = append(resp.Items, TemplateItemResponse{
			ID:          item.ID,
			Position:    item.Position,
			Label:       item.Label,
			Type:        item.Type,
			Required:    item.Required,
			Validations: item.Validations,
		})
	}
	return resp
}

func memberResponse(m domain.Member) MemberResponse {
	return MemberResponse{
		ProjectID: m.ProjectID,
		ActorID:   m.ActorID,
		Role:      m.Role,
		CreatedAt: m.CreatedAt,
	}
}

func notificationResponse(n domain.Notification) NotificationResponse {
	return NotificationResponse{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		Type:        n.Type,
		RelatedType: n.RelatedType,
		RelatedID:   n.RelatedID,
		Message:     n.Message,
		CreatedAt:   n.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	resp.Before = decodeJSONMap(e.Before)
	resp.After = decodeJSONMap(e.After)
	resp.Payload = decodeJSONMap(e.Payload)
	return resp
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := []ProjectResponse{}
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func mapStages(items []domain.Stage) []StageResponse {
	res := []StageResponse{}
	for _, s := range items {
		res = append(res, stageResponse(s))
	}
	return res
}

func gateRulesFromRequest(r *GateRulesRequest) domain.GateRules {
	if r == nil {
		return domain.GateRules{}
	}
	return domain.GateRules{
		RequiredForms:          r.RequiredForms,
		InventoryReservations:  r.InventoryReservations,
		EquipmentCommissioning: r.EquipmentCommissioning,
	}
}
