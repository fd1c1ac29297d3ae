package domain

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// GateRules lists the side effects a stage requests when it is approved.
type GateRules struct {
	RequiredForms          []string `json:"required_forms,omitempty"`
	InventoryReservations  []string `json:"inventory_reservations,omitempty"`
	EquipmentCommissioning bool     `json:"equipment_commissioning,omitempty"`
}

type Stage struct {
	ID                   string    `json:"id"`
	ProjectID            string    `json:"project_id"`
	Name                 string    `json:"name"`
	Order                int       `json:"order"`
	GateRules            GateRules `json:"gate_rules"`
	RequiredApproverRole string    `json:"required_approver_role,omitempty" enum:"tech,supervisor,admin"`
	CreatedAt            string    `json:"created_at" format:"date-time"`
	UpdatedAt            string    `json:"updated_at" format:"date-time"`

	// Derived on read, never persisted.
	CompletionPercentage int    `json:"completion_percentage"`
	ApprovalStatus       string `json:"approval_status" enum:"pending,approved,rejected"`
}

// ItemValidations are the type-specific constraints a template item declares.
// The engine carries them for display; enforcing them is the caller's job.
type ItemValidations struct {
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	MaxLength *int     `json:"max_length,omitempty"`
	Options   []string `json:"options,omitempty"`
}

type TemplateItem struct {
	ID          string           `json:"id"`
	TemplateID  string           `json:"template_id"`
	Position    int              `json:"position"`
	Label       string           `json:"label"`
	Type        string           `json:"type" enum:"boolean,number,text,select,photo,signature"`
	Required    bool             `json:"required"`
	Validations *ItemValidations `json:"validations,omitempty"`
}

type ChecklistTemplate struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	Items     []TemplateItem `json:"items,omitempty"`
}

type Checklist struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	StageID    *string `json:"stage_id,omitempty"`
	TemplateID string  `json:"template_id"`
	Status     string  `json:"status" enum:"not_started,in_progress,blocked,done"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type ChecklistItem struct {
	ID             string  `json:"id"`
	ChecklistID    string  `json:"checklist_id"`
	TemplateItemID string  `json:"template_item_id"`
	ValueJSON      *string `json:"value_json,omitempty"`
	Status         string  `json:"status" enum:"pending,complete,na,blocked"`
	AssigneeID     *string `json:"assignee_id,omitempty"`
	DueAt          *string `json:"due_at,omitempty" format:"date-time"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// ChecklistItemDetail joins a stored item with its template item metadata.
// The template side is looked up at read time, not denormalized at rest.
type ChecklistItemDetail struct {
	ChecklistItem
	Label       string           `json:"label"`
	Type        string           `json:"type" enum:"boolean,number,text,select,photo,signature"`
	Required    bool             `json:"required"`
	Validations *ItemValidations `json:"validations,omitempty"`
}

type ChecklistDetail struct {
	Checklist
	TemplateName  string                `json:"template_name"`
	Items         []ChecklistItemDetail `json:"items"`
	RequiredItems []ChecklistItemDetail `json:"required_items"`
	OptionalItems []ChecklistItemDetail `json:"optional_items"`
}

// StageApproval is an append-only decision record. The latest record by
// decision time determines a stage's current approval status.
type StageApproval struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	StageID      string `json:"stage_id"`
	ApproverID   string `json:"approver_id"`
	ApproverRole string `json:"approver_role"`
	Status       string `json:"status" enum:"approved,rejected"`
	Note         string `json:"note,omitempty"`
	DecidedAt    string `json:"decided_at" format:"date-time"`
}

type StageProgress struct {
	StageID        string `json:"stage_id"`
	Name           string `json:"name"`
	Order          int    `json:"order"`
	Percentage     int    `json:"percentage"`
	Status         string `json:"status" enum:"not_started,in_progress,blocked,done"`
	ApprovalStatus string `json:"approval_status" enum:"pending,approved,rejected"`
}

type ProjectProgress struct {
	ProjectID         string          `json:"project_id"`
	OverallPercentage int             `json:"overall_percentage"`
	Stages            []StageProgress `json:"stages"`
}

type Member struct {
	ProjectID string `json:"project_id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role" enum:"tech,supervisor,admin"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Notification struct {
	ID          string `json:"id"`
	RecipientID string `json:"recipient_id"`
	Type        string `json:"type"`
	RelatedType string `json:"related_type"`
	RelatedID   string `json:"related_id"`
	Message     string `json:"message"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Before     string `json:"before_json,omitempty"`
	After      string `json:"after_json,omitempty"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
