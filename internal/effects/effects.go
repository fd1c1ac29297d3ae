package effects

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/google/uuid"

	"tideline/internal/domain"
)

// Kind names a category of post-approval side effect.
type Kind string

const (
	KindSafetyForm    Kind = "safety_form"
	KindInventory     Kind = "inventory_reservation"
	KindCommissioning Kind = "commissioning_job"
)

// Request describes one side effect derived from a stage's gate rules.
// Target carries the form name or reservation item; empty for commissioning.
type Request struct {
	Kind      Kind
	ProjectID string
	StageID   string
	Target    string
}

// Result pairs a request with its outcome.
type Result struct {
	Request
	Err error
}

type SafetyForms interface {
	CreateForm(ctx context.Context, projectID, stageID, formName string) error
}

type Inventory interface {
	ReserveItem(ctx context.Context, projectID, stageID, item string) error
}

type Equipment interface {
	SeedCommissioning(ctx context.Context, projectID, stageID string) error
}

// FromGateRules expands a stage's gate rules into the requests an approval
// triggers, in a fixed order: forms, then reservations, then commissioning.
func FromGateRules(projectID, stageID string, rules domain.GateRules) []Request {
	var reqs []Request
	for _, form := range rules.RequiredForms {
		reqs = append(reqs, Request{Kind: KindSafetyForm, ProjectID: projectID, StageID: stageID, Target: form})
	}
	for _, item := range rules.InventoryReservations {
		reqs = append(reqs, Request{Kind: KindInventory, ProjectID: projectID, StageID: stageID, Target: item})
	}
	if rules.EquipmentCommissioning {
		reqs = append(reqs, Request{Kind: KindCommissioning, ProjectID: projectID, StageID: stageID})
	}
	return reqs
}

// Dispatcher fans approval side effects out to the collaborating systems.
// Dispatch runs after the approval transaction commits; failures are logged
// and never unwind the approval.
type Dispatcher struct {
	Forms     SafetyForms
	Inventory Inventory
	Equipment Equipment
	Logger    *log.Logger
}

func (d Dispatcher) Dispatch(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, 0, len(reqs))
	for _, req := range reqs {
		var err error
		switch req.Kind {
		case KindSafetyForm:
			if d.Forms != nil {
				err = d.Forms.CreateForm(ctx, req.ProjectID, req.StageID, req.Target)
			}
		case KindInventory:
			if d.Inventory != nil {
				err = d.Inventory.ReserveItem(ctx, req.ProjectID, req.StageID, req.Target)
			}
		case KindCommissioning:
			if d.Equipment != nil {
				err = d.Equipment.SeedCommissioning(ctx, req.ProjectID, req.StageID)
			}
		}
		if err != nil && d.Logger != nil {
			d.Logger.Printf("effect %s target=%q stage=%s failed: %v", req.Kind, req.Target, req.StageID, err)
		}
		results = append(results, Result{Request: req, Err: err})
	}
	return results
}

// Store persists side effects in the workspace database. It stands in for
// the external safety, inventory and commissioning systems.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s Store) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (s Store) CreateForm(ctx context.Context, projectID, stageID, formName string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO safety_forms(id,project_id,stage_id,form_name,status,created_at) VALUES (?,?,?,?,?,?)`,
		uuid.NewString(), projectID, stageID, formName, "open", s.now())
	return err
}

func (s Store) ReserveItem(ctx context.Context, projectID, stageID, item string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO inventory_reservations(id,project_id,stage_id,item_name,status,created_at) VALUES (?,?,?,?,?,?)`,
		uuid.NewString(), projectID, stageID, item, "reserved", s.now())
	return err
}

func (s Store) SeedCommissioning(ctx context.Context, projectID, stageID string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO commissioning_jobs(id,project_id,stage_id,status,created_at) VALUES (?,?,?,?,?)`,
		uuid.NewString(), projectID, stageID, "queued", s.now())
	return err
}

// DefaultDispatcher wires all effect kinds to the store-backed collaborators.
func DefaultDispatcher(db *sql.DB, logger *log.Logger) Dispatcher {
	store := Store{DB: db}
	return Dispatcher{Forms: store, Inventory: store, Equipment: store, Logger: logger}
}
