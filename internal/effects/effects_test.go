package effects

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"

	"tideline/internal/domain"
)

type fakeForms struct {
	calls []string
	err   error
}

func (f *fakeForms) CreateForm(ctx context.Context, projectID, stageID, formName string) error {
	f.calls = append(f.calls, formName)
	return f.err
}

type fakeInventory struct {
	calls []string
}

func (f *fakeInventory) ReserveItem(ctx context.Context, projectID, stageID, item string) error {
	f.calls = append(f.calls, item)
	return nil
}

type fakeEquipment struct {
	calls int
}

func (f *fakeEquipment) SeedCommissioning(ctx context.Context, projectID, stageID string) error {
	f.calls++
	return nil
}

func TestFromGateRulesOrder(t *testing.T) {
	reqs := FromGateRules("job-1", "stage-1", domain.GateRules{
		RequiredForms:          []string{"dive-permit", "hot-work"},
		InventoryReservations:  []string{"compressor"},
		EquipmentCommissioning: true,
	})
	want := []Request{
		{Kind: KindSafetyForm, ProjectID: "job-1", StageID: "stage-1", Target: "dive-permit"},
		{Kind: KindSafetyForm, ProjectID: "job-1", StageID: "stage-1", Target: "hot-work"},
		{Kind: KindInventory, ProjectID: "job-1", StageID: "stage-1", Target: "compressor"},
		{Kind: KindCommissioning, ProjectID: "job-1", StageID: "stage-1"},
	}
	if len(reqs) != len(want) {
		t.Fatalf("expected %d requests, got %d", len(want), len(reqs))
	}
	for i := range want {
		if reqs[i] != want[i] {
			t.Fatalf("request %d: got %+v want %+v", i, reqs[i], want[i])
		}
	}
}

func TestFromGateRulesEmpty(t *testing.T) {
	if reqs := FromGateRules("job-1", "stage-1", domain.GateRules{}); len(reqs) != 0 {
		t.Fatalf("expected no requests, got %d", len(reqs))
	}
}

func TestDispatchContinuesPastFailures(t *testing.T) {
	forms := &fakeForms{err: errors.New("forms service down")}
	inv := &fakeInventory{}
	eq := &fakeEquipment{}
	var buf bytes.Buffer
	d := Dispatcher{
		Forms:     forms,
		Inventory: inv,
		Equipment: eq,
		Logger:    log.New(&buf, "", 0),
	}
	reqs := FromGateRules("job-1", "stage-1", domain.GateRules{
		RequiredForms:          []string{"dive-permit"},
		InventoryReservations:  []string{"compressor"},
		EquipmentCommissioning: true,
	})
	results := d.Dispatch(context.Background(), reqs)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Err == nil {
		t.Fatalf("expected form failure recorded")
	}
	if results[1].Err != nil || results[2].Err != nil {
		t.Fatalf("expected later effects to succeed")
	}
	if len(inv.calls) != 1 || eq.calls != 1 {
		t.Fatalf("expected reservation and commissioning despite form failure")
	}
	if !bytes.Contains(buf.Bytes(), []byte("dive-permit")) {
		t.Fatalf("expected failure logged, got %q", buf.String())
	}
}

func TestDispatchSkipsUnwiredCollaborators(t *testing.T) {
	d := Dispatcher{}
	results := d.Dispatch(context.Background(), []Request{
		{Kind: KindSafetyForm, Target: "dive-permit"},
	})
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("expected nil collaborator treated as no-op, got %+v", results)
	}
}
