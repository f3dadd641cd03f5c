package engine

import (
	"context"
	"strings"
	"testing"

	"fabrica/internal/metadata"
)

func testStateMachine() *metadata.StateMachine {
	return &metadata.StateMachine{
		ID:     "sm-1",
		Entity: "invoice",
		Field:  "status",
		Active: true,
		Definition: metadata.StateMachineDefinition{
			Initial: "draft",
			Transitions: []metadata.Transition{
				{
					From:  metadata.TransitionFrom{"draft"},
					To:    "sent",
					Guard: "record.total > 0",
					Actions: []metadata.TransitionAction{
						{Type: "set_field", Field: "sent_at", Value: "now"},
					},
				},
				{
					From: metadata.TransitionFrom{"sent"},
					To:   "paid",
					Actions: []metadata.TransitionAction{
						{Type: "set_field", Field: "paid_at", Value: "now"},
					},
				},
				{
					From:  metadata.TransitionFrom{"approved"},
					To:    "shipped",
					Roles: []string{"manager"},
				},
				{
					From:    metadata.TransitionFrom{"draft", "sent"},
					To:      "void",
					Actions: []metadata.TransitionAction{},
				},
			},
		},
	}
}

func testInvoiceEntity() *metadata.Entity {
	return &metadata.Entity{
		Name:  "invoice",
		Table: "invoice",
		PrimaryKey: metadata.PrimaryKey{
			Field: "id", Type: "uuid", Generated: true,
		},
	}
}

func applyTestStateMachine(t *testing.T, sm *metadata.StateMachine, fields, old map[string]any, isCreate bool, user *metadata.UserContext) ([]ErrorDetail, error) {
	t.Helper()
	return applyStateMachine(context.Background(), nil, nil, nil, sm, testInvoiceEntity(), fields, old, isCreate, user)
}

func TestFindTransition(t *testing.T) {
	sm := testStateMachine()

	tr := sm.FindTransition("draft", "sent")
	if tr == nil {
		t.Fatal("expected to find transition draft to sent")
	}
	if tr.To != "sent" {
		t.Errorf("expected to=sent, got %s", tr.To)
	}

	if sm.FindTransition("sent", "paid") == nil {
		t.Fatal("expected to find transition sent to paid")
	}

	// Multi-state from lists match any listed source state.
	if sm.FindTransition("draft", "void") == nil {
		t.Fatal("expected to find transition draft to void")
	}
	if sm.FindTransition("sent", "void") == nil {
		t.Fatal("expected to find transition sent to void")
	}

	if sm.FindTransition("draft", "paid") != nil {
		t.Error("expected no transition draft to paid")
	}
	if sm.FindTransition("void", "draft") != nil {
		t.Error("expected no transition void to draft")
	}
}

func TestEvaluateGuard(t *testing.T) {
	transition := &metadata.Transition{
		From:  metadata.TransitionFrom{"draft"},
		To:    "sent",
		Guard: "record.total > 0",
	}

	env := map[string]any{
		"record": map[string]any{"total": 100},
		"old":    map[string]any{},
		"action": "update",
	}
	allowed, err := EvaluateGuard(transition, env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("expected guard to allow total=100")
	}

	env["record"] = map[string]any{"total": 0}
	allowed, err = EvaluateGuard(transition, env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("expected guard to block total=0")
	}

	env["record"] = map[string]any{"total": -5}
	allowed, err = EvaluateGuard(transition, env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("expected guard to block negative total")
	}
}

func TestApplyStateMachine_ValidTransition(t *testing.T) {
	sm := testStateMachine()
	fields := map[string]any{"status": "sent", "total": 100}
	old := map[string]any{"status": "draft", "total": 100}

	errs, err := applyTestStateMachine(t, sm, fields, old, false, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(errs) > 0 {
		t.Errorf("expected no errors, got %v", errs)
	}

	// The set_field action runs during the transition.
	sentAt, ok := fields["sent_at"].(string)
	if !ok {
		t.Fatal("expected sent_at to be set by action")
	}
	if sentAt == "now" {
		t.Error("expected 'now' to be replaced with a timestamp")
	}
	if !strings.Contains(sentAt, "T") {
		t.Errorf("expected RFC3339 timestamp, got %s", sentAt)
	}
}

func TestApplyStateMachine_InvalidTransition(t *testing.T) {
	sm := testStateMachine()
	fields := map[string]any{"status": "paid"}
	old := map[string]any{"status": "draft"}

	errs, err := applyTestStateMachine(t, sm, fields, old, false, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(errs) == 0 {
		t.Fatal("expected validation error for invalid transition")
	}
	if !strings.Contains(errs[0].Message, "Invalid transition") {
		t.Errorf("expected invalid transition error, got %s", errs[0].Message)
	}
}

func TestApplyStateMachine_GuardFail(t *testing.T) {
	sm := testStateMachine()
	fields := map[string]any{"status": "sent", "total": 0}
	old := map[string]any{"status": "draft", "total": 0}

	errs, err := applyTestStateMachine(t, sm, fields, old, false, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(errs) == 0 {
		t.Fatal("expected validation error for guard failure")
	}
	if !strings.Contains(errs[0].Message, "blocked by guard") {
		t.Errorf("expected guard blocked error, got %s", errs[0].Message)
	}
}

func TestApplyStateMachine_RoleRequired(t *testing.T) {
	sm := testStateMachine()
	fields := map[string]any{"status": "shipped"}
	old := map[string]any{"status": "approved"}

	// No user at all.
	_, err := applyTestStateMachine(t, sm, fields, old, false, nil)
	appErr, ok := err.(*AppError)
	if !ok {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Status != 403 {
		t.Errorf("expected 403, got %d", appErr.Status)
	}

	// User with a non-matching role.
	clerk := &metadata.UserContext{ID: "u1", Roles: []string{"clerk"}}
	_, err = applyTestStateMachine(t, sm, fields, old, false, clerk)
	if appErr, ok := err.(*AppError); !ok || appErr.Status != 403 {
		t.Fatalf("expected 403 for clerk, got %v", err)
	}

	// Matching role passes.
	manager := &metadata.UserContext{ID: "u2", Roles: []string{"manager"}}
	errs, err := applyTestStateMachine(t, sm, fields, old, false, manager)
	if err != nil {
		t.Fatalf("unexpected error for manager: %v", err)
	}
	if len(errs) > 0 {
		t.Errorf("expected no errors for manager, got %v", errs)
	}

	// Admin bypasses role checks.
	admin := &metadata.UserContext{ID: "u3", Roles: []string{"admin"}}
	errs, err = applyTestStateMachine(t, sm, map[string]any{"status": "shipped"}, old, false, admin)
	if err != nil {
		t.Fatalf("unexpected error for admin: %v", err)
	}
	if len(errs) > 0 {
		t.Errorf("expected no errors for admin, got %v", errs)
	}
}

func TestApplyStateMachine_Create_ValidInitial(t *testing.T) {
	sm := testStateMachine()
	fields := map[string]any{"status": "draft"}

	errs, err := applyTestStateMachine(t, sm, fields, map[string]any{}, true, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(errs) > 0 {
		t.Errorf("expected no errors for valid initial state, got %v", errs)
	}
}

func TestApplyStateMachine_Create_InvalidInitial(t *testing.T) {
	sm := testStateMachine()
	fields := map[string]any{"status": "sent"}

	errs, err := applyTestStateMachine(t, sm, fields, map[string]any{}, true, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(errs) == 0 {
		t.Fatal("expected validation error for invalid initial state")
	}
	if !strings.Contains(errs[0].Message, "Initial state must be") {
		t.Errorf("expected initial state error, got %s", errs[0].Message)
	}
}

func TestApplyStateMachine_NoStateChange(t *testing.T) {
	sm := testStateMachine()
	fields := map[string]any{"status": "draft", "total": 50}
	old := map[string]any{"status": "draft"}

	errs, err := applyTestStateMachine(t, sm, fields, old, false, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(errs) > 0 {
		t.Errorf("expected no errors when state doesn't change, got %v", errs)
	}
}

func TestApplyStateMachine_NoStateField(t *testing.T) {
	sm := testStateMachine()
	fields := map[string]any{"total": 100}
	old := map[string]any{"status": "draft"}

	errs, err := applyTestStateMachine(t, sm, fields, old, false, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(errs) > 0 {
		t.Errorf("expected no errors when state field not in payload, got %v", errs)
	}
}
