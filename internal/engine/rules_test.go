package engine

import (
	"testing"

	"fabrica/internal/expression"
	"fabrica/internal/metadata"
)

func TestEvaluateFieldRule_Min(t *testing.T) {
	rule := &metadata.Rule{
		Type: "field",
		Definition: metadata.RuleDefinition{
			Field: "total", Operator: "min", Value: float64(0),
			Message: "Total must be non-negative",
		},
	}

	detail := EvaluateFieldRule(rule, map[string]any{"total": float64(-5)})
	if detail == nil {
		t.Fatal("expected error for total=-5")
	}
	if detail.Field != "total" {
		t.Fatalf("expected field=total, got %s", detail.Field)
	}
	if detail.Rule != "min" {
		t.Fatalf("expected rule=min, got %s", detail.Rule)
	}

	detail = EvaluateFieldRule(rule, map[string]any{"total": float64(0)})
	if detail != nil {
		t.Fatalf("expected pass for total=0, got %v", detail)
	}

	detail = EvaluateFieldRule(rule, map[string]any{"total": float64(10)})
	if detail != nil {
		t.Fatalf("expected pass for total=10, got %v", detail)
	}

	// Absent field is not a min violation; required is a separate check.
	detail = EvaluateFieldRule(rule, map[string]any{})
	if detail != nil {
		t.Fatalf("expected pass for absent field, got %v", detail)
	}
}

func TestEvaluateFieldRule_Max(t *testing.T) {
	rule := &metadata.Rule{
		Type: "field",
		Definition: metadata.RuleDefinition{
			Field: "quantity", Operator: "max", Value: float64(100),
			Message: "Quantity cannot exceed 100",
		},
	}

	detail := EvaluateFieldRule(rule, map[string]any{"quantity": float64(150)})
	if detail == nil {
		t.Fatal("expected error for quantity=150")
	}
	if detail.Rule != "max" {
		t.Fatalf("expected rule=max, got %s", detail.Rule)
	}

	detail = EvaluateFieldRule(rule, map[string]any{"quantity": float64(50)})
	if detail != nil {
		t.Fatalf("expected pass for quantity=50, got %v", detail)
	}
}

func TestEvaluateFieldRule_MinLength(t *testing.T) {
	rule := &metadata.Rule{
		Type: "field",
		Definition: metadata.RuleDefinition{
			Field: "name", Operator: "min_length", Value: float64(3),
			Message: "Name must be at least 3 characters",
		},
	}

	detail := EvaluateFieldRule(rule, map[string]any{"name": "AB"})
	if detail == nil {
		t.Fatal("expected error for name=AB")
	}
	if detail.Rule != "min_length" {
		t.Fatalf("expected rule=min_length, got %s", detail.Rule)
	}

	detail = EvaluateFieldRule(rule, map[string]any{"name": "Alice"})
	if detail != nil {
		t.Fatalf("expected pass for name=Alice, got %v", detail)
	}
}

func TestEvaluateFieldRule_MaxLength(t *testing.T) {
	rule := &metadata.Rule{
		Type: "field",
		Definition: metadata.RuleDefinition{
			Field: "code", Operator: "max_length", Value: float64(5),
			Message: "Code must be at most 5 characters",
		},
	}

	detail := EvaluateFieldRule(rule, map[string]any{"code": "TOOLONG"})
	if detail == nil {
		t.Fatal("expected error for code=TOOLONG")
	}

	detail = EvaluateFieldRule(rule, map[string]any{"code": "ABC"})
	if detail != nil {
		t.Fatalf("expected pass for code=ABC, got %v", detail)
	}
}

func TestEvaluateFieldRule_Pattern(t *testing.T) {
	rule := &metadata.Rule{
		Type: "field",
		Definition: metadata.RuleDefinition{
			Field: "email", Operator: "pattern", Value: `^[^@]+@[^@]+\.[^@]+$`,
			Message: "Invalid email format",
		},
	}

	detail := EvaluateFieldRule(rule, map[string]any{"email": "notanemail"})
	if detail == nil {
		t.Fatal("expected error for invalid email")
	}
	if detail.Rule != "pattern" {
		t.Fatalf("expected rule=pattern, got %s", detail.Rule)
	}

	detail = EvaluateFieldRule(rule, map[string]any{"email": "user@example.com"})
	if detail != nil {
		t.Fatalf("expected pass for valid email, got %v", detail)
	}
}

func TestEvaluateExpressionRule_Violated(t *testing.T) {
	rule := &metadata.Rule{
		Type: "expression",
		Definition: metadata.RuleDefinition{
			Expression: "record.status == 'paid' && record.payment_date == nil",
			Message:    "Payment date is required when status is paid",
		},
	}

	env := map[string]any{
		"record": map[string]any{"status": "paid", "payment_date": nil},
		"old":    map[string]any{},
		"action": "create",
	}
	detail := EvaluateExpressionRule(rule, env)
	if detail == nil {
		t.Fatal("expected violation when status=paid and payment_date=nil")
	}
	if detail.Message != "Payment date is required when status is paid" {
		t.Fatalf("unexpected message: %s", detail.Message)
	}
}

func TestEvaluateExpressionRule_Passes(t *testing.T) {
	rule := &metadata.Rule{
		Type: "expression",
		Definition: metadata.RuleDefinition{
			Expression: "record.status == 'paid' && record.payment_date == nil",
			Message:    "Payment date is required when status is paid",
		},
	}

	env := map[string]any{
		"record": map[string]any{"status": "paid", "payment_date": "2025-01-01"},
		"old":    map[string]any{},
		"action": "create",
	}
	detail := EvaluateExpressionRule(rule, env)
	if detail != nil {
		t.Fatalf("expected pass when payment_date is set, got %v", detail)
	}
}

func TestEvaluateExpressionRule_WithOldRecord(t *testing.T) {
	rule := &metadata.Rule{
		Type: "expression",
		Definition: metadata.RuleDefinition{
			Expression: "action == 'update' && record.status == 'cancelled' && old.status == 'paid'",
			Message:    "Cannot cancel a paid order",
		},
	}

	env := map[string]any{
		"record": map[string]any{"status": "cancelled"},
		"old":    map[string]any{"status": "paid"},
		"action": "update",
	}
	detail := EvaluateExpressionRule(rule, env)
	if detail == nil {
		t.Fatal("expected violation when cancelling a paid order")
	}

	env["action"] = "create"
	detail = EvaluateExpressionRule(rule, env)
	if detail != nil {
		t.Fatalf("expected pass on create, got %v", detail)
	}
}

func TestEvaluateExpressionRule_ReusesCompiledProgram(t *testing.T) {
	rule := &metadata.Rule{
		Type: "expression",
		Definition: metadata.RuleDefinition{
			Expression: "record.amount > 1000",
			Message:    "Amount too large",
		},
	}
	prog, err := expression.Compile(rule.Definition.Expression)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	rule.Compiled = prog

	detail := EvaluateExpressionRule(rule, map[string]any{
		"record": map[string]any{"amount": float64(2000)},
		"old":    map[string]any{},
		"action": "create",
	})
	if detail == nil {
		t.Fatal("expected violation for amount=2000")
	}
}

func TestEvaluateComputedField(t *testing.T) {
	rule := &metadata.Rule{
		Type: "computed",
		Definition: metadata.RuleDefinition{
			Field:      "total",
			Expression: "record.subtotal * (1 + record.tax_rate)",
		},
	}

	env := map[string]any{
		"record": map[string]any{"subtotal": float64(100), "tax_rate": float64(0.1)},
		"old":    map[string]any{},
		"action": "create",
	}
	val, err := EvaluateComputedField(rule, env)
	if err != nil {
		t.Fatalf("evaluate computed: %v", err)
	}
	result, ok := val.(float64)
	if !ok {
		t.Fatalf("expected float64 result, got %T", val)
	}
	if result < 109.99 || result > 110.01 {
		t.Fatalf("expected ~110.0, got %f", result)
	}
}

func TestEvaluateComputedField_StringConcat(t *testing.T) {
	rule := &metadata.Rule{
		Type: "computed",
		Definition: metadata.RuleDefinition{
			Field:      "display_name",
			Expression: "record.first_name + ' ' + record.last_name",
		},
	}

	env := map[string]any{
		"record": map[string]any{"first_name": "John", "last_name": "Doe"},
		"old":    map[string]any{},
		"action": "create",
	}
	val, err := EvaluateComputedField(rule, env)
	if err != nil {
		t.Fatalf("evaluate computed: %v", err)
	}
	if val != "John Doe" {
		t.Fatalf("expected 'John Doe', got %v", val)
	}
}

func TestEvaluateFieldRule_IntegerValues(t *testing.T) {
	rule := &metadata.Rule{
		Type: "field",
		Definition: metadata.RuleDefinition{
			Field: "age", Operator: "min", Value: float64(18),
			Message: "Must be at least 18",
		},
	}

	detail := EvaluateFieldRule(rule, map[string]any{"age": 16})
	if detail == nil {
		t.Fatal("expected error for age=16 (int)")
	}

	detail = EvaluateFieldRule(rule, map[string]any{"age": 20})
	if detail != nil {
		t.Fatalf("expected pass for age=20 (int), got %v", detail)
	}
}
