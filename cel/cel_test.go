package cel

import (
	"testing"
)

func TestBasicRule(t *testing.T) {
	e, err := NewEvaluator("adult", "doc.age >= 18")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := e.Evaluate(map[string]any{"age": 20})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Errorf("expected rule to hold for age 20")
	}
	ok, _ = e.Evaluate(map[string]any{"age": 3})
	if ok {
		t.Errorf("expected rule to fail for age 3")
	}
}

func TestRuleOnMissingField(t *testing.T) {
	e, err := NewEvaluator("named", "has(doc.name) && doc.name != ''")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := e.Evaluate(map[string]any{"age": 1})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Errorf("expected rule to fail without name")
	}
}

func TestNewEvaluatorErrors(t *testing.T) {
	if _, err := NewEvaluator("", "true"); err == nil {
		t.Errorf("expected error for empty name")
	}
	if _, err := NewEvaluator("x", ""); err == nil {
		t.Errorf("expected error for empty expression")
	}
	if _, err := NewEvaluator("x", "doc.age +"); err == nil {
		t.Errorf("expected compile error")
	}
	if _, err := NewEvaluator("x", "1 + 2"); err == nil {
		t.Errorf("expected error for non bool rule")
	}
}
