package cel

import (
	"testing"
)

func TestBasicCEL(t *testing.T) {
	e, err := NewEvaluator(`"site" in attrs && attrs["site"] == "east"`)
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	ok, err := e.Evaluate(map[string]string{"site": "east"})
	if err != nil || !ok {
		t.Errorf("expected match, got %v, %v", ok, err)
	}
	ok, _ = e.Evaluate(map[string]string{"site": "west"})
	if ok {
		t.Errorf("expected no match for west")
	}
	ok, _ = e.Evaluate(nil)
	if ok {
		t.Errorf("expected no match for empty attributes")
	}
}

func TestPrefixOverKeys(t *testing.T) {
	e, err := NewEvaluator(`attrs.exists(k, k.startsWith("rack") && attrs[k].startsWith("r1"))`)
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	ok, _ := e.Evaluate(map[string]string{"rack_id": "r12"})
	if !ok {
		t.Errorf("expected prefix match")
	}
	ok, _ = e.Evaluate(map[string]string{"host": "r12"})
	if ok {
		t.Errorf("expected no match on other keys")
	}
}

func TestNonBoolExpression(t *testing.T) {
	if _, err := NewEvaluator(`size(attrs)`); err == nil {
		t.Errorf("expected non-bool expression to be rejected")
	}
	if _, err := NewEvaluator(""); err == nil {
		t.Errorf("expected empty expression to be rejected")
	}
	if _, err := NewEvaluator(`attrs[`); err == nil {
		t.Errorf("expected syntax error")
	}
}
