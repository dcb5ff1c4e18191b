package redact_test

import (
	"testing"

	"brokerage-backend/internal/redact"
)

func TestParams(t *testing.T) {
	in := map[string]any{
		"nom":    "Diop",
		"numtel": "771234567",
		"EMAIL":  "a@b.sn",
		"client": map[string]any{
			"numident": "1234567890123",
			"adresse":  "Dakar",
		},
		"contacts": []any{
			map[string]any{"telephone": "761112233", "ville": "Thiès"},
			"plain",
		},
		"montant": 125000,
	}

	got := redact.Params(in)

	if got["numtel"] != redact.Mask {
		t.Errorf("numtel not masked: %v", got["numtel"])
	}
	if got["EMAIL"] != redact.Mask {
		t.Errorf("uppercase EMAIL not masked: %v", got["EMAIL"])
	}
	if got["nom"] != "Diop" {
		t.Errorf("nom altered: %v", got["nom"])
	}
	if got["montant"] != 125000 {
		t.Errorf("montant altered: %v", got["montant"])
	}

	nested, ok := got["client"].(map[string]any)
	if !ok {
		t.Fatalf("client not a map: %T", got["client"])
	}
	if nested["numident"] != redact.Mask {
		t.Errorf("nested numident not masked: %v", nested["numident"])
	}
	if nested["adresse"] != "Dakar" {
		t.Errorf("nested adresse altered: %v", nested["adresse"])
	}

	list, ok := got["contacts"].([]any)
	if !ok {
		t.Fatalf("contacts not a list: %T", got["contacts"])
	}
	first, ok := list[0].(map[string]any)
	if !ok {
		t.Fatalf("contacts[0] not a map: %T", list[0])
	}
	if first["telephone"] != redact.Mask {
		t.Errorf("telephone in list not masked: %v", first["telephone"])
	}
	if list[1] != "plain" {
		t.Errorf("scalar list element altered: %v", list[1])
	}

	// Source map must stay untouched.
	if in["numtel"] != "771234567" {
		t.Errorf("input mutated: %v", in["numtel"])
	}
}

func TestParamsNil(t *testing.T) {
	if got := redact.Params(nil); got != nil {
		t.Errorf("Params(nil) = %v, want nil", got)
	}
}
