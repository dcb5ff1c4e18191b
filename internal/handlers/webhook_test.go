package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"brokerage-backend/internal/bictorys"
)

// The handler checks authentication, payload shape and the payment
// reference before touching the database, so those branches are
// exercised with no pool behind the handler.
func testWebhookHandler(secret string) *WebhookHandler {
	payments := bictorys.New(bictorys.Config{ReferencePrefix: "BWHITE_PAY"})
	return NewWebhookHandler(nil, payments, secret)
}

func postWebhook(h *WebhookHandler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/bictorys", strings.NewReader(body))
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	h.HandleBictorys(rec, req)
	return rec
}

func webhookBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("response decode: %v", err)
	}
	return body
}

func TestWebhookAuth(t *testing.T) {
	h := testWebhookHandler("whsec_123")

	tests := []struct {
		name string
		key  string
	}{
		{"missing key", ""},
		{"wrong key", "whsec_456"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postWebhook(h, tt.key, `{"status": "succeeded"}`)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}

	t.Run("no configured secret", func(t *testing.T) {
		// An empty secret must reject everything, including an
		// empty key that would otherwise compare equal.
		unconfigured := testWebhookHandler("")
		rec := postWebhook(unconfigured, "", `{"status": "succeeded"}`)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401 when no secret is set", rec.Code)
		}
	})
}

func TestWebhookBadJSON(t *testing.T) {
	h := testWebhookHandler("whsec_123")
	rec := postWebhook(h, "whsec_123", `{"status": `)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookIgnoresNonPaidStatus(t *testing.T) {
	h := testWebhookHandler("whsec_123")

	for _, body := range []string{
		`{"status": "failed", "paymentReference": "BWHITE_PAY_7", "amount": 1000}`,
		`{"status": "pending", "paymentReference": "BWHITE_PAY_7", "amount": 1000}`,
		`{"paymentReference": "BWHITE_PAY_7", "amount": 1000}`,
	} {
		rec := postWebhook(h, "whsec_123", body)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200 for %s", rec.Code, body)
		}
		if got := webhookBody(t, rec)["status"]; got != "ignored" {
			t.Errorf("body status = %q, want ignored", got)
		}
	}
}

func TestWebhookStatusCaseInsensitive(t *testing.T) {
	h := testWebhookHandler("whsec_123")

	// An uppercase paid status must not fall into the ignore branch:
	// with a garbage reference it has to reach the reference check.
	rec := postWebhook(h, "whsec_123", `{"status": "SUCCEEDED", "paymentReference": "nope"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 past the ignore branch", rec.Code)
	}
}

func TestWebhookBadReference(t *testing.T) {
	h := testWebhookHandler("whsec_123")

	for _, ref := range []string{"", "OTHER_42", "BWHITE_PAY_abc"} {
		body := `{"status": "succeeded", "paymentReference": "` + ref + `", "amount": 1000}`
		rec := postWebhook(h, "whsec_123", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d for ref %q, want 400", rec.Code, ref)
		}
	}
}

func TestWebhookMissingAmount(t *testing.T) {
	h := testWebhookHandler("whsec_123")

	for _, body := range []string{
		`{"status": "succeeded", "paymentReference": "BWHITE_PAY_7"}`,
		`{"status": "succeeded", "paymentReference": "BWHITE_PAY_7", "amount": "abc"}`,
	} {
		rec := postWebhook(h, "whsec_123", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400 for %s", rec.Code, body)
		}
	}
}

func TestWebhookDataEnvelope(t *testing.T) {
	h := testWebhookHandler("whsec_123")

	// Fields inside a data envelope must be read as if top-level: the
	// bad reference inside data has to reach the reference check.
	rec := postWebhook(h, "whsec_123",
		`{"data": {"status": "succeeded", "paymentReference": "OTHER_42", "amount": 1000}}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 from enveloped payload", rec.Code)
	}
	if got := webhookBody(t, rec)["error"]; got != "Référence de paiement invalide" {
		t.Errorf("error = %q", got)
	}
}

func TestWebhookAmountParsing(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   string
		wantOK bool
	}{
		{"number", `{"amount": 102000}`, "102000", true},
		{"decimal number", `{"amount": 102000.5}`, "102000.5", true},
		{"string", `{"amount": "102000.00"}`, "102000", true},
		{"garbage string", `{"amount": "n/a"}`, "", false},
		{"missing", `{}`, "", false},
		{"null", `{"amount": null}`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var payload map[string]interface{}
			if err := json.Unmarshal([]byte(tt.raw), &payload); err != nil {
				t.Fatalf("payload: %v", err)
			}
			got, ok := webhookAmount(payload)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got.String() != tt.want {
				t.Errorf("amount = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestWebhookStringFallbacks(t *testing.T) {
	payload := map[string]interface{}{
		"merchantReference": "BWHITE_PAY_9",
		"reference":         "ignored",
		"id":                "",
		"chargeId":          "ch_55",
	}
	if got := webhookString(payload, "paymentReference", "merchantReference", "reference"); got != "BWHITE_PAY_9" {
		t.Errorf("reference = %q, want first non-empty key", got)
	}
	if got := webhookString(payload, "id", "chargeId"); got != "ch_55" {
		t.Errorf("charge id = %q, empty string must not win", got)
	}
	if got := webhookString(payload, "absent"); got != "" {
		t.Errorf("absent = %q, want empty", got)
	}
}
