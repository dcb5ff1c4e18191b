package bictorys

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:         srv.URL,
		APIKey:          "pk_test_123",
		ReferencePrefix: "BWHITE_PAY",
	})
}

func chargeParams() ChargeParams {
	return ChargeParams{
		SettlementID:  42,
		Amount:        decimal.NewFromInt(102000),
		SuccessURL:    "https://app.example/paiements",
		CustomerName:  "Awa Diop",
		CustomerPhone: "771234567",
		CustomerEmail: "awa@example.sn",
	}
}

func TestCreateCharge(t *testing.T) {
	var gotBody map[string]any
	var gotKey, gotContentType string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("body decode: %v", err)
		}
		fmt.Fprint(w, `{"id": "ch_991", "opToken": "op_abc", "link": "https://pay.bictorys.com/c/991"}`)
	})

	charge, err := c.CreateCharge(context.Background(), chargeParams())
	if err != nil {
		t.Fatalf("CreateCharge: %v", err)
	}
	if charge.PaymentURL != "https://pay.bictorys.com/c/991" {
		t.Errorf("PaymentURL = %q", charge.PaymentURL)
	}
	if charge.ID != "ch_991" || charge.OpToken != "op_abc" {
		t.Errorf("identifiers = %q/%q", charge.ID, charge.OpToken)
	}

	if gotKey != "pk_test_123" {
		t.Errorf("X-API-Key = %q", gotKey)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if gotBody["amount"] != float64(102000) {
		t.Errorf("amount = %v, want integer count", gotBody["amount"])
	}
	if gotBody["currency"] != "XOF" || gotBody["country"] != "SN" {
		t.Errorf("currency/country = %v/%v", gotBody["currency"], gotBody["country"])
	}
	if gotBody["paymentReference"] != "BWHITE_PAY_42" {
		t.Errorf("paymentReference = %v", gotBody["paymentReference"])
	}
	if gotBody["errorRedirectUrl"] != "https://app.example/paiements" {
		t.Errorf("errorRedirectUrl = %v, want success URL reused", gotBody["errorRedirectUrl"])
	}

	customer, _ := gotBody["customerObject"].(map[string]any)
	if customer["phone"] != "+221771234567" {
		t.Errorf("phone = %v, want +221 prefix", customer["phone"])
	}
	if customer["name"] != "Awa Diop" || customer["email"] != "awa@example.sn" {
		t.Errorf("customer = %v", customer)
	}
}

func TestCreateChargeRoundsAmount(t *testing.T) {
	var gotBody map[string]any
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"link": "https://pay/x"}`)
	})

	p := chargeParams()
	p.Amount = decimal.RequireFromString("102000.49")
	if _, err := c.CreateCharge(context.Background(), p); err != nil {
		t.Fatalf("CreateCharge: %v", err)
	}
	if gotBody["amount"] != float64(102000) {
		t.Errorf("amount = %v, want 102000", gotBody["amount"])
	}
}

func TestCreateChargeKeepsInternationalPhone(t *testing.T) {
	var gotBody map[string]any
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"link": "https://pay/x"}`)
	})

	p := chargeParams()
	p.CustomerPhone = "+221781112233"
	if _, err := c.CreateCharge(context.Background(), p); err != nil {
		t.Fatalf("CreateCharge: %v", err)
	}
	customer, _ := gotBody["customerObject"].(map[string]any)
	if customer["phone"] != "+221781112233" {
		t.Errorf("phone = %v, must not double the prefix", customer["phone"])
	}
}

func TestCreateChargeURLVariants(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"link", `{"link": "https://pay/a"}`, "https://pay/a"},
		{"redirectUrl", `{"redirectUrl": "https://pay/b"}`, "https://pay/b"},
		{"checkoutUrl", `{"checkoutUrl": "https://pay/c"}`, "https://pay/c"},
		{"url", `{"url": "https://pay/d"}`, "https://pay/d"},
		{"checkoutLinkObject", `{"checkoutLinkObject": {"link": "https://pay/e", "opToken": "op_e"}}`, "https://pay/e"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			})
			charge, err := c.CreateCharge(context.Background(), chargeParams())
			if err != nil {
				t.Fatalf("CreateCharge: %v", err)
			}
			if charge.PaymentURL != tt.want {
				t.Errorf("PaymentURL = %q, want %q", charge.PaymentURL, tt.want)
			}
		})
	}
}

func TestCreateChargeOpTokenFromCheckoutObject(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"chargeId": "ch_7", "checkoutLinkObject": {"link": "https://pay/x", "opToken": "op_nested"}}`)
	})
	charge, err := c.CreateCharge(context.Background(), chargeParams())
	if err != nil {
		t.Fatalf("CreateCharge: %v", err)
	}
	if charge.OpToken != "op_nested" {
		t.Errorf("OpToken = %q", charge.OpToken)
	}
	if charge.ID != "ch_7" {
		t.Errorf("ID = %q, want chargeId fallback", charge.ID)
	}
}

func TestCreateChargeFailures(t *testing.T) {
	t.Run("no payment url", func(t *testing.T) {
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"id": "ch_1"}`)
		})
		if _, err := c.CreateCharge(context.Background(), chargeParams()); err == nil {
			t.Error("expected error on missing URL")
		}
	})
	t.Run("http error", func(t *testing.T) {
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"message": "invalid key"}`, http.StatusUnauthorized)
		})
		_, err := c.CreateCharge(context.Background(), chargeParams())
		if err == nil || !strings.Contains(err.Error(), "401") {
			t.Errorf("err = %v, want HTTP 401 error", err)
		}
	})
	t.Run("non json", func(t *testing.T) {
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `<html>`)
		})
		if _, err := c.CreateCharge(context.Background(), chargeParams()); err == nil {
			t.Error("expected error on non-JSON body")
		}
	})
	t.Run("zero amount", func(t *testing.T) {
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			t.Error("provider must not be called for a zero amount")
		})
		p := chargeParams()
		p.Amount = decimal.Zero
		if _, err := c.CreateCharge(context.Background(), p); err == nil {
			t.Error("expected error on zero amount")
		}
	})
	t.Run("missing key", func(t *testing.T) {
		c := New(Config{BaseURL: "https://unused", ReferencePrefix: "X"})
		_, err := c.CreateCharge(context.Background(), chargeParams())
		if err != ErrNotConfigured {
			t.Errorf("err = %v, want ErrNotConfigured", err)
		}
	})
}

func TestCreateChargePaymentTypeQuery(t *testing.T) {
	var gotQuery string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, `{"link": "https://pay/x"}`)
	})
	p := chargeParams()
	p.PaymentType = "orange_money"
	if _, err := c.CreateCharge(context.Background(), p); err != nil {
		t.Fatalf("CreateCharge: %v", err)
	}
	if gotQuery != "payment_type=orange_money" {
		t.Errorf("query = %q", gotQuery)
	}
}

func TestGetCharge(t *testing.T) {
	var gotPath, gotKey, gotToken string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		gotToken = r.Header.Get("Op-Token")
		fmt.Fprint(w, `{"id": "ch_991", "status": "succeeded"}`)
	})

	data, err := c.GetCharge(context.Background(), "ch_991", "op_abc")
	if err != nil {
		t.Fatalf("GetCharge: %v", err)
	}
	if data["status"] != "succeeded" {
		t.Errorf("status = %v", data["status"])
	}
	if gotPath != "/pay/v1/charges/ch_991" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "pk_test_123" || gotToken != "op_abc" {
		t.Errorf("headers = %q/%q", gotKey, gotToken)
	}
}

func TestGetChargeRequiresIdentifiers(t *testing.T) {
	c := New(Config{BaseURL: "https://unused", APIKey: "pk", ReferencePrefix: "X"})
	if _, err := c.GetCharge(context.Background(), "", "op"); err == nil {
		t.Error("expected error on missing charge id")
	}
	if _, err := c.GetCharge(context.Background(), "ch_1", ""); err == nil {
		t.Error("expected error on missing op token")
	}
}

func TestPaymentReference(t *testing.T) {
	c := New(Config{ReferencePrefix: "BWHITE_PAY"})

	if got := c.PaymentReference(42); got != "BWHITE_PAY_42" {
		t.Errorf("PaymentReference = %q", got)
	}

	id, err := c.ParseReference("BWHITE_PAY_42")
	if err != nil || id != 42 {
		t.Errorf("ParseReference = %d, %v", id, err)
	}

	for _, bad := range []string{"OTHER_42", "BWHITE_PAY_", "BWHITE_PAY_abc", "", "BWHITE_PAY42"} {
		if _, err := c.ParseReference(bad); err == nil {
			t.Errorf("ParseReference(%q) accepted", bad)
		}
	}
}
