package settlement_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"brokerage-backend/internal/settlement"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name     string
		from, to string
		wantNoop bool
		wantErr  string
	}{
		{"pending to paid", settlement.StatusPending, settlement.StatusPaid, false, ""},
		{"pending to cancelled", settlement.StatusPending, settlement.StatusCancelled, false, ""},
		{"cancel twice is noop", settlement.StatusCancelled, settlement.StatusCancelled, true, ""},
		{"paid cannot be cancelled", settlement.StatusPaid, settlement.StatusCancelled, false, "impossible d'annuler un règlement payé"},
		{"paid cannot be repaid", settlement.StatusPaid, settlement.StatusPaid, false, "déjà payé"},
		{"cancelled cannot be paid", settlement.StatusCancelled, settlement.StatusPaid, false, "règlement annulé"},
		{"cancelled cannot revert", settlement.StatusCancelled, settlement.StatusPending, false, "règlement annulé"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			noop, err := settlement.Transition(tt.from, tt.to)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if noop != tt.wantNoop {
					t.Errorf("noop = %v, want %v", noop, tt.wantNoop)
				}
				return
			}
			var terr *settlement.TransitionError
			if !errors.As(err, &terr) {
				t.Fatalf("error = %T (%v), want *TransitionError", err, err)
			}
			if !strings.Contains(terr.Error(), tt.wantErr) {
				t.Errorf("error = %q, want %q", terr.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidatePayment(t *testing.T) {
	t.Run("accepts a clean payment", func(t *testing.T) {
		p, err := settlement.ValidatePayment(settlement.StatusPending, " wave-sn ", " TXN-4581 ", nil)
		if err != nil {
			t.Fatalf("ValidatePayment: %v", err)
		}
		if p.Method != "WAVE-SN" {
			t.Errorf("Method = %q", p.Method)
		}
		if p.Reference != "TXN-4581" {
			t.Errorf("Reference = %q", p.Reference)
		}
	})

	t.Run("short reference", func(t *testing.T) {
		_, err := settlement.ValidatePayment(settlement.StatusPending, "CARD", "AB123", nil)
		var terr *settlement.TransitionError
		if !errors.As(err, &terr) {
			t.Fatalf("error = %T, want *TransitionError", err)
		}
		if !strings.Contains(terr.Error(), "trop courte") {
			t.Errorf("error = %q", terr.Error())
		}
	})

	t.Run("reference trimmed before measuring", func(t *testing.T) {
		if _, err := settlement.ValidatePayment(settlement.StatusPending, "CARD", "  AB12  ", nil); err == nil {
			t.Error("padded 4-char reference accepted")
		}
	})

	t.Run("unknown method", func(t *testing.T) {
		_, err := settlement.ValidatePayment(settlement.StatusPending, "CHEQUE", "TXN-4581", nil)
		var terr *settlement.TransitionError
		if !errors.As(err, &terr) {
			t.Fatalf("error = %T, want *TransitionError", err)
		}
		if !strings.Contains(terr.Error(), "méthode") {
			t.Errorf("error = %q", terr.Error())
		}
	})

	t.Run("empty method", func(t *testing.T) {
		if _, err := settlement.ValidatePayment(settlement.StatusPending, "", "TXN-4581", nil); err == nil {
			t.Error("empty method accepted")
		}
	})

	t.Run("custom method list", func(t *testing.T) {
		methods := []string{"MOBILE"}
		if _, err := settlement.ValidatePayment(settlement.StatusPending, "mobile", "TXN-4581", methods); err != nil {
			t.Errorf("configured method rejected: %v", err)
		}
		if _, err := settlement.ValidatePayment(settlement.StatusPending, "CARD", "TXN-4581", methods); err == nil {
			t.Error("method outside the configured list accepted")
		}
	})

	t.Run("already paid", func(t *testing.T) {
		_, err := settlement.ValidatePayment(settlement.StatusPaid, "CARD", "TXN-4581", nil)
		if err == nil || !strings.Contains(err.Error(), "déjà payé") {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		_, err := settlement.ValidatePayment(settlement.StatusCancelled, "CARD", "TXN-4581", nil)
		if err == nil || !strings.Contains(err.Error(), "annulé") {
			t.Errorf("err = %v", err)
		}
	})
}

func TestNormalizeMethod(t *testing.T) {
	if got := settlement.NormalizeMethod("  om-sn "); got != "OM-SN" {
		t.Errorf("NormalizeMethod = %q", got)
	}
	long := strings.Repeat("X", 80)
	if got := settlement.NormalizeMethod(long); len(got) != settlement.MethodMaxLength {
		t.Errorf("len = %d, want %d", len(got), settlement.MethodMaxLength)
	}
}

func TestSyncAmount(t *testing.T) {
	netPayable := decimal.RequireFromString("102000.00")

	t.Run("new settlement takes the contract figure", func(t *testing.T) {
		got, err := settlement.SyncAmount(decimal.RequireFromString("999.99"), netPayable, true)
		if err != nil {
			t.Fatalf("SyncAmount: %v", err)
		}
		if !got.Equal(netPayable) {
			t.Errorf("amount = %s", got)
		}
	})

	t.Run("zero amount resynchronizes", func(t *testing.T) {
		got, err := settlement.SyncAmount(decimal.Zero, netPayable, false)
		if err != nil {
			t.Fatalf("SyncAmount: %v", err)
		}
		if !got.Equal(netPayable) {
			t.Errorf("amount = %s", got)
		}
	})

	t.Run("explicit amount within tolerance kept", func(t *testing.T) {
		current := decimal.RequireFromString("102000.01")
		got, err := settlement.SyncAmount(current, netPayable, false)
		if err != nil {
			t.Fatalf("SyncAmount: %v", err)
		}
		if !got.Equal(current) {
			t.Errorf("amount = %s", got)
		}
	})

	t.Run("explicit amount outside tolerance rejected", func(t *testing.T) {
		_, err := settlement.SyncAmount(decimal.RequireFromString("102000.02"), netPayable, false)
		if err == nil || !strings.Contains(err.Error(), "102000.00") {
			t.Errorf("err = %v", err)
		}
	})
}

func TestCheckAmount(t *testing.T) {
	expected := decimal.RequireFromString("102000.00")

	tests := []struct {
		name     string
		received string
		wantErr  bool
	}{
		{"exact", "102000.00", false},
		{"one unit under", "101999.00", false},
		{"one unit over", "102001.00", false},
		{"just outside", "102001.01", true},
		{"way off", "50000.00", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := settlement.CheckAmount(expected, decimal.RequireFromString(tt.received), settlement.WebhookTolerance)
			if tt.wantErr {
				var ferr *settlement.FraudError
				if !errors.As(err, &ferr) {
					t.Fatalf("error = %T (%v), want *FraudError", err, err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestPaymentDetails(t *testing.T) {
	if got := settlement.PaymentDetails("WAVE-SN", "TXN-4581"); got != "Paiement WAVE-SN | Ref=TXN-4581" {
		t.Errorf("PaymentDetails = %q", got)
	}
	if got := settlement.PaymentDetails("", "TXN-4581"); got != "Paiement N/A | Ref=TXN-4581" {
		t.Errorf("PaymentDetails = %q", got)
	}
}

func TestStatusChangeDetails(t *testing.T) {
	got := settlement.StatusChangeDetails(settlement.StatusPending, settlement.StatusCancelled, "contrat annulé")
	if got != "EN_ATTENTE → ANNULE | contrat annulé" {
		t.Errorf("StatusChangeDetails = %q", got)
	}
	got = settlement.StatusChangeDetails(settlement.StatusPending, settlement.StatusCancelled, "")
	if got != "EN_ATTENTE → ANNULE" {
		t.Errorf("StatusChangeDetails = %q", got)
	}
}
