package commission_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"brokerage-backend/internal/commission"
)

func TestCompute(t *testing.T) {
	sched := commission.DefaultSchedule()
	net := decimal.NewFromInt(100000)
	gross := decimal.NewFromInt(125000)

	tests := []struct {
		name        string
		role        string
		grade       string
		wantInsurer string
		wantBroker  string
		wantMargin  string
		wantPayable string
	}{
		{
			name:        "platine apporteur",
			role:        "APPORTEUR",
			grade:       commission.GradePlatine,
			wantInsurer: "23000.00",
			wantBroker:  "20000.00",
			wantMargin:  "3000.00",
			wantPayable: "102000.00",
		},
		{
			name:        "freemium apporteur",
			role:        "APPORTEUR",
			grade:       commission.GradeFreemium,
			wantInsurer: "23000.00",
			wantBroker:  "11800.00",
			wantMargin:  "11200.00",
			wantPayable: "102000.00",
		},
		{
			name:        "unknown grade falls back to freemium",
			role:        "APPORTEUR",
			grade:       "GOLD",
			wantInsurer: "23000.00",
			wantBroker:  "11800.00",
			wantMargin:  "11200.00",
			wantPayable: "102000.00",
		},
		{
			name:        "admin direct sale keeps full margin",
			role:        "ADMIN",
			grade:       commission.GradePlatine,
			wantInsurer: "23000.00",
			wantBroker:  "0.00",
			wantMargin:  "23000.00",
			wantPayable: "102000.00",
		},
		{
			name:        "commercial direct sale keeps full margin",
			role:        "COMMERCIAL",
			grade:       "",
			wantInsurer: "23000.00",
			wantBroker:  "0.00",
			wantMargin:  "23000.00",
			wantPayable: "102000.00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := commission.Compute(sched, net, gross, tt.role, tt.grade)
			if got := b.InsurerCommission.StringFixed(2); got != tt.wantInsurer {
				t.Errorf("InsurerCommission = %s, want %s", got, tt.wantInsurer)
			}
			if got := b.BrokerCommission.StringFixed(2); got != tt.wantBroker {
				t.Errorf("BrokerCommission = %s, want %s", got, tt.wantBroker)
			}
			if got := b.CompanyMargin.StringFixed(2); got != tt.wantMargin {
				t.Errorf("CompanyMargin = %s, want %s", got, tt.wantMargin)
			}
			if got := b.NetPayable.StringFixed(2); got != tt.wantPayable {
				t.Errorf("NetPayable = %s, want %s", got, tt.wantPayable)
			}
		})
	}
}

// Recomputing a breakdown from already-rounded inputs must not drift.
func TestComputeStable(t *testing.T) {
	sched := commission.DefaultSchedule()
	net := decimal.RequireFromString("84337.59")
	gross := decimal.RequireFromString("103511.33")

	first := commission.Compute(sched, net, gross, "APPORTEUR", commission.GradePlatine)
	second := commission.Compute(sched, net, gross, "APPORTEUR", commission.GradePlatine)

	if !first.InsurerCommission.Equal(second.InsurerCommission) ||
		!first.BrokerCommission.Equal(second.BrokerCommission) ||
		!first.CompanyMargin.Equal(second.CompanyMargin) ||
		!first.NetPayable.Equal(second.NetPayable) {
		t.Errorf("recomputation drifted: %+v vs %+v", first, second)
	}

	// Margin always reconciles with the two commissions.
	if !first.InsurerCommission.Sub(first.BrokerCommission).Equal(first.CompanyMargin) {
		t.Errorf("margin %s does not reconcile with insurer %s - broker %s",
			first.CompanyMargin, first.InsurerCommission, first.BrokerCommission)
	}
}
