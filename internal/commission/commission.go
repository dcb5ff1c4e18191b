// Package commission provides pure decimal arithmetic for splitting an
// insurance premium between the insurer, the brokerage and its apporteurs.
// ZERO dependencies on HTTP or database — every figure is computed from a
// Schedule so that rates live in one place instead of being scattered
// through handlers.
package commission

import "github.com/shopspring/decimal"

// ── Grades ───────────────────────────────────────────────────────
// An apporteur's grade selects his remuneration line in the schedule.

const (
	GradePlatine  = "PLATINE"  // 18% of net premium + 2000 FCFA
	GradeFreemium = "FREEMIUM" // 10% of net premium + 1800 FCFA
)

// roleApporteur is the only role that earns a broker commission.
const roleApporteur = "APPORTEUR"

// Rate is one remuneration line: a share of the net premium plus a
// flat fee.
type Rate struct {
	Share decimal.Decimal
	Fixed decimal.Decimal
}

// Schedule holds the insurer line and the per-grade apporteur lines.
type Schedule struct {
	Insurer Rate
	Grades  map[string]Rate
}

// DefaultSchedule returns the rates currently agreed with the insurer.
func DefaultSchedule() Schedule {
	return Schedule{
		Insurer: Rate{
			Share: decimal.RequireFromString("0.20"),
			Fixed: decimal.NewFromInt(3000),
		},
		Grades: map[string]Rate{
			GradePlatine: {
				Share: decimal.RequireFromString("0.18"),
				Fixed: decimal.NewFromInt(2000),
			},
			GradeFreemium: {
				Share: decimal.RequireFromString("0.10"),
				Fixed: decimal.NewFromInt(1800),
			},
		},
	}
}

// Breakdown is the money split for one contract. All figures are
// rounded to 2 decimals and safe to recompute from stored values.
type Breakdown struct {
	InsurerCommission decimal.Decimal // what the insurer owes the brokerage
	BrokerCommission  decimal.Decimal // what the brokerage owes the apporteur
	CompanyMargin     decimal.Decimal // what the brokerage keeps
	NetPayable        decimal.Decimal // what must be remitted to the insurer
}

// Compute splits the premium according to the schedule.
// Non-apporteur roles (staff selling directly) earn no broker
// commission, so the whole insurer commission stays as margin. An
// unknown grade falls back to the FREEMIUM line, matching how new
// apporteurs are graded by default.
func Compute(s Schedule, netPremium, grossPremium decimal.Decimal, role, grade string) Breakdown {
	insurer := s.Insurer.Share.Mul(netPremium).Add(s.Insurer.Fixed).Round(2)

	broker := decimal.Zero
	if role == roleApporteur {
		r, ok := s.Grades[grade]
		if !ok {
			r = s.Grades[GradeFreemium]
		}
		broker = r.Share.Mul(netPremium).Add(r.Fixed).Round(2)
	}

	return Breakdown{
		InsurerCommission: insurer,
		BrokerCommission:  broker,
		CompanyMargin:     insurer.Sub(broker).Round(2),
		NetPayable:        grossPremium.Sub(insurer).Round(2),
	}
}
