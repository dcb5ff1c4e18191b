package askia

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"brokerage-backend/internal/plate"
	"brokerage-backend/internal/redact"
)

// ── Simulation ─────────────────────────────────────────────────────

// SimulationParams is the vehicle and guarantee profile for a premium
// quote. Comments give the insurer's wire names.
type SimulationParams struct {
	Category       string          // cat
	SubCategory    string          // scatCode, "000" when empty
	Fuel           string          // nrg
	FiscalPower    int             // pfs, floored at 1
	Seats          int             // nbP, floored at 1
	DurationMonths int             // dure
	NewValue       decimal.Decimal // vaf
	MarketValue    decimal.Decimal // vvn
	Recourse       int             // recour
	Damage         int             // avr
	Theft          int             // vol
	Fire           int             // inc
	Persons        int             // pt
	Glass          int             // gb
	Renewal        int             // renv
	ChargeUtile    int             // chrgUtil, category 520 only, defaults to 3500
}

// Simulation is the priced quote. GrossPremium is what the client
// pays; InsurerCommission is the figure the insurer reports for its
// own books. CaptureID (idSaisie) must be replayed on issuance so a
// failed create can be recovered without double-issuing.
type Simulation struct {
	NetPremium        decimal.Decimal
	Accessories       decimal.Decimal
	GuaranteeFund     decimal.Decimal
	Taxes             decimal.Decimal
	GrossPremium      decimal.Decimal
	InsurerCommission decimal.Decimal
	CaptureID         string
	Raw               map[string]any
}

// Simulate prices a risk through srwb/automobile.
func (c *Client) Simulate(ctx context.Context, p SimulationParams) (*Simulation, error) {
	var missing []string
	if p.Category == "" {
		missing = append(missing, "categorie")
	}
	if p.Fuel == "" {
		missing = append(missing, "carburant")
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Missing: missing}
	}

	params := map[string]any{
		"cat":      p.Category,
		"scatCode": orDefault(p.SubCategory, "000"),
		"nrg":      p.Fuel,
		"pfs":      atLeast(p.FiscalPower, 1),
		"nbP":      atLeast(p.Seats, 1),
		"dure":     p.DurationMonths,
		"vaf":      p.NewValue.String(),
		"vvn":      p.MarketValue.String(),
		"recour":   p.Recourse,
		"avr":      p.Damage,
		"vol":      p.Theft,
		"inc":      p.Fire,
		"pt":       p.Persons,
		"gb":       p.Glass,
		"renv":     p.Renewal,
	}
	if p.Category == "520" {
		chrg := p.ChargeUtile
		if chrg == 0 {
			chrg = 3500
		}
		params["chrgUtil"] = chrg
	}

	result, err := c.requestObject(ctx, "srwb/automobile", params, c.defaultProfile())
	if err != nil {
		return nil, err
	}

	return &Simulation{
		NetPremium:        safeDecimal(result["primenette"]),
		Accessories:       safeDecimal(result["accessoire"]),
		GuaranteeFund:     safeDecimal(result["fga"]),
		Taxes:             safeDecimal(result["taxe"]),
		GrossPremium:      safeDecimal(result["primettc"]),
		InsurerCommission: safeDecimal(result["commission"]),
		CaptureID:         strVal(result["idSaisie"]),
		Raw:               result,
	}, nil
}

// ── Clients ────────────────────────────────────────────────────────

// ClientParams creates a policyholder on the insurer side.
type ClientParams struct {
	LastName  string // nom
	FirstName string // pnom
	Phone     string // numtel
	IDNumber  string // numident
	Email     string
	Address   string // adresse
	BirthDate string // dtNaissance, dd/mm/YYYY, defaults to 01/01/1990
}

// CreateClient registers the policyholder and returns the insurer's
// client code.
func (c *Client) CreateClient(ctx context.Context, p ClientParams) (string, error) {
	var missing []string
	if p.LastName == "" {
		missing = append(missing, "nom")
	}
	if p.FirstName == "" {
		missing = append(missing, "prenom")
	}
	if p.Phone == "" {
		missing = append(missing, "telephone")
	}
	if len(missing) > 0 {
		return "", &ValidationError{Missing: missing}
	}

	params := map[string]any{
		"pvCode":      c.pvCode,
		"nom":         p.LastName,
		"pnom":        p.FirstName,
		"numident":    p.IDNumber,
		"numtel":      p.Phone,
		"email":       p.Email,
		"adresse":     p.Address,
		"paysCode":    "P00001",
		"dtNaissance": orDefault(p.BirthDate, "01/01/1990"),
	}
	result, err := c.requestObject(ctx, "srwbclient/createclient", params, c.defaultProfile())
	if err != nil {
		return "", err
	}

	code := strVal(result["cliCode"])
	if code == "" {
		code = strVal(result["cliNumero"])
	}
	if code == "" {
		log.Printf("[askia] aucun code client retourné | %v", redact.Params(result))
		return "", &InvalidResponseError{Endpoint: "srwbclient/createclient", Reason: "aucun code client retourné"}
	}
	return code, nil
}

// GetClient fetches a policyholder by insurer client code.
func (c *Client) GetClient(ctx context.Context, clientCode string) (map[string]any, error) {
	return c.requestObject(ctx, "srwbclient/getclient",
		map[string]any{"cliCode": clientCode}, c.defaultProfile())
}

// ── Issuance ───────────────────────────────────────────────────────

// IssueParams carries everything srwbauto/create needs.
type IssueParams struct {
	ClientCode     string // cliCode
	Category       string // cat
	SubCategory    string // scatCode, "000" when empty
	BodyCode       string // carrCode, "07" when empty
	Fuel           string // nrg
	FiscalPower    int
	Seats          int
	DurationMonths int
	EffectiveDate  string // YYYY-MM-DD, must not be in the past
	Plate          string // free-form, normalized before the wire
	MakeCode       string // mqCode
	Model          string // modele
	NewValue       decimal.Decimal
	MarketValue    decimal.Decimal
	Recourse       int
	Theft          int
	Fire           int
	Persons        int
	Glass          int
	ChargeUtile    int
	CaptureID      string // idSaisie from the simulation
}

// Issue is the outcome of a contract issuance. WasExisting marks a
// contract found by the pre-check instead of issued; Recovered marks
// one found by the post-failure probe.
type Issue struct {
	PolicyNumber   string
	InvoiceNumber  string
	ClientNumber   string
	GrossPremium   decimal.Decimal
	AttestationURL string
	BrownCardURL   string
	WasExisting    bool
	Recovered      bool
	Raw            map[string]any
}

// IssueContract issues a policy through srwbauto/create.
//
// Issuance is the one call that must never be blindly retried: a retry
// could double-issue a policy. Instead the capture id from the
// simulation gives idempotency in both directions — before sending, an
// existing contract under that id short-circuits the call; after a
// transport failure or an in-force refusal, the same probe recovers
// the contract the insurer may have created anyway.
func (c *Client) IssueContract(ctx context.Context, p IssueParams) (*Issue, error) {
	var missing []string
	if p.ClientCode == "" {
		missing = append(missing, "client_code")
	}
	if p.Category == "" {
		missing = append(missing, "categorie")
	}
	if p.Fuel == "" {
		missing = append(missing, "carburant")
	}
	if p.EffectiveDate == "" {
		missing = append(missing, "date_effet")
	}
	if p.Plate == "" {
		missing = append(missing, "immatriculation")
	}
	if p.MakeCode == "" {
		missing = append(missing, "marque")
	}
	if p.Model == "" {
		missing = append(missing, "modele")
	}
	if p.DurationMonths == 0 {
		missing = append(missing, "duree")
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Missing: missing}
	}

	immat, err := plate.Normalize(p.Plate)
	if err != nil {
		return nil, err
	}

	effet, err := time.Parse("2006-01-02", p.EffectiveDate)
	if err != nil {
		return nil, &ValidationError{Reason: "date_effet doit être au format YYYY-MM-DD"}
	}
	if p.EffectiveDate < c.now().Format("2006-01-02") {
		return nil, &ValidationError{
			Reason: fmt.Sprintf("date d'effet dans le passé: %s", effet.Format("02/01/2006")),
		}
	}

	if p.CaptureID != "" {
		if existing := c.recoverContract(ctx, p.CaptureID); existing != nil {
			existing.WasExisting = true
			return existing, nil
		}
	}

	params := map[string]any{
		"cliCode":  p.ClientCode,
		"cat":      p.Category,
		"scatCode": orDefault(p.SubCategory, "000"),
		"carrCode": orDefault(p.BodyCode, "07"),
		"nrg":      p.Fuel,
		"pfs":      atLeast(p.FiscalPower, 1),
		"nbP":      atLeast(p.Seats, 1),
		"dure":     p.DurationMonths,
		"effet":    effet.Format("02/01/2006"),
		"numImmat": immat,
		"mqCode":   p.MakeCode,
		"modele":   p.Model,
		"vaf":      p.NewValue.String(),
		"vvn":      p.MarketValue.String(),
		"recour":   p.Recourse,
		"vol":      p.Theft,
		"inc":      p.Fire,
		"pt":       p.Persons,
		"gb":       p.Glass,
	}
	if p.Category == "520" {
		chrg := p.ChargeUtile
		if chrg == 0 {
			chrg = 3500
		}
		params["chrgUtil"] = chrg
	}
	if p.CaptureID != "" {
		params["idSaisie"] = p.CaptureID
	}

	result, err := c.requestObject(ctx, "srwbauto/create", params,
		profile{timeout: issuanceTimeout, maxRetries: 0})
	if err != nil {
		if p.CaptureID != "" {
			for i := 0; i < recoveryAttempts; i++ {
				if recovered := c.recoverContract(ctx, p.CaptureID); recovered != nil {
					recovered.Recovered = true
					return recovered, nil
				}
				c.sleep(recoveryDelay)
			}
		}
		return nil, err
	}

	police := strVal(result["numeroPolice"])
	facture := strVal(result["numeroFacture"])
	if police == "" || facture == "" {
		msg := strVal(result["message"])
		if msg == "" {
			msg = strVal(result["msg"])
		}
		if msg == "" {
			msg = "police/facture manquants dans la réponse"
		}
		return nil, &IssuanceError{Message: msg}
	}

	liens := subMap(result, "lien")
	attestation := strVal(liens["linkAttestation"])
	carteBrune := strVal(liens["linkCarteBrune"])
	if attestation == "" && carteBrune == "" {
		if docs, derr := c.InvoiceDocuments(ctx, facture); derr == nil {
			attestation = docs.Attestation
			carteBrune = docs.BrownCard
		} else {
			log.Printf("[askia] récup docs post-émission KO (non bloquant) | %v", derr)
		}
	}

	return &Issue{
		PolicyNumber:   police,
		InvoiceNumber:  facture,
		ClientNumber:   strVal(result["numeroClient"]),
		GrossPremium:   safeDecimal(result["primettc"]),
		AttestationURL: attestation,
		BrownCardURL:   carteBrune,
		Raw:            result,
	}, nil
}

// recoverContract probes the two invoice-number candidates derived
// from a capture id: the insurer prefixes the current year on issued
// invoices, but older entries appear under the raw id. Best-effort:
// every failure counts as "not found".
func (c *Client) recoverContract(ctx context.Context, captureID string) *Issue {
	candidates := []string{
		fmt.Sprintf("%d%s", c.now().Year(), captureID),
		captureID,
	}
	for _, invoiceNo := range candidates {
		existing := c.VerifyContract(ctx, invoiceNo)
		if existing == nil {
			continue
		}
		liens := subMap(existing, "lien")
		return &Issue{
			PolicyNumber:   strVal(existing["numeroPolice"]),
			InvoiceNumber:  strVal(existing["numeroFacture"]),
			ClientNumber:   strVal(existing["numeroClient"]),
			GrossPremium:   safeDecimal(existing["primettc"]),
			AttestationURL: strVal(liens["linkAttestation"]),
			BrownCardURL:   strVal(liens["linkCarteBrune"]),
			Raw:            existing,
		}
	}
	return nil
}

// ── Renewal ────────────────────────────────────────────────────────

// RenewParams renews an existing policy for a new period.
type RenewParams struct {
	ClientCode     string // cliCode
	PolicyNumber   string // numeroPolice
	DurationMonths int
	EffectiveDate  string // YYYY-MM-DD
	NewValue       decimal.Decimal
	MarketValue    decimal.Decimal
	Recourse       int
	Theft          int
	Fire           int
	Persons        int
	Glass          int
}

// Renewal carries the re-priced figures and the fresh identifiers.
type Renewal struct {
	NetPremium     decimal.Decimal
	Accessories    decimal.Decimal
	GuaranteeFund  decimal.Decimal
	Taxes          decimal.Decimal
	GrossPremium   decimal.Decimal
	PolicyNumber   string
	InvoiceNumber  string
	AttestationURL string
	BrownCardURL   string
	Raw            map[string]any
}

// Renew reconducts a policy through srwbauto/renouv. Same rule as
// issuance: long timeout, no retry.
func (c *Client) Renew(ctx context.Context, p RenewParams) (*Renewal, error) {
	var missing []string
	if p.ClientCode == "" {
		missing = append(missing, "client_code")
	}
	if p.PolicyNumber == "" {
		missing = append(missing, "numero_police")
	}
	if p.DurationMonths == 0 {
		missing = append(missing, "duree")
	}
	if p.EffectiveDate == "" {
		missing = append(missing, "date_effet")
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Missing: missing}
	}

	effet, err := time.Parse("2006-01-02", p.EffectiveDate)
	if err != nil {
		return nil, &ValidationError{Reason: "date_effet doit être au format YYYY-MM-DD"}
	}

	params := map[string]any{
		"cliCode":      p.ClientCode,
		"numeroPolice": p.PolicyNumber,
		"dure":         p.DurationMonths,
		"effet":        effet.Format("02/01/2006"),
		"vaf":          p.NewValue.String(),
		"vvn":          p.MarketValue.String(),
		"recour":       p.Recourse,
		"vol":          p.Theft,
		"inc":          p.Fire,
		"pt":           p.Persons,
		"gb":           p.Glass,
	}
	result, err := c.requestObject(ctx, "srwbauto/renouv", params,
		profile{timeout: issuanceTimeout, maxRetries: 0})
	if err != nil {
		return nil, err
	}

	liens := subMap(result, "lien")
	return &Renewal{
		NetPremium:     safeDecimal(result["primenette"]),
		Accessories:    safeDecimal(result["accessoire"]),
		GuaranteeFund:  safeDecimal(result["fga"]),
		Taxes:          safeDecimal(result["taxe"]),
		GrossPremium:   safeDecimal(result["primettc"]),
		PolicyNumber:   strVal(result["numeroPolice"]),
		InvoiceNumber:  strVal(result["numeroFacture"]),
		AttestationURL: strVal(liens["linkAttestation"]),
		BrownCardURL:   strVal(liens["linkCarteBrune"]),
		Raw:            result,
	}, nil
}
