package askia

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"brokerage-backend/internal/plate"
)

// fakeInsurer is a routed stand-in for the Askia API. Each test wires
// the paths it cares about; unrouted paths return an empty object,
// which the raw probe reads as "not found".
type fakeInsurer struct {
	mu     sync.Mutex
	hits   map[string]int
	seen   map[string]url.Values
	routes map[string]func(hit int, q url.Values) (int, string)
}

func newFakeInsurer() *fakeInsurer {
	return &fakeInsurer{
		hits:   make(map[string]int),
		seen:   make(map[string]url.Values),
		routes: make(map[string]func(int, url.Values) (int, string)),
	}
}

func (f *fakeInsurer) route(path string, fn func(hit int, q url.Values) (int, string)) {
	f.routes[path] = fn
}

func (f *fakeInsurer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits[r.URL.Path]++
	hit := f.hits[r.URL.Path]
	f.seen[r.URL.Path] = r.URL.Query()
	fn := f.routes[r.URL.Path]
	f.mu.Unlock()

	if fn == nil {
		fmt.Fprint(w, `{}`)
		return
	}
	status, body := fn(hit, r.URL.Query())
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func (f *fakeInsurer) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeInsurer) query(path string) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[path]
}

func issuanceClient(t *testing.T, f *fakeInsurer) (*Client, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	c := New(Config{
		BaseURL:   srv.URL,
		AppClient: "test-app",
		PVCode:    "PV001",
		BRCode:    "BR001",
		Timeout:   200 * time.Millisecond,
	})
	var waits []time.Duration
	c.sleep = func(d time.Duration) { waits = append(waits, d) }
	c.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	return c, &waits
}

func validIssueParams() IssueParams {
	return IssueParams{
		ClientCode:     "C00042",
		Category:       "510",
		Fuel:           "ES",
		FiscalPower:    7,
		Seats:          5,
		DurationMonths: 12,
		EffectiveDate:  "2026-03-15",
		Plate:          "dk 1234 ab",
		MakeCode:       "M00001",
		Model:          "Corolla",
		NewValue:       decimal.NewFromInt(9000000),
		MarketValue:    decimal.NewFromInt(6500000),
		CaptureID:      "SIM42",
	}
}

const issuedBody = `{
	"numeroPolice": "POL-2026-001",
	"numeroFacture": "FAC-2026-001",
	"numeroClient": "C00042",
	"primettc": 125000,
	"lien": {"linkAttestation": "https://docs/att.pdf", "linkCarteBrune": "https://docs/cb.pdf"}
}`

func TestSimulate(t *testing.T) {
	f := newFakeInsurer()
	f.route("/srwb/automobile", func(hit int, q url.Values) (int, string) {
		return 200, `{
			"primenette": 100000, "accessoire": 5000, "fga": 2500,
			"taxe": 17500, "primettc": 125000, "commission": 23000,
			"idSaisie": 9917
		}`
	})
	c, _ := issuanceClient(t, f)

	sim, err := c.Simulate(context.Background(), SimulationParams{
		Category:       "520",
		Fuel:           "GO",
		DurationMonths: 12,
		NewValue:       decimal.NewFromInt(9000000),
		MarketValue:    decimal.NewFromInt(6500000),
	})
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if !sim.NetPremium.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("NetPremium = %s", sim.NetPremium)
	}
	if !sim.GrossPremium.Equal(decimal.NewFromInt(125000)) {
		t.Errorf("GrossPremium = %s", sim.GrossPremium)
	}
	if sim.CaptureID != "9917" {
		t.Errorf("CaptureID = %q, want %q", sim.CaptureID, "9917")
	}

	q := f.query("/srwb/automobile")
	if q.Get("chrgUtil") != "3500" {
		t.Errorf("chrgUtil = %q, want default 3500 for category 520", q.Get("chrgUtil"))
	}
	if q.Get("scatCode") != "000" {
		t.Errorf("scatCode = %q, want default 000", q.Get("scatCode"))
	}
	if q.Get("pfs") != "1" || q.Get("nbP") != "1" {
		t.Errorf("pfs/nbP = %q/%q, want floors of 1", q.Get("pfs"), q.Get("nbP"))
	}
}

func TestSimulateOmitsChargeUtileOutside520(t *testing.T) {
	f := newFakeInsurer()
	f.route("/srwb/automobile", func(hit int, q url.Values) (int, string) {
		return 200, `{"primenette": 50000}`
	})
	c, _ := issuanceClient(t, f)

	if _, err := c.Simulate(context.Background(), SimulationParams{Category: "510", Fuel: "ES"}); err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if f.query("/srwb/automobile").Has("chrgUtil") {
		t.Error("chrgUtil sent for a non-520 category")
	}
}

func TestSimulateValidation(t *testing.T) {
	c, _ := issuanceClient(t, newFakeInsurer())

	_, err := c.Simulate(context.Background(), SimulationParams{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %T, want *ValidationError", err)
	}
	for _, field := range []string{"categorie", "carburant"} {
		if !strings.Contains(verr.Error(), field) {
			t.Errorf("missing field %q not named in %q", field, verr.Error())
		}
	}
}

func TestCreateClient(t *testing.T) {
	f := newFakeInsurer()
	f.route("/srwbclient/createclient", func(hit int, q url.Values) (int, string) {
		return 200, `{"cliCode": "C00077"}`
	})
	c, _ := issuanceClient(t, f)

	code, err := c.CreateClient(context.Background(), ClientParams{
		LastName: "Diop", FirstName: "Awa", Phone: "771234567",
	})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	if code != "C00077" {
		t.Errorf("code = %q", code)
	}

	q := f.query("/srwbclient/createclient")
	if q.Get("paysCode") != "P00001" {
		t.Errorf("paysCode = %q", q.Get("paysCode"))
	}
	if q.Get("dtNaissance") != "01/01/1990" {
		t.Errorf("dtNaissance = %q, want default", q.Get("dtNaissance"))
	}
	if q.Get("pvCode") != "PV001" {
		t.Errorf("pvCode = %q", q.Get("pvCode"))
	}
}

func TestCreateClientFallsBackToCliNumero(t *testing.T) {
	f := newFakeInsurer()
	f.route("/srwbclient/createclient", func(hit int, q url.Values) (int, string) {
		return 200, `{"cliNumero": 4412}`
	})
	c, _ := issuanceClient(t, f)

	code, err := c.CreateClient(context.Background(), ClientParams{
		LastName: "Diop", FirstName: "Awa", Phone: "771234567",
	})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	if code != "4412" {
		t.Errorf("code = %q", code)
	}
}

func TestCreateClientWithoutCode(t *testing.T) {
	f := newFakeInsurer()
	f.route("/srwbclient/createclient", func(hit int, q url.Values) (int, string) {
		return 200, `{"info": "enregistré"}`
	})
	c, _ := issuanceClient(t, f)

	_, err := c.CreateClient(context.Background(), ClientParams{
		LastName: "Diop", FirstName: "Awa", Phone: "771234567",
	})
	var ierr *InvalidResponseError
	if !errors.As(err, &ierr) {
		t.Fatalf("error = %T (%v), want *InvalidResponseError", err, err)
	}
}

func TestIssueContractValidation(t *testing.T) {
	c, _ := issuanceClient(t, newFakeInsurer())

	_, err := c.IssueContract(context.Background(), IssueParams{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %T, want *ValidationError", err)
	}
	want := []string{"client_code", "categorie", "carburant", "date_effet", "immatriculation", "marque", "modele", "duree"}
	for _, field := range want {
		if !strings.Contains(verr.Error(), field) {
			t.Errorf("missing field %q not named in %q", field, verr.Error())
		}
	}
}

func TestIssueContractRejectsPastDate(t *testing.T) {
	c, _ := issuanceClient(t, newFakeInsurer()) // now = 2026-03-10

	p := validIssueParams()
	p.EffectiveDate = "2026-03-09"
	_, err := c.IssueContract(context.Background(), p)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %T (%v), want *ValidationError", err, err)
	}
	if !strings.Contains(verr.Error(), "passé") {
		t.Errorf("reason = %q", verr.Error())
	}
}

func TestIssueContractAcceptsToday(t *testing.T) {
	f := newFakeInsurer()
	f.route("/srwbauto/create", func(hit int, q url.Values) (int, string) {
		return 200, issuedBody
	})
	c, _ := issuanceClient(t, f)

	p := validIssueParams()
	p.EffectiveDate = "2026-03-10"
	if _, err := c.IssueContract(context.Background(), p); err != nil {
		t.Fatalf("IssueContract: %v", err)
	}
}

func TestIssueContractRejectsBadPlate(t *testing.T) {
	c, _ := issuanceClient(t, newFakeInsurer())

	p := validIssueParams()
	p.Plate = "XYZ-99"
	_, err := c.IssueContract(context.Background(), p)
	var perr *plate.InvalidError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %T (%v), want *plate.InvalidError", err, err)
	}
}

func TestIssueContractSendsWireFormat(t *testing.T) {
	f := newFakeInsurer()
	f.route("/srwbauto/create", func(hit int, q url.Values) (int, string) {
		return 200, issuedBody
	})
	c, _ := issuanceClient(t, f)

	res, err := c.IssueContract(context.Background(), validIssueParams())
	if err != nil {
		t.Fatalf("IssueContract: %v", err)
	}
	if res.PolicyNumber != "POL-2026-001" || res.InvoiceNumber != "FAC-2026-001" {
		t.Errorf("identifiers = %q/%q", res.PolicyNumber, res.InvoiceNumber)
	}
	if res.AttestationURL != "https://docs/att.pdf" {
		t.Errorf("AttestationURL = %q", res.AttestationURL)
	}
	if res.WasExisting || res.Recovered {
		t.Errorf("fresh issue flagged WasExisting=%v Recovered=%v", res.WasExisting, res.Recovered)
	}

	q := f.query("/srwbauto/create")
	if q.Get("effet") != "15/03/2026" {
		t.Errorf("effet = %q, want dd/mm/yyyy", q.Get("effet"))
	}
	if q.Get("numImmat") != "DK-1234-AB" {
		t.Errorf("numImmat = %q, want normalized plate", q.Get("numImmat"))
	}
	if q.Get("idSaisie") != "SIM42" {
		t.Errorf("idSaisie = %q", q.Get("idSaisie"))
	}
	if q.Get("carrCode") != "07" {
		t.Errorf("carrCode = %q, want default 07", q.Get("carrCode"))
	}
	// Pre-check probed both invoice candidates before creating.
	if f.count("/quittance/getfacture") != 2 {
		t.Errorf("getfacture probes = %d, want 2", f.count("/quittance/getfacture"))
	}
}

func TestIssueContractShortCircuitsOnExistingCapture(t *testing.T) {
	f := newFakeInsurer()
	f.route("/quittance/getfacture", func(hit int, q url.Values) (int, string) {
		if q.Get("numeroFacture") == "2026SIM42" {
			return 200, issuedBody
		}
		return 200, `{}`
	})
	c, _ := issuanceClient(t, f)

	res, err := c.IssueContract(context.Background(), validIssueParams())
	if err != nil {
		t.Fatalf("IssueContract: %v", err)
	}
	if !res.WasExisting {
		t.Error("WasExisting not set")
	}
	if res.PolicyNumber != "POL-2026-001" {
		t.Errorf("PolicyNumber = %q", res.PolicyNumber)
	}
	if f.count("/srwbauto/create") != 0 {
		t.Errorf("create hit %d times despite existing contract", f.count("/srwbauto/create"))
	}
}

func TestIssueContractRecoversAfterFailure(t *testing.T) {
	f := newFakeInsurer()
	f.route("/srwbauto/create", func(hit int, q url.Values) (int, string) {
		return 500, `erreur interne`
	})
	f.route("/quittance/getfacture", func(hit int, q url.Values) (int, string) {
		// Misses during the pre-check, found once create has failed.
		if f.count("/srwbauto/create") > 0 && q.Get("numeroFacture") == "2026SIM42" {
			return 200, issuedBody
		}
		return 200, `{}`
	})
	c, waits := issuanceClient(t, f)

	res, err := c.IssueContract(context.Background(), validIssueParams())
	if err != nil {
		t.Fatalf("IssueContract: %v", err)
	}
	if !res.Recovered {
		t.Error("Recovered not set")
	}
	if res.WasExisting {
		t.Error("WasExisting wrongly set on recovery")
	}
	if res.PolicyNumber != "POL-2026-001" {
		t.Errorf("PolicyNumber = %q", res.PolicyNumber)
	}
	if f.count("/srwbauto/create") != 1 {
		t.Errorf("create hit %d times, issuance must not retry", f.count("/srwbauto/create"))
	}
	if len(*waits) != 0 {
		t.Errorf("waits = %v, first probe round already recovered", *waits)
	}
}

func TestIssueContractRecoversAfterInForceRefusal(t *testing.T) {
	f := newFakeInsurer()
	f.route("/srwbauto/create", func(hit int, q url.Values) (int, string) {
		return 200, `{"message": "Un contrat en cours existe déjà pour ce véhicule"}`
	})
	var probeRounds int
	f.route("/quittance/getfacture", func(hit int, q url.Values) (int, string) {
		if f.count("/srwbauto/create") == 0 {
			return 200, `{}` // pre-check miss
		}
		// First post-failure round misses, second finds the contract.
		if q.Get("numeroFacture") == "2026SIM42" {
			probeRounds++
			if probeRounds >= 2 {
				return 200, issuedBody
			}
		}
		return 200, `{}`
	})
	c, waits := issuanceClient(t, f)

	res, err := c.IssueContract(context.Background(), validIssueParams())
	if err != nil {
		t.Fatalf("IssueContract: %v", err)
	}
	if !res.Recovered {
		t.Error("Recovered not set")
	}
	if len(*waits) != 1 || (*waits)[0] != 5*time.Second {
		t.Errorf("waits = %v, want one 5s pause between probe rounds", *waits)
	}
}

func TestIssueContractRecoveryExhausted(t *testing.T) {
	f := newFakeInsurer()
	f.route("/srwbauto/create", func(hit int, q url.Values) (int, string) {
		return 500, `erreur interne`
	})
	c, waits := issuanceClient(t, f)

	_, err := c.IssueContract(context.Background(), validIssueParams())
	var herr *HTTPError
	if !errors.As(err, &herr) {
		t.Fatalf("error = %T (%v), want the original *HTTPError", err, err)
	}
	// 2 pre-check probes + 3 rounds of 2 recovery probes.
	if f.count("/quittance/getfacture") != 8 {
		t.Errorf("getfacture probes = %d, want 8", f.count("/quittance/getfacture"))
	}
	if len(*waits) != 3 {
		t.Errorf("waits = %v, want three 5s pauses", *waits)
	}
}

func TestIssueContractMissingPolice(t *testing.T) {
	f := newFakeInsurer()
	f.route("/srwbauto/create", func(hit int, q url.Values) (int, string) {
		return 200, `{"message": "solde insuffisant"}`
	})
	c, _ := issuanceClient(t, f)

	p := validIssueParams()
	p.CaptureID = "" // no capture id, no pre-check, no recovery
	_, err := c.IssueContract(context.Background(), p)
	var ierr *IssuanceError
	if !errors.As(err, &ierr) {
		t.Fatalf("error = %T (%v), want *IssuanceError", err, err)
	}
	if !strings.Contains(ierr.Error(), "solde insuffisant") {
		t.Errorf("message = %q", ierr.Error())
	}
}

func TestIssueContractFetchesMissingDocuments(t *testing.T) {
	f := newFakeInsurer()
	f.route("/srwbauto/create", func(hit int, q url.Values) (int, string) {
		return 200, `{"numeroPolice": "POL-1", "numeroFacture": "FAC-1", "primettc": 125000}`
	})
	f.route("/quittance/getfacture", func(hit int, q url.Values) (int, string) {
		if q.Get("numeroFacture") == "FAC-1" {
			return 200, `{"numeroPolice": "POL-1", "lien": {"linkAttestation": "https://docs/att.pdf", "cartegrise": "https://docs/cg.pdf"}}`
		}
		return 200, `{}`
	})
	c, _ := issuanceClient(t, f)

	p := validIssueParams()
	p.CaptureID = ""
	res, err := c.IssueContract(context.Background(), p)
	if err != nil {
		t.Fatalf("IssueContract: %v", err)
	}
	if res.AttestationURL != "https://docs/att.pdf" {
		t.Errorf("AttestationURL = %q", res.AttestationURL)
	}
	if res.BrownCardURL != "https://docs/cg.pdf" {
		t.Errorf("BrownCardURL = %q, want cartegrise fallback", res.BrownCardURL)
	}
}

func TestRenew(t *testing.T) {
	f := newFakeInsurer()
	f.route("/srwbauto/renouv", func(hit int, q url.Values) (int, string) {
		return 200, `{
			"primenette": 98000, "primettc": 122500,
			"numeroPolice": "POL-2026-001", "numeroFacture": "FAC-2027-004",
			"lien": {"linkAttestation": "https://docs/att2.pdf"}
		}`
	})
	c, _ := issuanceClient(t, f)

	ren, err := c.Renew(context.Background(), RenewParams{
		ClientCode:     "C00042",
		PolicyNumber:   "POL-2026-001",
		DurationMonths: 12,
		EffectiveDate:  "2027-03-15",
		NewValue:       decimal.NewFromInt(9000000),
		MarketValue:    decimal.NewFromInt(6000000),
	})
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if ren.InvoiceNumber != "FAC-2027-004" {
		t.Errorf("InvoiceNumber = %q", ren.InvoiceNumber)
	}
	if !ren.GrossPremium.Equal(decimal.NewFromInt(122500)) {
		t.Errorf("GrossPremium = %s", ren.GrossPremium)
	}
	if got := f.query("/srwbauto/renouv").Get("effet"); got != "15/03/2027" {
		t.Errorf("effet = %q", got)
	}
}

func TestRenewValidation(t *testing.T) {
	c, _ := issuanceClient(t, newFakeInsurer())

	_, err := c.Renew(context.Background(), RenewParams{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %T, want *ValidationError", err)
	}
	for _, field := range []string{"client_code", "numero_police", "duree", "date_effet"} {
		if !strings.Contains(verr.Error(), field) {
			t.Errorf("missing field %q not named in %q", field, verr.Error())
		}
	}
}

func TestVerifyContractSwallowsFailures(t *testing.T) {
	f := newFakeInsurer()
	f.route("/quittance/getfacture", func(hit int, q url.Values) (int, string) {
		return 500, `erreur`
	})
	c, _ := issuanceClient(t, f)

	if got := c.VerifyContract(context.Background(), "FAC-1"); got != nil {
		t.Errorf("VerifyContract = %v, want nil on HTTP failure", got)
	}
}

func TestVerifyContractSkipsBusinessFilter(t *testing.T) {
	f := newFakeInsurer()
	f.route("/quittance/getfacture", func(hit int, q url.Values) (int, string) {
		// A body that the business filter would reject still counts as
		// an existing contract for the probe.
		return 200, `{"status": "KO", "numeroPolice": "POL-1"}`
	})
	c, _ := issuanceClient(t, f)

	got := c.VerifyContract(context.Background(), "FAC-1")
	if got == nil {
		t.Fatal("VerifyContract = nil, want contract data")
	}
	if strVal(got["numeroPolice"]) != "POL-1" {
		t.Errorf("numeroPolice = %v", got["numeroPolice"])
	}
}

func TestCancelAttestation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"status success", `{"status": "SUCCESS"}`, false},
		{"refusal with message", `{"status": "FAILED", "message": "attestation déjà annulée"}`, true},
		{"code alone is still refused", `{"code": "200"}`, true},
		{"empty body", `{}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeInsurer()
			f.route("/quittance/annulerqrcode", func(hit int, q url.Values) (int, string) {
				return 200, tt.body
			})
			c, _ := issuanceClient(t, f)

			err := c.CancelAttestation(context.Background(), "FAC-1")
			if tt.wantErr && err == nil {
				t.Error("expected refusal, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestCancelAttestationRequiresInvoice(t *testing.T) {
	c, _ := issuanceClient(t, newFakeInsurer())

	err := c.CancelAttestation(context.Background(), "")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %T, want *ValidationError", err)
	}
}

func TestReferentialFallback(t *testing.T) {
	f := newFakeInsurer()
	f.route("/referentiel/marques", func(hit int, q url.Values) (int, string) {
		if hit == 1 {
			return 503, `indisponible`
		}
		return 200, `[{"code": "M00007", "libelle": "Renault"}]`
	})
	c, _ := issuanceClient(t, f)
	ctx := context.Background()

	makes := c.Makes(ctx)
	if len(makes) == 0 || makes[0].Code != "M00001" {
		t.Fatalf("makes = %v, want static fallback", makes)
	}

	// A failed fetch is not memoized: the next call reaches the API
	// and the live list replaces the fallback.
	makes = c.Makes(ctx)
	if len(makes) != 1 || makes[0].Code != "M00007" {
		t.Fatalf("makes = %v, want live list", makes)
	}

	// The live list is memoized.
	c.Makes(ctx)
	if f.count("/referentiel/marques") != 2 {
		t.Errorf("marques hit %d times, want 2", f.count("/referentiel/marques"))
	}
}

func TestReferentialEmptyListIsNotFallback(t *testing.T) {
	f := newFakeInsurer()
	f.route("/referentiel/scategories", func(hit int, q url.Values) (int, string) {
		return 200, `[]`
	})
	c, _ := issuanceClient(t, f)

	subs := c.SubCategories(context.Background(), "520")
	if len(subs) != 0 {
		t.Errorf("subs = %v, want empty list as returned by the API", subs)
	}
}

func TestSubCategoriesFallbackPerCategory(t *testing.T) {
	f := newFakeInsurer()
	f.route("/referentiel/scategories", func(hit int, q url.Values) (int, string) {
		return 500, `erreur`
	})
	c, _ := issuanceClient(t, f)
	ctx := context.Background()

	if subs := c.SubCategories(ctx, "520"); len(subs) == 0 || subs[0].Code != "521" {
		t.Errorf("520 subs = %v, want goods-transport fallback", subs)
	}
	if subs := c.SubCategories(ctx, "550"); len(subs) == 0 || subs[0].Code != "551" {
		t.Errorf("550 subs = %v, want two-wheeler fallback", subs)
	}
	if subs := c.SubCategories(ctx, "510"); subs == nil || len(subs) != 0 {
		t.Errorf("510 subs = %v, want empty non-nil", subs)
	}
}
