package askia

import (
	"context"
	"log"
	"strings"
)

// ── Quittance / Documents ──────────────────────────────────────────

// Documents are the downloadable proofs of an issued contract.
// Missing links come back as empty strings — the caller decides
// whether that blocks anything.
type Documents struct {
	Attestation string
	BrownCard   string
	Raw         map[string]any
}

// VerifyContract probes quittance/getfacture for an issued contract.
// Returns nil on any failure: the probe is a best-effort existence
// check used by issuance recovery, never an authoritative error
// source, so business flags in the body are not classified here.
func (c *Client) VerifyContract(ctx context.Context, invoiceNo string) map[string]any {
	data, err := c.requestObject(ctx, "quittance/getfacture",
		map[string]any{"numeroFacture": invoiceNo},
		profile{timeout: probeTimeout, raw: true})
	if err != nil {
		log.Printf("[askia] sonde facture %s KO | %v", invoiceNo, err)
		return nil
	}
	if strVal(data["numeroPolice"]) == "" {
		return nil
	}
	return data
}

// InvoiceDocuments reads quittance/getfacture and extracts the
// attestation and brown-card links.
func (c *Client) InvoiceDocuments(ctx context.Context, invoiceNo string) (*Documents, error) {
	data, err := c.requestObject(ctx, "quittance/getfacture",
		map[string]any{"numeroFacture": invoiceNo}, c.defaultProfile())
	if err != nil {
		return nil, err
	}
	liens := subMap(data, "lien")
	brown := strVal(liens["linkCarteBrune"])
	if brown == "" {
		brown = strVal(liens["cartegrise"])
	}
	return &Documents{
		Attestation: strVal(liens["linkAttestation"]),
		BrownCard:   brown,
		Raw:         data,
	}, nil
}

// CarteGrise reads quittance/getcartegrise for the registration-card
// details the insurer keeps on its side.
func (c *Client) CarteGrise(ctx context.Context, invoiceNo string) (map[string]any, error) {
	return c.requestObject(ctx, "quittance/getcartegrise",
		map[string]any{"numeroFacture": invoiceNo}, c.defaultProfile())
}

// CancelAttestation revokes the QR-coded attestation of an issued
// contract via quittance/annulerqrcode. Cancellation is confirmed by
// code "200" or status "SUCCESS"; anything else is a refusal.
func (c *Client) CancelAttestation(ctx context.Context, invoiceNo string) error {
	if invoiceNo == "" {
		return &ValidationError{Reason: "numéro de facture requis pour annulation"}
	}
	result, err := c.requestObject(ctx, "quittance/annulerqrcode",
		map[string]any{"numeroFacture": invoiceNo}, c.defaultProfile())
	if err != nil {
		return err
	}

	code := strings.TrimSpace(strVal(result["code"]))
	status := strings.ToUpper(strVal(result["status"]))
	if code == "200" || status == "SUCCESS" {
		return nil
	}
	msg := strVal(result["message"])
	if msg == "" {
		msg = "annulation non confirmée"
	}
	return &BusinessError{Endpoint: "quittance/annulerqrcode", Message: msg}
}
