// Package plate provides pure functions for Senegalese vehicle plate
// normalization. These functions have ZERO dependencies on HTTP, database, or
// any other infrastructure — making them trivially testable and reusable.
//
// The insurer API is strict about plate formatting: a plate must be submitted
// in the canonical dashed form of its family (e.g. "DK-1234-AB"), while the
// local database stores the compact dashless form. Both derive from the same
// detection step.
package plate

import (
	"fmt"
	"regexp"
	"strings"
)

// ── Format Families ──────────────────────────────────────────────
// A plate belongs to exactly one family. Families are matched in the
// order below; the patterns are pairwise disjoint (digit counts and
// literal markers never collide), so order is a convention rather
// than a tie-breaker.

const (
	FormatRegional = "REGIONAL" // DK-1234-AB  (region prefix + 4 digits + 1-2 letters)
	FormatAncien   = "ANCIEN"   // AA-001-BB   (pre-2000 series)
	FormatADTT     = "AD_TT"    // AD1234-TT-A (diplomatic transit)
	FormatAD       = "AD"       // AD-1234     (diplomatic)
	FormatEX       = "EX"       // 1234-EX     (export)
	FormatEPEX     = "EP_EX"    // 1234-EP01-EX
	FormatEP       = "EP"       // 1234-EP01   (export series)
	FormatAP       = "AP"       // 123-AP-4567 (administration publique)
	FormatTT       = "TT"       // 1234-TT-A   (transit temporaire)
	FormatCH       = "CH"       // CH-123456   (chantier)
)

// RegionPrefixes lists the two-letter region codes accepted by the
// REGIONAL family.
var RegionPrefixes = []string{
	"AB", "AC", "DK", "TH", "SL", "DB", "LG", "TC", "KL",
	"KD", "ZG", "FK", "KF", "KG", "MT", "SD", "DL",
}

// family couples a detection pattern with its insurer-facing formatter.
// Patterns run against the canonical value (dashes optional at the
// family's separator positions); formatters run against the compact
// dashless text.
type family struct {
	name    string
	pattern *regexp.Regexp
	format  func(raw string) string
}

var families = []family{
	{
		name:    FormatRegional,
		pattern: regexp.MustCompile(`^(` + strings.Join(RegionPrefixes, "|") + `)-?\d{4}-?[A-Z]{1,2}$`),
		format:  func(raw string) string { return raw[:2] + "-" + raw[2:6] + "-" + raw[6:] },
	},
	{
		name:    FormatAncien,
		pattern: regexp.MustCompile(`^[A-Z]{2}-?\d{3}-?[A-Z]{2}$`),
		format:  func(raw string) string { return raw[:2] + "-" + raw[2:5] + "-" + raw[5:] },
	},
	{
		name:    FormatADTT,
		pattern: regexp.MustCompile(`^AD-?\d{4}-?TT-?[A-Z]$`),
		format:  func(raw string) string { return raw[:6] + "-TT-" + raw[len(raw)-1:] },
	},
	{
		name:    FormatAD,
		pattern: regexp.MustCompile(`^AD-?\d{4}$`),
		format:  func(raw string) string { return raw[:2] + "-" + raw[2:] },
	},
	{
		name:    FormatEX,
		pattern: regexp.MustCompile(`^\d{4}-?EX$`),
		format:  func(raw string) string { return raw[:4] + "-EX" },
	},
	{
		name:    FormatEPEX,
		pattern: regexp.MustCompile(`^\d{4}-?EP\d{2}-?EX$`),
		format:  func(raw string) string { return raw[:4] + "-" + raw[4:8] + "-EX" },
	},
	{
		name:    FormatEP,
		pattern: regexp.MustCompile(`^\d{4}-?EP\d{2}$`),
		format:  func(raw string) string { return raw[:4] + "-" + raw[4:] },
	},
	{
		name:    FormatAP,
		pattern: regexp.MustCompile(`^\d{3}-?AP-?\d{4}$`),
		format:  func(raw string) string { return raw[:3] + "-AP-" + raw[5:] },
	},
	{
		name:    FormatTT,
		pattern: regexp.MustCompile(`^\d{4}-?TT-?[A-Z]$`),
		format:  func(raw string) string { return raw[:4] + "-TT-" + raw[len(raw)-1:] },
	},
	{
		name:    FormatCH,
		pattern: regexp.MustCompile(`^CH-?\d{6}$`),
		format:  func(raw string) string { return raw[:2] + "-" + raw[2:] },
	},
}

var (
	whitespaceRx = regexp.MustCompile(`\s+`)
	forbiddenRx  = regexp.MustCompile(`[^A-Z0-9-]`)
)

// InvalidError reports a plate that matches no supported family (or
// carries forbidden characters).
type InvalidError struct {
	Raw    string
	Reason string
}

func (e *InvalidError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("immatriculation invalide %q: %s", e.Raw, e.Reason)
	}
	return fmt.Sprintf("format d'immatriculation invalide: %q. Formats acceptés: "+
		"DK-0001-BB, AA-001-AA, AD-0001, 0001-EX, 0001-EP01, 001-AP-0001, "+
		"0001-TT-A, AD0001-TT-A, CH-000001, 0001-EP01-EX", e.Raw)
}

// ── Normalization ────────────────────────────────────────────────

// Canonical uppercases the input, unifies en/em dashes to "-", strips
// all whitespace, and rejects any character outside [A-Z0-9-].
func Canonical(raw string) (string, error) {
	v := strings.ToUpper(strings.TrimSpace(raw))
	v = strings.ReplaceAll(v, "–", "-") // en dash
	v = strings.ReplaceAll(v, "—", "-") // em dash
	v = whitespaceRx.ReplaceAllString(v, "")
	if v == "" {
		return "", &InvalidError{Raw: raw, Reason: "immatriculation requise"}
	}
	if forbiddenRx.MatchString(v) {
		return "", &InvalidError{Raw: raw, Reason: "caractères non autorisés"}
	}
	return v, nil
}

// Detect returns the format family of a canonicalized plate, or false
// when no family matches.
func Detect(canonical string) (string, bool) {
	for _, f := range families {
		if f.pattern.MatchString(canonical) {
			return f.name, true
		}
	}
	return "", false
}

// Normalize converts free-form input into the dashed form the insurer
// API expects. It is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) (string, error) {
	v, err := Canonical(raw)
	if err != nil {
		return "", err
	}
	for _, f := range families {
		if f.pattern.MatchString(v) {
			return f.format(strings.ReplaceAll(v, "-", "")), nil
		}
	}
	return "", &InvalidError{Raw: raw}
}

// Compact converts free-form input into the dashless storage form.
func Compact(raw string) (string, error) {
	v, err := Canonical(raw)
	if err != nil {
		return "", err
	}
	if _, ok := Detect(v); !ok {
		return "", &InvalidError{Raw: raw}
	}
	return strings.ReplaceAll(v, "-", ""), nil
}

// Format reports the family of a plate in any accepted form.
func Format(raw string) (string, error) {
	v, err := Canonical(raw)
	if err != nil {
		return "", err
	}
	name, ok := Detect(v)
	if !ok {
		return "", &InvalidError{Raw: raw}
	}
	return name, nil
}
