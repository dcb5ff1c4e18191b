package askia

import (
	"context"
	"log"
)

// ── Reference Tables ───────────────────────────────────────────────
// Quote forms need makes, categories, sub-categories and body types.
// These lookups must never block the UI: any API failure degrades to
// the static tables below, and successful answers are memoized for
// the life of the process (the insurer updates them rarely).

// CodeLabel is one referential entry.
type CodeLabel struct {
	Code  string `json:"code"`
	Label string `json:"libelle"`
}

// fallbackMakes covers the mainstream brands seen in the Senegalese
// fleet, keyed by the insurer's make codes.
var fallbackMakes = []CodeLabel{
	{"M00001", "Toyota"},
	{"M00002", "Peugeot"},
	{"M00003", "Renault"},
	{"M00004", "Hyundai"},
	{"M00005", "Kia"},
	{"M00006", "Nissan"},
	{"M00007", "Mercedes-Benz"},
	{"M00008", "Mitsubishi"},
	{"M00009", "Ford"},
	{"M00010", "Suzuki"},
	{"M00011", "Citroën"},
	{"M00012", "Volkswagen"},
	{"M00099", "Autre"},
}

var fallbackCategories = []CodeLabel{
	{"510", "Promenade et affaires"},
	{"520", "Transport de marchandises"},
	{"530", "Transport public de voyageurs"},
	{"550", "Deux ou trois roues"},
}

var fallbackSubCategories520 = []CodeLabel{
	{"521", "Charge utile <= 3,5 tonnes"},
	{"522", "Charge utile > 3,5 tonnes"},
}

var fallbackSubCategories550 = []CodeLabel{
	{"551", "Cylindrée <= 125 cm3"},
	{"552", "Cylindrée > 125 cm3"},
}

var fallbackBodyTypes = []CodeLabel{
	{"07", "Berline"},
}

// Makes lists the vehicle makes (referentiel/marques).
func (c *Client) Makes(ctx context.Context) []CodeLabel {
	return c.referential(ctx, "referentiel/marques", nil, fallbackMakes)
}

// Categories lists the tariff categories for the configured branch
// (referentiel/categories).
func (c *Client) Categories(ctx context.Context) []CodeLabel {
	return c.referential(ctx, "referentiel/categories",
		map[string]any{"brCode": c.brCode}, fallbackCategories)
}

// SubCategories lists the sub-categories of a tariff category
// (referentiel/scategories). Only the goods-transport and two-wheeler
// categories carry sub-categories.
func (c *Client) SubCategories(ctx context.Context, categoryCode string) []CodeLabel {
	var fallback []CodeLabel
	switch categoryCode {
	case "520":
		fallback = fallbackSubCategories520
	case "550":
		fallback = fallbackSubCategories550
	}
	return c.referential(ctx, "referentiel/scategories",
		map[string]any{"catCode": categoryCode}, fallback)
}

// BodyTypes lists the body types of a sub-category
// (referentiel/carrosseries).
func (c *Client) BodyTypes(ctx context.Context, subCategoryCode string) []CodeLabel {
	return c.referential(ctx, "referentiel/carrosseries",
		map[string]any{"scatCode": orDefault(subCategoryCode, "000")}, fallbackBodyTypes)
}

// referential fetches and memoizes one reference list, degrading to
// the fallback on any failure.
func (c *Client) referential(ctx context.Context, endpoint string, params map[string]any, fallback []CodeLabel) []CodeLabel {
	key := endpoint
	for _, v := range params {
		key += "|" + strVal(v)
	}

	c.refMu.Lock()
	cached, ok := c.refCache[key]
	c.refMu.Unlock()
	if ok {
		return cached
	}

	list, err := c.requestList(ctx, endpoint, params, c.defaultProfile())
	if err != nil {
		log.Printf("[askia] référentiel %s indisponible, repli statique | %v", endpoint, err)
		if fallback == nil {
			return []CodeLabel{}
		}
		return fallback
	}

	entries := make([]CodeLabel, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		code := strVal(obj["code"])
		if code == "" {
			continue
		}
		entries = append(entries, CodeLabel{Code: code, Label: strVal(obj["libelle"])})
	}

	c.refMu.Lock()
	c.refCache[key] = entries
	c.refMu.Unlock()
	return entries
}
