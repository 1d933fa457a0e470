package ratecache

import (
	"github.com/shopspring/decimal"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codes"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/refdata"
)

// Any matches every value in a Filter field.
const Any = "*"

// Filter selects stored records by code, modifier and place of service.
// A field set to Any is not constrained.
type Filter struct {
	Code     string
	Modifier string
	POS      string
}

// Sink receives a rate sheet's records on flush.
type Sink interface {
	WriteRecords(rateSheet string, recs []Record) error
}

// Cache stores at most one record per Identity for a rate-sheet pass.
// It is not safe for concurrent use; each worker owns one.
type Cache struct {
	whitelist refdata.Whitelist
	records   map[Identity]Record
	order     []Identity
	idx       *index
}

// New returns an empty cache that rejects codes outside whitelist. A nil
// whitelist accepts every code.
func New(whitelist refdata.Whitelist) *Cache {
	return &Cache{
		whitelist: whitelist,
		records:   make(map[Identity]Record),
	}
}

// Store writes rec under id and reports whether it was written. Codes
// outside the whitelist are dropped. An existing record is kept unless
// override is set.
func (c *Cache) Store(id Identity, rec Record, override bool) bool {
	if id.Code != "" && !c.whitelist.Allows(id.Code, id.CodeType) {
		return false
	}
	if _, exists := c.records[id]; exists {
		if !override {
			return false
		}
	} else {
		c.order = append(c.order, id)
	}
	rec.Chained = id.TermID != 0
	c.records[id] = rec
	if c.idx != nil && !rec.Chained {
		c.idx.add(id)
	}
	return true
}

// Get returns the record stored under id.
func (c *Cache) Get(id Identity) (Record, bool) {
	rec, ok := c.records[id]
	return rec, ok
}

// Len returns the number of stored records.
func (c *Cache) Len() int {
	return len(c.records)
}

// Records returns the stored records in first-store order.
func (c *Cache) Records() []Record {
	out := make([]Record, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.records[id])
	}
	return out
}

// Identities returns the non-derived identities stored for rateSheet in
// first-store order.
func (c *Cache) Identities(rateSheet string) []Identity {
	var out []Identity
	for _, id := range c.order {
		if id.RateSheet == rateSheet && id.TermID == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Lookup returns the non-derived identities of rateSheet matching f, in
// first-store order. The indexes are built on first use.
func (c *Cache) Lookup(rateSheet string, f Filter) []Identity {
	if c.idx == nil {
		c.idx = newIndex()
		for _, id := range c.order {
			if id.TermID == 0 {
				c.idx.add(id)
			}
		}
	}
	candidates := c.idx.match(rateSheet, f)
	if candidates == nil {
		return c.Identities(rateSheet)
	}
	out := make([]Identity, 0, len(candidates))
	for _, id := range c.order {
		if _, ok := candidates[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Derivation builds the record for a chained rate from its base.
type Derivation func(base Identity, rec Record, rate decimal.Decimal) (Identity, Record)

// Chain derives a new rate from every record of rateSheet that matches
// filters: the base rate times factor, rounded half-up to cents, typed
// "negotiated". derive shapes the identity and record; the identity's
// TermID is forced to termID. It returns the identities written.
func (c *Cache) Chain(rateSheet string, filters []Filter, factor float64, termID int, override bool, derive Derivation) []Identity {
	seen := make(map[Identity]bool)
	var bases []Identity
	for _, f := range filters {
		for _, id := range c.Lookup(rateSheet, f) {
			if !seen[id] {
				seen[id] = true
				bases = append(bases, id)
			}
		}
	}
	return c.ChainFrom(bases, factor, termID, override, derive)
}

// ChainFrom is Chain over an explicit list of base identities.
func (c *Cache) ChainFrom(bases []Identity, factor float64, termID int, override bool, derive Derivation) []Identity {
	f := decimal.NewFromFloat(factor)
	var written []Identity
	for _, base := range bases {
		rec, ok := c.records[base]
		if !ok {
			continue
		}
		rate := RoundHalfUp(rec.RateValue().Mul(f), 2)
		id, out := base, rec
		id.TermID = 0
		out.Rate = FormatRate(rate)
		out.NegotiatedType = codes.TypeNegotiated
		if derive != nil {
			id, out = derive(base, rec, rate)
		}
		id.TermID = termID
		if c.Store(id, out, override) {
			written = append(written, id)
		}
	}
	return written
}

// Flush hands the cache's records to sink. The cache is left intact; call
// Reset once the sheet is done.
func (c *Cache) Flush(rateSheet string, sink Sink) error {
	if len(c.order) == 0 {
		return nil
	}
	return sink.WriteRecords(rateSheet, c.Records())
}

// Reset drops every record and index.
func (c *Cache) Reset() {
	c.records = make(map[Identity]Record)
	c.order = nil
	c.idx = nil
}
