package reconcile

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kmensah/floatwatch/internal/artifact"
)

// aggTarget accumulates duplicate target rows for one key: count+sum for the
// amount, first-observed for the categoricals.
type aggTarget struct {
	sum     decimal.Decimal
	n       int64
	site    string
	subZone string
	route   string
	name    string
}

func (a *aggTarget) mean() decimal.Decimal {
	if a.n == 0 {
		return decimal.Zero
	}
	return a.sum.Div(decimal.NewFromInt(a.n))
}

// targetTable is the aggregated target dataset: exactly one row per key.
// The has* flags record which optional columns the source actually carried.
type targetTable struct {
	rows       map[string]*aggTarget
	hasSite    bool
	hasSubZone bool
	hasRoute   bool
	hasName    bool
}

// Source headers vary between raw provider dumps and the cleaned report, so
// each logical column accepts both spellings.
var (
	keyHeaders     = []string{"Agent MSISDN", "AGENT_MSISDN"}
	amountHeaders  = []string{"Average of oos_target", "Montants OOS"}
	siteHeaders    = []string{"ISL_Terr", "Site"}
	subZoneHeaders = []string{"SITENAME", "Sous-Zone"}
	routeHeaders   = []string{"Routes"}
	nameHeaders    = []string{"nom et prenoms"}
)

func findColumn(header []string, candidates []string) (int, bool) {
	for i, h := range header {
		h = strings.TrimSpace(h)
		for _, c := range candidates {
			if h == c {
				return i, true
			}
		}
	}
	return -1, false
}

// loadTarget reads and aggregates the target dataset in a single pass.
// Duplicate keys are expected, not an error. Missing optional columns are
// tolerated and simply absent from the table.
func loadTarget(path string) (*targetTable, error) {
	header, records, err := artifact.ReadCSV(path)
	if err != nil {
		return nil, err
	}

	keyIdx, ok := findColumn(header, keyHeaders)
	if !ok {
		return nil, fmt.Errorf("target dataset %s: 'Agent MSISDN' column not found (headers: %s)",
			path, strings.Join(header, ", "))
	}
	amountIdx, hasAmount := findColumn(header, amountHeaders)
	siteIdx, hasSite := findColumn(header, siteHeaders)
	subZoneIdx, hasSubZone := findColumn(header, subZoneHeaders)
	routeIdx, hasRoute := findColumn(header, routeHeaders)
	nameIdx, hasName := findColumn(header, nameHeaders)

	tt := &targetTable{
		rows:       make(map[string]*aggTarget),
		hasSite:    hasSite,
		hasSubZone: hasSubZone,
		hasRoute:   hasRoute,
		hasName:    hasName,
	}

	cell := func(rec []string, idx int) string {
		if idx < 0 || idx >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[idx])
	}

	for _, rec := range records {
		key := cell(rec, keyIdx)
		if key == "" {
			continue
		}

		amount := decimal.Zero
		if hasAmount {
			// non-numeric target amounts count as zero, same as the
			// downstream balance coercion
			if v, err := decimal.NewFromString(strings.ReplaceAll(cell(rec, amountIdx), ",", "")); err == nil {
				amount = v
			}
		}

		if agg, exists := tt.rows[key]; exists {
			agg.sum = agg.sum.Add(amount)
			agg.n++
			continue
		}
		tt.rows[key] = &aggTarget{
			sum:     amount,
			n:       1,
			site:    cell(rec, siteIdx),
			subZone: cell(rec, subZoneIdx),
			route:   cell(rec, routeIdx),
			name:    cell(rec, nameIdx),
		}
	}

	return tt, nil
}
