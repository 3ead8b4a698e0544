package repository

import (
	"time"

	"github.com/shopspring/decimal"
)

// UnknownName is the sentinel used when an export row does not reveal which
// side of the transaction the account sits on. Upserts never let it overwrite
// a previously resolved name.
const UnknownName = "Inconnu"

// AccountRecord is the latest known state for one account, keyed by MSISDN.
// The MSISDN is numeric-looking but treated as an opaque string.
type AccountRecord struct {
	Msisdn    string
	Name      string
	Balance   decimal.Decimal
	LastSeen  string // raw Date field from the export, kept verbatim
	UpdatedAt time.Time
}

// HasResolvedName reports whether the record carries a usable display name.
func (r AccountRecord) HasResolvedName() bool {
	return r.Name != "" && r.Name != UnknownName
}
