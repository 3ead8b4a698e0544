// Package reconcile joins the account ledger with the target/quota dataset,
// derives stock-coverage metrics, and publishes the reconciliation report
// plus a daily history snapshot. Every run is a full recomputation from the
// two current source snapshots.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kmensah/floatwatch/internal/artifact"
	"github.com/kmensah/floatwatch/internal/database/repository"
)

// ErrSourceMissing marks a cycle where one of the two source datasets is
// absent or empty. The controller logs it and moves on; it is not fatal.
var ErrSourceMissing = errors.New("source dataset missing")

// missing is the fill value for structurally absent source columns.
const missing = "N/A"

var reportHeader = []string{
	"Numero", "Noms", "Routes", "Sous-Zone", "Montants OOS",
	"Balance", "Valeur Calculee", "Jours de Stock", "Site",
}

// Engine performs one reconciliation pass.
type Engine struct {
	Ledger            *repository.LedgerRepo
	TargetPath        string
	ReportPath        string
	HistoryPath       string
	ShortageThreshold decimal.Decimal
	Log               zerolog.Logger

	// Now is a test seam; nil means time.Now.
	Now func() time.Time
}

// Stats summarizes one reconciliation run.
type Stats struct {
	Records       int
	TotalBalance  decimal.Decimal
	TotalTarget   decimal.Decimal
	ShortageCount int
	ShortageRate  decimal.Decimal // percent
}

// Run recomputes the reconciliation report and upserts today's history
// snapshot. On any failure the previously published artifacts are left
// untouched.
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	ledger, err := e.Ledger.LoadAll(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("load ledger: %w", err)
	}
	if len(ledger) == 0 {
		return Stats{}, fmt.Errorf("ledger is empty: %w", ErrSourceMissing)
	}

	targets, err := loadTarget(e.TargetPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Stats{}, fmt.Errorf("target dataset %s: %w", e.TargetPath, ErrSourceMissing)
		}
		return Stats{}, fmt.Errorf("load target: %w", err)
	}
	if len(targets.rows) == 0 {
		return Stats{}, fmt.Errorf("target dataset %s has no rows: %w", e.TargetPath, ErrSourceMissing)
	}

	var (
		rows  [][]string
		stats = Stats{TotalBalance: decimal.Zero, TotalTarget: decimal.Zero}
	)

	for _, rec := range ledger {
		key := strings.TrimSpace(rec.Msisdn)
		agg, ok := targets.rows[key]
		if !ok {
			// inner join: ledger accounts with no target row are dropped
			e.logNearMiss(key, targets)
			continue
		}

		target := agg.mean()
		balance := rec.Balance
		computed := balance.Sub(target)

		coverage := decimal.Zero
		if !target.IsZero() {
			coverage = balance.Div(target)
		}

		rows = append(rows, []string{
			key,
			displayName(rec, agg, targets.hasName, key),
			fillMissing(targets.hasRoute, agg.route),
			fillMissing(targets.hasSubZone, agg.subZone),
			target.String(),
			balance.String(),
			computed.String(),
			coverage.String(),
			fillMissing(targets.hasSite, agg.site),
		})

		stats.Records++
		stats.TotalBalance = stats.TotalBalance.Add(balance)
		stats.TotalTarget = stats.TotalTarget.Add(target)
		if coverage.LessThan(e.ShortageThreshold) {
			stats.ShortageCount++
		}
	}

	stats.ShortageRate = decimal.Zero
	if stats.Records > 0 {
		stats.ShortageRate = decimal.NewFromInt(int64(stats.ShortageCount)).
			Div(decimal.NewFromInt(int64(stats.Records))).
			Mul(decimal.NewFromInt(100))
	}

	if err := artifact.WriteCSV(e.ReportPath, reportHeader, rows); err != nil {
		return Stats{}, fmt.Errorf("write report: %w", err)
	}

	if err := e.upsertHistory(stats); err != nil {
		return Stats{}, fmt.Errorf("update history: %w", err)
	}

	e.Log.Info().
		Int("records", stats.Records).
		Str("total_balance", stats.TotalBalance.String()).
		Str("total_target", stats.TotalTarget.String()).
		Int("shortage_count", stats.ShortageCount).
		Str("shortage_rate_pct", stats.ShortageRate.StringFixed(1)).
		Msg("reconciliation complete")
	return stats, nil
}

// displayName resolves the report name: ledger name if usable, else the
// target-side agent name, else the raw identifier.
func displayName(rec repository.AccountRecord, agg *aggTarget, targetHasName bool, key string) string {
	if rec.HasResolvedName() {
		return rec.Name
	}
	if targetHasName && agg.name != "" {
		return agg.name
	}
	return key
}

func fillMissing(hasColumn bool, v string) string {
	if !hasColumn {
		return missing
	}
	return v
}

// logNearMiss reports ledger keys that almost match a target key, which is
// how typo'd MSISDNs in the quota sheet surface.
func (e *Engine) logNearMiss(key string, targets *targetTable) {
	best := ""
	bestDist := 3 // anything further apart than 2 edits is just a different account
	for k := range targets.rows {
		if d := levenshtein.ComputeDistance(key, k); d < bestDist {
			best, bestDist = k, d
		}
	}
	ev := e.Log.Debug().Str("msisdn", key)
	if best != "" {
		ev.Str("closest_target_key", best).Int("distance", bestDist).
			Msg("account has no target row; near match in target dataset")
		return
	}
	ev.Msg("account has no target row")
}

// historyHeader is the published time-series schema, one row per calendar day.
var historyHeader = []string{"Date", "Total_Balance", "Total_OOS", "Rupture_Rate", "POS_Count"}

// upsertHistory appends today's snapshot to the history artifact, replacing
// the row when one already exists for today so repeated runs within a day
// keep the series at one point per date.
func (e *Engine) upsertHistory(stats Stats) error {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	today := now().Format("2006-01-02")

	snapshot := []string{
		today,
		stats.TotalBalance.String(),
		stats.TotalTarget.String(),
		stats.ShortageRate.StringFixed(2),
		strconv.Itoa(stats.Records),
	}

	_, existing, err := artifact.ReadCSV(e.HistoryPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	replaced := false
	rows := make([][]string, 0, len(existing)+1)
	for _, row := range existing {
		if len(row) > 0 && row[0] == today {
			rows = append(rows, snapshot)
			replaced = true
			continue
		}
		rows = append(rows, row)
	}
	if !replaced {
		rows = append(rows, snapshot)
	}

	return artifact.WriteCSV(e.HistoryPath, historyHeader, rows)
}
