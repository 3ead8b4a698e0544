// Package ingest turns raw per-account transaction export files into ledger
// upserts. Only the first data row of an export is read: the provider puts
// the account's running balance on every row, so the newest row suffices.
package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/charmap"

	"github.com/kmensah/floatwatch/internal/artifact"
	"github.com/kmensah/floatwatch/internal/database/repository"
)

var exportNamePattern = regexp.MustCompile(`^Transactions_(\d+)\.(?i:csv)$`)

// AccountFromFileName extracts the account MSISDN from an export file name.
// ok is false for any file that is not a transaction export.
func AccountFromFileName(name string) (msisdn string, ok bool) {
	m := exportNamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Processor parses export files and upserts the ledger.
type Processor struct {
	Ledger         *repository.LedgerRepo
	LedgerArtifact string // summary CSV rewritten after every upsert
	Log            zerolog.Logger
}

// Result describes the outcome of processing one file. A skipped file is not
// an error: the batch keeps going.
type Result struct {
	Msisdn  string
	Name    string
	Balance decimal.Decimal
	Skipped bool
	Reason  string
}

func skipped(reason string) Result {
	return Result{Skipped: true, Reason: reason}
}

// ProcessFile ingests a single export file. Files whose name does not match
// the export pattern are silently ignored. Parse-level problems (encoding,
// missing columns, malformed balance) skip the file with a diagnostic; only
// storage failures surface as errors.
func (p *Processor) ProcessFile(ctx context.Context, path string) (Result, error) {
	name := filepath.Base(path)
	msisdn, ok := AccountFromFileName(name)
	if !ok {
		return skipped("not a transaction export"), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return skipped(fmt.Sprintf("read: %v", err)), nil
	}
	data, err = decodeExport(data)
	if err != nil {
		p.Log.Warn().Str("file", name).Err(err).Msg("undecodable export, skipping")
		return skipped(fmt.Sprintf("decode: %v", err)), nil
	}

	header, first, err := firstDataRow(data)
	if err != nil {
		p.Log.Warn().Str("file", name).Err(err).Msg("unreadable export, skipping")
		return skipped(fmt.Sprintf("parse: %v", err)), nil
	}
	if first == nil {
		p.Log.Warn().Str("file", name).Msg("empty export, skipping")
		return skipped("file is empty"), nil
	}

	row := indexRow(header, first)
	date, hasDate := row["Date"]
	rawBalance, hasBalance := row["Balance"]
	if !hasDate || !hasBalance {
		p.Log.Warn().Str("file", name).Strs("headers", header).
			Msg("'Date' or 'Balance' column missing, skipping")
		return skipped("'Date' or 'Balance' column missing"), nil
	}

	balance, err := parseAmount(rawBalance)
	if err != nil {
		p.Log.Warn().Str("file", name).Str("balance", rawBalance).Err(err).
			Msg("malformed balance, skipping")
		return skipped(fmt.Sprintf("malformed balance %q", rawBalance)), nil
	}

	displayName := resolveName(msisdn, row)

	rec := repository.AccountRecord{
		Msisdn:   msisdn,
		Name:     displayName,
		Balance:  balance,
		LastSeen: date,
	}
	if err := p.Ledger.Upsert(ctx, rec); err != nil {
		return Result{}, fmt.Errorf("upsert %s: %w", msisdn, err)
	}
	if err := p.exportLedger(ctx); err != nil {
		return Result{}, fmt.Errorf("export ledger: %w", err)
	}

	p.Log.Info().Str("file", name).Str("msisdn", msisdn).
		Str("balance", balance.String()).Str("date", date).Msg("processed")
	return Result{Msisdn: msisdn, Name: displayName, Balance: balance}, nil
}

// exportLedger rewrites the tabular ledger artifact from the current store.
func (p *Processor) exportLedger(ctx context.Context) error {
	recs, err := p.Ledger.LoadAll(ctx)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []string{r.LastSeen, r.Msisdn, r.Name, r.Balance.String()})
	}
	return artifact.WriteCSV(p.LedgerArtifact, []string{"Date", "Number", "Name", "Balance"}, rows)
}

// decodeExport returns UTF-8 bytes, re-decoding as Windows-1252 when the
// input is not valid UTF-8. Exports come from a Windows tool that emits
// either encoding depending on locale.
func decodeExport(data []byte) ([]byte, error) {
	if utf8.Valid(data) {
		return data, nil
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return nil, fmt.Errorf("not utf-8 and not windows-1252: %w", err)
	}
	return out, nil
}

// firstDataRow reads the header and the first record. A nil record with nil
// error means the file has no data rows.
func firstDataRow(data []byte) (header []string, first []string, err error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	header, err = r.Read()
	if err == io.EOF {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	first, err = r.Read()
	if err == io.EOF {
		return header, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return header, first, nil
}

// indexRow maps header names to the row's values. Exports repeat some header
// names (each amount column is followed by a "Currency" column); first
// occurrence wins, which matches how the provider lays out the columns we
// care about.
func indexRow(header, row []string) map[string]string {
	out := make(map[string]string, len(header))
	for i, h := range header {
		if i >= len(row) {
			break
		}
		h = strings.TrimSpace(h)
		if _, exists := out[h]; !exists {
			out[h] = strings.TrimSpace(row[i])
		}
	}
	return out
}

// resolveName picks the account's display name from whichever side of the
// transaction it sits on, falling back to the unknown sentinel.
func resolveName(msisdn string, row map[string]string) string {
	if row["From"] == msisdn {
		if n := row["From name"]; n != "" {
			return n
		}
	}
	if row["To"] == msisdn {
		if n := row["To name"]; n != "" {
			return n
		}
	}
	return repository.UnknownName
}

// parseAmount parses a decimal amount, tolerating thousands separators and
// stray spaces.
func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "\u00a0", "")
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("empty amount")
	}
	return decimal.NewFromString(s)
}
