package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	atomicfile "github.com/natefinch/atomic"

	"github.com/finsync/finsync/internal/plaid"
)

const (
	TransactionsFile = "transactions.csv"
	AccountsFile     = "accounts.csv"
	BalancesFile     = "balances.csv"
)

var (
	transactionHeader = []string{
		"date", "authorized_date", "transaction_id", "account_id", "name", "merchant_name",
		"amount", "iso_currency_code", "unofficial_currency_code", "category", "pending",
		"payment_channel", "item_id", "institution_name",
	}
	accountHeader = []string{
		"item_id", "institution_name", "account_id", "name", "official_name", "mask", "type", "subtype",
	}
	balanceHeader = []string{
		"item_id", "institution_name", "account_id", "current", "available", "limit", "iso_currency_code",
	}
)

// Source tags a row with the linked item it came from
type Source struct {
	ItemID          string
	InstitutionName string
}

// TransactionRecord is a transaction plus its source
type TransactionRecord struct {
	plaid.Transaction
	Source
}

// AccountRecord is an account plus its source
type AccountRecord struct {
	plaid.Account
	Source
}

// Writer writes CSV exports into a directory
type Writer struct {
	dir string
}

// NewWriter creates a writer for dir
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// Path returns the location of an export file
func (w *Writer) Path(name string) string {
	return filepath.Join(w.dir, name)
}

// StartDate returns the day after the date in the first column of the last
// row of the transactions export. Without a usable export it falls back to
// lookbackDays before now.
func (w *Writer) StartDate(now time.Time, lookbackDays int) time.Time {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	fallback := today.AddDate(0, 0, -lookbackDays)

	f, err := os.Open(w.Path(TransactionsFile))
	if err != nil {
		return fallback
	}
	defer f.Close()

	// Quoted fields may span lines, so walk whole records.
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var last []string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fallback
		}
		last = rec
	}
	if len(last) == 0 {
		return fallback
	}
	date, err := time.Parse(plaid.DateLayout, strings.TrimSpace(last[0]))
	if err != nil {
		return fallback
	}
	return date.AddDate(0, 0, 1)
}

// AppendTransactions appends records sorted by date, writing the header
// first when the file is new.
func (w *Writer) AppendTransactions(records []TransactionRecord) error {
	if err := os.MkdirAll(w.dir, 0700); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	sorted := make([]TransactionRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date < sorted[j].Date
	})

	path := w.Path(TransactionsFile)
	info, statErr := os.Stat(path)
	needHeader := statErr != nil || info.Size() == 0

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", TransactionsFile, err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if needHeader {
		if err := cw.Write(transactionHeader); err != nil {
			return fmt.Errorf("failed to write %s: %w", TransactionsFile, err)
		}
	}
	for _, r := range sorted {
		row := []string{
			r.Date,
			r.AuthorizedDate,
			r.TransactionID,
			r.AccountID,
			r.Name,
			r.MerchantName,
			formatFloat(&r.Amount),
			r.ISOCurrencyCode,
			r.UnofficialCurrencyCode,
			strings.Join(r.Category, ";"),
			strconv.FormatBool(r.Pending),
			r.PaymentChannel,
			r.ItemID,
			r.InstitutionName,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write %s: %w", TransactionsFile, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to write %s: %w", TransactionsFile, err)
	}
	return f.Close()
}

// WriteAccounts replaces the accounts snapshot
func (w *Writer) WriteAccounts(records []AccountRecord) error {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.ItemID, r.InstitutionName, r.AccountID, r.Name, r.OfficialName, r.Mask, r.Type, r.Subtype,
		})
	}
	return w.replace(AccountsFile, accountHeader, rows)
}

// WriteBalances replaces the balances snapshot
func (w *Writer) WriteBalances(records []AccountRecord) error {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.ItemID,
			r.InstitutionName,
			r.AccountID,
			formatFloat(r.Balances.Current),
			formatFloat(r.Balances.Available),
			formatFloat(r.Balances.Limit),
			r.Balances.ISOCurrencyCode,
		})
	}
	return w.replace(BalancesFile, balanceHeader, rows)
}

func (w *Writer) replace(name string, header []string, rows [][]string) error {
	if err := os.MkdirAll(w.dir, 0700); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}

	if err := atomicfile.WriteFile(w.Path(name), &buf); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
