package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/finsync/finsync/internal/export"
	"github.com/finsync/finsync/internal/logger"
	"github.com/finsync/finsync/internal/plaid"
	"github.com/finsync/finsync/internal/vault"
)

// Fetcher is the part of the Plaid API used to pull data for an item
type Fetcher interface {
	GetAccounts(ctx context.Context, accessToken string) ([]plaid.Account, error)
	GetTransactions(ctx context.Context, accessToken string, start, end time.Time, count, offset int) (*plaid.TransactionsPage, error)
}

// MaxPageSize is the largest count transactions/get accepts
const MaxPageSize = 500

// Options configures an Aggregator
type Options struct {
	// PageSize outside 1..MaxPageSize is replaced by MaxPageSize
	PageSize     int
	LookbackDays int
	Logger       logger.Logger
	// Now defaults to time.Now
	Now func() time.Time
}

// Aggregator pulls accounts, balances and new transactions for every linked
// item and writes them out as CSV.
type Aggregator struct {
	fetcher Fetcher
	writer  *export.Writer
	opts    Options
}

// Summary describes one run
type Summary struct {
	Start        time.Time
	End          time.Time
	Items        int
	Accounts     int
	Transactions int
}

// New creates an aggregator
func New(fetcher Fetcher, writer *export.Writer, opts Options) *Aggregator {
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PageSize < 1 || opts.PageSize > MaxPageSize {
		opts.PageSize = MaxPageSize
	}
	return &Aggregator{
		fetcher: fetcher,
		writer:  writer,
		opts:    opts,
	}
}

// Run fetches everything for tokens. The tokens are only read. Any failure
// aborts the run before a file is written, so the next run starts from the
// same date.
func (a *Aggregator) Run(ctx context.Context, tokens vault.TokenMap) (*Summary, error) {
	now := a.opts.Now()
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	start := a.writer.StartDate(now, a.opts.LookbackDays)

	summary := &Summary{Start: start, End: end}
	if len(tokens) == 0 {
		return summary, nil
	}

	var (
		allAccounts []export.AccountRecord
		allTxns     []export.TransactionRecord
	)
	for _, itemID := range tokens.ItemIDs() {
		rec := tokens[itemID]
		src := export.Source{ItemID: itemID, InstitutionName: rec.InstitutionName}
		log := a.opts.Logger.WithField("item_id", itemID)

		accounts, err := a.fetcher.GetAccounts(ctx, rec.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch accounts for %s (%s): %w", itemID, rec.InstitutionName, err)
		}
		for _, acct := range accounts {
			allAccounts = append(allAccounts, export.AccountRecord{Account: acct, Source: src})
		}

		if start.After(end) {
			log.Debugf("Transactions already up to date")
			continue
		}

		txns, err := a.fetchTransactions(ctx, rec.AccessToken, start, end)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch transactions for %s (%s): %w", itemID, rec.InstitutionName, err)
		}
		for _, t := range txns {
			allTxns = append(allTxns, export.TransactionRecord{Transaction: t, Source: src})
		}
		log.Infof("Fetched %d account(s) and %d transaction(s)", len(accounts), len(txns))
	}

	if err := a.writer.AppendTransactions(allTxns); err != nil {
		return nil, err
	}
	if err := a.writer.WriteAccounts(allAccounts); err != nil {
		return nil, err
	}
	if err := a.writer.WriteBalances(allAccounts); err != nil {
		return nil, err
	}

	summary.Items = len(tokens)
	summary.Accounts = len(allAccounts)
	summary.Transactions = len(allTxns)
	return summary, nil
}

// fetchTransactions pages through transactions/get until a short page.
func (a *Aggregator) fetchTransactions(ctx context.Context, accessToken string, start, end time.Time) ([]plaid.Transaction, error) {
	var txns []plaid.Transaction
	offset := 0
	for {
		page, err := a.fetcher.GetTransactions(ctx, accessToken, start, end, a.opts.PageSize, offset)
		if err != nil {
			return nil, err
		}
		txns = append(txns, page.Transactions...)

		if len(page.Transactions) == 0 || len(page.Transactions) < a.opts.PageSize {
			return txns, nil
		}
		offset += len(page.Transactions)
	}
}
