package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"golang.org/x/sync/errgroup"

	"prxswap/observability"
	"prxswap/storage/ledger"
)

const (
	RowDrift        = "balance_drift"
	RowUnreconciled = "unreconciled"

	defaultConcurrency = 8
)

// BalanceReader reads fresh on-chain token balances.
type BalanceReader interface {
	BalanceOf(ctx context.Context, owner common.Address, token string) (*big.Int, error)
}

// Ledger is the slice of the ledger store the auditor reads and repairs.
type Ledger interface {
	ListWallets(ctx context.Context) ([]ledger.Wallet, error)
	CachedBalance(ctx context.Context, userID, token string) (*big.Int, error)
	UpdateCachedBalance(ctx context.Context, userID, token string, amount *big.Int) error
	OpenUnreconciled(ctx context.Context) ([]ledger.UnreconciledSettlement, error)
}

// Config captures the dependencies required to construct an Auditor.
type Config struct {
	Chain       BalanceReader
	Ledger      Ledger
	Tokens      []string
	OutputDir   string
	DryRun      bool
	Concurrency int
	Now         func() time.Time
	Logger      *slog.Logger
}

// Auditor compares cached balances with the chain, rewrites drifted caches
// and reports drift together with the open unreconciled journal.
type Auditor struct {
	chain       BalanceReader
	ledger      Ledger
	tokens      []string
	outputDir   string
	dryRun      bool
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
	metrics     *observability.ReconMetrics
}

// Drift is one cached balance that disagreed with the chain.
type Drift struct {
	UserID  string
	Address common.Address
	Token   string
	Cached  *big.Int
	OnChain *big.Int
	Fixed   bool
}

// Result summarises an audit run.
type Result struct {
	At         time.Time
	Checked    int
	Failed     int
	Drift      []Drift
	Open       []ledger.UnreconciledSettlement
	ReportPath string
}

// NewAuditor builds a configured auditor.
func NewAuditor(cfg Config) (*Auditor, error) {
	if cfg.Chain == nil {
		return nil, errors.New("recon: chain reader is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("recon: ledger is required")
	}
	tokens := make([]string, 0, len(cfg.Tokens))
	for _, token := range cfg.Tokens {
		if t := strings.ToUpper(strings.TrimSpace(token)); t != "" {
			tokens = append(tokens, t)
		}
	}
	if len(tokens) == 0 {
		return nil, errors.New("recon: at least one token is required")
	}
	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join("settlementd-data", "recon")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		chain:       cfg.Chain,
		ledger:      cfg.Ledger,
		tokens:      tokens,
		outputDir:   outputDir,
		dryRun:      cfg.DryRun,
		concurrency: concurrency,
		now:         now,
		logger:      logger,
		metrics:     observability.Recon(),
	}, nil
}

// Run audits every registered wallet once. Individual chain read failures
// are counted and skipped; ledger failures abort the run.
func (a *Auditor) Run(ctx context.Context) (result *Result, err error) {
	at := a.now().UTC()
	result = &Result{At: at}
	drifted := map[string]int{}
	defer func() {
		a.metrics.RecordRun(at, drifted, len(result.Open), err)
	}()

	wallets, err := a.ledger.ListWallets(ctx)
	if err != nil {
		return nil, fmt.Errorf("recon: list wallets: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, wallet := range wallets {
		for _, token := range a.tokens {
			wallet, token := wallet, token
			g.Go(func() error {
				drift, checked, err := a.check(gctx, wallet, token)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				if !checked {
					result.Failed++
					return nil
				}
				result.Checked++
				if drift != nil {
					result.Drift = append(result.Drift, *drift)
					drifted[token]++
				}
				return nil
			})
		}
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}
	for _, token := range a.tokens {
		if _, ok := drifted[token]; !ok {
			drifted[token] = 0
		}
	}
	sort.Slice(result.Drift, func(i, j int) bool {
		if result.Drift[i].UserID != result.Drift[j].UserID {
			return result.Drift[i].UserID < result.Drift[j].UserID
		}
		return result.Drift[i].Token < result.Drift[j].Token
	})

	result.Open, err = a.ledger.OpenUnreconciled(ctx)
	if err != nil {
		return nil, fmt.Errorf("recon: load journal: %w", err)
	}

	if len(result.Drift) > 0 || len(result.Open) > 0 {
		path, werr := a.writeReport(result)
		if werr != nil {
			err = werr
			return nil, err
		}
		result.ReportPath = path
	}
	a.logger.Info("recon: audit finished",
		slog.Int("checked", result.Checked),
		slog.Int("failed", result.Failed),
		slog.Int("drifted", len(result.Drift)),
		slog.Int("open_journal", len(result.Open)),
		slog.String("report", result.ReportPath))
	return result, nil
}

// check compares one cached balance. checked is false when the chain could
// not be read.
func (a *Auditor) check(ctx context.Context, wallet ledger.Wallet, token string) (*Drift, bool, error) {
	onChain, err := a.chain.BalanceOf(ctx, wallet.Address, token)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		a.logger.Warn("recon: balance read failed",
			slog.String("address", wallet.Address.Hex()),
			slog.String("token", token),
			slog.Any("error", err))
		return nil, false, nil
	}
	cached, err := a.ledger.CachedBalance(ctx, wallet.UserID, token)
	if err != nil {
		return nil, false, fmt.Errorf("recon: cached %s balance of %s: %w", token, wallet.UserID, err)
	}
	if cached.Cmp(onChain) == 0 {
		return nil, true, nil
	}
	drift := &Drift{UserID: wallet.UserID, Address: wallet.Address, Token: token, Cached: cached, OnChain: onChain}
	if !a.dryRun {
		if err := a.ledger.UpdateCachedBalance(ctx, wallet.UserID, token, onChain); err != nil {
			return nil, false, fmt.Errorf("recon: rewrite %s balance of %s: %w", token, wallet.UserID, err)
		}
		drift.Fixed = true
	}
	return drift, true, nil
}

type reportRow struct {
	Kind      string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	UserID    string `parquet:"name=user_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Address   string `parquet:"name=address, type=BYTE_ARRAY, convertedtype=UTF8"`
	Token     string `parquet:"name=token, type=BYTE_ARRAY, convertedtype=UTF8"`
	Cached    string `parquet:"name=cached, type=BYTE_ARRAY, convertedtype=UTF8"`
	OnChain   string `parquet:"name=on_chain, type=BYTE_ARRAY, convertedtype=UTF8"`
	Fixed     bool   `parquet:"name=fixed, type=BOOLEAN"`
	Operation string `parquet:"name=operation, type=BYTE_ARRAY, convertedtype=UTF8"`
	Class     string `parquet:"name=class, type=BYTE_ARRAY, convertedtype=UTF8"`
	Stage     string `parquet:"name=stage, type=BYTE_ARRAY, convertedtype=UTF8"`
	Code      string `parquet:"name=code, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount    string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxHash    string `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	FundsAt   string `parquet:"name=funds_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	IntentID  string `parquet:"name=intent_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func reportRows(result *Result) []*reportRow {
	rows := make([]*reportRow, 0, len(result.Drift)+len(result.Open))
	for _, d := range result.Drift {
		rows = append(rows, &reportRow{
			Kind:      RowDrift,
			UserID:    d.UserID,
			Address:   d.Address.Hex(),
			Token:     d.Token,
			Cached:    d.Cached.String(),
			OnChain:   d.OnChain.String(),
			Fixed:     d.Fixed,
			CreatedAt: result.At.Format(time.RFC3339),
		})
	}
	for _, u := range result.Open {
		rows = append(rows, &reportRow{
			Kind:      RowUnreconciled,
			Token:     u.Token,
			Operation: u.Operation,
			Class:     u.Class,
			Stage:     u.Stage,
			Code:      u.Code,
			Amount:    u.Amount,
			TxHash:    u.TxHash,
			FundsAt:   u.FundsAt,
			IntentID:  u.IntentID,
			CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return rows
}

func (a *Auditor) writeReport(result *Result) (string, error) {
	if err := os.MkdirAll(a.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("recon: create output dir: %w", err)
	}
	path := filepath.Join(a.outputDir, fmt.Sprintf("recon-%s.parquet", result.At.Format("20060102T150405Z")))
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(reportRow), 1)
	if err != nil {
		file.Close()
		return "", fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range reportRows(result) {
		if err := pw.Write(row); err != nil {
			file.Close()
			return "", fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return "", fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("recon: close parquet file: %w", err)
	}
	return path, nil
}
