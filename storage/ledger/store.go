package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"prxswap/native/settlement"
)

var (
	// ErrDuplicateCurrency is returned when a symbol or name is already registered.
	ErrDuplicateCurrency = errors.New("ledger: currency already exists")
	// ErrDuplicateUser is returned when a wallet address is already linked.
	ErrDuplicateUser = errors.New("ledger: wallet already registered")
	// ErrUnknownDriver is returned for database drivers other than sqlite and postgres.
	ErrUnknownDriver = errors.New("ledger: unknown database driver")
	// ErrInvalidID is returned for identifiers that are not UUIDs.
	ErrInvalidID = errors.New("ledger: invalid id")
	// ErrInvalidEmail is returned when a user's email does not parse.
	ErrInvalidEmail = errors.New("ledger: invalid email")
	// ErrJournalEntryNotFound is returned when resolving an unknown journal entry.
	ErrJournalEntryNotFound = errors.New("ledger: journal entry not found")
)

// Config selects the backing database.
type Config struct {
	Driver string
	DSN    string
	// Verbose enables gorm SQL logging.
	Verbose bool
}

// Store implements the settlement ledger and journal on gorm.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var (
	_ settlement.LedgerGateway = (*Store)(nil)
	_ settlement.Journal       = (*Store)(nil)
)

// Open connects to the configured database and migrates the schema.
func Open(cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite":
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, ErrPathRequired
		}
		dialector = sqlite.Open(cfg.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	gcfg := &gorm.Config{TranslateError: true, Logger: logger.Default.LogMode(logger.Silent)}
	if cfg.Verbose {
		gcfg.Logger = logger.Default.LogMode(logger.Info)
	}
	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}
	if _, ok := dialector.(*sqlite.Dialector); ok {
		// SQLite allows one writer; a single connection serializes access.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("ledger: open database: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return New(db), nil
}

// New wraps an already migrated database.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB exposes the underlying handle for tooling.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func addressKey(address common.Address) string {
	return strings.ToLower(address.Hex())
}

func parseID(raw, what string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s %q: %v", ErrInvalidID, what, raw, err)
	}
	return id, nil
}

func toCurrency(c Currency) settlement.Currency {
	return settlement.Currency{ID: c.ID.String(), Symbol: c.Symbol, Name: c.Name, CreatedAt: c.CreatedAt}
}

// FindCurrency looks a currency up by symbol.
func (s *Store) FindCurrency(ctx context.Context, symbol string) (settlement.Currency, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var c Currency
	err := s.db.WithContext(ctx).Where("symbol = ?", symbol).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return settlement.Currency{}, fmt.Errorf("%w: %s", settlement.ErrCurrencyNotFound, symbol)
	}
	if err != nil {
		return settlement.Currency{}, fmt.Errorf("ledger: find currency %s: %w", symbol, err)
	}
	return toCurrency(c), nil
}

// CreateCurrency registers a currency. Symbols and names must be unique.
func (s *Store) CreateCurrency(ctx context.Context, symbol, name string) (settlement.Currency, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	name = strings.TrimSpace(name)
	if symbol == "" || name == "" {
		return settlement.Currency{}, errors.New("ledger: currency symbol and name required")
	}
	c := Currency{ID: uuid.New(), Symbol: symbol, Name: name, CreatedAt: s.now().UTC()}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Currency{}).Where("symbol = ? OR name = ?", symbol, name).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s (%s)", ErrDuplicateCurrency, symbol, name)
		}
		return tx.Create(&c).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return settlement.Currency{}, fmt.Errorf("%w: %s (%s)", ErrDuplicateCurrency, symbol, name)
	}
	if err != nil {
		return settlement.Currency{}, err
	}
	return toCurrency(c), nil
}

// ListCurrencies returns every registered currency ordered by symbol.
func (s *Store) ListCurrencies(ctx context.Context) ([]settlement.Currency, error) {
	var rows []Currency
	if err := s.db.WithContext(ctx).Order("symbol").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("ledger: list currencies: %w", err)
	}
	out := make([]settlement.Currency, 0, len(rows))
	for _, c := range rows {
		out = append(out, toCurrency(c))
	}
	return out, nil
}

// RegisterUser links a new user to address and returns the user id.
func (s *Store) RegisterUser(ctx context.Context, email string, address common.Address) (string, error) {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return "", err
	}
	u := User{ID: uuid.New(), Email: normalized, WalletAddress: addressKey(address)}
	err = s.db.WithContext(ctx).Create(&u).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return "", fmt.Errorf("%w: %s", ErrDuplicateUser, address.Hex())
	}
	if err != nil {
		return "", fmt.Errorf("ledger: register user: %w", err)
	}
	return u.ID.String(), nil
}

// normalizeEmail lower-cases and NFKC-folds email so lookalike spellings of
// one address are stored identically.
func normalizeEmail(email string) (string, error) {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEmail)
	}
	normalized := norm.NFKC.String(strings.ToLower(trimmed))
	parsed, err := mail.ParseAddress(normalized)
	if err != nil || parsed.Address != normalized {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, trimmed)
	}
	return normalized, nil
}

func (s *Store) userByAddress(ctx context.Context, address common.Address) (User, error) {
	var u User
	err := s.db.WithContext(ctx).Where("wallet_address = ?", addressKey(address)).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, fmt.Errorf("%w: %s", settlement.ErrUserNotFound, address.Hex())
	}
	if err != nil {
		return User{}, fmt.Errorf("ledger: resolve %s: %w", address.Hex(), err)
	}
	return u, nil
}

// ResolveUserByAddress returns the user id linked to address.
func (s *Store) ResolveUserByAddress(ctx context.Context, address common.Address) (string, error) {
	u, err := s.userByAddress(ctx, address)
	if err != nil {
		return "", err
	}
	return u.ID.String(), nil
}

// AddressOf returns the wallet linked to userID.
func (s *Store) AddressOf(ctx context.Context, userID string) (common.Address, error) {
	id, err := parseID(userID, "user")
	if err != nil {
		return common.Address{}, err
	}
	var u User
	err = s.db.WithContext(ctx).First(&u, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return common.Address{}, fmt.Errorf("%w: %s", settlement.ErrUserNotFound, userID)
	}
	if err != nil {
		return common.Address{}, fmt.Errorf("ledger: load user %s: %w", userID, err)
	}
	return common.HexToAddress(u.WalletAddress), nil
}

// WalletLocked reports the lock flag of the wallet at address.
func (s *Store) WalletLocked(ctx context.Context, address common.Address) (bool, error) {
	u, err := s.userByAddress(ctx, address)
	if err != nil {
		return false, err
	}
	return u.WalletLocked, nil
}

// SetWalletLocked freezes or unfreezes outbound settlement from a wallet.
func (s *Store) SetWalletLocked(ctx context.Context, userID string, locked bool) error {
	id, err := parseID(userID, "user")
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Update("wallet_locked", locked)
	if res.Error != nil {
		return fmt.Errorf("ledger: set wallet lock: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", settlement.ErrUserNotFound, userID)
	}
	return nil
}

// UpdateCachedBalance overwrites the cached balance of token for userID.
func (s *Store) UpdateCachedBalance(ctx context.Context, userID, token string, amount *big.Int) error {
	id, err := parseID(userID, "user")
	if err != nil {
		return err
	}
	if amount == nil {
		amount = new(big.Int)
	}
	row := Balance{UserID: id, Symbol: strings.ToUpper(strings.TrimSpace(token)), Amount: amount.String(), UpdatedAt: s.now().UTC()}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"amount", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("ledger: cache balance: %w", err)
	}
	return nil
}

// CachedBalance returns the cached balance of token for userID, or zero when
// nothing has been cached yet.
func (s *Store) CachedBalance(ctx context.Context, userID, token string) (*big.Int, error) {
	id, err := parseID(userID, "user")
	if err != nil {
		return nil, err
	}
	var row Balance
	err = s.db.WithContext(ctx).Where("user_id = ? AND symbol = ?", id, strings.ToUpper(strings.TrimSpace(token))).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: load cached balance: %w", err)
	}
	v, ok := new(big.Int).SetString(row.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: corrupt cached balance %q", row.Amount)
	}
	return v, nil
}

// Wallet is one user and address pair.
type Wallet struct {
	UserID  string
	Address common.Address
}

// ListWallets returns every registered wallet.
func (s *Store) ListWallets(ctx context.Context) ([]Wallet, error) {
	var users []User
	if err := s.db.WithContext(ctx).Order("created_at").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("ledger: list wallets: %w", err)
	}
	out := make([]Wallet, 0, len(users))
	for _, u := range users {
		out = append(out, Wallet{UserID: u.ID.String(), Address: common.HexToAddress(u.WalletAddress)})
	}
	return out, nil
}

// AppendTransaction writes an append-only transaction record. A second record
// for one processor intent is rejected with ErrIntentAlreadySettled.
func (s *Store) AppendTransaction(ctx context.Context, record settlement.Record) (string, error) {
	row, err := s.transactionRow(record)
	if err != nil {
		return "", err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if row.IntentID != nil {
			settled, err := intentSettled(tx, *row.IntentID)
			if err != nil {
				return err
			}
			if settled {
				return fmt.Errorf("%w: %s", settlement.ErrIntentAlreadySettled, *row.IntentID)
			}
		}
		return tx.Create(&row).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return "", fmt.Errorf("%w: %s", settlement.ErrIntentAlreadySettled, record.IntentID)
	}
	if err != nil {
		return "", fmt.Errorf("ledger: append transaction: %w", err)
	}
	return row.ID.String(), nil
}

func (s *Store) transactionRow(record settlement.Record) (Transaction, error) {
	if record.SpentAmount == nil {
		return Transaction{}, errors.New("ledger: spent amount required")
	}
	spentCurrency, err := parseID(record.SpentCurrencyID, "currency")
	if err != nil {
		return Transaction{}, err
	}
	sender, err := parseID(record.SenderID, "sender")
	if err != nil {
		return Transaction{}, err
	}
	row := Transaction{
		ID:              uuid.New(),
		Kind:            string(record.Kind),
		SpentAmount:     record.SpentAmount.String(),
		SpentCurrencyID: spentCurrency,
		TxHash:          record.TxHash,
		SenderID:        sender,
		Reversal:        record.Reversal,
		CreatedAt:       s.now().UTC(),
	}
	if record.ReceivedAmount != nil {
		v := record.ReceivedAmount.String()
		row.ReceivedAmount = &v
	}
	if record.ReceivedCurrencyID != "" {
		id, err := parseID(record.ReceivedCurrencyID, "currency")
		if err != nil {
			return Transaction{}, err
		}
		row.ReceivedCurrencyID = &id
	}
	if record.ReceiverID != "" {
		id, err := parseID(record.ReceiverID, "receiver")
		if err != nil {
			return Transaction{}, err
		}
		row.ReceiverID = &id
	}
	if record.Direction != "" {
		d := string(record.Direction)
		row.Direction = &d
	}
	if intent := strings.TrimSpace(record.IntentID); intent != "" {
		row.IntentID = &intent
	}
	return row, nil
}

func intentSettled(tx *gorm.DB, intentID string) (bool, error) {
	var recorded int64
	if err := tx.Model(&Transaction{}).Where("intent_id = ?", intentID).Count(&recorded).Error; err != nil {
		return false, err
	}
	if recorded > 0 {
		return true, nil
	}
	var journaled int64
	if err := tx.Model(&UnreconciledSettlement{}).Where("intent_id = ?", intentID).Count(&journaled).Error; err != nil {
		return false, err
	}
	return journaled > 0, nil
}

// IntentSettled reports whether a processor intent was already consumed,
// either by a recorded payment or by a journaled failure.
func (s *Store) IntentSettled(ctx context.Context, intentID string) (bool, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return false, nil
	}
	settled, err := intentSettled(s.db.WithContext(ctx), intentID)
	if err != nil {
		return false, fmt.Errorf("ledger: intent lookup: %w", err)
	}
	return settled, nil
}

// ListTransactionsByUser returns the user's records as sender or receiver,
// newest first.
func (s *Store) ListTransactionsByUser(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	id, err := parseID(userID, "user")
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []Transaction
	err = s.db.WithContext(ctx).
		Where("sender_id = ? OR receiver_id = ?", id, id).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: list transactions: %w", err)
	}
	return rows, nil
}

// AppendPriceSample stores a spot price observation.
func (s *Store) AppendPriceSample(ctx context.Context, symbol string, price *big.Int) error {
	if price == nil {
		return errors.New("ledger: price required")
	}
	row := PriceSample{Symbol: strings.ToUpper(strings.TrimSpace(symbol)), Price: price.String(), CreatedAt: s.now().UTC()}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("ledger: append price sample: %w", err)
	}
	return nil
}

// PricePoint is one entry of the price history.
type PricePoint struct {
	Symbol string
	Price  *big.Int
	At     time.Time
}

// ListPriceHistory returns up to limit samples for symbol, newest first.
func (s *Store) ListPriceHistory(ctx context.Context, symbol string, limit int) ([]PricePoint, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []PriceSample
	err := s.db.WithContext(ctx).
		Where("symbol = ?", strings.ToUpper(strings.TrimSpace(symbol))).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: list price history: %w", err)
	}
	out := make([]PricePoint, 0, len(rows))
	for _, row := range rows {
		v, ok := new(big.Int).SetString(row.Price, 10)
		if !ok {
			return nil, fmt.Errorf("ledger: corrupt price sample %d", row.ID)
		}
		out = append(out, PricePoint{Symbol: row.Symbol, Price: v, At: row.CreatedAt})
	}
	return out, nil
}

// RecordUnreconciled journals a settlement that needs operator attention.
func (s *Store) RecordUnreconciled(ctx context.Context, entry settlement.Unreconciled) error {
	at := entry.At
	if at.IsZero() {
		at = s.now().UTC()
	}
	row := UnreconciledSettlement{
		ID:        uuid.New(),
		Operation: entry.Operation,
		Class:     string(entry.Class),
		Stage:     string(entry.Stage),
		Code:      entry.Code,
		Token:     entry.Token,
		Amount:    entry.Amount,
		TxHash:    entry.TxHash,
		FundsAt:   entry.FundsAt,
		IntentID:  strings.TrimSpace(entry.IntentID),
		Detail:    entry.Detail,
		CreatedAt: at,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("ledger: journal unreconciled: %w", err)
	}
	return nil
}

// OpenUnreconciled returns journal entries not yet resolved, oldest first.
func (s *Store) OpenUnreconciled(ctx context.Context) ([]UnreconciledSettlement, error) {
	var rows []UnreconciledSettlement
	if err := s.db.WithContext(ctx).Where("resolved = ?", false).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("ledger: list unreconciled: %w", err)
	}
	return rows, nil
}

// ResolveUnreconciled marks a journal entry as handled. The intent it names
// stays consumed.
func (s *Store) ResolveUnreconciled(ctx context.Context, id string) error {
	entryID, err := parseID(id, "journal")
	if err != nil {
		return err
	}
	now := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&UnreconciledSettlement{}).Where("id = ?", entryID).
		Updates(map[string]any{"resolved": true, "resolved_at": now})
	if res.Error != nil {
		return fmt.Errorf("ledger: resolve unreconciled: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrJournalEntryNotFound, id)
	}
	return nil
}
