package settlement

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"prxswap/native/amm"
)

var (
	spenderAddr   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	custodianAddr = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	aliceAddr     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bobAddr       = common.HexToAddress("0x0000000000000000000000000000000000000002")
	testPair      = Pair{Native: "PRX", Stable: "USDT"}
)

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(amm.Decimals), nil))
}

// fakeChain models two ERC20 tokens and a constant-product trade contract
// holding the pool reserves at spenderAddr.
type fakeChain struct {
	mu         sync.Mutex
	balances   map[string]map[common.Address]*big.Int
	allowances map[string]*big.Int
	native     map[common.Address]*big.Int
	gasPrice   *big.Int
	calls      []string
	reverts    int
	txSeq      int

	approveCap    *big.Int
	failExecuteOf map[common.Address]error
	failReserves  error
	approveDelay  time.Duration
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		balances:      map[string]map[common.Address]*big.Int{"PRX": {}, "USDT": {}},
		allowances:    map[string]*big.Int{},
		native:        map[common.Address]*big.Int{},
		gasPrice:      big.NewInt(1_000_000_000),
		failExecuteOf: map[common.Address]error{},
	}
}

func (c *fakeChain) fund(token string, addr common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[token][addr] = new(big.Int).Set(amount)
	if _, ok := c.native[addr]; !ok {
		c.native[addr] = units(1)
	}
}

func (c *fakeChain) balance(token string, addr common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balanceLocked(token, addr)
}

func (c *fakeChain) balanceLocked(token string, addr common.Address) *big.Int {
	if v, ok := c.balances[token][addr]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (c *fakeChain) record(call string) {
	c.calls = append(c.calls, call)
}

func (c *fakeChain) callCount(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if strings.HasPrefix(call, prefix) {
			n++
		}
	}
	return n
}

func (c *fakeChain) totalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func allowanceKey(token string, owner, spender common.Address) string {
	return token + "|" + owner.Hex() + "|" + spender.Hex()
}

func (c *fakeChain) nextHash() string {
	c.txSeq++
	return fmt.Sprintf("0x%064x", c.txSeq)
}

func (c *fakeChain) BalanceOf(ctx context.Context, owner common.Address, token string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("balance_of")
	return c.balanceLocked(token, owner), nil
}

func (c *fakeChain) Allowance(ctx context.Context, owner, spender common.Address, token string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("allowance")
	if v, ok := c.allowances[allowanceKey(token, owner, spender)]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (c *fakeChain) Approve(ctx context.Context, owner, spender common.Address, token string, amount *big.Int) (Receipt, error) {
	c.mu.Lock()
	c.record("approve")
	granted := new(big.Int).Set(amount)
	if c.approveCap != nil && granted.Cmp(c.approveCap) > 0 {
		granted.Set(c.approveCap)
	}
	c.allowances[allowanceKey(token, owner, spender)] = granted
	hash := c.nextHash()
	delay := c.approveDelay
	c.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return Receipt{TxHash: hash}, nil
}

// pull moves amount of token from owner to to through the spender allowance,
// reverting like an ERC20 transferFrom would.
func (c *fakeChain) pull(token string, owner, to common.Address, amount *big.Int) error {
	key := allowanceKey(token, owner, spenderAddr)
	allowance := c.allowances[key]
	if allowance == nil || allowance.Cmp(amount) < 0 {
		c.reverts++
		return fmt.Errorf("%w: insufficient allowance", ErrChainReverted)
	}
	bal := c.balanceLocked(token, owner)
	if bal.Cmp(amount) < 0 {
		c.reverts++
		return fmt.Errorf("%w: transfer amount exceeds balance", ErrChainReverted)
	}
	c.allowances[key] = new(big.Int).Sub(allowance, amount)
	c.balances[token][owner] = bal.Sub(bal, amount)
	c.balances[token][to] = new(big.Int).Add(c.balanceLocked(token, to), amount)
	return nil
}

func (c *fakeChain) ExecuteTransfer(ctx context.Context, from, to common.Address, token string, amount *big.Int) (Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("execute_transfer:" + from.Hex())
	if err := c.failExecuteOf[from]; err != nil {
		return Receipt{}, err
	}
	if err := c.pull(token, from, to, amount); err != nil {
		return Receipt{TxHash: c.nextHash()}, err
	}
	return Receipt{TxHash: c.nextHash(), BlockNumber: uint64(c.txSeq)}, nil
}

func (c *fakeChain) ExecuteTrade(ctx context.Context, trader common.Address, side Side, amount *big.Int) (Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("execute_trade:" + string(side))
	if err := c.failExecuteOf[trader]; err != nil {
		return Receipt{}, err
	}
	in, out := "USDT", "PRX"
	if side == SideSell {
		in, out = "PRX", "USDT"
	}
	released, err := amm.AmountOut(c.balanceLocked(in, spenderAddr), c.balanceLocked(out, spenderAddr), amount)
	if err != nil {
		c.reverts++
		return Receipt{}, fmt.Errorf("%w: %v", ErrChainReverted, err)
	}
	if err := c.pull(in, trader, spenderAddr, amount); err != nil {
		return Receipt{TxHash: c.nextHash()}, err
	}
	pool := c.balanceLocked(out, spenderAddr)
	c.balances[out][spenderAddr] = pool.Sub(pool, released)
	c.balances[out][trader] = new(big.Int).Add(c.balanceLocked(out, trader), released)
	return Receipt{TxHash: c.nextHash(), BlockNumber: uint64(c.txSeq)}, nil
}

func (c *fakeChain) QuoteReserves(ctx context.Context) (Reserves, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("quote_reserves")
	if c.failReserves != nil {
		return Reserves{}, c.failReserves
	}
	return Reserves{Native: c.balanceLocked("PRX", spenderAddr), Stable: c.balanceLocked("USDT", spenderAddr)}, nil
}

func (c *fakeChain) GasPrice(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("gas_price")
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *fakeChain) NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("native_balance")
	if v, ok := c.native[owner]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

type fakeLedger struct {
	mu           sync.Mutex
	currencies   map[string]Currency
	users        map[common.Address]string
	locked       map[common.Address]bool
	records      []Record
	cache        map[string]map[string]*big.Int
	samples      []*big.Int
	settled      map[string]bool
	unreconciled []Unreconciled
	failSample   error
	failAppend   func(Record) error
	failJournal  error
	onJournal    func(Unreconciled)
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		currencies: map[string]Currency{
			"PRX":  {ID: "cur-prx", Symbol: "PRX", Name: "Proxym"},
			"USDT": {ID: "cur-usdt", Symbol: "USDT", Name: "Tether USD"},
		},
		users:   map[common.Address]string{aliceAddr: "user-alice", bobAddr: "user-bob"},
		locked:  map[common.Address]bool{},
		cache:   map[string]map[string]*big.Int{},
		settled: map[string]bool{},
	}
}

func (l *fakeLedger) FindCurrency(ctx context.Context, symbol string) (Currency, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.currencies[symbol]
	if !ok {
		return Currency{}, fmt.Errorf("%w: %s", ErrCurrencyNotFound, symbol)
	}
	return cur, nil
}

func (l *fakeLedger) AppendTransaction(ctx context.Context, record Record) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failAppend != nil {
		if err := l.failAppend(record); err != nil {
			return "", err
		}
	}
	if record.IntentID != "" {
		if l.settled[record.IntentID] {
			return "", fmt.Errorf("duplicate intent %s", record.IntentID)
		}
		l.settled[record.IntentID] = true
	}
	l.records = append(l.records, record)
	return fmt.Sprintf("rec-%d", len(l.records)), nil
}

func (l *fakeLedger) ResolveUserByAddress(ctx context.Context, address common.Address) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.users[address]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUserNotFound, address.Hex())
	}
	return id, nil
}

func (l *fakeLedger) UpdateCachedBalance(ctx context.Context, userID, token string, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cache[userID] == nil {
		l.cache[userID] = map[string]*big.Int{}
	}
	l.cache[userID][token] = new(big.Int).Set(amount)
	return nil
}

func (l *fakeLedger) WalletLocked(ctx context.Context, address common.Address) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.users[address]; !ok {
		return false, fmt.Errorf("%w: %s", ErrUserNotFound, address.Hex())
	}
	return l.locked[address], nil
}

func (l *fakeLedger) IntentSettled(ctx context.Context, intentID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settled[intentID], nil
}

func (l *fakeLedger) AppendPriceSample(ctx context.Context, symbol string, price *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failSample != nil {
		return l.failSample
	}
	l.samples = append(l.samples, new(big.Int).Set(price))
	return nil
}

func (l *fakeLedger) RecordUnreconciled(ctx context.Context, entry Unreconciled) error {
	if l.onJournal != nil {
		l.onJournal(entry)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failJournal != nil {
		return l.failJournal
	}
	l.unreconciled = append(l.unreconciled, entry)
	if entry.IntentID != "" {
		l.settled[entry.IntentID] = true
	}
	return nil
}

func (l *fakeLedger) cached(userID, token string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache[userID][token]
}

func (l *fakeLedger) recordCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

type fakePayments struct {
	mu               sync.Mutex
	intents          map[string]*Intent
	seq              int
	usd              []decimal.Decimal
	cards            []CardDetails
	failCreatePayout error
	initialPayout    IntentStatus
}

func newFakePayments() *fakePayments {
	return &fakePayments{intents: map[string]*Intent{}, initialPayout: StatusProcessing}
}

func (p *fakePayments) create(prefix string, usd decimal.Decimal, metadata map[string]string, status IntentStatus) Intent {
	p.seq++
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	id := fmt.Sprintf("%s_%d", prefix, p.seq)
	in := &Intent{ID: id, ClientSecret: id + "_secret", Status: status, Metadata: md}
	p.intents[id] = in
	p.usd = append(p.usd, usd)
	return *in
}

func (p *fakePayments) get(id string) (Intent, error) {
	in, ok := p.intents[id]
	if !ok {
		return Intent{}, fmt.Errorf("no such intent %s", id)
	}
	return *in, nil
}

func (p *fakePayments) CreatePaymentIntent(ctx context.Context, usd decimal.Decimal, metadata map[string]string) (Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.create("pi", usd, metadata, "requires_payment_method"), nil
}

func (p *fakePayments) ConfirmPaymentIntent(ctx context.Context, id string) (Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.get(id)
}

func (p *fakePayments) CreatePayoutIntent(ctx context.Context, usd decimal.Decimal, metadata map[string]string, card CardDetails) (Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCreatePayout != nil {
		return Intent{}, p.failCreatePayout
	}
	p.cards = append(p.cards, card)
	return p.create("po", usd, metadata, p.initialPayout), nil
}

func (p *fakePayments) ConfirmPayoutIntent(ctx context.Context, id string) (Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.get(id)
}

func (p *fakePayments) setStatus(id string, status IntentStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intents[id].Status = status
}

func (p *fakePayments) setMetadata(id, key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intents[id].Metadata[key] = value
}

type harness struct {
	chain    *fakeChain
	ledger   *fakeLedger
	payments *fakePayments
	orch     *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{chain: newFakeChain(), ledger: newFakeLedger(), payments: newFakePayments()}
	h.chain.fund("PRX", spenderAddr, units(1000))
	h.chain.fund("USDT", spenderAddr, units(1000))
	orch, err := New(Config{Pair: testPair, Spender: spenderAddr, Custodian: custodianAddr}, h.chain, h.ledger,
		WithPayments(h.payments),
		WithJournal(h.ledger),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	h.orch = orch
	t.Cleanup(orch.Wait)
	return h
}
