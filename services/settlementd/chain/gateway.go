package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"prxswap/native/settlement"
	"prxswap/observability"
)

// Backend is the subset of the Ethereum RPC used for reads and receipts.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Sender submits transactions from node-managed accounts.
type Sender interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Config describes the contracts the gateway talks to.
type Config struct {
	TradeContract common.Address
	// Tokens maps upper-case symbols to token contracts.
	Tokens       map[string]common.Address
	NativeSymbol string
	StableSymbol string

	GasLimit          uint64
	ReceiptTimeout    time.Duration
	PollInterval      time.Duration
	RequestsPerSecond float64
	ReadRetries       int
}

// Gateway implements settlement.ChainGateway against an EVM node. Reads are
// retried with backoff; writes are submitted once and their receipts polled.
type Gateway struct {
	cfg     Config
	backend Backend
	sender  Sender
	limiter *rate.Limiter
	metrics *observability.ChainMetrics
	logger  *slog.Logger
	closer  func()
}

var _ settlement.ChainGateway = (*Gateway)(nil)

// Dial connects to the node at endpoint.
func Dial(ctx context.Context, endpoint string, cfg Config, logger *slog.Logger) (*Gateway, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	client, err := rpc.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", trimmed, err)
	}
	gw, err := New(ethclient.NewClient(client), client, cfg, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	gw.closer = client.Close
	return gw, nil
}

// New builds a gateway on an existing backend and sender.
func New(backend Backend, sender Sender, cfg Config, logger *slog.Logger) (*Gateway, error) {
	if backend == nil || sender == nil {
		return nil, fmt.Errorf("chain: backend and sender required")
	}
	if cfg.TradeContract == (common.Address{}) {
		return nil, fmt.Errorf("chain: trade contract required")
	}
	tokens := make(map[string]common.Address, len(cfg.Tokens))
	for symbol, addr := range cfg.Tokens {
		tokens[strings.ToUpper(strings.TrimSpace(symbol))] = addr
	}
	cfg.Tokens = tokens
	cfg.NativeSymbol = strings.ToUpper(strings.TrimSpace(cfg.NativeSymbol))
	cfg.StableSymbol = strings.ToUpper(strings.TrimSpace(cfg.StableSymbol))
	for _, symbol := range []string{cfg.NativeSymbol, cfg.StableSymbol} {
		if _, ok := tokens[symbol]; !ok || symbol == "" {
			return nil, fmt.Errorf("chain: token contract for %q required", symbol)
		}
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = settlement.DefaultGasLimit
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ReadRetries <= 0 {
		cfg.ReadRetries = 3
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:     cfg,
		backend: backend,
		sender:  sender,
		limiter: rate.NewLimiter(limit, burst),
		metrics: observability.Chain(),
		logger:  logger,
	}, nil
}

// Close releases the RPC connection when the gateway owns it.
func (g *Gateway) Close() {
	if g != nil && g.closer != nil {
		g.closer()
	}
}

func (g *Gateway) token(symbol string) (common.Address, error) {
	addr, ok := g.cfg.Tokens[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", settlement.ErrUnsupportedCurrency, symbol)
	}
	return addr, nil
}

// BalanceOf reads the token balance of owner.
func (g *Gateway) BalanceOf(ctx context.Context, owner common.Address, token string) (*big.Int, error) {
	addr, err := g.token(token)
	if err != nil {
		return nil, err
	}
	return g.callUint(ctx, "balanceOf", addr, erc20ABI, "balanceOf", owner)
}

// Allowance reads how much of owner's token spender may move.
func (g *Gateway) Allowance(ctx context.Context, owner, spender common.Address, token string) (*big.Int, error) {
	addr, err := g.token(token)
	if err != nil {
		return nil, err
	}
	return g.callUint(ctx, "allowance", addr, erc20ABI, "allowance", owner, spender)
}

// Approve lets spender move amount of owner's token.
func (g *Gateway) Approve(ctx context.Context, owner, spender common.Address, token string, amount *big.Int) (settlement.Receipt, error) {
	addr, err := g.token(token)
	if err != nil {
		return settlement.Receipt{}, err
	}
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return settlement.Receipt{}, fmt.Errorf("pack approve: %w", err)
	}
	return g.transact(ctx, "approve", owner, addr, data)
}

// ExecuteTransfer moves amount of token from one account to another through
// the trade contract.
func (g *Gateway) ExecuteTransfer(ctx context.Context, from, to common.Address, token string, amount *big.Int) (settlement.Receipt, error) {
	var method string
	switch strings.ToUpper(strings.TrimSpace(token)) {
	case g.cfg.NativeSymbol:
		method = "transferToken"
	case g.cfg.StableSymbol:
		method = "transferUSDT"
	default:
		return settlement.Receipt{}, fmt.Errorf("%w: %s", settlement.ErrUnsupportedCurrency, token)
	}
	data, err := tradeABI.Pack(method, from, to, amount)
	if err != nil {
		return settlement.Receipt{}, fmt.Errorf("pack %s: %w", method, err)
	}
	return g.transact(ctx, method, from, g.cfg.TradeContract, data)
}

// ExecuteTrade swaps amount of the spent token for trader.
func (g *Gateway) ExecuteTrade(ctx context.Context, trader common.Address, side settlement.Side, amount *big.Int) (settlement.Receipt, error) {
	var method string
	switch side {
	case settlement.SideBuy:
		method = "buyTokens"
	case settlement.SideSell:
		method = "sellTokens"
	default:
		return settlement.Receipt{}, fmt.Errorf("chain: unknown trade side %q", side)
	}
	data, err := tradeABI.Pack(method, amount)
	if err != nil {
		return settlement.Receipt{}, fmt.Errorf("pack %s: %w", method, err)
	}
	return g.transact(ctx, method, trader, g.cfg.TradeContract, data)
}

// QuoteReserves reads both pool balances held by the trade contract.
func (g *Gateway) QuoteReserves(ctx context.Context) (settlement.Reserves, error) {
	native, err := g.BalanceOf(ctx, g.cfg.TradeContract, g.cfg.NativeSymbol)
	if err != nil {
		return settlement.Reserves{}, err
	}
	stable, err := g.BalanceOf(ctx, g.cfg.TradeContract, g.cfg.StableSymbol)
	if err != nil {
		return settlement.Reserves{}, err
	}
	return settlement.Reserves{Native: native, Stable: stable}, nil
}

// GasPrice returns the node's suggested gas price.
func (g *Gateway) GasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := g.read(ctx, "gas_price", func(ctx context.Context) error {
		var err error
		price, err = g.backend.SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	g.metrics.RecordGasPrice(price)
	return price, nil
}

// NativeBalance returns owner's balance of the chain's gas token.
func (g *Gateway) NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	var balance *big.Int
	err := g.read(ctx, "native_balance", func(ctx context.Context) error {
		var err error
		balance, err = g.backend.BalanceAt(ctx, owner, nil)
		return err
	})
	return balance, err
}

func (g *Gateway) callUint(ctx context.Context, label string, contract common.Address, parsed abi.ABI, method string, args ...interface{}) (*big.Int, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	var out []byte
	err = g.read(ctx, label, func(ctx context.Context) error {
		var err error
		out, err = g.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", settlement.ErrChainTransport, method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%w: decode %s: %d values", settlement.ErrChainTransport, method, len(values))
	}
	return abi.ConvertType(values[0], new(big.Int)).(*big.Int), nil
}

// read runs an idempotent RPC with pacing and retries.
func (g *Gateway) read(ctx context.Context, method string, call func(context.Context) error) error {
	start := time.Now()
	op := func() (struct{}, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, call(ctx)
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 100 * time.Millisecond
	expo.MaxInterval = 2 * time.Second
	_, err := backoff.Retry(ctx, op, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(g.cfg.ReadRetries)))
	g.metrics.ObserveCall(method, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", settlement.ErrChainTransport, method, err)
	}
	return nil
}

type sendArgs struct {
	From     common.Address `json:"from"`
	To       common.Address `json:"to"`
	Gas      hexutil.Uint64 `json:"gas"`
	GasPrice *hexutil.Big   `json:"gasPrice"`
	Data     hexutil.Bytes  `json:"data"`
}

// transact submits a call from a node-managed account and waits for its
// receipt. A submitted call without a receipt is reported as unconfirmed with
// its hash.
func (g *Gateway) transact(ctx context.Context, method string, from, to common.Address, data []byte) (settlement.Receipt, error) {
	price, err := g.GasPrice(ctx)
	if err != nil {
		return settlement.Receipt{}, err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return settlement.Receipt{}, fmt.Errorf("%w: %s: %w", settlement.ErrChainTransport, method, err)
	}
	start := time.Now()
	var hash common.Hash
	err = g.sender.CallContext(ctx, &hash, "eth_sendTransaction", sendArgs{
		From:     from,
		To:       to,
		Gas:      hexutil.Uint64(g.cfg.GasLimit),
		GasPrice: (*hexutil.Big)(price),
		Data:     data,
	})
	g.metrics.ObserveCall(method, time.Since(start), err)
	if err != nil {
		return settlement.Receipt{}, fmt.Errorf("%w: send %s: %w", settlement.ErrChainTransport, method, err)
	}
	g.logger.Info("chain call submitted",
		slog.String("method", method),
		slog.String("from", from.Hex()),
		slog.String("tx_hash", hash.Hex()))
	return g.waitReceipt(ctx, method, hash)
}

func (g *Gateway) waitReceipt(ctx context.Context, method string, hash common.Hash) (settlement.Receipt, error) {
	result := settlement.Receipt{TxHash: hash.Hex()}
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.ReceiptTimeout)
	defer cancel()
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := g.backend.TransactionReceipt(waitCtx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.BlockNumber != nil {
				result.BlockNumber = receipt.BlockNumber.Uint64()
			}
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return result, fmt.Errorf("%w: %s %s", settlement.ErrChainReverted, method, hash.Hex())
			}
			return result, nil
		case err != nil && !errors.Is(err, ethereum.NotFound) && waitCtx.Err() == nil:
			g.logger.Warn("receipt poll failed",
				slog.String("method", method),
				slog.String("tx_hash", hash.Hex()),
				slog.Any("error", err))
		}
		select {
		case <-waitCtx.Done():
			return result, fmt.Errorf("%w: %s %s: %w", settlement.ErrChainUnconfirmed, method, hash.Hex(), waitCtx.Err())
		case <-ticker.C:
		}
	}
}
