package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"prxswap/native/settlement"
)

var (
	tradeAddr  = common.HexToAddress("0x00000000000000000000000000000000000000d0")
	prxAddr    = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	usdtAddr   = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	aliceAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bobAddr    = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	errNodeBad = errors.New("node unavailable")
)

type fakeNode struct {
	mu        sync.Mutex
	balances  map[common.Address]map[common.Address]*big.Int
	allowance *big.Int
	gasPrice  *big.Int
	native    *big.Int
	callFails int
	calls     int
	sendErr   error
	sent      []sendArgs
	status    uint64
	mined     bool
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		balances:  map[common.Address]map[common.Address]*big.Int{},
		allowance: big.NewInt(0),
		gasPrice:  big.NewInt(10),
		native:    big.NewInt(1_000_000),
		status:    gethtypes.ReceiptStatusSuccessful,
		mined:     true,
	}
}

func (n *fakeNode) setBalance(token, owner common.Address, amount int64) {
	if n.balances[token] == nil {
		n.balances[token] = map[common.Address]*big.Int{}
	}
	n.balances[token][owner] = big.NewInt(amount)
}

func (n *fakeNode) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.callFails > 0 {
		n.callFails--
		return nil, errNodeBad
	}
	method, err := erc20ABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "balanceOf":
		value := n.balances[*msg.To][args[0].(common.Address)]
		if value == nil {
			value = big.NewInt(0)
		}
		return method.Outputs.Pack(value)
	case "allowance":
		return method.Outputs.Pack(n.allowance)
	}
	return nil, errors.New("unexpected call " + method.Name)
}

func (n *fakeNode) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return n.native, nil
}

func (n *fakeNode) SuggestGasPrice(context.Context) (*big.Int, error) {
	return n.gasPrice, nil
}

func (n *fakeNode) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.mined {
		return nil, ethereum.NotFound
	}
	return &gethtypes.Receipt{Status: n.status, TxHash: hash, BlockNumber: big.NewInt(42)}, nil
}

func (n *fakeNode) CallContext(_ context.Context, result interface{}, method string, args ...interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if method != "eth_sendTransaction" {
		return errors.New("unexpected method " + method)
	}
	if n.sendErr != nil {
		return n.sendErr
	}
	n.sent = append(n.sent, args[0].(sendArgs))
	*result.(*common.Hash) = common.BigToHash(big.NewInt(int64(len(n.sent))))
	return nil
}

func newGateway(t *testing.T, node *fakeNode) *Gateway {
	t.Helper()
	gw, err := New(node, node, Config{
		TradeContract:  tradeAddr,
		Tokens:         map[string]common.Address{"prx": prxAddr, "USDT": usdtAddr},
		NativeSymbol:   "PRX",
		StableSymbol:   "usdt",
		GasLimit:       500_000,
		ReceiptTimeout: 50 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		ReadRetries:    3,
	}, nil)
	require.NoError(t, err)
	return gw
}

func TestReadsDecodeContractResults(t *testing.T) {
	node := newFakeNode()
	node.setBalance(prxAddr, aliceAddr, 40)
	node.setBalance(prxAddr, tradeAddr, 1000)
	node.setBalance(usdtAddr, tradeAddr, 2500)
	node.allowance = big.NewInt(7)
	gw := newGateway(t, node)
	ctx := context.Background()

	bal, err := gw.BalanceOf(ctx, aliceAddr, "prx")
	require.NoError(t, err)
	require.Equal(t, "40", bal.String())

	allowance, err := gw.Allowance(ctx, aliceAddr, tradeAddr, "USDT")
	require.NoError(t, err)
	require.Equal(t, "7", allowance.String())

	reserves, err := gw.QuoteReserves(ctx)
	require.NoError(t, err)
	require.Equal(t, "1000", reserves.Native.String())
	require.Equal(t, "2500", reserves.Stable.String())

	_, err = gw.BalanceOf(ctx, aliceAddr, "BTC")
	require.ErrorIs(t, err, settlement.ErrUnsupportedCurrency)
}

func TestReadsRetryTransientFailures(t *testing.T) {
	node := newFakeNode()
	node.setBalance(prxAddr, aliceAddr, 5)
	node.callFails = 2
	gw := newGateway(t, node)

	bal, err := gw.BalanceOf(context.Background(), aliceAddr, "PRX")
	require.NoError(t, err)
	require.Equal(t, "5", bal.String())
	require.Equal(t, 3, node.calls)
}

func TestReadsGiveUpAsTransportFailure(t *testing.T) {
	node := newFakeNode()
	node.callFails = 10
	gw := newGateway(t, node)

	_, err := gw.BalanceOf(context.Background(), aliceAddr, "PRX")
	require.ErrorIs(t, err, settlement.ErrChainTransport)
	require.Equal(t, 3, node.calls)
}

func TestApproveSubmitsFromOwner(t *testing.T) {
	node := newFakeNode()
	gw := newGateway(t, node)

	receipt, err := gw.Approve(context.Background(), aliceAddr, tradeAddr, "PRX", big.NewInt(40))
	require.NoError(t, err)
	require.Equal(t, common.BigToHash(big.NewInt(1)).Hex(), receipt.TxHash)
	require.EqualValues(t, 42, receipt.BlockNumber)

	require.Len(t, node.sent, 1)
	sent := node.sent[0]
	require.Equal(t, aliceAddr, sent.From)
	require.Equal(t, prxAddr, sent.To)
	require.EqualValues(t, 500_000, sent.Gas)
	require.Equal(t, "10", sent.GasPrice.ToInt().String())
	method, err := erc20ABI.MethodById(sent.Data[:4])
	require.NoError(t, err)
	require.Equal(t, "approve", method.Name)
}

func TestExecuteTransferPicksContractMethod(t *testing.T) {
	node := newFakeNode()
	gw := newGateway(t, node)
	ctx := context.Background()

	_, err := gw.ExecuteTransfer(ctx, aliceAddr, bobAddr, "PRX", big.NewInt(1))
	require.NoError(t, err)
	_, err = gw.ExecuteTransfer(ctx, aliceAddr, bobAddr, "usdt", big.NewInt(1))
	require.NoError(t, err)
	_, err = gw.ExecuteTrade(ctx, aliceAddr, settlement.SideSell, big.NewInt(1))
	require.NoError(t, err)

	names := make([]string, 0, len(node.sent))
	for _, sent := range node.sent {
		require.Equal(t, tradeAddr, sent.To)
		method, err := tradeABI.MethodById(sent.Data[:4])
		require.NoError(t, err)
		names = append(names, method.Name)
	}
	require.Equal(t, []string{"transferToken", "transferUSDT", "sellTokens"}, names)

	_, err = gw.ExecuteTransfer(ctx, aliceAddr, bobAddr, "ETH", big.NewInt(1))
	require.ErrorIs(t, err, settlement.ErrUnsupportedCurrency)
}

func TestRevertedReceipt(t *testing.T) {
	node := newFakeNode()
	node.status = gethtypes.ReceiptStatusFailed
	gw := newGateway(t, node)

	receipt, err := gw.ExecuteTrade(context.Background(), aliceAddr, settlement.SideBuy, big.NewInt(1))
	require.ErrorIs(t, err, settlement.ErrChainReverted)
	require.NotEmpty(t, receipt.TxHash)
}

func TestMissingReceiptIsUnconfirmed(t *testing.T) {
	node := newFakeNode()
	node.mined = false
	gw := newGateway(t, node)

	receipt, err := gw.ExecuteTrade(context.Background(), aliceAddr, settlement.SideBuy, big.NewInt(1))
	require.ErrorIs(t, err, settlement.ErrChainUnconfirmed)
	require.Equal(t, common.BigToHash(big.NewInt(1)).Hex(), receipt.TxHash)
}

func TestSendFailureIsTransport(t *testing.T) {
	node := newFakeNode()
	node.sendErr = errNodeBad
	gw := newGateway(t, node)

	receipt, err := gw.Approve(context.Background(), aliceAddr, tradeAddr, "USDT", big.NewInt(1))
	require.ErrorIs(t, err, settlement.ErrChainTransport)
	require.ErrorIs(t, err, errNodeBad)
	require.Empty(t, receipt.TxHash)
}

func TestNewValidatesTokens(t *testing.T) {
	node := newFakeNode()
	_, err := New(node, node, Config{TradeContract: tradeAddr, NativeSymbol: "PRX", StableSymbol: "USDT"}, nil)
	require.Error(t, err)
	_, err = New(node, node, Config{Tokens: map[string]common.Address{"PRX": prxAddr, "USDT": usdtAddr}, NativeSymbol: "PRX", StableSymbol: "USDT"}, nil)
	require.Error(t, err)
}
