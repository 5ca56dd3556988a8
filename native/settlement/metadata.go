package settlement

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// MetadataVersion is the current intent metadata schema. Intents carrying any
// other version are rejected before tokens move.
const MetadataVersion = "1"

// FiatDirection tags which side of the fiat bridge an intent belongs to.
type FiatDirection string

const (
	FiatBuy  FiatDirection = "buy"
	FiatSell FiatDirection = "sell"
)

const (
	metaVersion   = "prx_schema"
	metaDirection = "prx_direction"
	metaUser      = "prx_user_id"
	metaAddress   = "prx_address"
	metaCurrency  = "prx_currency"
	metaAmount    = "prx_amount_wei"
	metaUSD       = "prx_usd"
	metaDebitTx   = "prx_debit_tx"
)

// IntentMetadata is everything needed to finish a fiat bridge settlement from
// the processor callback alone.
type IntentMetadata struct {
	Version   string
	Direction FiatDirection
	UserID    string
	Address   common.Address
	Currency  string
	Amount    *big.Int
	USD       decimal.Decimal
	DebitTx   string
}

// Encode renders the metadata as processor key/value pairs.
func (m IntentMetadata) Encode() map[string]string {
	version := m.Version
	if version == "" {
		version = MetadataVersion
	}
	out := map[string]string{
		metaVersion:   version,
		metaDirection: string(m.Direction),
		metaUser:      m.UserID,
		metaAddress:   m.Address.Hex(),
		metaCurrency:  normalizeSymbol(m.Currency),
		metaUSD:       m.USD.String(),
	}
	if m.Amount != nil {
		out[metaAmount] = m.Amount.String()
	}
	if m.DebitTx != "" {
		out[metaDebitTx] = m.DebitTx
	}
	return out
}

// DecodeIntentMetadata parses processor metadata. Unknown keys are ignored so
// the processor may attach its own.
func DecodeIntentMetadata(raw map[string]string) (IntentMetadata, error) {
	var m IntentMetadata
	m.Version = strings.TrimSpace(raw[metaVersion])
	if m.Version != MetadataVersion {
		return m, fmt.Errorf("%w: %q", ErrMetadataVersion, m.Version)
	}
	m.Direction = FiatDirection(strings.TrimSpace(raw[metaDirection]))
	if m.Direction != FiatBuy && m.Direction != FiatSell {
		return m, fmt.Errorf("%w: direction %q", ErrMetadataInvalid, m.Direction)
	}
	m.UserID = strings.TrimSpace(raw[metaUser])
	if m.UserID == "" {
		return m, fmt.Errorf("%w: user id missing", ErrMetadataInvalid)
	}
	addr := strings.TrimSpace(raw[metaAddress])
	if !common.IsHexAddress(addr) {
		return m, fmt.Errorf("%w: address %q", ErrMetadataInvalid, addr)
	}
	m.Address = common.HexToAddress(addr)
	m.Currency = normalizeSymbol(raw[metaCurrency])
	if m.Currency == "" {
		return m, fmt.Errorf("%w: currency missing", ErrMetadataInvalid)
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw[metaAmount]), 10)
	if !ok || amount.Sign() <= 0 {
		return m, fmt.Errorf("%w: amount %q", ErrMetadataInvalid, raw[metaAmount])
	}
	m.Amount = amount
	usd, err := decimal.NewFromString(strings.TrimSpace(raw[metaUSD]))
	if err != nil {
		return m, fmt.Errorf("%w: usd %q", ErrMetadataInvalid, raw[metaUSD])
	}
	m.USD = usd
	m.DebitTx = strings.TrimSpace(raw[metaDebitTx])
	if m.Direction == FiatSell && m.DebitTx == "" {
		return m, fmt.Errorf("%w: sell intent without debit transaction", ErrMetadataInvalid)
	}
	return m, nil
}
