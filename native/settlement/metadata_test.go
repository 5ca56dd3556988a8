package settlement

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func sampleSellMetadata() IntentMetadata {
	return IntentMetadata{
		Version:   MetadataVersion,
		Direction: FiatSell,
		UserID:    "user-alice",
		Address:   aliceAddr,
		Currency:  "prx",
		Amount:    units(40),
		USD:       decimal.RequireFromString("38.46"),
		DebitTx:   "0xabc",
	}
}

func TestIntentMetadataDecodeRestoresFields(t *testing.T) {
	raw := sampleSellMetadata().Encode()
	raw["processor_note"] = "ignored"

	md, err := DecodeIntentMetadata(raw)
	require.NoError(t, err)
	require.Equal(t, FiatSell, md.Direction)
	require.Equal(t, "PRX", md.Currency)
	require.Equal(t, aliceAddr, md.Address)
	require.Equal(t, 0, md.Amount.Cmp(units(40)))
	require.True(t, md.USD.Equal(decimal.RequireFromString("38.46")))
	require.Equal(t, "0xabc", md.DebitTx)
}

func TestIntentMetadataRejectsMalformed(t *testing.T) {
	cases := map[string]struct {
		mutate func(map[string]string)
		want   error
	}{
		"missing schema":    {func(m map[string]string) { delete(m, metaVersion) }, ErrMetadataVersion},
		"future schema":     {func(m map[string]string) { m[metaVersion] = "2" }, ErrMetadataVersion},
		"bad address":       {func(m map[string]string) { m[metaAddress] = "not-an-address" }, ErrMetadataInvalid},
		"zero amount":       {func(m map[string]string) { m[metaAmount] = "0" }, ErrMetadataInvalid},
		"no user":           {func(m map[string]string) { m[metaUser] = " " }, ErrMetadataInvalid},
		"bad usd":           {func(m map[string]string) { m[metaUSD] = "lots" }, ErrMetadataInvalid},
		"sell without tx":   {func(m map[string]string) { delete(m, metaDebitTx) }, ErrMetadataInvalid},
		"unknown direction": {func(m map[string]string) { m[metaDirection] = "swap" }, ErrMetadataInvalid},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			raw := sampleSellMetadata().Encode()
			tc.mutate(raw)
			_, err := DecodeIntentMetadata(raw)
			if !errors.Is(err, tc.want) {
				t.Fatalf("decode error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestBuyMetadataNeedsNoDebitTx(t *testing.T) {
	md := sampleSellMetadata()
	md.Direction = FiatBuy
	md.DebitTx = ""
	raw := md.Encode()
	_, ok := raw[metaDebitTx]
	require.False(t, ok)

	_, err := DecodeIntentMetadata(raw)
	require.NoError(t, err)
}
