package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/tradesync/internal/models"
)

func TestParseContract(t *testing.T) {
	now := time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		in      string
		strike  float64
		typ     OptionType
		expiry  time.Time
		wantErr bool
	}{
		{name: "call this year", in: "490C 03/29", strike: 490, typ: Call, expiry: time.Date(2024, 3, 29, 0, 0, 0, 0, time.UTC)},
		{name: "lower case put", in: "155p 4/17", strike: 155, typ: Put, expiry: time.Date(2024, 4, 17, 0, 0, 0, 0, time.UTC)},
		{name: "decimal strike", in: "172.5C 12/20", strike: 172.5, typ: Call, expiry: time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC)},
		{name: "expiry today", in: "500C 03/10", strike: 500, typ: Call, expiry: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)},
		{name: "past date rolls over", in: "500C 01/19", strike: 500, typ: Call, expiry: time.Date(2025, 1, 19, 0, 0, 0, 0, time.UTC)},
		{name: "surrounding text", in: "SPY 490C 03/29 weekly", strike: 490, typ: Call, expiry: time.Date(2024, 3, 29, 0, 0, 0, 0, time.UTC)},
		{name: "missing type", in: "490 03/29", wantErr: true},
		{name: "missing expiry", in: "490C", wantErr: true},
		{name: "bad month", in: "490C 13/01", wantErr: true},
		{name: "bad day", in: "490C 02/30", wantErr: true},
		{name: "zero strike", in: "0C 03/29", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := parseContract(tt.in, now)
			if tt.wantErr {
				var ve *models.ValidationError
				require.True(t, errors.As(err, &ve), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.strike, c.Strike)
			assert.Equal(t, tt.typ, c.Type)
			assert.Equal(t, tt.expiry, c.Expiry)
		})
	}
}

func TestContractString(t *testing.T) {
	c := Contract{Strike: 172.5, Type: Put, Expiry: time.Date(2024, 4, 5, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, "172.5P 04/05", c.String())
}

// The pricing function is a moneyness heuristic for paper fills. These
// cases pin its shape, not any notion of fair value.
func TestOptionPrice(t *testing.T) {
	tests := []struct {
		name     string
		contract Contract
		spot     float64
		want     float64
	}{
		{name: "itm call is intrinsic plus time value", contract: Contract{Strike: 480, Type: Call}, spot: 485, want: 7},
		{name: "otm call decays", contract: Contract{Strike: 490, Type: Call}, spot: 485, want: 2},
		{name: "far otm call", contract: Contract{Strike: 970, Type: Call}, spot: 485, want: 1.81},
		{name: "atm call", contract: Contract{Strike: 485, Type: Call}, spot: 485, want: 2},
		{name: "itm put", contract: Contract{Strike: 160, Type: Put}, spot: 155.5, want: 6.5},
		{name: "otm put", contract: Contract{Strike: 100, Type: Put}, spot: 200, want: 1.90},
		{name: "atm put", contract: Contract{Strike: 200, Type: Put}, spot: 200, want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, OptionPrice(tt.contract, tt.spot), 1e-9)
		})
	}
}

func TestOptionPrice_AtTheMoneyLiesBetweenExtremes(t *testing.T) {
	for _, typ := range []OptionType{Call, Put} {
		t.Run(string(typ), func(t *testing.T) {
			spot := 485.0
			atm := OptionPrice(Contract{Strike: spot, Type: typ}, spot)

			itmStrike, otmStrike := spot*0.5, spot*3
			if typ == Put {
				itmStrike, otmStrike = otmStrike, itmStrike
			}
			deepITM := OptionPrice(Contract{Strike: itmStrike, Type: typ}, spot)
			deepOTM := OptionPrice(Contract{Strike: otmStrike, Type: typ}, spot)

			assert.Greater(t, atm, deepOTM)
			assert.Less(t, atm, deepITM)
			assert.Greater(t, deepOTM, 0.0)
		})
	}
}

func TestOptionPrice_MonotonicInStrike(t *testing.T) {
	spot := 178.45
	prevCall, prevPut := OptionPrice(Contract{Strike: 100, Type: Call}, spot), OptionPrice(Contract{Strike: 100, Type: Put}, spot)
	for strike := 105.0; strike <= 300; strike += 5 {
		call := OptionPrice(Contract{Strike: strike, Type: Call}, spot)
		put := OptionPrice(Contract{Strike: strike, Type: Put}, spot)
		assert.LessOrEqual(t, call, prevCall, "call at %v", strike)
		assert.GreaterOrEqual(t, put, prevPut, "put at %v", strike)
		prevCall, prevPut = call, put
	}
}
