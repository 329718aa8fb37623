package ledger

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/tradesync/internal/models"
)

// OptionType is call or put.
type OptionType string

const (
	Call OptionType = "call"
	Put  OptionType = "put"
)

// Pricing constants for synthetic option fills. The approximation is a
// moneyness heuristic for paper trading, not a valuation model.
const (
	timeValue = 2.0
	decayRate = 0.1
)

var contractPattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*([CP])\s+(\d{1,2})/(\d{1,2})`)

// Contract is a parsed compact option description such as "490C 03/29".
type Contract struct {
	Strike float64
	Type   OptionType
	Expiry time.Time
}

func (c Contract) String() string {
	kind := "C"
	if c.Type == Put {
		kind = "P"
	}
	return fmt.Sprintf("%s%s %s", strconv.FormatFloat(c.Strike, 'f', -1, 64), kind, c.Expiry.Format("01/02"))
}

// ParseContract parses "<strike><C|P> <MM>/<DD>". The expiry falls in the
// current year, or the next one if that date has already passed.
func ParseContract(details string) (Contract, error) {
	return parseContract(details, time.Now())
}

func parseContract(details string, now time.Time) (Contract, error) {
	m := contractPattern.FindStringSubmatch(details)
	if m == nil {
		return Contract{}, models.NewValidationError("optionDetails %q must look like \"490C 03/29\"", details)
	}
	strike, err := strconv.ParseFloat(m[1], 64)
	if err != nil || strike <= 0 {
		return Contract{}, models.NewValidationError("optionDetails strike must be positive")
	}
	month, _ := strconv.Atoi(m[3])
	day, _ := strconv.Atoi(m[4])

	now = now.UTC()
	expiry, ok := calendarDate(now.Year(), month, day)
	if !ok {
		return Contract{}, models.NewValidationError("optionDetails expiry %s/%s is not a calendar date", m[3], m[4])
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if expiry.Before(today) {
		if next, ok := calendarDate(now.Year()+1, month, day); ok {
			expiry = next
		}
	}

	typ := Call
	if strings.EqualFold(m[2], "P") {
		typ = Put
	}
	return Contract{Strike: strike, Type: typ, Expiry: expiry}, nil
}

// calendarDate rejects dates that time.Date would normalize, such as 02/30.
func calendarDate(year, month, day int) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

// OptionPrice approximates a premium from moneyness alone. In the money:
// intrinsic value plus a flat time value. At or out of the money: the time
// value decays exponentially with the distance from the strike relative to
// spot. Results are rounded to cents.
func OptionPrice(c Contract, spot float64) float64 {
	var intrinsic float64
	switch c.Type {
	case Put:
		intrinsic = c.Strike - spot
	default:
		intrinsic = spot - c.Strike
	}

	var price float64
	if intrinsic > 0 {
		price = intrinsic + timeValue
	} else {
		price = timeValue * math.Exp(-decayRate*math.Abs(c.Strike-spot)/spot)
	}
	return decimal.NewFromFloat(price).Round(2).InexactFloat64()
}
