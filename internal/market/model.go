package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

var ErrUnknownPairType = errors.New("market: unknown pair type")

// PairType is the kind of instrument a trading pair belongs to.
type PairType uint8

const (
	Spot PairType = iota
	LinearFutures
	InverseFutures
	Option
)

// AllPairTypes lists every supported type in display order.
var AllPairTypes = []PairType{Spot, LinearFutures, InverseFutures, Option}

// DefaultPairTypes is queried when a filter names no type.
var DefaultPairTypes = []PairType{Spot, LinearFutures, Option}

func (t PairType) String() string {
	switch t {
	case Spot:
		return "Spot"
	case LinearFutures:
		return "LinearFutures"
	case InverseFutures:
		return "InverseFutures"
	case Option:
		return "Option"
	default:
		return fmt.Sprintf("PairType(%d)", uint8(t))
	}
}

// Category is the Bybit v5 category of the type.
func (t PairType) Category() string {
	switch t {
	case LinearFutures:
		return "linear"
	case InverseFutures:
		return "inverse"
	case Option:
		return "option"
	default:
		return "spot"
	}
}

func (t PairType) Valid() bool {
	return t <= Option
}

// ParsePairType accepts a type name or a Bybit category, case-insensitively.
func ParsePairType(s string) (PairType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "spot":
		return Spot, nil
	case "linearfutures", "linear", "futures":
		return LinearFutures, nil
	case "inversefutures", "inverse":
		return InverseFutures, nil
	case "option", "options":
		return Option, nil
	default:
		return 0, errors.Wrap(ErrUnknownPairType, "parse pair type").With("value", s)
	}
}

func (t PairType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, ErrUnknownPairType
	}
	return []byte(t.String()), nil
}

func (t *PairType) UnmarshalText(b []byte) error {
	parsed, err := ParsePairType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// PairKey renders the analysis key "{symbol}:{type}".
func PairKey(symbol string, t PairType) string {
	return strings.ToUpper(symbol) + ":" + t.String()
}

// ParsePairKey splits a key built by PairKey.
func ParsePairKey(key string) (string, PairType, error) {
	i := strings.LastIndexByte(key, ':')
	if i <= 0 || i == len(key)-1 {
		return "", 0, errors.Errorf("market: malformed pair key %q", key)
	}
	t, err := ParsePairType(key[i+1:])
	if err != nil {
		return "", 0, err
	}
	return key[:i], t, nil
}

var quoteSuffixes = []string{"USDT", "USDC", "USD", "BTC", "ETH", "EUR"}

// SplitSymbol guesses base and quote assets from a concatenated symbol such as BTCUSDT.
func SplitSymbol(symbol string) (base, quote string) {
	symbol = strings.ToUpper(symbol)
	for _, q := range quoteSuffixes {
		if len(symbol) > len(q) && strings.HasSuffix(symbol, q) {
			return symbol[:len(symbol)-len(q)], q
		}
	}
	if len(symbol) > 6 {
		return symbol[:len(symbol)-3], symbol[len(symbol)-3:]
	}
	return symbol, ""
}

// TradingPair is an instrument listed by the exchange.
type TradingPair struct {
	Symbol      string          `json:"symbol"`
	BaseAsset   string          `json:"baseAsset"`
	QuoteAsset  string          `json:"quoteAsset"`
	Status      string          `json:"status"`
	Type        PairType        `json:"type"`
	IsActive    bool            `json:"isActive"`
	MinOrderQty decimal.Decimal `json:"minOrderQty"`
	MaxOrderQty decimal.Decimal `json:"maxOrderQty"`
	TickSize    decimal.Decimal `json:"tickSize"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

// MarketData is a 24h ticker snapshot of one pair.
type MarketData struct {
	Symbol                string          `json:"symbol"`
	Type                  PairType        `json:"type"`
	BaseAsset             string          `json:"baseAsset"`
	QuoteAsset            string          `json:"quoteAsset"`
	CurrentPrice          decimal.Decimal `json:"currentPrice"`
	Volume24h             decimal.Decimal `json:"volume24h"`
	PriceChange24h        decimal.Decimal `json:"priceChange24h"`
	PriceChangePercent24h decimal.Decimal `json:"priceChangePercent24h"`
	High24h               decimal.Decimal `json:"high24h"`
	Low24h                decimal.Decimal `json:"low24h"`
	IsActive              bool            `json:"isActive"`
	LastUpdateTime        time.Time       `json:"lastUpdateTime"`
}

// PriceTick is one real-time ticker update.
type PriceTick struct {
	Symbol                string          `json:"symbol"`
	Price                 decimal.Decimal `json:"price"`
	Volume                decimal.Decimal `json:"volume"`
	Timestamp             time.Time       `json:"timestamp"`
	PriceChange24h        decimal.Decimal `json:"priceChange24h"`
	PriceChangePercent24h decimal.Decimal `json:"priceChangePercent24h"`
	High24h               decimal.Decimal `json:"high24h"`
	Low24h                decimal.Decimal `json:"low24h"`
}

// ParseDecimal reads an exchange decimal string. Empty or malformed input is zero.
func ParseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
