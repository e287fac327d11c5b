package feed

import (
	"bytes"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"grainmesh/internal/market"
)

const tickerTopicPrefix = "tickers."

var errEmptyTicker = errors.New("feed: empty ticker data")

// tickerData is the subset of a Bybit ticker push the analysis reads. Options report
// the 24h change as change24h instead of price24hPcnt.
type tickerData struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	PrevPrice24h string `json:"prevPrice24h"`
	Price24hPcnt string `json:"price24hPcnt"`
	Change24h    string `json:"change24h"`
	HighPrice24h string `json:"highPrice24h"`
	LowPrice24h  string `json:"lowPrice24h"`
	Volume24h    string `json:"volume24h"`
}

func tickerTopic(symbol string) string {
	return tickerTopicPrefix + strings.ToUpper(symbol)
}

func symbolFromTopic(topic string) string {
	return strings.TrimPrefix(topic, tickerTopicPrefix)
}

// decodeTicker reads data as an object, or as an array whose first element is used.
func decodeTicker(raw []byte) (tickerData, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return tickerData{}, errEmptyTicker
	}

	if raw[0] == '[' {
		var list []tickerData
		if err := sonic.Unmarshal(raw, &list); err != nil {
			return tickerData{}, errors.Wrap(err, "unmarshal ticker list")
		}
		if len(list) == 0 {
			return tickerData{}, errEmptyTicker
		}
		return list[0], nil
	}

	var d tickerData
	if err := sonic.Unmarshal(raw, &d); err != nil {
		return tickerData{}, errors.Wrap(err, "unmarshal ticker")
	}
	return d, nil
}

// merge applies a delta frame: fields present in delta replace those in d.
func (d tickerData) merge(delta tickerData) tickerData {
	pick := func(base, next string) string {
		if next != "" {
			return next
		}
		return base
	}
	return tickerData{
		Symbol:       pick(d.Symbol, delta.Symbol),
		LastPrice:    pick(d.LastPrice, delta.LastPrice),
		PrevPrice24h: pick(d.PrevPrice24h, delta.PrevPrice24h),
		Price24hPcnt: pick(d.Price24hPcnt, delta.Price24hPcnt),
		Change24h:    pick(d.Change24h, delta.Change24h),
		HighPrice24h: pick(d.HighPrice24h, delta.HighPrice24h),
		LowPrice24h:  pick(d.LowPrice24h, delta.LowPrice24h),
		Volume24h:    pick(d.Volume24h, delta.Volume24h),
	}
}

// tick converts the ticker; ts is epoch milliseconds, zero means now.
func (d tickerData) tick(symbol string, ts int64) market.PriceTick {
	if d.Symbol != "" {
		symbol = d.Symbol
	}
	at := time.Now().UTC()
	if ts > 0 {
		at = time.UnixMilli(ts).UTC()
	}

	pcnt := d.Price24hPcnt
	if pcnt == "" {
		pcnt = d.Change24h
	}

	last := market.ParseDecimal(d.LastPrice)
	t := market.PriceTick{
		Symbol:                symbol,
		Price:                 last,
		Volume:                market.ParseDecimal(d.Volume24h),
		Timestamp:             at,
		PriceChangePercent24h: market.ParseDecimal(pcnt).Shift(2),
		High24h:               market.ParseDecimal(d.HighPrice24h),
		Low24h:                market.ParseDecimal(d.LowPrice24h),
	}
	if prev := market.ParseDecimal(d.PrevPrice24h); prev.IsPositive() {
		t.PriceChange24h = last.Sub(prev)
	}
	return t
}
