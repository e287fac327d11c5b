package market

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"grainmesh/pkg/exception"
)

const (
	DefaultBaseURL = "https://api.bybit.com"
	defaultTimeout = 10 * time.Second
	maxPages       = 50
	pageLimit      = "1000"
)

// Source is the market-data surface actors depend on. Failures degrade to an empty
// list or nil data and are never returned to the caller.
type Source interface {
	GetTradingPairs(ctx context.Context, t PairType) []TradingPair
	GetMarketData(ctx context.Context, symbol string, t PairType) *MarketData
}

type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client reads public Bybit v5 market endpoints.
type Client struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

func NewClient(cfg Config, client *http.Client) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		client:  client,
	}
}

type response[T any] struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  T      `json:"result"`
}

func (r response[T]) err() error {
	return errors.Wrap(exception.ErrInResponseError, "bybit rejected request").With("code", strconv.Itoa(r.RetCode)).With("msg", r.RetMsg)
}

type instrumentsResult struct {
	Category       string       `json:"category"`
	NextPageCursor string       `json:"nextPageCursor"`
	List           []instrument `json:"list"`
}

type instrument struct {
	Symbol        string `json:"symbol"`
	BaseCoin      string `json:"baseCoin"`
	QuoteCoin     string `json:"quoteCoin"`
	Status        string `json:"status"`
	LotSizeFilter struct {
		MinOrderQty string `json:"minOrderQty"`
		MaxOrderQty string `json:"maxOrderQty"`
	} `json:"lotSizeFilter"`
	PriceFilter struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
}

type tickersResult struct {
	Category string   `json:"category"`
	List     []ticker `json:"list"`
}

type ticker struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	PrevPrice24h string `json:"prevPrice24h"`
	Price24hPcnt string `json:"price24hPcnt"`
	HighPrice24h string `json:"highPrice24h"`
	LowPrice24h  string `json:"lowPrice24h"`
	Volume24h    string `json:"volume24h"`
}

// GetTradingPairs lists every instrument of the type, following the page cursor.
func (c *Client) GetTradingPairs(ctx context.Context, t PairType) []TradingPair {
	var (
		pairs  []TradingPair
		cursor string
		now    = time.Now().UTC()
	)

	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("category", t.Category())
		q.Set("limit", pageLimit)
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var resp response[instrumentsResult]
		if err := c.get(ctx, "/v5/market/instruments-info", q, &resp); err != nil {
			logs.Errorf("get trading pairs, type: %s, page: %d, err: %+v", t, page, err)
			return []TradingPair{}
		}
		if resp.RetCode != 0 {
			logs.Errorf("get trading pairs, type: %s, page: %d, err: %+v", t, page, resp.err())
			return []TradingPair{}
		}

		for _, in := range resp.Result.List {
			pairs = append(pairs, TradingPair{
				Symbol:      in.Symbol,
				BaseAsset:   in.BaseCoin,
				QuoteAsset:  in.QuoteCoin,
				Status:      in.Status,
				Type:        t,
				IsActive:    strings.EqualFold(in.Status, "Trading"),
				MinOrderQty: ParseDecimal(in.LotSizeFilter.MinOrderQty),
				MaxOrderQty: ParseDecimal(in.LotSizeFilter.MaxOrderQty),
				TickSize:    ParseDecimal(in.PriceFilter.TickSize),
				LastUpdated: now,
			})
		}

		cursor = resp.Result.NextPageCursor
		if cursor == "" {
			break
		}
	}

	logs.Infof("trading pairs fetched, type: %s, count: %d", t, len(pairs))
	if pairs == nil {
		return []TradingPair{}
	}
	return pairs
}

// GetMarketData returns the 24h ticker of symbol, or nil when it cannot be read.
func (c *Client) GetMarketData(ctx context.Context, symbol string, t PairType) *MarketData {
	q := url.Values{}
	q.Set("category", t.Category())
	q.Set("symbol", symbol)

	var resp response[tickersResult]
	if err := c.get(ctx, "/v5/market/tickers", q, &resp); err != nil {
		logs.Errorf("get market data, symbol: %s, type: %s, err: %+v", symbol, t, err)
		return nil
	}
	if resp.RetCode != 0 {
		logs.Errorf("get market data, symbol: %s, type: %s, err: %+v", symbol, t, resp.err())
		return nil
	}
	if len(resp.Result.List) == 0 {
		logs.Warnf("no ticker found, symbol: %s, type: %s", symbol, t)
		return nil
	}

	tk := resp.Result.List[0]
	base, quote := SplitSymbol(symbol)
	last := ParseDecimal(tk.LastPrice)
	data := &MarketData{
		Symbol:                symbol,
		Type:                  t,
		BaseAsset:             base,
		QuoteAsset:            quote,
		CurrentPrice:          last,
		Volume24h:             ParseDecimal(tk.Volume24h),
		PriceChangePercent24h: ParseDecimal(tk.Price24hPcnt).Shift(2),
		High24h:               ParseDecimal(tk.HighPrice24h),
		Low24h:                ParseDecimal(tk.LowPrice24h),
		IsActive:              true,
		LastUpdateTime:        time.Now().UTC(),
	}
	if prev := ParseDecimal(tk.PrevPrice24h); prev.IsPositive() {
		data.PriceChange24h = last.Sub(prev)
	}
	return data
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	r, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return errors.Wrap(err, "new request").With("path", path)
	}
	r.Header.Set("User-Agent", "grainmesh/1.0")

	resp, err := c.client.Do(r)
	if err != nil {
		return errors.Wrap(err, "do request").With("path", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}
	if err := sonic.ConfigFastest.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response").With("path", path)
	}
	return nil
}
