package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"kimchi-arb/internal/config"
	"kimchi-arb/pkg/types"
)

const (
	binanceBaseURL        = "https://api.binance.com"
	binanceTestnetBaseURL = "https://testnet.binance.vision"
)

// lotFilter is the per-symbol LOT_SIZE constraint from exchangeInfo.
type lotFilter struct {
	stepSize decimal.Decimal
	minQty   decimal.Decimal
}

// Binance is the live adapter for the USDT venue. Markets are addressed as
// "<SYMBOL>USDT"; signed requests carry an HMAC-SHA256 signature over the
// query string plus an API-key header.
type Binance struct {
	http      *resty.Client
	apiKey    string
	secretKey string
	logger    *slog.Logger

	mu      sync.Mutex
	filters map[string]lotFilter
}

// NewBinance creates the USDT venue adapter with retry and a 10 s timeout.
func NewBinance(creds config.VenueCreds, testnet bool, logger *slog.Logger) *Binance {
	base := creds.BaseURL
	if base == "" {
		base = binanceBaseURL
		if testnet {
			base = binanceTestnetBaseURL
		}
	}

	httpClient := resty.New().
		SetBaseURL(base).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &Binance{
		http:      httpClient,
		apiKey:    creds.AccessKey,
		secretKey: creds.SecretKey,
		logger:    logger.With("component", "binance"),
		filters:   make(map[string]lotFilter),
	}
}

func (b *Binance) Name() types.Venue { return types.VenueUSDT }

func (b *Binance) pair(symbol string) string { return strings.ToUpper(symbol) + "USDT" }

// sign appends timestamp and signature to the query.
func (b *Binance) sign(query url.Values) string {
	query.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	encoded := query.Encode()
	mac := hmac.New(sha256.New, []byte(b.secretKey))
	mac.Write([]byte(encoded))
	return encoded + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

func (b *Binance) signedReq(ctx context.Context) *resty.Request {
	return b.http.R().SetContext(ctx).SetHeader("X-MBX-APIKEY", b.apiKey)
}

func (b *Binance) Ticker(ctx context.Context, symbol string) (types.Quote, error) {
	var result struct {
		Price decimal.Decimal `json:"price"`
	}
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", b.pair(symbol)).
		SetResult(&result).
		Get("/api/v3/ticker/price")
	if err != nil {
		return types.Quote{}, fmt.Errorf("%w: binance ticker %s: %v", ErrTransient, symbol, err)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return types.Quote{}, fmt.Errorf("binance ticker %s: %w", symbol, err)
	}
	return types.Quote{Symbol: symbol, Price: result.Price, Timestamp: time.Now()}, nil
}

func (b *Binance) OrderBook(ctx context.Context, symbol string, depth int) (types.OrderBook, error) {
	var result struct {
		Bids [][]decimal.Decimal `json:"bids"`
		Asks [][]decimal.Decimal `json:"asks"`
	}
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": b.pair(symbol),
			"limit":  strconv.Itoa(depth),
		}).
		SetResult(&result).
		Get("/api/v3/depth")
	if err != nil {
		return types.OrderBook{}, fmt.Errorf("%w: binance depth %s: %v", ErrTransient, symbol, err)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return types.OrderBook{}, fmt.Errorf("binance depth %s: %w", symbol, err)
	}

	book := types.OrderBook{Symbol: symbol, Timestamp: time.Now()}
	for _, lvl := range result.Bids {
		if len(lvl) < 2 {
			continue
		}
		book.Bids = append(book.Bids, types.PriceLevel{Price: lvl[0], Quantity: lvl[1]})
	}
	for _, lvl := range result.Asks {
		if len(lvl) < 2 {
			continue
		}
		book.Asks = append(book.Asks, types.PriceLevel{Price: lvl[0], Quantity: lvl[1]})
	}
	return book, nil
}

func (b *Binance) Balance(ctx context.Context, asset string) (types.Balance, error) {
	var result struct {
		Balances []struct {
			Asset  string          `json:"asset"`
			Free   decimal.Decimal `json:"free"`
			Locked decimal.Decimal `json:"locked"`
		} `json:"balances"`
	}
	resp, err := b.signedReq(ctx).
		SetQueryString(b.sign(url.Values{})).
		SetResult(&result).
		Get("/api/v3/account")
	if err != nil {
		return types.Balance{}, fmt.Errorf("%w: binance account: %v", ErrTransient, err)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return types.Balance{}, fmt.Errorf("binance account: %w", err)
	}

	asset = strings.ToUpper(asset)
	for _, bal := range result.Balances {
		if bal.Asset == asset {
			return types.Balance{
				Asset:  asset,
				Free:   bal.Free,
				Locked: bal.Locked,
				Total:  bal.Free.Add(bal.Locked),
			}, nil
		}
	}
	return types.Balance{Asset: asset}, nil
}

// binanceOrder is the FULL response of POST /api/v3/order.
type binanceOrder struct {
	OrderID            int64           `json:"orderId"`
	ExecutedQty        decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQt decimal.Decimal `json:"cummulativeQuoteQty"`
	Status             string          `json:"status"`
	Fills              []struct {
		Price           decimal.Decimal `json:"price"`
		Qty             decimal.Decimal `json:"qty"`
		Commission      decimal.Decimal `json:"commission"`
		CommissionAsset string          `json:"commissionAsset"`
	} `json:"fills"`
}

func (b *Binance) MarketBuy(ctx context.Context, symbol string, quoteAmount decimal.Decimal) (types.Fill, error) {
	params := url.Values{
		"symbol":           {b.pair(symbol)},
		"side":             {"BUY"},
		"type":             {"MARKET"},
		"quoteOrderQty":    {quoteAmount.Truncate(8).String()},
		"newOrderRespType": {"FULL"},
	}
	return b.placeOrder(ctx, symbol, types.BUY, params)
}

func (b *Binance) MarketSell(ctx context.Context, symbol string, baseQty decimal.Decimal) (types.Fill, error) {
	filter, err := b.lotFilterFor(ctx, symbol)
	if err != nil {
		return types.Fill{}, err
	}
	qty := QuantizeStep(baseQty, filter.stepSize)
	if qty.LessThan(filter.minQty) || !qty.IsPositive() {
		return types.Fill{}, fmt.Errorf("binance sell %s: qty %s: %w", symbol, qty, ErrBelowMinimum)
	}

	params := url.Values{
		"symbol":           {b.pair(symbol)},
		"side":             {"SELL"},
		"type":             {"MARKET"},
		"quantity":         {qty.String()},
		"newOrderRespType": {"FULL"},
	}
	return b.placeOrder(ctx, symbol, types.SELL, params)
}

func (b *Binance) placeOrder(ctx context.Context, symbol string, side types.Side, params url.Values) (types.Fill, error) {
	var ord binanceOrder
	resp, err := b.signedReq(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(b.sign(params)).
		SetResult(&ord).
		Post("/api/v3/order")
	if err != nil {
		return types.Fill{}, fmt.Errorf("%w: binance order %s: %v", ErrTransient, symbol, err)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return types.Fill{}, fmt.Errorf("binance order %s: %w", symbol, err)
	}

	fee := decimal.Zero
	for _, f := range ord.Fills {
		// Commission in the quote asset counts against proceeds; BNB or
		// base-asset commission is tracked separately by the venue.
		if f.CommissionAsset == "USDT" {
			fee = fee.Add(f.Commission)
		}
	}

	fill := types.Fill{
		OrderID:     strconv.FormatInt(ord.OrderID, 10),
		Symbol:      symbol,
		Side:        side,
		ExecutedQty: ord.ExecutedQty,
		ExecutedAmt: ord.CummulativeQuoteQt,
		FeeQuote:    fee,
		Timestamp:   time.Now(),
	}
	if ord.ExecutedQty.IsPositive() {
		fill.AvgPrice = ord.CummulativeQuoteQt.Div(ord.ExecutedQty)
	}
	return fill, nil
}

func (b *Binance) DepositAddress(ctx context.Context, asset, network string) (types.DepositAddress, error) {
	params := url.Values{"coin": {strings.ToUpper(asset)}}
	if network != "" {
		params.Set("network", network)
	}

	var result struct {
		Address string `json:"address"`
		Tag     string `json:"tag"`
		Coin    string `json:"coin"`
	}
	resp, err := b.signedReq(ctx).
		SetQueryString(b.sign(params)).
		SetResult(&result).
		Get("/sapi/v1/capital/deposit/address")
	if err != nil {
		return types.DepositAddress{}, fmt.Errorf("%w: binance deposit address %s: %v", ErrTransient, asset, err)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return types.DepositAddress{}, fmt.Errorf("binance deposit address %s: %w", asset, err)
	}
	if result.Address == "" {
		return types.DepositAddress{}, fmt.Errorf("binance deposit address %s: %w: not generated", asset, ErrPermanent)
	}
	return types.DepositAddress{
		Asset:   strings.ToUpper(asset),
		Address: result.Address,
		Tag:     result.Tag,
		Network: network,
	}, nil
}

func (b *Binance) Withdraw(ctx context.Context, asset, address, tag string, amount decimal.Decimal, network string) (string, error) {
	params := url.Values{
		"coin":    {strings.ToUpper(asset)},
		"address": {address},
		"amount":  {amount.String()},
	}
	if tag != "" {
		params.Set("addressTag", tag)
	}
	if network != "" {
		params.Set("network", network)
	}

	var result struct {
		ID string `json:"id"`
	}
	resp, err := b.signedReq(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(b.sign(params)).
		SetResult(&result).
		Post("/sapi/v1/capital/withdraw/apply")
	if err != nil {
		return "", fmt.Errorf("%w: binance withdraw %s: %v", ErrTransient, asset, err)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return "", fmt.Errorf("binance withdraw %s: %w", asset, err)
	}
	b.logger.Info("withdrawal submitted", "asset", asset, "amount", amount, "id", result.ID)
	return result.ID, nil
}

func (b *Binance) DepositHistory(ctx context.Context, asset string, since time.Time) ([]types.DepositEntry, error) {
	params := url.Values{"coin": {strings.ToUpper(asset)}}
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}

	var rows []struct {
		Amount     decimal.Decimal `json:"amount"`
		Status     int             `json:"status"`
		TxID       string          `json:"txId"`
		InsertTime int64           `json:"insertTime"`
	}
	resp, err := b.signedReq(ctx).
		SetQueryString(b.sign(params)).
		SetResult(&rows).
		Get("/sapi/v1/capital/deposit/hisrec")
	if err != nil {
		return nil, fmt.Errorf("%w: binance deposits %s: %v", ErrTransient, asset, err)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return nil, fmt.Errorf("binance deposits %s: %w", asset, err)
	}

	entries := make([]types.DepositEntry, 0, len(rows))
	for _, row := range rows {
		entry := types.DepositEntry{
			Asset:       strings.ToUpper(asset),
			Amount:      row.Amount,
			TxID:        row.TxID,
			CompletedAt: time.UnixMilli(row.InsertTime),
		}
		// 0 = pending, 6 = credited but not withdrawable, 1 = success.
		switch row.Status {
		case 1:
			entry.State = types.DepositConfirmed
		case 0, 6:
			entry.State = types.DepositPending
		default:
			entry.State = types.DepositFailed
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// exchangeInfo loads USDT markets and their lot filters once per process.
func (b *Binance) exchangeInfo(ctx context.Context) ([]string, error) {
	var result struct {
		Symbols []struct {
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Status     string `json:"status"`
			Filters    []struct {
				FilterType string          `json:"filterType"`
				StepSize   decimal.Decimal `json:"stepSize"`
				MinQty     decimal.Decimal `json:"minQty"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	resp, err := b.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/v3/exchangeInfo")
	if err != nil {
		return nil, fmt.Errorf("%w: binance exchangeInfo: %v", ErrTransient, err)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return nil, fmt.Errorf("binance exchangeInfo: %w", err)
	}

	var symbols []string
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range result.Symbols {
		if s.QuoteAsset != "USDT" || s.Status != "TRADING" {
			continue
		}
		symbols = append(symbols, s.BaseAsset)
		for _, f := range s.Filters {
			if f.FilterType == "LOT_SIZE" {
				b.filters[s.BaseAsset] = lotFilter{stepSize: f.StepSize, minQty: f.MinQty}
			}
		}
	}
	return symbols, nil
}

func (b *Binance) lotFilterFor(ctx context.Context, symbol string) (lotFilter, error) {
	symbol = strings.ToUpper(symbol)
	b.mu.Lock()
	f, ok := b.filters[symbol]
	b.mu.Unlock()
	if ok {
		return f, nil
	}
	if _, err := b.exchangeInfo(ctx); err != nil {
		return lotFilter{}, err
	}
	b.mu.Lock()
	f, ok = b.filters[symbol]
	b.mu.Unlock()
	if !ok {
		return lotFilter{}, fmt.Errorf("binance %s: %w", symbol, ErrBadSymbol)
	}
	return f, nil
}

func (b *Binance) ListMarkets(ctx context.Context) ([]string, error) {
	return b.exchangeInfo(ctx)
}

func (b *Binance) VerifyAccess(ctx context.Context) error {
	resp, err := b.signedReq(ctx).
		SetQueryString(b.sign(url.Values{})).
		Get("/api/v3/account")
	if err != nil {
		return fmt.Errorf("%w: binance access check: %v", ErrTransient, err)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return fmt.Errorf("binance access check: %w", err)
	}
	return nil
}
