package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"kimchi-arb/internal/config"
	"kimchi-arb/pkg/types"
)

// Upbit-style venue conventions.
const (
	upbitBaseURL     = "https://api.upbit.com"
	upbitMinOrderKrw = 5000
)

// Upbit is the live adapter for the KRW venue. Markets are addressed as
// "KRW-<SYMBOL>"; authenticated requests carry a JWT (HS256) whose payload
// includes a SHA-512 hash of the query string.
type Upbit struct {
	http      *resty.Client
	accessKey string
	secretKey string
	logger    *slog.Logger
}

// NewUpbit creates the KRW venue adapter with retry and a 10 s timeout.
func NewUpbit(creds config.VenueCreds, logger *slog.Logger) *Upbit {
	base := creds.BaseURL
	if base == "" {
		base = upbitBaseURL
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
			return r.StatusCode() >= 500 || r.StatusCode() == 429
		})

	return &Upbit{
		http:      httpClient,
		accessKey: creds.AccessKey,
		secretKey: creds.SecretKey,
		logger:    logger.With("component", "upbit"),
	}
}

func (u *Upbit) Name() types.Venue { return types.VenueKRW }

// authHeader builds the Bearer JWT for an authenticated request.
func (u *Upbit) authHeader(query url.Values) (string, error) {
	claims := map[string]string{
		"access_key": u.accessKey,
		"nonce":      uuid.NewString(),
	}
	if len(query) > 0 {
		sum := sha512.Sum512([]byte(query.Encode()))
		claims["query_hash"] = hex.EncodeToString(sum[:])
		claims["query_hash_alg"] = "SHA512"
	}

	header, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	enc := base64.RawURLEncoding
	signing := enc.EncodeToString(header) + "." + enc.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(u.secretKey))
	mac.Write([]byte(signing))
	token := signing + "." + enc.EncodeToString(mac.Sum(nil))
	return "Bearer " + token, nil
}

func (u *Upbit) market(symbol string) string { return "KRW-" + strings.ToUpper(symbol) }

func (u *Upbit) Ticker(ctx context.Context, symbol string) (types.Quote, error) {
	var result []struct {
		TradePrice decimal.Decimal `json:"trade_price"`
	}
	resp, err := u.http.R().
		SetContext(ctx).
		SetQueryParam("markets", u.market(symbol)).
		SetResult(&result).
		Get("/v1/ticker")
	if err != nil {
		return types.Quote{}, fmt.Errorf("%w: upbit ticker %s: %v", ErrTransient, symbol, err)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return types.Quote{}, fmt.Errorf("upbit ticker %s: %w", symbol, err)
	}
	if len(result) == 0 {
		return types.Quote{}, fmt.Errorf("upbit ticker %s: %w", symbol, ErrBadSymbol)
	}
	return types.Quote{Symbol: symbol, Price: result[0].TradePrice, Timestamp: time.Now()}, nil
}

func (u *Upbit) OrderBook(ctx context.Context, symbol string, depth int) (types.OrderBook, error) {
	var result []struct {
		Units []struct {
			BidPrice decimal.Decimal `json:"bid_price"`
			BidSize  decimal.Decimal `json:"bid_size"`
			AskPrice decimal.Decimal `json:"ask_price"`
			AskSize  decimal.Decimal `json:"ask_size"`
		} `json:"orderbook_units"`
	}
	resp, err := u.http.R().
		SetContext(ctx).
		SetQueryParam("markets", u.market(symbol)).
		SetResult(&result).
		Get("/v1/orderbook")
	if err != nil {
		return types.OrderBook{}, fmt.Errorf("%w: upbit orderbook %s: %v", ErrTransient, symbol, err)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return types.OrderBook{}, fmt.Errorf("upbit orderbook %s: %w", symbol, err)
	}
	if len(result) == 0 {
		return types.OrderBook{}, fmt.Errorf("upbit orderbook %s: %w", symbol, ErrBadSymbol)
	}

	book := types.OrderBook{Symbol: symbol, Timestamp: time.Now()}
	for i, unit := range result[0].Units {
		if i >= depth {
			break
		}
		book.Bids = append(book.Bids, types.PriceLevel{Price: unit.BidPrice, Quantity: unit.BidSize})
		book.Asks = append(book.Asks, types.PriceLevel{Price: unit.AskPrice, Quantity: unit.AskSize})
	}
	return book, nil
}

// upbitAccount is one row of GET /v1/accounts.
type upbitAccount struct {
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
	Locked   decimal.Decimal `json:"locked"`
}

func (u *Upbit) Balance(ctx context.Context, asset string) (types.Balance, error) {
	auth, err := u.authHeader(nil)
	if err != nil {
		return types.Balance{}, fmt.Errorf("upbit auth: %w", err)
	}

	var accounts []upbitAccount
	resp, err := u.http.R().
		SetContext(ctx).
		SetHeader("Authorization", auth).
		SetResult(&accounts).
		Get("/v1/accounts")
	if err != nil {
		return types.Balance{}, fmt.Errorf("%w: upbit accounts: %v", ErrTransient, err)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return types.Balance{}, fmt.Errorf("upbit accounts: %w", err)
	}

	asset = strings.ToUpper(asset)
	for _, acc := range accounts {
		if acc.Currency == asset {
			return types.Balance{
				Asset:  asset,
				Free:   acc.Balance,
				Locked: acc.Locked,
				Total:  acc.Balance.Add(acc.Locked),
			}, nil
		}
	}
	return types.Balance{Asset: asset}, nil
}

// upbitOrder is the order detail shape shared by POST /v1/orders and
// GET /v1/order.
type upbitOrder struct {
	UUID           string          `json:"uuid"`
	State          string          `json:"state"`
	ExecutedVolume decimal.Decimal `json:"executed_volume"`
	PaidFee        decimal.Decimal `json:"paid_fee"`
	Trades         []struct {
		Price  decimal.Decimal `json:"price"`
		Volume decimal.Decimal `json:"volume"`
		Funds  decimal.Decimal `json:"funds"`
	} `json:"trades"`
}

func (u *Upbit) MarketBuy(ctx context.Context, symbol string, quoteAmount decimal.Decimal) (types.Fill, error) {
	if quoteAmount.LessThan(decimal.NewFromInt(upbitMinOrderKrw)) {
		return types.Fill{}, fmt.Errorf("upbit buy %s: %s KRW: %w", symbol, quoteAmount, ErrBelowMinimum)
	}
	// Market buys spend a KRW amount (ord_type "price"); whole-KRW grid.
	body := map[string]string{
		"market":   u.market(symbol),
		"side":     "bid",
		"price":    quoteAmount.Floor().String(),
		"ord_type": "price",
	}
	return u.placeOrder(ctx, symbol, types.BUY, body)
}

func (u *Upbit) MarketSell(ctx context.Context, symbol string, baseQty decimal.Decimal) (types.Fill, error) {
	// Lot grid is 8 decimal places.
	qty := baseQty.Truncate(8)
	if !qty.IsPositive() {
		return types.Fill{}, fmt.Errorf("upbit sell %s: %w", symbol, ErrBelowMinimum)
	}
	body := map[string]string{
		"market":   u.market(symbol),
		"side":     "ask",
		"volume":   qty.String(),
		"ord_type": "market",
	}
	return u.placeOrder(ctx, symbol, types.SELL, body)
}

func (u *Upbit) placeOrder(ctx context.Context, symbol string, side types.Side, body map[string]string) (types.Fill, error) {
	query := url.Values{}
	for k, v := range body {
		query.Set(k, v)
	}
	auth, err := u.authHeader(query)
	if err != nil {
		return types.Fill{}, fmt.Errorf("upbit auth: %w", err)
	}

	var placed upbitOrder
	resp, err := u.http.R().
		SetContext(ctx).
		SetHeader("Authorization", auth).
		SetBody(body).
		SetResult(&placed).
		Post("/v1/orders")
	if err != nil {
		return types.Fill{}, fmt.Errorf("%w: upbit order %s: %v", ErrTransient, symbol, err)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return types.Fill{}, fmt.Errorf("upbit order %s: %w", symbol, err)
	}

	return u.waitFill(ctx, symbol, side, placed.UUID)
}

// waitFill polls the order until the venue reports it done. Market orders
// normally fill in one round trip; the loop covers matching-engine lag.
func (u *Upbit) waitFill(ctx context.Context, symbol string, side types.Side, orderID string) (types.Fill, error) {
	for i := 0; i < 20; i++ {
		query := url.Values{"uuid": {orderID}}
		auth, err := u.authHeader(query)
		if err != nil {
			return types.Fill{}, fmt.Errorf("upbit auth: %w", err)
		}

		var ord upbitOrder
		resp, err := u.http.R().
			SetContext(ctx).
			SetHeader("Authorization", auth).
			SetQueryParam("uuid", orderID).
			SetResult(&ord).
			Get("/v1/order")
		if err == nil && classifyStatus(resp.StatusCode(), resp.String()) == nil {
			if ord.State == "done" || (ord.State == "cancel" && ord.ExecutedVolume.IsPositive()) {
				amt := decimal.Zero
				for _, tr := range ord.Trades {
					amt = amt.Add(tr.Funds)
				}
				fill := types.Fill{
					OrderID:     orderID,
					Symbol:      symbol,
					Side:        side,
					ExecutedQty: ord.ExecutedVolume,
					ExecutedAmt: amt,
					FeeQuote:    ord.PaidFee,
					Timestamp:   time.Now(),
				}
				if ord.ExecutedVolume.IsPositive() {
					fill.AvgPrice = amt.Div(ord.ExecutedVolume)
				}
				return fill, nil
			}
		}

		select {
		case <-ctx.Done():
			return types.Fill{}, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return types.Fill{}, fmt.Errorf("%w: upbit order %s not filled", ErrTransient, orderID)
}

func (u *Upbit) DepositAddress(ctx context.Context, asset, network string) (types.DepositAddress, error) {
	query := url.Values{"currency": {strings.ToUpper(asset)}}
	if network != "" {
		query.Set("net_type", network)
	}
	auth, err := u.authHeader(query)
	if err != nil {
		return types.DepositAddress{}, fmt.Errorf("upbit auth: %w", err)
	}

	var result struct {
		Currency         string `json:"currency"`
		NetType          string `json:"net_type"`
		DepositAddress   string `json:"deposit_address"`
		SecondaryAddress string `json:"secondary_address"`
	}
	resp, err := u.http.R().
		SetContext(ctx).
		SetHeader("Authorization", auth).
		SetQueryParamsFromValues(query).
		SetResult(&result).
		Get("/v1/deposits/coin_address")
	if err != nil {
		return types.DepositAddress{}, fmt.Errorf("%w: upbit deposit address %s: %v", ErrTransient, asset, err)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return types.DepositAddress{}, fmt.Errorf("upbit deposit address %s: %w", asset, err)
	}
	if result.DepositAddress == "" {
		return types.DepositAddress{}, fmt.Errorf("upbit deposit address %s: %w: not generated", asset, ErrPermanent)
	}
	return types.DepositAddress{
		Asset:   strings.ToUpper(asset),
		Address: result.DepositAddress,
		Tag:     result.SecondaryAddress,
		Network: result.NetType,
	}, nil
}

func (u *Upbit) Withdraw(ctx context.Context, asset, address, tag string, amount decimal.Decimal, network string) (string, error) {
	body := map[string]string{
		"currency":         strings.ToUpper(asset),
		"amount":           amount.String(),
		"address":          address,
		"transaction_type": "default",
	}
	if tag != "" {
		body["secondary_address"] = tag
	}
	if network != "" {
		body["net_type"] = network
	}

	query := url.Values{}
	for k, v := range body {
		query.Set(k, v)
	}
	auth, err := u.authHeader(query)
	if err != nil {
		return "", fmt.Errorf("upbit auth: %w", err)
	}

	var result struct {
		UUID string `json:"uuid"`
	}
	resp, err := u.http.R().
		SetContext(ctx).
		SetHeader("Authorization", auth).
		SetBody(body).
		SetResult(&result).
		Post("/v1/withdraws/coin")
	if err != nil {
		return "", fmt.Errorf("%w: upbit withdraw %s: %v", ErrTransient, asset, err)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return "", fmt.Errorf("upbit withdraw %s: %w", asset, err)
	}
	u.logger.Info("withdrawal submitted", "asset", asset, "amount", amount, "id", result.UUID)
	return result.UUID, nil
}

func (u *Upbit) DepositHistory(ctx context.Context, asset string, since time.Time) ([]types.DepositEntry, error) {
	query := url.Values{"currency": {strings.ToUpper(asset)}}
	auth, err := u.authHeader(query)
	if err != nil {
		return nil, fmt.Errorf("upbit auth: %w", err)
	}

	var rows []struct {
		Amount decimal.Decimal `json:"amount"`
		State  string          `json:"state"`
		TxID   string          `json:"txid"`
		DoneAt string          `json:"done_at"`
	}
	resp, err := u.http.R().
		SetContext(ctx).
		SetHeader("Authorization", auth).
		SetQueryParamsFromValues(query).
		SetResult(&rows).
		Get("/v1/deposits")
	if err != nil {
		return nil, fmt.Errorf("%w: upbit deposits %s: %v", ErrTransient, asset, err)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return nil, fmt.Errorf("upbit deposits %s: %w", asset, err)
	}

	entries := make([]types.DepositEntry, 0, len(rows))
	for _, row := range rows {
		entry := types.DepositEntry{
			Asset:  strings.ToUpper(asset),
			Amount: row.Amount,
			TxID:   row.TxID,
		}
		switch strings.ToUpper(row.State) {
		case "ACCEPTED":
			entry.State = types.DepositConfirmed
		case "REJECTED", "CANCELLED":
			entry.State = types.DepositFailed
		default:
			entry.State = types.DepositPending
		}
		if row.DoneAt != "" {
			if ts, err := time.Parse(time.RFC3339, row.DoneAt); err == nil {
				entry.CompletedAt = ts
			}
		}
		if !since.IsZero() && !entry.CompletedAt.IsZero() && entry.CompletedAt.Before(since) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (u *Upbit) ListMarkets(ctx context.Context) ([]string, error) {
	var rows []struct {
		Market string `json:"market"`
	}
	resp, err := u.http.R().
		SetContext(ctx).
		SetResult(&rows).
		Get("/v1/market/all")
	if err != nil {
		return nil, fmt.Errorf("%w: upbit markets: %v", ErrTransient, err)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return nil, fmt.Errorf("upbit markets: %w", err)
	}

	var symbols []string
	for _, row := range rows {
		if s, ok := strings.CutPrefix(row.Market, "KRW-"); ok {
			symbols = append(symbols, s)
		}
	}
	return symbols, nil
}

func (u *Upbit) VerifyAccess(ctx context.Context) error {
	auth, err := u.authHeader(nil)
	if err != nil {
		return fmt.Errorf("upbit auth: %w", err)
	}
	resp, err := u.http.R().
		SetContext(ctx).
		SetHeader("Authorization", auth).
		Get("/v1/api_keys")
	if err != nil {
		return fmt.Errorf("%w: upbit access check: %v", ErrTransient, err)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return fmt.Errorf("upbit access check: %w", err)
	}
	return nil
}
