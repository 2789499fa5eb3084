package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultOKXBaseURL = "https://www.okx.com"

	// OKX error code for insufficient balance on order placement.
	okxCodeInsufficientFunds = "51008"
)

// OKX is a thin client for the OKX v5 REST API covering spot market orders
// and balances.
type OKX struct {
	baseURL    string
	apiKey     string
	secretKey  string
	passphrase string
	httpClient *http.Client

	maxRetries int
	retryDelay time.Duration
}

type OKXOption func(*OKX)

// WithBaseURL overrides the API endpoint, used in tests.
func WithBaseURL(u string) OKXOption {
	return func(o *OKX) { o.baseURL = u }
}

func WithRetries(maxRetries int, delay time.Duration) OKXOption {
	return func(o *OKX) {
		o.maxRetries = maxRetries
		o.retryDelay = delay
	}
}

func NewOKX(apiKey, secretKey, passphrase string, opts ...OKXOption) *OKX {
	o := &OKX{
		baseURL:    defaultOKXBaseURL,
		apiKey:     apiKey,
		secretKey:  secretKey,
		passphrase: passphrase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// okxResponse is the common envelope of v5 API responses.
type okxResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// sign produces the OK-ACCESS-SIGN header value:
// base64(HMAC-SHA256(timestamp + method + requestPath + body)).
func (o *OKX) sign(timestamp, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, []byte(o.secretKey))
	mac.Write([]byte(timestamp + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (o *OKX) doRequest(ctx context.Context, method, requestPath string, body []byte) (*okxResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+requestPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OK-ACCESS-KEY", o.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", o.sign(timestamp, method, requestPath, string(body)))
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", o.passphrase)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(raw))
	}

	var env okxResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &env, nil
}

// doRequestWithRetry retries transient transport failures. API-level
// rejections are not retried.
func (o *OKX) doRequestWithRetry(ctx context.Context, method, requestPath string, body []byte) (*okxResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			log.Printf("OKX | retrying %s %s (attempt %d/%d)", method, requestPath, attempt, o.maxRetries)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(o.retryDelay):
			}
		}

		env, err := o.doRequest(ctx, method, requestPath, body)
		if err != nil {
			lastErr = err
			continue
		}
		return env, nil
	}
	return nil, fmt.Errorf("request failed after %d retries: %w", o.maxRetries, lastErr)
}

type okxOrderData struct {
	OrdID   string `json:"ordId"`
	InstID  string `json:"instId"`
	Side    string `json:"side"`
	State   string `json:"state"`
	AccFill string `json:"accFillSz"`
	AvgPx   string `json:"avgPx"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

func (o *OKX) placeMarketOrder(ctx context.Context, symbol, side string, quantity float64) (Order, error) {
	body, err := json.Marshal(map[string]string{
		"instId":  InstID(symbol),
		"tdMode":  "cash",
		"side":    side,
		"ordType": "market",
		"sz":      strconv.FormatFloat(quantity, 'f', -1, 64),
		"tgtCcy":  "base_ccy",
	})
	if err != nil {
		return Order{}, fmt.Errorf("failed to marshal order: %w", err)
	}

	env, err := o.doRequestWithRetry(ctx, http.MethodPost, "/api/v5/trade/order", body)
	if err != nil {
		return Order{}, err
	}

	var data []okxOrderData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return Order{}, fmt.Errorf("failed to decode order data: %w", err)
	}
	if len(data) == 0 {
		return Order{}, fmt.Errorf("order rejected: %s (code %s)", env.Msg, env.Code)
	}

	d := data[0]
	if env.Code != "0" || (d.SCode != "" && d.SCode != "0") {
		if d.SCode == okxCodeInsufficientFunds {
			return Order{}, fmt.Errorf("%s %s order for %s: %w", side, symbol, d.SMsg, ErrInsufficientFunds)
		}
		return Order{}, fmt.Errorf("order rejected: %s (code %s)", d.SMsg, d.SCode)
	}

	return Order{
		ID:     d.OrdID,
		Symbol: symbol,
		Side:   side,
		Status: OrderStatusLive,
	}, nil
}

func (o *OKX) CreateMarketBuyOrder(ctx context.Context, symbol string, quantity float64) (Order, error) {
	return o.placeMarketOrder(ctx, symbol, "buy", quantity)
}

func (o *OKX) CreateMarketSellOrder(ctx context.Context, symbol string, quantity float64) (Order, error) {
	return o.placeMarketOrder(ctx, symbol, "sell", quantity)
}

func (o *OKX) GetOrder(ctx context.Context, orderID, symbol string) (Order, error) {
	requestPath := "/api/v5/trade/order?" + url.Values{
		"instId": {InstID(symbol)},
		"ordId":  {orderID},
	}.Encode()

	env, err := o.doRequestWithRetry(ctx, http.MethodGet, requestPath, nil)
	if err != nil {
		return Order{}, err
	}
	if env.Code != "0" {
		return Order{}, fmt.Errorf("failed to fetch order %s: %s (code %s)", orderID, env.Msg, env.Code)
	}

	var data []okxOrderData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return Order{}, fmt.Errorf("failed to decode order data: %w", err)
	}
	if len(data) == 0 {
		return Order{}, fmt.Errorf("order %s not found", orderID)
	}

	d := data[0]
	order := Order{
		ID:     d.OrdID,
		Symbol: SymbolFromInstID(d.InstID),
		Side:   d.Side,
	}
	switch d.State {
	case "filled":
		order.Status = OrderStatusFilled
	case "canceled":
		order.Status = OrderStatusCanceled
	default:
		order.Status = OrderStatusLive
	}
	if d.AccFill != "" {
		order.FilledQty, _ = strconv.ParseFloat(d.AccFill, 64)
	}
	if d.AvgPx != "" {
		order.AvgPrice, _ = strconv.ParseFloat(d.AvgPx, 64)
	}
	return order, nil
}

func (o *OKX) FetchBalances(ctx context.Context) (map[string]Balance, error) {
	env, err := o.doRequestWithRetry(ctx, http.MethodGet, "/api/v5/account/balance", nil)
	if err != nil {
		return nil, err
	}
	if env.Code != "0" {
		return nil, fmt.Errorf("failed to fetch balances: %s (code %s)", env.Msg, env.Code)
	}

	var data []struct {
		Details []struct {
			Ccy      string `json:"ccy"`
			AvailBal string `json:"availBal"`
			CashBal  string `json:"cashBal"`
		} `json:"details"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode balance data: %w", err)
	}

	balances := make(map[string]Balance)
	for _, account := range data {
		for _, d := range account.Details {
			free, _ := strconv.ParseFloat(d.AvailBal, 64)
			total, _ := strconv.ParseFloat(d.CashBal, 64)
			balances[d.Ccy] = Balance{Free: free, Total: total}
		}
	}
	return balances, nil
}
