package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"tokensale/internal/errors"
	"tokensale/internal/retry"
	"tokensale/internal/storage"
)

// bitfinex v2 ticker响应是定长数组，LAST_PRICE在第7位
const bitfinexLastPriceIndex = 6

var bitfinexSymbols = map[string]string{
	storage.CurrencyBTC: "tBTCUSD",
	storage.CurrencyETH: "tETHUSD",
}

// BitfinexTicker bitfinex公开行情客户端
type BitfinexTicker struct {
	baseURL  string
	client   *http.Client
	throttle *retry.Throttle
	logger   *logrus.Logger
}

// NewBitfinexTicker 创建bitfinex行情客户端
func NewBitfinexTicker(baseURL string, minInterval, timeout time.Duration, logger *logrus.Logger) *BitfinexTicker {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &BitfinexTicker{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
		throttle: retry.NewThrottle(minInterval),
		logger:   logger,
	}
}

// LastPrice 查询币种对USD的最新成交价
func (b *BitfinexTicker) LastPrice(ctx context.Context, fixed string) (float64, error) {
	symbol, ok := bitfinexSymbols[fixed]
	if !ok {
		return 0, errors.NewValidationError(fmt.Sprintf("不支持的行情币种: %s", fixed), nil)
	}

	if err := b.throttle.Wait(ctx); err != nil {
		return 0, err
	}

	url := fmt.Sprintf("%s/v2/ticker/%s", b.baseURL, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errors.NewNetworkError(fmt.Sprintf("构造请求失败: %v", err), err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return 0, errors.NewNetworkError(fmt.Sprintf("请求行情接口失败: %v", err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, errors.NewTickerError(
			fmt.Sprintf("行情接口返回异常状态码: %d", resp.StatusCode), nil)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, errors.NewNetworkError(fmt.Sprintf("读取响应失败: %v", err), err)
	}

	var fields []json.Number
	if err := json.Unmarshal(body, &fields); err != nil {
		return 0, errors.NewSerializationError(fmt.Sprintf("解析行情响应失败: %v", err), err)
	}
	if len(fields) <= bitfinexLastPriceIndex {
		return 0, errors.ErrTickerBadResponse.WithContext("symbol", symbol)
	}
	price, err := fields[bitfinexLastPriceIndex].Float64()
	if err != nil || price <= 0 {
		return 0, errors.ErrTickerBadResponse.
			WithContext("symbol", symbol).
			WithContext("last_price", fields[bitfinexLastPriceIndex].String())
	}
	return price, nil
}
