package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tokensale/internal/errors"
	"tokensale/internal/retry"
	"tokensale/internal/storage"
)

// ETH入账的确认深度
const ethMinConfirmations = 12

// 早于主网上线的时间戳一律视为坏数据
var ethMainnetLaunch = time.Date(2015, 7, 9, 0, 0, 0, 0, time.UTC)

// ETHExplorer etherscan客户端
type ETHExplorer struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	throttle *retry.Throttle
	logger   *logrus.Logger
}

// NewETHExplorer 创建ETH区块浏览器客户端
func NewETHExplorer(baseURL, apiKey string, minInterval, timeout time.Duration, logger *logrus.Logger) *ETHExplorer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ETHExplorer{
		baseURL:  baseURL,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		throttle: retry.NewThrottle(minInterval),
		logger:   logger,
	}
}

// Currency 返回币种标识
func (e *ETHExplorer) Currency() string {
	return storage.CurrencyETH
}

type ethTxListResponse struct {
	Status  *string    `json:"status"`
	Message *string    `json:"message"`
	Result  []ethRawTx `json:"result"`
}

// etherscan把数值都编码成十进制字符串
type ethRawTx struct {
	Hash          *string `json:"hash"`
	TimeStamp     *string `json:"timeStamp"`
	Value         *string `json:"value"`
	To            *string `json:"to"`
	BlockNumber   *string `json:"blockNumber"`
	Confirmations *string `json:"confirmations"`
	IsError       *string `json:"isError"`
}

// Transactions 拉取地址的入账交易。只认打到本地址、金额为正、确认数
// 达标的记录；字段缺失或解析失败整批拒绝。
func (e *ETHExplorer) Transactions(ctx context.Context, address string) ([]IncomingTx, error) {
	if err := e.throttle.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", "txlist")
	q.Set("address", address)
	q.Set("sort", "asc")
	if e.apiKey != "" {
		q.Set("apikey", e.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, errors.NewNetworkError(fmt.Sprintf("构造请求失败: %v", err), err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errors.NewNetworkError(fmt.Sprintf("请求区块浏览器失败: %v", err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewExplorerError(
			fmt.Sprintf("区块浏览器返回异常状态码: %d", resp.StatusCode), nil)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewNetworkError(fmt.Sprintf("读取响应失败: %v", err), err)
	}

	var parsed ethTxListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.NewSerializationError(fmt.Sprintf("解析交易列表响应失败: %v", err), err)
	}
	if parsed.Status == nil {
		return nil, errors.ErrExplorerBadResponse.WithContext("field", "status")
	}
	// status=0且无结果表示地址没有交易，不算错误
	if *parsed.Status != "1" && len(parsed.Result) > 0 {
		return nil, errors.NewExplorerError(
			fmt.Sprintf("区块浏览器返回错误状态: %s", safeString(parsed.Message)), nil)
	}

	var out []IncomingTx
	for i, tx := range parsed.Result {
		incoming, skip, err := e.convert(address, i, tx)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}
		out = append(out, incoming)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Mined.Before(out[j].Mined) })
	return out, nil
}

func (e *ETHExplorer) convert(address string, idx int, tx ethRawTx) (IncomingTx, bool, error) {
	badField := func(field string) error {
		return errors.ErrExplorerBadResponse.
			WithContext("field", fmt.Sprintf("result[%d].%s", idx, field)).
			WithContext("address", address)
	}

	if tx.Hash == nil || tx.TimeStamp == nil || tx.Value == nil ||
		tx.To == nil || tx.BlockNumber == nil || tx.Confirmations == nil {
		return IncomingTx{}, false, badField("missing")
	}

	// 出账或合约内部调用不关心
	if !strings.EqualFold(*tx.To, address) {
		return IncomingTx{}, true, nil
	}
	if tx.IsError != nil && *tx.IsError != "0" {
		return IncomingTx{}, true, nil
	}

	confirmations, err := strconv.ParseInt(*tx.Confirmations, 10, 64)
	if err != nil {
		return IncomingTx{}, false, badField("confirmations")
	}
	if confirmations < ethMinConfirmations {
		return IncomingTx{}, true, nil
	}

	ts, err := strconv.ParseInt(*tx.TimeStamp, 10, 64)
	if err != nil {
		return IncomingTx{}, false, badField("timeStamp")
	}
	mined := time.Unix(ts, 0).UTC()
	if mined.Before(ethMainnetLaunch) {
		return IncomingTx{}, false, badField("timeStamp")
	}

	wei, ok := new(big.Int).SetString(*tx.Value, 10)
	if !ok || wei.Sign() < 0 {
		return IncomingTx{}, false, badField("value")
	}
	if wei.Sign() == 0 {
		return IncomingTx{}, true, nil
	}

	blockHeight, err := strconv.ParseInt(*tx.BlockNumber, 10, 64)
	if err != nil {
		return IncomingTx{}, false, badField("blockNumber")
	}

	value, _ := new(big.Float).Quo(
		new(big.Float).SetInt(wei),
		big.NewFloat(1e18),
	).Float64()

	return IncomingTx{
		TxID:        *tx.Hash,
		Value:       value,
		Mined:       mined,
		BlockHeight: blockHeight,
	}, false, nil
}

func safeString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
