package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"tokensale/internal/errors"
	"tokensale/internal/retry"
	"tokensale/internal/storage"
)

// BTC入账的确认深度：挖出区块再往后3个区块
const btcConfirmationDepth = 3

// BTCExplorer blockchain.info客户端
type BTCExplorer struct {
	baseURL  string
	client   *http.Client
	throttle *retry.Throttle
	logger   *logrus.Logger
}

// NewBTCExplorer 创建BTC区块浏览器客户端
func NewBTCExplorer(baseURL string, minInterval, timeout time.Duration, logger *logrus.Logger) *BTCExplorer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BTCExplorer{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
		throttle: retry.NewThrottle(minInterval),
		logger:   logger,
	}
}

// Currency 返回币种标识
func (e *BTCExplorer) Currency() string {
	return storage.CurrencyBTC
}

// 响应字段全部用指针接收：缺字段或类型不符一律判为坏响应，
// 绝不带猜测地入账。
type btcLatestBlock struct {
	Height *int64 `json:"height"`
}

type btcRawAddr struct {
	Address *string  `json:"address"`
	Txs     []btcRawTx `json:"txs"`
}

type btcRawTx struct {
	Hash        *string     `json:"hash"`
	BlockHeight *int64      `json:"block_height"`
	Time        *int64      `json:"time"`
	Out         []btcRawOut `json:"out"`
}

type btcRawOut struct {
	Addr  *string `json:"addr"`
	Value *int64  `json:"value"`
}

// Transactions 拉取地址的全部入账交易。只返回确认深度足够的交易，
// 未上块或深度不足的留给下一轮。
func (e *BTCExplorer) Transactions(ctx context.Context, address string) ([]IncomingTx, error) {
	if err := e.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	latest, err := e.latestHeight(ctx)
	if err != nil {
		return nil, err
	}

	if err := e.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := e.fetchRawAddr(ctx, address)
	if err != nil {
		return nil, err
	}
	if raw.Address == nil || *raw.Address != address {
		return nil, errors.ErrExplorerBadResponse.
			WithContext("field", "address").
			WithContext("address", address)
	}

	var out []IncomingTx
	for i, tx := range raw.Txs {
		if tx.Hash == nil || tx.Time == nil {
			return nil, errors.ErrExplorerBadResponse.
				WithContext("field", fmt.Sprintf("txs[%d]", i)).
				WithContext("address", address)
		}
		// 未上块的交易block_height缺失，跳过等下一轮
		if tx.BlockHeight == nil {
			continue
		}
		if *tx.BlockHeight+btcConfirmationDepth > latest {
			continue
		}

		var satoshi int64
		for j, o := range tx.Out {
			if o.Value == nil {
				return nil, errors.ErrExplorerBadResponse.
					WithContext("field", fmt.Sprintf("txs[%d].out[%d].value", i, j)).
					WithContext("address", address)
			}
			if o.Addr != nil && *o.Addr == address {
				satoshi += *o.Value
			}
		}
		if satoshi <= 0 {
			continue
		}

		out = append(out, IncomingTx{
			TxID:        *tx.Hash,
			Value:       float64(satoshi) / 1e8,
			Mined:       time.Unix(*tx.Time, 0).UTC(),
			BlockHeight: *tx.BlockHeight,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Mined.Before(out[j].Mined) })
	return out, nil
}

func (e *BTCExplorer) latestHeight(ctx context.Context) (int64, error) {
	body, err := e.get(ctx, e.baseURL+"/latestblock")
	if err != nil {
		return 0, err
	}
	var latest btcLatestBlock
	if err := json.Unmarshal(body, &latest); err != nil {
		return 0, errors.NewSerializationError(fmt.Sprintf("解析最新区块响应失败: %v", err), err)
	}
	if latest.Height == nil {
		return 0, errors.ErrExplorerBadResponse.WithContext("field", "height")
	}
	return *latest.Height, nil
}

func (e *BTCExplorer) fetchRawAddr(ctx context.Context, address string) (*btcRawAddr, error) {
	body, err := e.get(ctx, fmt.Sprintf("%s/rawaddr/%s", e.baseURL, address))
	if err != nil {
		return nil, err
	}
	var raw btcRawAddr
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errors.NewSerializationError(fmt.Sprintf("解析地址交易响应失败: %v", err), err)
	}
	return &raw, nil
}

func (e *BTCExplorer) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
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
	return body, nil
}
