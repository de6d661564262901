// Package scanner 周期性拉取区块浏览器数据，把打到充值地址上的入账交易
// 幂等落库。扫描本身无状态：同一笔交易无论被看到多少次，只会入库一次。
package scanner

import (
	"context"
	"time"
)

// IncomingTx 一笔已达到确认深度的入账交易，金额为链原生单位
type IncomingTx struct {
	TxID        string
	Value       float64
	Mined       time.Time
	BlockHeight int64
}

// Explorer 区块浏览器客户端。返回打到指定地址上的全部合格入账交易，
// 按挖出时间升序排列。
type Explorer interface {
	Currency() string
	Transactions(ctx context.Context, address string) ([]IncomingTx, error)
}
