package storage

import "time"

// Currency 币种标识
const (
	CurrencyBTC = "BTC"
	CurrencyETH = "ETH"
	CurrencyUSD = "USD"
)

// Transaction / Withdrawal 状态
const (
	TxStatusPending = "pending"
	TxStatusSuccess = "success"
	TxStatusFail    = "fail"

	WithdrawalStatusNotConfirmed = "not_confirmed"
	WithdrawalStatusConfirmed    = "confirmed"
	WithdrawalStatusPending      = "pending"
	WithdrawalStatusSuccess      = "success"
	WithdrawalStatusFail         = "fail"
)

// Operation 种类
const (
	OperationWithdrawToken = "withdraw_token"
	OperationChangeAddress = "change_address"
)

// Notification 类型
const (
	NotifyPurchaseConfirmed      = "transaction_received"
	NotifySoldOut                = "transaction_received_sold_out"
	NotifyWithdrawalRequest      = "withdrawal_request"
	NotifyWithdrawalSucceeded    = "withdrawal_succeeded"
	NotifyAddressChangeRequest   = "withdraw_address_change_request"
	NotifyAddressChanged         = "withdraw_address_changed"
	NotifyOperationCompleted     = "operation_completed"
)

// AssignResult 地址分配的枚举结果
type AssignResult int

const (
	AssignOK AssignResult = iota
	AssignAlreadyAssigned
	AssignExhausted
)

// String 返回分配结果的字符串表示
func (r AssignResult) String() string {
	switch r {
	case AssignOK:
		return "assigned"
	case AssignAlreadyAssigned:
		return "already_assigned"
	case AssignExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// User 用户投影：核心只关心邮箱、提取地址与额度计入标记
type User struct {
	ID              int64  `db:"id"`
	Email           string `db:"email"`
	WithdrawAddress string `db:"withdraw_address"`
	SaleAllocated   bool   `db:"sale_allocated"`
}

// Address 充值地址。分配给用户后所有者不再变化，记录永不删除。
type Address struct {
	ID            int64  `db:"id"`
	Address       string `db:"address"`
	Currency      string `db:"currency"`
	IsUsable      bool   `db:"is_usable"`
	ForceScanning bool   `db:"force_scanning"`
	UserID        *int64 `db:"user_id"`
}

// Transaction 链上入账交易。TxID全局唯一，金额与ID入库后不再修改。
type Transaction struct {
	ID                  int64     `db:"id"`
	TxID                string    `db:"tx_id"`
	Value               float64   `db:"value"` // 链原生单位（BTC/ETH）
	Mined               time.Time `db:"mined"`
	BlockHeight         int64     `db:"block_height"`
	AddressID           int64     `db:"address_id"`
	Status              string    `db:"status"`
	SkipCalculation     bool      `db:"skip_calculation"`
	Notified            bool      `db:"notified"`
	FailedNotifications int       `db:"failed_notifications"`
	MessageID           string    `db:"message_id"`
}

// PendingTransaction 交易及其归属信息。TokenValue只在交易已换算成购买时
// 有值。
type PendingTransaction struct {
	Transaction
	Currency      string  `db:"currency"`
	UserID        int64   `db:"user_id"`
	UserEmail     string  `db:"user_email"`
	SaleAllocated bool    `db:"sale_allocated"`
	TokenValue    float64 `db:"token_value"`
}

// Purchase 代币购买记录，与交易1:1绑定
type Purchase struct {
	ID            int64     `db:"id"`
	PurchaseID    string    `db:"purchase_id"`
	CurrencyRate  float64   `db:"currency_rate"` // 币种→USD汇率
	USDValue      float64   `db:"usd_value"`
	TokenRate     float64   `db:"token_rate"` // 固定代币单价（USD）
	TokenValue    float64   `db:"token_value"`
	SaleAllocated bool      `db:"sale_allocated"`
	Created       time.Time `db:"created"`
	TransactionID int64     `db:"transaction_id"`
}

// PresaleGrant 人工录入的预售额度，计入上限与余额的口径与Purchase一致
type PresaleGrant struct {
	ID             int64   `db:"id"`
	TokenValue     float64 `db:"token_value"`
	SaleAllocated  bool    `db:"sale_allocated"`
	IsPresaleRound bool    `db:"is_presale_round"`
	UserID         int64   `db:"user_id"`
}

// PriceTick 行情快照，只追加
type PriceTick struct {
	ID            int64     `db:"id"`
	FixedCurrency string    `db:"fixed_currency"`
	QuoteCurrency string    `db:"quote_currency"`
	Value         float64   `db:"value"`
	Created       time.Time `db:"created"`
}

// Withdrawal 提取记录。金额在创建时定格为全部余额，状态只向前推进。
type Withdrawal struct {
	ID      int64     `db:"id"`
	Value   float64   `db:"value"`
	To      string    `db:"to_address"`
	TxID    string    `db:"tx_id"`
	Status  string    `db:"status"`
	Created time.Time `db:"created"`
	UserID  int64     `db:"user_id"`
}

// OperationParams 敏感操作的类型化参数
type OperationParams struct {
	Address      string  `json:"address,omitempty"`
	Amount       float64 `json:"amount,omitempty"`
	WithdrawalID int64   `json:"withdrawal_id,omitempty"`
}

// Operation 需要邮件口令确认的敏感操作。confirmed_at写入后不可再变更。
type Operation struct {
	ID                     int64           `db:"id"`
	Kind                   string          `db:"kind"`
	Token                  string          `db:"token"`
	Params                 OperationParams `db:"params"`
	ConfirmedAt            *time.Time      `db:"confirmed_at"`
	LastNotificationSentAt time.Time       `db:"last_notification_sent_at"`
	Created                time.Time       `db:"created"`
	UserID                 int64           `db:"user_id"`
}

// Confirmed 操作是否已确认
func (o *Operation) Confirmed() bool {
	return o.ConfirmedAt != nil
}

// Notification 待投递的通知记录，由邮件worker异步消费
type Notification struct {
	ID                  int64             `db:"id"`
	UserID              *int64            `db:"user_id"`
	Type                string            `db:"type"`
	Email               string            `db:"email"`
	Created             time.Time         `db:"created"`
	Sent                *time.Time        `db:"sent"`
	IsSent              bool              `db:"is_sent"`
	FailedAttempts      int               `db:"failed_attempts"`
	MessageID           string            `db:"message_id"`
	DeliveryFailed      bool              `db:"delivery_failed"`
	Params              map[string]string `db:"params"`
}
