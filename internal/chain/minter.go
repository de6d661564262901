// Package chain 代币合约的链上交互：提交mint交易并跟踪回执。
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	saleerrors "tokensale/internal/errors"
)

// 回执状态
const (
	ReceiptSuccess = "0x1"
	ReceiptFailed  = "0x0"
)

// 代币精度：18位小数
var tokenDecimals = big.NewFloat(1e18)

const mintABI = `[{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"mint","outputs":[{"name":"","type":"bool"}],"payable":false,"stateMutability":"nonpayable","type":"function"}]`

// Backend 铸币所需的节点能力子集
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// ReceiptCaller 原始JSON-RPC调用，用于拿到未经类型化的回执status
type ReceiptCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Minter 代币铸造器。每次Mint用pending nonce构造EIP-155签名交易，
// gas价格按配置系数上浮。
type Minter struct {
	backend       Backend
	receipts      ReceiptCaller
	key           *ecdsa.PrivateKey
	from          common.Address
	contract      common.Address
	chainID       *big.Int
	gasMultiplier float64
	callTimeout   time.Duration
	contractABI   abi.ABI
	logger        *logrus.Logger
}

// NewMinter 连接节点并构造铸造器。managerAddr非空时校验与私钥推导的
// 地址一致，防止配错账户。
func NewMinter(ctx context.Context, nodeURL, privateKeyHex, managerAddr, contractAddr string,
	chainID int64, gasMultiplier float64, callTimeout time.Duration,
	logger *logrus.Logger) (*Minter, error) {

	rpcClient, err := rpc.DialContext(ctx, nodeURL)
	if err != nil {
		return nil, saleerrors.NewChainError(fmt.Sprintf("连接链节点失败: %v", err), err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, saleerrors.NewConfigError(fmt.Sprintf("解析铸币私钥失败: %v", err), err)
	}
	if managerAddr != "" {
		derived := crypto.PubkeyToAddress(key.PublicKey)
		if !common.IsHexAddress(managerAddr) || common.HexToAddress(managerAddr) != derived {
			return nil, saleerrors.NewConfigError(
				fmt.Sprintf("管理账户地址与私钥不匹配: 配置%s，私钥推导%s", managerAddr, derived.Hex()), nil)
		}
	}
	if !common.IsHexAddress(contractAddr) {
		return nil, saleerrors.NewConfigError(fmt.Sprintf("非法的合约地址: %s", contractAddr), nil)
	}

	m, err := newMinter(ethclient.NewClient(rpcClient), rpcClient, key,
		common.HexToAddress(contractAddr), chainID, gasMultiplier, logger)
	if err != nil {
		return nil, err
	}
	m.callTimeout = callTimeout
	return m, nil
}

func newMinter(backend Backend, receipts ReceiptCaller, key *ecdsa.PrivateKey,
	contract common.Address, chainID int64, gasMultiplier float64,
	logger *logrus.Logger) (*Minter, error) {

	parsed, err := abi.JSON(strings.NewReader(mintABI))
	if err != nil {
		return nil, saleerrors.NewConfigError(fmt.Sprintf("解析合约ABI失败: %v", err), err)
	}
	return &Minter{
		backend:       backend,
		receipts:      receipts,
		key:           key,
		from:          crypto.PubkeyToAddress(key.PublicKey),
		contract:      contract,
		chainID:       big.NewInt(chainID),
		gasMultiplier: gasMultiplier,
		contractABI:   parsed,
		logger:        logger,
	}, nil
}

// From 返回铸币账户地址
func (m *Minter) From() common.Address {
	return m.from
}

// Mint 给目标地址铸造指定数量的代币，返回链上交易号。
// 提交失败时不产生交易号，调用方据此决定是否换nonce重试。
func (m *Minter) Mint(ctx context.Context, to string, tokens float64) (string, error) {
	ctx, cancel := m.callCtx(ctx)
	defer cancel()
	if !common.IsHexAddress(to) {
		return "", saleerrors.NewValidationError(fmt.Sprintf("非法的目标地址: %s", to), nil)
	}
	toAddr := common.HexToAddress(to)
	amount := tokensToUnits(tokens)

	data, err := m.contractABI.Pack("mint", toAddr, amount)
	if err != nil {
		return "", saleerrors.ErrMintFailed.WithCause(err).WithContext("stage", "pack")
	}

	nonce, err := m.backend.PendingNonceAt(ctx, m.from)
	if err != nil {
		return "", saleerrors.ErrMintFailed.WithCause(err).WithContext("stage", "nonce")
	}

	gasPrice, err := m.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", saleerrors.ErrMintFailed.WithCause(err).WithContext("stage", "gas_price")
	}
	gasPrice = scaleGasPrice(gasPrice, m.gasMultiplier)

	gasLimit, err := m.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     m.from,
		To:       &m.contract,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return "", saleerrors.ErrMintFailed.WithCause(err).WithContext("stage", "estimate_gas")
	}

	tx := types.NewTransaction(nonce, m.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(m.chainID), m.key)
	if err != nil {
		return "", saleerrors.ErrMintFailed.WithCause(err).WithContext("stage", "sign")
	}

	if err := m.backend.SendTransaction(ctx, signed); err != nil {
		return "", saleerrors.ErrMintFailed.WithCause(err).WithContext("stage", "send")
	}

	txID := signed.Hash().Hex()
	m.logger.WithFields(logrus.Fields{
		"tx_id":  txID,
		"to":     to,
		"tokens": tokens,
		"nonce":  nonce,
	}).Info("铸币交易已提交")
	return txID, nil
}

type rawReceipt struct {
	Status string `json:"status"`
}

// TransactionStatus 查询铸币交易的回执状态。交易还未上块时返回
// pending=true，status为空。
func (m *Minter) TransactionStatus(ctx context.Context, txID string) (status string, pending bool, err error) {
	ctx, cancel := m.callCtx(ctx)
	defer cancel()
	var receipt *rawReceipt
	if err := m.receipts.CallContext(ctx, &receipt, "eth_getTransactionReceipt", txID); err != nil {
		return "", false, saleerrors.NewChainError(fmt.Sprintf("查询交易回执失败: %v", err), err)
	}
	if receipt == nil {
		return "", true, nil
	}
	switch receipt.Status {
	case ReceiptSuccess, ReceiptFailed:
		return receipt.Status, false, nil
	default:
		return "", false, saleerrors.NewChainError(
			fmt.Sprintf("回执status字段无法识别: %q", receipt.Status), nil)
	}
}

// callCtx 给单次链上调用套上超时预算
func (m *Minter) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.callTimeout)
}

// tokensToUnits 代币数量转为合约最小单位
func tokensToUnits(tokens float64) *big.Int {
	units, _ := new(big.Float).Mul(big.NewFloat(tokens), tokenDecimals).Int(nil)
	return units
}

// scaleGasPrice gas价格按系数上浮，向上取整
func scaleGasPrice(price *big.Int, multiplier float64) *big.Int {
	if multiplier <= 1 {
		return price
	}
	scaled, _ := new(big.Float).Mul(new(big.Float).SetInt(price), big.NewFloat(multiplier)).Int(nil)
	if scaled.Cmp(price) <= 0 {
		return price
	}
	return scaled
}
