// Package validation 地址与交易号的格式校验。扫描与API入参都经过这里，
// 坏格式在进入任何外部请求或落库之前被拦下。
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"tokensale/internal/errors"
	"tokensale/internal/storage"
)

var (
	// 传统Base58地址与bech32地址
	btcAddressPattern = regexp.MustCompile(`^(1|3)[a-km-zA-HJ-NP-Z1-9]{25,34}$|^bc1[a-z0-9]{39,59}$`)

	btcTxIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
	ethTxIDPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// CheckAddress 校验地址格式是否符合币种要求
func CheckAddress(currency, address string) error {
	switch currency {
	case storage.CurrencyBTC:
		if !btcAddressPattern.MatchString(address) {
			return errors.NewValidationError(
				fmt.Sprintf("非法的BTC地址: %s", address), nil)
		}
	case storage.CurrencyETH:
		if !common.IsHexAddress(address) {
			return errors.NewValidationError(
				fmt.Sprintf("非法的ETH地址: %s", address), nil)
		}
	default:
		return errors.NewValidationError(
			fmt.Sprintf("不支持的币种: %s", currency), nil)
	}
	return nil
}

// CheckTxID 校验交易号格式
func CheckTxID(currency, txID string) error {
	switch currency {
	case storage.CurrencyBTC:
		if !btcTxIDPattern.MatchString(txID) {
			return errors.NewValidationError(
				fmt.Sprintf("非法的BTC交易号: %s", txID), nil)
		}
	case storage.CurrencyETH:
		if !ethTxIDPattern.MatchString(txID) {
			return errors.NewValidationError(
				fmt.Sprintf("非法的ETH交易号: %s", txID), nil)
		}
	default:
		return errors.NewValidationError(
			fmt.Sprintf("不支持的币种: %s", currency), nil)
	}
	return nil
}

// CheckEmail 粗粒度邮箱格式检查，细致校验交给邮件服务商
func CheckEmail(email string) error {
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 || !strings.Contains(email[at+1:], ".") {
		return errors.NewValidationError(
			fmt.Sprintf("非法的邮箱地址: %s", email), nil)
	}
	return nil
}

// NormalizeETHAddress 把ETH地址规整成EIP-55校验和格式
func NormalizeETHAddress(address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", errors.NewValidationError(
			fmt.Sprintf("非法的ETH地址: %s", address), nil)
	}
	return common.HexToAddress(address).Hex(), nil
}
