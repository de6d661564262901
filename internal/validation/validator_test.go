package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tokensale/internal/storage"
)

func TestCheckAddress_BTC(t *testing.T) {
	valid := []string{
		"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
		"3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy",
		"bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq",
	}
	for _, a := range valid {
		assert.NoError(t, CheckAddress(storage.CurrencyBTC, a), a)
	}

	invalid := []string{
		"",
		"0A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
		"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfN0", // 含0，Base58不允许
		"0x52908400098527886E0F7030069857D2E4169EE7",
	}
	for _, a := range invalid {
		assert.Error(t, CheckAddress(storage.CurrencyBTC, a), a)
	}
}

func TestCheckAddress_ETH(t *testing.T) {
	assert.NoError(t, CheckAddress(storage.CurrencyETH, "0x52908400098527886E0F7030069857D2E4169EE7"))
	assert.NoError(t, CheckAddress(storage.CurrencyETH, "0x52908400098527886e0f7030069857d2e4169ee7"))

	assert.Error(t, CheckAddress(storage.CurrencyETH, "52908400098527886E0F7030069857D2E4169EE7x"))
	assert.Error(t, CheckAddress(storage.CurrencyETH, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"))
}

func TestCheckAddress_UnknownCurrency(t *testing.T) {
	assert.Error(t, CheckAddress("DOGE", "DBXu2kgc3xtvCUWFcxFE3r9hEYgmuaaCyD"))
}

func TestCheckTxID(t *testing.T) {
	assert.NoError(t, CheckTxID(storage.CurrencyBTC,
		"6a9013b8684862e9ccfb527bf8f5ea5eb213e77e3970ff2cd8bbc22beb7cebfb"))
	assert.Error(t, CheckTxID(storage.CurrencyBTC, "6a9013b8"))

	assert.NoError(t, CheckTxID(storage.CurrencyETH,
		"0x85d995eba9763907fdf35cd2034144dd9d53ce32cbec21349d4b12823c6860c5"))
	assert.Error(t, CheckTxID(storage.CurrencyETH,
		"85d995eba9763907fdf35cd2034144dd9d53ce32cbec21349d4b12823c6860c5"))
}

func TestCheckEmail(t *testing.T) {
	assert.NoError(t, CheckEmail("user@example.com"))
	assert.Error(t, CheckEmail("user"))
	assert.Error(t, CheckEmail("@example.com"))
	assert.Error(t, CheckEmail("user@localhost"))
}

func TestNormalizeETHAddress(t *testing.T) {
	got, err := NormalizeETHAddress("0x52908400098527886e0f7030069857d2e4169ee7")
	assert.NoError(t, err)
	assert.Equal(t, "0x52908400098527886E0F7030069857D2E4169EE7", got)

	_, err = NormalizeETHAddress("not-an-address")
	assert.Error(t, err)
}
