package chain

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	nonce    uint64
	gasPrice *big.Int
	gasLimit uint64
	sent     []*types.Transaction
	sendErr  error
}

func (s *stubBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return s.nonce, nil
}

func (s *stubBackend) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	return new(big.Int).Set(s.gasPrice), nil
}

func (s *stubBackend) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	return s.gasLimit, nil
}

func (s *stubBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, tx)
	return nil
}

type stubReceipts struct {
	payload string // 空串表示回执不存在
}

func (s *stubReceipts) CallContext(_ context.Context, result interface{}, method string, _ ...interface{}) error {
	if method != "eth_getTransactionReceipt" {
		return nil
	}
	if s.payload == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.payload), result)
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func testMinter(t *testing.T, backend Backend, receipts ReceiptCaller) *Minter {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	m, err := newMinter(backend, receipts, key,
		common.HexToAddress("0x52908400098527886E0F7030069857D2E4169EE7"),
		3, 1.2, testLogger())
	require.NoError(t, err)
	return m
}

func TestMint_SignsWithChainID(t *testing.T) {
	backend := &stubBackend{nonce: 7, gasPrice: big.NewInt(10_000_000_000), gasLimit: 60000}
	m := testMinter(t, backend, &stubReceipts{})

	txID, err := m.Mint(context.Background(), "0x8ba1f109551bD432803012645Ac136ddd64DBA72", 30)
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	sent := backend.sent[0]
	assert.Equal(t, txID, sent.Hash().Hex())
	assert.Equal(t, uint64(7), sent.Nonce())
	assert.Equal(t, uint64(60000), sent.Gas())

	// gas价格上浮1.2倍
	assert.Equal(t, big.NewInt(12_000_000_000), sent.GasPrice())

	// EIP-155签名携带链ID
	assert.Equal(t, big.NewInt(3), sent.ChainId())

	from, err := types.Sender(types.NewEIP155Signer(big.NewInt(3)), sent)
	require.NoError(t, err)
	assert.Equal(t, m.From(), from)
}

func TestMint_SendFailureReturnsNoTxID(t *testing.T) {
	backend := &stubBackend{
		nonce: 1, gasPrice: big.NewInt(1), gasLimit: 21000,
		sendErr: assert.AnError,
	}
	m := testMinter(t, backend, &stubReceipts{})

	txID, err := m.Mint(context.Background(), "0x8ba1f109551bD432803012645Ac136ddd64DBA72", 1)
	assert.Error(t, err)
	assert.Empty(t, txID, "提交失败不得返回交易号")
}

func TestMint_RejectsBadAddress(t *testing.T) {
	m := testMinter(t, &stubBackend{gasPrice: big.NewInt(1)}, &stubReceipts{})
	_, err := m.Mint(context.Background(), "not-an-address", 1)
	assert.Error(t, err)
}

func TestTransactionStatus(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		status  string
		pending bool
		wantErr bool
	}{
		{"成功回执", `{"status":"0x1"}`, ReceiptSuccess, false, false},
		{"失败回执", `{"status":"0x0"}`, ReceiptFailed, false, false},
		{"回执不存在", "", "", true, false},
		{"无法识别的status", `{"status":"0x2"}`, "", false, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := testMinter(t, &stubBackend{gasPrice: big.NewInt(1)}, &stubReceipts{payload: tc.payload})
			status, pending, err := m.TransactionStatus(context.Background(), "0xabc")
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.pending, pending)
		})
	}
}

func TestTokensToUnits(t *testing.T) {
	units := tokensToUnits(30)
	expected, _ := new(big.Int).SetString("30000000000000000000", 10)
	assert.Zero(t, units.Cmp(expected))

	units = tokensToUnits(0.5)
	expected, _ = new(big.Int).SetString("500000000000000000", 10)
	assert.Zero(t, units.Cmp(expected))
}
