package pricing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokensale/internal/storage"
	"tokensale/internal/storage/memstore"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestBitfinexTicker_LastPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/ticker/tBTCUSD":
			// [BID, BID_SIZE, ASK, ASK_SIZE, DAILY_CHANGE, DAILY_CHANGE_REL, LAST_PRICE, ...]
			w.Write([]byte(`[13999,10.5,14001,8.2,200,0.014,14000.5,1234,14100,13900]`))
		case "/v2/ticker/tETHUSD":
			w.Write([]byte(`[1199,10,1201,8,20,0.01,1200.25,999,1210,1190]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ticker := NewBitfinexTicker(srv.URL, 0, 0, testLogger())

	price, err := ticker.LastPrice(context.Background(), storage.CurrencyBTC)
	require.NoError(t, err)
	assert.InDelta(t, 14000.5, price, 1e-9)

	price, err = ticker.LastPrice(context.Background(), storage.CurrencyETH)
	require.NoError(t, err)
	assert.InDelta(t, 1200.25, price, 1e-9)
}

func TestBitfinexTicker_BadResponse(t *testing.T) {
	t.Run("数组太短", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[13999,10.5]`))
		}))
		defer srv.Close()

		ticker := NewBitfinexTicker(srv.URL, 0, 0, testLogger())
		_, err := ticker.LastPrice(context.Background(), storage.CurrencyBTC)
		assert.Error(t, err)
	})

	t.Run("零价格", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[0,0,0,0,0,0,0,0,0,0]`))
		}))
		defer srv.Close()

		ticker := NewBitfinexTicker(srv.URL, 0, 0, testLogger())
		_, err := ticker.LastPrice(context.Background(), storage.CurrencyBTC)
		assert.Error(t, err)
	})

	t.Run("不支持的币种", func(t *testing.T) {
		ticker := NewBitfinexTicker("http://unused", 0, 0, testLogger())
		_, err := ticker.LastPrice(context.Background(), "DOGE")
		assert.Error(t, err)
	})
}

type stubTicker struct {
	prices map[string]float64
	err    error
}

func (s *stubTicker) LastPrice(_ context.Context, fixed string) (float64, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.prices[fixed], nil
}

func TestService_FetchOnce(t *testing.T) {
	m := memstore.New()
	svc := NewService(m, &stubTicker{prices: map[string]float64{
		storage.CurrencyBTC: 14000,
		storage.CurrencyETH: 1200,
	}}, testLogger())

	require.NoError(t, svc.FetchOnce(context.Background()))
	assert.Len(t, m.PriceTicks, 2)
}

func TestOracle_PriceAt(t *testing.T) {
	m := memstore.New()
	ctx := context.Background()
	at := time.Date(2018, 1, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.InsertPriceTick(ctx, &storage.PriceTick{
		FixedCurrency: storage.CurrencyETH, QuoteCurrency: storage.CurrencyUSD,
		Value: 1190, Created: at.Add(-3 * time.Minute),
	}))
	require.NoError(t, m.InsertPriceTick(ctx, &storage.PriceTick{
		FixedCurrency: storage.CurrencyETH, QuoteCurrency: storage.CurrencyUSD,
		Value: 1210, Created: at.Add(2 * time.Minute),
	}))

	oracle := NewOracle(m)
	price, err := oracle.PriceAt(ctx, storage.CurrencyETH, at)
	require.NoError(t, err)
	assert.InDelta(t, 1210, price, 1e-9, "窗口内取最新一条，晚于目标时刻也算")

	// 窗口外无数据
	_, err = oracle.PriceAt(ctx, storage.CurrencyETH, at.Add(time.Hour))
	assert.Error(t, err)
}
