package config

import (
	"fmt"
	"os"
	"time"

	"tokensale/internal/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 公售结束时间等日期字段使用的格式
const DateLayout = "2006-01-02 15:04:05"

// Config 主配置
type Config struct {
	Database  *DatabaseConfig    `mapstructure:"database"`
	Sale      *SaleConfig        `mapstructure:"sale"`
	Scanner   *ScannerConfig     `mapstructure:"scanner"`
	Pricing   *PricingConfig     `mapstructure:"pricing"`
	Chain     *ChainConfig       `mapstructure:"chain"`
	Mail      *MailConfig        `mapstructure:"mail"`
	Analytics *AnalyticsConfig   `mapstructure:"analytics"`
	Worker    *WorkerConfig      `mapstructure:"worker"`
	API       *APIConfig         `mapstructure:"api"`
	Progress  *ProgressConfig    `mapstructure:"progress"`
	Logging   *logging.LogConfig `mapstructure:"logging"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime string `mapstructure:"conn_max_lifetime"`
}

// SaleConfig 售卖参数配置
type SaleConfig struct {
	TokenPriceUSD     float64 `mapstructure:"token_price_usd"`     // 固定代币单价（USD）
	TotalSupply       float64 `mapstructure:"total_supply"`        // 发行总量硬上限
	PublicSaleEndDate string  `mapstructure:"public_sale_end_date"`
	SupportEmail      string  `mapstructure:"support_email"`
}

// EndDate 解析公售结束时间
func (c *SaleConfig) EndDate() (time.Time, error) {
	return time.Parse(DateLayout, c.PublicSaleEndDate)
}

// ScannerConfig 链扫描配置
type ScannerConfig struct {
	EtherscanURL       string `mapstructure:"etherscan_url"`
	EtherscanAPIKey    string `mapstructure:"etherscan_api_key"`
	EtherscanInterval  string `mapstructure:"etherscan_interval"` // 同一provider两次调用的最小间隔
	BlockchainInfoURL  string `mapstructure:"blockchaininfo_url"`
	BlockchainInterval string `mapstructure:"blockchaininfo_interval"`
	RequestTimeout     string `mapstructure:"request_timeout"`
}

// PricingConfig 行情抓取配置
type PricingConfig struct {
	BitfinexURL    string `mapstructure:"bitfinex_url"`
	SymbolPause    string `mapstructure:"symbol_pause"` // 两个交易对之间的停顿
	RequestTimeout string `mapstructure:"request_timeout"`
}

// ChainConfig 链节点与铸币合约配置
type ChainConfig struct {
	NodeURL           string  `mapstructure:"node_url"`
	NetworkID         int64   `mapstructure:"network_id"`
	ManagerAddress    string  `mapstructure:"manager_address"`
	ManagerPrivateKey string  `mapstructure:"manager_private_key"`
	ContractAddress   string  `mapstructure:"contract_address"`
	GasMultiplier     float64 `mapstructure:"gas_multiplier"`
	MaxPendingCount   int     `mapstructure:"max_pending_count"` // 在途铸币交易上限（背压）
	RequestTimeout    string  `mapstructure:"request_timeout"`
}

// MailConfig 邮件投递配置
type MailConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	Domain            string `mapstructure:"domain"`
	APIKey            string `mapstructure:"api_key"`
	Sender            string `mapstructure:"sender"`
	MaxAttempts       int    `mapstructure:"max_attempts"` // 单条通知累计失败上限
	ConfirmBaseURL    string `mapstructure:"confirm_base_url"`
	DeliveryCheck     bool   `mapstructure:"delivery_check"`
	DeliveryDaysDepth int    `mapstructure:"delivery_days_depth"`
	RequestTimeout    string `mapstructure:"request_timeout"`
}

// AnalyticsConfig 分析事件配置
type AnalyticsConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"`
}

// WorkerConfig 周期任务调度配置
type WorkerConfig struct {
	ScanInterval        string `mapstructure:"scan_interval"`
	PriceInterval       string `mapstructure:"price_interval"`
	PurchaseInterval    string `mapstructure:"purchase_interval"`
	SettlementInterval  string `mapstructure:"settlement_interval"`
	StatusCheckInterval string `mapstructure:"status_check_interval"`
	NotifyInterval      string `mapstructure:"notify_interval"`
	ResendInterval      string `mapstructure:"resend_interval"`
}

// APIConfig HTTP服务配置
type APIConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Mode       string `mapstructure:"mode"` // gin模式 (debug, release)
}

// ProgressConfig 扫描进度存储配置
type ProgressConfig struct {
	Path string `mapstructure:"path"` // bbolt文件路径
}

// LoadConfig 加载配置：先读取.env，再读取YAML，环境变量覆盖
func LoadConfig(configPath string) (*Config, error) {
	// .env仅在存在时加载，缺失不算错误
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TOKENSALE")
	v.AutomaticEnv()

	config := GetDefaultConfig()

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(configPath); !os.IsNotExist(statErr) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		// 没有配置文件时退回默认配置，便于本地试运行
	} else if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if dsn := os.Getenv("TOKENSALE_DB_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}

	return config, nil
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: "30m",
		},
		Sale: &SaleConfig{
			TokenPriceUSD:     0.25,
			TotalSupply:       200_000_000,
			PublicSaleEndDate: "2018-01-26 00:00:00",
			SupportEmail:      "support@tokensale.local",
		},
		Scanner: &ScannerConfig{
			EtherscanURL:       "https://api.etherscan.io/api",
			EtherscanAPIKey:    "",
			EtherscanInterval:  "5s",
			BlockchainInfoURL:  "https://blockchain.info",
			BlockchainInterval: "10s",
			RequestTimeout:     "30s",
		},
		Pricing: &PricingConfig{
			BitfinexURL:    "https://api.bitfinex.com/v1",
			SymbolPause:    "6s",
			RequestTimeout: "15s",
		},
		Chain: &ChainConfig{
			NodeURL:         "",
			NetworkID:       3,
			GasMultiplier:   1.2,
			MaxPendingCount: 50,
			RequestTimeout:  "30s",
		},
		Mail: &MailConfig{
			BaseURL:           "https://api.mailgun.net",
			Domain:            "",
			APIKey:            "",
			Sender:            "noreply@tokensale.local",
			MaxAttempts:       3,
			ConfirmBaseURL:    "https://localhost/confirm",
			DeliveryCheck:     false,
			DeliveryDaysDepth: 3,
			RequestTimeout:    "30s",
		},
		Analytics: &AnalyticsConfig{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
			Topics: map[string]string{
				"purchases":   "sale_purchases",
				"withdrawals": "sale_withdrawals",
			},
		},
		Worker: &WorkerConfig{
			ScanInterval:        "1h",
			PriceInterval:       "1m",
			PurchaseInterval:    "5m",
			SettlementInterval:  "5m",
			StatusCheckInterval: "5m",
			NotifyInterval:      "20s",
			ResendInterval:      "1h",
		},
		API: &APIConfig{
			ListenAddr: ":8080",
			Mode:       "release",
		},
		Progress: &ProgressConfig{
			Path: "./data/scan_progress.db",
		},
		Logging: &logging.LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}
