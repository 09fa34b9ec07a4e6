package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/onboarding92/bitchange/pkg/app/core/market"
	"github.com/onboarding92/bitchange/pkg/app/core/sequencer"
	"github.com/onboarding92/bitchange/pkg/app/exchange"
	"github.com/onboarding92/bitchange/pkg/storage/sqlstore"
)

type Node struct {
	DataDir  string
	APIAddr  string
	LogFile  string // empty logs to stdout only
	LogLevel string
	// EnableFunding exposes deposit/withdraw endpoints. Devnet only.
	EnableFunding bool
	CORSOrigins   []string
}

type Markets struct {
	Symbols     []string
	TickSize    decimal.Decimal
	LotSize     decimal.Decimal
	MinNotional decimal.Decimal
	MakerFeeBps int64
	TakerFeeBps int64
	AssetScale  int32 // decimals fees are truncated to
}

type Ledger struct {
	// HouseAccount receives trading fees
	HouseAccount common.Address
}

type Sequencer struct {
	QueueSize            int
	MaxPersistRetries    int
	RetryInitialInterval time.Duration
	SnapshotDepth        int
}

type Postgres struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

type Storage struct {
	Driver   string // "pebble" or "postgres"
	Postgres Postgres
}

type Notify struct {
	KafkaBrokers []string // empty disables the Kafka sink
	KafkaTopic   string
	QueueSize    int
}

type Feeder struct {
	Enabled  bool
	Mode     string // "default" or "high"
	Accounts int
	Interval time.Duration
}

type Config struct {
	Node      Node
	Markets   Markets
	Ledger    Ledger
	Sequencer Sequencer
	Storage   Storage
	Notify    Notify
	Feeder    Feeder
}

func Default() Config {
	return Config{
		Node: Node{
			DataDir:     "data",
			APIAddr:     ":8080",
			LogLevel:    "info",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Markets: Markets{
			Symbols:     []string{"BTC-USDT", "ETH-BTC"},
			TickSize:    decimal.RequireFromString("0.00001"),
			LotSize:     decimal.RequireFromString("0.00000001"),
			MinNotional: decimal.Zero,
			MakerFeeBps: 10,
			TakerFeeBps: 20,
			AssetScale:  8,
		},
		Ledger: Ledger{
			HouseAccount: common.HexToAddress("0x000000000000000000000000000000000000fee0"),
		},
		Sequencer: Sequencer{
			QueueSize:            1024,
			MaxPersistRetries:    3,
			RetryInitialInterval: time.Millisecond,
			SnapshotDepth:        50,
		},
		Storage: Storage{
			Driver: "pebble",
			Postgres: Postgres{
				Host:    "localhost",
				Port:    5432,
				SSLMode: "disable",
			},
		},
		Notify: Notify{
			KafkaTopic: "bitchange.events",
			QueueSize:  4096,
		},
		Feeder: Feeder{
			Mode:     "default",
			Accounts: 50,
			Interval: 100 * time.Millisecond,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	var errs []string
	fail := func(key string, err error) {
		errs = append(errs, fmt.Sprintf("%s: %v", key, err))
	}

	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	if v := os.Getenv("ENABLE_FUNDING"); v != "" {
		cfg.Node.EnableFunding = v == "true"
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Node.CORSOrigins = splitList(v)
	}

	if v := os.Getenv("MARKETS"); v != "" {
		cfg.Markets.Symbols = splitList(v)
	}
	for key, dst := range map[string]*decimal.Decimal{
		"TICK_SIZE":    &cfg.Markets.TickSize,
		"LOT_SIZE":     &cfg.Markets.LotSize,
		"MIN_NOTIONAL": &cfg.Markets.MinNotional,
	} {
		if v := os.Getenv(key); v != "" {
			d, err := decimal.NewFromString(v)
			if err != nil {
				fail(key, err)
				continue
			}
			*dst = d
		}
	}
	for key, dst := range map[string]*int64{
		"MAKER_FEE_BPS": &cfg.Markets.MakerFeeBps,
		"TAKER_FEE_BPS": &cfg.Markets.TakerFeeBps,
	} {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				fail(key, err)
				continue
			}
			*dst = n
		}
	}
	if v := os.Getenv("ASSET_SCALE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			fail("ASSET_SCALE", err)
		} else {
			cfg.Markets.AssetScale = int32(n)
		}
	}

	if v := os.Getenv("HOUSE_ACCOUNT"); v != "" {
		if !common.IsHexAddress(v) {
			fail("HOUSE_ACCOUNT", fmt.Errorf("not a hex address: %q", v))
		} else {
			cfg.Ledger.HouseAccount = common.HexToAddress(v)
		}
	}

	for key, dst := range map[string]*int{
		"QUEUE_SIZE":          &cfg.Sequencer.QueueSize,
		"MAX_PERSIST_RETRIES": &cfg.Sequencer.MaxPersistRetries,
		"SNAPSHOT_DEPTH":      &cfg.Sequencer.SnapshotDepth,
		"POSTGRES_PORT":       &cfg.Storage.Postgres.Port,
		"NOTIFY_QUEUE_SIZE":   &cfg.Notify.QueueSize,
		"FEEDER_ACCOUNTS":     &cfg.Feeder.Accounts,
	} {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(key, err)
				continue
			}
			*dst = n
		}
	}
	for key, dst := range map[string]*time.Duration{
		"RETRY_INITIAL_INTERVAL": &cfg.Sequencer.RetryInitialInterval,
		"FEEDER_INTERVAL":        &cfg.Feeder.Interval,
	} {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(key, err)
				continue
			}
			*dst = d
		}
	}

	cfg.Storage.Driver = getEnv("STORAGE_DRIVER", cfg.Storage.Driver)
	cfg.Storage.Postgres.Host = getEnv("POSTGRES_HOST", cfg.Storage.Postgres.Host)
	cfg.Storage.Postgres.User = getEnv("POSTGRES_USER", cfg.Storage.Postgres.User)
	cfg.Storage.Postgres.Password = getEnv("POSTGRES_PASSWORD", cfg.Storage.Postgres.Password)
	cfg.Storage.Postgres.Database = getEnv("POSTGRES_DB", cfg.Storage.Postgres.Database)
	cfg.Storage.Postgres.SSLMode = getEnv("POSTGRES_SSLMODE", cfg.Storage.Postgres.SSLMode)

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Notify.KafkaBrokers = splitList(v)
	}
	cfg.Notify.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.Notify.KafkaTopic)

	if v := os.Getenv("FEEDER_ENABLED"); v != "" {
		cfg.Feeder.Enabled = v == "true"
	}
	cfg.Feeder.Mode = getEnv("FEEDER_MODE", cfg.Feeder.Mode)

	if len(errs) > 0 {
		return cfg, fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the exchange cannot start with
func (c Config) Validate() error {
	if len(c.Markets.Symbols) == 0 {
		return fmt.Errorf("at least one market is required")
	}
	if c.Markets.MakerFeeBps < 0 || c.Markets.TakerFeeBps < 0 {
		return fmt.Errorf("fees cannot be negative")
	}
	if c.Markets.TickSize.IsNegative() || c.Markets.LotSize.IsNegative() || c.Markets.MinNotional.IsNegative() {
		return fmt.Errorf("tick size, lot size and min notional cannot be negative")
	}
	if c.Markets.AssetScale < 0 {
		return fmt.Errorf("asset scale cannot be negative")
	}
	if c.Ledger.HouseAccount == (common.Address{}) {
		return fmt.Errorf("house account is required")
	}
	if c.Sequencer.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive")
	}
	if c.Sequencer.MaxPersistRetries < 0 {
		return fmt.Errorf("max persist retries cannot be negative")
	}
	switch c.Storage.Driver {
	case "pebble":
		if c.Node.DataDir == "" {
			return fmt.Errorf("pebble storage needs DATA_DIR")
		}
	case "postgres":
		if c.Storage.Postgres.Database == "" {
			return fmt.Errorf("postgres storage needs POSTGRES_DB")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if len(c.Notify.KafkaBrokers) > 0 && c.Notify.KafkaTopic == "" {
		return fmt.Errorf("kafka brokers set without a topic")
	}
	if c.Feeder.Enabled {
		if c.Feeder.Accounts <= 0 || c.Feeder.Interval <= 0 {
			return fmt.Errorf("feeder needs positive accounts and interval")
		}
		if c.Feeder.Mode != "default" && c.Feeder.Mode != "high" {
			return fmt.Errorf("unknown feeder mode %q", c.Feeder.Mode)
		}
	}
	return nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// MarketParams returns the parameters every configured market is created with
func (c Config) MarketParams() market.Params {
	return market.Params{
		TickSize:    c.Markets.TickSize,
		LotSize:     c.Markets.LotSize,
		MinNotional: c.Markets.MinNotional,
		Fees: market.FeeSchedule{
			MakerBps: c.Markets.MakerFeeBps,
			TakerBps: c.Markets.TakerFeeBps,
			Scale:    c.Markets.AssetScale,
		},
	}
}

// Registry builds the market registry from Markets.Symbols
func (c Config) Registry() (*market.Registry, error) {
	reg := market.NewRegistry()
	for _, symbol := range c.Markets.Symbols {
		m, err := market.NewMarket(symbol, c.MarketParams())
		if err != nil {
			return nil, err
		}
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (c Config) SequencerConfig() sequencer.Config {
	sc := sequencer.DefaultConfig()
	sc.QueueSize = c.Sequencer.QueueSize
	sc.MaxPersistRetries = c.Sequencer.MaxPersistRetries
	sc.InitialInterval = c.Sequencer.RetryInitialInterval
	if sc.MaxInterval < sc.InitialInterval {
		sc.MaxInterval = sc.InitialInterval
	}
	return sc
}

func (c Config) ExchangeConfig() exchange.Config {
	return exchange.Config{
		Sequencer:       c.SequencerConfig(),
		SnapshotDepth:   c.Sequencer.SnapshotDepth,
		NotifyQueueSize: c.Notify.QueueSize,
	}
}

func (c Config) PostgresOption() sqlstore.Option {
	p := c.Storage.Postgres
	return sqlstore.Option{
		Host:     p.Host,
		Port:     p.Port,
		User:     p.User,
		Password: p.Password,
		Database: p.Database,
		SSLMode:  p.SSLMode,
	}
}

func (c Config) FeederConfig() exchange.FeederConfig {
	fc := exchange.DefaultFeederConfig()
	if c.Feeder.Mode == "high" {
		fc = exchange.HighLoadFeederConfig()
	}
	fc.NumAccounts = c.Feeder.Accounts
	fc.Interval = c.Feeder.Interval
	return fc
}
