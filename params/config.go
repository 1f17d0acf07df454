package params

import (
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Domain identifies this deployment for typed-data signing. Signatures bind
// name, version and chain id, so artifacts signed for one deployment cannot
// be replayed against another.
type Domain struct {
	Name    string
	Version string
	ChainID *big.Int
}

// Fees holds the process-wide default fee schedule. Per-principal overrides
// are layered on top by the engine at runtime.
type Fees struct {
	MakerBps  int64
	TakerBps  int64
	MaxFee    int64 // absolute cap per trade side, in units of the fee asset
	Recipient string
}

// PairConfig registers one trading pair. Read-only as far as the engine is
// concerned: pair registration is static configuration.
type PairConfig struct {
	Base         string
	Quote        string
	MinOrderSize int64
	MaxOrderSize int64
	MaxPrice     int64
}

type Engine struct {
	// BlockTradeLimit caps applied trades per block window.
	BlockTradeLimit int
	// NonceRetentionBlocks bounds how long settled trade nonces are kept for
	// replay checks; records are pruned on block rollover once older.
	NonceRetentionBlocks int
	// SlippageBps pads the reference price when locking funds for market buys.
	SlippageBps int64
	// Pause halts order placement globally.
	Pause bool
	// Assets the ledger accepts deposits for.
	Assets []string
	// Blacklist of principals barred from trading (hex addresses).
	Blacklist []string
	Pairs     []PairConfig
}

type Node struct {
	APIAddr string
	DataDir string
	LogFile string
	// MatcherKey is the hex private key the co-located matcher signs trades
	// with. Empty means external-matcher mode: the node only accepts
	// pre-signed settlement batches.
	MatcherKey string
	// BlockTimeMs drives the settlement block window (rate guard reset).
	BlockTimeMs int
	// EventBrokers enables Kafka publishing of journal events when non-empty.
	EventBrokers []string
	EventTopic   string
}

type Config struct {
	Domain Domain
	Fees   Fees
	Engine Engine
	Node   Node
}

func Default() Config {
	return Config{
		Domain: Domain{
			Name:    "Bifrost",
			Version: "1",
			ChainID: big.NewInt(1337),
		},
		Fees: Fees{
			MakerBps: 10, // 0.10%
			TakerBps: 20, // 0.20%
			MaxFee:   1_000_000,
		},
		Engine: Engine{
			BlockTradeLimit:      100,
			NonceRetentionBlocks: 4096,
			SlippageBps:          500, // 5% pad on market-buy locks
			Assets:               []string{"WETH", "USDC"},
			Pairs: []PairConfig{
				{Base: "WETH", Quote: "USDC", MinOrderSize: 1, MaxOrderSize: 1_000_000, MaxPrice: 100_000_000},
			},
		},
		Node: Node{
			APIAddr:     ":8080",
			DataDir:     "data",
			LogFile:     "data/exchanged.log",
			BlockTimeMs: 1000,
			EventTopic:  "bifrost.events",
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and the
// environment. Priority: ENV > .env > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("DOMAIN_NAME"); v != "" {
		cfg.Domain.Name = v
	}
	if v := os.Getenv("DOMAIN_VERSION"); v != "" {
		cfg.Domain.Version = v
	}
	if v := os.Getenv("DOMAIN_CHAIN_ID"); v != "" {
		if id, ok := new(big.Int).SetString(v, 10); ok {
			cfg.Domain.ChainID = id
		}
	}

	cfg.Fees.MakerBps = envInt64("FEE_MAKER_BPS", cfg.Fees.MakerBps)
	cfg.Fees.TakerBps = envInt64("FEE_TAKER_BPS", cfg.Fees.TakerBps)
	cfg.Fees.MaxFee = envInt64("FEE_MAX", cfg.Fees.MaxFee)
	if v := os.Getenv("FEE_RECIPIENT"); v != "" {
		cfg.Fees.Recipient = v
	}

	cfg.Engine.BlockTradeLimit = int(envInt64("BLOCK_TRADE_LIMIT", int64(cfg.Engine.BlockTradeLimit)))
	cfg.Engine.NonceRetentionBlocks = int(envInt64("NONCE_RETENTION_BLOCKS", int64(cfg.Engine.NonceRetentionBlocks)))
	cfg.Engine.SlippageBps = envInt64("MARKET_SLIPPAGE_BPS", cfg.Engine.SlippageBps)
	if v := os.Getenv("PAUSE"); v != "" {
		cfg.Engine.Pause = v == "true"
	}
	if v := os.Getenv("ASSETS"); v != "" {
		cfg.Engine.Assets = splitList(v)
	}
	if v := os.Getenv("BLACKLIST"); v != "" {
		cfg.Engine.Blacklist = splitList(v)
	}

	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Node.APIAddr = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}
	if v := os.Getenv("MATCHER_KEY"); v != "" {
		cfg.Node.MatcherKey = v
	}
	cfg.Node.BlockTimeMs = int(envInt64("BLOCK_TIME_MS", int64(cfg.Node.BlockTimeMs)))
	if v := os.Getenv("EVENT_BROKERS"); v != "" {
		cfg.Node.EventBrokers = splitList(v)
	}
	if v := os.Getenv("EVENT_TOPIC"); v != "" {
		cfg.Node.EventTopic = v
	}

	return cfg
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
