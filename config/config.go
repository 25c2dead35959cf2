package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

const defaultDSN = "host=localhost user=postgres password=postgres dbname=explorer port=5432 sslmode=disable"

// EVMChain is one EVM-compatible network accepted for payment.
type EVMChain struct {
	Name          string
	RPCURL        string
	MinPaymentWei *big.Int
}

type Config struct {
	// HTTP
	HTTPPort           int
	CORSAllowedOrigins []string
	RateLimitPerMinute int

	// Database
	DBDriver    string
	DatabaseDSN string

	// Access policy
	AllowAnonymous      bool
	RequirePaymentProof bool
	ExternalCallTimeout time.Duration
	UnlimitedPriceUSD   decimal.Decimal

	// EVM
	EVMReceiverAddress string
	EVMChains          []EVMChain

	// Solana
	SolanaRPCURL             string
	SolanaReceiverAddress    string
	SolanaMinPaymentLamports uint64

	// Bitcoin
	BitcoinAPIURL          string
	BitcoinReceiverAddress string
	BitcoinMinPaymentSats  int64

	// Logging
	LogLevel     string
	LogFile      string
	LogErrorFile string
	LogConsole   bool
}

func Load() *Config {
	cfg := &Config{
		HTTPPort:           getEnvInt("HTTP_PORT", 8080),
		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 120),

		DBDriver:    strings.ToLower(getEnv("DB_DRIVER", "postgres")),
		DatabaseDSN: getEnv("DATABASE_DSN", defaultDSN),

		AllowAnonymous:      getEnvBool("ALLOW_ANONYMOUS", true),
		RequirePaymentProof: getEnvBool("REQUIRE_PAYMENT_PROOF", false),
		ExternalCallTimeout: getEnvDuration("EXTERNAL_CALL_TIMEOUT", 5*time.Second),
		UnlimitedPriceUSD:   getEnvDecimal("UNLIMITED_PRICE_USD", decimal.NewFromInt(10)),

		EVMReceiverAddress: getEnv("EVM_RECEIVER_ADDRESS", ""),
		EVMChains: []EVMChain{
			{
				Name:          "ethereum",
				RPCURL:        getEnv("ETHEREUM_RPC_URL", "https://cloudflare-eth.com"),
				MinPaymentWei: getEnvBigInt("ETHEREUM_MIN_PAYMENT_WEI", "3000000000000000"),
			},
			{
				Name:          "base",
				RPCURL:        getEnv("BASE_RPC_URL", "https://mainnet.base.org"),
				MinPaymentWei: getEnvBigInt("BASE_MIN_PAYMENT_WEI", "3000000000000000"),
			},
			{
				Name:          "polygon",
				RPCURL:        getEnv("POLYGON_RPC_URL", "https://polygon-rpc.com"),
				MinPaymentWei: getEnvBigInt("POLYGON_MIN_PAYMENT_WEI", "10000000000000000000"),
			},
		},

		SolanaRPCURL:             getEnv("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com"),
		SolanaReceiverAddress:    getEnv("SOLANA_RECEIVER_ADDRESS", ""),
		SolanaMinPaymentLamports: uint64(getEnvInt("SOLANA_MIN_PAYMENT_LAMPORTS", 50_000_000)),

		BitcoinAPIURL:          strings.TrimSuffix(getEnv("BITCOIN_API_URL", "https://blockstream.info/api"), "/"),
		BitcoinReceiverAddress: getEnv("BITCOIN_RECEIVER_ADDRESS", ""),
		BitcoinMinPaymentSats:  int64(getEnvInt("BITCOIN_MIN_PAYMENT_SATS", 15_000)),

		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFile:      getEnv("LOG_FILE", ""),
		LogErrorFile: getEnv("LOG_ERROR_FILE", ""),
		LogConsole:   getEnvBool("LOG_CONSOLE", true),
	}

	return cfg
}

// Validate rejects malformed receiving addresses and unknown drivers.
// Empty receivers are allowed and disable the corresponding chain.
func (c *Config) Validate() error {
	if c.DBDriver != "postgres" && c.DBDriver != "sqlite" {
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.EVMReceiverAddress != "" && !common.IsHexAddress(c.EVMReceiverAddress) {
		return fmt.Errorf("invalid EVM_RECEIVER_ADDRESS %q", c.EVMReceiverAddress)
	}
	if c.SolanaReceiverAddress != "" {
		if _, err := solana.PublicKeyFromBase58(c.SolanaReceiverAddress); err != nil {
			return fmt.Errorf("invalid SOLANA_RECEIVER_ADDRESS: %w", err)
		}
	}
	if c.BitcoinReceiverAddress != "" {
		if _, err := btcutil.DecodeAddress(c.BitcoinReceiverAddress, &chaincfg.MainNetParams); err != nil {
			return fmt.Errorf("invalid BITCOIN_RECEIVER_ADDRESS: %w", err)
		}
	}
	for _, chain := range c.EVMChains {
		if chain.MinPaymentWei == nil || chain.MinPaymentWei.Sign() <= 0 {
			return fmt.Errorf("%s minimum payment must be positive", chain.Name)
		}
	}
	if c.ExternalCallTimeout <= 0 {
		return fmt.Errorf("EXTERNAL_CALL_TIMEOUT must be positive")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvBigInt(key string, defaultVal string) *big.Int {
	if val := os.Getenv(key); val != "" {
		if i, ok := new(big.Int).SetString(val, 10); ok {
			return i
		}
	}
	i, _ := new(big.Int).SetString(defaultVal, 10)
	return i
}

func getEnvDecimal(key string, defaultVal decimal.Decimal) decimal.Decimal {
	if val := os.Getenv(key); val != "" {
		if d, err := decimal.NewFromString(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
