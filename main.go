package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btc_explorer/config"
	"github.com/btc_explorer/controller"
	"github.com/btc_explorer/esplora"
	"github.com/btc_explorer/handler"
	"github.com/btc_explorer/logger"
	"github.com/btc_explorer/model"
	"github.com/btc_explorer/repository"
	"github.com/btc_explorer/router"
	"github.com/btc_explorer/service"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration: ", err)
	}

	if err := logger.Initialize(logger.Configuration{
		LogFile:   cfg.LogFile,
		ErrorFile: cfg.LogErrorFile,
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
	}); err != nil {
		log.Fatal("init logger: ", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := initDB(cfg)
	if err != nil {
		return err
	}
	if err := model.AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	explorerClient := esplora.NewClient(cfg.BitcoinAPIURL, cfg.ExternalCallTimeout)

	validators, closeClients, err := buildValidators(ctx, cfg, explorerClient)
	if err != nil {
		return err
	}
	defer closeClients()

	access := service.NewAccessService(
		repository.NewUsageRepository(db),
		repository.NewUnlimitedRepository(db),
		service.AccessOptions{
			AllowAnonymous: cfg.AllowAnonymous,
			StoreTimeout:   cfg.ExternalCallTimeout,
		},
	)
	payments := service.NewPaymentService(validators, cfg.ExternalCallTimeout)

	accessHandler := handler.NewAccessHandler(access, payments, handler.AccessHandlerOptions{
		PriceUSD:            cfg.UnlimitedPriceUSD,
		RequirePaymentProof: cfg.RequirePaymentProof,
	})
	explorer := &controller.ExplorerController{Explorer: explorerClient, Net: &chaincfg.MainNetParams}
	limiter := router.NewIPLimiter(cfg.RateLimitPerMinute)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router.SetupRouter(accessHandler, explorer, router.Options{AllowedOrigins: cfg.CORSAllowedOrigins, Limiter: limiter}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("explorer api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func initDB(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DatabaseDSN)
	default:
		dialector = postgres.Open(cfg.DatabaseDSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if cfg.DBDriver == "sqlite" {
		// one writer keeps the upsert counters serialized
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// buildValidators wires one payment validator per chain that has a receiving
// address configured. Chains without one stay disabled and deny every proof.
func buildValidators(ctx context.Context, cfg *config.Config, btc service.BitcoinTxFetcher) (service.PaymentValidators, func(), error) {
	validators := service.PaymentValidators{EVM: make(map[string]service.ProofValidator)}
	var clients []*ethclient.Client
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}

	if cfg.EVMReceiverAddress != "" {
		for _, chain := range cfg.EVMChains {
			client, err := ethclient.DialContext(ctx, chain.RPCURL)
			if err != nil {
				closeAll()
				return validators, nil, fmt.Errorf("dial %s rpc: %w", chain.Name, err)
			}
			clients = append(clients, client)

			v, err := service.NewEVMValidator(chain.Name, client, cfg.EVMReceiverAddress, chain.MinPaymentWei)
			if err != nil {
				closeAll()
				return validators, nil, err
			}
			validators.EVM[chain.Name] = v
			logger.Info("payment chain enabled", zap.String("chain", chain.Name), zap.String("min_wei", chain.MinPaymentWei.String()))
		}
	}

	if cfg.SolanaReceiverAddress != "" {
		v, err := service.NewSolanaValidator(rpc.New(cfg.SolanaRPCURL), cfg.SolanaReceiverAddress, cfg.SolanaMinPaymentLamports)
		if err != nil {
			closeAll()
			return validators, nil, err
		}
		validators.Solana = v
		logger.Info("payment chain enabled", zap.String("chain", "solana"))
	}

	if cfg.BitcoinReceiverAddress != "" {
		v, err := service.NewBitcoinValidator(btc, cfg.BitcoinReceiverAddress, cfg.BitcoinMinPaymentSats, &chaincfg.MainNetParams)
		if err != nil {
			closeAll()
			return validators, nil, err
		}
		validators.Bitcoin = v
		logger.Info("payment chain enabled", zap.String("chain", "bitcoin"))
	}

	return validators, closeAll, nil
}
