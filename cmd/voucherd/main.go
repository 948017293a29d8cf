package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/voucherlabs/voucherd/internal/api"
	"github.com/voucherlabs/voucherd/internal/auth"
	"github.com/voucherlabs/voucherd/internal/config"
	"github.com/voucherlabs/voucherd/internal/confirm"
	"github.com/voucherlabs/voucherd/internal/ledger"
	"github.com/voucherlabs/voucherd/internal/merchant"
	"github.com/voucherlabs/voucherd/internal/registry"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Chain endpoints ───────────────────────────────────────────────────────
	callers := make(map[int64]registry.Caller, len(cfg.Chains))
	tokens := make(map[int64]registry.BalanceReader, len(cfg.Chains))
	fetchers := make(map[int64]confirm.ReceiptFetcher, len(cfg.Chains))
	contracts := make(map[int64]common.Address, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		chain, err := registry.DialChain(ch.RPCURL, common.HexToAddress(ch.MerchantRegistry), common.HexToAddress(ch.VoucherToken))
		if err != nil {
			log.Fatal("chain dial failed", zap.Int64("chain_id", ch.ChainID), zap.Error(err))
		}
		callers[ch.ChainID] = chain.Registry
		tokens[ch.ChainID] = chain.Token
		fetchers[ch.ChainID] = confirm.NewEthReceipts(chain.Client)
		contracts[ch.ChainID] = common.HexToAddress(ch.VoucherToken)
		log.Info("chain configured",
			zap.Int64("chain_id", ch.ChainID),
			zap.String("merchant_registry", ch.MerchantRegistry),
			zap.String("voucher_token", ch.VoucherToken),
		)
	}

	// ── Core services ─────────────────────────────────────────────────────────
	gate := registry.NewGate(callers, time.Duration(cfg.Server.RegistryTimeoutSec)*time.Second, log)
	led := ledger.New(ledger.NewStore(rdb), gate, contracts, log)
	requests := merchant.NewStore(rdb)
	verifier := auth.NewVerifier(rdb, cfg.Auth.AdminAddresses)

	// ── Confirmation worker ───────────────────────────────────────────────────
	go confirm.NewWorker(rdb, fetchers, log).Run(ctx)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	api.NewHandler(led, requests, verifier, tokens, rdb, log).Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
