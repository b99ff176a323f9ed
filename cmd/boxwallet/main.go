package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"boxwallet/internal/balance"
	"boxwallet/internal/box"
	"boxwallet/internal/catalog"
	"boxwallet/internal/config"
	"boxwallet/internal/eligibility"
	"boxwallet/internal/idempotency"
	"boxwallet/internal/ledger"
	"boxwallet/internal/notify"
	"boxwallet/internal/observability"
	"boxwallet/internal/server"
	"boxwallet/internal/signals"
	"boxwallet/internal/txflow"

	"github.com/ethereum/go-ethereum/common"
)

// devAccount signs for the in-memory ledger when no private key is configured.
var devAccount = common.HexToAddress("0x00000000000000000000000000000000000d3e11")

func main() {
	log := observability.NewLogger("boxwallet")
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}

	catalogs, err := catalog.LoadFile(cfg.Chain.TokensPath)
	if err != nil {
		log.Fatal().Err(err).Msg("token catalog error")
	}

	var store idempotency.Store
	var pg *idempotency.PostgresStore
	if cfg.Service.IdempotencyDSN != "" {
		pg, err = idempotency.NewPostgresStore(ctx, cfg.Service.IdempotencyDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("idempotency store error")
		}
		defer pg.Close()
		store = pg
	} else {
		store, err = idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		if err != nil {
			log.Fatal().Err(err).Msg("idempotency store error")
		}
	}

	var (
		chain    ledger.Ledger
		provider signals.Provider
		health   ledger.HealthChecker
	)
	if cfg.Chain.PrivateKey != "" {
		deployments, err := cfg.Deployments()
		if err != nil {
			log.Fatal().Err(err).Msg("deployments error")
		}
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Chain.RPCTimeout)
		eth, err := ledger.NewEthLedger(dialCtx, ledger.EthLedgerConfig{
			RPCURL:        cfg.Chain.RPCURL,
			PrivateKeyHex: cfg.Chain.PrivateKey,
			Deployments:   deployments,
			PollInterval:  cfg.Chain.PollInterval,
		})
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("ledger client error")
		}
		chain, provider, health = eth, ledger.NewKeyWallet(eth), eth
	} else {
		chainID := cfg.Seed.Chain.ChainID
		if chainID == 0 {
			chainID = catalog.ChainRinkeby
		}
		chain = ledger.NewFakeLedger(common.Address{}, catalogs.ChainIDs()...)
		provider = &signals.StaticProvider{Chain: chainID, Addrs: []common.Address{devAccount}}
		log.Warn().Int64("chain_id", chainID).Msg("CHAIN_PRIVATE_KEY not set, using the in-memory ledger")
	}

	metrics := observability.NewMetrics()
	hub := signals.NewHub()
	session := signals.NewSession(hub, provider, chain, catalogs.Supported, observability.NewLogger("session"))

	messages := &notify.Recorder{}
	notifier := notify.Logged{Next: messages, Log: observability.NewLogger("notify")}
	busy := &notify.Indicator{}
	orch := txflow.New(chain, notifier, busy, hub, observability.NewLogger("txflow"), metrics)

	service := box.NewService(box.Deps{
		Ledger:       chain,
		Orchestrator: orch,
		Hub:          hub,
		Catalogs:     catalogs,
		Notifier:     notifier,
		Confirmer:    server.Dialogs{},
		Prompter:     server.Dialogs{},
		Log:          observability.NewLogger("box"),
	})

	cache := box.NewCache(chain, hub)
	stopCache := cache.Watch()
	defer stopCache()

	refresher, err := box.NewRefresher(cache, cfg.Boxes.RefreshSpec, cfg.Boxes.RefreshTimeout, observability.NewLogger("refresh"), metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("box refresh error")
	}
	if purger, ok := store.(idempotency.Purger); ok {
		err := refresher.Schedule("@hourly", "idempotency purge", func(ctx context.Context) error {
			n, err := purger.PurgeExpired(ctx, time.Now())
			if err == nil && n > 0 {
				log.Info().Int64("purged", n).Msg("expired submissions purged")
			}
			return err
		})
		if err != nil {
			log.Fatal().Err(err).Msg("purge schedule error")
		}
	}

	engine := eligibility.NewEngine(eligibility.WalletActions{Session: session, Boxes: service}, nil)
	form := eligibility.NewForm(engine, hub, balance.NewLoader(chain), observability.NewLogger("eligibility"), metrics)
	stopForm := form.Start(ctx)
	defer stopForm()

	if err := session.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("wallet not connected at startup")
	}
	refresher.Start()

	apiServer := server.NewServer(server.Deps{
		Config:   cfg,
		Session:  session,
		Form:     form,
		Boxes:    service,
		Cache:    cache,
		Catalogs: catalogs,
		Store:    store,
		Messages: messages,
		Busy:     busy,
		Metrics:  metrics,
		Health:   health,
		Log:      observability.NewLogger("api"),
	})

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server stopped")
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	refresher.Stop()
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Service.HMACClockSkew)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
	if err := session.Disconnect(); err != nil {
		log.Warn().Err(err).Msg("wallet disconnect")
	}
}
