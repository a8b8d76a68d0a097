package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"

	"github.com/swapd-project/swapd"
	"github.com/swapd-project/swapd/builder"
	"github.com/swapd-project/swapd/chainio"
	"github.com/swapd-project/swapd/config"
	"github.com/swapd-project/swapd/cosigner"
	"github.com/swapd-project/swapd/eventbus"
	"github.com/swapd-project/swapd/lnwallet"
	"github.com/swapd-project/swapd/nursery"
	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/swapdb"
)

// daemon validates cfg, wires every collaborator the SwapService façade
// needs, and runs until interrupted.
func daemon(cfg *config.Config) error {
	scriptVersion, err := config.Validate(cfg)
	if err != nil {
		return err
	}

	if err := setupLogging(cfg); err != nil {
		return err
	}

	logger.Infof("swapd starting, network=%v scriptversion=%v",
		cfg.Network, cfg.ScriptVersion)

	chainParams, err := swap.ChainParamsFromNetwork(cfg.Network)
	if err != nil {
		return err
	}

	pairsFile, err := config.LoadPairsFile(cfg.PairsFile)
	if err != nil {
		return fmt.Errorf("loading pairs file: %w", err)
	}

	repo, err := swapdb.NewPostgresRepository(cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}

	signer := lnwallet.NewFakeSigner()

	svcCfg := swapd.Config{
		Repo:              repo,
		Signer:            signer,
		Funding:           lnwallet.NewFakeFundingSource(chainfee.SatPerKWeight(253), 0),
		Addresses:         lnwallet.NewFakeAddressSource(signer, chainParams),
		Fees:              config.NewStaticFeeEstimator(pairsFile),
		Rates:             config.NewStaticRateProvider(pairsFile),
		Chains:            demoChains(pairsFile, chainParams),
		Pairs:             pairsFile.ToTimeoutPairConfigs(),
		TimeoutPersister:  pairsFile,
		ChainParams:       chainParams,
		ScriptVersion:     scriptVersion,
		AllowReverseSwaps: cfg.AllowReverseSwaps,
		HtlcConfTarget:    cfg.HtlcConfTarget,
		SweepConfTarget:   cfg.SweepConfTarget,
	}

	service, err := swapd.New(svcCfg)
	if err != nil {
		return fmt.Errorf("constructing swap service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := service.Start(ctx); err != nil {
		return fmt.Errorf("starting swap service: %w", err)
	}

	logger.Infof("swapd ready")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	<-interrupt
	logger.Infof("received interrupt, shutting down")

	cancel()

	return repo.Close()
}

// demoChains builds a Chain entry, backed by the in-memory fakes, for every
// currency symbol referenced by pairsFile. Production deployments supply
// real ChainClient/LightningClient implementations for the currencies they
// actually run; no such adapter exists in this tree (see DESIGN.md), so the
// standalone binary runs entirely against fakes.
func demoChains(pairsFile *config.PairsFile,
	chainParams *chaincfg.Params) map[string]swapd.Chain {

	chains := make(map[string]swapd.Chain)

	add := func(symbol string) {
		if _, ok := chains[symbol]; ok {
			return
		}

		chains[symbol] = swapd.Chain{
			Params:    chainParams,
			Client:    chainio.NewFakeChainClient(symbol, 1),
			Lightning: chainio.NewFakeLightningClient(),
		}
	}

	for _, p := range pairsFile.Pairs {
		add(p.Base)
		add(p.Quote)
	}

	return chains
}

// setupLogging installs a single btclog.Backend, writing to both the log
// file under cfg.LogDir and stdout, as every component package's logger,
// at the level cfg.DebugLevel names.
func setupLogging(cfg *config.Config) error {
	logFile, err := os.OpenFile(
		filepath.Join(cfg.LogDir, config.LogFilename),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644,
	)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}

	backend := btclog.NewBackend(teeWriter{logFile})

	level, ok := btclog.LevelFromString(cfg.DebugLevel)
	if !ok {
		return fmt.Errorf("unknown debuglevel %q", cfg.DebugLevel)
	}

	for tag, use := range map[string]func(btclog.Logger){
		Subsystem:          UseLogger,
		swapd.Subsystem:    swapd.UseLogger,
		builder.Subsystem:  builder.UseLogger,
		nursery.Subsystem:  nursery.UseLogger,
		cosigner.Subsystem: cosigner.UseLogger,
		eventbus.Subsystem: eventbus.UseLogger,
		swapdb.Subsystem:   swapdb.UseLogger,
	} {
		l := backend.Logger(tag)
		l.SetLevel(level)
		use(l)
	}

	return nil
}

// teeWriter writes to both the log file and stdout, matching the teacher's
// own dual-output log writer. The file is appended to and never rotated.
type teeWriter struct {
	file *os.File
}

func (w teeWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	return w.file.Write(p)
}
