package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ccx404/ccbft/params"
	"github.com/ccx404/ccbft/pkg/api"
	"github.com/ccx404/ccbft/pkg/app"
	"github.com/ccx404/ccbft/pkg/consensus"
	"github.com/ccx404/ccbft/pkg/crypto"
	"github.com/ccx404/ccbft/pkg/monitor"
	"github.com/ccx404/ccbft/pkg/p2p"
	"github.com/ccx404/ccbft/pkg/storage"
	"github.com/ccx404/ccbft/pkg/util"
)

const version = "0.3.0"

func main() {
	root := &cobra.Command{
		Use:   "ccbft-node",
		Short: "Stake-weighted BFT consensus node",
	}

	var cfgPath, envPath, seedHex string
	start := &cobra.Command{
		Use:   "start",
		Short: "Start the consensus node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cfgPath, envPath, seedHex)
		},
	}
	start.Flags().StringVar(&cfgPath, "config", "", "YAML config file")
	start.Flags().StringVar(&envPath, "env", "", ".env file path")
	start.Flags().StringVar(&seedHex, "seed", "", "hex BLS seed of the local validator (overrides SEED env)")
	root.AddCommand(start)

	var apiAddr string
	status := &cobra.Command{
		Use:   "status",
		Short: "Query a running node's status endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get("http://" + apiAddr + "/api/v1/status")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			return nil
		},
	}
	status.Flags().StringVar(&apiAddr, "api", "localhost:8545", "node API address")
	root.AddCommand(status)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the node version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runNode(cfgPath, envPath, seedHex string) error {
	cfg := params.Default()
	if cfgPath != "" {
		loaded, err := params.LoadFile(cfgPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg = params.LoadFromEnv(cfg, envPath)

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, zapcore.InfoLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if seedHex == "" {
		seedHex = os.Getenv("SEED")
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil || len(seed) < 32 {
		return fmt.Errorf("a 32-byte hex seed is required (--seed or SEED)")
	}
	provider, err := crypto.NewBLSProvider(seed)
	if err != nil {
		return err
	}
	sugar.Infow("identity", "id", provider.ID())

	// Genesis validator set: register every configured seed's public key and
	// derive its identity the same way every peer does.
	set := make(map[consensus.ValidatorID]consensus.ValidatorRecord, len(cfg.Validators))
	for i, v := range cfg.Validators {
		peerSeed, err := hex.DecodeString(v.Seed)
		if err != nil || len(peerSeed) < 32 {
			return fmt.Errorf("validator %d: bad seed", i)
		}
		signer := crypto.NewBLSSignerFromSeed(peerSeed)
		id, err := provider.Register(signer.Pubkey())
		if err != nil {
			return err
		}
		set[id] = consensus.ValidatorRecord{Stake: v.Stake}
	}
	if len(set) == 0 {
		return fmt.Errorf("no validators configured")
	}

	clock := util.RealClock{}
	chainApp := app.New(provider, clock)

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return err
	}
	store, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "chain"))
	if err != nil {
		return err
	}
	defer store.Close()
	wal, err := storage.NewFileWAL(filepath.Join(cfg.Node.DataDir, "consensus.wal"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	net, err := p2p.New(ctx, p2p.Config{
		ListenAddr: cfg.Node.ListenAddr,
		Bootstrap:  cfg.Node.Bootstrap,
		Logger:     sugar,
	})
	if err != nil {
		return fmt.Errorf("p2p init: %w", err)
	}
	defer net.Close()

	engine, err := consensus.NewEngine(cfg.Engine(), provider.ID(), consensus.Dependencies{
		Crypto:    provider,
		Producer:  chainApp,
		Validator: chainApp,
		Committer: store,
		Network:   net,
		Logger:    sugar,
		Clock:     clock,
	})
	if err != nil {
		return err
	}
	engine.VerboseLogging = cfg.Node.Verbose
	net.SetIngest(engine.Ingest)

	if err := engine.Install(set); err != nil {
		return err
	}

	hub := api.NewHub(sugar)
	server := api.NewServer(engine, hub, sugar)
	go func() {
		if err := server.Start(cfg.Node.APIAddr); err != nil {
			sugar.Warnw("api_stopped", "err", err)
		}
	}()

	exporter := monitor.NewExporter(engine, hub, sugar, clock, time.Second)
	if err := exporter.Register(prometheus.DefaultRegisterer); err != nil {
		sugar.Warnw("prometheus_register_failed", "err", err)
	}
	go exporter.Run(ctx)
	go archiveEvidence(ctx, engine, store, wal, sugar)

	next := consensus.Height(1)
	if committed, ok, err := store.CommittedHeight(); err == nil && ok {
		next = committed + 1
	}
	if err := engine.OpenHeight(next); err != nil {
		return err
	}

	sugar.Infow("node_started", "height", next, "api", cfg.Node.APIAddr, "listen", cfg.Node.ListenAddr)
	err = engine.Run(ctx)
	if err != nil && ctx.Err() == nil {
		sugar.Errorw("engine_stopped", "err", err)
		return err
	}
	sugar.Info("shutdown complete")
	return nil
}

// archiveEvidence mirrors new Byzantine records into the durable store so
// slashing enforcement can pick them up after a restart.
func archiveEvidence(ctx context.Context, engine *consensus.Engine, store *storage.PebbleStore, wal storage.WAL, sugar *zap.SugaredLogger) {
	archived := 0
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			records := engine.Status().ByzantineRecords
			for ; archived < len(records); archived++ {
				rec := records[archived]
				if err := store.SaveEvidence(rec); err != nil {
					sugar.Warnw("evidence_archive_failed", "err", err)
					continue
				}
				wal.Append(fmt.Sprintf("evidence validator=%s kind=%s severity=%.2f",
					rec.Validator, rec.Kind, rec.Severity))
			}
		}
	}
}
