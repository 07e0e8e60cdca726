package main

// main.go bootstraps a single LOS node: load config, open the ledger,
// stand up the gossip host, and wire consensus/mint/rewards/checkpoint/sync
// against it. Grounded on the teacher's cmd/cli node-bootstrap commands
// (gateway_node.go, mobile_mining_node.go: PersistentPreRunE config/logger
// setup, viper-sourced Config, signal-driven shutdown) collapsed into a
// single long-running command since LOS has one node role, not several.

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"los-network/core"
	"los-network/pkg/config"
)

var (
	flagEnv     string
	flagDataDir string
)

func main() {
	root := &cobra.Command{
		Use:   "los-node",
		Short: "LOS permissionless ledger node",
		RunE:  runNode,
	}
	root.PersistentFlags().StringVar(&flagEnv, "config", "", "environment config overlay name (e.g. testnet)")
	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "ledger data directory override")
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runNode(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagEnv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flagDataDir != "" {
		cfg.Ledger.DataDir = flagDataDir
	}
	if cfg.Ledger.DataDir == "" {
		cfg.Ledger.DataDir = "./data"
	}

	logger := logrus.New()
	if lv, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(lv)
	}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logger.SetOutput(f)
	}

	pub, priv, err := loadOrCreateIdentity(cfg.Ledger.DataDir)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	self := core.NewAddress(pub)
	logger.WithField("address", self.String()).Info("node identity loaded")

	ledger, err := core.NewLedger(core.LedgerConfig{
		ChainID:        cfg.Ledger.ChainID,
		DataDir:        cfg.Ledger.DataDir,
		DifficultyBits: cfg.Ledger.DifficultyBits,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ledger.Close()

	mempool := core.NewMempool(ledger)

	node, err := core.NewNode(core.NodeConfig{
		ListenAddr:     cfg.Network.ListenAddr,
		BootstrapPeers: cfg.Network.BootstrapPeers,
		DiscoveryTag:   cfg.Network.DiscoveryTag,
	}, ledger, ledger, logger)
	if err != nil {
		return fmt.Errorf("start gossip node: %w", err)
	}
	defer node.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver := core.NewDriver(ledger, self, pub, priv, node, mempool, logger)
	driver.OnFinalize(func(height uint64, b *core.Block) {
		mempool.Promote(b.SigningHash())
		logger.WithFields(logrus.Fields{
			"height": height,
			"hash":   b.SigningHash().Hex(),
		}).Info("block finalized")
	})
	driver.Start(ctx)

	health := core.NewHealthChecker(node, driver, ledger.Validators())
	defer health.Stop()

	syncMgr := core.NewSyncManager(ledger, node, logger)
	syncMgr.Start(ctx)
	defer syncMgr.Stop()

	checkpoints := core.NewCheckpointWriter(ledger, self, pub, priv, filepath.Join(cfg.Ledger.DataDir, "checkpoints"), 5*time.Minute)
	checkpoints.Start()
	defer checkpoints.Stop()

	mintEpoch := time.Duration(cfg.Mint.EpochLengthSeconds) * time.Second
	if mintEpoch <= 0 {
		mintEpoch = core.DefaultMintEpochLength
	}
	mint := core.NewMintScheduler(ledger, cfg.Ledger.ChainID, uint64(ledgerGenesisUnix(ledger)), mintEpoch)
	rewards := core.NewRewardScheduler(ledger)

	go relayBlocks(ctx, node, driver, mempool, logger)
	go relayVotes(ctx, node, driver, logger)
	go relayHeartbeats(ctx, node, rewards, logger)
	go runEpochTicker(ctx, mintEpoch, mint, rewards, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}
	return nil
}

// ledgerGenesisUnix anchors the mint epoch clock. A freshly opened ledger
// with no anchor recorded yet anchors to now and stores it in the ledger's
// state area (saved by a snapshot); a restarted node reads the stored anchor
// back and keeps minting against the same wall-clock epoch boundaries.
func ledgerGenesisUnix(l *core.Ledger) int64 {
	key := []byte("node:epoch_anchor_unix")
	var anchor int64
	l.WithRLock(func(l *core.Ledger) {
		if v, ok := l.GetState(key); ok {
			fmt.Sscan(string(v), &anchor)
		}
	})
	if anchor > 0 {
		return anchor
	}
	anchor = time.Now().Unix()
	l.WithLock(func(l *core.Ledger) error { l.SetState(key, []byte(fmt.Sprint(anchor))); return nil })
	_ = l.Snapshot()
	return anchor
}

// identityFile is where a node's Dilithium keypair is persisted across
// restarts so its validator address stays stable.
const identityFile = "identity.key"

func loadOrCreateIdentity(dataDir string) (pub, priv []byte, err error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, nil, err
	}
	path := filepath.Join(dataDir, identityFile)
	raw, err := os.ReadFile(path)
	if err == nil {
		return decodeIdentity(raw)
	}
	if !os.IsNotExist(err) {
		return nil, nil, err
	}

	pub, priv, err = core.GenerateKeypair()
	if err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(path, encodeIdentity(pub, priv), 0o600); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func encodeIdentity(pub, priv []byte) []byte {
	return []byte(hex.EncodeToString(pub) + "\n" + hex.EncodeToString(priv) + "\n")
}

func decodeIdentity(raw []byte) (pub, priv []byte, err error) {
	var pubHex, privHex string
	n, err := fmt.Sscanf(string(raw), "%s\n%s\n", &pubHex, &privHex)
	if err != nil || n != 2 {
		return nil, nil, fmt.Errorf("identity file corrupt")
	}
	pub, err = hex.DecodeString(pubHex)
	if err != nil {
		return nil, nil, err
	}
	priv, err = hex.DecodeString(privHex)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// relayBlocks feeds BLOCK-topic gossip into the mempool (for proposal
// candidates from other nodes) and the consensus driver (as proposals for
// the active round).
func relayBlocks(ctx context.Context, node *core.Node, driver *core.Driver, mempool *core.Mempool, logger *logrus.Logger) {
	ch, err := node.Subscribe(core.TopicBlock)
	if err != nil {
		logger.WithError(err).Error("gossip: subscribe block failed")
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			b, err := core.DecodeBlockMessage(msg.Data)
			if err != nil {
				continue
			}
			if err := mempool.Submit(b); err != nil && err != core.ErrDuplicateBlock {
				logger.WithError(err).Debug("mempool: rejected gossiped block")
			}
			driver.SubmitProposal(b)
		}
	}
}

// relayVotes feeds VOTE-topic gossip into the consensus driver.
func relayVotes(ctx context.Context, node *core.Node, driver *core.Driver, logger *logrus.Logger) {
	ch, err := node.Subscribe(core.TopicVote)
	if err != nil {
		logger.WithError(err).Error("gossip: subscribe vote failed")
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			v, err := core.DecodeVoteMessage(msg.Data)
			if err != nil {
				continue
			}
			driver.SubmitVote(v)
		}
	}
}

// relayHeartbeats feeds HEARTBEAT-topic gossip into the reward scheduler's
// uptime tracking.
func relayHeartbeats(ctx context.Context, node *core.Node, rewards *core.RewardScheduler, logger *logrus.Logger) {
	ch, err := node.Subscribe(core.TopicHeartbeat)
	if err != nil {
		logger.WithError(err).Error("gossip: subscribe heartbeat failed")
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			addr, epoch, err := core.DecodeHeartbeatMessage(msg.Data)
			if err != nil {
				continue
			}
			rewards.RecordHeartbeat(addr, epoch)
		}
	}
}

// runEpochTicker drives the wall-clock side of mint difficulty retargeting
// and validator reward disbursement, neither of which has its own
// background loop: both are pure functions of "what epoch is it now".
func runEpochTicker(ctx context.Context, epochLength time.Duration, mint *core.MintScheduler, rewards *core.RewardScheduler, logger *logrus.Logger) {
	t := time.NewTicker(epochLength)
	defer t.Stop()
	var lastEpoch uint64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			epoch := mint.Epoch(uint64(now.Unix()))
			if epoch == lastEpoch {
				continue
			}
			lastEpoch = epoch
			mint.RetargetIfDue(epoch - 1)
			if _, err := rewards.DisburseEpoch(epoch - 1); err != nil {
				logger.WithError(err).Warn("rewards: disbursement failed")
			}
		}
	}
}
