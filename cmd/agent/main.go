// The agent runs alongside the player process on a signage device: it
// answers service callbacks from the playback nodes, records proof of
// play events and submits them to the collector.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/info-beamer/package-bload-auditorium/internal/api"
	"github.com/info-beamer/package-bload-auditorium/internal/device"
	"github.com/info-beamer/package-bload-auditorium/internal/monitoring"
	"github.com/info-beamer/package-bload-auditorium/internal/nodeconfig"
	"github.com/info-beamer/package-bload-auditorium/internal/player"
	"github.com/info-beamer/package-bload-auditorium/internal/pop"
	"github.com/info-beamer/package-bload-auditorium/pkg/config"
	"github.com/info-beamer/package-bload-auditorium/pkg/logger"
)

func main() {
	configPath := flag.String("config", "agent.yaml", "path to the agent configuration file")
	flag.Parse()

	// Environment from the service wrapper, if present.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatalw("agent failed", "error", err)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	metrics := monitoring.NewCollector(prometheus.DefaultRegisterer)
	if cfg.Monitoring.PrometheusEnabled {
		addr := fmt.Sprintf("127.0.0.1:%d", cfg.Monitoring.PrometheusPort)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Infow("serving metrics", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Warnw("metrics server stopped", "error", err)
			}
		}()
	}

	// The service wrapper restarts the process after a clean exit.
	restart := func(reason string) {
		log.Infow("restarting service", "reason", reason)
		log.Sync()
		os.Exit(0)
	}

	nodePath := os.Getenv("NODE")
	if nodePath == "" {
		nodePath = "root"
	}

	var nodeCfg *nodeconfig.Config
	if _, err := os.Stat("node.json"); err == nil {
		nodeCfg, err = nodeconfig.Load(".", restart, log)
		if err != nil {
			return fmt.Errorf("cannot load node config: %w", err)
		}
		watcher, err := nodeconfig.Watch(nodeCfg, restart, log)
		if err != nil {
			return fmt.Errorf("cannot watch node config: %w", err)
		}
		defer watcher.Close()
	}

	query := player.NewQuery(cfg.Player.Host, cfg.Player.Port, cfg.Player.Timeout, log, metrics)
	node, err := player.NewNode(nodePath, cfg.Player.Host, cfg.Player.Port, log, metrics)
	if err != nil {
		return fmt.Errorf("cannot create node sender: %w", err)
	}
	defer node.Close()

	rpc := player.NewRPC(query, nodePath, cfg.RPC.Channel, log, metrics)
	defer rpc.Close()

	indexURL := cfg.API.IndexURL
	if nodeCfg != nil {
		if metadata := nodeCfg.Metadata(); metadata.API != "" {
			indexURL = metadata.API
		}
	}
	client := api.NewClient(indexURL, cfg.API.Timeout, log)

	// Tell the node its service is up. Best effort like all datagrams.
	if err := node.SendJSON("/agent", map[string]interface{}{
		"event":   "started",
		"session": client.Session(),
	}); err != nil {
		log.Warnw("cannot announce startup", "error", err)
	}

	popDir := cfg.Pop.Dir
	if scratch := os.Getenv("SCRATCH"); scratch != "" {
		popDir = filepath.Join(scratch, "pop")
	}
	settings := pop.LoadSettings(context.Background(), api.NewPopAPI(client), pop.Settings{
		MaxDelay:    cfg.Pop.MaxDelay,
		MaxLines:    cfg.Pop.MaxLines,
		SubmitDelay: cfg.Pop.SubmitDelay,
		ErrorDelay:  cfg.Pop.ErrorDelay,
	}, log)

	eventLog, err := pop.NewEventLog(popDir, settings.MaxDelay, settings.MaxLines, log, metrics)
	if err != nil {
		return fmt.Errorf("cannot open event log: %w", err)
	}
	defer eventLog.Close()

	submitter := pop.NewSubmitter(popDir, api.NewPopAPI(client), settings, log, metrics)
	submitter.SetIdleDelay(cfg.Pop.IdleDelay)
	go submitter.Run(context.Background())

	rpc.Register("pop", func(args []json.RawMessage) error {
		var playStart, duration float64
		var assetID int64
		var assetFilename string
		if err := decodeArgs(args, &playStart, &duration, &assetID, &assetFilename); err != nil {
			return err
		}
		eventLog.Log(playStart, duration, assetID, assetFilename)
		return nil
	})

	dev := device.New(log)
	defer dev.Close()
	rpc.Register("restart", func([]json.RawMessage) error {
		restart("requested by node")
		return nil
	})

	if port := os.Getenv("SERVICE_DATA_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("malformed SERVICE_DATA_PORT: %w", err)
		}
		serviceData, err := player.NewServiceData(p, log)
		if err != nil {
			return fmt.Errorf("cannot listen for service data: %w", err)
		}
		defer serviceData.Close()
	}

	log.Infow("agent running",
		"node", nodePath,
		"player", fmt.Sprintf("%s:%d", cfg.Player.Host, cfg.Player.Port),
		"pop_dir", popDir,
	)
	select {}
}

// decodeArgs unpacks positional RPC arguments into the given targets.
func decodeArgs(args []json.RawMessage, targets ...interface{}) error {
	if len(args) < len(targets) {
		return fmt.Errorf("expected %d arguments, got %d", len(targets), len(args))
	}
	for i, target := range targets {
		if err := json.Unmarshal(args[i], target); err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return nil
}
