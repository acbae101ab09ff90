package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"essencetap.gg/internal/config"
	"essencetap.gg/internal/engine"
	"essencetap.gg/internal/journal"
	"essencetap.gg/internal/netclient"
	"essencetap.gg/internal/statsdb"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/client.yaml", "client config path")
		url        = flag.String("url", "", "ws url (overrides config)")
		name       = flag.String("name", "", "player name (overrides config)")
		storm      = flag.Duration("storm", 0, "drive a synthetic tap storm for this long (0 = idle)")
		tapEvery   = flag.Duration("tap_every", 25*time.Millisecond, "storm tap interval")
		disableDB  = flag.Bool("disable_db", false, "disable the local stats index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[client] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("config: %v", err)
		}
		cfg = config.Default()
	}
	if *url != "" {
		cfg.ServerURL = *url
	}
	if *name != "" {
		cfg.PlayerName = *name
	}

	sessionID := uuid.NewString()

	var sinks []engine.EventSink
	var jw *journal.Writer
	if cfg.JournalDir != "" {
		jw = journal.NewWriter(cfg.JournalDir, sessionID)
		defer jw.Close()
		sinks = append(sinks, jw)
	}
	var idx *statsdb.Index
	if cfg.StatsDB != "" && !*disableDB {
		idx, err = statsdb.Open(cfg.StatsDB, sessionID, cfg.PlayerName)
		if err != nil {
			logger.Fatalf("stats db: %v", err)
		}
		defer idx.Close()
		sinks = append(sinks, idx)
	}

	conn := netclient.New(netclient.Config{
		URL:         cfg.ServerURL,
		PlayerName:  cfg.PlayerName,
		AuthToken:   cfg.AuthToken,
		BackoffBase: cfg.Backoff.Base(),
		BackoffMax:  cfg.Backoff.Max(),
		MaxAttempts: cfg.Backoff.MaxAttempts,
	}, log.New(os.Stdout, "[net] ", log.LstdFlags|log.Lmicroseconds))

	eng := engine.New(cfg, conn, engine.Options{
		Logger: log.New(os.Stdout, "[engine] ", log.LstdFlags|log.Lmicroseconds),
		Sinks:  sinks,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	go func() {
		for res := range eng.Results() {
			if res.Crit || res.Golden {
				logger.Printf("tap seq=%d gain=%.1f crit=%v golden=%v combo=%.1f",
					res.ClientSeq, res.Gain, res.Crit, res.Golden, res.Combo)
			}
		}
	}()
	go func() {
		for d := range eng.StatDeltas() {
			logger.Printf("reconciled clicks=%d essence=%.1f (unconfirmed %.1f)",
				d.TotalClicks, d.Essence, d.OutstandingEssence)
		}
	}()

	logger.Printf("session %s connecting to %s", sessionID, cfg.ServerURL)
	conn.Connect()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	if *storm > 0 {
		go func() {
			ticker := time.NewTicker(*tapEvery)
			defer ticker.Stop()
			end := time.After(*storm)
			for {
				select {
				case <-end:
					logger.Printf("tap storm finished")
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := eng.RegisterTap(1, 0); err != nil {
						return
					}
				}
			}
		}()
	}

	status := time.NewTicker(5 * time.Second)
	defer status.Stop()
	for {
		select {
		case <-stop:
			logger.Printf("shutting down")
			// Final flush happens inside Shutdown while the socket is
			// still up; only then is the connection torn down.
			eng.Shutdown()
			conn.Disconnect()
			return
		case <-status.C:
			snap, err := eng.Snapshot()
			if err != nil {
				return
			}
			st, _ := eng.Stats()
			logger.Printf("conn=%s essence=%.1f lifetime=%.1f clicks=%d pending=%d queued=%d unconfirmed=%.1f",
				conn.State(), snap.Essence, snap.LifetimeEssence, snap.TotalClicks,
				st.PendingBatchSize, st.QueuedEntries, st.OutstandingEssence)
		}
	}
}
