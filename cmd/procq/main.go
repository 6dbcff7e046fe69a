package main

import (
	"log"
	"os"

	"github.com/seantiz/procq/internal/api"
	"github.com/seantiz/procq/internal/catalog"
	"github.com/seantiz/procq/internal/config"
	"github.com/seantiz/procq/internal/engine"
	"github.com/seantiz/procq/internal/store"
)

func main() {
	cfg, cfgErr := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	if cfgErr != nil {
		log.Fatalf("invalid configuration: %v", cfgErr)
	}

	logger.Info("procq: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"idle_poll", cfg.IdlePoll.String(),
		"undo_failed_runs", cfg.UndoFailedRuns,
		"vsock_port", cfg.VsockPort,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	cat := catalog.New()
	kv := catalog.NewKV()
	catalog.RegisterBuiltins(cat, kv)

	eng := engine.New(logger,
		engine.WithStore(db),
		engine.WithIdlePoll(cfg.IdlePoll),
		engine.WithUndoFailedRuns(cfg.UndoFailedRuns),
	)
	eng.StartExecution()

	srv := api.NewServer(cfg.ListenAddr, db, cat, eng, logger)
	srv.ExposeKV(kv)
	if cfg.VsockPort != 0 {
		srv.EnableVsock(cfg.VsockPort)
	}

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
