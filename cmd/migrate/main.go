package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"
	_ "github.com/joho/godotenv/autoload"

	"github.com/metroai/defect-hub/internal/config"
	"github.com/metroai/defect-hub/internal/dbmigrate"
	"github.com/metroai/defect-hub/internal/logging"
)

func main() {
	dir := flag.String("dir", "", "migrations directory on disk (default: embedded)")
	flag.Usage = func() {
		os.Stderr.WriteString("usage: migrate [-dir path] up|down|status|version|redo\n")
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	logger := logging.Component("migrate")

	dbURL, source, warning, err := dbmigrate.SelectDatabaseURL(cfg, false)
	if err != nil {
		logger.WithError(err).Fatal("migrate: no database")
	}
	if warning != "" {
		logger.Warnf("migrate: %s", warning)
	}
	logger.WithFields(log.Fields{"command": command, "using": source}).Info("migrate: starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dbmigrate.Run(ctx, command, dbURL, *dir); err != nil {
		logger.WithError(err).Fatal("migrate: failed")
	}

	logger.Infof("migrate: %s completed successfully", command)
}
