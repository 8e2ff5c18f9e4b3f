package main

import (
	"flag"
	_log "log"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"syscall"
	"time"

	"github.com/signrover/signrover/core"
	"github.com/signrover/signrover/log"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

var cfg_dir = flag.String("c", "", "Configuration directory path")
var debug_log = flag.Bool("debug", false, "Enable debug output")
var schedule = flag.String("schedule", "", "Run on a cron schedule instead of once (e.g. \"0 9 * * *\")")
var version_flag = flag.Bool("v", false, "Show version")

func main() {
	flag.Parse()

	if *version_flag == true {
		log.Info("version: %s", core.VERSION)
		return
	}

	core.Banner()

	_log.SetOutput(log.NullLogger().Writer())

	log.DebugEnable(*debug_log)
	if *debug_log {
		log.Info("debug output enabled")
	}

	if err := godotenv.Load(); err == nil {
		log.Debug("loaded environment from .env")
	}

	if *cfg_dir == "" {
		usr, err := user.Current()
		if err != nil {
			log.Fatal("%v", err)
			return
		}
		*cfg_dir = filepath.Join(usr.HomeDir, ".signrover")
	}

	err := os.MkdirAll(*cfg_dir, os.FileMode(0700))
	if err != nil {
		log.Fatal("%v", err)
		return
	}
	log.Info("loading configuration from: %s", *cfg_dir)

	cfg, err := core.NewConfig(*cfg_dir, "")
	if err != nil {
		log.Fatal("config: %v", err)
		return
	}

	// CI-style account secrets: one JSON array per provider.
	if err = cfg.LoadAccountsJSON("anyrouter", os.Getenv("ANYROUTER_ACCOUNTS")); err != nil {
		log.Error("ANYROUTER_ACCOUNTS: %v", err)
	}
	if err = cfg.LoadAccountsJSON("agentrouter", os.Getenv("AGENTROUTER_ACCOUNTS")); err != nil {
		log.Error("AGENTROUTER_ACCOUNTS: %v", err)
	}

	if n := cfg.ValidateAccounts(); n == 0 {
		log.Fatal("no usable accounts configured; add them to config.json or the *_ACCOUNTS environment variables")
		return
	} else {
		log.Info("loaded %d account(s)", n)
	}

	cache, err := core.NewSessionCache(cfg.GetCacheConfig().Path, time.Duration(cfg.GetCacheConfig().TtlHours)*time.Hour)
	if err != nil {
		log.Fatal("session cache: %v", err)
		return
	}
	defer cache.Close()

	runner := core.NewRunner(cfg, cache)
	notifier := core.NewNotifier(cfg.GetNotifyConfig())

	runOnce := func() bool {
		summaries := runner.RunAll()
		notifier.Send(summaries)
		for _, s := range summaries {
			if !s.Success {
				return false
			}
		}
		return true
	}

	if *schedule == "" {
		if !runOnce() {
			os.Exit(1)
		}
		return
	}

	c := cron.New()
	if _, err = c.AddFunc(*schedule, func() {
		log.Important("scheduled run starting")
		runOnce()
	}); err != nil {
		log.Fatal("invalid cron schedule '%s': %v", *schedule, err)
		return
	}
	c.Start()
	log.Important("scheduler started with '%s', waiting for runs", *schedule)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	ctx := c.Stop()
	<-ctx.Done()
}
