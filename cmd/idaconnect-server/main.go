package main

import (
	"context"
	"log"
	"strings"

	"github.com/joho/godotenv"

	"github.com/NeatMonster/IDAConnect/internal/app"
	"github.com/NeatMonster/IDAConnect/pkg/banner"
	"github.com/NeatMonster/IDAConnect/pkg/config"
	"github.com/NeatMonster/IDAConnect/pkg/logger"
	"github.com/NeatMonster/IDAConnect/pkg/shutdown"
)

// build metadata - set via ldflags during build/release
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load(".env")
	addrVal, dbVal, cfgVal, setFlags := config.ParseCommandFlags()

	cfgPath := config.ResolveConfigPath(cfgVal, setFlags["config"])
	cfg, envUsed, err := config.LoadEffective(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(cfg.Logging.Level)

	// Flags win over env/config for addr and db path.
	addr := cfg.Addr()
	if setFlags["addr"] {
		addr = addrVal
	}
	dbPath := dbVal
	if !setFlags["db"] && cfg.Storage.DBPath != "" {
		dbPath = cfg.Storage.DBPath
	}

	srcs := []string{}
	if len(setFlags) > 0 {
		srcs = append(srcs, "flags")
	}
	if envUsed {
		srcs = append(srcs, "env")
	}
	if _, err := config.Load(cfgPath); err == nil {
		srcs = append(srcs, "config")
	}
	verStr := version
	if commit != "none" {
		verStr = verStr + " (" + commit + ")"
	}
	if buildDate != "unknown" {
		verStr = verStr + " @ " + buildDate
	}

	a, err := app.New(cfg, addr, dbPath)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}

	banner.Print(addr, dbPath, strings.Join(srcs, ", "), verStr, cfg.TLSEnabled())

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()
	if err := a.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
