package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cohortengine/pkg/config"
	"cohortengine/pkg/db"
	"cohortengine/pkg/logger"
)

var Version = "dev"

// cliConfig 只取 CLI 用到的几段配置
type cliConfig struct {
	Env string           `yaml:"env"`
	DB  config.DBConfig  `yaml:"db"`
	MQ  config.MQConfig  `yaml:"mq"`
	JWT config.JWTConfig `yaml:"jwt"`
}

var (
	configDir string
	configEnv string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "enrollctl",
		Short:         "Operations tool for the enrollment engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", config.GetEnv("CONFIG_DIR", "config"), "directory holding base.yaml and <env>.yaml")
	rootCmd.PersistentFlags().StringVar(&configEnv, "env", config.GetConfigEnv(), "config environment")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(tokenCmd())
	return rootCmd
}

func loadConfig() (*cliConfig, error) {
	cfgMap, err := config.LoadConfig(configEnv, configDir)
	if err != nil {
		return nil, err
	}
	var cfg cliConfig
	if err := config.Decode(cfgMap, &cfg); err != nil {
		return nil, err
	}
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideJWTFromEnv(&cfg.JWT)
	if cfg.Env == "" {
		cfg.Env = configEnv
	}
	return &cfg, nil
}

// connect 返回连接池与 logger，调用方负责 Close
func connect(ctx context.Context) (*cliConfig, *pgxpool.Pool, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	log := logger.NewLogger(cfg.Env)
	pool, err := db.NewConnection(ctx, cfg.DB, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, pool, log, nil
}
