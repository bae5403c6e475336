package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Nardo758/Traveloure-Platform-sub001/internal/logutil"
)

const envPrefix = "TRIPCHAT"

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tripchat",
		Short: "Traveler/expert conversation console",
	}

	cobra.OnInitialize(initConfig)

	cmd.PersistentFlags().String("config", "", "Config file path (optional).")
	_ = viper.BindPFlag("config", cmd.PersistentFlags().Lookup("config"))

	cmd.PersistentFlags().String("log-level", "info", "Logging level: debug|info|warn|error.")
	cmd.PersistentFlags().String("log-format", "text", "Logging format: text|json.")
	_ = viper.BindPFlag("logging.level", cmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", cmd.PersistentFlags().Lookup("log-format"))

	initViperDefaults()

	cmd.AddCommand(newConsoleCmd())
	cmd.AddCommand(newReplayCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func initViperDefaults() {
	viper.SetDefault("api.base_url", "http://localhost:8000")
	viper.SetDefault("api.token", "")
	viper.SetDefault("channel.url", "ws://localhost:8000/ws")
	viper.SetDefault("session.match_window", "5s")
	viper.SetDefault("session.recent_ttl", "10s")
	viper.SetDefault("session.refetch_delay", "1s")
	viper.SetDefault("session.refetch_attempts", 2)
}

func initConfig() {
	if cfg := strings.TrimSpace(viper.GetString("config")); cfg != "" {
		viper.SetConfigFile(cfg)
		if err := viper.ReadInConfig(); err != nil {
			slog.Warn("config_read_failed", "path", cfg, "error", err.Error())
		}
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func newLogger() *slog.Logger {
	logger, err := logutil.LoggerFromViper()
	if err != nil {
		slog.Warn("logger_config_invalid", "error", err.Error())
		return slog.Default()
	}
	return logger
}
