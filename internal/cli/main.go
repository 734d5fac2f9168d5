package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/forPelevin/hlclip/internal/config"
	"github.com/forPelevin/hlclip/internal/logger"
	"github.com/forPelevin/hlclip/internal/pipeline"
)

func Main() {
	_ = godotenv.Load() // best-effort: load .env if present

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRoot()
	root.SetOut(os.Stdout)
	root.SetErr(os.Stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "hlclip",
		Short:         "Cut ranked highlight clips from long videos",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "YAML config file")
	root.PersistentFlags().String("log-level", "", "debug, info, warn or error")
	root.PersistentFlags().String("provider", "", "ranking provider: gemini, openrouter or heuristic")
	root.PersistentFlags().String("model", "", "ranking model name")
	root.PersistentFlags().String("db", "", "SQLite database for jobs and the queue")

	root.AddCommand(
		newRunCmd(),
		newSubmitCmd(),
		newWorkerCmd(),
		newWatchCmd(),
		newKeysCmd(),
		newJobCmd(),
	)
	return root
}

// setting binds one config key to an optional flag and environment variable.
type setting struct {
	key  string
	flag string
	env  string
}

var settings = []setting{
	{"config", "config", "HLCLIP_CONFIG"},
	{"logging.level", "log-level", "HLCLIP_LOG_LEVEL"},
	{"ranking.provider", "provider", "HLCLIP_PROVIDER"},
	{"ranking.model", "model", "HLCLIP_MODEL"},
	{"ranking.openrouter_base_url", "", "OPENROUTER_BASE_URL"},
	{"ranking.gemini_base_url", "", "GEMINI_BASE_URL"},
	{"paths.db", "db", "HLCLIP_DB"},
	{"paths.cache", "", "HLCLIP_CACHE_DIR"},
	{"paths.out", "out", "HLCLIP_OUT_DIR"},
	{"server.listen", "listen", "HLCLIP_LISTEN"},
}

func newViper(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	for _, s := range settings {
		if s.flag != "" {
			if f := cmd.Flags().Lookup(s.flag); f != nil {
				_ = v.BindPFlag(s.key, f)
			}
		}
		if s.env != "" {
			_ = v.BindEnv(s.key, s.env)
		}
	}
	return v
}

// loadConfig reads the config file and layers environment and flags on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := newViper(cmd)
	cfg, err := config.Read(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	override := func(dst *string, key string) {
		if s := v.GetString(key); s != "" {
			*dst = s
		}
	}
	override(&cfg.Logging.Level, "logging.level")
	override(&cfg.Ranking.Provider, "ranking.provider")
	override(&cfg.Ranking.Model, "ranking.model")
	override(&cfg.Ranking.OpenRouterBaseURL, "ranking.openrouter_base_url")
	override(&cfg.Ranking.GeminiBaseURL, "ranking.gemini_base_url")
	override(&cfg.Paths.DB, "paths.db")
	override(&cfg.Paths.Cache, "paths.cache")
	override(&cfg.Paths.Out, "paths.out")
	override(&cfg.Server.Listen, "server.listen")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func openApp(cmd *cobra.Command, opts ...pipeline.Option) (*pipeline.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return buildApp(cmd, cfg, opts...)
}

func buildApp(cmd *cobra.Command, cfg *config.Config, opts ...pipeline.Option) (*pipeline.App, error) {
	log := logger.NewWriter(cmd.ErrOrStderr(), cfg.Logging.Level)
	return pipeline.Build(cfg, log, opts...)
}
