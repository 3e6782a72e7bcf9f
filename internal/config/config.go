// Package config builds the impostord CLI surface: a cobra.Command
// bound to a pflag.FlagSet, backed by a viper instance that layers
// flags over environment variables over config.yaml over built-in
// defaults, grounded in the Seednode-partybox config/main split.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"impostor.dev/internal/store"
)

// Config is the fully resolved runtime configuration for impostord.
type Config struct {
	Addr             string
	StoreBackend     string // "redis" or "memory"
	RedisURL         string
	TimerTickSeconds int
	Settings         store.Settings
}

func (c *Config) validate() error {
	if c.TimerTickSeconds <= 0 {
		return fmt.Errorf("timer_tick_seconds must be positive, got %d", c.TimerTickSeconds)
	}
	if c.StoreBackend != "redis" && c.StoreBackend != "memory" {
		return fmt.Errorf("store must be \"redis\" or \"memory\", got %q", c.StoreBackend)
	}
	if c.StoreBackend == "redis" && c.RedisURL == "" {
		return fmt.Errorf("redis-url is required when store is \"redis\"")
	}
	return nil
}

// NewCommand builds the root cobra.Command. run is invoked with the
// validated Config once cobra has parsed flags/env/file.
func NewCommand(run func(cmd *cobra.Command, cfg *Config) error) *cobra.Command {
	cfg := &Config{}
	defaults := store.DefaultSettings()

	v := viper.New()
	v.SetEnvPrefix("IMPOSTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.BindEnv("redis_url", "REDIS_URL", "IMPOSTOR_REDIS_URL")

	v.SetDefault("timer_tick_seconds", 1)
	v.SetDefault("redis_room_store.settings.max_players", defaults.MaxPlayers)
	v.SetDefault("redis_room_store.settings.turn_duration", defaults.TurnDuration)
	v.SetDefault("redis_room_store.settings.round_time", defaults.RoundTime)
	v.SetDefault("redis_room_store.settings.turn_grace", defaults.TurnGrace)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			cobra.CheckErr(fmt.Errorf("read config.yaml: %w", err))
		}
		// Missing file: defaults above stand, matching spec §6.
	}

	cmd := &cobra.Command{
		Use:           "impostord",
		Short:         "Realtime social-deduction game server.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return run(cmd, cfg)
		},
	}

	fs := cmd.Flags()
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVar(&cfg.Addr, "addr", ":8080", "address to listen on (env: IMPOSTOR_ADDR)")
	fs.StringVar(&cfg.StoreBackend, "store", "memory", "room store backend: redis or memory (env: IMPOSTOR_STORE)")
	fs.StringVar(&cfg.RedisURL, "redis-url", "", "redis connection URL (env: REDIS_URL or IMPOSTOR_REDIS_URL)")
	fs.IntVar(&cfg.TimerTickSeconds, "timer-tick-seconds", v.GetInt("timer_tick_seconds"), "timer task poll interval in seconds, must be > 0")
	fs.IntVar(&cfg.Settings.MaxPlayers, "max-players", v.GetInt("redis_room_store.settings.max_players"), "default max_players for new rooms")
	fs.IntVar(&cfg.Settings.TurnDuration, "turn-duration", v.GetInt("redis_room_store.settings.turn_duration"), "default turn_duration for new rooms")
	fs.IntVar(&cfg.Settings.RoundTime, "round-time", v.GetInt("redis_room_store.settings.round_time"), "default round_time/vote_duration for new rooms")
	fs.IntVar(&cfg.Settings.TurnGrace, "turn-grace", v.GetInt("redis_room_store.settings.turn_grace"), "default turn_grace for new rooms")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	if cfg.RedisURL == "" {
		if u := v.GetString("redis_url"); u != "" {
			cfg.RedisURL = u
		}
	}

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})

	return cmd
}
