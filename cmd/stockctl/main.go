package main

import (
	"fmt"
	"os"
	"strings"

	"coupon-service/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// wrap is the number of characters flag help text is wrapped at
const wrap = 50

var (
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "stockctl",
		Short: "Operate coupon stock counters and inspect shard routing",
		Long: `stockctl talks to the counter store and the shard router configuration
used by the coupon service. Settings are read from .env, .env.local and the
environment; flags override both.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("redis-addr", "", wrapString("Redis address of the counter store (REDIS_ADDR)"))
	flags.String("redis-password", "", wrapString("Redis password (REDIS_PASSWORD)"))
	flags.Int("redis-db", 0, wrapString("Redis database number (REDIS_DB)"))
	flags.String("shard-strategy", "", wrapString("Routing strategy, hash or range (SHARD_STRATEGY)"))
	flags.String("shard-key", "", wrapString("Routing dimension, user or room (SHARD_KEY)"))

	bindings := map[string]string{
		"REDIS_ADDR":     "redis-addr",
		"REDIS_PASSWORD": "redis-password",
		"REDIS_DB":       "redis-db",
		"SHARD_STRATEGY": "shard-strategy",
		"SHARD_KEY":      "shard-key",
	}
	for key, flag := range bindings {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}

	rootCmd.AddCommand(stockCmd)
	rootCmd.AddCommand(routeCmd)
}

func loadConfig(_ *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load()
	return err
}

// wrapString wraps help text at wrap characters
func wrapString(text string) string {
	var lines []string
	var line strings.Builder
	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > wrap {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteString(" ")
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
