package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "txscope",
		Short:        "EVM transaction decoder",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	decodeCmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode transactions into history events",
		RunE:  runDecode,
	}

	decodeCmd.Flags().String("rpc", "", "Ethereum RPC URL (enables on-chain protocol discovery)")
	decodeCmd.Flags().Uint64("chain-id", 1, "EVM chain id")
	decodeCmd.Flags().String("location", "ethereum", "location name attached to events")
	decodeCmd.Flags().String("in", "", "input transactions JSONL")
	decodeCmd.Flags().String("out", "./data/history_events.jsonl", "output history events JSONL")
	decodeCmd.Flags().String("errors", "./data/decode_errors.jsonl", "decode errors JSONL")
	decodeCmd.Flags().String("pg-dsn", "", "Postgres DSN (optional event and cache persistence)")
	decodeCmd.Flags().StringSlice("account", nil, "tracked account addresses (comma-separated)")
	decodeCmd.Flags().String("tokens", "", "known tokens JSON file")
	decodeCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(decodeCmd)

	counterpartiesCmd := &cobra.Command{
		Use:   "counterparties",
		Short: "List the protocols the decoder knows about",
		RunE:  runCounterparties,
	}
	root.AddCommand(counterpartiesCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
