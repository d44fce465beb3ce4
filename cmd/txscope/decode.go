package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"txscope/internal/asset"
	"txscope/internal/cache"
	"txscope/internal/chain"
	"txscope/internal/config"
	"txscope/internal/decoding"
	"txscope/internal/decoding/aura"
	"txscope/internal/decoding/cctp"
	"txscope/internal/decoding/curvelend"
	"txscope/internal/decoding/weth"
	"txscope/internal/model"
	"txscope/internal/storage"
	"txscope/internal/storage/postgres"
)

// txRecord is one input line: a transaction with its receipt and internal
// value transfers.
type txRecord struct {
	Transaction model.Transaction   `json:"transaction"`
	Receipt     model.Receipt       `json:"receipt"`
	Internal    []*model.InternalTx `json:"internal_transactions,omitempty"`
}

func runDecode(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadDecode(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.In == "" {
		return fmt.Errorf("input path is required")
	}
	if len(cfg.TrackedAccounts) == 0 {
		return fmt.Errorf("at least one tracked account is required")
	}
	tracked, err := parseAccounts(cfg.TrackedAccounts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := asset.NewStaticRegistry(asset.EthereumNative)
	if cfg.Tokens != "" {
		if err := loadTokens(cfg.Tokens, cfg.ChainID, registry); err != nil {
			return err
		}
	}

	var pgStore *postgres.Store
	var cacheStore cache.Store = cache.NewMemoryStore()
	if cfg.PgDSN != "" {
		pgStore, err = postgres.NewStore(ctx, cfg.PgDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pgStore.Close()
		if err := pgStore.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		pgCache := cache.NewPGStore(pgStore.Pool())
		if err := pgCache.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure cache schema: %w", err)
		}
		cacheStore = pgCache
	}

	tools := decoding.NewTools(cfg.ChainID, cfg.Location, registry, logger)
	tools.SetTrackedAccounts(tracked)
	engine := decoding.NewEngine(tools, logger)

	cctpDecoder, err := cctp.New(tools)
	if err != nil {
		return err
	}
	if err := engine.Register(cctp.Counterparty, cctpDecoder); err != nil {
		return err
	}
	if err := engine.Register(weth.Counterparty, weth.New(tools)); err != nil {
		return err
	}
	if err := engine.Register(aura.Counterparty, aura.New(tools)); err != nil {
		return err
	}

	if cfg.RPCURL != "" {
		chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("connect rpc: %w", err)
		}
		defer chainClient.Close()

		curveDecoder, err := curvelend.New(tools, cacheStore, chainClient, logger)
		if err != nil {
			return err
		}
		if err := engine.Register(curvelend.Counterparty, curveDecoder); err != nil {
			return err
		}
		if err := engine.ReloadData(ctx); err != nil {
			return fmt.Errorf("reload decoders: %w", err)
		}
	} else {
		logger.Warn("no rpc url configured, skipping on-chain protocol discovery")
	}

	inputFile, err := os.Open(cfg.In)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer inputFile.Close()

	eventSink := storage.NewJsonlStorage(cfg.Out)
	errWriter, err := newJSONLWriter(cfg.Errors)
	if err != nil {
		return err
	}
	defer errWriter.Close()

	logger.Info("decode start",
		zap.String("in", cfg.In),
		zap.String("out", cfg.Out),
		zap.Int("accounts", len(tracked)),
		zap.Bool("postgres", pgStore != nil),
	)

	scanner := bufio.NewScanner(inputFile)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	var total, decoded, failed int
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		total++

		var record txRecord
		if err := json.Unmarshal(line, &record); err != nil {
			failed++
			writeDecodeError(errWriter, logger, model.DecodeError{Error: err.Error()})
			continue
		}

		events, err := engine.DecodeTransaction(ctx, &record.Transaction, &record.Receipt, record.Internal)
		if err != nil {
			failed++
			writeDecodeError(errWriter, logger, model.DecodeError{
				ChainID: record.Transaction.ChainID,
				TxHash:  record.Transaction.Hash.Hex(),
				Error:   err.Error(),
			})
			continue
		}

		if err := eventSink.PutEventBatch(events); err != nil {
			return err
		}
		if pgStore != nil {
			if err := pgStore.InsertEvents(ctx, events); err != nil {
				return fmt.Errorf("persist events: %w", err)
			}
		}
		decoded += len(events)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan input: %w", err)
	}

	logger.Info("decode complete",
		zap.Int("transactions", total),
		zap.Int("events", decoded),
		zap.Int("failed", failed),
	)

	return nil
}

func runCounterparties(cmd *cobra.Command, _ []string) error {
	logger := zap.NewNop()
	registry := asset.NewStaticRegistry(asset.EthereumNative)
	tools := decoding.NewTools(1, "ethereum", registry, logger)
	engine := decoding.NewEngine(tools, logger)

	cctpDecoder, err := cctp.New(tools)
	if err != nil {
		return err
	}
	if err := engine.Register(cctp.Counterparty, cctpDecoder); err != nil {
		return err
	}
	if err := engine.Register(weth.Counterparty, weth.New(tools)); err != nil {
		return err
	}
	if err := engine.Register(aura.Counterparty, aura.New(tools)); err != nil {
		return err
	}
	curveDecoder, err := curvelend.New(tools, cache.NewMemoryStore(), nil, logger)
	if err != nil {
		return err
	}
	if err := engine.Register(curvelend.Counterparty, curveDecoder); err != nil {
		return err
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(engine.Counterparties())
}

func parseAccounts(raw []string) ([]common.Address, error) {
	accounts := make([]common.Address, 0, len(raw))
	for _, item := range raw {
		if !common.IsHexAddress(item) {
			return nil, fmt.Errorf("invalid account address: %s", item)
		}
		accounts = append(accounts, common.HexToAddress(item))
	}
	return accounts, nil
}

// tokenEntry is one record of the known tokens file.
type tokenEntry struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
	Kind     string `json:"kind"`
	Protocol string `json:"protocol,omitempty"`
}

func loadTokens(path string, chainID uint64, registry *asset.StaticRegistry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tokens file: %w", err)
	}
	var entries []tokenEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse tokens file: %w", err)
	}
	for _, entry := range entries {
		if !common.IsHexAddress(entry.Address) {
			return fmt.Errorf("invalid token address: %s", entry.Address)
		}
		kind := asset.TokenKind(entry.Kind)
		if kind == "" {
			kind = asset.KindERC20
		}
		address := common.HexToAddress(entry.Address)
		registry.Register(asset.Token{
			Identifier: asset.TokenIdentifier(chainID, kind, address),
			Address:    address,
			Symbol:     entry.Symbol,
			Name:       entry.Name,
			Decimals:   entry.Decimals,
			Kind:       kind,
			Protocol:   entry.Protocol,
		})
	}
	return nil
}

type jsonlWriter struct {
	file   *os.File
	writer *bufio.Writer
}

func newJSONLWriter(path string) (*jsonlWriter, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dir: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	return &jsonlWriter{
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

func (w *jsonlWriter) Write(value interface{}) error {
	line, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if _, err := w.writer.Write(line); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	return nil
}

func (w *jsonlWriter) Close() error {
	if w == nil {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

func writeDecodeError(writer *jsonlWriter, logger *zap.Logger, decodeErr model.DecodeError) {
	if err := writer.Write(decodeErr); err != nil {
		logger.Error("write decode error", zap.Error(err))
	}
}
