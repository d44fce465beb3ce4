package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"txscope/internal/model"
)

// Store provides Postgres persistence for decoded history events.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying connection pool so other components (the
// protocol cache) can share it.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// EnsureSchema creates the history event tables if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS history_events (
			tx_hash        TEXT NOT NULL,
			sequence_index BIGINT NOT NULL,
			timestamp      BIGINT NOT NULL,
			event_type     TEXT NOT NULL,
			event_subtype  TEXT NOT NULL,
			asset          TEXT NOT NULL,
			amount         NUMERIC NOT NULL,
			location       TEXT NOT NULL,
			location_label TEXT,
			counterparty   TEXT,
			address        TEXT,
			notes          TEXT,
			extra_data     JSONB,
			product        TEXT,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (tx_hash, sequence_index)
		);
		CREATE TABLE IF NOT EXISTS decode_errors (
			chain_id   BIGINT NOT NULL,
			tx_hash    TEXT NOT NULL,
			log_index  BIGINT NOT NULL,
			address    TEXT NOT NULL,
			protocol   TEXT,
			error      TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (tx_hash, log_index)
		);
	`)
	return err
}

// InsertEvents writes a batch of history events. Re-decoding a transaction
// replaces its previous rows.
func (s *Store) InsertEvents(ctx context.Context, events []*model.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, event := range events {
		var address *string
		if event.Address != nil {
			hex := event.Address.Hex()
			address = &hex
		}
		var extraData []byte
		if event.ExtraData != nil {
			encoded, err := json.Marshal(event.ExtraData)
			if err != nil {
				return fmt.Errorf("marshal extra data: %w", err)
			}
			extraData = encoded
		}
		batch.Queue(`
			INSERT INTO history_events (
				tx_hash, sequence_index, timestamp, event_type, event_subtype,
				asset, amount, location, location_label, counterparty,
				address, notes, extra_data, product
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (tx_hash, sequence_index)
			DO UPDATE SET
				timestamp = EXCLUDED.timestamp,
				event_type = EXCLUDED.event_type,
				event_subtype = EXCLUDED.event_subtype,
				asset = EXCLUDED.asset,
				amount = EXCLUDED.amount,
				location = EXCLUDED.location,
				location_label = EXCLUDED.location_label,
				counterparty = EXCLUDED.counterparty,
				address = EXCLUDED.address,
				notes = EXCLUDED.notes,
				extra_data = EXCLUDED.extra_data,
				product = EXCLUDED.product
		`,
			event.TxHash.Hex(),
			int64(event.SequenceIndex),
			int64(event.Timestamp),
			string(event.EventType),
			string(event.EventSubtype),
			event.Asset,
			event.Amount.String(),
			event.Location,
			event.LocationLabel,
			event.Counterparty,
			address,
			event.Notes,
			extraData,
			event.Product,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range events {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// InsertDecodeErrors records non-fatal decode failures.
func (s *Store) InsertDecodeErrors(ctx context.Context, errs []model.DecodeError) error {
	if len(errs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, decodeErr := range errs {
		batch.Queue(`
			INSERT INTO decode_errors (chain_id, tx_hash, log_index, address, protocol, error)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (tx_hash, log_index) DO NOTHING
		`,
			int64(decodeErr.ChainID),
			decodeErr.TxHash,
			int64(decodeErr.LogIndex),
			decodeErr.Address,
			decodeErr.Protocol,
			decodeErr.Error,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range errs {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}
