package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/Portunus/validator/internal/db"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/calypso"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/store"
)

type CardStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewCardStore(db *sql.DB, writer *dbpkg.Worker) *CardStore {
	return &CardStore{db: db, writer: writer}
}

func (s *CardStore) LoadCard(ctx context.Context, serial string) (store.CardImage, error) {
	serial = strings.TrimSpace(serial)

	var (
		productType  string
		sessionCount int
		updatedMs    int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT product_type, session_count, updated_at_ms
FROM cards
WHERE serial = ?;
`, serial).Scan(&productType, &sessionCount, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return store.CardImage{}, fmt.Errorf("%w: %s", store.ErrCardNotFound, serial)
	}
	if err != nil {
		return store.CardImage{}, fmt.Errorf("LoadCard query card: %w", err)
	}

	pt, err := calypso.ParseProductType(productType)
	if err != nil {
		return store.CardImage{}, fmt.Errorf("LoadCard %s: %w", serial, err)
	}

	img := store.CardImage{
		Serial:       serial,
		ProductType:  pt,
		Records:      make(map[store.RecordKey][]byte),
		SessionCount: sessionCount,
		UpdatedAt:    time.UnixMilli(updatedMs).UTC(),
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT sfi, record_number, data
FROM card_records
WHERE serial = ?
ORDER BY sfi, record_number;
`, serial)
	if err != nil {
		return store.CardImage{}, fmt.Errorf("LoadCard query records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sfi    int
			record int
			data   []byte
		)
		if err := rows.Scan(&sfi, &record, &data); err != nil {
			return store.CardImage{}, fmt.Errorf("LoadCard scan record: %w", err)
		}
		img.Records[store.RecordKey{SFI: uint8(sfi), Record: record}] = data
	}
	if err := rows.Err(); err != nil {
		return store.CardImage{}, fmt.Errorf("LoadCard rows: %w", err)
	}

	return img, nil
}

// SaveCard replaces the whole image of a card, creating it if needed. It is
// used by issuance, never by validation sessions.
func (s *CardStore) SaveCard(ctx context.Context, img store.CardImage) error {
	serial := strings.TrimSpace(img.Serial)
	if serial == "" {
		return fmt.Errorf("SaveCard: serial is required")
	}
	if img.UpdatedAt.IsZero() {
		img.UpdatedAt = time.Now().UTC()
	}
	ms := img.UpdatedAt.UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO cards(serial, product_type, session_count, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(serial) DO UPDATE SET
  product_type  = excluded.product_type,
  session_count = excluded.session_count,
  updated_at_ms = excluded.updated_at_ms;
`, serial, img.ProductType.String(), img.SessionCount, ms, ms); err != nil {
			return fmt.Errorf("SaveCard upsert card: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM card_records WHERE serial = ?;`, serial); err != nil {
			return fmt.Errorf("SaveCard clear records: %w", err)
		}

		for _, k := range img.SortedKeys() {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO card_records(serial, sfi, record_number, data, updated_at_ms)
VALUES (?, ?, ?, ?, ?);
`, serial, int(k.SFI), k.Record, img.Records[k], ms); err != nil {
				return fmt.Errorf("SaveCard insert sfi %#02x record %d: %w", k.SFI, k.Record, err)
			}
		}
		return nil
	})
}

// CommitSession writes every record of one secure session in a single
// transaction. Writes may only target records that already exist.
func (s *CardStore) CommitSession(ctx context.Context, serial string, writes []store.RecordWrite) error {
	ms := time.Now().UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE cards
SET session_count = session_count + 1,
    updated_at_ms = ?
WHERE serial = ?;
`, ms, serial)
		if err != nil {
			return fmt.Errorf("CommitSession bump card: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", store.ErrCardNotFound, serial)
		}

		for _, w := range writes {
			res, err := tx.ExecContext(ctx, `
UPDATE card_records
SET data = ?,
    updated_at_ms = ?
WHERE serial = ? AND sfi = ? AND record_number = ?;
`, w.Data, ms, serial, int(w.SFI), w.Record)
			if err != nil {
				return fmt.Errorf("CommitSession update sfi %#02x record %d: %w", w.SFI, w.Record, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("CommitSession: sfi %#02x record %d does not exist", w.SFI, w.Record)
			}
		}
		return nil
	})
}

func (s *CardStore) ListCards(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT serial FROM cards ORDER BY serial;`)
	if err != nil {
		return nil, fmt.Errorf("ListCards: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var serial string
		if err := rows.Scan(&serial); err != nil {
			return nil, fmt.Errorf("ListCards scan: %w", err)
		}
		out = append(out, serial)
	}
	return out, rows.Err()
}
