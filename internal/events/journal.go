package events

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// JournalConfig configures the event journal.
type JournalConfig struct {
	DataDir    string // Directory for events.db
	SigningKey string // Hex HMAC key; generated under DataDir when empty
}

// Journal is an append-only, signed SQLite log of committed events.
type Journal struct {
	mu     sync.Mutex
	db     *sql.DB
	dbPath string
	signer *Signer
}

// OpenJournal opens or creates the journal under cfg.DataDir.
func OpenJournal(cfg JournalConfig) (*Journal, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	dir := filepath.Join(cfg.DataDir, "journal")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	dbPath := filepath.Join(dir, "events.db")

	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	signer, err := NewSigner(dir, cfg.SigningKey)
	if err != nil {
		db.Close()
		return nil, err
	}

	j := &Journal{db: db, dbPath: dbPath, signer: signer}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	log.Info().Str("dbPath", dbPath).Msg("Event journal opened")
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		instruction TEXT NOT NULL,
		op TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		kind TEXT NOT NULL,
		payload BLOB NOT NULL,
		signature TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	CREATE INDEX IF NOT EXISTS idx_events_instruction ON events(instruction);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Deliver signs and appends records in one transaction.
func (j *Journal) Deliver(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal append: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		payload, err := EncodePayload(rec.Event)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", rec.Kind, err)
		}
		sig, err := j.signer.Sign(rec)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (id, instruction, op, timestamp, kind, payload, signature)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.Instruction, rec.Op, rec.Timestamp.UnixNano(), string(rec.Kind), payload, sig,
		); err != nil {
			return fmt.Errorf("append event %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

// List returns up to limit records with ids greater than after, oldest
// first. An empty after starts at the beginning.
func (j *Journal) List(ctx context.Context, after string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, instruction, op, timestamp, kind, payload, signature
		FROM events WHERE id > ? ORDER BY id LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Verify checks every signature and returns the ids that do not match.
func (j *Journal) Verify(ctx context.Context) ([]string, error) {
	var bad []string
	after := ""
	for {
		page, err := j.List(ctx, after, 1000)
		if err != nil {
			return nil, err
		}
		for _, rec := range page {
			if !j.signer.Verify(rec) {
				bad = append(bad, rec.ID)
			}
		}
		if len(page) < 1000 {
			return bad, nil
		}
		after = page[len(page)-1].ID
	}
}

// Count returns the number of journaled events.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (Record, error) {
	var (
		rec     Record
		ts      int64
		kind    string
		payload []byte
	)
	if err := s.Scan(&rec.ID, &rec.Instruction, &rec.Op, &ts, &kind, &payload, &rec.Signature); err != nil {
		return Record{}, fmt.Errorf("scan journal row: %w", err)
	}
	rec.Timestamp = time.Unix(0, ts).UTC()
	rec.Kind = Kind(kind)
	e, err := DecodePayload(rec.Kind, payload)
	if err != nil {
		return Record{}, fmt.Errorf("journal row %s: %w", rec.ID, err)
	}
	rec.Event = e
	return rec, nil
}
