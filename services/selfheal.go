package services

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// SelfHeal runs the idempotent, additive schema repair every service
// executes on boot: tables first, then missing columns, then the FTS
// index, then the sync triggers, then orphan parents. It never drops a
// data table.
func SelfHeal(db *sqlx.DB) error {
	if err := healTables(db); err != nil {
		return err
	}
	if err := healColumns(db); err != nil {
		return err
	}
	if err := healIndex(db); err != nil {
		return err
	}
	if err := healTriggers(db); err != nil {
		return err
	}
	if err := healOrphans(db); err != nil {
		return err
	}
	return nil
}

func healTables(db *sqlx.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS videos (
    id             TEXT PRIMARY KEY,
    filename       TEXT NOT NULL,
    path           TEXT DEFAULT '',
    status         TEXT DEFAULT 'queued',
    is_processed   BOOLEAN DEFAULT 0,
    created_at     TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    is_processed_datetime_utc TIMESTAMP
);

CREATE TABLE IF NOT EXISTS frames (
    id                     TEXT PRIMARY KEY,
    video_id               TEXT NOT NULL,
    frame_number           INTEGER NOT NULL,
    frame_time             REAL NOT NULL DEFAULT 0,
    path                   TEXT NOT NULL DEFAULT '',
    greyscale_is_processed BOOLEAN DEFAULT 0,
    UNIQUE(video_id, frame_number),
    FOREIGN KEY(video_id) REFERENCES videos(id)
);

CREATE TABLE IF NOT EXISTS ocr_frames (
    id           TEXT PRIMARY KEY,
    video_id     TEXT NOT NULL,
    frame_path   TEXT UNIQUE,
    ocr_text     TEXT DEFAULT '',
    is_processed BOOLEAN DEFAULT 0,
    FOREIGN KEY(video_id) REFERENCES videos(id)
);

CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    video_id    TEXT NOT NULL,
    job_type    TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'queued',
    retry_count INTEGER NOT NULL DEFAULT 0,
    payload     TEXT DEFAULT '{}',
    created_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    started_at  TIMESTAMP,
    finished_at TIMESTAMP,
    updated_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(job_type, status, created_at);
CREATE INDEX IF NOT EXISTS idx_frames_video ON frames(video_id);
CREATE INDEX IF NOT EXISTS idx_ocr_frames_video ON ocr_frames(video_id);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}
	return nil
}

// healColumns repairs schema drift by adding any expected column a
// historical database is missing.
func healColumns(db *sqlx.DB) error {
	expected := map[string]map[string]string{
		"videos": {
			"path":                      "TEXT DEFAULT ''",
			"status":                    "TEXT DEFAULT 'queued'",
			"is_processed":              "BOOLEAN DEFAULT 0",
			"is_processed_datetime_utc": "TIMESTAMP",
		},
		"frames": {
			"frame_time":             "REAL NOT NULL DEFAULT 0",
			"path":                   "TEXT NOT NULL DEFAULT ''",
			"greyscale_is_processed": "BOOLEAN DEFAULT 0",
		},
		"ocr_frames": {
			"ocr_text":     "TEXT DEFAULT ''",
			"is_processed": "BOOLEAN DEFAULT 0",
		},
		"jobs": {
			"retry_count": "INTEGER NOT NULL DEFAULT 0",
			"payload":     "TEXT DEFAULT '{}'",
			"started_at":  "TIMESTAMP",
			"finished_at": "TIMESTAMP",
			"updated_at":  "TIMESTAMP",
		},
	}

	for table, cols := range expected {
		rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
		if err != nil {
			return fmt.Errorf("inspecting %s: %w", table, err)
		}
		existing := map[string]bool{}
		for rows.Next() {
			var cid int
			var name, ctype string
			var notnull, pk int
			var dflt any
			if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
				rows.Close()
				return err
			}
			existing[name] = true
		}
		rows.Close()

		for name, decl := range cols {
			if existing[name] {
				continue
			}
			log.Warn().Str("table", table).Str("column", name).Msg("adding missing column")
			if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, name, decl)); err != nil {
				// A concurrent healer may have won the race.
				if !strings.Contains(err.Error(), "duplicate column") {
					return fmt.Errorf("adding %s.%s: %w", table, name, err)
				}
			}
		}
	}
	return nil
}

// healIndex ensures ocr_index exists and is an FTS5 virtual table. A
// prior boot may have created a plain table with the same name; that
// one is disposable because the index is derived from ocr_frames.
func healIndex(db *sqlx.DB) error {
	var sqlText string
	err := db.Get(&sqlText, "SELECT sql FROM sqlite_master WHERE type IN ('table','view') AND name = 'ocr_index'")
	if err == nil && !strings.Contains(strings.ToLower(sqlText), "fts5") {
		log.Warn().Msg("ocr_index exists but is not FTS5, recreating")
		if _, err := db.Exec("DROP TABLE IF EXISTS ocr_index"); err != nil {
			return fmt.Errorf("dropping stale ocr_index: %w", err)
		}
	}

	if _, err := db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS ocr_index USING fts5(video_id, frame_path, ocr_text)"); err != nil {
		return fmt.Errorf("creating ocr_index: %w", err)
	}
	return nil
}

// healTriggers drops and recreates the three sync triggers so they
// always reference current column names. Keyed on frame_path, not row
// id, so an upsert that replaces a row keeps the index row aligned.
func healTriggers(db *sqlx.DB) error {
	stmts := []string{
		"DROP TRIGGER IF EXISTS ocr_frames_ai",
		`CREATE TRIGGER ocr_frames_ai AFTER INSERT ON ocr_frames
		BEGIN
			INSERT INTO ocr_index(video_id, frame_path, ocr_text)
			VALUES (new.video_id, new.frame_path, new.ocr_text);
		END`,
		"DROP TRIGGER IF EXISTS ocr_frames_au",
		`CREATE TRIGGER ocr_frames_au AFTER UPDATE ON ocr_frames
		BEGIN
			UPDATE ocr_index SET ocr_text = new.ocr_text
			WHERE frame_path = old.frame_path;
		END`,
		"DROP TRIGGER IF EXISTS ocr_frames_ad",
		`CREATE TRIGGER ocr_frames_ad AFTER DELETE ON ocr_frames
		BEGIN
			DELETE FROM ocr_index WHERE frame_path = old.frame_path;
		END`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("recreating triggers: %w", err)
		}
	}
	return nil
}

// healOrphans synthesizes placeholder parents for frames and OCR rows
// whose video disappeared, so the FK invariant always holds.
func healOrphans(db *sqlx.DB) error {
	stmts := []string{
		`INSERT OR IGNORE INTO videos (id, filename, status)
		 SELECT DISTINCT video_id, 'auto_recovered', 'processing'
		 FROM ocr_frames WHERE video_id NOT IN (SELECT id FROM videos)`,
		`INSERT OR IGNORE INTO videos (id, filename, status)
		 SELECT DISTINCT video_id, 'auto_recovered', 'processing'
		 FROM frames WHERE video_id NOT IN (SELECT id FROM videos)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("repairing orphans: %w", err)
		}
	}
	return nil
}
