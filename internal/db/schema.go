package db

import (
	"database/sql"
	"fmt"
)

// schema is the full database schema for the library-scoped side of the
// service. The global reservation projection lives in a separate Badger store.
const schema = `
CREATE TABLE IF NOT EXISTS libraries (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS users (
    id            TEXT PRIMARY KEY,
    username      TEXT NOT NULL,
    password_hash TEXT NOT NULL,
    role          TEXT NOT NULL DEFAULT 'requester' CHECK (role IN ('admin', 'staff', 'requester')),
    library_id    TEXT REFERENCES libraries(id),
    display_name  TEXT NOT NULL DEFAULT '',
    created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    deleted_at    DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username_active
    ON users(username) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS books (
    id           TEXT PRIMARY KEY,
    library_id   TEXT NOT NULL REFERENCES libraries(id),
    title        TEXT NOT NULL,
    author       TEXT,
    cover_url    TEXT,
    genres       TEXT NOT NULL DEFAULT '[]',
    total_copies INTEGER NOT NULL CHECK (total_copies >= 0),
    cover        BLOB,
    cover_mime   TEXT,
    created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_books_library ON books(library_id, title);

CREATE TABLE IF NOT EXISTS loans (
    id           TEXT PRIMARY KEY,
    library_id   TEXT NOT NULL REFERENCES libraries(id),
    book_id      TEXT NOT NULL REFERENCES books(id),
    requester_id TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'returned')),
    loaned_at    DATETIME NOT NULL,
    returned_at  DATETIME
);

CREATE INDEX IF NOT EXISTS idx_loans_book_status ON loans(library_id, book_id, status);

CREATE TABLE IF NOT EXISTS library_reservations (
    id             TEXT NOT NULL,
    library_id     TEXT NOT NULL,
    requester_id   TEXT NOT NULL,
    requester_name TEXT NOT NULL,
    book_id        TEXT NOT NULL,
    book_title     TEXT NOT NULL,
    book_author    TEXT,
    book_cover_url TEXT,
    status         TEXT NOT NULL CHECK (status IN ('pending', 'ready', 'completed', 'cancelled', 'expired')),
    kind           TEXT NOT NULL CHECK (kind IN ('available', 'waitlist')),
    queue_position INTEGER CHECK (queue_position IS NULL OR queue_position >= 1),
    created_at     DATETIME NOT NULL,
    ready_at       DATETIME,
    completed_at   DATETIME,
    cancelled_at   DATETIME,
    PRIMARY KEY (library_id, id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_library_reservations_id
    ON library_reservations(id);

CREATE UNIQUE INDEX IF NOT EXISTS idx_library_reservations_active
    ON library_reservations(requester_id, book_id) WHERE status IN ('pending', 'ready');

CREATE INDEX IF NOT EXISTS idx_library_reservations_queue
    ON library_reservations(library_id, book_id, status, queue_position);

CREATE TABLE IF NOT EXISTS reservation_notifications (
    reservation_id TEXT NOT NULL,
    requester_id   TEXT NOT NULL,
    notified_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (reservation_id, requester_id)
);

CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS revoked_tokens (
    jti        TEXT PRIMARY KEY,
    expires_at DATETIME NOT NULL
);
`

// EnsureSchema creates all tables and indexes if they don't already exist.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}
