package store

import (
	"database/sql"
	"fmt"

	ctxpkg "github.com/stupiduntilnot/paimon/internal/context"
	"github.com/stupiduntilnot/paimon/internal/db"
)

// SQLite stores each turn as a row of the turns table.
type SQLite struct {
	DB *sql.DB
}

// OpenSQLite opens the database at path and ensures the schema exists.
func OpenSQLite(path string) (*SQLite, error) {
	database, err := db.OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return &SQLite{DB: database}, nil
}

// Load returns every session, turns ordered chronologically.
func (s *SQLite) Load() (map[string]ctxpkg.History, error) {
	rows, err := s.DB.Query("SELECT session_key, role, text FROM turns ORDER BY session_key, seq")
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	sessions := map[string]ctxpkg.History{}
	for rows.Next() {
		var key, role, text string
		if err := rows.Scan(&key, &role, &text); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		sessions[key] = append(sessions[key], ctxpkg.Turn{Role: ctxpkg.Role(role), Text: text})
	}
	return sessions, rows.Err()
}

// Save replaces all rows in one transaction.
func (s *SQLite) Save(sessions map[string]ctxpkg.History) error {
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM turns"); err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}
	stmt, err := tx.Prepare("INSERT INTO turns (session_key, seq, role, text) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for key, h := range sessions {
		for seq, t := range h {
			if _, err := stmt.Exec(key, seq, string(t.Role), t.Text); err != nil {
				return fmt.Errorf("insert turn %s/%d: %w", key, seq, err)
			}
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.DB.Close()
}
