package journal

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cipherflows/regulator/pkg/id"
)

type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(Schema); err != nil {
		return nil, err
	}

	return &SQLite{db: db}, nil
}

func (j *SQLite) RecordEntry(e Entry) error {
	if e.ID == "" {
		e.ID = id.New()
	}
	_, err := j.db.Exec(`
		INSERT INTO events
		(id, cycle, account, ticket, instrument, kind, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Cycle, e.Account, e.Ticket, e.Instrument, e.Kind, e.Detail, e.At,
	)
	return err
}

func (j *SQLite) RecordAdjustment(a Adjustment) error {
	if a.ID == "" {
		a.ID = id.New()
	}
	_, err := j.db.Exec(`
		INSERT INTO adjustments
		(id, cycle, account, ticket, instrument, old_stop, new_stop, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Cycle, a.Account, a.Ticket, a.Instrument, a.OldStop, a.NewStop, a.Reason, a.At,
	)
	return err
}

// AdjustmentsFor returns a ticket's stop history, oldest first.
func (j *SQLite) AdjustmentsFor(ticket int64) ([]Adjustment, error) {
	rows, err := j.db.Query(`
		SELECT id, cycle, account, ticket, instrument, old_stop, new_stop, reason, created_at
		FROM adjustments WHERE ticket = ? ORDER BY created_at`, ticket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Adjustment
	for rows.Next() {
		var a Adjustment
		if err := rows.Scan(&a.ID, &a.Cycle, &a.Account, &a.Ticket, &a.Instrument,
			&a.OldStop, &a.NewStop, &a.Reason, &a.At); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
