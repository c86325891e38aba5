package store

import (
	"database/sql"
	"time"
)

// SearchSession is the persisted state of the active search, restored
// on daemon restart so a running search survives the process.
type SearchSession struct {
	Topic     string
	Active    bool
	StartedAt int64
}

// SaveSearchSession persists the current search session state.
func (db *DB) SaveSearchSession(s SearchSession) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO search_session (id, topic, active, started_at, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			topic = excluded.topic,
			active = excluded.active,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at`,
		s.Topic, s.Active, s.StartedAt, now)
	return err
}

// SearchSessionState returns the persisted search session, or a zero
// (inactive) session if none was ever saved.
func (db *DB) SearchSessionState() (SearchSession, error) {
	var s SearchSession
	err := db.QueryRow(`SELECT topic, active, started_at FROM search_session WHERE id = 1`).
		Scan(&s.Topic, &s.Active, &s.StartedAt)
	if err == sql.ErrNoRows {
		return SearchSession{}, nil
	}
	if err != nil {
		return SearchSession{}, err
	}
	return s, nil
}

// ClearSearchSession marks the persisted session inactive.
func (db *DB) ClearSearchSession() error {
	return db.SaveSearchSession(SearchSession{})
}
