// Package archive persists completed analysis runs to a SQLite
// database for later inspection and plotting.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"spectrabench/internal/analysis"
	"spectrabench/internal/spectrum"
)

// Session is one instrument run: a group of analyses recorded between
// daemon start and shutdown.
type Session struct {
	ID        int64
	StartedAt time.Time
	Device    string
	Config    *string
}

// Analysis is one archived analysis run.
type Analysis struct {
	ID         int64
	SessionID  int64
	CapturedAt time.Time
	Substances []string
	RawProfile spectrum.Profile
	Processed  spectrum.Profile
	Peaks      []spectrum.DetectedPeak
	Matches    []spectrum.MatchResult
}

// Store handles database operations. Connections open lazily: a
// write connection with WAL journaling for the daemon, a read-only
// connection for inspection tools.
type Store struct {
	dbPath string

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// NewStore creates a Store for the database at dbPath. The schema is
// initialized on first write.
func NewStore(dbPath string) *Store {
	return &Store{dbPath: dbPath}
}

func runSQLCommand(db *sql.DB, sql string) error {
	_, err := db.Exec(sql)
	return err
}

func (s *Store) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}

		if err = runSQLCommand(db, initSchemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *Store) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

// CreateSession records the start of an instrument run and returns its
// ID. config may be a string, raw JSON bytes or any JSON-marshalable
// value.
func (s *Store) CreateSession(ctx context.Context, device string, config any) (sessionID int64, err error) {
	var configData sql.NullString

	if config != nil {
		switch v := config.(type) {
		case string:
			configData.Valid = true
			configData.String = v

		case []byte:
			configData.Valid = true
			configData.String = string(v)

		default:
			var p []byte
			if p, err = json.Marshal(config); err != nil {
				err = fmt.Errorf("marshaling config: %w", err)
				return
			}

			configData.Valid = true
			configData.String = string(p)
		}
	}

	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertSessionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	result, err := stmt.ExecContext(ctx, device, configData)
	if err != nil {
		err = fmt.Errorf("inserting session: %w", err)
		return
	}

	sessionID, err = result.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting session ID: %w", err)
	}
	return
}

// Session returns one session by ID.
func (s *Store) Session(ctx context.Context, id int64) (session *Session, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, selectSessionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	var sess Session
	var config sql.NullString
	if err = stmt.QueryRowContext(ctx, id).Scan(&sess.ID, &sess.StartedAt, &sess.Device, &config); err != nil {
		err = fmt.Errorf("scanning session: %w", err)
		return
	}
	if config.Valid {
		sess.Config = &config.String
	}

	return &sess, nil
}

// Sessions returns all sessions in start order.
func (s *Store) Sessions(ctx context.Context) (sessions []*Session, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		err = fmt.Errorf("querying sessions: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var sess Session
		var config sql.NullString
		if err = rows.Scan(&sess.ID, &sess.StartedAt, &sess.Device, &config); err != nil {
			err = fmt.Errorf("scanning session: %w", err)
			return
		}
		if config.Valid {
			sess.Config = &config.String
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// StoreRun archives one analysis run under the given session.
func (s *Store) StoreRun(ctx context.Context, sessionID int64, run analysis.Run) (analysisID int64, err error) {
	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	data, err := toAnalysisData(sessionID, run)
	if err != nil {
		return
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		err = fmt.Errorf("beginning transaction: %w", err)
		return
	}
	defer rollbackWithError(tx, &err)

	result, err := tx.ExecContext(ctx, insertAnalysisSQL,
		data.SessionID,
		data.CapturedAt,
		data.Substances,
		data.RawProfile,
		data.Processed,
		data.Peaks,
		data.Matches,
	)
	if err != nil {
		err = fmt.Errorf("inserting analysis: %w", err)
		return
	}

	analysisID, err = result.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting analysis ID: %w", err)
		return
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("committing transaction: %w", err)
	}
	return
}

// Run returns one archived analysis by ID.
func (s *Store) Run(ctx context.Context, id int64) (a *Analysis, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, selectAnalysisSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	var data analysisData
	err = stmt.QueryRowContext(ctx, id).Scan(
		&data.ID,
		&data.SessionID,
		&data.CapturedAt,
		&data.Substances,
		&data.RawProfile,
		&data.Processed,
		&data.Peaks,
		&data.Matches,
	)
	if err != nil {
		err = fmt.Errorf("scanning analysis: %w", err)
		return
	}

	return fromAnalysisData(data)
}

// Runs returns all archived analyses of a session in capture order.
func (s *Store) Runs(ctx context.Context, sessionID int64) (runs []*Analysis, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectAnalysesSQL, sessionID)
	if err != nil {
		err = fmt.Errorf("querying analyses: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var data analysisData
		if err = rows.Scan(
			&data.ID,
			&data.SessionID,
			&data.CapturedAt,
			&data.Substances,
			&data.RawProfile,
			&data.Processed,
			&data.Peaks,
			&data.Matches,
		); err != nil {
			err = fmt.Errorf("scanning analysis: %w", err)
			return
		}

		var a *Analysis
		if a, err = fromAnalysisData(data); err != nil {
			return
		}
		runs = append(runs, a)
	}
	return runs, rows.Err()
}

// Close finalizes indexes on the write side and releases both
// connections.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.writeDB != nil {
			_ = runSQLCommand(s.writeDB, initIndexesSQL)

			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}

		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		switch {
		case writeErr != nil && readErr != nil:
			s.closeErr = errors.Join(writeErr, readErr)
		case writeErr != nil:
			s.closeErr = writeErr
		case readErr != nil:
			s.closeErr = readErr
		}
	})

	return s.closeErr
}

// SessionRecorder binds a Store and a session so the orchestrator can
// archive runs without knowing about sessions.
type SessionRecorder struct {
	store     *Store
	sessionID int64
}

// NewSessionRecorder creates a session and returns a recorder that
// archives runs under it.
func NewSessionRecorder(ctx context.Context, store *Store, device string, config any) (*SessionRecorder, error) {
	sessionID, err := store.CreateSession(ctx, device, config)
	if err != nil {
		return nil, fmt.Errorf("creating archive session: %w", err)
	}
	return &SessionRecorder{store: store, sessionID: sessionID}, nil
}

// SessionID returns the archive session this recorder writes to.
func (r *SessionRecorder) SessionID() int64 {
	return r.sessionID
}

// RecordRun archives one analysis run.
func (r *SessionRecorder) RecordRun(ctx context.Context, run analysis.Run) error {
	_, err := r.store.StoreRun(ctx, r.sessionID, run)
	return err
}
