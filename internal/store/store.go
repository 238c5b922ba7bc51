// Package store keeps live and replay sessions in SQLite: the matched tuples
// the synchroniser publishes and the sync records that link host uptime to
// receiver time.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/roverlog/internal/rover"
	"github.com/banshee-data/roverlog/internal/sample"
	"github.com/banshee-data/roverlog/internal/timesync"
)

// ErrUnknownSession is returned for a session id that was never begun.
var ErrUnknownSession = errors.New("unknown session")

// Session kinds.
const (
	KindLive   = "live"
	KindReplay = "replay"
)

// Applied by the driver on every pooled connection.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"foreign_keys(1)",
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.WriteString(path)
	for _, p := range pragmas {
		b.WriteString(sep + "_pragma=" + p)
		sep = "&"
	}
	return b.String()
}

// Store is the session database. It embeds the underlying *sql.DB and keeps
// the file path for the admin routes.
type Store struct {
	*sql.DB
	path string
}

// Session identifies one recording.
type Session struct {
	ID      string
	Kind    string
	Rovers  []string
	Started time.Time
}

// Open opens or creates the database at path and migrates it to the latest
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	s := &Store{DB: db, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database path passed to Open.
func (s *Store) Path() string { return s.path }

// BeginSession records a new session of the given kind over the named rovers.
func (s *Store) BeginSession(kind string, rovers []string) (Session, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return Session{}, fmt.Errorf("failed to generate session id: %w", err)
	}
	sess := Session{
		ID:      id.String(),
		Kind:    kind,
		Rovers:  append([]string(nil), rovers...),
		Started: time.Now().UTC().Truncate(time.Second),
	}
	_, err = s.Exec(`INSERT INTO sessions (session_id, kind, rovers, started_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.Kind, strings.Join(sess.Rovers, ","), sess.Started.Format(time.RFC3339))
	if err != nil {
		return Session{}, fmt.Errorf("failed to insert session: %w", err)
	}
	return sess, nil
}

// Session looks up a session by id.
func (s *Store) Session(id string) (Session, error) {
	var (
		sess    Session
		rovers  string
		started string
	)
	err := s.QueryRow(`SELECT session_id, kind, rovers, started_at FROM sessions WHERE session_id = ?`, id).
		Scan(&sess.ID, &sess.Kind, &rovers, &started)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to query session: %w", err)
	}
	if rovers != "" {
		sess.Rovers = strings.Split(rovers, ",")
	}
	if sess.Started, err = time.Parse(time.RFC3339, started); err != nil {
		return Session{}, fmt.Errorf("failed to parse started_at %q: %w", started, err)
	}
	return sess, nil
}

// Sessions lists every session, oldest first.
func (s *Store) Sessions() ([]Session, error) {
	rows, err := s.Query(`SELECT session_id FROM sessions ORDER BY started_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Session(id)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// blobSample is the stored form of one rover's fix within a match.
type blobSample struct {
	ITOW  int64      `cbor:"1,keyasint"`
	Rel   [3]float64 `cbor:"2,keyasint"`
	Acc   [3]float64 `cbor:"3,keyasint"`
	Valid bool       `cbor:"4,keyasint"`
}

func encodeSamples(ps []sample.Position) ([]byte, error) {
	blob := make([]blobSample, len(ps))
	for i, p := range ps {
		blob[i] = blobSample{ITOW: p.ITOW, Rel: p.Rel, Acc: p.Acc, Valid: p.Valid}
	}
	return cbor.Marshal(blob)
}

func decodeSamples(data []byte) ([]sample.Position, error) {
	var blob []blobSample
	if err := cbor.Unmarshal(data, &blob); err != nil {
		return nil, err
	}
	ps := make([]sample.Position, len(blob))
	for i, b := range blob {
		ps[i] = sample.Position{ITOW: b.ITOW, Rel: b.Rel, Acc: b.Acc, Valid: b.Valid}
	}
	return ps, nil
}

// RecordMatch stores one matched tuple. A second match at the same iTOW and
// epoch replaces the first.
func (s *Store) RecordMatch(sessionID string, m rover.Match) error {
	blob, err := encodeSamples(m.Samples)
	if err != nil {
		return fmt.Errorf("failed to encode match at iTOW %d: %w", m.ITOW, err)
	}
	_, err = s.Exec(`INSERT OR REPLACE INTO matches (session_id, epoch, itow, samples) VALUES (?, ?, ?, ?)`,
		sessionID, m.Epoch, m.ITOW, blob)
	if err != nil {
		return fmt.Errorf("failed to insert match at iTOW %d: %w", m.ITOW, err)
	}
	return nil
}

// Matches returns a session's matches in epoch then iTOW order.
func (s *Store) Matches(sessionID string) ([]rover.Match, error) {
	rows, err := s.Query(`SELECT epoch, itow, samples FROM matches WHERE session_id = ? ORDER BY epoch, itow`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query matches: %w", err)
	}
	defer rows.Close()

	var out []rover.Match
	for rows.Next() {
		var (
			m    rover.Match
			blob []byte
		)
		if err := rows.Scan(&m.Epoch, &m.ITOW, &blob); err != nil {
			return nil, err
		}
		if m.Samples, err = decodeSamples(blob); err != nil {
			return nil, fmt.Errorf("failed to decode match at iTOW %d: %w", m.ITOW, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecordSync stores one rover's sync record.
func (s *Store) RecordSync(sessionID string, roverIdx int, rec timesync.Record) error {
	_, err := s.Exec(`INSERT INTO sync_records (session_id, rover, uptime, itow, source) VALUES (?, ?, ?, ?, ?)`,
		sessionID, roverIdx, rec.Uptime, rec.ITOW, rec.Source)
	if err != nil {
		return fmt.Errorf("failed to insert sync record: %w", err)
	}
	return nil
}

// SyncRecords returns one rover's sync records in the order they were made.
func (s *Store) SyncRecords(sessionID string, roverIdx int) ([]timesync.Record, error) {
	rows, err := s.Query(`SELECT uptime, itow, source FROM sync_records WHERE session_id = ? AND rover = ? ORDER BY rowid`,
		sessionID, roverIdx)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync records: %w", err)
	}
	defer rows.Close()

	var out []timesync.Record
	for rows.Next() {
		var rec timesync.Record
		if err := rows.Scan(&rec.Uptime, &rec.ITOW, &rec.Source); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SyncTable rebuilds a rover's correlation table from its stored records.
// Warnings raised while indexing are returned alongside.
func (s *Store) SyncTable(sessionID string, roverIdx int) (*timesync.Table, []timesync.Warning, error) {
	recs, err := s.SyncRecords(sessionID, roverIdx)
	if err != nil {
		return nil, nil, err
	}
	t := timesync.NewTable()
	var warnings []timesync.Warning
	for _, rec := range recs {
		warnings = append(warnings, t.Add(rec)...)
	}
	return t, warnings, nil
}

// Recorder binds the store to one session for the live consumer.
type Recorder struct {
	store   *Store
	session string
}

// Recorder returns a recorder writing into sess.
func (s *Store) Recorder(sess Session) *Recorder {
	return &Recorder{store: s, session: sess.ID}
}

func (r *Recorder) RecordSync(roverIdx int, rec timesync.Record) error {
	return r.store.RecordSync(r.session, roverIdx, rec)
}

func (r *Recorder) RecordMatch(m rover.Match) error {
	return r.store.RecordMatch(r.session, m)
}
