package disk

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wolfeidau/tiercache/telemetry"
)

const (
	manifestFile = "manifest.sqlite"

	// Open failures are rate limited: reopening is refused once the retry
	// counter reaches maxOpenRetries, unless minOpenRetryDelay has elapsed
	// since the last failure. A successful open clears both.
	maxOpenRetries    = 8
	minOpenRetryDelay = 2 * time.Second
)

const manifestSchema = `
CREATE TABLE IF NOT EXISTS manifest (
  key TEXT PRIMARY KEY,
  filename TEXT,
  size INTEGER,
  inline_data BLOB,
  modification_time INTEGER,
  last_access_time INTEGER,
  extended_data BLOB);
CREATE INDEX IF NOT EXISTS last_access_time_idx ON manifest(last_access_time);
`

// sizeInfo is an eviction candidate row.
type sizeInfo struct {
	key      string
	filename string
	size     int64
}

// manifestStore persists entry metadata and inline payloads in a single
// SQLite table. It is not safe for concurrent use; the disk Cache
// serialises all access under its own mutex.
type manifestStore struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	db    *sql.DB
	stmts map[string]*sql.Stmt

	openErrors  int
	lastOpenErr time.Time
}

func newManifestStore(path string, logger *slog.Logger, now func() time.Time) *manifestStore {
	return &manifestStore{path: path, logger: logger, now: now}
}

// open opens the database, applies the WAL pragmas and creates the schema.
func (m *manifestStore) open() error {
	if m.db != nil {
		return nil
	}
	db, err := sql.Open("sqlite3", m.path)
	if err != nil {
		return fmt.Errorf("opening manifest: %w", err)
	}
	// Single connection: the store is single-writer and prepared statements
	// must stay bound to one underlying session.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = wal; PRAGMA synchronous = normal;"); err != nil {
		_ = db.Close()
		return fmt.Errorf("applying pragmas: %w", err)
	}
	if _, err := db.Exec(manifestSchema); err != nil {
		_ = db.Close()
		return fmt.Errorf("creating schema: %w", err)
	}

	m.db = db
	m.stmts = make(map[string]*sql.Stmt)
	return nil
}

// ensureOpen reopens the database after a failure, subject to the retry
// rate limit. Reports whether the store is usable.
func (m *manifestStore) ensureOpen() bool {
	if m.db != nil {
		return true
	}
	if m.openErrors >= maxOpenRetries && m.now().Sub(m.lastOpenErr) < minOpenRetryDelay {
		return false
	}
	if err := m.open(); err != nil {
		m.openErrors++
		m.lastOpenErr = m.now()
		telemetry.RecordManifestError()
		m.logger.Debug("manifest reopen failed", "path", m.path, "error", err)
		return false
	}
	m.openErrors = 0
	m.lastOpenErr = time.Time{}
	return true
}

// close finalises cached statements and closes the database.
func (m *manifestStore) close() error {
	if m.db == nil {
		return nil
	}
	for _, s := range m.stmts {
		_ = s.Close()
	}
	m.stmts = nil
	err := m.db.Close()
	m.db = nil
	return err
}

// destroy closes the database and removes its files, including the WAL
// sidecars.
func (m *manifestStore) destroy() error {
	_ = m.close()
	var firstErr error
	for _, suffix := range []string{"", "-shm", "-wal"} {
		if err := os.Remove(m.path + suffix); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// stmt returns a prepared statement for query, preparing and caching it on
// first use. Queries with variable arity must bypass this cache.
func (m *manifestStore) stmt(query string) (*sql.Stmt, error) {
	if s, ok := m.stmts[query]; ok {
		return s, nil
	}
	s, err := m.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("preparing statement: %w", err)
	}
	m.stmts[query] = s
	return s, nil
}

func (m *manifestStore) exec(query string, args ...any) error {
	if !m.ensureOpen() {
		return errManifestClosed
	}
	s, err := m.stmt(query)
	if err == nil {
		_, err = s.Exec(args...)
	}
	if err != nil {
		telemetry.RecordManifestError()
		m.logger.Debug("manifest exec failed", "error", err)
	}
	return err
}

// save inserts or replaces the row for key, setting both the modification
// and last access times to now. When filename is set the payload lives in
// an external file and inline_data is null.
func (m *manifestStore) save(key string, value []byte, filename string, extended []byte) error {
	now := m.now().Unix()
	var fname any
	var inline []byte
	if filename != "" {
		fname = filename
	} else {
		inline = value
	}
	return m.exec(
		`INSERT OR REPLACE INTO manifest (key, filename, size, inline_data, modification_time, last_access_time, extended_data) VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7);`,
		key, fname, int64(len(value)), inline, now, now, extended)
}

// touch bumps the last access time for key.
func (m *manifestStore) touch(key string) error {
	return m.exec(`UPDATE manifest SET last_access_time = ?1 WHERE key = ?2;`, m.now().Unix(), key)
}

// touchAll bumps the last access time for every key in keys. The statement
// varies with arity, so it bypasses the statement cache.
func (m *manifestStore) touchAll(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if !m.ensureOpen() {
		return errManifestClosed
	}
	query := fmt.Sprintf(`UPDATE manifest SET last_access_time = ? WHERE key IN (%s);`, placeholders(len(keys)))
	args := make([]any, 0, len(keys)+1)
	args = append(args, m.now().Unix())
	for _, k := range keys {
		args = append(args, k)
	}
	if _, err := m.db.Exec(query, args...); err != nil {
		telemetry.RecordManifestError()
		m.logger.Debug("manifest touch failed", "error", err)
		return err
	}
	return nil
}

func (m *manifestStore) deleteKey(key string) error {
	return m.exec(`DELETE FROM manifest WHERE key = ?1;`, key)
}

func (m *manifestStore) deleteKeys(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if !m.ensureOpen() {
		return errManifestClosed
	}
	query := fmt.Sprintf(`DELETE FROM manifest WHERE key IN (%s);`, placeholders(len(keys)))
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	if _, err := m.db.Exec(query, args...); err != nil {
		telemetry.RecordManifestError()
		m.logger.Debug("manifest delete failed", "error", err)
		return err
	}
	return nil
}

func (m *manifestStore) deleteLargerThan(size int64) error {
	return m.exec(`DELETE FROM manifest WHERE size > ?1;`, size)
}

// deleteOlderThan deletes rows whose last access time is before cutoff,
// a unix timestamp in seconds.
func (m *manifestStore) deleteOlderThan(cutoff int64) error {
	return m.exec(`DELETE FROM manifest WHERE last_access_time < ?1;`, cutoff)
}

// get returns the row for key, or nil when absent. excludeInline skips the
// payload column for callers that only need metadata.
func (m *manifestStore) get(key string, excludeInline bool) (*Entry, error) {
	if !m.ensureOpen() {
		return nil, errManifestClosed
	}
	query := `SELECT filename, size, inline_data, modification_time, last_access_time, extended_data FROM manifest WHERE key = ?1;`
	if excludeInline {
		query = `SELECT filename, size, modification_time, last_access_time, extended_data FROM manifest WHERE key = ?1;`
	}
	s, err := m.stmt(query)
	if err != nil {
		telemetry.RecordManifestError()
		return nil, err
	}

	e := &Entry{Key: key}
	var filename sql.NullString
	if excludeInline {
		err = s.QueryRow(key).Scan(&filename, &e.Size, &e.ModTime, &e.AccessTime, &e.Extended)
	} else {
		err = s.QueryRow(key).Scan(&filename, &e.Size, &e.Value, &e.ModTime, &e.AccessTime, &e.Extended)
	}
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		telemetry.RecordManifestError()
		m.logger.Debug("manifest get failed", "key", key, "error", err)
		return nil, err
	}
	e.Filename = filename.String
	return e, nil
}

// getAll returns the rows for keys, skipping absent ones.
func (m *manifestStore) getAll(keys []string, excludeInline bool) ([]*Entry, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if !m.ensureOpen() {
		return nil, errManifestClosed
	}
	cols := `key, filename, size, inline_data, modification_time, last_access_time, extended_data`
	if excludeInline {
		cols = `key, filename, size, modification_time, last_access_time, extended_data`
	}
	query := fmt.Sprintf(`SELECT %s FROM manifest WHERE key IN (%s);`, cols, placeholders(len(keys)))
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	rows, err := m.db.Query(query, args...)
	if err != nil {
		telemetry.RecordManifestError()
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var filename sql.NullString
		if excludeInline {
			err = rows.Scan(&e.Key, &filename, &e.Size, &e.ModTime, &e.AccessTime, &e.Extended)
		} else {
			err = rows.Scan(&e.Key, &filename, &e.Size, &e.Value, &e.ModTime, &e.AccessTime, &e.Extended)
		}
		if err != nil {
			telemetry.RecordManifestError()
			return nil, err
		}
		e.Filename = filename.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// getValue returns the inline payload for key, nil when absent or external.
func (m *manifestStore) getValue(key string) ([]byte, error) {
	if !m.ensureOpen() {
		return nil, errManifestClosed
	}
	s, err := m.stmt(`SELECT inline_data FROM manifest WHERE key = ?1;`)
	if err != nil {
		telemetry.RecordManifestError()
		return nil, err
	}
	var value []byte
	err = s.QueryRow(key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		telemetry.RecordManifestError()
		return nil, err
	}
	return value, nil
}

// getFilename returns the external filename for key, empty when the entry
// is absent or stored inline.
func (m *manifestStore) getFilename(key string) (string, error) {
	if !m.ensureOpen() {
		return "", errManifestClosed
	}
	s, err := m.stmt(`SELECT filename FROM manifest WHERE key = ?1;`)
	if err != nil {
		telemetry.RecordManifestError()
		return "", err
	}
	var filename sql.NullString
	err = s.QueryRow(key).Scan(&filename)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		telemetry.RecordManifestError()
		return "", err
	}
	return filename.String, nil
}

// getFilenames returns the external filenames recorded for keys, skipping
// absent and inline entries.
func (m *manifestStore) getFilenames(keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if !m.ensureOpen() {
		return nil, errManifestClosed
	}
	query := fmt.Sprintf(`SELECT filename FROM manifest WHERE key IN (%s) AND filename IS NOT NULL;`, placeholders(len(keys)))
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	rows, err := m.db.Query(query, args...)
	if err != nil {
		telemetry.RecordManifestError()
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// filenamesOlderThan returns the external filenames of rows last accessed
// before cutoff.
func (m *manifestStore) filenamesOlderThan(cutoff int64) ([]string, error) {
	if !m.ensureOpen() {
		return nil, errManifestClosed
	}
	s, err := m.stmt(`SELECT filename FROM manifest WHERE last_access_time < ?1 AND filename IS NOT NULL;`)
	if err != nil {
		telemetry.RecordManifestError()
		return nil, err
	}
	rows, err := s.Query(cutoff)
	if err != nil {
		telemetry.RecordManifestError()
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// sizeInfos returns up to limit eviction candidates ordered oldest first.
func (m *manifestStore) sizeInfos(limit int) ([]sizeInfo, error) {
	if !m.ensureOpen() {
		return nil, errManifestClosed
	}
	s, err := m.stmt(`SELECT key, filename, size FROM manifest ORDER BY last_access_time ASC LIMIT ?1;`)
	if err != nil {
		telemetry.RecordManifestError()
		return nil, err
	}
	rows, err := s.Query(limit)
	if err != nil {
		telemetry.RecordManifestError()
		return nil, err
	}
	defer rows.Close()

	var infos []sizeInfo
	for rows.Next() {
		var in sizeInfo
		var filename sql.NullString
		if err := rows.Scan(&in.key, &filename, &in.size); err != nil {
			return nil, err
		}
		in.filename = filename.String
		infos = append(infos, in)
	}
	return infos, rows.Err()
}

// count returns the number of rows.
func (m *manifestStore) count() (int64, error) {
	if !m.ensureOpen() {
		return 0, errManifestClosed
	}
	s, err := m.stmt(`SELECT count(*) FROM manifest;`)
	if err != nil {
		telemetry.RecordManifestError()
		return 0, err
	}
	var n int64
	if err := s.QueryRow().Scan(&n); err != nil {
		telemetry.RecordManifestError()
		return 0, err
	}
	return n, nil
}

// totalSize returns the sum of all entry sizes.
func (m *manifestStore) totalSize() (int64, error) {
	if !m.ensureOpen() {
		return 0, errManifestClosed
	}
	s, err := m.stmt(`SELECT sum(size) FROM manifest;`)
	if err != nil {
		telemetry.RecordManifestError()
		return 0, err
	}
	var total sql.NullInt64
	if err := s.QueryRow().Scan(&total); err != nil {
		telemetry.RecordManifestError()
		return 0, err
	}
	return total.Int64, nil
}

// checkpoint flushes the write-ahead log into the main database file.
// Called after bulk deletions so the WAL does not grow unbounded.
func (m *manifestStore) checkpoint() error {
	if !m.ensureOpen() {
		return errManifestClosed
	}
	if _, err := m.db.Exec(`PRAGMA wal_checkpoint(PASSIVE);`); err != nil {
		telemetry.RecordManifestError()
		return err
	}
	return nil
}

// placeholders builds a "?,?,..." list for n parameters.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
