// Package store implements the audit persistence contract on SQLite.
//
// Two tables back the chain: entries (the append-only log, creation
// order given by rowid) and chain_heads (one append cursor per
// organisation, advanced only through a conditional update keyed on its
// version column). The conditional update is the chain's serialization
// point — the database enforces it atomically, so no process-level lock
// is ever held across storage I/O.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/gobwas/glob"

	"github.com/brightbeamsuk/inteLMS-sub002/internal/audit"
)

// SQLite persists audit entries and chain heads in a single SQLite
// database. WAL mode allows concurrent readers (verification, queries)
// alongside writers (appends).
type SQLite struct {
	db *sql.DB
}

// Open opens (or creates) the audit database at the given path and
// ensures the schema exists.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit database %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			id                   TEXT PRIMARY KEY,
			organisation_id      TEXT NOT NULL,
			user_id              TEXT NOT NULL DEFAULT '',
			admin_id             TEXT NOT NULL DEFAULT '',
			action               TEXT NOT NULL,
			resource             TEXT NOT NULL,
			resource_id          TEXT NOT NULL DEFAULT '',
			category             TEXT NOT NULL,
			severity             TEXT NOT NULL,
			outcome              TEXT NOT NULL,
			details              TEXT NOT NULL DEFAULT '',
			legal_basis          TEXT NOT NULL DEFAULT '',
			business_context     TEXT NOT NULL DEFAULT '',
			compliance_framework TEXT NOT NULL DEFAULT '',
			ip_address           TEXT NOT NULL DEFAULT '',
			user_agent           TEXT NOT NULL DEFAULT '',
			session_id           TEXT NOT NULL DEFAULT '',
			request_id           TEXT NOT NULL DEFAULT '',
			correlation_id       TEXT NOT NULL DEFAULT '',
			previous_hash        TEXT NOT NULL DEFAULT '',
			hash                 TEXT NOT NULL,
			canonical_payload    BLOB NOT NULL,
			ts                   TEXT NOT NULL,
			is_verified          INTEGER NOT NULL DEFAULT 0,
			is_archived          INTEGER NOT NULL DEFAULT 0,
			archive_date         TEXT,
			retention_until      TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_entries_org ON entries(organisation_id);
		CREATE INDEX IF NOT EXISTS idx_entries_category ON entries(organisation_id, category);
		CREATE INDEX IF NOT EXISTS idx_entries_correlation ON entries(correlation_id);
		CREATE TABLE IF NOT EXISTS chain_heads (
			organisation_id     TEXT PRIMARY KEY,
			last_entry_id       TEXT NOT NULL,
			last_hash           TEXT NOT NULL,
			chain_length        INTEGER NOT NULL,
			version             INTEGER NOT NULL,
			verification_status TEXT NOT NULL DEFAULT 'pending',
			last_verified       TEXT,
			broken_at_entry_id  TEXT NOT NULL DEFAULT ''
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

const entryColumns = `id, organisation_id, user_id, admin_id, action, resource, resource_id,
	category, severity, outcome, details, legal_basis, business_context,
	compliance_framework, ip_address, user_agent, session_id, request_id,
	correlation_id, previous_hash, hash, canonical_payload, ts,
	is_verified, is_archived, archive_date, retention_until`

// CreateEntry inserts a new entry. Append-only: an existing id fails
// with audit.ErrAlreadyExists.
func (s *SQLite) CreateEntry(ctx context.Context, e *audit.Entry) error {
	detailsJSON := ""
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshaling entry details: %w", err)
		}
		detailsJSON = string(b)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (`+entryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrganisationID, e.UserID, e.AdminID, e.Action, e.Resource, e.ResourceID,
		string(e.Category), string(e.Severity), string(e.Outcome), detailsJSON,
		e.LegalBasis, e.BusinessContext, e.ComplianceFramework,
		e.IPAddress, e.UserAgent, e.SessionID, e.RequestID,
		e.CorrelationID, e.PreviousHash, e.Hash, e.CanonicalPayload,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		boolToInt(e.IsVerified), boolToInt(e.IsArchived),
		nullableTime(e.ArchiveDate), nullableTime(e.RetentionUntil),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("entry %s: %w", e.ID, audit.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting entry %s: %w", e.ID, err)
	}
	return nil
}

// GetEntry loads a single entry by id.
func (s *SQLite) GetEntry(ctx context.Context, id string) (*audit.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %s: %w", id, audit.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading entry %s: %w", id, err)
	}
	return e, nil
}

// ListEntries returns an organisation's entries in ascending creation
// order (rowid, which is insertion sequence — never wall-clock).
func (s *SQLite) ListEntries(ctx context.Context, organisationID string, opts audit.ListOptions) ([]audit.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM entries WHERE organisation_id = ?`
	args := []any{organisationID}

	if opts.From != nil {
		query += " AND ts >= ?"
		args = append(args, opts.From.UTC().Format(time.RFC3339Nano))
	}
	if opts.To != nil {
		query += " AND ts <= ?"
		args = append(args, opts.To.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY rowid ASC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing entries for %s: %w", organisationID, err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry row: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// QueryParams filters the query surface exposed to the CLI and feed.
// Resource accepts a glob pattern (e.g. "document/*"); glob matching
// runs in-process after the SQL filters.
type QueryParams struct {
	Category      string
	Outcome       string
	CorrelationID string
	Resource      string
	Limit         int
}

// Query retrieves an organisation's entries matching the given filters,
// most recent first.
func (s *SQLite) Query(ctx context.Context, organisationID string, params QueryParams) ([]audit.Entry, error) {
	var resourceGlob glob.Glob
	if params.Resource != "" {
		g, err := glob.Compile(params.Resource)
		if err != nil {
			return nil, fmt.Errorf("invalid resource pattern %q: %w", params.Resource, err)
		}
		resourceGlob = g
	}

	query := `SELECT ` + entryColumns + ` FROM entries WHERE organisation_id = ?`
	args := []any{organisationID}

	if params.Category != "" {
		query += " AND category = ?"
		args = append(args, params.Category)
	}
	if params.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, params.Outcome)
	}
	if params.CorrelationID != "" {
		query += " AND correlation_id = ?"
		args = append(args, params.CorrelationID)
	}
	query += " ORDER BY rowid DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entries for %s: %w", organisationID, err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry row: %w", err)
		}
		if resourceGlob != nil && !resourceGlob.Match(e.Resource) {
			continue
		}
		entries = append(entries, *e)
		if params.Limit > 0 && len(entries) >= params.Limit {
			break
		}
	}
	return entries, rows.Err()
}

// Organisations lists every organisation that has a chain head. Used by
// the scheduled verifier to sweep all tenants.
func (s *SQLite) Organisations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT organisation_id FROM chain_heads ORDER BY organisation_id`)
	if err != nil {
		return nil, fmt.Errorf("listing organisations: %w", err)
	}
	defer rows.Close()

	var orgs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		orgs = append(orgs, id)
	}
	return orgs, rows.Err()
}

// GetChainHead loads an organisation's append cursor.
func (s *SQLite) GetChainHead(ctx context.Context, organisationID string) (*audit.ChainHead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT organisation_id, last_entry_id, last_hash, chain_length, version,
		        verification_status, last_verified, broken_at_entry_id
		 FROM chain_heads WHERE organisation_id = ?`, organisationID)

	var (
		h            audit.ChainHead
		status       string
		lastVerified sql.NullString
	)
	err := row.Scan(&h.OrganisationID, &h.LastEntryID, &h.LastHash, &h.ChainLength,
		&h.Version, &status, &lastVerified, &h.BrokenAtEntryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chain head for %s: %w", organisationID, audit.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading chain head for %s: %w", organisationID, err)
	}
	h.VerificationStatus = audit.VerificationStatus(status)
	if lastVerified.Valid {
		if t, perr := time.Parse(time.RFC3339Nano, lastVerified.String); perr == nil {
			h.LastVerified = &t
		}
	}
	return &h, nil
}

// CreateChainHead inserts the cursor row for an organisation's very
// first append. A concurrent first append fails with ErrAlreadyExists.
func (s *SQLite) CreateChainHead(ctx context.Context, head *audit.ChainHead) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chain_heads (organisation_id, last_entry_id, last_hash, chain_length, version, verification_status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		head.OrganisationID, head.LastEntryID, head.LastHash,
		head.ChainLength, head.Version, string(head.VerificationStatus))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("chain head for %s: %w", head.OrganisationID, audit.ErrAlreadyExists)
		}
		return fmt.Errorf("creating chain head for %s: %w", head.OrganisationID, err)
	}
	return nil
}

// CompareAndSwapChainHead advances the cursor iff the stored version
// still equals expectedVersion. The single conditional UPDATE is atomic
// in SQLite; zero affected rows with an existing head means another
// append won the race, reported as audit.ErrHeadConflict.
func (s *SQLite) CompareAndSwapChainHead(ctx context.Context, organisationID string, expectedVersion int64, patch audit.HeadPatch) (*audit.ChainHead, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chain_heads
		 SET last_entry_id = ?, last_hash = ?, chain_length = ?, version = version + 1
		 WHERE organisation_id = ? AND version = ?`,
		patch.LastEntryID, patch.LastHash, patch.ChainLength,
		organisationID, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("advancing chain head for %s: %w", organisationID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("advancing chain head for %s: %w", organisationID, err)
	}
	if n == 0 {
		// Distinguish a lost race from a missing row. A failing re-read
		// is an infrastructure error, not a conflict.
		if _, gerr := s.GetChainHead(ctx, organisationID); gerr != nil {
			if errors.Is(gerr, audit.ErrNotFound) {
				return nil, gerr
			}
			return nil, fmt.Errorf("disambiguating chain head update for %s: %w", organisationID, gerr)
		}
		return nil, fmt.Errorf("chain head for %s at version %d: %w",
			organisationID, expectedVersion, audit.ErrHeadConflict)
	}

	// Build the result from the state this call installed rather than
	// re-reading the row, which a concurrent append could have advanced
	// in the meantime. Verification fields are not part of the swap and
	// are left unset.
	return &audit.ChainHead{
		OrganisationID: organisationID,
		LastEntryID:    patch.LastEntryID,
		LastHash:       patch.LastHash,
		ChainLength:    patch.ChainLength,
		Version:        expectedVersion + 1,
	}, nil
}

// SetVerificationStatus records the verifier's verdict on the head
// without touching the version column, so verification never competes
// with appenders for the optimistic lock.
func (s *SQLite) SetVerificationStatus(ctx context.Context, organisationID string, status audit.VerificationStatus, brokenAtEntryID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chain_heads
		 SET verification_status = ?, last_verified = ?, broken_at_entry_id = ?
		 WHERE organisation_id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339Nano), brokenAtEntryID,
		organisationID)
	if err != nil {
		return fmt.Errorf("recording verification status for %s: %w", organisationID, err)
	}
	return nil
}

// DeleteUnlinkedEntry removes an entry persisted by an append attempt
// that subsequently lost the head race. Refuses to touch an entry the
// organisation's head points at.
func (s *SQLite) DeleteUnlinkedEntry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM entries
		 WHERE id = ?
		   AND NOT EXISTS (SELECT 1 FROM chain_heads h WHERE h.last_entry_id = entries.id)`, id)
	if err != nil {
		return fmt.Errorf("deleting unlinked entry %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := s.GetEntry(ctx, id); gerr == nil {
			return fmt.Errorf("entry %s is referenced by a chain head and cannot be deleted", id)
		}
		return fmt.Errorf("entry %s: %w", id, audit.ErrNotFound)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanEntry.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*audit.Entry, error) {
	var (
		e                           audit.Entry
		category, severity, outcome string
		detailsJSON, ts             string
		isVerified, isArchived      int
		archiveDate, retentionUntil sql.NullString
	)
	err := row.Scan(&e.ID, &e.OrganisationID, &e.UserID, &e.AdminID, &e.Action,
		&e.Resource, &e.ResourceID, &category, &severity, &outcome,
		&detailsJSON, &e.LegalBasis, &e.BusinessContext, &e.ComplianceFramework,
		&e.IPAddress, &e.UserAgent, &e.SessionID, &e.RequestID,
		&e.CorrelationID, &e.PreviousHash, &e.Hash, &e.CanonicalPayload, &ts,
		&isVerified, &isArchived, &archiveDate, &retentionUntil)
	if err != nil {
		return nil, err
	}

	e.Category = audit.Category(category)
	e.Severity = audit.Severity(severity)
	e.Outcome = audit.Outcome(outcome)
	e.IsVerified = isVerified != 0
	e.IsArchived = isArchived != 0

	if detailsJSON != "" {
		if jsonErr := json.Unmarshal([]byte(detailsJSON), &e.Details); jsonErr != nil {
			return nil, fmt.Errorf("parsing entry details: %w", jsonErr)
		}
	}
	t, perr := time.Parse(time.RFC3339Nano, ts)
	if perr != nil {
		return nil, fmt.Errorf("parsing entry timestamp: %w", perr)
	}
	e.Timestamp = t
	if archiveDate.Valid {
		t, perr := time.Parse(time.RFC3339Nano, archiveDate.String)
		if perr != nil {
			return nil, fmt.Errorf("parsing entry archive date: %w", perr)
		}
		e.ArchiveDate = &t
	}
	if retentionUntil.Valid {
		t, perr := time.Parse(time.RFC3339Nano, retentionUntil.String)
		if perr != nil {
			return nil, fmt.Errorf("parsing entry retention date: %w", perr)
		}
		e.RetentionUntil = &t
	}
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
