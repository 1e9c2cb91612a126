package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// SeverityInfo indicates routine activity.
	SeverityInfo = "info"
	// SeverityWarning indicates rejected or failed requests.
	SeverityWarning = "warning"
	// SeverityCritical indicates integrity failures on stored data.
	SeverityCritical = "critical"
)

const (
	EventSessionOpened     = "session_opened"
	EventSessionClosed     = "session_closed"
	EventProtocolError     = "protocol_error"
	EventLoginSucceeded    = "login_succeeded"
	EventLoginFailed       = "login_failed"
	EventUserRegistered    = "user_registered"
	EventRegisterFailed    = "register_failed"
	EventAuthRejected      = "auth_rejected"
	EventFileStored        = "file_stored"
	EventFileStoreFailed   = "file_store_failed"
	EventFileRetrieved     = "file_retrieved"
	EventFileRetrieveError = "file_retrieve_failed"
	EventFileCorrupted     = "file_corrupted"
)

// Event is one audit log row.
type Event struct {
	ID         int64
	SessionID  string
	EventType  string
	Username   *string
	Filename   *string
	RemoteAddr *string
	Details    string
	Severity   string
	Timestamp  int64
}

// EventFilter narrows GetEvents query results.
type EventFilter struct {
	EventType     string
	Username      string
	SessionID     string
	Severity      string
	FromTimestamp *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

// SetEventRetention configures the automatic pruning horizon.
func (s *Store) SetEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	s.eventRetention = retention
}

// LogEvent inserts an audit event and applies retention pruning.
func (s *Store) LogEvent(event Event) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if strings.TrimSpace(event.SessionID) == "" {
		return errors.New("session_id is required")
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if err := validateSeverity(event.Severity); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO events (
			session_id,
			event_type,
			username,
			filename,
			remote_addr,
			details,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.SessionID,
		event.EventType,
		nullString(trimmed(event.Username)),
		nullString(trimmed(event.Filename)),
		nullString(trimmed(event.RemoteAddr)),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event %q: %w", event.EventType, err)
	}

	if s.eventRetention > 0 {
		cutoff := time.Now().Add(-s.eventRetention).UnixMilli()
		if _, err := s.PruneEvents(cutoff); err != nil {
			return fmt.Errorf("prune events: %w", err)
		}
	}

	return nil
}

// GetEvents returns recent events, newest first, with optional filtering.
func (s *Store) GetEvents(filter EventFilter) ([]Event, error) {
	if filter.Severity != "" {
		if err := validateSeverity(filter.Severity); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		session_id,
		event_type,
		username,
		filename,
		remote_addr,
		details,
		severity,
		timestamp
	FROM events`)

	where := make([]string, 0, 5)
	args := make([]any, 0, 7)

	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.Username != "" {
		where = append(where, "username = ? COLLATE NOCASE")
		args = append(args, filter.Username)
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}

	return events, nil
}

// PruneEvents removes events older than cutoffTimestamp.
func (s *Store) PruneEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for event prune: %w", err)
	}

	return rowsAffected, nil
}

func scanEvent(row scanner) (*Event, error) {
	var (
		event      Event
		username   sql.NullString
		filename   sql.NullString
		remoteAddr sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.SessionID,
		&event.EventType,
		&username,
		&filename,
		&remoteAddr,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.Username = stringPtr(username)
	event.Filename = stringPtr(filename)
	event.RemoteAddr = stringPtr(remoteAddr)
	return &event, nil
}

func validateSeverity(severity string) error {
	switch severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid severity %q", severity)
	}
}

func trimmed(ptr *string) *string {
	if ptr == nil {
		return nil
	}
	v := strings.TrimSpace(*ptr)
	if v == "" {
		return nil
	}
	return &v
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
