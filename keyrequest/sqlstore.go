// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package keyrequest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// SQLStore is a database/sql backed Store. It supports both the
// sqlite3/modernc.org-sqlite drivers (placeholder "?") and lib/pq
// ("$1", "$2", ...), matching dendrite's dual sqlite/postgres storage
// layering (userapi/storage/{sqlite3,postgres}) without dendrite's
// fuller migration-delta framework, which is out of proportion for this
// module's single table (see DESIGN.md).
type SQLStore struct {
	db       *sql.DB
	postgres bool
	// writeMu serializes writes the way dendrite's internal/sqlutil.Writer
	// does for sqlite, which does not tolerate concurrent writers across
	// connections; postgres does not need this but sharing the path
	// keeps both backends on one code path.
	writeMu sync.Mutex
}

// NewSQLiteStore opens (and migrates) a SQLStore against an already-open
// sqlite database/sql handle (either github.com/mattn/go-sqlite3's
// "sqlite3" driver or modernc.org/sqlite's "sqlite" driver).
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	return s, s.migrate(context.Background())
}

// NewPostgresStore opens (and migrates) a SQLStore against an
// already-open github.com/lib/pq "postgres" database/sql handle.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db, postgres: true}
	return s, s.migrate(context.Background())
}

func (s *SQLStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS outgoing_room_key_requests (
	request_id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	recipients TEXT NOT NULL,
	state INTEGER NOT NULL,
	cancellation_txn_id TEXT NOT NULL DEFAULT '',
	request_txn_id TEXT NOT NULL DEFAULT '',
	UNIQUE (room_id, session_id)
);`)
	return err
}

func (s *SQLStore) ph(n int) string {
	if s.postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func encodeRecipients(rs []Recipient) (string, error) {
	b, err := json.Marshal(rs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeRecipients(s string) ([]Recipient, error) {
	var rs []Recipient
	if s == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(s), &rs); err != nil {
		return nil, err
	}
	return rs, nil
}

func (s *SQLStore) scanRow(row *sql.Row) (*OutgoingKeyRequest, error) {
	var rec OutgoingKeyRequest
	var recipients string
	var state int
	if err := row.Scan(&rec.RequestID, &rec.Fingerprint.RoomID, &rec.Fingerprint.SessionID, &recipients, &state, &rec.CancellationTxnID, &rec.RequestTxnID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.State = State(state)
	rs, err := decodeRecipients(recipients)
	if err != nil {
		return nil, err
	}
	rec.Recipients = rs
	return &rec, nil
}

func (s *SQLStore) GetByFingerprint(ctx context.Context, fp Fingerprint) (*OutgoingKeyRequest, error) {
	q := fmt.Sprintf(`SELECT request_id, room_id, session_id, recipients, state, cancellation_txn_id, request_txn_id
FROM outgoing_room_key_requests WHERE room_id = %s AND session_id = %s`, s.ph(1), s.ph(2))
	row := s.db.QueryRowContext(ctx, q, fp.RoomID, fp.SessionID)
	return s.scanRow(row)
}

func (s *SQLStore) GetOrInsert(ctx context.Context, rec *OutgoingKeyRequest) (*OutgoingKeyRequest, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.GetByFingerprint(ctx, rec.Fingerprint)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	recipients, err := encodeRecipients(rec.Recipients)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`INSERT INTO outgoing_room_key_requests
(request_id, room_id, session_id, recipients, state, cancellation_txn_id, request_txn_id)
VALUES (%s, %s, %s, %s, %s, %s, %s)`, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7))
	_, err = s.db.ExecContext(ctx, q, rec.RequestID, rec.Fingerprint.RoomID, rec.Fingerprint.SessionID, recipients, int(rec.State), rec.CancellationTxnID, rec.RequestTxnID)
	if err != nil {
		// Lost the insert race to a concurrent writer; whoever won is
		// authoritative for this fingerprint.
		if existing, gerr := s.GetByFingerprint(ctx, rec.Fingerprint); gerr == nil {
			return existing, nil
		}
		return nil, err
	}
	return rec.Clone(), nil
}

func (s *SQLStore) UpdateIfInState(ctx context.Context, requestID string, expected State, patch Patch) (*OutgoingKeyRequest, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, err := s.getByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if current.State != expected {
		return nil, nil
	}

	next := current.Clone()
	if patch.State != nil {
		next.State = *patch.State
	}
	if patch.CancellationTxnID != nil {
		next.CancellationTxnID = *patch.CancellationTxnID
	}
	if patch.RequestTxnID != nil {
		next.RequestTxnID = *patch.RequestTxnID
	}
	if patch.Recipients != nil {
		next.Recipients = append([]Recipient(nil), patch.Recipients...)
	}
	recipients, err := encodeRecipients(next.Recipients)
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf(`UPDATE outgoing_room_key_requests SET state = %s, cancellation_txn_id = %s, request_txn_id = %s, recipients = %s
WHERE request_id = %s AND state = %s`, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	res, err := s.db.ExecContext(ctx, q, int(next.State), next.CancellationTxnID, next.RequestTxnID, recipients, requestID, int(expected))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Someone else's write won the compare-and-set race.
		return nil, nil
	}
	return next, nil
}

func (s *SQLStore) DeleteIfInState(ctx context.Context, requestID string, expected State) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	q := fmt.Sprintf(`DELETE FROM outgoing_room_key_requests WHERE request_id = %s AND state = %s`, s.ph(1), s.ph(2))
	res, err := s.db.ExecContext(ctx, q, requestID, int(expected))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) getByID(ctx context.Context, requestID string) (*OutgoingKeyRequest, error) {
	q := fmt.Sprintf(`SELECT request_id, room_id, session_id, recipients, state, cancellation_txn_id, request_txn_id
FROM outgoing_room_key_requests WHERE request_id = %s`, s.ph(1))
	row := s.db.QueryRowContext(ctx, q, requestID)
	return s.scanRow(row)
}

func (s *SQLStore) GetByState(ctx context.Context, state State) (*OutgoingKeyRequest, error) {
	q := fmt.Sprintf(`SELECT request_id, room_id, session_id, recipients, state, cancellation_txn_id, request_txn_id
FROM outgoing_room_key_requests WHERE state = %s LIMIT 1`, s.ph(1))
	row := s.db.QueryRowContext(ctx, q, int(state))
	return s.scanRow(row)
}

func (s *SQLStore) GetAllByState(ctx context.Context, state State) ([]*OutgoingKeyRequest, error) {
	q := fmt.Sprintf(`SELECT request_id, room_id, session_id, recipients, state, cancellation_txn_id, request_txn_id
FROM outgoing_room_key_requests WHERE state = %s`, s.ph(1))
	rows, err := s.db.QueryContext(ctx, q, int(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanAll(rows)
}

func (s *SQLStore) GetByTarget(ctx context.Context, userID, deviceID string, states []State) ([]*OutgoingKeyRequest, error) {
	// Recipients are stored as an opaque JSON blob, so target filtering
	// happens in-process rather than via SQL predicate (mirrors
	// dendrite's preference for simple predicates over JSON-path queries
	// across its sqlite/postgres dual backend).
	var out []*OutgoingKeyRequest
	for _, st := range states {
		recs, err := s.GetAllByState(ctx, st)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			for _, r := range rec.Recipients {
				if r.UserID == userID && r.DeviceID == deviceID {
					out = append(out, rec)
					break
				}
			}
		}
	}
	return out, nil
}

func (s *SQLStore) scanAll(rows *sql.Rows) ([]*OutgoingKeyRequest, error) {
	var out []*OutgoingKeyRequest
	for rows.Next() {
		var rec OutgoingKeyRequest
		var recipients string
		var state int
		if err := rows.Scan(&rec.RequestID, &rec.Fingerprint.RoomID, &rec.Fingerprint.SessionID, &recipients, &state, &rec.CancellationTxnID, &rec.RequestTxnID); err != nil {
			return nil, err
		}
		rec.State = State(state)
		rs, err := decodeRecipients(recipients)
		if err != nil {
			return nil, err
		}
		rec.Recipients = rs
		out = append(out, &rec)
	}
	return out, rows.Err()
}
