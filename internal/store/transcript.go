package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/termdeck/termdeck/internal/msgcodec"
	"github.com/termdeck/termdeck/internal/protocol"
)

// AppendSDKMessage appends one transcript message with the next
// sequence number. The payload is zstd-compressed at rest.
func (s *Store) AppendSDKMessage(ctx context.Context, sessionID, workerID string, msg protocol.SDKMessage) error {
	payload, compression := msgcodec.Compress(msg.Payload)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sdk_messages (session_id, worker_id, seq, uuid, role, payload, compression, created_at)
		VALUES (?, ?, COALESCE((SELECT MAX(seq) FROM sdk_messages WHERE session_id = ? AND worker_id = ?), 0) + 1, ?, ?, ?, ?, ?)`,
		sessionID, workerID, sessionID, workerID,
		msg.UUID, msg.Role, payload, int(compression), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append sdk message: %w", err)
	}
	return nil
}

// ListSDKMessages returns a worker's transcript in order. When
// afterUUID names a stored message, only messages after it are
// returned; an unknown or nil afterUUID returns the full transcript.
func (s *Store) ListSDKMessages(ctx context.Context, sessionID, workerID string, afterUUID *string) ([]protocol.SDKMessage, error) {
	afterSeq := int64(0)
	if afterUUID != nil && *afterUUID != "" {
		err := s.db.QueryRowContext(ctx, `
			SELECT seq FROM sdk_messages WHERE session_id = ? AND worker_id = ? AND uuid = ?
			ORDER BY seq DESC LIMIT 1`,
			sessionID, workerID, *afterUUID).Scan(&afterSeq)
		if err != nil {
			// Unknown cursor: full replay, same as the history
			// buffer's behavior for an offset from another life.
			afterSeq = 0
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, role, payload, compression FROM sdk_messages
		WHERE session_id = ? AND worker_id = ? AND seq > ?
		ORDER BY seq`,
		sessionID, workerID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list sdk messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []protocol.SDKMessage
	for rows.Next() {
		var msg protocol.SDKMessage
		var payload []byte
		var compression int
		if err := rows.Scan(&msg.UUID, &msg.Role, &payload, &compression); err != nil {
			return nil, fmt.Errorf("scan sdk message: %w", err)
		}
		msg.Payload, err = msgcodec.Decompress(payload, msgcodec.Compression(compression))
		if err != nil {
			return nil, fmt.Errorf("decompress sdk message %s: %w", msg.UUID, err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sdk messages: %w", err)
	}
	return msgs, nil
}

// LastSDKUUID returns the uuid of the newest transcript message, or ""
// when the transcript is empty.
func (s *Store) LastSDKUUID(ctx context.Context, sessionID, workerID string) (string, error) {
	var uuid string
	err := s.db.QueryRowContext(ctx, `
		SELECT uuid FROM sdk_messages WHERE session_id = ? AND worker_id = ?
		ORDER BY seq DESC LIMIT 1`, sessionID, workerID).Scan(&uuid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("last sdk uuid: %w", err)
	}
	return uuid, nil
}

// ClearSDKMessages drops a worker's transcript (restart without
// conversation continuation).
func (s *Store) ClearSDKMessages(ctx context.Context, sessionID, workerID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sdk_messages WHERE session_id = ? AND worker_id = ?`, sessionID, workerID)
	if err != nil {
		return fmt.Errorf("clear sdk messages: %w", err)
	}
	return nil
}
