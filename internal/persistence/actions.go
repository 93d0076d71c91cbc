package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// CreateAction persists a pending action with no response chunks.
func (s *Store) CreateAction(ctx context.Context, handlerName string, request json.RawMessage, title, rawText string, user *User) (*Action, error) {
	var action *Action
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := utcNow()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO actions (user_id, handler_name, is_completed, created_at, completed_at, request, title, raw_text)
			VALUES (?, ?, 0, ?, NULL, ?, ?, ?);
		`, user.ID, handlerName, now, string(request), title, rawText)
		if err != nil {
			return fmt.Errorf("insert action: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("action id: %w", err)
		}
		action = &Action{
			ID:             id,
			UserID:         user.ID,
			HandlerName:    handlerName,
			CreatedAt:      now,
			Request:        request,
			Title:          title,
			RawText:        rawText,
			ResponseChunks: []ResponseChunk{},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return action, nil
}

// GetAction loads an action and its chunks ordered by chunk_order.
func (s *Store) GetAction(ctx context.Context, actionID int64, user *User) (*Action, error) {
	var a Action
	var isCompleted int
	var completedAt sql.NullTime
	var request string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, handler_name, is_completed, created_at, completed_at, request, title, raw_text
		FROM actions
		WHERE id = ? AND user_id = ?;
	`, actionID, user.ID).Scan(
		&a.ID, &a.UserID, &a.HandlerName, &isCompleted, &a.CreatedAt, &completedAt,
		&request, &a.Title, &a.RawText,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ObjectNotFoundError{ObjectType: "Action", ObjectID: actionID}
	}
	if err != nil {
		return nil, fmt.Errorf("select action: %w", err)
	}
	a.IsCompleted = isCompleted == 1
	if completedAt.Valid {
		ts := completedAt.Time
		a.CompletedAt = &ts
	}
	a.Request = []byte(request)

	chunks, err := s.listResponseChunks(ctx, actionID)
	if err != nil {
		return nil, err
	}
	a.ResponseChunks = chunks
	return &a, nil
}

// PatchAction updates the action title when provided.
func (s *Store) PatchAction(ctx context.Context, actionID int64, user *User, title *string) (*Action, error) {
	if title != nil {
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			if err := s.requireActionTx(ctx, tx, actionID, user); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE actions SET title = ? WHERE id = ?;`, *title, actionID); err != nil {
				return fmt.Errorf("update action title: %w", err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return s.GetAction(ctx, actionID, user)
}

// CompleteAction transitions the action to its terminal state. The guarded
// UPDATE matches pending rows owned by user only, so a missing, foreign, or
// already-completed action all surface as ObjectNotFound: completion is
// one-way and ownership stays opaque.
func (s *Store) CompleteAction(ctx context.Context, actionID int64, user *User) (*Action, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE actions
			SET is_completed = 1, completed_at = ?
			WHERE id = ? AND user_id = ? AND is_completed = 0;
		`, utcNow(), actionID, user.ID)
		if err != nil {
			return fmt.Errorf("complete action: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("complete action rows affected: %w", err)
		}
		if n == 0 {
			return &ObjectNotFoundError{ObjectType: "Action", ObjectID: actionID}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetAction(ctx, actionID, user)
}

// AppendResponseToAction writes one response chunk with the next dense
// order. The action must still be pending; completed actions reject
// further chunks at this storage boundary.
func (s *Store) AppendResponseToAction(ctx context.Context, actionID int64, mime string, textContent *string, binaryContent []byte, user *User) (*ResponseChunk, error) {
	var chunk *ResponseChunk
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var isCompleted int
		err := tx.QueryRowContext(ctx, `
			SELECT is_completed FROM actions WHERE id = ? AND user_id = ?;
		`, actionID, user.ID).Scan(&isCompleted)
		if errors.Is(err, sql.ErrNoRows) {
			return &ObjectNotFoundError{ObjectType: "Action", ObjectID: actionID}
		}
		if err != nil {
			return fmt.Errorf("check action: %w", err)
		}
		if isCompleted == 1 {
			return &ObjectNotFoundError{
				ObjectType: "Action",
				ObjectID:   actionID,
				Message:    "action is completed",
			}
		}

		var maxOrder sql.NullInt64
		if err := tx.QueryRowContext(ctx, `
			SELECT MAX(chunk_order) FROM action_response_chunks WHERE action_id = ?;
		`, actionID).Scan(&maxOrder); err != nil {
			return fmt.Errorf("select max chunk_order: %w", err)
		}
		order := 1
		if maxOrder.Valid {
			order = int(maxOrder.Int64) + 1
		}

		var text sql.NullString
		if textContent != nil {
			text = sql.NullString{Valid: true, String: *textContent}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO action_response_chunks (action_id, chunk_order, mime, text_content, binary_content)
			VALUES (?, ?, ?, ?, ?);
		`, actionID, order, mime, text, binaryContent)
		if err != nil {
			return fmt.Errorf("insert response chunk: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("response chunk id: %w", err)
		}
		chunk = &ResponseChunk{
			ID:            id,
			ActionID:      actionID,
			Order:         order,
			Mime:          mime,
			BinaryContent: binaryContent,
		}
		if textContent != nil {
			chunk.TextContent = *textContent
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunk, nil
}

// GetActionUser returns the owning user, or nil when the action does not
// exist. Internal lookup: no ownership check.
func (s *Store) GetActionUser(ctx context.Context, actionID int64) (*User, error) {
	var userID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM actions WHERE id = ?;
	`, actionID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select action user: %w", err)
	}
	return s.GetUser(ctx, userID)
}

func (s *Store) listResponseChunks(ctx context.Context, actionID int64) ([]ResponseChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action_id, chunk_order, mime, text_content, binary_content
		FROM action_response_chunks
		WHERE action_id = ?
		ORDER BY chunk_order ASC;
	`, actionID)
	if err != nil {
		return nil, fmt.Errorf("select response chunks: %w", err)
	}
	defer rows.Close()

	out := []ResponseChunk{}
	for rows.Next() {
		var c ResponseChunk
		var text sql.NullString
		if err := rows.Scan(&c.ID, &c.ActionID, &c.Order, &c.Mime, &text, &c.BinaryContent); err != nil {
			return nil, fmt.Errorf("scan response chunk: %w", err)
		}
		if text.Valid {
			c.TextContent = text.String
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("response chunk rows: %w", err)
	}
	return out, nil
}

// requireActionTx verifies existence and ownership inside a transaction.
func (s *Store) requireActionTx(ctx context.Context, tx *sql.Tx, actionID int64, user *User) error {
	var one int
	err := tx.QueryRowContext(ctx, `
		SELECT 1 FROM actions WHERE id = ? AND user_id = ?;
	`, actionID, user.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return &ObjectNotFoundError{ObjectType: "Action", ObjectID: actionID}
	}
	if err != nil {
		return fmt.Errorf("check action: %w", err)
	}
	return nil
}
