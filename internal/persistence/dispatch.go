package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// CreateActionInThread creates a pending action and appends it to the
// thread in one unit of work, so a dispatch never leaves an orphan action
// behind a failed append.
func (s *Store) CreateActionInThread(ctx context.Context, threadID int64, handlerName string, request json.RawMessage, title, rawText string, user *User) (*ThreadAction, error) {
	var ta *ThreadAction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireThreadTx(ctx, tx, threadID, user); err != nil {
			return err
		}

		now := utcNow()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO actions (user_id, handler_name, is_completed, created_at, completed_at, request, title, raw_text)
			VALUES (?, ?, 0, ?, NULL, ?, ?, ?);
		`, user.ID, handlerName, now, string(request), title, rawText)
		if err != nil {
			return fmt.Errorf("insert action: %w", err)
		}
		actionID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("action id: %w", err)
		}

		var maxOrder sql.NullInt64
		if err := tx.QueryRowContext(ctx, `
			SELECT MAX(display_order) FROM thread_actions WHERE thread_id = ?;
		`, threadID).Scan(&maxOrder); err != nil {
			return fmt.Errorf("select max display_order: %w", err)
		}
		displayOrder := 1
		if maxOrder.Valid {
			displayOrder = int(maxOrder.Int64) + 1
		}

		junction, err := tx.ExecContext(ctx, `
			INSERT INTO thread_actions (thread_id, action_id, display_order, show_question, show_answer)
			VALUES (?, ?, ?, 0, 1);
		`, threadID, actionID, displayOrder)
		if err != nil {
			return fmt.Errorf("insert thread action: %w", err)
		}
		junctionID, err := junction.LastInsertId()
		if err != nil {
			return fmt.Errorf("thread action id: %w", err)
		}

		ta = &ThreadAction{
			ID:           junctionID,
			ThreadID:     threadID,
			DisplayOrder: displayOrder,
			ShowQuestion: false,
			ShowAnswer:   true,
			Action: Action{
				ID:             actionID,
				UserID:         user.ID,
				HandlerName:    handlerName,
				CreatedAt:      now,
				Request:        request,
				Title:          title,
				RawText:        rawText,
				ResponseChunks: []ResponseChunk{},
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ta, nil
}
