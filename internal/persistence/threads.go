package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateThread creates an empty thread owned by user.
func (s *Store) CreateThread(ctx context.Context, title, description string, user *User) (*Thread, error) {
	var thread *Thread
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := utcNow()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO threads (user_id, created_at, title, description)
			VALUES (?, ?, ?, ?);
		`, user.ID, now, title, description)
		if err != nil {
			return fmt.Errorf("insert thread: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("thread id: %w", err)
		}
		thread = &Thread{
			ID:            id,
			UserID:        user.ID,
			CreatedAt:     now,
			Title:         title,
			Description:   description,
			ThreadActions: []ThreadAction{},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return thread, nil
}

// GetThread loads a thread with its actions ordered by display_order, each
// action carrying its response chunks ordered by chunk_order.
func (s *Store) GetThread(ctx context.Context, threadID int64, user *User) (*Thread, error) {
	var t Thread
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, created_at, title, description
		FROM threads
		WHERE id = ? AND user_id = ?;
	`, threadID, user.ID).Scan(&t.ID, &t.UserID, &t.CreatedAt, &t.Title, &t.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ObjectNotFoundError{ObjectType: "Thread", ObjectID: threadID}
	}
	if err != nil {
		return nil, fmt.Errorf("select thread: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ta.id, ta.display_order, ta.show_question, ta.show_answer,
			a.id, a.user_id, a.handler_name, a.is_completed, a.created_at, a.completed_at,
			a.request, a.title, a.raw_text
		FROM thread_actions ta
		JOIN actions a ON a.id = ta.action_id
		WHERE ta.thread_id = ?
		ORDER BY ta.display_order ASC;
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("select thread actions: %w", err)
	}
	defer rows.Close()

	t.ThreadActions = []ThreadAction{}
	for rows.Next() {
		var ta ThreadAction
		var showQuestion, showAnswer, isCompleted int
		var completedAt sql.NullTime
		var request string
		if err := rows.Scan(
			&ta.ID, &ta.DisplayOrder, &showQuestion, &showAnswer,
			&ta.Action.ID, &ta.Action.UserID, &ta.Action.HandlerName, &isCompleted,
			&ta.Action.CreatedAt, &completedAt, &request, &ta.Action.Title, &ta.Action.RawText,
		); err != nil {
			return nil, fmt.Errorf("scan thread action: %w", err)
		}
		ta.ThreadID = threadID
		ta.ShowQuestion = showQuestion == 1
		ta.ShowAnswer = showAnswer == 1
		ta.Action.IsCompleted = isCompleted == 1
		if completedAt.Valid {
			ts := completedAt.Time
			ta.Action.CompletedAt = &ts
		}
		ta.Action.Request = []byte(request)
		t.ThreadActions = append(t.ThreadActions, ta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("thread action rows: %w", err)
	}

	for i := range t.ThreadActions {
		chunks, err := s.listResponseChunks(ctx, t.ThreadActions[i].Action.ID)
		if err != nil {
			return nil, err
		}
		t.ThreadActions[i].Action.ResponseChunks = chunks
	}
	return &t, nil
}

// ListThreads returns the user's thread summaries in id order.
func (s *Store) ListThreads(ctx context.Context, user *User) ([]ThreadSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, created_at, title, description
		FROM threads
		WHERE user_id = ?
		ORDER BY id ASC;
	`, user.ID)
	if err != nil {
		return nil, fmt.Errorf("select threads: %w", err)
	}
	defer rows.Close()

	out := []ThreadSummary{}
	for rows.Next() {
		var ts ThreadSummary
		if err := rows.Scan(&ts.ID, &ts.UserID, &ts.CreatedAt, &ts.Title, &ts.Description); err != nil {
			return nil, fmt.Errorf("scan thread summary: %w", err)
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("thread rows: %w", err)
	}
	return out, nil
}

// PatchThread updates only the provided fields; both nil is a no-op.
func (s *Store) PatchThread(ctx context.Context, threadID int64, user *User, title, description *string) (*Thread, error) {
	if title != nil || description != nil {
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			if err := s.requireThreadTx(ctx, tx, threadID, user); err != nil {
				return err
			}
			if title != nil {
				if _, err := tx.ExecContext(ctx, `UPDATE threads SET title = ? WHERE id = ?;`, *title, threadID); err != nil {
					return fmt.Errorf("update thread title: %w", err)
				}
			}
			if description != nil {
				if _, err := tx.ExecContext(ctx, `UPDATE threads SET description = ? WHERE id = ?;`, *description, threadID); err != nil {
					return fmt.Errorf("update thread description: %w", err)
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return s.GetThread(ctx, threadID, user)
}

// DeleteThread removes the thread and its junction rows. The actions
// themselves survive.
func (s *Store) DeleteThread(ctx context.Context, threadID int64, user *User) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireThreadTx(ctx, tx, threadID, user); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM thread_actions WHERE thread_id = ?;`, threadID); err != nil {
			return fmt.Errorf("delete thread actions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?;`, threadID); err != nil {
			return fmt.Errorf("delete thread: %w", err)
		}
		return nil
	})
}

// AppendActionToThread places the action at the end of the thread,
// assigning the next dense display_order. Both objects must belong to
// user. A duplicate pair yields ActionAlreadyInThreadError.
func (s *Store) AppendActionToThread(ctx context.Context, threadID, actionID int64, user *User) (*ThreadAction, error) {
	var ta *ThreadAction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireThreadTx(ctx, tx, threadID, user); err != nil {
			return err
		}
		if err := s.requireActionTx(ctx, tx, actionID, user); err != nil {
			return err
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

		res, err := tx.ExecContext(ctx, `
			INSERT INTO thread_actions (thread_id, action_id, display_order, show_question, show_answer)
			VALUES (?, ?, ?, 0, 1);
		`, threadID, actionID, displayOrder)
		if err != nil {
			if isUniqueViolation(err) {
				return &ActionAlreadyInThreadError{ThreadID: threadID, ActionID: actionID}
			}
			return fmt.Errorf("insert thread action: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("thread action id: %w", err)
		}
		ta = &ThreadAction{
			ID:           id,
			ThreadID:     threadID,
			DisplayOrder: displayOrder,
			ShowQuestion: false,
			ShowAnswer:   true,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	action, err := s.GetAction(ctx, actionID, user)
	if err != nil {
		return nil, err
	}
	ta.Action = *action
	return ta, nil
}

// RemoveActionFromThread removes the junction row only. Returns whether a
// row was removed.
func (s *Store) RemoveActionFromThread(ctx context.Context, actionID, threadID int64, user *User) (bool, error) {
	removed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireThreadTx(ctx, tx, threadID, user); err != nil {
			return err
		}
		if err := s.requireActionTx(ctx, tx, actionID, user); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM thread_actions WHERE thread_id = ? AND action_id = ?;
		`, threadID, actionID)
		if err != nil {
			return fmt.Errorf("delete thread action: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("thread action rows affected: %w", err)
		}
		removed = n > 0
		return nil
	})
	return removed, err
}

// PatchThreadAction updates only the provided display toggles.
func (s *Store) PatchThreadAction(ctx context.Context, threadID, actionID int64, user *User, showQuestion, showAnswer *bool) (*ThreadAction, error) {
	var ta ThreadAction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireThreadTx(ctx, tx, threadID, user); err != nil {
			return err
		}
		if err := s.requireActionTx(ctx, tx, actionID, user); err != nil {
			return err
		}

		if showQuestion != nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE thread_actions SET show_question = ? WHERE thread_id = ? AND action_id = ?;
			`, boolToInt(*showQuestion), threadID, actionID); err != nil {
				return fmt.Errorf("update show_question: %w", err)
			}
		}
		if showAnswer != nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE thread_actions SET show_answer = ? WHERE thread_id = ? AND action_id = ?;
			`, boolToInt(*showAnswer), threadID, actionID); err != nil {
				return fmt.Errorf("update show_answer: %w", err)
			}
		}

		var sq, sa int
		err := tx.QueryRowContext(ctx, `
			SELECT id, display_order, show_question, show_answer
			FROM thread_actions
			WHERE thread_id = ? AND action_id = ?;
		`, threadID, actionID).Scan(&ta.ID, &ta.DisplayOrder, &sq, &sa)
		if errors.Is(err, sql.ErrNoRows) {
			return &ObjectNotFoundError{
				ObjectType: "ThreadAction",
				Message:    fmt.Sprintf("thread_id=%d, action_id=%d", threadID, actionID),
			}
		}
		if err != nil {
			return fmt.Errorf("select thread action: %w", err)
		}
		ta.ThreadID = threadID
		ta.ShowQuestion = sq == 1
		ta.ShowAnswer = sa == 1
		return nil
	})
	if err != nil {
		return nil, err
	}

	action, err := s.GetAction(ctx, actionID, user)
	if err != nil {
		return nil, err
	}
	ta.Action = *action
	return &ta, nil
}

// GetThreadIDsForAction returns every thread hosting the action. No
// ownership check: this lookup feeds internal notification fan-out only.
func (s *Store) GetThreadIDsForAction(ctx context.Context, actionID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id FROM thread_actions WHERE action_id = ? ORDER BY thread_id ASC;
	`, actionID)
	if err != nil {
		return nil, fmt.Errorf("select thread ids: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan thread id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("thread id rows: %w", err)
	}
	return out, nil
}

// requireThreadTx verifies existence and ownership inside a transaction.
func (s *Store) requireThreadTx(ctx context.Context, tx *sql.Tx, threadID int64, user *User) error {
	var one int
	err := tx.QueryRowContext(ctx, `
		SELECT 1 FROM threads WHERE id = ? AND user_id = ?;
	`, threadID, user.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return &ObjectNotFoundError{ObjectType: "Thread", ObjectID: threadID}
	}
	if err != nil {
		return fmt.Errorf("check thread: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
