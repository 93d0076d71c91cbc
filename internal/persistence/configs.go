package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// GetActionHandlerUserConfig returns the user's configuration for the
// named handler, or an empty map when none has been set.
func (s *Store) GetActionHandlerUserConfig(ctx context.Context, handlerName string, user *User) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT configuration
		FROM action_handler_configurations
		WHERE handler_name = ? AND user_id = ?;
	`, handlerName, user.ID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select handler config: %w", err)
	}

	config := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &config); err != nil {
			return nil, fmt.Errorf("decode handler config: %w", err)
		}
	}
	return config, nil
}

// SetActionHandlerUserConfig upserts the user's configuration for the
// named handler.
func (s *Store) SetActionHandlerUserConfig(ctx context.Context, handlerName string, user *User, config map[string]any) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("encode handler config: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := utcNow()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO action_handler_configurations (handler_name, user_id, created_at, updated_at, configuration)
			VALUES (?, ?, ?, NULL, ?)
			ON CONFLICT(handler_name, user_id)
			DO UPDATE SET configuration = excluded.configuration, updated_at = ?;
		`, handlerName, user.ID, now, string(raw), now)
		if err != nil {
			return fmt.Errorf("upsert handler config: %w", err)
		}
		return nil
	})
}
