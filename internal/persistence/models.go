package persistence

import (
	"encoding/json"
	"time"
)

// User is a registered account. PasswordVersion is bumped externally to
// invalidate previously issued tokens.
type User struct {
	ID              int64  `json:"id"`
	IsActive        bool   `json:"is_active"`
	Email           string `json:"email"`
	PasswordVersion int    `json:"password_version"`
	PasswordHash    string `json:"-"`
}

// ThreadSummary is a thread row without its actions, used by list views.
type ThreadSummary struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	CreatedAt   time.Time `json:"created_at"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
}

// Thread is a user-owned, ordered collection of actions.
type Thread struct {
	ID            int64          `json:"id"`
	UserID        int64          `json:"user_id"`
	CreatedAt     time.Time      `json:"created_at"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	ThreadActions []ThreadAction `json:"thread_actions"`
}

// Action is one submitted unit of work: a request payload, the handler it
// was routed to, and its time-ordered response chunks.
type Action struct {
	ID             int64           `json:"id"`
	UserID         int64           `json:"user_id"`
	HandlerName    string          `json:"handler_name"`
	IsCompleted    bool            `json:"is_completed"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Request        json.RawMessage `json:"request"`
	Title          string          `json:"title"`
	RawText        string          `json:"raw_text"`
	ResponseChunks []ResponseChunk `json:"response_chunks"`
}

// ThreadAction places an action at a position within a thread, with its
// own display toggles.
type ThreadAction struct {
	ID           int64  `json:"id"`
	ThreadID     int64  `json:"thread_id"`
	Action       Action `json:"action"`
	DisplayOrder int    `json:"display_order"`
	ShowQuestion bool   `json:"show_question"`
	ShowAnswer   bool   `json:"show_answer"`
}

// ResponseChunk is one unit of handler output. Exactly one of TextContent
// and BinaryContent is set.
type ResponseChunk struct {
	ID            int64  `json:"id"`
	ActionID      int64  `json:"action_id"`
	Order         int    `json:"order"`
	Mime          string `json:"mime"`
	TextContent   string `json:"text_content,omitempty"`
	BinaryContent []byte `json:"binary_content,omitempty"`
}
