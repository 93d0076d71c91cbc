package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTestUser(t *testing.T, s *Store, email string) *User {
	t.Helper()
	user, err := s.CreateUser(context.Background(), email, "hash-"+email)
	if err != nil {
		t.Fatalf("CreateUser(%q) failed: %v", email, err)
	}
	return user
}

func createTestAction(t *testing.T, s *Store, user *User) *Action {
	t.Helper()
	action, err := s.CreateAction(context.Background(), "system", json.RawMessage(`{"type":"html"}`), "title", "raw", user)
	if err != nil {
		t.Fatalf("CreateAction failed: %v", err)
	}
	return action
}

func TestUsers_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := createTestUser(t, s, "alice@example.com")
	if user.ID != 1 {
		t.Fatalf("first user id = %d, want 1", user.ID)
	}
	if !user.IsActive || user.PasswordVersion != 1 {
		t.Fatalf("unexpected defaults: %+v", user)
	}

	got, err := s.GetUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if got.Email != "alice@example.com" {
		t.Fatalf("email = %q", got.Email)
	}

	byEmail, err := s.GetUserByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail failed: %v", err)
	}
	if byEmail.ID != user.ID {
		t.Fatalf("id = %d, want %d", byEmail.ID, user.ID)
	}
}

func TestUsers_DuplicateEmail(t *testing.T) {
	s := newTestStore(t)
	createTestUser(t, s, "alice@example.com")

	_, err := s.CreateUser(context.Background(), "alice@example.com", "other")
	var dup *DuplicateEmailError
	if !errors.As(err, &dup) {
		t.Fatalf("err = %v, want DuplicateEmailError", err)
	}
	if dup.Email != "alice@example.com" {
		t.Fatalf("dup email = %q", dup.Email)
	}
}

func TestUsers_GetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetUser(context.Background(), 404); !IsNotFound(err) {
		t.Fatalf("err = %v, want ObjectNotFound", err)
	}
	if _, err := s.GetUserByEmail(context.Background(), "nobody@example.com"); !IsNotFound(err) {
		t.Fatalf("err = %v, want ObjectNotFound", err)
	}
}

func TestThreads_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "u@example.com")

	thread, err := s.CreateThread(ctx, "t1", "d1", user)
	if err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	if len(thread.ThreadActions) != 0 {
		t.Fatalf("new thread has %d actions", len(thread.ThreadActions))
	}

	title := "renamed"
	patched, err := s.PatchThread(ctx, thread.ID, user, &title, nil)
	if err != nil {
		t.Fatalf("PatchThread failed: %v", err)
	}
	if patched.Title != "renamed" || patched.Description != "d1" {
		t.Fatalf("patched = %+v", patched)
	}

	// No-op patch leaves everything untouched.
	same, err := s.PatchThread(ctx, thread.ID, user, nil, nil)
	if err != nil {
		t.Fatalf("no-op PatchThread failed: %v", err)
	}
	if same.Title != "renamed" {
		t.Fatalf("title = %q", same.Title)
	}

	threads, err := s.ListThreads(ctx, user)
	if err != nil {
		t.Fatalf("ListThreads failed: %v", err)
	}
	if len(threads) != 1 || threads[0].ID != thread.ID {
		t.Fatalf("threads = %+v", threads)
	}

	if err := s.DeleteThread(ctx, thread.ID, user); err != nil {
		t.Fatalf("DeleteThread failed: %v", err)
	}
	if _, err := s.GetThread(ctx, thread.ID, user); !IsNotFound(err) {
		t.Fatalf("err = %v, want ObjectNotFound", err)
	}
}

// Ownership opacity: a valid id owned by another user behaves exactly like
// a nonexistent id.
func TestOwnershipOpacity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := createTestUser(t, s, "owner@example.com")
	intruder := createTestUser(t, s, "intruder@example.com")

	thread, err := s.CreateThread(ctx, "t", "", owner)
	if err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	action := createTestAction(t, s, owner)

	title := "x"
	yes := true
	checks := map[string]func() error{
		"GetThread": func() error {
			_, err := s.GetThread(ctx, thread.ID, intruder)
			return err
		},
		"PatchThread": func() error {
			_, err := s.PatchThread(ctx, thread.ID, intruder, &title, nil)
			return err
		},
		"DeleteThread": func() error {
			return s.DeleteThread(ctx, thread.ID, intruder)
		},
		"GetAction": func() error {
			_, err := s.GetAction(ctx, action.ID, intruder)
			return err
		},
		"PatchAction": func() error {
			_, err := s.PatchAction(ctx, action.ID, intruder, &title)
			return err
		},
		"CompleteAction": func() error {
			_, err := s.CompleteAction(ctx, action.ID, intruder)
			return err
		},
		"AppendActionToThread": func() error {
			_, err := s.AppendActionToThread(ctx, thread.ID, action.ID, intruder)
			return err
		},
		"AppendResponseToAction": func() error {
			text := "hi"
			_, err := s.AppendResponseToAction(ctx, action.ID, "text/plain", &text, nil, intruder)
			return err
		},
		"RemoveActionFromThread": func() error {
			_, err := s.RemoveActionFromThread(ctx, action.ID, thread.ID, intruder)
			return err
		},
		"PatchThreadAction": func() error {
			_, err := s.PatchThreadAction(ctx, thread.ID, action.ID, intruder, &yes, nil)
			return err
		},
		"CreateActionInThread": func() error {
			_, err := s.CreateActionInThread(ctx, thread.ID, "system", json.RawMessage(`{}`), "", "", intruder)
			return err
		},
	}
	for name, f := range checks {
		if err := f(); !IsNotFound(err) {
			t.Errorf("%s: err = %v, want ObjectNotFound", name, err)
		}
	}
}

// Dense ordering: n appends yield display_order 1..n in call order.
func TestAppendActionToThread_DenseOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "u@example.com")
	thread, _ := s.CreateThread(ctx, "t", "", user)

	for i := 1; i <= 4; i++ {
		action := createTestAction(t, s, user)
		ta, err := s.AppendActionToThread(ctx, thread.ID, action.ID, user)
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
		if ta.DisplayOrder != i {
			t.Fatalf("display_order = %d, want %d", ta.DisplayOrder, i)
		}
		if ta.ShowQuestion || !ta.ShowAnswer {
			t.Fatalf("defaults = show_question=%v show_answer=%v", ta.ShowQuestion, ta.ShowAnswer)
		}
	}

	loaded, err := s.GetThread(ctx, thread.ID, user)
	if err != nil {
		t.Fatalf("GetThread failed: %v", err)
	}
	for i, ta := range loaded.ThreadActions {
		if ta.DisplayOrder != i+1 {
			t.Fatalf("loaded display_order[%d] = %d", i, ta.DisplayOrder)
		}
	}
}

func TestAppendActionToThread_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "u@example.com")
	thread, _ := s.CreateThread(ctx, "t", "", user)
	action := createTestAction(t, s, user)

	if _, err := s.AppendActionToThread(ctx, thread.ID, action.ID, user); err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	_, err := s.AppendActionToThread(ctx, thread.ID, action.ID, user)
	var already *ActionAlreadyInThreadError
	if !errors.As(err, &already) {
		t.Fatalf("err = %v, want ActionAlreadyInThreadError", err)
	}
	if already.ThreadID != thread.ID || already.ActionID != action.ID {
		t.Fatalf("error ids = %+v", already)
	}
}

func TestResponseChunks_DenseOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "u@example.com")
	action := createTestAction(t, s, user)

	for i := 1; i <= 3; i++ {
		text := fmt.Sprintf("chunk-%d", i)
		chunk, err := s.AppendResponseToAction(ctx, action.ID, "text/plain", &text, nil, user)
		if err != nil {
			t.Fatalf("append chunk %d failed: %v", i, err)
		}
		if chunk.Order != i {
			t.Fatalf("order = %d, want %d", chunk.Order, i)
		}
	}

	loaded, err := s.GetAction(ctx, action.ID, user)
	if err != nil {
		t.Fatalf("GetAction failed: %v", err)
	}
	if len(loaded.ResponseChunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(loaded.ResponseChunks))
	}
	for i, chunk := range loaded.ResponseChunks {
		if chunk.Order != i+1 {
			t.Fatalf("loaded order[%d] = %d", i, chunk.Order)
		}
	}
}

// Completion is monotone: after CompleteAction, appends and a second
// completion both fail.
func TestCompleteAction_OneWay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "u@example.com")
	action := createTestAction(t, s, user)

	completed, err := s.CompleteAction(ctx, action.ID, user)
	if err != nil {
		t.Fatalf("CompleteAction failed: %v", err)
	}
	if !completed.IsCompleted || completed.CompletedAt == nil {
		t.Fatalf("completed = %+v", completed)
	}

	text := "late"
	if _, err := s.AppendResponseToAction(ctx, action.ID, "text/plain", &text, nil, user); !IsNotFound(err) {
		t.Fatalf("append after complete: err = %v, want ObjectNotFound", err)
	}
	if _, err := s.CompleteAction(ctx, action.ID, user); !IsNotFound(err) {
		t.Fatalf("second complete: err = %v, want ObjectNotFound", err)
	}
}

func TestDeleteThread_KeepsActions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "u@example.com")
	thread, _ := s.CreateThread(ctx, "t", "", user)
	action := createTestAction(t, s, user)
	if _, err := s.AppendActionToThread(ctx, thread.ID, action.ID, user); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if err := s.DeleteThread(ctx, thread.ID, user); err != nil {
		t.Fatalf("DeleteThread failed: %v", err)
	}
	if _, err := s.GetAction(ctx, action.ID, user); err != nil {
		t.Fatalf("action should survive thread deletion: %v", err)
	}
	ids, err := s.GetThreadIDsForAction(ctx, action.ID)
	if err != nil {
		t.Fatalf("GetThreadIDsForAction failed: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("thread ids = %v, want none", ids)
	}
}

func TestRemoveActionFromThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "u@example.com")
	thread, _ := s.CreateThread(ctx, "t", "", user)
	action := createTestAction(t, s, user)
	if _, err := s.AppendActionToThread(ctx, thread.ID, action.ID, user); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	removed, err := s.RemoveActionFromThread(ctx, action.ID, thread.ID, user)
	if err != nil {
		t.Fatalf("RemoveActionFromThread failed: %v", err)
	}
	if !removed {
		t.Fatal("removed = false, want true")
	}

	removed, err = s.RemoveActionFromThread(ctx, action.ID, thread.ID, user)
	if err != nil {
		t.Fatalf("second remove failed: %v", err)
	}
	if removed {
		t.Fatal("removed = true for a non-member action")
	}
}

// An action can fan into several threads; the internal lookup sees all of
// them.
func TestGetThreadIDsForAction_FanIn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "u@example.com")
	t1, _ := s.CreateThread(ctx, "t1", "", user)
	t2, _ := s.CreateThread(ctx, "t2", "", user)
	action := createTestAction(t, s, user)

	if _, err := s.AppendActionToThread(ctx, t1.ID, action.ID, user); err != nil {
		t.Fatalf("append to t1 failed: %v", err)
	}
	if _, err := s.AppendActionToThread(ctx, t2.ID, action.ID, user); err != nil {
		t.Fatalf("append to t2 failed: %v", err)
	}

	ids, err := s.GetThreadIDsForAction(ctx, action.ID)
	if err != nil {
		t.Fatalf("GetThreadIDsForAction failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != t1.ID || ids[1] != t2.ID {
		t.Fatalf("ids = %v, want [%d %d]", ids, t1.ID, t2.ID)
	}
}

func TestPatchThreadAction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "u@example.com")
	thread, _ := s.CreateThread(ctx, "t", "", user)
	action := createTestAction(t, s, user)
	if _, err := s.AppendActionToThread(ctx, thread.ID, action.ID, user); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	show := true
	ta, err := s.PatchThreadAction(ctx, thread.ID, action.ID, user, &show, nil)
	if err != nil {
		t.Fatalf("PatchThreadAction failed: %v", err)
	}
	if !ta.ShowQuestion || !ta.ShowAnswer {
		t.Fatalf("toggles = %+v", ta)
	}

	hide := false
	ta, err = s.PatchThreadAction(ctx, thread.ID, action.ID, user, nil, &hide)
	if err != nil {
		t.Fatalf("second patch failed: %v", err)
	}
	if !ta.ShowQuestion || ta.ShowAnswer {
		t.Fatalf("toggles = %+v", ta)
	}
}

func TestPatchThreadAction_MissingJunction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "u@example.com")
	thread, _ := s.CreateThread(ctx, "t", "", user)
	action := createTestAction(t, s, user)

	show := true
	if _, err := s.PatchThreadAction(ctx, thread.ID, action.ID, user, &show, nil); !IsNotFound(err) {
		t.Fatalf("err = %v, want ObjectNotFound", err)
	}
}

// Config round-trip: set then get yields the same mapping; a second set
// overwrites.
func TestHandlerConfig_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "u@example.com")

	empty, err := s.GetActionHandlerUserConfig(ctx, "openai", user)
	if err != nil {
		t.Fatalf("get empty config failed: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("empty config = %v", empty)
	}

	if err := s.SetActionHandlerUserConfig(ctx, "openai", user, map[string]any{"api_key": "K"}); err != nil {
		t.Fatalf("set config failed: %v", err)
	}
	got, err := s.GetActionHandlerUserConfig(ctx, "openai", user)
	if err != nil {
		t.Fatalf("get config failed: %v", err)
	}
	if got["api_key"] != "K" {
		t.Fatalf("config = %v", got)
	}

	if err := s.SetActionHandlerUserConfig(ctx, "openai", user, map[string]any{"api_key": "K2", "model": "m"}); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, err = s.GetActionHandlerUserConfig(ctx, "openai", user)
	if err != nil {
		t.Fatalf("get config failed: %v", err)
	}
	if got["api_key"] != "K2" || got["model"] != "m" {
		t.Fatalf("config = %v", got)
	}

	// Per-user isolation.
	other := createTestUser(t, s, "other@example.com")
	otherCfg, err := s.GetActionHandlerUserConfig(ctx, "openai", other)
	if err != nil {
		t.Fatalf("get other config failed: %v", err)
	}
	if len(otherCfg) != 0 {
		t.Fatalf("other config = %v", otherCfg)
	}
}

func TestGetActionUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "u@example.com")
	action := createTestAction(t, s, user)

	got, err := s.GetActionUser(ctx, action.ID)
	if err != nil {
		t.Fatalf("GetActionUser failed: %v", err)
	}
	if got == nil || got.ID != user.ID {
		t.Fatalf("user = %+v", got)
	}

	missing, err := s.GetActionUser(ctx, 404)
	if err != nil {
		t.Fatalf("GetActionUser(404) failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("user = %+v, want nil", missing)
	}
}

func TestCreateActionInThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "u@example.com")
	thread, _ := s.CreateThread(ctx, "t", "", user)

	ta, err := s.CreateActionInThread(ctx, thread.ID, "system", json.RawMessage(`{"type":"html"}`), "q", "raw", user)
	if err != nil {
		t.Fatalf("CreateActionInThread failed: %v", err)
	}
	if ta.DisplayOrder != 1 || ta.Action.IsCompleted {
		t.Fatalf("thread action = %+v", ta)
	}
	if ta.Action.HandlerName != "system" {
		t.Fatalf("handler = %q", ta.Action.HandlerName)
	}

	// A failed dispatch into a foreign thread must not leave an action.
	intruder := createTestUser(t, s, "i@example.com")
	if _, err := s.CreateActionInThread(ctx, thread.ID, "system", json.RawMessage(`{}`), "", "", intruder); !IsNotFound(err) {
		t.Fatalf("err = %v, want ObjectNotFound", err)
	}
	if _, err := s.GetAction(ctx, ta.Action.ID+1, intruder); !IsNotFound(err) {
		t.Fatalf("orphan action persisted after failed dispatch")
	}
}
