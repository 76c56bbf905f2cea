package fleet

import (
	"sync"

	"github.com/botshelf/botshelf/nav"
)

// cursorStore keeps per-chat navigation cursors for one bot session.
// Cursors are ephemeral by design; restarting a session resets everyone
// to the root menu.
type cursorStore struct {
	mu     sync.RWMutex
	byChat map[int64]nav.Cursor
}

func newCursorStore() *cursorStore {
	return &cursorStore{byChat: make(map[int64]nav.Cursor)}
}

// Get returns the chat's cursor, or the root cursor if none exists.
func (s *cursorStore) Get(chatID int64) nav.Cursor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cur, ok := s.byChat[chatID]; ok {
		return cur
	}
	return nav.Root()
}

// Set stores the chat's cursor.
func (s *cursorStore) Set(chatID int64, cur nav.Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byChat[chatID] = cur
}

// Clear removes the chat's cursor.
func (s *cursorStore) Clear(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byChat, chatID)
}

// Len returns the number of tracked chats.
func (s *cursorStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byChat)
}
