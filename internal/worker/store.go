package worker

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antonkrylov/streambridge/internal/chatpb"
)

const (
	DefaultConversation = "default"
	DefaultHistoryLimit = 100
)

// Store keeps conversation history in memory.
type Store struct {
	mu            sync.RWMutex
	conversations map[string][]chatpb.Message
	now           func() time.Time
}

func NewStore() *Store {
	return &Store{
		conversations: make(map[string][]chatpb.Message),
		now:           time.Now,
	}
}

// Append fills in id, conversation, sender and timestamp when absent and
// stores the message.
func (s *Store) Append(m chatpb.Message) chatpb.Message {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.ConversationID == "" {
		m.ConversationID = DefaultConversation
	}
	if m.Sender == "" {
		m.Sender = "user"
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = s.now().UnixMilli()
	}
	m.Attachments = append([]string(nil), m.Attachments...)

	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append(s.conversations[m.ConversationID], m)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt < msgs[j].CreatedAt })
	s.conversations[m.ConversationID] = msgs
	return m
}

// History returns up to limit messages starting at offset, oldest first.
// A non-positive limit means DefaultHistoryLimit.
func (s *Store) History(conversationID string, limit, offset int) []chatpb.Message {
	if conversationID == "" {
		conversationID = DefaultConversation
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.conversations[conversationID]
	if offset >= len(msgs) {
		return []chatpb.Message{}
	}
	end := offset + limit
	if end > len(msgs) {
		end = len(msgs)
	}
	out := make([]chatpb.Message, end-offset)
	copy(out, msgs[offset:end])
	return out
}
