package chatstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"chatrelay-backend/internal/domain"
)

var (
	chatAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_chat_appends_total",
		Help: "Total number of message appends by direction",
	}, []string{"direction"})

	chatDuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_chat_duplicates_dropped_total",
		Help: "Total number of appends dropped as redeliveries",
	})

	chatPersistFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_chat_persist_failures_total",
		Help: "Total number of durable writes that failed after the cache was updated",
	})
)

// Persistence is the durable backend behind the store. The postgres
// repository implements it; tests use in-memory fakes.
type Persistence interface {
	Upsert(ctx context.Context, chat *domain.Chat) error
}

// Store is the single source of truth for conversations. All mutation
// goes through Append/ClearUnread/SetUnread/SetName, each of which runs
// inside a per-conversation critical section so concurrent inbound and
// outbound traffic for the same address cannot race to divergent records.
//
// The durable write happens after the in-memory update and its failure
// does not roll the cache back; clients reconcile on the next full
// snapshot. See DESIGN.md for the trade-off.
type Store struct {
	log     *zap.Logger
	persist Persistence

	mu    sync.RWMutex
	chats domain.ChatStore
	locks map[string]*sync.Mutex
}

// NewStore creates a store over an initial snapshot, typically the result
// of ChatRepository.Load. persist may be nil for ephemeral deployments.
func NewStore(initial domain.ChatStore, persist Persistence, log *zap.Logger) *Store {
	if initial == nil {
		initial = make(domain.ChatStore)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		log:     log,
		persist: persist,
		chats:   initial,
		locks:   make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing updates to one conversation.
func (s *Store) lockFor(address string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[address]
	if !ok {
		l = &sync.Mutex{}
		s.locks[address] = l
	}
	return l
}

// Get returns a snapshot of one conversation, or nil when unknown.
func (s *Store) Get(address string) *domain.Chat {
	s.mu.RLock()
	chat, ok := s.chats[address]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	// Snapshots are taken under the conversation lock so a concurrent
	// append cannot be observed half-applied.
	lock := s.lockFor(address)
	lock.Lock()
	defer lock.Unlock()
	return chat.Clone()
}

// ListAll returns a snapshot of every conversation, used for the initial
// client sync and the GET /chats endpoint.
func (s *Store) ListAll() domain.ChatStore {
	s.mu.RLock()
	addresses := make([]string, 0, len(s.chats))
	for address := range s.chats {
		addresses = append(addresses, address)
	}
	s.mu.RUnlock()

	out := make(domain.ChatStore, len(addresses))
	for _, address := range addresses {
		if chat := s.Get(address); chat != nil {
			out[address] = chat
		}
	}
	return out
}

// HasMessage reports whether the conversation already holds a message
// with the given id. Callers use it to skip expensive work, such as a
// media upload, before replaying a delivery through Append.
func (s *Store) HasMessage(address, id string) bool {
	if id == "" {
		return false
	}
	s.mu.RLock()
	chat, ok := s.chats[address]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	lock := s.lockFor(address)
	lock.Lock()
	defer lock.Unlock()
	for i := range chat.Messages {
		if chat.Messages[i].ID == id {
			return true
		}
	}
	return false
}

// Append records a message under its owning conversation and returns the
// post-append snapshot. The conversation is created lazily with a
// display name derived from the address. Redeliveries (by message id, or
// by body/direction/timestamp within the tolerance window) are no-ops
// returning the existing snapshot with appended=false.
//
// A non-nil error means the durable write failed; the returned snapshot
// is still the updated in-memory state.
func (s *Store) Append(ctx context.Context, msg *domain.ChatMessage) (chat *domain.Chat, appended bool, err error) {
	address := msg.From
	if msg.FromMe {
		address = msg.To
	}
	if address == "" {
		return nil, false, fmt.Errorf("message %q has no owning address", msg.ID)
	}

	lock := s.lockFor(address)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	record, ok := s.chats[address]
	if !ok {
		record = &domain.Chat{
			ID:          fmt.Sprintf("chat_%d", time.Now().UnixNano()),
			PhoneNumber: address,
			Name:        domain.DisplayName(address),
			Messages:    []domain.ChatMessage{},
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}
		s.chats[address] = record
	}
	s.mu.Unlock()

	for i := range record.Messages {
		if record.Messages[i].SameDelivery(msg) {
			chatDuplicatesTotal.Inc()
			return record.Clone(), false, nil
		}
	}

	record.Messages = append(record.Messages, *msg)
	record.LastMessage = &record.Messages[len(record.Messages)-1]
	record.Timestamp = msg.Timestamp
	if !msg.FromMe {
		record.UnreadCount++
	}

	direction := "inbound"
	if msg.FromMe {
		direction = "outbound"
	}
	chatAppendsTotal.WithLabelValues(direction).Inc()

	snapshot := record.Clone()
	if err := s.upsert(ctx, record); err != nil {
		return snapshot, true, err
	}
	return snapshot, true, nil
}

// ClearUnread resets the unread counter, issued when the operator selects
// the conversation or marks it read. Unknown addresses are a no-op.
func (s *Store) ClearUnread(ctx context.Context, address string) (*domain.Chat, error) {
	return s.setUnread(ctx, address, 0)
}

// SetUnread forces the unread counter to a specific value. The counter
// never exceeds the number of stored messages; larger values are clamped.
func (s *Store) SetUnread(ctx context.Context, address string, count int) (*domain.Chat, error) {
	if count < 0 {
		return nil, fmt.Errorf("unread count must be non-negative, got %d", count)
	}
	return s.setUnread(ctx, address, count)
}

func (s *Store) setUnread(ctx context.Context, address string, count int) (*domain.Chat, error) {
	lock := s.lockFor(address)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	chat, ok := s.chats[address]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	if count > len(chat.Messages) {
		count = len(chat.Messages)
	}
	chat.UnreadCount = count

	snapshot := chat.Clone()
	if err := s.upsert(ctx, chat); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// SetName updates the mutable display name of a conversation.
func (s *Store) SetName(ctx context.Context, address, name string) (*domain.Chat, error) {
	lock := s.lockFor(address)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	chat, ok := s.chats[address]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	chat.Name = name

	snapshot := chat.Clone()
	if err := s.upsert(ctx, chat); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// Flush persists every conversation, used during graceful shutdown.
func (s *Store) Flush(ctx context.Context) error {
	var firstErr error
	for _, chat := range s.ListAll() {
		if err := s.upsert(ctx, chat); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) upsert(ctx context.Context, chat *domain.Chat) error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist.Upsert(ctx, chat); err != nil {
		chatPersistFailuresTotal.Inc()
		s.log.Error("durable chat write failed, cache retained",
			zap.String("address", chat.PhoneNumber),
			zap.Error(err))
		return fmt.Errorf("failed to persist chat %s: %w", chat.PhoneNumber, err)
	}
	return nil
}
