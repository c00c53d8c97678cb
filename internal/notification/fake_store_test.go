package notification

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/notifyhub/pkg/event"
)

// memStore はテスト用のインメモリStore。
type memStore struct {
	mu            sync.Mutex
	notifications map[string]*Notification
	states        map[string]*ReadState
	order         []string
	failCreate    error
	createCalls   int
}

func newMemStore() *memStore {
	return &memStore{
		notifications: make(map[string]*Notification),
		states:        make(map[string]*ReadState),
	}
}

func stateKey(notificationID, userID string) string {
	return notificationID + "\x00" + userID
}

func (s *memStore) Create(_ context.Context, n *Notification) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.createCalls++
	if s.failCreate != nil {
		return "", s.failCreate
	}
	cp := *n
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	s.notifications[cp.ID] = &cp
	return cp.ID, nil
}

func (s *memStore) Get(_ context.Context, id string) (*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *memStore) UpsertReadState(_ context.Context, notificationID, userID string, at time.Time) (*ReadState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stateKey(notificationID, userID)
	if rs, ok := s.states[key]; ok {
		cp := *rs
		return &cp, nil
	}
	rs := &ReadState{NotificationID: notificationID, UserID: userID, CreatedAt: at}
	s.states[key] = rs
	s.order = append(s.order, key)
	cp := *rs
	return &cp, nil
}

func (s *memStore) SetRead(_ context.Context, notificationID, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.states[stateKey(notificationID, userID)]
	if !ok || rs.DeletedAt != nil {
		return false, nil
	}
	if !rs.IsRead {
		rs.IsRead = true
		rs.ReadAt = &at
	}
	return true, nil
}

func (s *memStore) SetAllRead(_ context.Context, userID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, rs := range s.states {
		if rs.UserID != userID || rs.IsRead || rs.DeletedAt != nil {
			continue
		}
		rs.IsRead = true
		rs.ReadAt = &at
		n++
	}
	return n, nil
}

func (s *memStore) SoftDelete(_ context.Context, notificationID, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.states[stateKey(notificationID, userID)]
	if !ok || rs.DeletedAt != nil {
		return false, nil
	}
	rs.DeletedAt = &at
	return true, nil
}

func (s *memStore) List(_ context.Context, userID string, offset, limit int) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []Item
	for _, key := range s.order {
		rs := s.states[key]
		if rs.UserID != userID || rs.DeletedAt != nil {
			continue
		}
		n := s.notifications[rs.NotificationID]
		items = append(items, Item{
			Notification: *n,
			IsRead:       rs.IsRead,
			ReadAt:       rs.ReadAt,
			ReceivedAt:   rs.CreatedAt,
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if offset >= len(items) {
		return []Item{}, nil
	}
	end := min(offset+limit, len(items))
	return items[offset:end], nil
}

func (s *memStore) AggregateStats(_ context.Context, userID string) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := NewStats()
	for _, rs := range s.states {
		if rs.UserID != userID || rs.DeletedAt != nil {
			continue
		}
		n := s.notifications[rs.NotificationID]
		stats.Add(n.Category, n.Priority, rs.IsRead, 1)
	}
	return stats, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notifications)
}

// recordingPublisher は送信されたイベントを記録するEventPublisher。
type recordingPublisher struct {
	mu     sync.Mutex
	events []*event.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e *event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []event.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]event.Type, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.EventType)
	}
	return types
}

// stepClock は呼ばれるたびに1秒進む時計。
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

var errStoreDown = errors.New("ストアに接続できません")
