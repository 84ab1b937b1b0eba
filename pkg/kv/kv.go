// Package kv keeps the latest message seen for each identifier, with an
// optional TTL and LRU eviction by payload bytes.
package kv

import (
	"container/list"
	"sync"
	"time"

	"github.com/ryandielhenn/zephyrbus/pkg/message"
)

type entry struct {
	msg      message.Message
	expireAt time.Time
}

func (e *entry) size() int {
	return len(e.msg.Identifier) + len(e.msg.Payload)
}

// Store is a minimal in-memory latest-value cache with TTL and LRU eviction
// by bytes capacity.
type Store struct {
	mu   sync.Mutex
	data map[string]*list.Element
	ll   *list.List
	used int
	cap  int
	ttl  time.Duration
}

// NewStore returns a store holding at most capacityBytes of identifiers and
// payloads. Entries expire ttl after they are written; 0 disables expiry.
func NewStore(capacityBytes int, ttl time.Duration) *Store {
	return &Store{
		data: make(map[string]*list.Element),
		ll:   list.New(),
		cap:  capacityBytes,
		ttl:  ttl,
	}
}

// Put records m as the latest value for its identifier unless a message
// with a higher sequence is already stored. It reports whether m was kept.
func (s *Store) Put(m message.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exp time.Time
	if s.ttl > 0 {
		exp = time.Now().Add(s.ttl)
	}

	if el, ok := s.data[m.Identifier]; ok {
		old := el.Value.(*entry)
		if m.Sequence != 0 && m.Sequence <= old.msg.Sequence && !s.expired(old) {
			return false
		}
		s.used -= old.size()
		old.msg = m.Clone()
		old.expireAt = exp
		s.used += old.size()
		s.ll.MoveToFront(el)
	} else {
		e := &entry{msg: m.Clone(), expireAt: exp}
		el := s.ll.PushFront(e)
		s.data[m.Identifier] = el
		s.used += e.size()
	}
	s.evictIfNeeded()
	return true
}

// Observe is Put without the result, for use as a bus handle processor.
func (s *Store) Observe(m message.Message) {
	s.Put(m)
}

func (s *Store) Get(identifier string) (message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.data[identifier]; ok {
		e := el.Value.(*entry)
		if s.expired(e) {
			s.removeElement(el)
			return message.Message{}, false
		}
		s.ll.MoveToFront(el)
		return e.msg.Clone(), true
	}
	return message.Message{}, false
}

func (s *Store) Delete(identifier string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.data[identifier]; ok {
		s.removeElement(el)
		return true
	}
	return false
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *Store) expired(e *entry) bool {
	return !e.expireAt.IsZero() && time.Now().After(e.expireAt)
}

func (s *Store) evictIfNeeded() {
	for s.used > s.cap && s.ll.Back() != nil {
		s.removeElement(s.ll.Back())
	}
}

func (s *Store) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(s.data, e.msg.Identifier)
	s.used -= e.size()
	s.ll.Remove(el)
}
