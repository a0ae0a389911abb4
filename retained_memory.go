package nestmq

import (
	"sync"
)

// MemoryRetainedStore is the in-memory implementation of RetainedStore.
type MemoryRetainedStore struct {
	mu       sync.RWMutex
	messages map[string]*RetainedMessage
}

// NewMemoryRetainedStore creates an empty in-memory retained store.
func NewMemoryRetainedStore() *MemoryRetainedStore {
	return &MemoryRetainedStore{
		messages: make(map[string]*RetainedMessage),
	}
}

// Set stores or replaces the retained message for its topic. An empty
// payload deletes the entry.
func (s *MemoryRetainedStore) Set(msg *RetainedMessage) error {
	if err := ValidateTopicName(msg.Topic); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(msg.Payload) == 0 {
		delete(s.messages, msg.Topic)
		return nil
	}

	s.messages[msg.Topic] = msg
	return nil
}

// Get retrieves the retained message for an exact topic. Expired
// entries are evicted on read.
func (s *MemoryRetainedStore) Get(topic string) (*RetainedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[topic]
	if !ok {
		return nil, false
	}
	if msg.IsExpired() {
		delete(s.messages, topic)
		return nil, false
	}
	return msg, true
}

// Delete removes the entry for a topic.
func (s *MemoryRetainedStore) Delete(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[topic]; !ok {
		return false
	}
	delete(s.messages, topic)
	return true
}

// Match returns all retained messages matching a topic filter.
// Expired entries are excluded and purged.
func (s *MemoryRetainedStore) Match(filter string) []*RetainedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*RetainedMessage
	var expired []string
	for topic, msg := range s.messages {
		if msg.IsExpired() {
			expired = append(expired, topic)
			continue
		}
		if TopicMatch(filter, topic) {
			matched = append(matched, msg)
		}
	}

	for _, topic := range expired {
		delete(s.messages, topic)
	}

	return matched
}

// Clear removes all retained messages.
func (s *MemoryRetainedStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[string]*RetainedMessage)
}

// Count returns the number of retained messages.
func (s *MemoryRetainedStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Topics returns all topics holding a retained message.
func (s *MemoryRetainedStore) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topics := make([]string, 0, len(s.messages))
	for topic := range s.messages {
		topics = append(topics, topic)
	}
	return topics
}

// Cleanup removes all expired retained messages and returns how many
// were removed. Intended for a periodic background sweep.
func (s *MemoryRetainedStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for topic, msg := range s.messages {
		if msg.IsExpired() {
			expired = append(expired, topic)
		}
	}

	for _, topic := range expired {
		delete(s.messages, topic)
	}

	return len(expired)
}
