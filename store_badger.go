package nestmq

import (
	"errors"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	badgerSessionPrefix  = "session/"
	badgerRetainedPrefix = "retained/"
)

// BadgerStore is a badger-backed database shared by the persistent
// session and retained stores. One store per broker process.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) the database at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Sessions returns the persistent SessionStore backed by this database.
func (s *BadgerStore) Sessions() *BadgerSessionStore {
	return &BadgerSessionStore{db: s.db}
}

// Retained returns the persistent RetainedStore backed by this
// database.
func (s *BadgerStore) Retained() *BadgerRetainedStore {
	return &BadgerRetainedStore{db: s.db}
}

// sessionRecord is the msgpack shape of a persisted session.
type sessionRecord struct {
	ClientID       string             `msgpack:"client_id"`
	Subscriptions  []Subscription     `msgpack:"subscriptions"`
	Inflight       []*InflightMessage `msgpack:"inflight"`
	Queue          []*Message         `msgpack:"queue"`
	ExpiryInterval uint32             `msgpack:"expiry_interval"`
	Deadline       time.Time          `msgpack:"deadline"`
	CreatedAt      time.Time          `msgpack:"created_at"`
}

func sessionToRecord(session Session) *sessionRecord {
	rec := &sessionRecord{
		ClientID:       session.ClientID(),
		Subscriptions:  session.Subscriptions(),
		ExpiryInterval: session.ExpiryInterval(),
		Deadline:       session.Deadline(),
		CreatedAt:      session.CreatedAt(),
	}
	rec.Inflight = append(rec.Inflight, session.Inflight(DirectionOutbound)...)
	rec.Inflight = append(rec.Inflight, session.Inflight(DirectionInbound)...)
	return rec
}

func recordToSession(rec *sessionRecord) *MemorySession {
	session := NewMemorySession(rec.ClientID)
	session.createdAt = rec.CreatedAt
	session.expiryInterval = rec.ExpiryInterval
	session.deadline = rec.Deadline
	for _, sub := range rec.Subscriptions {
		session.AddSubscription(sub)
	}
	for _, inflight := range rec.Inflight {
		session.PutInflight(inflight)
	}
	session.queue = append(session.queue, rec.Queue...)
	return session
}

// BadgerSessionStore persists sessions to badger. Reads hydrate a
// fresh in-memory session; writes serialize the full session state so
// in-flight flows and queued messages survive restarts.
type BadgerSessionStore struct {
	db *badger.DB
}

// NewBadgerSessionStore wraps an already open database.
func NewBadgerSessionStore(db *badger.DB) *BadgerSessionStore {
	return &BadgerSessionStore{db: db}
}

func sessionKey(clientID string) []byte {
	return []byte(badgerSessionPrefix + clientID)
}

func (s *BadgerSessionStore) Create(session Session) error {
	key := sessionKey(session.ClientID())
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return ErrSessionExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return s.put(txn, key, session)
	})
}

func (s *BadgerSessionStore) Get(clientID string) (Session, error) {
	var rec sessionRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(clientID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return recordToSession(&rec), nil
}

func (s *BadgerSessionStore) Update(session Session) error {
	key := sessionKey(session.ClientID())
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrSessionNotFound
		} else if err != nil {
			return err
		}
		return s.put(txn, key, session)
	})
}

func (s *BadgerSessionStore) put(txn *badger.Txn, key []byte, session Session) error {
	data, err := msgpack.Marshal(sessionToRecord(session))
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return txn.Set(key, data)
}

func (s *BadgerSessionStore) Delete(clientID string) error {
	key := sessionKey(clientID)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrSessionNotFound
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

func (s *BadgerSessionStore) List() []Session {
	var sessions []Session
	_ = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(badgerSessionPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec sessionRecord
			err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &rec)
			})
			if err != nil {
				continue
			}
			sessions = append(sessions, recordToSession(&rec))
		}
		return nil
	})
	return sessions
}

func (s *BadgerSessionStore) ExpireSweep(now time.Time) []string {
	var expired []string
	_ = s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(badgerSessionPrefix)
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec sessionRecord
			err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &rec)
			})
			if err != nil {
				continue
			}
			if !rec.Deadline.IsZero() && now.After(rec.Deadline) {
				expired = append(expired, rec.ClientID)
				keys = append(keys, it.Item().KeyCopy(nil))
			}
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	return expired
}

// BadgerRetainedStore persists retained messages to badger, one entry
// per topic. Expired entries are evicted lazily on read, same as the
// in-memory store.
type BadgerRetainedStore struct {
	db *badger.DB
}

// NewBadgerRetainedStore wraps an already open database.
func NewBadgerRetainedStore(db *badger.DB) *BadgerRetainedStore {
	return &BadgerRetainedStore{db: db}
}

func retainedKey(topic string) []byte {
	return []byte(badgerRetainedPrefix + topic)
}

func (s *BadgerRetainedStore) Set(msg *RetainedMessage) error {
	if len(msg.Payload) == 0 {
		s.Delete(msg.Topic)
		return nil
	}
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode retained: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(retainedKey(msg.Topic), data)
	})
}

func (s *BadgerRetainedStore) Get(topic string) (*RetainedMessage, bool) {
	var msg RetainedMessage
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(retainedKey(topic))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &msg)
		})
	})
	if err != nil {
		return nil, false
	}
	if msg.IsExpired() {
		s.Delete(topic)
		return nil, false
	}
	return &msg, true
}

func (s *BadgerRetainedStore) Delete(topic string) bool {
	deleted := false
	_ = s.db.Update(func(txn *badger.Txn) error {
		key := retainedKey(topic)
		if _, err := txn.Get(key); err != nil {
			return err
		}
		deleted = true
		return txn.Delete(key)
	})
	return deleted
}

func (s *BadgerRetainedStore) Match(filter string) []*RetainedMessage {
	var matched []*RetainedMessage
	_ = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(badgerRetainedPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			topic := strings.TrimPrefix(string(it.Item().Key()), badgerRetainedPrefix)
			if !TopicMatch(filter, topic) {
				continue
			}
			var msg RetainedMessage
			err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &msg)
			})
			if err != nil || msg.IsExpired() {
				continue
			}
			matched = append(matched, &msg)
		}
		return nil
	})
	return matched
}

func (s *BadgerRetainedStore) Clear() {
	_ = s.db.DropPrefix([]byte(badgerRetainedPrefix))
}

func (s *BadgerRetainedStore) Count() int {
	count := 0
	_ = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(badgerRetainedPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count
}

func (s *BadgerRetainedStore) Topics() []string {
	var topics []string
	_ = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(badgerRetainedPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			topics = append(topics, strings.TrimPrefix(string(it.Item().Key()), badgerRetainedPrefix))
		}
		return nil
	})
	return topics
}
