package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/mirostanko/chatpipe/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltStore implements the session and message repositories on a BoltDB backend.
// Sessions live in one bucket keyed by id; each session owns a message bucket with
// sequence keys so insertion order is chronological order. A message-id index maps
// ids back to their bucket position for upserts and deletes.
//
// "Not found" is data here, not an error: lookups return a found flag and reserve
// the error for transport failure. Writes for a given message are serialized by
// BoltDB's single-writer transaction model.
type BoltStore struct {
	db *bolt.DB
}

const (
	sessionsBucket     = "sessions"
	messageIndexBucket = "message-index"
)

type messageRef struct {
	SessionID string `json:"sessionId"`
	Key       uint64 `json:"key"`
}

// NewBoltStore creates a new BoltStore at the specified file path. The database
// file is created with 0600 permissions if it doesn't exist.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(sessionsBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(messageIndexBucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close releases the underlying database file.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

func messageBucketName(sessionID string) []byte {
	return []byte("messages-" + sessionID)
}

func itob(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// Sessions retrieves all stored sessions, most recently active first.
func (b *BoltStore) Sessions(context.Context) ([]models.ChatSession, error) {
	var sessions []models.ChatSession
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).ForEach(func(_, v []byte) error {
			var session models.ChatSession
			if err := json.Unmarshal(v, &session); err != nil {
				return fmt.Errorf("failed to unmarshal session: %w", err)
			}
			sessions = append(sessions, session)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(sessions, func(a, c models.ChatSession) int {
		return c.LastActiveAt.Compare(a.LastActiveAt)
	})
	return sessions, nil
}

// Session retrieves one session by id. A missing session is reported through the
// found flag, not an error.
func (b *BoltStore) Session(_ context.Context, id string) (models.ChatSession, bool, error) {
	var session models.ChatSession
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(sessionsBucket)).Get([]byte(id))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &session); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		found = true
		return nil
	})
	return session, found, err
}

// SaveSession upserts a session record and ensures its message bucket exists.
func (b *BoltStore) SaveSession(_ context.Context, session models.ChatSession) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(messageBucketName(session.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		return tx.Bucket([]byte(sessionsBucket)).Put([]byte(session.ID), v)
	})
}

// DeleteSession removes a session record together with its messages and their
// index entries.
func (b *BoltStore) DeleteSession(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := deleteSessionMessages(tx, id); err != nil {
			return err
		}
		return tx.Bucket([]byte(sessionsBucket)).Delete([]byte(id))
	})
}

// Message retrieves one message by id through the index.
func (b *BoltStore) Message(_ context.Context, id string) (models.Message, bool, error) {
	var message models.Message
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		ref, ok, err := lookupMessageRef(tx, id)
		if err != nil || !ok {
			return err
		}
		mb := tx.Bucket(messageBucketName(ref.SessionID))
		if mb == nil {
			return nil
		}
		v := mb.Get(itob(ref.Key))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &message); err != nil {
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}
		found = true
		return nil
	})
	return message, found, err
}

// SaveMessage upserts a message. New messages are appended with the next sequence
// key; known messages are overwritten in place so streaming appends keep their
// position.
func (b *BoltStore) SaveMessage(_ context.Context, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		mb, err := tx.CreateBucketIfNotExists(messageBucketName(message.SessionID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		ref, ok, err := lookupMessageRef(tx, message.ID)
		if err != nil {
			return err
		}
		if !ok {
			seq, err := mb.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to get next sequence: %w", err)
			}
			ref = messageRef{SessionID: message.SessionID, Key: seq}

			rv, err := json.Marshal(ref)
			if err != nil {
				return fmt.Errorf("failed to marshal message ref: %w", err)
			}
			if err := tx.Bucket([]byte(messageIndexBucket)).Put([]byte(message.ID), rv); err != nil {
				return err
			}
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return mb.Put(itob(ref.Key), v)
	})
}

// MessagesBySession retrieves messages for a session, newest first, honoring the
// query's offset, limit and system-message filter.
func (b *BoltStore) MessagesBySession(
	_ context.Context,
	sessionID string,
	q models.MessageQuery,
) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		mb := tx.Bucket(messageBucketName(sessionID))
		if mb == nil {
			return nil
		}

		skipped := 0
		c := mb.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			if !q.IncludeSystem && message.Role == models.RoleSystem {
				continue
			}
			if skipped < q.Offset {
				skipped++
				continue
			}
			messages = append(messages, message)
			if q.Limit > 0 && len(messages) >= q.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// CountBySession reports the number of messages stored for a session.
func (b *BoltStore) CountBySession(_ context.Context, sessionID string) (int, error) {
	count := 0
	err := b.db.View(func(tx *bolt.Tx) error {
		mb := tx.Bucket(messageBucketName(sessionID))
		if mb == nil {
			return nil
		}
		count = mb.Stats().KeyN
		return nil
	})
	return count, err
}

// DeleteMessage removes one message and its index entry.
func (b *BoltStore) DeleteMessage(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		ref, ok, err := lookupMessageRef(tx, id)
		if err != nil || !ok {
			return err
		}
		if mb := tx.Bucket(messageBucketName(ref.SessionID)); mb != nil {
			if err := mb.Delete(itob(ref.Key)); err != nil {
				return err
			}
		}
		return tx.Bucket([]byte(messageIndexBucket)).Delete([]byte(id))
	})
}

// DeleteMessagesBySession removes every message belonging to a session.
func (b *BoltStore) DeleteMessagesBySession(_ context.Context, sessionID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return deleteSessionMessages(tx, sessionID)
	})
}

func deleteSessionMessages(tx *bolt.Tx, sessionID string) error {
	mb := tx.Bucket(messageBucketName(sessionID))
	if mb == nil {
		return nil
	}

	idx := tx.Bucket([]byte(messageIndexBucket))
	err := mb.ForEach(func(_, v []byte) error {
		var message models.Message
		if err := json.Unmarshal(v, &message); err != nil {
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}
		return idx.Delete([]byte(message.ID))
	})
	if err != nil {
		return err
	}
	return tx.DeleteBucket(messageBucketName(sessionID))
}

func lookupMessageRef(tx *bolt.Tx, id string) (messageRef, bool, error) {
	v := tx.Bucket([]byte(messageIndexBucket)).Get([]byte(id))
	if v == nil {
		return messageRef{}, false, nil
	}
	var ref messageRef
	if err := json.Unmarshal(v, &ref); err != nil {
		return messageRef{}, false, fmt.Errorf("failed to unmarshal message ref: %w", err)
	}
	return ref, true, nil
}
