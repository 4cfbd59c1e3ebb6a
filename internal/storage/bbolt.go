package storage

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"privchat/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers    = []byte("users")
	bucketMessages = []byte("messages")
	bucketTokens   = []byte("tokens")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketMessages, bucketTokens} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func put(b *bbolt.Bucket, item Storeable) error {
	data, err := item.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	return b.Put(item.Key(), data)
}

// UpsertUser stores a new user or updates the profile of an existing one.
func (s *BboltStorage) UpsertUser(user models.User) error {
	if user.ID == "" {
		return errors.New("user missing id")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)

		dbUser := &DBUser{Created: s.now().Unix()}
		if data := b.Get([]byte(user.ID)); data != nil {
			if err := dbUser.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("failed to unmarshal user %s: %w", user.ID, err)
			}
		}
		dbUser.ID = user.ID
		dbUser.UserName = user.ID
		dbUser.DisplayName = user.DisplayName
		dbUser.AvatarURL = user.AvatarURL
		dbUser.Bio = user.Bio

		return put(b, dbUser)
	})
}

// GetUser returns models.ErrNotFound for unknown ids.
func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = dbUser.toModel()
		return nil
	})
	return user, err
}

// ListUsers returns all users ordered by id.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, dbUser.toModel())
			return nil
		})
	})
	return users, err
}

func (u *DBUser) toModel() models.User {
	name := u.DisplayName
	if name == "" {
		name = u.UserName
	}
	return models.User{
		ID:          u.ID,
		DisplayName: name,
		AvatarURL:   u.AvatarURL,
		Bio:         u.Bio,
	}
}

// AppendMessage stores a private message in the bucket of its conversation and
// returns it with the assigned sequence number. The timestamp is truncated to
// the stored millisecond precision so the returned copy matches later reads.
func (s *BboltStorage) AppendMessage(msg models.Message) (models.Message, error) {
	if msg.SenderID == "" || msg.RecipientID == "" {
		return models.Message{}, errors.New("message missing participants")
	}
	if msg.ID == "" {
		return models.Message{}, errors.New("message missing id")
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		key := models.ConversationKey(msg.SenderID, msg.RecipientID)
		chatBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return fmt.Errorf("failed to create chat bucket: %w", err)
		}

		seq, err := chatBucket.NextSequence()
		if err != nil {
			return err
		}

		dbMessage := &DBMessage{
			Seq:         int64(seq),
			ID:          msg.ID,
			Timestamp:   msg.CreatedAt.UnixMilli(),
			SenderID:    msg.SenderID,
			RecipientID: msg.RecipientID,
			Content:     msg.Content,
		}
		if err := put(chatBucket, dbMessage); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		msg = dbMessage.toModel()
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// ListMessages returns up to limit most recent messages exchanged by u1 and
// u2, oldest first. A non-positive limit returns the whole conversation.
func (s *BboltStorage) ListMessages(u1, u2 string, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(models.ConversationKey(u1, u2)))
		if chatBucket == nil {
			return nil // No messages for this conversation
		}

		c := chatBucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(messages) == limit {
				break
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.toModel())
		}
		return nil
	})
	slices.Reverse(messages)
	return messages, err
}

func (m *DBMessage) toModel() models.Message {
	return models.Message{
		ID:          m.ID,
		Seq:         m.Seq,
		Content:     m.Content,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		CreatedAt:   time.UnixMilli(m.Timestamp).UTC(),
	}
}

func (s *BboltStorage) UpsertToken(token DBToken) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketTokens), &token)
	})
}

func (s *BboltStorage) DeleteToken(hash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete([]byte(hash))
	})
}

func (s *BboltStorage) ListTokens() ([]DBToken, error) {
	var tokens []DBToken
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).ForEach(func(k, v []byte) error {
			var dbToken DBToken
			if err := dbToken.UnmarshalBinary(v); err != nil {
				return err
			}
			tokens = append(tokens, dbToken)
			return nil
		})
	})
	return tokens, err
}
