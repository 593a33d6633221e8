package session

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/danmuck/iso-relayer/internal/protocol/iso8583"
	bolt "go.etcd.io/bbolt"
)

var reversalBucket = []byte("reversals")

// BoltStore keeps the reversal outbox in a bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the store at path. bbolt holds an
// exclusive file lock, so a second relay on the same path fails here.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("reversal store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(reversalBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("reversal store %s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

// storedReversal is the on-disk form. Field values keep their raw bytes.
type storedReversal struct {
	EndpointID    string            `json:"endpoint_id"`
	MTI           string            `json:"mti"`
	Fields        map[string][]byte `json:"fields"`
	Attempts      int               `json:"attempts"`
	QueuedAt      time.Time         `json:"queued_at"`
	LastAttemptAt time.Time         `json:"last_attempt_at"`
	NextAttemptAt time.Time         `json:"next_attempt_at"`
	LastError     string            `json:"last_error,omitempty"`
}

func (s *BoltStore) Put(item PendingReversal) error {
	rec := storedReversal{
		EndpointID:    item.EndpointID,
		Fields:        make(map[string][]byte),
		Attempts:      item.Attempts,
		QueuedAt:      item.QueuedAt,
		LastAttemptAt: item.LastAttemptAt,
		NextAttemptAt: item.NextAttemptAt,
		LastError:     item.LastError,
	}
	if item.Message != nil {
		rec.MTI = item.Message.MTI.String()
		for _, n := range item.Message.Fields() {
			v, _ := item.Message.GetBytes(n)
			rec.Fields[strconv.Itoa(n)] = v
		}
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(reversalBucket).Put([]byte(item.Key), buf)
	})
}

func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(reversalBucket).Delete([]byte(key))
	})
}

func (s *BoltStore) Load() ([]PendingReversal, error) {
	var out []PendingReversal
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(reversalBucket).ForEach(func(k, v []byte) error {
			var rec storedReversal
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("reversal %s: %w", k, err)
			}
			msg := iso8583.NewMessage(iso8583.MTI(rec.MTI))
			for field, value := range rec.Fields {
				n, err := strconv.Atoi(field)
				if err != nil {
					return fmt.Errorf("reversal %s: field %q: %w", k, field, err)
				}
				msg.SetBytes(n, value)
			}
			out = append(out, PendingReversal{
				Key:           string(k),
				EndpointID:    rec.EndpointID,
				Message:       msg,
				Attempts:      rec.Attempts,
				QueuedAt:      rec.QueuedAt,
				LastAttemptAt: rec.LastAttemptAt,
				NextAttemptAt: rec.NextAttemptAt,
				LastError:     rec.LastError,
			})
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
