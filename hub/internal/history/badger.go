package history

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/amurg-ai/relay/hub/internal/store"
)

const (
	keyPrefix   = "msg/"
	seqKey      = "seq/messages"
	suffixWidth = 19 + 1 + 19 // "%019d/%019d"
)

// BadgerLog is a store.MessageLog kept in a local badger database.
//
// Keys are "msg/{p|g}/{hex(conversation)}/{unix_nanos:019}/{seq:019}" so a
// prefix scan over one conversation is already in (timestamp, seq) order.
// A private conversation is keyed by its two participants in sorted order,
// making both directions share one prefix.
type BadgerLog struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *slog.Logger
}

// OpenBadger opens (or creates) a badger history database at path.
func OpenBadger(path string, logger *slog.Logger) (*BadgerLog, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	l, err := NewBadgerLog(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// NewBadgerLog wraps an already open database. Close closes db.
func NewBadgerLog(db *badger.DB, logger *slog.Logger) (*BadgerLog, error) {
	seq, err := db.GetSequence([]byte(seqKey), 128)
	if err != nil {
		return nil, fmt.Errorf("message sequence: %w", err)
	}
	return &BadgerLog{db: db, seq: seq, logger: logger.With("component", "history.badger")}, nil
}

// Close releases the sequence lease and closes the database.
func (b *BadgerLog) Close() error {
	if err := b.seq.Release(); err != nil {
		b.logger.Warn("release sequence", "error", err)
	}
	return b.db.Close()
}

func conversationPrefix(isGroup bool, from, to string) []byte {
	if isGroup {
		return []byte(keyPrefix + "g/" + hex.EncodeToString([]byte(to)) + "/")
	}
	a, c := from, to
	if c < a {
		a, c = c, a
	}
	// Length-prefixed so that no two participant pairs share a key.
	pair := fmt.Sprintf("%d:%s%s", len(a), a, c)
	return []byte(keyPrefix + "p/" + hex.EncodeToString([]byte(pair)) + "/")
}

func positionKey(prefix []byte, at time.Time, seq int64) []byte {
	return append(append([]byte{}, prefix...), fmt.Sprintf("%019d/%019d", at.UnixNano(), seq)...)
}

// AppendMessage implements store.MessageLog.
func (b *BadgerLog) AppendMessage(ctx context.Context, msg *store.Message) (int64, error) {
	next, err := b.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	seq := int64(next) + 1

	rec := *msg
	rec.Seq = seq
	value, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("encode message: %w", err)
	}

	key := positionKey(conversationPrefix(msg.IsGroup, msg.From, msg.To), msg.CreatedAt, seq)
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	}); err != nil {
		return 0, err
	}
	return seq, nil
}

// ListPrivateMessages implements store.MessageLog.
func (b *BadgerLog) ListPrivateMessages(ctx context.Context, a, c string, q store.MessageQuery) ([]store.Message, error) {
	return b.scan(conversationPrefix(false, a, c), q)
}

// ListGroupMessages implements store.MessageLog.
func (b *BadgerLog) ListGroupMessages(ctx context.Context, group string, q store.MessageQuery) ([]store.Message, error) {
	return b.scan(conversationPrefix(true, "", group), q)
}

// scan walks one conversation backwards from the cursor (or the newest
// message) and returns at most q.Limit messages, newest first.
func (b *BadgerLog) scan(prefix []byte, q store.MessageQuery) ([]store.Message, error) {
	var messages []store.Message
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		var seekKey []byte
		if q.Before == nil {
			seekKey = append(append([]byte{}, prefix...), 0xff)
		} else {
			seekKey = positionKey(prefix, q.Before.At, q.Before.Seq)
		}

		it.Seek(seekKey)
		// Before is exclusive.
		if q.Before != nil && it.ValidForPrefix(prefix) && string(it.Item().Key()) == string(seekKey) {
			it.Next()
		}

		for ; it.ValidForPrefix(prefix); it.Next() {
			if q.Limit > 0 && len(messages) == q.Limit {
				break
			}
			var m store.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			m.CreatedAt = m.CreatedAt.UTC()
			messages = append(messages, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// PurgeOldMessages implements store.MessageLog.
func (b *BadgerLog) PurgeOldMessages(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UnixNano()
	var stale [][]byte

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			if len(key) < suffixWidth {
				continue
			}
			ts, err := strconv.ParseInt(string(key[len(key)-suffixWidth:len(key)-20]), 10, 64)
			if err != nil {
				b.logger.Warn("skip malformed key", "key", string(key), "error", err)
				continue
			}
			if ts < cutoff {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range stale {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return int64(len(stale)), nil
}
