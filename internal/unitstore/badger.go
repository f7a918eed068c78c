package unitstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v3"
	"github.com/rs/zerolog"
)

const keyPrefix = "u:"

// Badger is a Store persisted in a badger database.
type Badger struct {
	db     *badger.DB
	logger zerolog.Logger
}

// OpenBadger opens (or creates) a badger-backed store in dir.
func OpenBadger(dir string, logger zerolog.Logger) (*Badger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create unit dir: %w", err)
	}

	logger = logger.With().Str("component", "unitstore").Logger()
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{logger: logger}).
		WithMemTableSize(16 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	logger.Info().Str("dir", dir).Msg("Opened unit store")
	return &Badger{db: db, logger: logger}, nil
}

// unitPrefix hex-encodes the data id so ids containing the separator cannot
// collide with one another.
func unitPrefix(dataID string) []byte {
	return []byte(keyPrefix + hex.EncodeToString([]byte(dataID)) + ":")
}

func unitKeyBytes(dataID string, index int) []byte {
	return append(unitPrefix(dataID), []byte(fmt.Sprintf("%08d", index))...)
}

func (b *Badger) Put(ctx context.Context, dataID string, index int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dataID == "" || index < 0 {
		return fmt.Errorf("%w %q/%d", ErrInvalidKey, dataID, index)
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(unitKeyBytes(dataID, index), append([]byte{}, data...))
	})
	if err != nil {
		return fmt.Errorf("put unit %s/%d: %w", dataID, index, err)
	}
	return nil
}

func (b *Badger) Get(ctx context.Context, dataID string, index int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(unitKeyBytes(dataID, index))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, dataID, index)
	}
	if err != nil {
		return nil, fmt.Errorf("get unit %s/%d: %w", dataID, index, err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (b *Badger) Delete(ctx context.Context, dataID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	prefix := unitPrefix(dataID)
	var keys [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("list units of %s: %w", dataID, err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete units of %s: %w", dataID, err)
	}
	return len(keys), nil
}

func (b *Badger) Usage(ctx context.Context) (int, int64, error) {
	units := 0
	var total int64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			units++
			total += it.Item().ValueSize()
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("read unit store usage: %w", err)
	}
	return units, total, nil
}

func (b *Badger) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}

// badgerLogger routes badger's printf-style logging into zerolog.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
