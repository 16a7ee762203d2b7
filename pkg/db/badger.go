package db

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/dgraph-io/badger/options"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fundlane/fundlane/pkg/model"
)

const versionKey = "version"

type Badger struct {
	db *badger.DB
}

var _ Storage = (*Badger)(nil)

func NewBadger(config *Config) (*Badger, error) {
	var (
		dir = config.Dir
	)

	log.Infof("opening database %q", dir)

	// Make sure database directory exists
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "could not mkdir database dir")
	}

	opts := badger.DefaultOptions(dir).
		WithLogger(log.StandardLogger()).
		WithTruncate(true)

	if config.Badger != nil {
		opts.Truncate = config.Badger.Truncate
		if config.Badger.FileIO {
			opts.ValueLogLoadingMode = options.FileIO
		}
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	storage := &Badger{db: db}

	if err := db.Update(func(txn *badger.Txn) error {
		err := storage.setObj(txn, storage.getKey(versionKey), CurrentVersion, false, 0)
		if err != nil && err != model.ErrAlreadyExists {
			return err
		}
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "failed to write database version")
	}

	return storage, nil
}

func (b *Badger) Close() error {
	log.Debug("closing database")
	return b.db.Close()
}

func (b *Badger) Version() (int, error) {
	var (
		version = -1
	)

	err := b.db.View(func(txn *badger.Txn) error {
		return b.getObj(txn, b.getKey(versionKey), &version)
	})

	return version, err
}

func (b *Badger) Create(_ context.Context, key string, obj interface{}, ttl time.Duration) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return b.setObj(txn, b.getKey(key), obj, false, ttl)
	})
}

func (b *Badger) Put(_ context.Context, key string, obj interface{}, ttl time.Duration) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return b.setObj(txn, b.getKey(key), obj, true, ttl)
	})
}

func (b *Badger) Get(_ context.Context, key string, out interface{}) error {
	return b.db.View(func(txn *badger.Txn) error {
		return b.getObj(txn, b.getKey(key), out)
	})
}

func (b *Badger) Delete(_ context.Context, key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.getKey(key))
	})
}

func (b *Badger) Walk(_ context.Context, prefix string, cb func(key string, data []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.getKey(prefix)
		opts.PrefetchValues = true
		return b.iterator(txn, opts, func(item *badger.Item) error {
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			return cb(b.trimKey(item.Key()), data)
		})
	})
}

func (b *Badger) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	var (
		count   int64
		fullKey = b.getKey(key)
	)

	err := b.db.Update(func(txn *badger.Txn) error {
		if err := b.getObj(txn, fullKey, &count); err != nil && err != model.ErrNotFound {
			return err
		}

		count++
		return b.setObj(txn, fullKey, count, true, ttl)
	})

	if err != nil {
		return 0, err
	}

	return count, nil
}

func (b *Badger) iterator(txn *badger.Txn, opts badger.IteratorOptions, callback func(item *badger.Item) error) error {
	iter := txn.NewIterator(opts)
	defer iter.Close()

	for iter.Rewind(); iter.Valid(); iter.Next() {
		item := iter.Item()

		if err := callback(item); err != nil {
			return err
		}
	}

	return nil
}

func (b *Badger) getKey(key string) []byte {
	return []byte(fmt.Sprintf("fundlane/v%d/%s", CurrentVersion, key))
}

func (b *Badger) trimKey(fullKey []byte) string {
	return strings.TrimPrefix(string(fullKey), fmt.Sprintf("fundlane/v%d/", CurrentVersion))
}

func (b *Badger) setObj(txn *badger.Txn, key []byte, obj interface{}, overwrite bool, ttl time.Duration) error {
	if !overwrite {
		// Overwrites are not allowed, make sure there is no object with the given key
		_, err := txn.Get(key)
		if err == nil {
			return model.ErrAlreadyExists
		} else if err != badger.ErrKeyNotFound {
			return errors.Wrap(err, "failed to check whether key exists")
		}
	}

	data, err := b.marshalObj(obj)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize object for key %q", key)
	}

	entry := badger.NewEntry(key, data)
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}

	return txn.SetEntry(entry)
}

func (b *Badger) getObj(txn *badger.Txn, key []byte, out interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return model.ErrNotFound
		}

		return err
	}

	return b.unmarshalObj(item, out)
}

func (b *Badger) marshalObj(obj interface{}) ([]byte, error) {
	return json.Marshal(obj)
}

func (b *Badger) unmarshalObj(item *badger.Item, out interface{}) error {
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}
