package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"

	"github.com/dgraph-io/badger/v4"
)

const userKeyPrefix = "user/"

// BadgerStore keeps user records in an embedded badger database. It is the
// default backend and needs nothing beyond a writable data directory.
type BadgerStore struct {
	db *badger.DB
}

func OpenBadger(dataDir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path.Join(dataDir, "dvoting-users"))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func userKey(sciper int) []byte {
	return []byte(userKeyPrefix + strconv.Itoa(sciper))
}

func (s *BadgerStore) Get(ctx context.Context, sciper int) (User, error) {
	var user User
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(sciper))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &user)
		})
	})
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *BadgerStore) Put(ctx context.Context, user User) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(userKey(user.Sciper), raw)
	})
}

func (s *BadgerStore) Delete(ctx context.Context, sciper int) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(userKey(sciper))
	})
}

func (s *BadgerStore) ListPrivileged(ctx context.Context) ([]User, error) {
	users := []User{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(userKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var user User
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &user)
			})
			if err != nil {
				return err
			}
			if user.Role.Privileged() {
				users = append(users, user)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Sciper < users[j].Sciper })
	return users, nil
}
