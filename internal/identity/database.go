package identity

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/receipt-approvals/internal/apperr"
)

const usersBucketName = "users"

// DB defines the persistence operations the registry needs
type DB interface {
	// CreateUser stores a new user, failing if the username is taken
	CreateUser(user *User) error

	// GetUser retrieves a user by username
	GetUser(username string) (*User, error)

	// ListUsers returns all users ordered by username
	ListUsers() ([]*User, error)

	// UpdateUsers loads every user, lets fn mutate them, and stores the users fn returns.
	// Nothing is written if fn fails.
	UpdateUsers(fn func(users map[string]*User) ([]*User, error)) error
}

// userRecord is the stored form of a User; it carries the password hash that User hides
// from JSON responses.
type userRecord struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	Role         Role      `json:"role"`
	Team         []string  `json:"team,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func toRecord(u *User) userRecord {
	return userRecord{
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		Role:         u.Role,
		Team:         u.Team,
		CreatedAt:    u.CreatedAt,
	}
}

func (r userRecord) user() *User {
	team := r.Team
	if team == nil {
		team = []string{}
	}
	return &User{
		Username:     r.Username,
		PasswordHash: r.PasswordHash,
		Role:         r.Role,
		Team:         team,
		CreatedAt:    r.CreatedAt,
	}
}

// BoltDB implements the DB interface on a shared bbolt handle
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates the users bucket on db if needed
func NewBoltDB(db *bbolt.DB) (*BoltDB, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(usersBucketName))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating users bucket: %w", err)
	}
	return &BoltDB{db: db}, nil
}

func putUser(bucket *bbolt.Bucket, user *User) error {
	data, err := json.Marshal(toRecord(user))
	if err != nil {
		return fmt.Errorf("marshaling user: %w", err)
	}
	return bucket.Put([]byte(user.Username), data)
}

// CreateUser stores a new user
func (b *BoltDB) CreateUser(user *User) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(usersBucketName))
		if bucket.Get([]byte(user.Username)) != nil {
			return fmt.Errorf("username %q already exists: %w", user.Username, apperr.ErrInvalidArgument)
		}
		return putUser(bucket, user)
	})
}

// GetUser retrieves a user by username
func (b *BoltDB) GetUser(username string) (*User, error) {
	var record userRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(usersBucketName)).Get([]byte(username))
		if data == nil {
			return fmt.Errorf("user %q: %w", username, apperr.ErrNotFound)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return record.user(), nil
}

// ListUsers returns all users in key order
func (b *BoltDB) ListUsers() ([]*User, error) {
	users := make([]*User, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		users, err = loadUsers(tx.Bucket([]byte(usersBucketName)))
		return err
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

func loadUsers(bucket *bbolt.Bucket) ([]*User, error) {
	users := make([]*User, 0)
	err := bucket.ForEach(func(k, v []byte) error {
		var record userRecord
		if err := json.Unmarshal(v, &record); err != nil {
			return fmt.Errorf("unmarshaling user: %w", err)
		}
		users = append(users, record.user())
		return nil
	})
	return users, err
}

// UpdateUsers runs fn over all users inside a single read-write transaction
func (b *BoltDB) UpdateUsers(fn func(users map[string]*User) ([]*User, error)) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(usersBucketName))
		loaded, err := loadUsers(bucket)
		if err != nil {
			return err
		}
		byName := make(map[string]*User, len(loaded))
		for _, u := range loaded {
			byName[u.Username] = u
		}
		changed, err := fn(byName)
		if err != nil {
			return err
		}
		for _, u := range changed {
			if err := putUser(bucket, u); err != nil {
				return err
			}
		}
		return nil
	})
}

// LookupUser reads username inside a transaction someone else already holds on the shared
// handle, so callers can authorize against the same snapshot they write in.
func LookupUser(tx *bbolt.Tx, username string) (*User, error) {
	bucket := tx.Bucket([]byte(usersBucketName))
	if bucket == nil {
		return nil, fmt.Errorf("user %q: %w", username, apperr.ErrNotFound)
	}
	data := bucket.Get([]byte(username))
	if data == nil {
		return nil, fmt.Errorf("user %q: %w", username, apperr.ErrNotFound)
	}
	var record userRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("unmarshaling user: %w", err)
	}
	return record.user(), nil
}
