package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/receipt-approvals/internal/apperr"
	"github.com/zombor/receipt-approvals/internal/identity"
)

const (
	bucketName        = "receipts"
	uploadsBucketName = "uploads"
)

// ProcessedAtLayout is fixed width so that bbolt's byte ordering of keys is chronological.
const ProcessedAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB defines the interface for database operations
type DB interface {
	// CreateReceipt stores a new receipt. ProcessedAt is advanced until it is unique for the owner.
	CreateReceipt(receipt *Receipt) error

	// GetReceipt retrieves a receipt by identity
	GetReceipt(key Key) (*Receipt, error)

	// ListReceipts returns all receipts ordered by owner, then processed_at
	ListReceipts() ([]*Receipt, error)

	// ListReceiptsByOwner returns one owner's receipts ordered by processed_at
	ListReceiptsByOwner(owner string) ([]*Receipt, error)

	// UpdateReceipt applies fn to the stored receipt inside one write transaction. Nothing is
	// written if fn returns an error.
	UpdateReceipt(key Key, fn func(receipt *Receipt) error) (*Receipt, error)

	// UpdateReceiptAs is UpdateReceipt with actor's current user record read in the same
	// transaction. fn gets a nil user when actor no longer exists.
	UpdateReceiptAs(key Key, actor string, fn func(actor *identity.User, receipt *Receipt) error) (*Receipt, error)
}

// UploadIndex remembers who uploaded each stored image
type UploadIndex interface {
	// RecordUpload notes that owner uploaded ref
	RecordUpload(ref, owner string) error

	// Uploader returns the username that uploaded ref
	Uploader(ref string) (string, error)

	// DeleteUpload forgets ref; unknown refs are ignored
	DeleteUpload(ref string) error
}

// BoltDB implements the DB and UploadIndex interfaces using BoltDB. Each owner gets a nested bucket keyed by
// processed_at.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates the receipts and uploads buckets on db if needed
func NewBoltDB(db *bbolt.DB) (*BoltDB, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(uploadsBucketName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &BoltDB{db: db}, nil
}

func putReceipt(bucket *bbolt.Bucket, receipt *Receipt) error {
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("marshaling receipt: %w", err)
	}
	return bucket.Put([]byte(receipt.ProcessedAt), data)
}

func notFound(key Key) error {
	return fmt.Errorf("receipt %s/%s: %w", key.Owner, key.ProcessedAt, apperr.ErrNotFound)
}

// CreateReceipt saves a new receipt to the database
func (b *BoltDB) CreateReceipt(receipt *Receipt) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		owners := tx.Bucket([]byte(bucketName))
		bucket, err := owners.CreateBucketIfNotExists([]byte(receipt.Owner))
		if err != nil {
			return fmt.Errorf("creating owner bucket: %w", err)
		}

		at, err := time.Parse(ProcessedAtLayout, receipt.ProcessedAt)
		if err != nil {
			return fmt.Errorf("parsing processed_at: %w", err)
		}
		for bucket.Get([]byte(receipt.ProcessedAt)) != nil {
			at = at.Add(time.Nanosecond)
			receipt.ProcessedAt = at.Format(ProcessedAtLayout)
		}
		return putReceipt(bucket, receipt)
	})
}

// GetReceipt retrieves a receipt by identity
func (b *BoltDB) GetReceipt(key Key) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName)).Bucket([]byte(key.Owner))
		if bucket == nil {
			return notFound(key)
		}
		data := bucket.Get([]byte(key.ProcessedAt))
		if data == nil {
			return notFound(key)
		}
		return json.Unmarshal(data, &receipt)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func appendOwner(receipts []*Receipt, bucket *bbolt.Bucket) ([]*Receipt, error) {
	err := bucket.ForEach(func(k, v []byte) error {
		var receipt Receipt
		if err := json.Unmarshal(v, &receipt); err != nil {
			return fmt.Errorf("unmarshaling receipt: %w", err)
		}
		receipts = append(receipts, &receipt)
		return nil
	})
	return receipts, err
}

// ListReceipts returns all receipts
func (b *BoltDB) ListReceipts() ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		owners := tx.Bucket([]byte(bucketName))
		return owners.ForEach(func(owner, v []byte) error {
			// Only nested buckets live at this level; they report a nil value.
			if v != nil {
				return nil
			}
			var err error
			receipts, err = appendOwner(receipts, owners.Bucket(owner))
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// ListReceiptsByOwner returns the receipts of a single owner
func (b *BoltDB) ListReceiptsByOwner(owner string) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName)).Bucket([]byte(owner))
		if bucket == nil {
			return nil
		}
		var err error
		receipts, err = appendOwner(receipts, bucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// UpdateReceipt reads, mutates and writes a receipt in one transaction. bbolt allows a
// single writer at a time, so fn always sees the latest committed state.
func (b *BoltDB) UpdateReceipt(key Key, fn func(receipt *Receipt) error) (*Receipt, error) {
	var updated *Receipt
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var err error
		updated, err = updateInTx(tx, key, fn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateReceiptAs resolves actor from the users bucket of the same handle before running fn
func (b *BoltDB) UpdateReceiptAs(key Key, actor string, fn func(actor *identity.User, receipt *Receipt) error) (*Receipt, error) {
	var updated *Receipt
	err := b.db.Update(func(tx *bbolt.Tx) error {
		current, err := identity.LookupUser(tx, actor)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		updated, err = updateInTx(tx, key, func(r *Receipt) error {
			return fn(current, r)
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func updateInTx(tx *bbolt.Tx, key Key, fn func(receipt *Receipt) error) (*Receipt, error) {
	bucket := tx.Bucket([]byte(bucketName)).Bucket([]byte(key.Owner))
	if bucket == nil {
		return nil, notFound(key)
	}
	data := bucket.Get([]byte(key.ProcessedAt))
	if data == nil {
		return nil, notFound(key)
	}
	var updated Receipt
	if err := json.Unmarshal(data, &updated); err != nil {
		return nil, fmt.Errorf("unmarshaling receipt: %w", err)
	}
	if err := fn(&updated); err != nil {
		return nil, err
	}
	// Identity is fixed regardless of what fn did.
	updated.Owner = key.Owner
	updated.ProcessedAt = key.ProcessedAt
	if err := putReceipt(bucket, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// RecordUpload stores the uploader of an image
func (b *BoltDB) RecordUpload(ref, owner string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(uploadsBucketName)).Put([]byte(ref), []byte(owner))
	})
}

// Uploader looks up the uploader of an image
func (b *BoltDB) Uploader(ref string) (string, error) {
	var owner string
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(uploadsBucketName)).Get([]byte(ref))
		if data == nil {
			return fmt.Errorf("image %q: %w", ref, apperr.ErrNotFound)
		}
		owner = string(data)
		return nil
	})
	return owner, err
}

// DeleteUpload removes the uploader record of an image
func (b *BoltDB) DeleteUpload(ref string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(uploadsBucketName)).Delete([]byte(ref))
	})
}
