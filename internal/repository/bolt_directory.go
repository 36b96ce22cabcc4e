package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/prohmpiriya/featured-placement/internal/domain"
)

var (
	bucketListings        = []byte("listings")
	bucketPaymentAccounts = []byte("payment_accounts")
)

// BoltDirectory serves listing and payment account lookups from the bolt file.
// Rows are seeded with PutListing and PutPaymentAccount.
type BoltDirectory struct {
	db *bbolt.DB
}

// NewBoltDirectory shares the database opened by OpenBoltStore
func NewBoltDirectory(db *bbolt.DB) *BoltDirectory {
	return &BoltDirectory{db: db}
}

func (d *BoltDirectory) put(bucket []byte, key string, v interface{}) error {
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), val)
	})
}

func (d *BoltDirectory) get(bucket []byte, key string, v interface{}) (bool, error) {
	found := false
	err := d.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucket).Get([]byte(key))
		if val == nil {
			return nil
		}
		found = true
		return json.Unmarshal(val, v)
	})
	return found, err
}

// PutListing upserts a listing
func (d *BoltDirectory) PutListing(ctx context.Context, l *domain.Listing) error {
	if l.ID == "" || l.Area == "" {
		return fmt.Errorf("listing id and area are required")
	}
	return d.put(bucketListings, l.ID, l)
}

// PutPaymentAccount upserts a payment account
func (d *BoltDirectory) PutPaymentAccount(ctx context.Context, a *domain.PaymentAccount) error {
	if a.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	return d.put(bucketPaymentAccounts, a.UserID, a)
}

func (d *BoltDirectory) GetListing(ctx context.Context, listingID string) (*domain.Listing, error) {
	var l domain.Listing
	found, err := d.get(bucketListings, listingID, &l)
	if err != nil {
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	if !found {
		return nil, domain.ErrListingNotFound
	}
	return &l, nil
}

func (d *BoltDirectory) GetPaymentAccount(ctx context.Context, userID string) (*domain.PaymentAccount, error) {
	var a domain.PaymentAccount
	found, err := d.get(bucketPaymentAccounts, userID, &a)
	if err != nil {
		return nil, fmt.Errorf("failed to get payment account: %w", err)
	}
	if !found || a.StripeCustomerID == "" {
		return nil, nil
	}
	return &a, nil
}
