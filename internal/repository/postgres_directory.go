package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/prohmpiriya/featured-placement/internal/domain"
	"github.com/prohmpiriya/featured-placement/pkg/database"
)

// PostgresDirectory reads the marketplace's listings and payment_accounts tables
type PostgresDirectory struct {
	db *database.PostgresDB
}

// NewPostgresDirectory creates a new PostgreSQL directory repository
func NewPostgresDirectory(db *database.PostgresDB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (r *PostgresDirectory) GetListing(ctx context.Context, listingID string) (*domain.Listing, error) {
	var (
		l     domain.Listing
		title *string
	)
	err := r.db.Pool().QueryRow(ctx,
		`SELECT id, owner_id, area, title FROM listings WHERE id = $1`, listingID,
	).Scan(&l.ID, &l.OwnerID, &l.Area, &title)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrListingNotFound
		}
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	l.Title = derefString(title)
	return &l, nil
}

func (r *PostgresDirectory) GetPaymentAccount(ctx context.Context, userID string) (*domain.PaymentAccount, error) {
	var a domain.PaymentAccount
	err := r.db.Pool().QueryRow(ctx,
		`SELECT user_id, stripe_customer_id FROM payment_accounts WHERE user_id = $1`, userID,
	).Scan(&a.UserID, &a.StripeCustomerID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get payment account: %w", err)
	}
	if a.StripeCustomerID == "" {
		return nil, nil
	}
	return &a, nil
}
