package domain

// Listing is the subset of a marketplace listing the queue needs
type Listing struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Area    string `json:"area"`
	Title   string `json:"title,omitempty"`
}

// PaymentAccount binds a user to a processor customer
type PaymentAccount struct {
	UserID           string `json:"user_id"`
	StripeCustomerID string `json:"stripe_customer_id"`
}
