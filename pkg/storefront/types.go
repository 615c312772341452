package storefront

import "time"

// Category is a product category.
type Category struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`
}

// Product is a catalog entry.
type Product struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Slug         string   `json:"slug,omitempty"`
	CategorySlug string   `json:"categorySlug,omitempty"`
	Description  string   `json:"description,omitempty"`
	Price        float64  `json:"price"`
	Currency     string   `json:"currency,omitempty"`
	ImageURL     string   `json:"imageUrl,omitempty"`
	Features     []string `json:"features,omitempty"`
}

// Banner is a promotional banner.
type Banner struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Subtitle string `json:"subtitle,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
	Link     string `json:"link,omitempty"`
	Position int    `json:"position,omitempty"`
}

// Slide is a promotional slide shown to guests.
type Slide struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
	CTALabel    string `json:"ctaLabel,omitempty"`
	CTALink     string `json:"ctaLink,omitempty"`
}

// OrderItem is one line of an order.
type OrderItem struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
}

// Order is a placed order.
type Order struct {
	ID        string      `json:"id"`
	UserID    string      `json:"userId"`
	Status    string      `json:"status"`
	Total     float64     `json:"total"`
	Items     []OrderItem `json:"items,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Wallet is the user's prepaid balance.
type Wallet struct {
	Balance  float64 `json:"balance"`
	Currency string  `json:"currency,omitempty"`
}

// Profile is the signed-in user's profile.
type Profile struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}
