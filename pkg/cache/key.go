package cache

import "strings"

// Cache categories used by the storefront.
const (
	CategoryProducts      = "productsData"
	CategoryBanners       = "bannersData"
	CategoryCategories    = "categoriesData"
	CategoryGuestSlides   = "guestSlides"
	CategoryOrders        = "userOrders"
	CategoryWalletBalance = "walletBalance"
	CategoryUserProfile   = "userProfile"
	CategoryCart          = "cartItems"
	CategoryAuthUser      = "authUser"
)

// Key identifies a cached payload by category and optional identifier.
type Key struct {
	// Category selects the TTL and clear policy (e.g. "productsData").
	Category string

	// ID narrows the category (e.g. a category slug or user id). Optional.
	ID string
}

// String returns the logical key.
//
// Example:
//
//	Key{Category: "productsData", ID: "standard_websites"} => productsData_standard_websites
func (k Key) String() string {
	if k.ID == "" {
		return k.Category
	}
	return k.Category + "_" + k.ID
}

// ParseKey is the inverse of Key.String. The category ends at the first underscore.
func ParseKey(s string) Key {
	category, id, _ := strings.Cut(s, "_")
	return Key{Category: category, ID: id}
}
