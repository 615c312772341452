package cache

import (
	"slices"
	"strings"
	"time"
)

// Policy groups the per-category rules of the cache.
type Policy struct {
	// TTLs maps a category to its maximum age. Missing or zero means no expiry.
	TTLs map[string]time.Duration

	// Mirrored categories are copied to the backup store on write.
	Mirrored []string

	// UserScoped categories are removed by ClearUserScoped.
	UserScoped []string

	// UserScopedPrefixes are logical key prefixes removed by ClearUserScoped.
	UserScopedPrefixes []string

	// Preserved categories survive ClearAll.
	Preserved []string
}

// DefaultPolicy returns the storefront defaults.
func DefaultPolicy() Policy {
	return Policy{
		TTLs: map[string]time.Duration{
			CategoryProducts:    30 * time.Minute,
			CategoryBanners:     60 * time.Minute,
			CategoryCategories:  24 * time.Hour,
			CategoryGuestSlides: 60 * time.Minute,
		},
		Mirrored: []string{CategoryGuestSlides, CategoryBanners},
		UserScoped: []string{
			CategoryUserProfile,
			CategoryWalletBalance,
			CategoryCart,
			CategoryAuthUser,
		},
		UserScopedPrefixes: []string{CategoryOrders + "_"},
		Preserved:          []string{CategoryCategories},
	}
}

// TTL returns the maximum age for a category.
func (p Policy) TTL(category string) time.Duration {
	return p.TTLs[category]
}

// WithTTL returns a copy of the policy with one TTL overridden.
func (p Policy) WithTTL(category string, ttl time.Duration) Policy {
	ttls := make(map[string]time.Duration, len(p.TTLs)+1)
	for k, v := range p.TTLs {
		ttls[k] = v
	}
	ttls[category] = ttl
	p.TTLs = ttls
	return p
}

func (p Policy) isMirrored(category string) bool {
	return slices.Contains(p.Mirrored, category)
}

func (p Policy) isPreserved(category string) bool {
	return slices.Contains(p.Preserved, category)
}

func (p Policy) isUserScoped(k Key) bool {
	if slices.Contains(p.UserScoped, k.Category) {
		return true
	}
	logical := k.String()
	for _, prefix := range p.UserScopedPrefixes {
		if strings.HasPrefix(logical, prefix) {
			return true
		}
	}
	return false
}
