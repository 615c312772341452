package storefront

import (
	"net/url"
	"strings"
)

// Endpoints are the backend paths, relative to the client base URL. Paths
// containing {slug}, {user} or {id} are expanded per call.
type Endpoints struct {
	Categories    string `toml:"categories"`
	Products      string `toml:"products"`
	ProductDetail string `toml:"product_detail"`
	Banners       string `toml:"banners"`
	GuestSlides   string `toml:"guest_slides"`
	Orders        string `toml:"orders"`
	Wallet        string `toml:"wallet"`
	Profile       string `toml:"profile"`
	Logout        string `toml:"logout"`
}

// DefaultEndpoints returns the backend's standard routes.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Categories:    "/categories",
		Products:      "/products/category/{slug}",
		ProductDetail: "/products/{id}",
		Banners:       "/banners",
		GuestSlides:   "/slides/guest",
		Orders:        "/orders/user/{user}",
		Wallet:        "/wallet/balance",
		Profile:       "/users/profile",
		Logout:        "/auth/logout",
	}
}

func expand(path, name, value string) string {
	return strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(value))
}
