// Package catalog holds the read-only merchandise catalog. It is initialized
// once at process start and shared by reference across sessions.
package catalog

import "strings"

// Product is one catalog entry. Products are immutable values.
type Product struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Price       float64           `json:"price"`
	Currency    string            `json:"currency"`
	Category    string            `json:"category"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Catalog is a fixed product list with simple filtering.
type Catalog struct {
	products []Product
	byID     map[string]Product
}

func New(products []Product) *Catalog {
	byID := make(map[string]Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	return &Catalog{products: products, byID: byID}
}

// Default returns the built-in merchandise catalog.
func Default() *Catalog {
	return New([]Product{
		{
			ID:          "mug-001",
			Name:        "Stoneware Coffee Mug",
			Description: "A durable, hand-crafted stoneware mug, perfect for your morning brew.",
			Price:       800,
			Currency:    "INR",
			Category:    "mug",
			Attributes:  map[string]string{"color": "white", "capacity": "350ml"},
		},
		{
			ID:          "mug-002",
			Name:        "Travel Tumbler",
			Description: "Insulated stainless steel tumbler to keep your drinks hot or cold.",
			Price:       1200,
			Currency:    "INR",
			Category:    "mug",
			Attributes:  map[string]string{"color": "black", "capacity": "500ml"},
		},
		{
			ID:          "tee-001",
			Name:        "Classic Cotton T-Shirt",
			Description: "Soft, breathable 100% cotton t-shirt for everyday wear.",
			Price:       600,
			Currency:    "INR",
			Category:    "clothing",
			Attributes:  map[string]string{"color": "navy", "size": "M"},
		},
		{
			ID:          "hoodie-001",
			Name:        "Cozy Fleece Hoodie",
			Description: "Warm and comfortable fleece hoodie with a kangaroo pocket.",
			Price:       2500,
			Currency:    "INR",
			Category:    "clothing",
			Attributes:  map[string]string{"color": "grey", "size": "L"},
		},
		{
			ID:          "hoodie-002",
			Name:        "Zip-Up Hoodie",
			Description: "Versatile zip-up hoodie, great for layering.",
			Price:       2800,
			Currency:    "INR",
			Category:    "clothing",
			Attributes:  map[string]string{"color": "black", "size": "M"},
		},
	})
}

// Get looks a product up by id.
func (c *Catalog) Get(id string) (Product, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// Filter returns products matching all the given constraints. Empty query and
// category and a non-positive maxPrice match everything.
func (c *Catalog) Filter(query, category string, maxPrice float64) []Product {
	query = strings.ToLower(strings.TrimSpace(query))
	category = strings.ToLower(strings.TrimSpace(category))

	var out []Product
	for _, p := range c.products {
		if category != "" && !strings.Contains(strings.ToLower(p.Category), category) {
			continue
		}
		if maxPrice > 0 && p.Price > maxPrice {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(p.Name), query) &&
			!strings.Contains(strings.ToLower(p.Description), query) {
			continue
		}
		out = append(out, p)
	}
	return out
}
