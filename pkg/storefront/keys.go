package storefront

import "github.com/illmade-knight/go-querysync/pkg/querykey"

// Resource classes used in query keys. Staleness windows are configured per class.
const (
	ResourceProducts   = "products"
	ResourceProduct    = "product"
	ResourceCategories = "categories"
	ResourceOrders     = "orders"
	ResourceOrder      = "order"
	ResourceStats      = "stats"
)

// ProductsKey identifies a product listing. An empty category lists everything.
func ProductsKey(category string) querykey.Key {
	if category == "" {
		return querykey.New(ResourceProducts)
	}
	return querykey.New(ResourceProducts).WithParams(map[string]any{"category": category})
}

func ProductKey(id string) querykey.Key { return querykey.New(ResourceProduct, id) }

func CategoriesKey() querykey.Key { return querykey.New(ResourceCategories) }

// UserOrdersKey identifies one user's order history. Invalidating
// querykey.HasPrefix("orders", "user", uid) covers it.
func UserOrdersKey(uid string) querykey.Key { return querykey.New(ResourceOrders, "user", uid) }

func OrderKey(id string) querykey.Key { return querykey.New(ResourceOrder, id) }

func StatsKey() querykey.Key { return querykey.New(ResourceStats) }
