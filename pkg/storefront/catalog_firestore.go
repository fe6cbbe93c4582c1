package storefront

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-querysync/pkg/fetcherr"
	"github.com/illmade-knight/go-querysync/pkg/source"
	"github.com/shopspring/decimal"
)

// Firestore collections of the catalog mirror.
const (
	ProductsCollection   = "products"
	CategoriesCollection = "categories"
)

// productDoc is the Firestore shape of a product. Prices are stored as decimal
// strings since Firestore has no decimal type.
type productDoc struct {
	ID       string `firestore:"id"`
	Name     string `firestore:"name"`
	Category string `firestore:"category"`
	Price    string `firestore:"price"`
	ImageURL string `firestore:"imageUrl"`
	Stock    int    `firestore:"stock"`
}

type categoryDoc struct {
	ID   string `firestore:"id"`
	Name string `firestore:"name"`
}

func (d productDoc) product() (Product, error) {
	price, err := decimal.NewFromString(d.Price)
	if err != nil {
		return Product{}, fetcherr.Decode(fmt.Errorf("product %s price %q: %w", d.ID, d.Price, err))
	}
	return Product{ID: d.ID, Name: d.Name, Category: d.Category, Price: price, ImageURL: d.ImageURL, Stock: d.Stock}, nil
}

func newProductDoc(p Product) productDoc {
	return productDoc{ID: p.ID, Name: p.Name, Category: p.Category, Price: p.Price.String(), ImageURL: p.ImageURL, Stock: p.Stock}
}

// FirestoreCatalog serves catalog reads from a Firestore mirror.
type FirestoreCatalog struct {
	products   *source.FirestoreSource
	categories *source.FirestoreSource
}

// NewFirestoreCatalog uses the products and categories collections reachable
// through src.
func NewFirestoreCatalog(src *source.FirestoreSource) *FirestoreCatalog {
	return &FirestoreCatalog{
		products:   src.In(ProductsCollection),
		categories: src.In(CategoriesCollection),
	}
}

func (c *FirestoreCatalog) GetProducts(ctx context.Context, category string) ([]Product, error) {
	var filters []source.Filter
	if category != "" {
		filters = append(filters, source.Filter{Path: "category", Op: "==", Value: category})
	}
	docs, err := source.Collection[productDoc](c.products, filters...)(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Product, 0, len(docs))
	for _, d := range docs {
		p, err := d.product()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *FirestoreCatalog) GetProduct(ctx context.Context, id string) (Product, error) {
	doc, err := source.Document[productDoc](c.products, id)(ctx)
	if err != nil {
		return Product{}, err
	}
	return doc.product()
}

func (c *FirestoreCatalog) GetCategories(ctx context.Context) ([]Category, error) {
	docs, err := source.Collection[categoryDoc](c.categories)(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Category, len(docs))
	for i, d := range docs {
		out[i] = Category(d)
	}
	return out, nil
}

// PutProduct writes p to the mirror.
func (c *FirestoreCatalog) PutProduct(ctx context.Context, p Product) error {
	return c.products.Put(ctx, p.ID, newProductDoc(p))
}

// PutCategory writes cat to the mirror.
func (c *FirestoreCatalog) PutCategory(ctx context.Context, cat Category) error {
	return c.categories.Put(ctx, cat.ID, categoryDoc(cat))
}
