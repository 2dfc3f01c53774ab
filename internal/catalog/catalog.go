// Package catalog provides read-only access to the product catalog.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"gorm.io/gorm"

	"github.com/lokalhq/lokal/internal/models"
)

// Product is a catalog entry as seen by the matcher.
type Product struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category"`
	Brand       string   `json:"brand,omitempty"`
	Price       float64  `json:"price"`
	Keywords    []string `json:"keywords,omitempty"`
	Rating      float64  `json:"rating"`
	URL         string   `json:"url,omitempty"`
}

// Catalog lists products. Implementations return products ordered by ID.
type Catalog interface {
	All(ctx context.Context) ([]Product, error)
}

// Static is an in-memory catalog.
type Static []Product

// All returns a sorted copy of the products.
func (s Static) All(context.Context) ([]Product, error) {
	out := make([]Product, len(s))
	copy(out, s)
	sortByID(out)
	return out, nil
}

// FileCatalog reads products from a JSON array file. The file is read once
// and memoized.
type FileCatalog struct {
	Path string

	once     sync.Once
	products []Product
	err      error
}

// NewFileCatalog returns a catalog backed by the JSON file at path.
func NewFileCatalog(path string) *FileCatalog {
	return &FileCatalog{Path: path}
}

// All loads the file on first use.
func (f *FileCatalog) All(context.Context) ([]Product, error) {
	f.once.Do(func() {
		f.products, f.err = LoadFile(f.Path)
	})
	if f.err != nil {
		return nil, f.err
	}
	out := make([]Product, len(f.products))
	copy(out, f.products)
	return out, nil
}

// LoadFile parses a JSON array of products.
func LoadFile(path string) ([]Product, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var products []Product
	if err := json.Unmarshal(data, &products); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	for i, p := range products {
		if p.ID == "" {
			return nil, fmt.Errorf("catalog: product %d has no id", i)
		}
	}
	sortByID(products)
	return products, nil
}

// DBCatalog reads products from the products table.
type DBCatalog struct {
	db *gorm.DB
}

// NewDBCatalog returns a catalog backed by db.
func NewDBCatalog(db *gorm.DB) *DBCatalog {
	return &DBCatalog{db: db}
}

// All loads every product row.
func (c *DBCatalog) All(ctx context.Context) ([]Product, error) {
	var rows []models.Product
	if err := c.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("catalog: list products: %w", err)
	}
	out := make([]Product, 0, len(rows))
	for _, r := range rows {
		p, err := FromModel(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// FromModel converts a database row.
func FromModel(r models.Product) (Product, error) {
	p := Product{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Category:    r.Category,
		Brand:       r.Brand,
		Price:       r.Price,
		Rating:      r.Rating,
		URL:         r.URL,
	}
	if len(r.Keywords) > 0 {
		if err := json.Unmarshal(r.Keywords, &p.Keywords); err != nil {
			return Product{}, fmt.Errorf("catalog: product %s keywords: %w", r.ID, err)
		}
	}
	return p, nil
}

// ToModel converts a product for storage.
func ToModel(p Product) (models.Product, error) {
	kw, err := json.Marshal(p.Keywords)
	if err != nil {
		return models.Product{}, fmt.Errorf("catalog: product %s keywords: %w", p.ID, err)
	}
	return models.Product{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		Category:    p.Category,
		Brand:       p.Brand,
		Price:       p.Price,
		Rating:      p.Rating,
		URL:         p.URL,
		Keywords:    kw,
	}, nil
}

func sortByID(ps []Product) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
}
