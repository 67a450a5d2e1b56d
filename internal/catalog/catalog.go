// Package catalog provides the product tree (category, product type,
// variant) and the price table derived from it.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-billing/internal/pricing"
)

// Variant is a sellable product.
type Variant struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// ProductType groups variants such as "Rice" or "Soft Drinks".
type ProductType struct {
	Name     string    `json:"name"`
	Variants []Variant `json:"variants"`
}

// Category is the top level of the tree.
type Category struct {
	Name  string        `json:"name"`
	Types []ProductType `json:"types"`
}

// Catalog is an ordered product tree.
type Catalog struct {
	Categories []Category `json:"categories"`
}

// Load reads a catalog from a JSON file and validates it.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var c Catalog
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadOrDefault loads path when set, otherwise returns the built-in catalog.
func LoadOrDefault(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	return Load(path)
}

// Validate rejects empty names, negative prices and variant names that
// appear more than once, since the price table is keyed by variant name.
func (c *Catalog) Validate() error {
	if c == nil || len(c.Categories) == 0 {
		return errors.New("catalog: no categories")
	}
	seen := map[string]string{}
	for _, cat := range c.Categories {
		if strings.TrimSpace(cat.Name) == "" {
			return errors.New("catalog: category without a name")
		}
		for _, pt := range cat.Types {
			for _, v := range pt.Variants {
				if strings.TrimSpace(v.Name) == "" {
					return fmt.Errorf("catalog: unnamed variant under %s/%s", cat.Name, pt.Name)
				}
				if v.Price.IsNegative() {
					return fmt.Errorf("catalog: %s has a negative price", v.Name)
				}
				if prev, dup := seen[v.Name]; dup {
					return fmt.Errorf("catalog: %s listed under both %s and %s", v.Name, prev, cat.Name)
				}
				seen[v.Name] = cat.Name
			}
		}
	}
	return nil
}

// PriceTable returns variant name to unit price.
func (c *Catalog) PriceTable() pricing.PriceTable {
	out := pricing.PriceTable{}
	c.each(func(cat Category, _ ProductType, v Variant) { out[v.Name] = v.Price })
	return out
}

// CategoryIndex returns variant name to category name.
func (c *Catalog) CategoryIndex() map[string]string {
	out := map[string]string{}
	c.each(func(cat Category, _ ProductType, v Variant) { out[v.Name] = cat.Name })
	return out
}

// Products returns every variant name in sorted order.
func (c *Catalog) Products() []string {
	var out []string
	c.each(func(_ Category, _ ProductType, v Variant) { out = append(out, v.Name) })
	sort.Strings(out)
	return out
}

// Lookup finds a variant and its category by name.
func (c *Catalog) Lookup(name string) (Variant, string, bool) {
	for _, cat := range c.Categories {
		for _, pt := range cat.Types {
			for _, v := range pt.Variants {
				if v.Name == name {
					return v, cat.Name, true
				}
			}
		}
	}
	return Variant{}, "", false
}

func (c *Catalog) each(fn func(Category, ProductType, Variant)) {
	if c == nil {
		return
	}
	for _, cat := range c.Categories {
		for _, pt := range cat.Types {
			for _, v := range pt.Variants {
				fn(cat, pt, v)
			}
		}
	}
}
