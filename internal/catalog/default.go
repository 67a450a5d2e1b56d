package catalog

import "github.com/shopspring/decimal"

func v(name string, price int64) Variant {
	return Variant{Name: name, Price: decimal.NewFromInt(price)}
}

// Default returns the built-in store catalog.
func Default() *Catalog {
	return &Catalog{Categories: []Category{
		{Name: "Cosmetics", Types: []ProductType{
			{Name: "Bath Soap", Variants: []Variant{v("Dove Bath Soap", 45), v("Lux Bath Soap", 35), v("Pears Bath Soap", 50), v("Santoor Bath Soap", 30)}},
			{Name: "Face Cream", Variants: []Variant{v("Nivea Face Cream", 120), v("Ponds Face Cream", 90), v("Olay Face Cream", 150)}},
			{Name: "Face Wash", Variants: []Variant{v("Clean & Clear Face Wash", 85), v("Himalaya Face Wash", 70), v("Neutrogena Face Wash", 110)}},
			{Name: "Hair Oil", Variants: []Variant{v("Parachute Hair Oil", 80), v("Dabur Amla Hair Oil", 95), v("Bajaj Almond Hair Oil", 110)}},
		}},
		{Name: "Groceries", Types: []ProductType{
			{Name: "Rice", Variants: []Variant{v("Basmati Rice", 80), v("Brown Rice", 95), v("Jasmine Rice", 85)}},
			{Name: "Dal", Variants: []Variant{v("Toor Dal", 120), v("Moong Dal", 110), v("Masoor Dal", 100)}},
			{Name: "Oil", Variants: []Variant{v("Sunflower Oil", 180), v("Olive Oil", 350), v("Mustard Oil", 160)}},
			{Name: "Flour", Variants: []Variant{v("Wheat Flour", 45), v("Besan Flour", 60), v("Rice Flour", 50)}},
		}},
		{Name: "Drinks", Types: []ProductType{
			{Name: "Energy Drinks", Variants: []Variant{v("Red Bull", 110), v("Monster", 120), v("Sting", 85)}},
			{Name: "Soft Drinks", Variants: []Variant{v("Coca Cola", 40), v("Pepsi", 40), v("Sprite", 38), v("Fanta", 38)}},
			{Name: "Juices", Variants: []Variant{v("Real Fruit Juice", 95), v("Tropicana", 90), v("Minute Maid", 85)}},
		}},
	}}
}
