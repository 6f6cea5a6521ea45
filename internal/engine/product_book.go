package engine

// ProductBook holds trading pair configuration, keyed by product id.
type ProductBook struct {
	products map[string]*Product
}

func NewProductBook() *ProductBook {
	return &ProductBook{products: make(map[string]*Product)}
}

// PutProduct upserts a product and records the new state in the batch.
func (pb *ProductBook) PutProduct(product *Product, batch *Batch) {
	pb.products[product.ID] = product
	batch.AddProduct(product.Clone())
}

// Add inserts a restored product. Recovery only.
func (pb *ProductBook) Add(product *Product) {
	pb.products[product.ID] = product
}

func (pb *ProductBook) Get(productID string) *Product {
	return pb.products[productID]
}
