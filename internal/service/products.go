package service

import (
	"context"

	"github.com/robertarktes/stock-holds-and-orders/internal/observability"
	"github.com/shopspring/decimal"
)

// ProductView is the cached read model served to product lookups. The
// available stock in it is advisory; hold creation always recomputes from
// the source rows under lock.
type ProductView struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	Price          decimal.Decimal `json:"price"`
	AvailableStock int             `json:"available_stock"`
}

type ProductCache interface {
	Cache
	GetProduct(ctx context.Context, id int64) (*ProductView, error)
	SetProduct(ctx context.Context, view ProductView) error
}

type ProductService struct {
	repo   LedgerRepository
	ledger *Ledger
	cache  ProductCache
	logger observability.Logger
}

func NewProductService(repo LedgerRepository, ledger *Ledger, cache ProductCache, logger observability.Logger) *ProductService {
	return &ProductService{repo: repo, ledger: ledger, cache: cache, logger: logger}
}

// GetProduct serves a read-through cached view of the product.
func (s *ProductService) GetProduct(ctx context.Context, id int64) (ProductView, error) {
	if cached, err := s.cache.GetProduct(ctx, id); err != nil {
		s.logger.WithField("product_id", id).Warn("product cache read failed: ", err)
	} else if cached != nil {
		return *cached, nil
	}

	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return ProductView{}, err
	}
	available, err := s.ledger.AvailableStock(ctx, id)
	if err != nil {
		return ProductView{}, err
	}

	view := ProductView{
		ID:             product.ID,
		Name:           product.Name,
		Price:          product.Price,
		AvailableStock: available,
	}
	if err := s.cache.SetProduct(ctx, view); err != nil {
		s.logger.WithField("product_id", id).Warn("product cache write failed: ", err)
	}
	return view, nil
}
