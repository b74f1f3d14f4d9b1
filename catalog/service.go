package catalog

import (
	"fmt"
	"net/http"

	resp "github.com/miragespace/billsync/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	CatalogManager *Manager
	Logger         *zap.Logger
}

// Service is the read-only catalog API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the catalog API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.CatalogManager == nil {
		return nil, fmt.Errorf("nil CatalogManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) listProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.CatalogManager.ListActiveProducts(r.Context())
	if err != nil {
		s.Logger.Error("Unable to list products",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get the list of products"))
		return
	}
	resp.WriteResponse(w, r, products)
}

func (s *Service) getPrice(w http.ResponseWriter, r *http.Request) {
	price, err := s.CatalogManager.GetPrice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.Logger.Error("Unable to get price",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get details about the price"))
		return
	}
	if price == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find price with specific ID"))
		return
	}
	resp.WriteResponse(w, r, price)
}

// Router will return the routes under catalog API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.listProducts)
	r.Get("/prices/{id}", s.getPrice)

	return r
}
