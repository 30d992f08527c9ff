package catalog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/provisio/provisio/internal/core"
	"github.com/provisio/provisio/internal/db"
	"github.com/provisio/provisio/internal/metrics"
	"github.com/provisio/provisio/internal/queue"
)

// ProductStore is the storage collaborator of the catalog.
type ProductStore interface {
	CountProducts(name, code string) (int, error)
	GetProductByID(id string) (*db.Product, error)
	GetProductByCode(code string) (*db.Product, error)
	ListProducts(console bool) ([]db.Product, error)
	CreateProduct(p *db.Product) error
	UpdateProductScope(id string, scope db.Scope, packages db.Packages) error
	DeleteProduct(id string) error
	Close() error
}

// Cache is the optional read-through cache for code lookups.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// EventQueue receives catalog lifecycle events for downstream consumers.
type EventQueue interface {
	Push(ctx context.Context, evt *queue.Event) error
}

var ttlHours = map[int64]bool{6: true, 12: true, 24: true, 48: true, 72: true, 96: true, 120: true, 144: true, 168: true}

var aclKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

const productCacheTTL = 5 * time.Minute

type Service struct {
	store   ProductStore
	cache   Cache
	events  EventQueue
	metrics *metrics.Collector
	logger  *zap.Logger
}

func NewService(store ProductStore, cache Cache, events EventQueue,
	collector *metrics.Collector, logger *zap.Logger) *Service {
	return &Service{
		store:   store,
		cache:   cache,
		events:  events,
		metrics: collector,
		logger:  logger,
	}
}

type AddProductInput struct {
	Code        string `json:"code" binding:"required,alphanum,min=4,max=5"`
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

type AddPackageInput struct {
	Code        string `json:"code" binding:"required,alphanum,min=4,max=5"`
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	TTLHours    int64  `json:"_TTL" binding:"required"`
	ACL         db.ACL `json:"acl"`
}

// List returns non-console products.
func (s *Service) List(ctx context.Context) ([]db.Product, error) {
	products, err := s.store.ListProducts(false)
	if err != nil {
		s.logger.Error("failed to list products", zap.Error(err))
		return nil, core.ErrProductNotFound
	}
	return products, nil
}

// ListConsole returns console products only.
func (s *Service) ListConsole(ctx context.Context) ([]db.Product, error) {
	products, err := s.store.ListProducts(true)
	if err != nil {
		s.logger.Error("failed to list console products", zap.Error(err))
		return nil, core.ErrProductNotFound
	}
	return products, nil
}

// Get returns one product by id or code. Code lookups go through the cache.
func (s *Service) Get(ctx context.Context, id, code string) (*db.Product, error) {
	switch {
	case id != "":
		if _, err := uuid.Parse(id); err != nil {
			return nil, core.ErrInvalidID
		}
		p, err := s.store.GetProductByID(id)
		if errors.Is(err, db.ErrNotFound) {
			return nil, core.ErrProductNotFound
		}
		if err != nil {
			return nil, core.ModelError(err)
		}
		return p, nil
	case code != "":
		return s.getByCode(ctx, code)
	default:
		return nil, core.ErrMissingIDOrCode
	}
}

func (s *Service) getByCode(ctx context.Context, code string) (*db.Product, error) {
	cacheKey := fmt.Sprintf("product:code:%s", code)
	if s.cache != nil {
		var cached db.Product
		if err := s.cache.GetJSON(ctx, cacheKey, &cached); err == nil && cached.ID != "" {
			return &cached, nil
		}
	}

	p, err := s.store.GetProductByCode(code)
	if errors.Is(err, db.ErrNotFound) {
		return nil, core.ErrProductNotFound
	}
	if err != nil {
		return nil, core.ModelError(err)
	}

	if s.cache != nil {
		if cerr := s.cache.SetJSON(ctx, cacheKey, p, productCacheTTL); cerr != nil {
			s.logger.Warn("failed to cache product", zap.String("code", code), zap.Error(cerr))
		}
	}
	return p, nil
}

// Add creates a product with an empty ACL scope and no packages. The
// check-then-insert has no duplicate retry: a race on the unique code
// constraint surfaces as a persistence failure.
func (s *Service) Add(ctx context.Context, in *AddProductInput) (*db.Product, error) {
	if in == nil || in.Name == "" {
		return nil, core.ErrMissingName
	}

	count, err := s.store.CountProducts(in.Name, in.Code)
	if err != nil {
		s.logger.Error("failed to check product existence", zap.Error(err))
		return nil, core.ModelError(err)
	}
	if count > 0 {
		return nil, core.ErrDuplicateProduct
	}

	now := time.Now().UTC()
	product := &db.Product{
		ID:          uuid.New().String(),
		Code:        in.Code,
		Name:        in.Name,
		Description: in.Description,
		Scope:       db.Scope{ACL: db.ACL{}},
		Packages:    db.Packages{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.CreateProduct(product); err != nil {
		s.logger.Error("failed to add product", zap.String("code", in.Code), zap.Error(err))
		return nil, core.ErrProductAdd
	}

	s.metrics.ProductCreated()
	s.logger.Info("product created", zap.String("product_id", product.ID), zap.String("code", product.Code))
	s.publish(ctx, queue.EventProductCreated, product.ID, product.Code)
	return product, nil
}

// Delete removes a product unless it is locked or is the product of the
// caller's own tenant.
func (s *Service) Delete(ctx context.Context, callerProductCode, id, code string) error {
	p, err := s.Get(ctx, id, code)
	if err != nil {
		return err
	}
	if callerProductCode != "" && callerProductCode == p.Code {
		return core.ErrSelfProductDeletion
	}
	if p.Locked {
		return core.ErrLockedRecord
	}

	if err := s.store.DeleteProduct(p.ID); err != nil {
		s.logger.Error("failed to delete product", zap.String("product_id", p.ID), zap.Error(err))
		return core.ModelError(err)
	}

	s.metrics.ProductDeleted()
	s.logger.Info("product deleted", zap.String("product_id", p.ID), zap.String("code", p.Code))
	s.publish(ctx, queue.EventProductDeleted, p.ID, p.Code)
	return nil
}

// Purge resets the product's ACL scope and the ACL of every package it owns.
func (s *Service) Purge(ctx context.Context, id string) (*db.Product, error) {
	p, err := s.Get(ctx, id, "")
	if err != nil {
		return nil, err
	}
	if p.Locked {
		return nil, core.ErrLockedRecord
	}

	p.Scope = db.Scope{ACL: db.ACL{}}
	for i := range p.Packages {
		p.Packages[i].ACL = db.ACL{}
	}

	if err := s.store.UpdateProductScope(p.ID, p.Scope, p.Packages); err != nil {
		s.logger.Error("failed to purge product acl", zap.String("product_id", p.ID), zap.Error(err))
		return nil, core.ModelError(err)
	}

	s.logger.Info("product acl purged", zap.String("product_id", p.ID), zap.String("code", p.Code))
	return p, nil
}

// ListPackages returns the packages of one product.
func (s *Service) ListPackages(ctx context.Context, id, code string) ([]db.Package, error) {
	p, err := s.Get(ctx, id, code)
	if err != nil {
		return nil, err
	}
	return p.Packages, nil
}

// GetPackage returns one package by product code and bare package code.
func (s *Service) GetPackage(ctx context.Context, productCode, packageCode string) (*db.Package, error) {
	p, err := s.Get(ctx, "", productCode)
	if err != nil {
		return nil, err
	}
	composite := compositeCode(p.Code, packageCode)
	for i := range p.Packages {
		if p.Packages[i].Code == composite {
			return &p.Packages[i], nil
		}
	}
	return nil, core.ErrPackageNotFound
}

// ResolvePackage validates an application's product/package reference for
// the provisioning pipeline.
func (s *Service) ResolvePackage(ctx context.Context, productCode, packageCode string) (*db.Package, error) {
	return s.GetPackage(ctx, productCode, packageCode)
}

// AddPackage appends a package to a product under the composite
// <PRODUCT>_<PKG> code. TTL input is hours from the fixed enum, stored in
// milliseconds.
func (s *Service) AddPackage(ctx context.Context, productID string, in *AddPackageInput) (*db.Product, error) {
	if in == nil || in.Name == "" {
		return nil, core.ErrMissingName
	}
	if !ttlHours[in.TTLHours] {
		return nil, core.ErrValidation
	}
	if err := ValidateACL(in.ACL); err != nil {
		return nil, err
	}

	p, err := s.Get(ctx, productID, "")
	if err != nil {
		return nil, err
	}
	if p.Locked {
		return nil, core.ErrLockedRecord
	}

	composite := compositeCode(p.Code, in.Code)
	for i := range p.Packages {
		if p.Packages[i].Code == composite {
			return nil, core.ErrDuplicatePackage
		}
	}

	acl := in.ACL
	if acl == nil {
		acl = db.ACL{}
	}
	p.Packages = append(p.Packages, db.Package{
		Code:        composite,
		Name:        in.Name,
		Description: in.Description,
		TTL:         in.TTLHours * 3600 * 1000,
		ACL:         acl,
	})

	if err := s.store.UpdateProductScope(p.ID, p.Scope, p.Packages); err != nil {
		s.logger.Error("failed to add package", zap.String("product_id", p.ID), zap.Error(err))
		return nil, core.ModelError(err)
	}

	s.logger.Info("package added", zap.String("product_id", p.ID), zap.String("package", composite))
	return p, nil
}

// DeletePackage removes one package from a product.
func (s *Service) DeletePackage(ctx context.Context, productID, packageCode string) (*db.Product, error) {
	p, err := s.Get(ctx, productID, "")
	if err != nil {
		return nil, err
	}
	if p.Locked {
		return nil, core.ErrLockedRecord
	}

	composite := compositeCode(p.Code, packageCode)
	idx := -1
	for i := range p.Packages {
		if p.Packages[i].Code == composite {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, core.ErrPackageNotFound
	}
	p.Packages = append(p.Packages[:idx], p.Packages[idx+1:]...)

	if err := s.store.UpdateProductScope(p.ID, p.Scope, p.Packages); err != nil {
		s.logger.Error("failed to delete package", zap.String("product_id", p.ID), zap.Error(err))
		return nil, core.ModelError(err)
	}

	s.logger.Info("package deleted", zap.String("product_id", p.ID), zap.String("package", composite))
	return p, nil
}

func (s *Service) publish(ctx context.Context, eventType, recordID, code string) {
	if s.events == nil {
		return
	}
	evt := &queue.Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		RecordID:   recordID,
		Code:       code,
		OccurredAt: time.Now().UTC(),
	}
	if err := s.events.Push(ctx, evt); err != nil {
		s.logger.Warn("failed to publish catalog event",
			zap.String("type", eventType), zap.Error(err))
	}
}

// ValidateACL checks the nested environment -> service -> version structure.
func ValidateACL(acl db.ACL) error {
	for env, services := range acl {
		if !aclKeyPattern.MatchString(env) {
			return core.ErrValidation
		}
		for service, versions := range services {
			if !aclKeyPattern.MatchString(service) {
				return core.ErrValidation
			}
			for _, v := range versions {
				if v.Version == "" {
					return core.ErrValidation
				}
			}
		}
	}
	return nil
}

// compositeCode builds the parent-scoped package code. Bare codes are
// accepted either way: callers may pass "BASIC" or "PROD_BASIC".
func compositeCode(productCode, packageCode string) string {
	prefix := productCode + "_"
	if strings.HasPrefix(packageCode, prefix) {
		return packageCode
	}
	return prefix + packageCode
}
