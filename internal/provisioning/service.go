package provisioning

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/provisio/provisio/internal/core"
	"github.com/provisio/provisio/internal/db"
	"github.com/provisio/provisio/internal/metrics"
	"github.com/provisio/provisio/internal/queue"
)

// Pipeline step names, used for logging and failure metrics.
const (
	stepExistence   = "existence_check"
	stepParent      = "parent_resolution"
	stepApplication = "application_build"
	stepCode        = "code_assignment"
	stepPersist     = "persistence"
)

// TenantStore is the storage collaborator of the orchestrator.
type TenantStore interface {
	CountTenants(name, code string) (int, error)
	GetTenantByID(id string) (*db.Tenant, error)
	GetTenantByCode(code string) (*db.Tenant, error)
	ListTenants(includeConsole bool) ([]db.Tenant, error)
	ListTenantCodes() ([]string, error)
	CreateTenant(t *db.Tenant) error
	UpdateTenantApplications(id string, apps db.Applications) error
	DeleteTenant(id string) error
	Close() error
}

// StoreFactory opens a per-request store against a caller-supplied tenant
// database. The orchestrator closes it on every exit path.
type StoreFactory func(dsn string) (TenantStore, error)

// EnvRegistry resolves environment records for external-key derivation.
type EnvRegistry interface {
	LoadByEnv(ctx context.Context, code string) (*db.Environment, error)
}

// PackageResolver validates product/package references of new applications.
type PackageResolver interface {
	ResolvePackage(ctx context.Context, productCode, packageCode string) (*db.Package, error)
}

// Caller identifies the authenticated tenant issuing the request.
type Caller struct {
	TenantID   string
	TenantType string
	TenantDSN  string
}

type Service struct {
	store     TenantStore
	openStore StoreFactory
	registry  EnvRegistry
	packages  PackageResolver
	keys      KeyProvider
	events    *queue.RedisQueue
	metrics   *metrics.Collector
	logger    *zap.Logger
}

func NewService(store TenantStore, openStore StoreFactory, registry EnvRegistry,
	packages PackageResolver, keys KeyProvider, events *queue.RedisQueue,
	collector *metrics.Collector, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		openStore: openStore,
		registry:  registry,
		packages:  packages,
		keys:      keys,
		events:    events,
		metrics:   collector,
		logger:    logger,
	}
}

// storeFor selects the platform store or opens a per-request store when the
// caller is a client tenant carrying its own database config. The returned
// cleanup must run on every exit path.
func (s *Service) storeFor(caller Caller) (TenantStore, func(), error) {
	if caller.TenantType == string(db.TenantTypeClient) && caller.TenantDSN != "" && s.openStore != nil {
		store, err := s.openStore(caller.TenantDSN)
		if err != nil {
			s.logger.Error("failed to open tenant store", zap.Error(err))
			return nil, nil, core.ErrModelUnavailable
		}
		return store, func() {
			if cerr := store.Close(); cerr != nil {
				s.logger.Warn("failed to close tenant store", zap.Error(cerr))
			}
		}, nil
	}
	if s.store == nil {
		return nil, nil, core.ErrModelUnavailable
	}
	return s.store, func() {}, nil
}

// creation threads the pipeline state from step to step instead of mutating
// shared closure variables.
type creation struct {
	in           *CreateTenantInput
	draft        *db.Tenant
	codeSupplied bool
}

// Create runs the tenant provisioning pipeline: existence check, parent
// resolution, application/key construction, code assignment, then a single
// insert with one duplicate-code retry. Any step failure aborts the
// pipeline; no partial record is ever persisted.
func (s *Service) Create(ctx context.Context, caller Caller, in *CreateTenantInput) (*db.Tenant, error) {
	store, cleanup, err := s.storeFor(caller)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	c := &creation{in: in, codeSupplied: in.Code != ""}

	type step struct {
		name string
		run  func(ctx context.Context, store TenantStore, c *creation) error
	}
	steps := []step{
		{stepExistence, s.checkExistence},
		{stepParent, s.resolveParent},
		{stepApplication, s.buildApplication},
		{stepCode, s.assignCode},
		{stepPersist, s.persist},
	}

	for _, st := range steps {
		if err := st.run(ctx, store, c); err != nil {
			s.metrics.ProvisioningFailure(st.name)
			s.logger.Error("tenant provisioning failed",
				zap.String("step", st.name),
				zap.String("name", in.Name),
				zap.Error(err),
			)
			return nil, err
		}
	}

	s.metrics.TenantCreated()
	s.logger.Info("tenant provisioned",
		zap.String("tenant_id", c.draft.ID),
		zap.String("code", c.draft.Code),
		zap.String("type", string(c.draft.Type)),
	)
	s.publish(ctx, queue.EventTenantCreated, c.draft.ID, c.draft.Code)

	return c.draft, nil
}

func (s *Service) checkExistence(_ context.Context, store TenantStore, c *creation) error {
	if c.in.Name == "" {
		return core.ErrValidation
	}
	count, err := store.CountTenants(c.in.Name, c.in.Code)
	if err != nil {
		return core.ModelError(err)
	}
	if count > 0 {
		return core.ErrDuplicateTenant
	}
	c.draft = NewDraft(c.in)
	return nil
}

func (s *Service) resolveParent(_ context.Context, store TenantStore, c *creation) error {
	if c.draft.Type == db.TenantTypeProduct {
		return nil
	}
	if c.in.MainTenant == "" {
		return core.ErrMissingParent
	}
	parent, err := store.GetTenantByID(c.in.MainTenant)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return core.ErrParentNotFound
		}
		return core.ModelError(err)
	}
	return InheritFromParent(c.draft, parent, c.in.OAuth != nil)
}

func (s *Service) buildApplication(ctx context.Context, _ TenantStore, c *creation) error {
	app := c.in.Application
	if app == nil {
		return nil
	}

	if s.packages != nil {
		if _, err := s.packages.ResolvePackage(ctx, app.ProductCode, app.PackageCode); err != nil {
			return err
		}
	}

	built := BuildApplication(app, nil)
	keys, err := s.buildKeys(ctx, c, app, &built)
	if err != nil {
		return err
	}
	if keys != nil {
		built.Keys = keys
	}

	c.draft.Applications = append(c.draft.Applications, built)
	return nil
}

// buildKeys generates the internal key and, when requested, derives one
// environment-scoped external key. An extKey request without an appKey is
// unrepresentable in the input shape, but the original service skipped key
// generation silently in that case; the warning below keeps that path
// observable if a raw payload ever smuggles one in.
func (s *Service) buildKeys(ctx context.Context, c *creation, app *ApplicationInput, built *db.Application) ([]db.Key, error) {
	if app.AppKey == nil {
		return nil, nil
	}

	internal, err := s.keys.GenerateInternalKey()
	if err != nil {
		s.logger.Error("internal key generation failed", zap.Error(err))
		return nil, core.ErrKeyGeneration
	}
	s.metrics.KeyDerived("internal")

	key := db.Key{
		Key:     internal,
		Config:  db.JSONB(app.AppKey.Config),
		ExtKeys: []db.ExternalKey{},
	}

	if app.AppKey.ExtKey != nil {
		ext, err := s.deriveExtKey(ctx, c.draft, built, internal, app.AppKey.ExtKey)
		if err != nil {
			return nil, err
		}
		key.ExtKeys = append(key.ExtKeys, *ext)
	}

	return []db.Key{key}, nil
}

func (s *Service) deriveExtKey(ctx context.Context, draft *db.Tenant, app *db.Application,
	internalKey string, in *ExtKeyInput) (*db.ExternalKey, error) {

	env, err := s.registry.LoadByEnv(ctx, in.Env)
	if err != nil {
		return nil, err
	}

	expDate, err := parseExpDate(in.ExpDate)
	if err != nil {
		return nil, core.ErrValidation
	}

	token, err := s.keys.GenerateExternalKey(internalKey,
		TenantMeta{ID: draft.ID, Code: draft.Code, Locked: draft.Locked},
		AppMeta{Product: app.Product, Package: app.Package, AppID: app.AppID},
		EnvMeta{Code: env.Code, KeySecret: env.KeySecret},
	)
	if err != nil {
		s.logger.Error("external key derivation failed", zap.Error(err))
		return nil, core.ErrExternalKey
	}
	s.metrics.KeyDerived("external")

	return &db.ExternalKey{
		ExtKey:  token,
		Device:  db.JSONB(in.Device),
		Geo:     db.JSONB(in.Geo),
		Env:     strings.ToUpper(in.Env),
		Label:   in.Label,
		ExpDate: ComputeExpiry(expDate),
	}, nil
}

func (s *Service) assignCode(_ context.Context, store TenantStore, c *creation) error {
	if c.draft.Code != "" {
		return nil
	}
	codes, err := store.ListTenantCodes()
	if err != nil {
		return core.ModelError(err)
	}
	code, err := GenerateCode(CodeSet(codes), GeneratedCodeLength)
	if err != nil {
		return err
	}
	c.draft.Code = code
	return nil
}

// persist inserts the fully-built draft. A duplicate-code failure on a
// generated code triggers exactly one regeneration and re-insert; any other
// failure, or a second collision, is terminal.
func (s *Service) persist(_ context.Context, store TenantStore, c *creation) error {
	err := store.CreateTenant(c.draft)
	if err == nil {
		return nil
	}

	if !db.IsDuplicateCode(err) || c.codeSupplied {
		s.logger.Error("tenant insert failed", zap.Error(err))
		return core.ErrPersistence
	}

	s.metrics.CodeRetry()
	s.logger.Warn("tenant code collided on insert, regenerating",
		zap.String("code", c.draft.Code))

	codes, lerr := store.ListTenantCodes()
	if lerr != nil {
		return core.ModelError(lerr)
	}
	code, gerr := GenerateCode(CodeSet(codes), GeneratedCodeLength)
	if gerr != nil {
		return gerr
	}
	c.draft.Code = code

	if rerr := store.CreateTenant(c.draft); rerr != nil {
		s.logger.Error("tenant insert retry failed", zap.Error(rerr))
		return core.ErrPersistence
	}
	return nil
}

// List returns tenant records, excluding console tenants.
func (s *Service) List(ctx context.Context, caller Caller) ([]db.Tenant, error) {
	store, cleanup, err := s.storeFor(caller)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	tenants, err := store.ListTenants(false)
	if err != nil {
		s.logger.Error("failed to list tenants", zap.Error(err))
		return nil, core.ErrTenantList
	}
	return tenants, nil
}

// Get returns one tenant by id or code.
func (s *Service) Get(ctx context.Context, caller Caller, id, code string) (*db.Tenant, error) {
	store, cleanup, err := s.storeFor(caller)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	return s.getTenant(store, id, code)
}

func (s *Service) getTenant(store TenantStore, id, code string) (*db.Tenant, error) {
	switch {
	case id != "":
		if _, err := uuid.Parse(id); err != nil {
			return nil, core.ErrInvalidID
		}
		t, err := store.GetTenantByID(id)
		if errors.Is(err, db.ErrNotFound) {
			return nil, core.ErrTenantNotFound
		}
		if err != nil {
			return nil, core.ModelError(err)
		}
		return t, nil
	case code != "":
		t, err := store.GetTenantByCode(code)
		if errors.Is(err, db.ErrNotFound) {
			return nil, core.ErrTenantNotFound
		}
		if err != nil {
			return nil, core.ModelError(err)
		}
		return t, nil
	default:
		return nil, core.ErrMissingIDOrCode
	}
}

// Delete removes a tenant, guarded against self-deletion and locked records.
func (s *Service) Delete(ctx context.Context, caller Caller, id, code string) error {
	store, cleanup, err := s.storeFor(caller)
	if err != nil {
		return err
	}
	defer cleanup()

	t, err := s.getTenant(store, id, code)
	if err != nil {
		return err
	}
	if caller.TenantID != "" && caller.TenantID == t.ID {
		return core.ErrSelfTenantDeletion
	}
	if t.Locked {
		return core.ErrLockedRecord
	}

	if err := store.DeleteTenant(t.ID); err != nil {
		s.logger.Error("failed to delete tenant", zap.String("tenant_id", t.ID), zap.Error(err))
		return core.ModelError(err)
	}

	s.metrics.TenantDeleted()
	s.logger.Info("tenant deleted", zap.String("tenant_id", t.ID), zap.String("code", t.Code))
	s.publish(ctx, queue.EventTenantDeleted, t.ID, t.Code)
	return nil
}

// ListApplications returns the applications of one tenant.
func (s *Service) ListApplications(ctx context.Context, caller Caller, id, code string) ([]db.Application, error) {
	t, err := s.Get(ctx, caller, id, code)
	if err != nil {
		return nil, err
	}
	return t.Applications, nil
}

// ListApplicationExtKeys returns the external keys bound to one internal key
// of one application.
func (s *Service) ListApplicationExtKeys(ctx context.Context, caller Caller, id, appID, keyValue string) ([]db.ExternalKey, error) {
	t, err := s.Get(ctx, caller, id, "")
	if err != nil {
		return nil, err
	}
	for _, app := range t.Applications {
		if app.AppID != appID {
			continue
		}
		for _, k := range app.Keys {
			if k.Key == keyValue {
				return k.ExtKeys, nil
			}
		}
	}
	return nil, core.ErrKeyNotFound
}

// AddApplicationKey generates a new internal key on an existing application.
func (s *Service) AddApplicationKey(ctx context.Context, caller Caller, id, appID string,
	config map[string]interface{}) (*db.Tenant, error) {

	store, cleanup, err := s.storeFor(caller)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	t, err := s.getTenant(store, id, "")
	if err != nil {
		return nil, err
	}
	if t.Locked {
		return nil, core.ErrLockedRecord
	}

	found := false
	for i := range t.Applications {
		if t.Applications[i].AppID != appID {
			continue
		}
		internal, kerr := s.keys.GenerateInternalKey()
		if kerr != nil {
			s.logger.Error("internal key generation failed", zap.Error(kerr))
			return nil, core.ErrKeyGeneration
		}
		s.metrics.KeyDerived("internal")
		t.Applications[i].Keys = append(t.Applications[i].Keys, db.Key{
			Key:     internal,
			Config:  db.JSONB(config),
			ExtKeys: []db.ExternalKey{},
		})
		found = true
		break
	}
	if !found {
		return nil, core.ErrApplicationAdd
	}

	if err := store.UpdateTenantApplications(t.ID, t.Applications); err != nil {
		s.logger.Error("failed to persist application key", zap.Error(err))
		return nil, core.ErrPersistence
	}
	return t, nil
}

// AddApplicationExtKey derives a new external key for an existing internal
// key, scoped to the requested environment.
func (s *Service) AddApplicationExtKey(ctx context.Context, caller Caller, id, appID, keyValue string,
	in *ExtKeyInput) (*db.Tenant, error) {

	store, cleanup, err := s.storeFor(caller)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	t, err := s.getTenant(store, id, "")
	if err != nil {
		return nil, err
	}
	if t.Locked {
		return nil, core.ErrLockedRecord
	}

	found := false
	for i := range t.Applications {
		app := &t.Applications[i]
		if app.AppID != appID {
			continue
		}
		for j := range app.Keys {
			if app.Keys[j].Key != keyValue {
				continue
			}

			env, rerr := s.registry.LoadByEnv(ctx, in.Env)
			if rerr != nil {
				return nil, rerr
			}
			expDate, perr := parseExpDate(in.ExpDate)
			if perr != nil {
				return nil, core.ErrValidation
			}
			token, derr := s.keys.GenerateExternalKey(keyValue,
				TenantMeta{ID: t.ID, Code: t.Code, Locked: t.Locked},
				AppMeta{Product: app.Product, Package: app.Package, AppID: app.AppID},
				EnvMeta{Code: env.Code, KeySecret: env.KeySecret},
			)
			if derr != nil {
				s.logger.Error("external key derivation failed", zap.Error(derr))
				return nil, core.ErrExternalKey
			}
			s.metrics.KeyDerived("external")

			app.Keys[j].ExtKeys = append(app.Keys[j].ExtKeys, db.ExternalKey{
				ExtKey:  token,
				Device:  db.JSONB(in.Device),
				Geo:     db.JSONB(in.Geo),
				Env:     strings.ToUpper(in.Env),
				Label:   in.Label,
				ExpDate: ComputeExpiry(expDate),
			})
			found = true
			break
		}
		break
	}
	if !found {
		return nil, core.ErrExternalKey
	}

	if err := store.UpdateTenantApplications(t.ID, t.Applications); err != nil {
		s.logger.Error("failed to persist external key", zap.Error(err))
		return nil, core.ErrPersistence
	}
	return t, nil
}

// SweepExpiredExtKeys removes external keys whose expDate has passed.
// Invoked periodically by the scheduler binary.
func (s *Service) SweepExpiredExtKeys(ctx context.Context) (int, error) {
	tenants, err := s.store.ListTenants(true)
	if err != nil {
		return 0, core.ModelError(err)
	}

	now := time.Now().UnixMilli()
	removed := 0

	for ti := range tenants {
		t := &tenants[ti]
		changed := false
		for ai := range t.Applications {
			app := &t.Applications[ai]
			for ki := range app.Keys {
				kept := app.Keys[ki].ExtKeys[:0]
				for _, ek := range app.Keys[ki].ExtKeys {
					if ek.ExpDate != nil && *ek.ExpDate < now {
						removed++
						changed = true
						continue
					}
					kept = append(kept, ek)
				}
				app.Keys[ki].ExtKeys = kept
			}
		}
		if !changed {
			continue
		}
		if err := s.store.UpdateTenantApplications(t.ID, t.Applications); err != nil {
			s.logger.Error("failed to sweep expired ext keys",
				zap.String("tenant_id", t.ID), zap.Error(err))
			return removed, core.ModelError(err)
		}
		s.logger.Info("expired ext keys removed", zap.String("tenant_id", t.ID))
	}

	return removed, nil
}

func (s *Service) publish(ctx context.Context, eventType, recordID, code string) {
	if s.events == nil {
		return
	}
	evt := &queue.Event{
		ID:         GenerateID(),
		Type:       eventType,
		RecordID:   recordID,
		Code:       code,
		OccurredAt: time.Now().UTC(),
	}
	if err := s.events.Push(ctx, evt); err != nil {
		s.logger.Warn("failed to publish provisioning event",
			zap.String("type", eventType), zap.Error(err))
	}
}

func parseExpDate(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
