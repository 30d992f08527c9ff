package provisioning_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/provisio/provisio/internal/core"
	"github.com/provisio/provisio/internal/db"
	"github.com/provisio/provisio/internal/metrics"
	"github.com/provisio/provisio/internal/provisioning"
)

// getTenant validates ids as UUIDs, so fixtures use literal ones.
const (
	tenantID1 = "11111111-1111-1111-1111-111111111111"
	tenantID2 = "22222222-2222-2222-2222-222222222222"
	tenantID3 = "33333333-3333-3333-3333-333333333333"
)

// memStore is an in-memory TenantStore.
type memStore struct {
	tenants     map[string]*db.Tenant
	createCalls int
	dupFailures int
	closed      bool
}

func newMemStore() *memStore {
	return &memStore{tenants: map[string]*db.Tenant{}}
}

func (m *memStore) CountTenants(name, code string) (int, error) {
	count := 0
	for _, t := range m.tenants {
		if t.Name == name || (code != "" && t.Code == code) {
			count++
		}
	}
	return count, nil
}

func (m *memStore) GetTenantByID(id string) (*db.Tenant, error) {
	t, ok := m.tenants[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return t, nil
}

func (m *memStore) GetTenantByCode(code string) (*db.Tenant, error) {
	for _, t := range m.tenants {
		if t.Code == code {
			return t, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *memStore) ListTenants(includeConsole bool) ([]db.Tenant, error) {
	out := []db.Tenant{}
	for _, t := range m.tenants {
		if t.Console && !includeConsole {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (m *memStore) ListTenantCodes() ([]string, error) {
	codes := []string{}
	for _, t := range m.tenants {
		codes = append(codes, t.Code)
	}
	return codes, nil
}

func (m *memStore) CreateTenant(t *db.Tenant) error {
	m.createCalls++
	if m.dupFailures > 0 {
		m.dupFailures--
		return db.ErrDuplicateCode
	}
	for _, existing := range m.tenants {
		if existing.Code == t.Code {
			return db.ErrDuplicateCode
		}
	}
	clone := *t
	m.tenants[t.ID] = &clone
	return nil
}

func (m *memStore) UpdateTenantApplications(id string, apps db.Applications) error {
	t, ok := m.tenants[id]
	if !ok {
		return db.ErrNotFound
	}
	t.Applications = apps
	return nil
}

func (m *memStore) DeleteTenant(id string) error {
	if _, ok := m.tenants[id]; !ok {
		return db.ErrNotFound
	}
	delete(m.tenants, id)
	return nil
}

func (m *memStore) Close() error {
	m.closed = true
	return nil
}

type stubRegistry struct {
	envs map[string]db.Environment
}

func (r stubRegistry) LoadByEnv(_ context.Context, code string) (*db.Environment, error) {
	env, ok := r.envs[strings.ToUpper(code)]
	if !ok {
		return nil, core.ErrEnvironmentNotFound
	}
	return &env, nil
}

type allowAllPackages struct{}

func (allowAllPackages) ResolvePackage(_ context.Context, productCode, packageCode string) (*db.Package, error) {
	return &db.Package{Code: productCode + "_" + packageCode}, nil
}

func newTestService(store *memStore) *provisioning.Service {
	return newTestServiceWithFactory(store, nil)
}

func newTestServiceWithFactory(store *memStore, factory provisioning.StoreFactory) *provisioning.Service {
	registry := stubRegistry{envs: map[string]db.Environment{
		"DEV":  {Code: "DEV", KeySecret: "dev secret"},
		"KUBE": {Code: "KUBE", KeySecret: "kube secret"},
	}}
	return provisioning.NewService(store, factory, registry, allowAllPackages{},
		provisioning.HKDFKeyProvider{}, nil,
		metrics.NewCollector(prometheus.NewRegistry()), zap.NewNop())
}

func TestCreateProductTenantWithDefaults(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	tenant, err := svc.Create(context.Background(), provisioning.Caller{}, &provisioning.CreateTenantInput{
		Type: "product",
		Name: "Acme Platform",
	})
	require.NoError(t, err)

	require.Len(t, tenant.Code, provisioning.GeneratedCodeLength)
	require.Empty(t, tenant.Applications)
	require.Nil(t, tenant.Parent)
	require.Equal(t, 1, tenant.OAuth.Disabled)

	persisted, err := store.GetTenantByID(tenant.ID)
	require.NoError(t, err)
	require.Equal(t, tenant.Code, persisted.Code)
}

func TestCreateDuplicateTenant(t *testing.T) {
	store := newMemStore()
	store.tenants["existing"] = &db.Tenant{ID: "existing", Name: "Acme Platform", Code: "ACME1"}
	svc := newTestService(store)

	_, err := svc.Create(context.Background(), provisioning.Caller{}, &provisioning.CreateTenantInput{
		Type: "product",
		Name: "Acme Platform",
	})
	require.ErrorIs(t, err, core.ErrDuplicateTenant)

	_, err = svc.Create(context.Background(), provisioning.Caller{}, &provisioning.CreateTenantInput{
		Type: "product",
		Name: "Other Name",
		Code: "ACME1",
	})
	require.ErrorIs(t, err, core.ErrDuplicateTenant)
}

func TestCreateClientInheritsParentOAuth(t *testing.T) {
	store := newMemStore()
	store.tenants["parent"] = &db.Tenant{
		ID:    "parent",
		Code:  "ROOT1",
		Name:  "Root",
		Type:  db.TenantTypeProduct,
		OAuth: db.OAuth{Secret: "root-secret", LoginMode: "urac"},
	}
	svc := newTestService(store)

	tenant, err := svc.Create(context.Background(), provisioning.Caller{}, &provisioning.CreateTenantInput{
		Type:       "client",
		Name:       "Sub Tenant",
		MainTenant: "parent",
	})
	require.NoError(t, err)
	require.Equal(t, &db.ParentRef{ID: "parent", Code: "ROOT1"}, tenant.Parent)
	require.Equal(t, "urac", tenant.OAuth.LoginMode)
	require.Equal(t, "root-secret", tenant.OAuth.Secret)
}

func TestCreateClientKeepsExplicitOAuth(t *testing.T) {
	store := newMemStore()
	store.tenants["parent"] = &db.Tenant{
		ID: "parent", Code: "ROOT1", Name: "Root", Type: db.TenantTypeProduct,
		OAuth: db.OAuth{Secret: "root-secret", LoginMode: "urac"},
	}
	svc := newTestService(store)

	tenant, err := svc.Create(context.Background(), provisioning.Caller{}, &provisioning.CreateTenantInput{
		Type:       "client",
		Name:       "Sub Tenant",
		MainTenant: "parent",
		OAuth:      &db.OAuth{Secret: "own-secret", LoginMode: "oauth"},
	})
	require.NoError(t, err)
	require.Equal(t, "own-secret", tenant.OAuth.Secret)
	require.Equal(t, "oauth", tenant.OAuth.LoginMode)
}

func TestCreateClientParentFailures(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	_, err := svc.Create(context.Background(), provisioning.Caller{}, &provisioning.CreateTenantInput{
		Type: "client",
		Name: "No Parent",
	})
	require.ErrorIs(t, err, core.ErrMissingParent)

	_, err = svc.Create(context.Background(), provisioning.Caller{}, &provisioning.CreateTenantInput{
		Type:       "client",
		Name:       "Ghost Parent",
		MainTenant: "missing",
	})
	require.ErrorIs(t, err, core.ErrParentNotFound)
}

func TestCreateWithEmptyAppKey(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	tenant, err := svc.Create(context.Background(), provisioning.Caller{}, &provisioning.CreateTenantInput{
		Type: "product",
		Name: "With App",
		Application: &provisioning.ApplicationInput{
			ProductCode: "PROD",
			PackageCode: "BASIC",
			TTLHours:    24,
			AppKey:      &provisioning.AppKeyInput{},
		},
	})
	require.NoError(t, err)

	require.Len(t, tenant.Applications, 1)
	app := tenant.Applications[0]
	require.Equal(t, "PROD_BASIC", app.Package)
	require.Len(t, app.Keys, 1)
	require.NotEmpty(t, app.Keys[0].Key)
	require.Empty(t, app.Keys[0].ExtKeys)
	require.NotNil(t, app.Keys[0].ExtKeys)
}

func TestCreateWithoutAppKeySkipsKeyGeneration(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	tenant, err := svc.Create(context.Background(), provisioning.Caller{}, &provisioning.CreateTenantInput{
		Type: "product",
		Name: "Keyless App",
		Application: &provisioning.ApplicationInput{
			ProductCode: "PROD",
			PackageCode: "BASIC",
			TTLHours:    12,
		},
	})
	require.NoError(t, err)
	require.Len(t, tenant.Applications, 1)
	require.Empty(t, tenant.Applications[0].Keys)
}

func TestCreateWithExtKeyUppercasesEnv(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	tenant, err := svc.Create(context.Background(), provisioning.Caller{}, &provisioning.CreateTenantInput{
		Type: "product",
		Name: "Ext Key Tenant",
		Application: &provisioning.ApplicationInput{
			ProductCode: "PROD",
			PackageCode: "BASIC",
			TTLHours:    24,
			AppKey: &provisioning.AppKeyInput{
				ExtKey: &provisioning.ExtKeyInput{
					Env:   "kube",
					Label: "main key",
				},
			},
		},
	})
	require.NoError(t, err)

	extKeys := tenant.Applications[0].Keys[0].ExtKeys
	require.Len(t, extKeys, 1)
	require.Equal(t, "KUBE", extKeys[0].Env)
	require.NotEmpty(t, extKeys[0].ExtKey)
	require.Nil(t, extKeys[0].ExpDate)
}

func TestCreateWithExtKeyExpiry(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	tenant, err := svc.Create(context.Background(), provisioning.Caller{}, &provisioning.CreateTenantInput{
		Type: "product",
		Name: "Expiring Tenant",
		Application: &provisioning.ApplicationInput{
			ProductCode: "PROD",
			PackageCode: "BASIC",
			TTLHours:    24,
			AppKey: &provisioning.AppKeyInput{
				ExtKey: &provisioning.ExtKeyInput{
					Env:     "dev",
					ExpDate: "2026-06-01T00:00:00Z",
				},
			},
		},
	})
	require.NoError(t, err)

	extKey := tenant.Applications[0].Keys[0].ExtKeys[0]
	require.NotNil(t, extKey.ExpDate)
	// Requested expiry plus the grace period.
	requested := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, requested.Add(provisioning.ExpiryGracePeriod).UnixMilli(), *extKey.ExpDate)
}

func TestCreateWithUnknownEnvironment(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	_, err := svc.Create(context.Background(), provisioning.Caller{}, &provisioning.CreateTenantInput{
		Type: "product",
		Name: "Bad Env Tenant",
		Application: &provisioning.ApplicationInput{
			ProductCode: "PROD",
			PackageCode: "BASIC",
			TTLHours:    24,
			AppKey: &provisioning.AppKeyInput{
				ExtKey: &provisioning.ExtKeyInput{Env: "staging"},
			},
		},
	})
	require.ErrorIs(t, err, core.ErrEnvironmentNotFound)
	require.Zero(t, store.createCalls, "nothing may be persisted after a failed step")
}

func TestPersistRetriesOnceOnCodeCollision(t *testing.T) {
	store := newMemStore()
	store.dupFailures = 1
	svc := newTestService(store)

	tenant, err := svc.Create(context.Background(), provisioning.Caller{}, &provisioning.CreateTenantInput{
		Type: "product",
		Name: "Racy Tenant",
	})
	require.NoError(t, err)
	require.Equal(t, 2, store.createCalls)
	require.Len(t, tenant.Code, provisioning.GeneratedCodeLength)
}

func TestPersistSecondCollisionIsFatal(t *testing.T) {
	store := newMemStore()
	store.dupFailures = 2
	svc := newTestService(store)

	_, err := svc.Create(context.Background(), provisioning.Caller{}, &provisioning.CreateTenantInput{
		Type: "product",
		Name: "Very Racy Tenant",
	})
	require.ErrorIs(t, err, core.ErrPersistence)
	require.Equal(t, 2, store.createCalls, "exactly one retry after the first collision")
}

func TestPersistNoRetryForSuppliedCode(t *testing.T) {
	store := newMemStore()
	store.dupFailures = 1
	svc := newTestService(store)

	_, err := svc.Create(context.Background(), provisioning.Caller{}, &provisioning.CreateTenantInput{
		Type: "product",
		Name: "Pinned Code Tenant",
		Code: "PINNED",
	})
	require.ErrorIs(t, err, core.ErrPersistence)
	require.Equal(t, 1, store.createCalls)
}

func TestCreateUsesCallerStore(t *testing.T) {
	platform := newMemStore()
	alt := newMemStore()
	svc := newTestServiceWithFactory(platform, func(dsn string) (provisioning.TenantStore, error) {
		require.Equal(t, "postgres://alt", dsn)
		return alt, nil
	})

	_, err := svc.Create(context.Background(),
		provisioning.Caller{TenantID: "caller", TenantType: "client", TenantDSN: "postgres://alt"},
		&provisioning.CreateTenantInput{Type: "product", Name: "Alt DB Tenant"})
	require.NoError(t, err)

	require.Empty(t, platform.tenants)
	require.Len(t, alt.tenants, 1)
	require.True(t, alt.closed, "per-request store must be closed on exit")
}

func TestDeleteGuards(t *testing.T) {
	store := newMemStore()
	store.tenants[tenantID1] = &db.Tenant{ID: tenantID1, Code: "SELF1", Name: "Self", Locked: true}
	store.tenants[tenantID2] = &db.Tenant{ID: tenantID2, Code: "LOCK1", Name: "Locked", Locked: true}
	store.tenants[tenantID3] = &db.Tenant{ID: tenantID3, Code: "PLAIN", Name: "Plain"}
	svc := newTestService(store)

	caller := provisioning.Caller{TenantID: tenantID1}

	// Self-deletion wins over the lock guard.
	err := svc.Delete(context.Background(), caller, tenantID1, "")
	require.ErrorIs(t, err, core.ErrSelfTenantDeletion)
	require.Contains(t, store.tenants, tenantID1)

	err = svc.Delete(context.Background(), caller, tenantID2, "")
	require.ErrorIs(t, err, core.ErrLockedRecord)
	require.Contains(t, store.tenants, tenantID2)

	require.NoError(t, svc.Delete(context.Background(), caller, tenantID3, ""))
	require.NotContains(t, store.tenants, tenantID3)
}

func TestDeleteByCodeAndMissingInput(t *testing.T) {
	store := newMemStore()
	store.tenants[tenantID1] = &db.Tenant{ID: tenantID1, Code: "CODEA", Name: "A"}
	svc := newTestService(store)

	require.ErrorIs(t, svc.Delete(context.Background(), provisioning.Caller{}, "", ""), core.ErrMissingIDOrCode)
	require.ErrorIs(t, svc.Delete(context.Background(), provisioning.Caller{}, "", "NOPE1"), core.ErrTenantNotFound)
	require.ErrorIs(t, svc.Delete(context.Background(), provisioning.Caller{}, "not-a-uuid", ""), core.ErrInvalidID)
	require.NoError(t, svc.Delete(context.Background(), provisioning.Caller{}, "", "CODEA"))
}

func TestListExcludesConsoleTenants(t *testing.T) {
	store := newMemStore()
	store.tenants[tenantID1] = &db.Tenant{ID: tenantID1, Code: "AAAA1", Name: "A"}
	store.tenants[tenantID2] = &db.Tenant{ID: tenantID2, Code: "CCCC1", Name: "Console", Console: true}
	svc := newTestService(store)

	tenants, err := svc.List(context.Background(), provisioning.Caller{})
	require.NoError(t, err)
	require.Len(t, tenants, 1)
	require.Equal(t, "AAAA1", tenants[0].Code)
}

func TestAddApplicationKey(t *testing.T) {
	store := newMemStore()
	store.tenants[tenantID1] = &db.Tenant{
		ID: tenantID1, Code: "TEN01", Name: "Tenant",
		Applications: db.Applications{{AppID: "app-1", Product: "PROD", Package: "PROD_BASIC", Keys: []db.Key{}}},
	}
	svc := newTestService(store)

	tenant, err := svc.AddApplicationKey(context.Background(), provisioning.Caller{}, tenantID1, "app-1",
		map[string]interface{}{"mode": "test"})
	require.NoError(t, err)
	require.Len(t, tenant.Applications[0].Keys, 1)
	require.NotEmpty(t, tenant.Applications[0].Keys[0].Key)

	_, err = svc.AddApplicationKey(context.Background(), provisioning.Caller{}, tenantID1, "missing", nil)
	require.ErrorIs(t, err, core.ErrApplicationAdd)
}

func TestAddApplicationExtKey(t *testing.T) {
	store := newMemStore()
	store.tenants[tenantID1] = &db.Tenant{
		ID: tenantID1, Code: "TEN01", Name: "Tenant",
		Applications: db.Applications{{
			AppID: "app-1", Product: "PROD", Package: "PROD_BASIC",
			Keys: []db.Key{{Key: "internal-key", ExtKeys: []db.ExternalKey{}}},
		}},
	}
	svc := newTestService(store)

	tenant, err := svc.AddApplicationExtKey(context.Background(), provisioning.Caller{}, tenantID1, "app-1",
		"internal-key", &provisioning.ExtKeyInput{Env: "dev", Label: "dev key"})
	require.NoError(t, err)

	extKeys := tenant.Applications[0].Keys[0].ExtKeys
	require.Len(t, extKeys, 1)
	require.Equal(t, "DEV", extKeys[0].Env)

	_, err = svc.AddApplicationExtKey(context.Background(), provisioning.Caller{}, tenantID1, "app-1",
		"wrong-key", &provisioning.ExtKeyInput{Env: "dev"})
	require.ErrorIs(t, err, core.ErrExternalKey)
}

func TestListApplicationExtKeys(t *testing.T) {
	store := newMemStore()
	store.tenants[tenantID1] = &db.Tenant{
		ID: tenantID1, Code: "TEN01", Name: "Tenant",
		Applications: db.Applications{{
			AppID: "app-1",
			Keys:  []db.Key{{Key: "k1", ExtKeys: []db.ExternalKey{{ExtKey: "e1", Env: "DEV"}}}},
		}},
	}
	svc := newTestService(store)

	extKeys, err := svc.ListApplicationExtKeys(context.Background(), provisioning.Caller{}, tenantID1, "app-1", "k1")
	require.NoError(t, err)
	require.Len(t, extKeys, 1)
	require.Equal(t, "e1", extKeys[0].ExtKey)

	// Lookup misses surface a not-found code, not a derivation failure.
	_, err = svc.ListApplicationExtKeys(context.Background(), provisioning.Caller{}, tenantID1, "missing", "k1")
	require.ErrorIs(t, err, core.ErrKeyNotFound)

	_, err = svc.ListApplicationExtKeys(context.Background(), provisioning.Caller{}, tenantID1, "app-1", "wrong")
	require.ErrorIs(t, err, core.ErrKeyNotFound)
}

// recordingResolver captures the context the pipeline hands to package
// resolution.
type recordingResolver struct {
	ctx context.Context
}

func (r *recordingResolver) ResolvePackage(ctx context.Context, productCode, packageCode string) (*db.Package, error) {
	r.ctx = ctx
	return &db.Package{Code: productCode + "_" + packageCode}, nil
}

func TestCreateForwardsContextToResolver(t *testing.T) {
	store := newMemStore()
	resolver := &recordingResolver{}
	svc := provisioning.NewService(store, nil,
		stubRegistry{envs: map[string]db.Environment{}}, resolver,
		provisioning.HKDFKeyProvider{}, nil,
		metrics.NewCollector(prometheus.NewRegistry()), zap.NewNop())

	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "request-scoped")

	_, err := svc.Create(ctx, provisioning.Caller{}, &provisioning.CreateTenantInput{
		Type: "product",
		Name: "Ctx Tenant",
		Application: &provisioning.ApplicationInput{
			ProductCode: "PROD",
			PackageCode: "BASIC",
			TTLHours:    24,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, resolver.ctx)
	require.Equal(t, "request-scoped", resolver.ctx.Value(ctxKey{}))
}

func TestSweepExpiredExtKeys(t *testing.T) {
	expired := int64(1000)
	future := int64(1) << 60

	store := newMemStore()
	store.tenants[tenantID1] = &db.Tenant{
		ID: tenantID1, Code: "TEN01", Name: "Tenant",
		Applications: db.Applications{{
			AppID: "app-1",
			Keys: []db.Key{{Key: "k1", ExtKeys: []db.ExternalKey{
				{ExtKey: "old", Env: "DEV", ExpDate: &expired},
				{ExtKey: "forever", Env: "DEV", ExpDate: nil},
				{ExtKey: "fresh", Env: "DEV", ExpDate: &future},
			}}},
		}},
	}
	svc := newTestService(store)

	removed, err := svc.SweepExpiredExtKeys(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	extKeys := store.tenants[tenantID1].Applications[0].Keys[0].ExtKeys
	require.Len(t, extKeys, 2)
	require.Equal(t, "forever", extKeys[0].ExtKey)
	require.Equal(t, "fresh", extKeys[1].ExtKey)
}
