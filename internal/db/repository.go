package db

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ErrNotFound is returned by single-record lookups when nothing matches.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateCode is the normalized duplicate-code signal for store
// implementations that do not speak the Postgres wire protocol.
var ErrDuplicateCode = errors.New("duplicate code")

type Repository struct {
	db *sqlx.DB

	// owned is set for per-request handles opened against a caller-supplied
	// tenant database; Close is a no-op on the shared platform handle.
	owned bool
}

func NewConnection(databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// OpenTenantRepository opens a dedicated handle against a caller-supplied
// tenant database. The caller owns the handle and must Close it on every
// exit path.
func OpenTenantRepository(dsn string) (*Repository, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	return &Repository{db: db, owned: true}, nil
}

func (r *Repository) Close() error {
	if !r.owned {
		return nil
	}
	return r.db.Close()
}

func (r *Repository) Ping() error {
	return r.db.Ping()
}

// IsDuplicateCode reports whether err is the storage layer's unique-violation
// signal on a code column.
func IsDuplicateCode(err error) bool {
	if errors.Is(err, ErrDuplicateCode) {
		return true
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "23505" &&
		(pqErr.Constraint == "tenants_code_key" || pqErr.Constraint == "products_code_key")
}

// Tenant operations

func (r *Repository) CreateTenant(t *Tenant) error {
	query := `
        INSERT INTO tenants (
            id, type, code, name, description, tag, profile, oauth,
            parent, applications, console, locked, created_at, updated_at
        ) VALUES (
            :id, :type, :code, :name, :description, :tag, :profile, :oauth,
            :parent, :applications, :console, :locked, :created_at, :updated_at
        )`

	_, err := r.db.NamedExec(query, t)
	return err
}

func (r *Repository) GetTenantByID(id string) (*Tenant, error) {
	var t Tenant
	err := r.db.Get(&t, `SELECT * FROM tenants WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) GetTenantByCode(code string) (*Tenant, error) {
	var t Tenant
	err := r.db.Get(&t, `SELECT * FROM tenants WHERE code = $1`, code)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTenants returns tenant records, excluding console tenants unless
// includeConsole is set.
func (r *Repository) ListTenants(includeConsole bool) ([]Tenant, error) {
	tenants := []Tenant{}
	query := `SELECT * FROM tenants ORDER BY created_at`
	if !includeConsole {
		query = `SELECT * FROM tenants WHERE console = false ORDER BY created_at`
	}
	if err := r.db.Select(&tenants, query); err != nil {
		return nil, err
	}
	return tenants, nil
}

// ListTenantCodes returns every code currently in use, feeding the
// collision check of the code generator.
func (r *Repository) ListTenantCodes() ([]string, error) {
	codes := []string{}
	if err := r.db.Select(&codes, `SELECT code FROM tenants`); err != nil {
		return nil, err
	}
	return codes, nil
}

// CountTenants counts records colliding with a prospective tenant: same
// name, or same code when a code was supplied.
func (r *Repository) CountTenants(name, code string) (int, error) {
	var count int
	var err error
	if code != "" {
		err = r.db.Get(&count,
			`SELECT COUNT(*) FROM tenants WHERE name = $1 OR code = $2`, name, code)
	} else {
		err = r.db.Get(&count,
			`SELECT COUNT(*) FROM tenants WHERE name = $1`, name)
	}
	return count, err
}

func (r *Repository) DeleteTenant(id string) error {
	res, err := r.db.Exec(`DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTenantApplications rewrites the applications document of one tenant.
// Used by the key-management update operations.
func (r *Repository) UpdateTenantApplications(id string, apps Applications) error {
	res, err := r.db.Exec(
		`UPDATE tenants SET applications = $1, updated_at = $2 WHERE id = $3`,
		apps, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Product operations

func (r *Repository) CreateProduct(p *Product) error {
	query := `
        INSERT INTO products (
            id, code, name, description, console, locked, scope, packages,
            created_at, updated_at
        ) VALUES (
            :id, :code, :name, :description, :console, :locked, :scope, :packages,
            :created_at, :updated_at
        )`

	_, err := r.db.NamedExec(query, p)
	return err
}

func (r *Repository) GetProductByID(id string) (*Product, error) {
	var p Product
	err := r.db.Get(&p, `SELECT * FROM products WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) GetProductByCode(code string) (*Product, error) {
	var p Product
	err := r.db.Get(&p, `SELECT * FROM products WHERE code = $1`, code)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProducts returns regular or console products depending on the flag.
func (r *Repository) ListProducts(console bool) ([]Product, error) {
	products := []Product{}
	err := r.db.Select(&products,
		`SELECT * FROM products WHERE console = $1 ORDER BY created_at`, console)
	if err != nil {
		return nil, err
	}
	return products, nil
}

// CountProducts counts records colliding with a prospective product by name
// or code.
func (r *Repository) CountProducts(name, code string) (int, error) {
	var count int
	err := r.db.Get(&count,
		`SELECT COUNT(*) FROM products WHERE name = $1 OR code = $2`, name, code)
	return count, err
}

func (r *Repository) DeleteProduct(id string) error {
	res, err := r.db.Exec(`DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProductScope rewrites a product's ACL scope and packages document.
// Used by package mutations and the ACL purge operation.
func (r *Repository) UpdateProductScope(id string, scope Scope, packages Packages) error {
	res, err := r.db.Exec(
		`UPDATE products SET scope = $1, packages = $2, updated_at = $3 WHERE id = $4`,
		scope, packages, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Environment operations

func (r *Repository) GetEnvironment(code string) (*Environment, error) {
	var e Environment
	err := r.db.Get(&e, `SELECT * FROM environments WHERE code = $1`, code)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
