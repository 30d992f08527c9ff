package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type TenantType string

const (
	TenantTypeProduct TenantType = "product"
	TenantTypeClient  TenantType = "client"
)

// Tenant is the aggregate root of the provisioning model. Nested structures
// (oauth, parent reference, applications, profile) are stored as JSONB
// columns; the flat columns carry the indexed/unique fields.
type Tenant struct {
	ID           string       `json:"_id" db:"id"`
	Type         TenantType   `json:"type" db:"type"`
	Code         string       `json:"code" db:"code"`
	Name         string       `json:"name" db:"name"`
	Description  string       `json:"description,omitempty" db:"description"`
	Tag          string       `json:"tag,omitempty" db:"tag"`
	Profile      JSONB        `json:"profile,omitempty" db:"profile"`
	OAuth        OAuth        `json:"oauth" db:"oauth"`
	Parent       *ParentRef   `json:"tenant,omitempty" db:"parent"`
	Applications Applications `json:"applications" db:"applications"`
	Console      bool         `json:"console" db:"console"`
	Locked       bool         `json:"locked" db:"locked"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at" db:"updated_at"`
}

// ParentRef links a sub-tenant to its root tenant. Set once at creation,
// immutable afterwards.
type ParentRef struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

type OAuth struct {
	Secret      string   `json:"secret"`
	RedirectURI string   `json:"redirectURI"`
	Grants      []string `json:"grants"`
	Disabled    int      `json:"disabled"`
	Type        int      `json:"type"`
	LoginMode   string   `json:"loginMode"`
}

type Application struct {
	Product     string `json:"product"`
	Package     string `json:"package"`
	AppID       string `json:"appId"`
	Description string `json:"description,omitempty"`
	TTL         int64  `json:"_TTL"`
	Keys        []Key  `json:"keys"`
}

type Key struct {
	Key     string        `json:"key"`
	Config  JSONB         `json:"config"`
	ExtKeys []ExternalKey `json:"extKeys"`
}

type ExternalKey struct {
	ExtKey  string `json:"extKey"`
	Device  JSONB  `json:"device,omitempty"`
	Geo     JSONB  `json:"geo,omitempty"`
	Env     string `json:"env"`
	Label   string `json:"label,omitempty"`
	ExpDate *int64 `json:"expDate"`
}

type Applications []Application

// Product owns packages and the ACL scope consumed by tenant applications.
type Product struct {
	ID          string    `json:"_id" db:"id"`
	Code        string    `json:"code" db:"code"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description,omitempty" db:"description"`
	Console     bool      `json:"console" db:"console"`
	Locked      bool      `json:"locked" db:"locked"`
	Scope       Scope     `json:"scope" db:"scope"`
	Packages    Packages  `json:"packages" db:"packages"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

type Scope struct {
	ACL ACL `json:"acl"`
}

// Package codes are parent-scoped, persisted as <PRODUCT>_<PKG>.
type Package struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	TTL         int64  `json:"_TTL"`
	ACL         ACL    `json:"acl"`
}

type Packages []Package

// ACL maps environment -> service -> versioned per-method allow-lists.
type ACL map[string]map[string][]ACLVersion

type ACLVersion struct {
	Version        string   `json:"version"`
	Get            []string `json:"get,omitempty"`
	Post           []string `json:"post,omitempty"`
	Put            []string `json:"put,omitempty"`
	Delete         []string `json:"delete,omitempty"`
	Access         *bool    `json:"access,omitempty"`
	APIsPermission string   `json:"apisPermission,omitempty"`
}

// Environment is a registry record resolved during external-key derivation.
// KeySecret never leaves the service.
type Environment struct {
	Code        string    `json:"code" db:"code"`
	Description string    `json:"description,omitempty" db:"description"`
	KeySecret   string    `json:"-" db:"key_secret"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Custom types for PostgreSQL JSONB columns

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	return scanJSON(value, j)
}

func (o OAuth) Value() (driver.Value, error) {
	return json.Marshal(o)
}

func (o *OAuth) Scan(value interface{}) error {
	if value == nil {
		*o = OAuth{}
		return nil
	}
	return scanJSON(value, o)
}

func (p ParentRef) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func (p *ParentRef) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	return scanJSON(value, p)
}

func (a Applications) Value() (driver.Value, error) {
	if a == nil {
		return json.Marshal([]Application{})
	}
	return json.Marshal(a)
}

func (a *Applications) Scan(value interface{}) error {
	if value == nil {
		*a = Applications{}
		return nil
	}
	return scanJSON(value, a)
}

func (s Scope) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *Scope) Scan(value interface{}) error {
	if value == nil {
		*s = Scope{}
		return nil
	}
	return scanJSON(value, s)
}

func (p Packages) Value() (driver.Value, error) {
	if p == nil {
		return json.Marshal([]Package{})
	}
	return json.Marshal(p)
}

func (p *Packages) Scan(value interface{}) error {
	if value == nil {
		*p = Packages{}
		return nil
	}
	return scanJSON(value, p)
}

func scanJSON(value, dest interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", value)
	}
}
