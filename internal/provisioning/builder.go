package provisioning

import (
	"time"

	"github.com/provisio/provisio/internal/core"
	"github.com/provisio/provisio/internal/db"
)

// CreateTenantInput is the validated input of the create-tenant operation.
type CreateTenantInput struct {
	Type        string                 `json:"type" binding:"required,oneof=product client"`
	Code        string                 `json:"code" binding:"omitempty,alphanum,min=4,max=6"`
	Name        string                 `json:"name" binding:"required"`
	Description string                 `json:"description"`
	OAuth       *db.OAuth              `json:"oauth"`
	Profile     map[string]interface{} `json:"profile"`
	Tag         string                 `json:"tag"`
	MainTenant  string                 `json:"mainTenant"`
	Application *ApplicationInput      `json:"application"`
}

type ApplicationInput struct {
	ProductCode string       `json:"productCode" binding:"required,alphanum,max=5"`
	PackageCode string       `json:"packageCode" binding:"required,alphanum,max=5"`
	Description string       `json:"description"`
	TTLHours    int64        `json:"_TTL" binding:"required,oneof=6 12 24 48 72 96 120 144 168"`
	AppKey      *AppKeyInput `json:"appKey"`
}

type AppKeyInput struct {
	Config map[string]interface{} `json:"config"`
	ExtKey *ExtKeyInput           `json:"extKey"`
}

type ExtKeyInput struct {
	Device  map[string]interface{} `json:"device"`
	Geo     map[string]interface{} `json:"geo"`
	Env     string                 `json:"env" binding:"required"`
	Label   string                 `json:"label"`
	ExpDate string                 `json:"expDate"` // ISO-8601
}

// DefaultOAuth is the oauth template applied when the caller supplies none
// and no parent configuration is inherited.
func DefaultOAuth() db.OAuth {
	return db.OAuth{
		Secret:      "this is a secret",
		RedirectURI: "http://domain.com",
		Grants:      []string{"password", "refresh_token"},
		Disabled:    1,
		Type:        2,
		LoginMode:   "oauth",
	}
}

// NewDraft assembles the in-memory tenant record from the create input.
// Applications start empty; the orchestrator attaches at most one.
func NewDraft(in *CreateTenantInput) *db.Tenant {
	now := time.Now().UTC()
	draft := &db.Tenant{
		ID:           GenerateID(),
		Type:         db.TenantType(in.Type),
		Code:         in.Code,
		Name:         in.Name,
		Description:  in.Description,
		Tag:          in.Tag,
		Profile:      db.JSONB(in.Profile),
		OAuth:        DefaultOAuth(),
		Applications: db.Applications{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.OAuth != nil {
		draft.OAuth = *in.OAuth
	}
	return draft
}

// InheritFromParent links a non-root draft to its parent tenant and copies
// the parent's oauth configuration unless the caller supplied one.
func InheritFromParent(draft *db.Tenant, parent *db.Tenant, oauthSupplied bool) error {
	if parent == nil {
		return core.ErrMissingParent
	}
	if parent.Code == "" {
		return core.ErrParentNotFound
	}
	draft.Parent = &db.ParentRef{ID: parent.ID, Code: parent.Code}
	if !oauthSupplied {
		draft.OAuth = parent.OAuth
	}
	return nil
}

// BuildApplication constructs one application entity from the input,
// carrying whatever key material was generated for it. TTL input is hours,
// stored as milliseconds.
func BuildApplication(in *ApplicationInput, keys []db.Key) db.Application {
	if keys == nil {
		keys = []db.Key{}
	}
	return db.Application{
		Product:     in.ProductCode,
		Package:     in.ProductCode + "_" + in.PackageCode,
		AppID:       GenerateID(),
		Description: in.Description,
		TTL:         in.TTLHours * 3600 * 1000,
		Keys:        keys,
	}
}
