package provisioning

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// ExpiryGracePeriod is added to every requested external-key expiry date.
const ExpiryGracePeriod = 24 * time.Hour

// TenantMeta is the tenant identity an external key is bound to.
type TenantMeta struct {
	ID     string
	Code   string
	Locked bool
}

// AppMeta is the application identity an external key is bound to.
type AppMeta struct {
	Product string
	Package string
	AppID   string
}

// EnvMeta is the resolved environment record an external key is scoped to.
type EnvMeta struct {
	Code      string
	KeySecret string
}

// KeyProvider issues internal keys and derives environment-scoped external
// keys from them.
type KeyProvider interface {
	GenerateInternalKey() (string, error)
	GenerateExternalKey(internalKey string, tenant TenantMeta, app AppMeta, env EnvMeta) (string, error)
}

// HKDFKeyProvider is the default provider: internal keys are random tokens,
// external keys are HKDF-SHA256 expansions keyed by the internal key,
// salted by the environment secret and bound to the owning tenant and
// application identities.
type HKDFKeyProvider struct{}

func (HKDFKeyProvider) GenerateInternalKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (HKDFKeyProvider) GenerateExternalKey(internalKey string, tenant TenantMeta, app AppMeta, env EnvMeta) (string, error) {
	info := strings.Join([]string{
		tenant.ID,
		tenant.Code,
		strconv.FormatBool(tenant.Locked),
		app.Product,
		app.Package,
		app.AppID,
		strings.ToUpper(env.Code),
	}, "|")

	r := hkdf.New(sha256.New, []byte(internalKey), []byte(env.KeySecret), []byte(info))
	out := make([]byte, 96)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", err
	}
	return hex.EncodeToString(out), nil
}

// ComputeExpiry turns a requested expiry date into the stored absolute
// epoch-millisecond value, padded by the grace period. A nil request means
// the key never expires.
func ComputeExpiry(requested *time.Time) *int64 {
	if requested == nil {
		return nil
	}
	ms := requested.Add(ExpiryGracePeriod).UnixMilli()
	return &ms
}
