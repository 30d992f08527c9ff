package core

import (
	"errors"
	"fmt"
)

// Error is the wire-level error shape: a stable numeric code plus a
// human-readable message. The code table is part of the API contract and
// must not be renumbered.
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Msg)
}

// Is matches on the numeric code so callers can compare against the
// sentinel values below with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

var (
	ErrValidation          = &Error{400, "Business logic required data are missing."}
	ErrInvalidID           = &Error{426, "Invalid record id provided."}
	ErrTenantList          = &Error{436, "Unable to list tenants."}
	ErrTenantNotFound      = &Error{450, "Unable to find tenant."}
	ErrDuplicateTenant     = &Error{451, "Tenant already exists."}
	ErrMissingParent       = &Error{452, "Main tenant id is required."}
	ErrParentNotFound      = &Error{453, "Unable to find main tenant."}
	ErrApplicationAdd      = &Error{454, "Unable to add tenant application."}
	ErrKeyGeneration       = &Error{455, "Unable to generate tenant application key."}
	ErrExternalKey         = &Error{456, "Unable to generate tenant application external key."}
	ErrCodeExhausted       = &Error{457, "Unable to generate a unique tenant code."}
	ErrEnvironmentNotFound = &Error{458, "Unable to find environment."}
	ErrPersistence         = &Error{459, "Unable to persist tenant record."}
	ErrProductNotFound     = &Error{460, "Unable to find product."}
	ErrPackageNotFound     = &Error{461, "Unable to find packages."}
	ErrSelfTenantDeletion  = &Error{462, "You are not allowed to remove the tenant you are currently logged in with."}
	ErrKeyNotFound         = &Error{463, "Unable to find application key."}
	ErrSelfProductDeletion = &Error{466, "You are not allowed to remove the product you are currently logged in with."}
	ErrDuplicatePackage    = &Error{467, "Package already exists."}
	ErrDuplicateProduct    = &Error{468, "Product already exists."}
	ErrProductAdd          = &Error{469, "Unable to add product."}
	ErrMissingName         = &Error{473, "Missing required field: name."}
	ErrMissingIDOrCode     = &Error{474, "Missing required field: either id or code."}
	ErrLockedRecord        = &Error{500, "You cannot modify or delete a locked record."}
	ErrModelUnavailable    = &Error{601, "Model not found."}
	ErrModel               = &Error{602, "Model error: "}
)

// ModelError wraps an underlying storage failure in the generic 602 class,
// suffixing the driver's error text onto the template message.
func ModelError(err error) *Error {
	if err == nil {
		return &Error{ErrModel.Code, ErrModel.Msg}
	}
	return &Error{ErrModel.Code, ErrModel.Msg + err.Error()}
}
