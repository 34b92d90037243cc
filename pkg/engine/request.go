package engine

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

// Defaults for the common "create a named entity" request.
const (
	DefaultTargetKind    = "Entity"
	DefaultAttributeName = "Name"
)

// MutationRequest describes one semantic change: create an object of
// TargetKind and set AttributeName to AttributeValue.
type MutationRequest struct {
	TargetKind     string `json:"target_kind" yaml:"target_kind" validate:"required,notblank"`
	AttributeName  string `json:"attribute_name" yaml:"attribute_name" validate:"required,notblank"`
	AttributeValue string `json:"attribute_value" yaml:"attribute_value" validate:"required,notblank"`
}

// NewEntityRequest returns a request that creates an Entity with the given name.
func NewEntityRequest(name string) MutationRequest {
	return MutationRequest{
		TargetKind:     DefaultTargetKind,
		AttributeName:  DefaultAttributeName,
		AttributeValue: name,
	}
}

var requestValidator = newRequestValidator()

func newRequestValidator() *validator.Validate {
	v := validator.New()
	// Whitespace-only values count as empty.
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the request before any resource is touched.
func (r MutationRequest) Validate() error {
	err := requestValidator.Struct(r)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewValidationError("invalid mutation request", err)
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return NewValidationError(
		fmt.Sprintf("invalid mutation request: %s must not be blank", strings.Join(fields, ", ")),
		err,
	).WithStep("validate").WithDetail("fields", fields)
}

// String renders the request as Kind.Attribute="value".
func (r MutationRequest) String() string {
	return fmt.Sprintf("%s.%s=%q", r.TargetKind, r.AttributeName, r.AttributeValue)
}

// ResourceHandle identifies the external document a run mutates.
// Locators are raw paths or "<scheme>://path".
type ResourceHandle struct {
	Locator string
}

// ParseHandle validates a locator and wraps it in a ResourceHandle.
func ParseHandle(locator string) (ResourceHandle, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return ResourceHandle{}, NewValidationError("resource locator must not be empty", nil).WithStep("validate")
	}
	h := ResourceHandle{Locator: locator}
	if h.Path() == "" {
		return ResourceHandle{}, NewValidationError("resource locator has no path", nil).
			WithLocator(locator).WithStep("validate")
	}
	return h, nil
}

// Scheme returns the locator's scheme, or "" for a raw path.
func (h ResourceHandle) Scheme() string {
	scheme, _, ok := strings.Cut(h.Locator, "://")
	if !ok {
		return ""
	}
	return scheme
}

// Path returns the file-system path part of the locator.
func (h ResourceHandle) Path() string {
	_, rest, ok := strings.Cut(h.Locator, "://")
	if !ok {
		return h.Locator
	}
	if unescaped, err := url.PathUnescape(rest); err == nil {
		return unescaped
	}
	return rest
}

// Qualified returns the locator qualified with scheme. A locator that
// already carries a scheme is returned unchanged.
func (h ResourceHandle) Qualified(scheme string) string {
	if h.Scheme() != "" || scheme == "" {
		return h.Locator
	}
	return scheme + "://" + h.Path()
}

// Key returns the lock key for the handle. Locators naming the same path share a key.
func (h ResourceHandle) Key() string {
	p := h.Path()
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return filepath.Clean(p)
}

// String implements fmt.Stringer.
func (h ResourceHandle) String() string {
	return h.Locator
}
