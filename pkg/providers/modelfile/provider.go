package modelfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/hashicorp/go-version"

	"github.com/kkurt/erwin-addin-sub001/pkg/engine"
	"github.com/kkurt/erwin-addin-sub001/pkg/telemetry"
)

// ProviderName is the name reported by Provider.Name.
const ProviderName = "modelfile"

// DefaultVersion is the API version used when none is configured.
const DefaultVersion = "9.2"

// modernConstraint selects the modern API surface.
const modernConstraint = ">= 9.0"

// Surface is the API surface a provider version exposes.
type Surface string

const (
	// SurfaceModern has named transactions with tokens, indexed property
	// setters and save-to-target.
	SurfaceModern Surface = "modern"

	// SurfaceLegacy has anonymous transactions, direct field setters and
	// save-in-place only.
	SurfaceLegacy Surface = "legacy"
)

// Errors returned by sessions, objects and documents.
var (
	ErrSessionClosed      = errors.New("session closed")
	ErrNoTransaction      = errors.New("no active transaction")
	ErrTransactionActive  = errors.New("transaction already active")
	ErrTokenMismatch      = errors.New("transaction token does not match")
	ErrUnsupportedKind    = errors.New("unsupported object kind")
	ErrUnknownField       = errors.New("unknown field")
	ErrObjectNotFound     = errors.New("object not found")
	ErrStaleDocument      = errors.New("document changed on disk since it was opened")
	ErrUnsupportedScheme  = errors.New("unsupported locator scheme")
	ErrDocumentNotFound   = errors.New("document not found")
	ErrEmptyPropertyName  = errors.New("property name must not be empty")
	ErrIncompatibleModel  = errors.New("model is incompatible with this provider version")
	errProviderNotCreated = errors.New("provider not created with NewProvider")
)

// Kinds lists the object kinds a model can hold.
var Kinds = []string{"Attribute", "Domain", "Entity", "Relationship", "SubjectArea", "View"}

// LegacyFields lists the fields the legacy surface can set directly.
var LegacyFields = []string{"Comment", "Definition", "Name"}

// Provider opens sessions on YAML model documents.
type Provider struct {
	version *version.Version
	surface Surface
	schemes map[string]bool
	watch   bool
	logger  *telemetry.Logger
}

var _ engine.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider) error

// WithVersion sets the provider API version. Versions >= 9.0 expose the
// modern surface, older ones the legacy surface.
func WithVersion(v string) Option {
	return func(p *Provider) error {
		parsed, err := version.NewVersion(v)
		if err != nil {
			return fmt.Errorf("invalid provider version %q: %w", v, err)
		}
		p.version = parsed
		return nil
	}
}

// WithSchemes sets the locator schemes accepted besides raw paths.
func WithSchemes(schemes ...string) Option {
	return func(p *Provider) error {
		p.schemes = make(map[string]bool, len(schemes))
		for _, s := range schemes {
			p.schemes[s] = true
		}
		return nil
	}
}

// WithWatch makes open sessions watch their document for outside changes.
// A changed document fails further transaction work and saves with
// ErrStaleDocument.
func WithWatch(enabled bool) Option {
	return func(p *Provider) error {
		p.watch = enabled
		return nil
	}
}

// WithLogger sets the provider logger.
func WithLogger(logger *telemetry.Logger) Option {
	return func(p *Provider) error {
		if logger != nil {
			p.logger = logger.NewComponentLogger("modelfile")
		}
		return nil
	}
}

// NewProvider creates a provider.
func NewProvider(opts ...Option) (*Provider, error) {
	p := &Provider{
		schemes: map[string]bool{"file": true, ProviderName: true},
		logger:  telemetry.NopLogger(),
	}
	if err := WithVersion(DefaultVersion)(p); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}

	constraint, err := version.NewConstraint(modernConstraint)
	if err != nil {
		return nil, err
	}
	p.surface = SurfaceLegacy
	if constraint.Check(p.version) {
		p.surface = SurfaceModern
	}

	return p, nil
}

// Name implements engine.Provider.
func (p *Provider) Name() string {
	return ProviderName
}

// Version returns the provider API version.
func (p *Provider) Version() string {
	return p.version.String()
}

// Surface returns the API surface selected by the version.
func (p *Provider) Surface() Surface {
	return p.surface
}

// Schemes returns the accepted locator schemes, sorted.
func (p *Provider) Schemes() []string {
	out := make([]string, 0, len(p.schemes))
	for s := range p.schemes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// resolve turns a locator into a file path.
func (p *Provider) resolve(locator string) (string, error) {
	h, err := engine.ParseHandle(locator)
	if err != nil {
		return "", err
	}
	if scheme := h.Scheme(); scheme != "" && !p.schemes[scheme] {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
	return h.Path(), nil
}

// OpenSession implements engine.Provider. The returned handle is a
// *ModernSession or a *LegacySession depending on the surface.
func (p *Provider) OpenSession(ctx context.Context, locator string) (engine.SessionHandle, error) {
	if p.version == nil {
		return nil, errProviderNotCreated
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := p.resolve(locator)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, path)
		}
		return nil, fmt.Errorf("failed to stat document: %w", err)
	}

	model, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := model.checkRequires(p.version); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompatibleModel, err)
	}

	doc := newDocument(p, locator, path, model, info)
	if p.watch {
		if err := doc.watch(); err != nil {
			p.logger.Zerolog().Warn().Err(err).Str("path", path).Msg("Document watch unavailable")
		}
	}

	s := &session{
		provider: p,
		doc:      doc,
		logger:   p.logger.WithLocator(locator),
	}

	s.logger.Zerolog().Debug().
		Str("surface", string(p.surface)).
		Str("version", p.version.String()).
		Int("objects", len(model.Objects)).
		Msg("Session opened")

	if p.surface == SurfaceModern {
		return &ModernSession{session: s}, nil
	}
	return &LegacySession{session: s}, nil
}
