package modelfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkurt/erwin-addin-sub001/pkg/engine"
)

func newModel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sales.yaml")
	_, err := Create(path, "Sales")
	require.NoError(t, err)
	return path
}

func newProvider(t *testing.T, opts ...Option) *Provider {
	t.Helper()
	p, err := NewProvider(opts...)
	require.NoError(t, err)
	return p
}

func TestNewProvider_Surface(t *testing.T) {
	tests := []struct {
		version string
		surface Surface
	}{
		{"9.2", SurfaceModern},
		{"9.0", SurfaceModern},
		{"12.10.3", SurfaceModern},
		{"8.5", SurfaceLegacy},
		{"7", SurfaceLegacy},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			p := newProvider(t, WithVersion(tt.version))
			assert.Equal(t, tt.surface, p.Surface())
		})
	}

	_, err := NewProvider(WithVersion("latest"))
	assert.Error(t, err)

	assert.Equal(t, SurfaceModern, newProvider(t).Surface())
	assert.Equal(t, []string{"file", "modelfile"}, newProvider(t).Schemes())
}

func TestOpenSession_Errors(t *testing.T) {
	p := newProvider(t)
	ctx := context.Background()

	_, err := p.OpenSession(ctx, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	_, err = p.OpenSession(ctx, "s3://bucket/model.yaml")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.OpenSession(cancelled, newModel(t))
	assert.ErrorIs(t, err, context.Canceled)

	garbage := filepath.Join(t.TempDir(), "garbage.yaml")
	require.NoError(t, os.WriteFile(garbage, []byte("objects: [{kind: Entity}]"), 0o644))
	_, err = p.OpenSession(ctx, garbage)
	assert.ErrorContains(t, err, "needs id and kind")
}

func TestOpenSession_Requires(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: New\nrequires: \">= 9.0\"\nobjects: []\n"), 0o644))

	_, err := newProvider(t, WithVersion("8.5")).OpenSession(context.Background(), path)
	assert.ErrorIs(t, err, ErrIncompatibleModel)

	h, err := newProvider(t, WithVersion("9.1")).OpenSession(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, h.Close())
}

func TestModernSession_CreateCommitSave(t *testing.T) {
	path := newModel(t)
	p := newProvider(t)

	h, err := p.OpenSession(context.Background(), "file://"+path)
	require.NoError(t, err)
	s, ok := h.(*ModernSession)
	require.True(t, ok, "expected modern session, got %T", h)

	token, err := s.BeginNamedTransaction("Create Entity")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, s.InTransaction())

	obj, err := s.CreateObject("Entity")
	require.NoError(t, err)
	setter, ok := obj.(engine.PropertySetter)
	require.True(t, ok)
	require.NoError(t, setter.SetProperty("Name", "CUSTOMER"))

	require.NoError(t, s.CommitTransaction(token))
	require.NoError(t, s.Close())

	doc, ok := h.Document().(*ModernDocument)
	require.True(t, ok)
	assert.True(t, doc.Dirty())
	assert.Equal(t, "file://"+path, doc.Locator())

	require.NoError(t, doc.SaveTo("file://"+path))
	assert.False(t, doc.Dirty())

	m, err := Load(path)
	require.NoError(t, err)
	require.Len(t, m.Objects, 1)
	assert.Equal(t, obj.ID(), m.Objects[0].ID)
	assert.Equal(t, "CUSTOMER", m.Objects[0].Name())
	assert.Len(t, m.FindByName("Entity", "CUSTOMER"), 1)
	assert.False(t, m.UpdatedAt.IsZero())
}

func TestModernSession_TokenMismatch(t *testing.T) {
	h, err := newProvider(t).OpenSession(context.Background(), newModel(t))
	require.NoError(t, err)
	s := h.(*ModernSession)

	_, err = s.BeginNamedTransaction("t")
	require.NoError(t, err)

	assert.ErrorIs(t, s.CommitTransaction("other"), ErrTokenMismatch)
	assert.ErrorIs(t, s.RollbackTransaction("other"), ErrTokenMismatch)
	assert.True(t, s.InTransaction())
}

func TestSession_RollbackRestoresSnapshot(t *testing.T) {
	h, err := newProvider(t).OpenSession(context.Background(), newModel(t))
	require.NoError(t, err)
	s := h.(*ModernSession)

	token, err := s.BeginNamedTransaction("t")
	require.NoError(t, err)
	obj, err := s.CreateObject("Entity")
	require.NoError(t, err)
	require.NoError(t, s.RollbackTransaction(token))

	doc := h.Document().(*ModernDocument)
	assert.Empty(t, doc.Model().Objects)
	assert.False(t, doc.Dirty())

	// The rolled back object no longer exists.
	_, err = s.BeginNamedTransaction("t2")
	require.NoError(t, err)
	assert.ErrorIs(t, obj.(*PropertyObject).SetProperty("Name", "X"), ErrObjectNotFound)
}

func TestSession_StateErrors(t *testing.T) {
	h, err := newProvider(t).OpenSession(context.Background(), newModel(t))
	require.NoError(t, err)
	s := h.(*ModernSession)

	_, err = s.CreateObject("Entity")
	assert.ErrorIs(t, err, ErrNoTransaction)
	assert.ErrorIs(t, s.CommitTransaction(""), ErrNoTransaction)

	_, err = s.BeginNamedTransaction("t")
	require.NoError(t, err)
	_, err = s.BeginNamedTransaction("again")
	assert.ErrorIs(t, err, ErrTransactionActive)

	_, err = s.CreateObject("Widget")
	assert.ErrorIs(t, err, ErrUnsupportedKind)

	obj, err := s.CreateObject("Entity")
	require.NoError(t, err)
	assert.ErrorIs(t, obj.(*PropertyObject).SetProperty("", "x"), ErrEmptyPropertyName)

	// Close rolls back the open transaction.
	require.NoError(t, s.Close())
	assert.False(t, s.InTransaction())
	assert.Empty(t, h.Document().(*ModernDocument).Model().Objects)

	assert.ErrorIs(t, s.Close(), ErrSessionClosed)
	_, err = s.BeginNamedTransaction("t")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestLegacySession_Capabilities(t *testing.T) {
	path := newModel(t)
	h, err := newProvider(t, WithVersion("8.5")).OpenSession(context.Background(), path)
	require.NoError(t, err)

	_, named := h.(engine.NamedTransactionBeginner)
	assert.False(t, named)
	_, tokenCommit := h.(engine.TokenCommitter)
	assert.False(t, tokenCommit)

	s, ok := h.(*LegacySession)
	require.True(t, ok)
	require.NoError(t, s.BeginTransaction())

	obj, err := s.CreateObject("Entity")
	require.NoError(t, err)
	_, hasProperty := obj.(engine.PropertySetter)
	assert.False(t, hasProperty)

	field := obj.(*FieldObject)
	assert.ErrorIs(t, field.SetField("Owner", "me"), ErrUnknownField)
	require.NoError(t, field.SetField("Name", "CUSTOMER"))
	require.NoError(t, s.Commit())
	require.NoError(t, s.Close())

	doc := h.Document()
	_, targetSaver := doc.(engine.TargetSaver)
	assert.False(t, targetSaver)
	require.NoError(t, doc.(engine.DefaultSaver).Save())

	m, err := Load(path)
	require.NoError(t, err)
	require.Len(t, m.Objects, 1)
	assert.Equal(t, "CUSTOMER", m.Objects[0].Name())
}

func TestDocument_SaveToOtherTarget(t *testing.T) {
	path := newModel(t)
	h, err := newProvider(t).OpenSession(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	doc := h.Document().(*ModernDocument)

	copyPath := filepath.Join(t.TempDir(), "copy.yaml")
	require.NoError(t, doc.SaveTo("modelfile://"+copyPath))
	_, err = Load(copyPath)
	require.NoError(t, err)

	assert.ErrorIs(t, doc.SaveTo("http://example.com/model.yaml"), ErrUnsupportedScheme)
}

func TestDocument_SaveDetectsOutsideChange(t *testing.T) {
	path := newModel(t)
	h, err := newProvider(t).OpenSession(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	require.NoError(t, os.WriteFile(path, []byte("name: Edited elsewhere\nobjects: []\n"), 0o644))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	doc := h.Document().(*ModernDocument)
	assert.ErrorIs(t, doc.Save(), ErrStaleDocument)
	assert.True(t, doc.Stale())

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Edited elsewhere", m.Name)
}

func TestDocument_WatchMarksStale(t *testing.T) {
	path := newModel(t)
	h, err := newProvider(t, WithWatch(true)).OpenSession(context.Background(), path)
	require.NoError(t, err)
	s := h.(*ModernSession)
	defer s.Close()

	token, err := s.BeginNamedTransaction("t")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("name: Edited elsewhere\nobjects: []\n"), 0o644))

	doc := h.Document().(*ModernDocument)
	assert.Eventually(t, doc.Stale, 5*time.Second, 10*time.Millisecond)

	_, err = s.CreateObject("Entity")
	assert.ErrorIs(t, err, ErrStaleDocument)
	assert.ErrorIs(t, s.CommitTransaction(token), ErrStaleDocument)
	require.NoError(t, s.RollbackTransaction(token))
}

func TestCreate_And_AtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "model.yaml")

	m, err := Create(path, "Fresh")
	require.NoError(t, err)
	assert.Equal(t, "Fresh", m.Name)

	_, err = Create(path, "Again")
	assert.ErrorContains(t, err, "already exists")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "temp file left behind: %s", e.Name())
	}
}
