package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkurt/erwin-addin-sub001/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	require.NoError(t, err)
	return eng
}

func TestNewEngine_LoadsBuiltins(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"attribute-naming", "reserved-words", "target-kind"}, names)
}

func TestEvaluateRequest_Naming(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name       string
		value      string
		allowed    bool
		violations int
		warnings   int
		contains   string
	}{
		{name: "valid", value: "CUSTOMER", allowed: true},
		{name: "blank", value: "   ", allowed: false, violations: 1, contains: "must not be blank"},
		{name: "too long", value: strings.Repeat("A", MaxNameLength+1), allowed: false, violations: 1, contains: "must not exceed 128"},
		{name: "exactly max", value: strings.Repeat("A", MaxNameLength), allowed: true},
		{name: "control character", value: "CUST\tOMER", allowed: false, violations: 1, contains: "control characters"},
		{name: "padded", value: " CUSTOMER ", allowed: true, warnings: 1, contains: "leading or trailing whitespace"},
		{name: "reserved", value: "order", allowed: true, warnings: 1, contains: "SQL reserved word"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := engine.MutationRequest{TargetKind: "Entity", AttributeName: "Name", AttributeValue: tt.value}
			result, err := eng.EvaluateRequest(context.Background(), "doc1", req)
			require.NoError(t, err)

			assert.Equal(t, tt.allowed, result.Allowed)
			assert.Len(t, result.Violations, tt.violations)
			assert.Len(t, result.Warnings, tt.warnings)
			assert.Len(t, result.Evaluated, 3)

			if tt.contains != "" {
				var all []string
				for _, v := range append(result.Violations, result.Warnings...) {
					all = append(all, v.Message)
				}
				assert.Contains(t, strings.Join(all, "\n"), tt.contains)
			}
		})
	}
}

func TestEvaluateRequest_EmptyKind(t *testing.T) {
	eng := newTestEngine(t)

	result, err := eng.EvaluateRequest(context.Background(), "doc1", engine.MutationRequest{
		TargetKind: " ", AttributeName: "Name", AttributeValue: "CUSTOMER",
	})
	require.NoError(t, err)

	assert.False(t, result.Allowed)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, "target-kind", result.Violations[0].Policy)
	assert.Equal(t, "target_kind", result.Violations[0].Field)
	assert.Equal(t, SeverityError, result.Violations[0].Severity)
}

func TestEvaluate_Verdict(t *testing.T) {
	eng := newTestEngine(t)

	verdict, err := eng.Evaluate(context.Background(), "doc1", engine.NewEntityRequest("\x01bad"))
	require.NoError(t, err)
	assert.False(t, verdict.Allowed())
	require.Len(t, verdict.Violations, 1)
	assert.True(t, strings.HasPrefix(verdict.Violations[0], "attribute-naming: "))

	verdict, err = eng.Evaluate(context.Background(), "doc1", engine.NewEntityRequest("USER"))
	require.NoError(t, err)
	assert.True(t, verdict.Allowed())
	assert.Equal(t, []string{"reserved-words: 'USER' is an SQL reserved word"}, verdict.Warnings)
}

func TestEvaluate_CancelledContext(t *testing.T) {
	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.Evaluate(ctx, "doc1", engine.NewEntityRequest("CUSTOMER"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDisableAndEnablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	req := engine.NewEntityRequest("   ")

	require.NoError(t, eng.DisablePolicy("attribute-naming"))
	result, err := eng.EvaluateRequest(context.Background(), "doc1", req)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.NotContains(t, result.Evaluated, "attribute-naming")

	require.NoError(t, eng.EnablePolicy("attribute-naming"))
	result, err = eng.EvaluateRequest(context.Background(), "doc1", req)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	assert.Error(t, eng.DisablePolicy("missing"))
}

func TestGetPolicy(t *testing.T) {
	eng := newTestEngine(t)

	p, err := eng.GetPolicy("target-kind")
	require.NoError(t, err)
	assert.Equal(t, SeverityError, p.Severity)

	_, err = eng.GetPolicy("missing")
	assert.Error(t, err)
}

func TestLoadPolicies_Custom(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()

	rego := `package custom.prefix

import rego.v1

# Entities must use the ENT_ prefix
deny contains violation if {
	input.request.target_kind == "Entity"
	not startswith(input.request.attribute_value, "ENT_")
	violation := {"message": "entity names need the ENT_ prefix", "severity": "error", "ticket": "DM-1"}
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "entity-prefix.rego"), []byte(rego), 0o644))
	require.NoError(t, eng.LoadPolicies(context.Background(), []string{dir}))

	result, err := eng.EvaluateRequest(context.Background(), "doc1", engine.NewEntityRequest("CUSTOMER"))
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, "entity-prefix", result.Violations[0].Policy)
	assert.Equal(t, "DM-1", result.Violations[0].Metadata["ticket"])

	result, err = eng.EvaluateRequest(context.Background(), "doc1", engine.NewEntityRequest("ENT_CUSTOMER"))
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestLoadPolicies_CompileErrorKeepsExisting(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("package broken\n\ndeny contains"), 0o644))

	err := eng.LoadPolicies(context.Background(), []string{dir})
	require.Error(t, err)
	assert.Len(t, eng.ListPolicies(), 3)
}

func TestLoadPolicies_ShadowingBuiltinRejected(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	rego := "package shadow\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "target-kind.rego"), []byte(rego), 0o644))

	err := eng.LoadPolicies(context.Background(), []string{dir})
	assert.ErrorContains(t, err, "shadows a built-in policy")
}

func TestReloadPolicies_DropsCustom(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	rego := "package extra\n\nimport rego.v1\n\ndeny contains \"never\" if { false }\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.rego"), []byte(rego), 0o644))
	require.NoError(t, eng.LoadPolicies(context.Background(), []string{dir}))
	require.Len(t, eng.ListPolicies(), 4)

	require.NoError(t, eng.ReloadPolicies(context.Background()))
	assert.Len(t, eng.ListPolicies(), 3)
}

func TestCreateViolation(t *testing.T) {
	p := &Policy{Name: "p", Severity: SeverityWarning}

	v := createViolation(p, "plain message")
	assert.Equal(t, "plain message", v.Message)
	assert.Equal(t, SeverityWarning, v.Severity)

	v = createViolation(p, map[string]interface{}{"message": "m", "severity": "bogus"})
	assert.Equal(t, SeverityWarning, v.Severity)

	v = createViolation(p, map[string]interface{}{"message": "m", "severity": "critical"})
	assert.True(t, v.Severity.Blocking())
}
