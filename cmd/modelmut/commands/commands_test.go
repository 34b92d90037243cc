package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkurt/erwin-addin-sub001/pkg/providers/modelfile"
)

type workspace struct {
	dir    string
	config string
	model  string
}

func newWorkspace(t *testing.T, extra string) *workspace {
	t.Helper()
	dir := t.TempDir()
	ws := &workspace{
		dir:    dir,
		config: filepath.Join(dir, "modelmut.yaml"),
		model:  filepath.Join(dir, "models", "sales.yaml"),
	}

	cfg := fmt.Sprintf(`store:
  enabled: true
  path: %s
telemetry:
  logging:
    level: error
    format: json
    output: discard
%s`, filepath.Join(dir, "history.db"), extra)
	require.NoError(t, os.WriteFile(ws.config, []byte(cfg), 0o644))
	return ws
}

func (ws *workspace) exec(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", ws.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return 0
	}
	var exit *ExitError
	require.ErrorAs(t, err, &exit)
	return exit.Code
}

func TestInit(t *testing.T) {
	ws := newWorkspace(t, "")
	written := filepath.Join(ws.dir, "out", "config.yaml")

	out, err := ws.exec(t, "init", ws.model, "--name", "Sales", "--write-config", written)
	require.NoError(t, err, out)
	assert.Contains(t, out, `Created model "Sales"`)

	m, err := modelfile.Load(ws.model)
	require.NoError(t, err)
	assert.Equal(t, "Sales", m.Name)
	assert.Empty(t, m.Objects)

	_, err = os.Stat(written)
	require.NoError(t, err)

	_, err = ws.exec(t, "init", ws.model)
	assert.ErrorContains(t, err, "already exists")
}

func TestRun_ShowAndHistory(t *testing.T) {
	ws := newWorkspace(t, "")
	_, err := ws.exec(t, "init", ws.model)
	require.NoError(t, err)

	out, err := ws.exec(t, "run", ws.model, "CUSTOMER")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Entity 'CUSTOMER' created")
	assert.Contains(t, out, "succeeded")

	out, err = ws.exec(t, "--json", "run", ws.model, "ORDERS", "--kind", "View", "--attribute", "Comment")
	require.NoError(t, err, out)
	var report map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "succeeded", report["status"])
	runID, _ := report["run_id"].(string)
	require.NotEmpty(t, runID)

	out, err = ws.exec(t, "show", ws.model)
	require.NoError(t, err)
	assert.Contains(t, out, "(2 objects)")
	assert.Contains(t, out, "CUSTOMER")
	assert.Contains(t, out, `Comment="ORDERS"`)

	out, err = ws.exec(t, "--json", "show", ws.model, "--kind", "View")
	require.NoError(t, err)
	var objects []modelfile.Object
	require.NoError(t, json.Unmarshal([]byte(out), &objects))
	require.Len(t, objects, 1)
	assert.Equal(t, "ORDERS", objects[0].Properties["Comment"])

	out, err = ws.exec(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, runID)
	assert.Contains(t, out, `Entity.Name="CUSTOMER"`)

	out, err = ws.exec(t, "history", "show", runID)
	require.NoError(t, err)
	assert.Contains(t, out, "Run "+runID+" (succeeded)")
	assert.Contains(t, out, "ok via begin-named-transaction")

	_, err = ws.exec(t, "history", "--status", "weird")
	assert.Error(t, err)
}

func TestRun_ExitCodes(t *testing.T) {
	ws := newWorkspace(t, "provider:\n  version: \"8.5\"\n")
	_, err := ws.exec(t, "init", ws.model)
	require.NoError(t, err)

	// The legacy surface cannot set arbitrary attributes.
	out, err := ws.exec(t, "run", ws.model, "finance", "--attribute", "Owner")
	assert.Equal(t, 2, exitCode(t, err), out)
	assert.Contains(t, out, "partial")

	out, err = ws.exec(t, "run", ws.model, "   ")
	assert.Equal(t, 1, exitCode(t, err), out)

	out, err = ws.exec(t, "run", filepath.Join(ws.dir, "missing.yaml"), "X")
	assert.Equal(t, 1, exitCode(t, err), out)

	_, err = ws.exec(t, "run", ws.model, "X", "--lock-mode", "spin")
	assert.ErrorContains(t, err, "lock.mode")
}

func TestPolicies(t *testing.T) {
	ws := newWorkspace(t, "")

	out, err := ws.exec(t, "policies")
	require.NoError(t, err)
	for _, name := range []string{"attribute-naming", "reserved-words", "target-kind"} {
		assert.Contains(t, out, name)
	}

	out, err = ws.exec(t, "policies", "check", "order")
	require.NoError(t, err, out)
	assert.Contains(t, out, "reserved-words")
	assert.Contains(t, out, "allowed")

	out, err = ws.exec(t, "policies", "check", "  ")
	assert.Equal(t, 1, exitCode(t, err), out)
	assert.Contains(t, out, "attribute-naming")
}

func TestPolicies_CustomPath(t *testing.T) {
	policyDir := t.TempDir()
	rego := `# Names must not start with tmp
package modelmut.policies.tmp

import rego.v1

deny contains violation if {
	startswith(lower(input.request.attribute_value), "tmp")
	violation := {"message": "temporary names are not allowed", "severity": "error"}
}
`
	require.NoError(t, os.WriteFile(filepath.Join(policyDir, "no-tmp.rego"), []byte(rego), 0o644))
	ws := newWorkspace(t, fmt.Sprintf("policy:\n  enabled: true\n  paths: [%q]\n", policyDir))

	out, err := ws.exec(t, "policies")
	require.NoError(t, err, out)
	assert.Contains(t, out, "no-tmp")

	_, err = ws.exec(t, "init", ws.model)
	require.NoError(t, err)
	out, err = ws.exec(t, "run", ws.model, "tmp_orders")
	assert.Equal(t, 1, exitCode(t, err), out)
	assert.Contains(t, out, "temporary names are not allowed")
}

func TestValidate(t *testing.T) {
	ws := newWorkspace(t, "")

	out, err := ws.exec(t, "validate")
	require.NoError(t, err, out)
	assert.Contains(t, out, "is valid")

	bad := filepath.Join(ws.dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("lock:\n  mode: spin\n"), 0o644))
	out, err = ws.exec(t, "validate", bad)
	assert.Equal(t, 1, exitCode(t, err))
	assert.Contains(t, out, "lock.mode")

	out, err = ws.exec(t, "validate", "--schema")
	require.NoError(t, err)
	assert.Contains(t, out, "#Config")
}

func TestHistory_Disabled(t *testing.T) {
	ws := newWorkspace(t, "")
	require.NoError(t, os.WriteFile(ws.config, []byte("store:\n  enabled: false\ntelemetry:\n  logging:\n    output: discard\n"), 0o644))

	_, err := ws.exec(t, "history")
	assert.ErrorContains(t, err, "run history is disabled")
}
