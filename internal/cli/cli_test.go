package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/calcrt/internal/plugin/security"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	a := &app{
		build: BuildInfo{Version: "1.2.3", Commit: "abc123", Date: "2026-01-01"},
		out:   &out,
		err:   &errOut,
	}
	cmd := newRootCmd(a)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calcrt.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "calcrt 1.2.3 (commit abc123")
	assert.Contains(t, out, "script api v1")
}

func TestRun_Builtin(t *testing.T) {
	out, err := execute(t, "run", "cardiology.cha2ds2-vasc",
		"--inputs", `{"age":78,"gender":"female","chf":true}`)
	require.NoError(t, err)

	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.EqualValues(t, 4, res["value"])
	assert.Equal(t, "points", res["unit"])
}

func TestRun_InputsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inputs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"age":40,"gender":"male"}`), 0o644))

	out, err := execute(t, "run", "cardiology.cha2ds2-vasc", "--inputs-file", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"value": 0`)
}

func TestRun_Errors(t *testing.T) {
	_, err := execute(t, "run", "cardiology.cha2ds2-vasc", "--inputs", `[1,2]`)
	assert.ErrorContains(t, err, "JSON object")

	_, err = execute(t, "run", "cardiology.cha2ds2-vasc", "--inputs", `{"age":78}`)
	assert.ErrorContains(t, err, "gender is required")

	_, err = execute(t, "run", "nowhere", "--retries", "1")
	assert.ErrorContains(t, err, "no loader found")

	_, err = execute(t, "run")
	assert.Error(t, err)
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bmi.yaml"), []byte("id: bmi"), 0o644))
	cfg := writeConfig(t, "[loader]\nplugin_dirs = ['"+dir+"']\n")

	out, err := execute(t, "--config", cfg, "discover")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "cardiology.cha2ds2-vasc")
	assert.Contains(t, out, filepath.Join(dir, "bmi.yaml"))
}

func TestCheck(t *testing.T) {
	out, err := execute(t, "check", "cardiology.cha2ds2-vasc")
	require.NoError(t, err)
	var report checkReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Allowed)
	assert.Equal(t, "cardiology.cha2ds2-vasc", report.Plugin)
	assert.Equal(t, "low", report.Risk)

	risky := "inline:" + `{"namespace":"lab","id":"exporter","version":"1.0.0","type":"service",` +
		`"permissions":{"network":true,"identifiableData":true},"hooks":{"health":"return true"}}`
	out, err = execute(t, "check", risky)
	require.Error(t, err)
	assert.ErrorContains(t, err, "would be denied")
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.Allowed)
	assert.NotEmpty(t, report.Reason)
	require.Len(t, report.Capabilities, 2)
	for _, c := range report.Capabilities {
		assert.NotEmpty(t, c.DisplayName, c.Name)
	}
	assert.Contains(t, report.Capabilities, capabilityReport{
		Name:        security.CapabilityIdentifiableData,
		DisplayName: "Identifiable patient data",
		Description: "Read data that identifies a patient",
		Risk:        "high",
	})
}

func TestBadConfig(t *testing.T) {
	cfg := writeConfig(t, "[storage]\nbackend = 'tape'\n")
	_, err := execute(t, "--config", cfg, "discover")
	assert.ErrorContains(t, err, "storage.backend")
}
