package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("wh-1")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "wh-1", cfg.Warehouse.ID)
	rule, ok := cfg.ActiveRule()
	require.True(t, ok)
	assert.Equal(t, "fifo", rule.Criterion)
	assert.Len(t, cfg.Allocation.Rules, 4)
}

func TestValidateRejects(t *testing.T) {
	tests := map[string]string{
		"unknown criterion": `
warehouse: {id: w}
allocation:
  rules:
    - {name: a, criterion: bogus}
`,
		"two active rules": `
warehouse: {id: w}
allocation:
  rules:
    - {name: a, criterion: fifo, active: true}
    - {name: b, criterion: priority_desc, active: true}
`,
		"missing warehouse": `
allocation:
  rules:
    - {name: a, criterion: fifo}
`,
		"duplicate rule": `
warehouse: {id: w}
allocation:
  rules:
    - {name: a, criterion: fifo}
    - {name: a, criterion: smallest_first}
`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stockline.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
warehouse: {id: north, name: North}
allocation:
  rules:
    - {name: legacy, criterion: prioridad_cliente, active: true}
  customer_ranks:
    ACME: 10
`), 0o644))
	cfg, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Allocation.CustomerRanks["ACME"])

	_, err = FromFile(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
}
