package routes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/auth"
)

const sample = `
buses:
  - busId: 1
    name: North Loop
    stops:
      - name: Main Gate
        scheduledTime: "07:30"
      - name: Library
        scheduledTime: "07:42"
  - busId: 3
    name: Hostel Shuttle
    stops:
      - name: Hostel Block C
      - name: Engineering
accounts:
  - identifier: driver1@campus.edu
    name: Ravi
    role: driver
    busId: 1
    secretHash: "$2a$10$abcdefghijklmnopqrstuv"
  - identifier: gate@campus.edu
    role: security
    secretHash: "$2a$10$abcdefghijklmnopqrstuv"
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(sample))
	require.NoError(t, err)

	require.Len(t, f.Buses, 2)
	assert.Equal(t, "North Loop", f.Buses[0].Name)
	assert.Equal(t, "07:42", f.Buses[0].Stops[1].ScheduledTime)
	assert.Equal(t, 3, f.Buses[1].BusID)

	require.Len(t, f.Accounts, 2)
	assert.Equal(t, auth.RoleDriver, f.Accounts[0].Role)
	require.NotNil(t, f.Accounts[0].BusID)
	assert.Equal(t, 1, *f.Accounts[0].BusID)
	assert.Nil(t, f.Accounts[1].BusID)
}

func TestParseRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"Empty", "buses: []", "no buses"},
		{"Unknown Key", "buses:\n  - busId: 1\n    colour: red\n", "colour"},
		{"Duplicate Bus", "buses:\n  - busId: 1\n    stops: [{name: A}]\n  - busId: 1\n    stops: [{name: B}]\n", "duplicate busId"},
		{"No Stops", "buses:\n  - busId: 2\n", "no stops"},
		{"Bad Time", "buses:\n  - busId: 2\n    stops: [{name: A, scheduledTime: '7.30am'}]\n", "invalid scheduledTime"},
		{"Driver Without Bus", "buses:\n  - busId: 2\n    stops: [{name: A}]\naccounts:\n  - {identifier: d, role: driver, busId: 9, secretHash: x}\n", "must name a configured bus"},
		{"Bad Role", "buses:\n  - busId: 2\n    stops: [{name: A}]\naccounts:\n  - {identifier: d, role: pilot, secretHash: x}\n", "invalid role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, f.Buses, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
