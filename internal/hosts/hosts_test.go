package hosts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHosts = `
hosts:
  - alias: prod-1
    ssh_user: deploy
    ssh_hostname: 10.0.0.5
    ssh_port: 2222
    identity_file: /keys/prod
    jump_host: bastion.example.com
    is_default: true
  - alias: staging
    ssh_hostname: staging.example.com
    docker_socket: /run/user/1000/docker.sock
`

func TestLoadMissingFileIsEmpty(t *testing.T) {
	reg, err := Load(filepath.Join(t.TempDir(), "hosts.yml"))
	require.NoError(t, err)
	assert.Empty(t, reg.List())

	_, ok := reg.Default()
	assert.False(t, ok)
}

func TestLoadAndLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleHosts), 0o600))

	reg, err := Load(path)
	require.NoError(t, err)

	prod, err := reg.Lookup("prod-1")
	require.NoError(t, err)
	assert.Equal(t, "deploy@10.0.0.5", prod.Destination())
	assert.Equal(t, 2222, prod.SSHPort)
	assert.Equal(t, DefaultDockerSocket, prod.Socket())
	assert.False(t, prod.IsLocal())

	staging, err := reg.Lookup("staging")
	require.NoError(t, err)
	assert.Equal(t, "staging.example.com", staging.Destination())
	assert.Equal(t, "/run/user/1000/docker.sock", staging.Socket())

	def, ok := reg.Default()
	require.True(t, ok)
	assert.Equal(t, "prod-1", def.Alias)

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "prod-1", list[0].Alias)
}

func TestLookupLocalAndUnknown(t *testing.T) {
	reg, err := Parse([]byte(sampleHosts))
	require.NoError(t, err)

	local, err := reg.Lookup(LocalAlias)
	require.NoError(t, err)
	assert.True(t, local.IsLocal())

	_, err = reg.Lookup("nope")
	assert.ErrorIs(t, err, ErrHostNotFound)
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing hostname", "hosts:\n  - alias: a\n"},
		{"port out of range", "hosts:\n  - alias: a\n    ssh_hostname: h\n    ssh_port: 70000\n"},
		{"reserved alias", "hosts:\n  - alias: local\n    ssh_hostname: h\n"},
		{"duplicate alias", "hosts:\n  - alias: a\n    ssh_hostname: h\n  - alias: a\n    ssh_hostname: h2\n"},
		{"two defaults", "hosts:\n  - alias: a\n    ssh_hostname: h\n    is_default: true\n  - alias: b\n    ssh_hostname: h2\n    is_default: true\n"},
		{"not yaml", "hosts: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidRegistry)
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".ssh/id_ed25519"), expandHome("~/.ssh/id_ed25519"))
	assert.Equal(t, "/abs/key", expandHome("/abs/key"))
	assert.Equal(t, "", expandHome(""))
}
