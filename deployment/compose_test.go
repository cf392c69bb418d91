package deployment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const descriptorYAML = `services:
  flask-app:
    image: registry.example.com/acme/flask-app:latest
    ports:
      - "80:5000"
    restart: always
`

func pushedRef(t *testing.T) ImageRef {
	t.Helper()
	ref, err := ParseImageRef("registry.example.com/acme/flask-app:latest")
	require.NoError(t, err)
	return ref
}

func TestParseDescriptor(t *testing.T) {
	d, err := ParseDescriptor([]byte(descriptorYAML))
	require.NoError(t, err)

	svc, ok := d.Services["flask-app"]
	require.True(t, ok)
	assert.Equal(t, "registry.example.com/acme/flask-app:latest", svc.Image)
	assert.Equal(t, []string{"80:5000"}, svc.Ports)
	assert.Equal(t, "always", svc.Restart)
}

func TestParseDescriptorRejectsUnknownFields(t *testing.T) {
	_, err := ParseDescriptor([]byte("services:\n  app:\n    imgae: whoops\n"))
	assert.Error(t, err)
}

func TestParseDescriptorEmpty(t *testing.T) {
	_, err := ParseDescriptor([]byte("services: {}\n"))
	assert.Error(t, err)
}

func TestLoadDescriptor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docker-compose.yml")
	require.NoError(t, os.WriteFile(path, []byte(descriptorYAML), 0o644))

	d, err := LoadDescriptor(path)
	require.NoError(t, err)
	assert.Len(t, d.Services, 1)

	_, err = LoadDescriptor(filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)
}

func TestDescriptorRenderRoundTrip(t *testing.T) {
	d, err := ParseDescriptor([]byte(descriptorYAML))
	require.NoError(t, err)

	rendered, err := d.Render()
	require.NoError(t, err)

	again, err := ParseDescriptor(rendered)
	require.NoError(t, err)
	assert.Equal(t, d, again)
}

func TestDescriptorValidate(t *testing.T) {
	d, err := ParseDescriptor([]byte(descriptorYAML))
	require.NoError(t, err)

	assert.NoError(t, d.Validate(pushedRef(t)))
}

func TestDescriptorValidateTagMismatch(t *testing.T) {
	d, err := ParseDescriptor([]byte(descriptorYAML))
	require.NoError(t, err)

	stale, err := ParseImageRef("registry.example.com/acme/flask-app:v2")
	require.NoError(t, err)

	err = d.Validate(stale)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match pushed tag")
}

func TestDescriptorValidateNoMatchingService(t *testing.T) {
	d, err := ParseDescriptor([]byte("services:\n  other:\n    image: registry.example.com/acme/other:latest\n"))
	require.NoError(t, err)

	err = d.Validate(pushedRef(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no service references")
}

func TestDescriptorValidateBadRestartPolicy(t *testing.T) {
	d := &Descriptor{Services: map[string]Service{
		"flask-app": {Image: "registry.example.com/acme/flask-app:latest", Restart: "sometimes"},
	}}

	err := d.Validate(pushedRef(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restart policy")
}

func TestDescriptorValidateBadPorts(t *testing.T) {
	d := &Descriptor{Services: map[string]Service{
		"flask-app": {
			Image: "registry.example.com/acme/flask-app:latest",
			Ports: []string{"nonsense:port:extra:garbage"},
		},
	}}

	err := d.Validate(pushedRef(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port mapping")
}

func TestDescriptorValidateMissingImage(t *testing.T) {
	d := &Descriptor{Services: map[string]Service{"flask-app": {}}}
	assert.Error(t, d.Validate(pushedRef(t)))
}
