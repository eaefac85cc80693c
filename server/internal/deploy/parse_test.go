package deploy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseComposeBasic(t *testing.T) {
	stack, err := ParseCompose(sampleCompose)
	require.NoError(t, err)
	require.Contains(t, stack.Services, "web")
	require.Contains(t, stack.Services, "db")
	assert.Equal(t, "nginx:latest", stack.Services["web"].Image)
	assert.Equal(t, []string{"db"}, stack.Services["web"].DependsOn)
	assert.False(t, stack.Services["web"].HasBuild)
	assert.False(t, stack.Networks["default"].External)
}

func TestParseComposeDependsOnMapForm(t *testing.T) {
	doc := `
services:
  web:
    image: nginx
    depends_on:
      db:
        condition: service_healthy
  db:
    image: postgres
`
	stack, err := ParseCompose(doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"db"}, stack.Services["web"].DependsOn)
}

func TestParseComposeNetworksListAndMapForms(t *testing.T) {
	doc := `
services:
  web:
    image: nginx
    networks:
      - frontend
  app:
    image: myapp
    networks:
      backend:
        aliases: [api]
`
	stack, err := ParseCompose(doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"frontend"}, stack.Services["web"].Networks)
	assert.Equal(t, []string{"backend"}, stack.Services["app"].Networks)
}

func TestParseComposeDetectsBuildDirective(t *testing.T) {
	doc := `
services:
  app:
    build: .
`
	stack, err := ParseCompose(doc)
	require.NoError(t, err)
	assert.True(t, stack.Services["app"].HasBuild)
}

func TestParseComposeExternalNetworksAndVolumes(t *testing.T) {
	doc := `
services:
  app:
    image: myapp
networks:
  shared:
    external: true
volumes:
  data:
    external: true
`
	stack, err := ParseCompose(doc)
	require.NoError(t, err)
	assert.True(t, stack.Networks["shared"].External)
	assert.True(t, stack.Volumes["data"].External)
}
