package resolver

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goliatone/go-service-command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
services:
  - name: api-gateway
    type: web
    platform: container
    groups: [edge]
    config:
      image: gateway:1.0
      port: 8080
  - name: backend
    type: backend
    groups: [core]
    config:
      command: ./bin/backend
  - name: mail-worker
    groups: [core, async]
  - name: mail-bulk-worker
    groups: [async]
  - name: db
    type: database
    platform: aws
environments:
  dev:
    default_platform: posix
    config:
      region: local
    services:
      db:
        platform: mock
  prod:
    default_platform: container
    config:
      region: eu-west-1
    services:
      backend:
        platform: aws
        config:
          cluster: prod-main
`

func loadTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := LoadCatalog(strings.NewReader(testCatalog))
	require.NoError(t, err)
	return c
}

func names(bindings []command.ServiceBinding) []string {
	out := make([]string, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, b.Name)
	}
	return out
}

func TestResolveSelectors(t *testing.T) {
	c := loadTestCatalog(t)

	tests := []struct {
		selector string
		want     []string
	}{
		{"backend", []string{"backend"}},
		{"db,backend,api-gateway", []string{"db", "backend", "api-gateway"}},
		{"all", []string{"api-gateway", "backend", "mail-worker", "mail-bulk-worker", "db"}},
		{"*", []string{"api-gateway", "backend", "mail-worker", "mail-bulk-worker", "db"}},
		{"@async", []string{"mail-worker", "mail-bulk-worker"}},
		{"@core,@async", []string{"backend", "mail-worker", "mail-bulk-worker"}},
		{"api-*", []string{"api-gateway"}},
		{"mail-*", []string{"mail-worker"}},
		{"#-worker", []string{"mail-worker", "mail-bulk-worker"}},
		{"db, db ,backend", []string{"db", "backend"}},
		{"backend,all", []string{"backend", "api-gateway", "mail-worker", "mail-bulk-worker", "db"}},
	}

	for _, tc := range tests {
		t.Run(tc.selector, func(t *testing.T) {
			got, err := c.Resolve(tc.selector, "dev")
			require.NoError(t, err)
			assert.Equal(t, tc.want, names(got))
		})
	}
}

func TestResolveRejects(t *testing.T) {
	c := loadTestCatalog(t)

	tests := []struct {
		name     string
		selector string
		env      string
	}{
		{"empty selector", "", "dev"},
		{"blank selector", "  ", "dev"},
		{"only commas", ",,", "dev"},
		{"unknown service", "nope", "dev"},
		{"unknown group", "@nope", "dev"},
		{"pattern without matches", "cache-*", "dev"},
		{"unknown environment", "backend", "staging"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := c.Resolve(tc.selector, tc.env)
			assert.Nil(t, got)
			assert.True(t, command.IsValidation(err), "expected validation error, got %v", err)
		})
	}
}

func TestResolvePlatformPrecedence(t *testing.T) {
	c := loadTestCatalog(t)

	dev, err := c.Resolve("all", "dev")
	require.NoError(t, err)
	platforms := map[string]command.Platform{}
	for _, b := range dev {
		platforms[b.Name] = b.Platform
	}
	assert.Equal(t, command.PlatformContainer, platforms["api-gateway"], "service definition beats environment default")
	assert.Equal(t, command.PlatformPOSIX, platforms["backend"], "environment default fills the gap")
	assert.Equal(t, command.PlatformMock, platforms["db"], "environment override beats service definition")

	prod, err := c.Resolve("backend", "prod")
	require.NoError(t, err)
	require.Len(t, prod, 1)
	assert.Equal(t, command.PlatformAWS, prod[0].Platform)
	assert.Equal(t, "prod-main", prod[0].String("cluster", ""))
	assert.Equal(t, "eu-west-1", prod[0].String("region", ""))
	assert.Equal(t, "./bin/backend", prod[0].String("command", ""))
}

func TestResolveDefaultsServiceType(t *testing.T) {
	c := loadTestCatalog(t)
	got, err := c.Resolve("mail-worker", "dev")
	require.NoError(t, err)
	assert.Equal(t, command.ServiceTypeGeneric, got[0].Type)
}

func TestResolveBindingsAreIndependent(t *testing.T) {
	c := loadTestCatalog(t)
	first, err := c.Resolve("api-gateway", "dev")
	require.NoError(t, err)

	cfg := first[0].Config()
	cfg["image"] = "tampered"

	second, err := c.Resolve("api-gateway", "dev")
	require.NoError(t, err)
	assert.Equal(t, "gateway:1.0", second[0].String("image", ""))
	assert.Equal(t, "gateway:1.0", first[0].String("image", ""))
}

func TestLoadCatalogValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no services", "services: []\n"},
		{"duplicate names", "services:\n  - name: a\n  - name: a\n"},
		{"reserved name", "services:\n  - name: all\n"},
		{"unknown platform", "services:\n  - name: a\n    platform: mainframe\n"},
		{"unknown type", "services:\n  - name: a\n    type: quantum\n"},
		{"override for undeclared service", "services:\n  - name: a\nenvironments:\n  dev:\n    services:\n      b:\n        platform: posix\n"},
		{"unknown field", "services:\n  - name: a\n    colour: red\n"},
		{"padded name", "services:\n  - name: \" api \"\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadCatalog(strings.NewReader(tc.doc))
			assert.True(t, command.IsValidation(err), "expected validation error, got %v", err)
		})
	}
}

func TestLoadCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o644))

	c, err := LoadCatalogFile(path)
	require.NoError(t, err)
	assert.Len(t, c.Names(), 5)

	_, err = LoadCatalogFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, command.IsValidation(err))
}

func TestValidateRejectsPaddedName(t *testing.T) {
	c := &Catalog{Services: []ServiceDef{{Name: "api "}}}
	err := c.Validate()
	if !command.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	c.Services[0].Name = "api"
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResolveNoPlatform(t *testing.T) {
	c, err := LoadCatalog(strings.NewReader("services:\n  - name: a\nenvironments:\n  dev: {}\n"))
	require.NoError(t, err)

	_, err = c.Resolve("a", "dev")
	assert.True(t, command.IsValidation(err))
}

func TestMatchSegments(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"api", "api", true},
		{"api-*", "api-gateway", true},
		{"api-*", "api", false},
		{"api-*", "api-v1-edge", false},
		{"*-*", "api-gateway", true},
		{"#", "anything-at-all", true},
		{"#-worker", "worker", true},
		{"#-worker", "mail-bulk-worker", true},
		{"#-worker", "worker-pool", false},
		{"api-#", "api", true},
		{"a-#-z", "a-b-c-z", true},
		{"a-#-z", "a-z", true},
		{"a-*-z", "a-z", false},
	}

	for _, tc := range tests {
		if got := matchSegments(tc.pattern, tc.name); got != tc.want {
			t.Errorf("matchSegments(%q, %q) = %v; want %v", tc.pattern, tc.name, got, tc.want)
		}
	}
}
