package resolver

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goliatone/go-service-command"
	"gopkg.in/yaml.v3"
)

// Catalog is the declarative description of services and the environments
// they are deployed to.
type Catalog struct {
	Services     []ServiceDef           `yaml:"services"`
	Environments map[string]Environment `yaml:"environments"`
}

// ServiceDef declares one service. Platform may be left empty and supplied
// by the environment.
type ServiceDef struct {
	Name     string              `yaml:"name"`
	Type     command.ServiceType `yaml:"type"`
	Platform command.Platform    `yaml:"platform"`
	Groups   []string            `yaml:"groups"`
	Config   map[string]any      `yaml:"config"`
}

// Environment sets per-environment defaults and per-service overrides.
type Environment struct {
	DefaultPlatform command.Platform           `yaml:"default_platform"`
	Config          map[string]any             `yaml:"config"`
	Services        map[string]ServiceOverride `yaml:"services"`
}

type ServiceOverride struct {
	Platform command.Platform `yaml:"platform"`
	Config   map[string]any   `yaml:"config"`
}

// LoadCatalog decodes and validates a YAML catalog.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return nil, command.NewValidationError("decode service catalog: "+err.Error(), nil)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadCatalogFile reads the catalog at path.
func LoadCatalogFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, command.NewValidationError("open service catalog", map[string]any{
			"path":  path,
			"error": err.Error(),
		})
	}
	defer f.Close()
	return LoadCatalog(f)
}

// Validate checks names are unique, platforms and types are known, and every
// environment override points at a declared service.
func (c *Catalog) Validate() error {
	if len(c.Services) == 0 {
		return command.NewValidationError("service catalog declares no services", nil)
	}

	seen := make(map[string]struct{}, len(c.Services))
	for i, svc := range c.Services {
		name := strings.TrimSpace(svc.Name)
		if name == "" {
			return command.NewValidationError(fmt.Sprintf("service #%d has no name", i), nil)
		}
		if name != svc.Name {
			return command.NewValidationError("service name has surrounding whitespace", map[string]any{"service": svc.Name})
		}
		if isReservedTerm(name) {
			return command.NewValidationError("service name is reserved", map[string]any{"service": name})
		}
		if _, dup := seen[name]; dup {
			return command.NewValidationError("duplicate service name", map[string]any{"service": name})
		}
		seen[name] = struct{}{}

		if svc.Platform != "" {
			if err := svc.Platform.Validate(); err != nil {
				return err
			}
		}
		if err := validateServiceType(svc.Type); err != nil {
			return err
		}
	}

	for envName, env := range c.Environments {
		if env.DefaultPlatform != "" {
			if err := env.DefaultPlatform.Validate(); err != nil {
				return err
			}
		}
		for svcName, override := range env.Services {
			if _, ok := seen[svcName]; !ok {
				return command.NewValidationError("environment overrides an undeclared service", map[string]any{
					"environment": envName,
					"service":     svcName,
				})
			}
			if override.Platform != "" {
				if err := override.Platform.Validate(); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Names returns service names in declaration order.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.Services))
	for _, svc := range c.Services {
		out = append(out, svc.Name)
	}
	return out
}

func validateServiceType(t command.ServiceType) error {
	switch t {
	case "", command.ServiceTypeGeneric, command.ServiceTypeWeb, command.ServiceTypeBackend,
		command.ServiceTypeFrontend, command.ServiceTypeDatabase, command.ServiceTypeFilesystem,
		command.ServiceTypeMCP:
		return nil
	}
	return command.NewValidationError("unknown service type", map[string]any{"service_type": string(t)})
}

func isReservedTerm(name string) bool {
	return name == "all" || strings.ContainsAny(name, "*#@,")
}
