// Package resolver turns a selector and an environment into the ordered
// service bindings a command runs against.
package resolver

import (
	"strings"

	"github.com/goliatone/go-service-command"
)

// Resolver maps a selector to bindings. Implementations never consult saved
// resource state.
type Resolver interface {
	Resolve(selector, environment string) ([]command.ServiceBinding, error)
}

// Resolve evaluates the comma-separated selector terms left to right.
// Supported terms:
//
//	api            exact service name
//	all, *         every service
//	@edge          every service in group "edge"
//	api-*, #-db    segment patterns
//
// Within a term matches follow catalog order. Duplicates keep their first
// position. Zero matches is a validation error.
func (c *Catalog) Resolve(selector, environment string) ([]command.ServiceBinding, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nil, command.NewValidationError("selector is empty", nil)
	}
	environment = strings.TrimSpace(environment)
	env, ok := c.Environments[environment]
	if !ok {
		return nil, command.NewValidationError("unknown environment", map[string]any{
			"environment": environment,
		})
	}

	picked := make([]int, 0, len(c.Services))
	seen := make(map[int]struct{}, len(c.Services))
	add := func(i int) {
		if _, dup := seen[i]; dup {
			return
		}
		seen[i] = struct{}{}
		picked = append(picked, i)
	}

	for _, raw := range strings.Split(selector, ",") {
		term := strings.TrimSpace(raw)
		if term == "" {
			continue
		}
		matches, err := c.matchTerm(term)
		if err != nil {
			return nil, err
		}
		for _, i := range matches {
			add(i)
		}
	}

	if len(picked) == 0 {
		return nil, command.NewValidationError("selector matched no services", map[string]any{
			"selector":    selector,
			"environment": environment,
		})
	}

	out := make([]command.ServiceBinding, 0, len(picked))
	for _, i := range picked {
		binding, err := bind(c.Services[i], environment, env)
		if err != nil {
			return nil, err
		}
		out = append(out, binding)
	}
	return out, nil
}

func (c *Catalog) matchTerm(term string) ([]int, error) {
	var out []int
	switch {
	case term == "all" || term == "*":
		for i := range c.Services {
			out = append(out, i)
		}
	case strings.HasPrefix(term, "@"):
		group := strings.TrimPrefix(term, "@")
		for i, svc := range c.Services {
			for _, g := range svc.Groups {
				if g == group {
					out = append(out, i)
					break
				}
			}
		}
		if len(out) == 0 {
			return nil, command.NewValidationError("unknown service group", map[string]any{"group": group})
		}
	case isPattern(term):
		for i, svc := range c.Services {
			if matchSegments(term, svc.Name) {
				out = append(out, i)
			}
		}
	default:
		for i, svc := range c.Services {
			if svc.Name == term {
				return []int{i}, nil
			}
		}
		return nil, command.NewValidationError("unknown service", map[string]any{"service": term})
	}
	return out, nil
}

// bind applies environment precedence: service override, then service
// definition, then environment default.
func bind(svc ServiceDef, envName string, env Environment) (command.ServiceBinding, error) {
	override := env.Services[svc.Name]

	platform := override.Platform
	if platform == "" {
		platform = svc.Platform
	}
	if platform == "" {
		platform = env.DefaultPlatform
	}
	if platform == "" {
		return command.ServiceBinding{}, command.NewValidationError("service has no platform in environment", map[string]any{
			"service":     svc.Name,
			"environment": envName,
		})
	}

	cfg := make(map[string]any, len(env.Config)+len(svc.Config)+len(override.Config))
	for k, v := range env.Config {
		cfg[k] = v
	}
	for k, v := range svc.Config {
		cfg[k] = v
	}
	for k, v := range override.Config {
		cfg[k] = v
	}
	return command.NewServiceBinding(svc.Name, platform, svc.Type, cfg), nil
}
