package deploy

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// composeDoc is the subset of the compose schema the planner needs. It is
// decoded independently of shared/compose's docker-compose-v2-backed
// execution path (which parses the same YAML again, for real, via
// compose-go/v2) — this copy exists purely so PlanDeployment/ServiceGroups
// can reason about dependency order and reject cycles/build: before a
// single docker API call is made.
type composeDoc struct {
	Services map[string]composeService `yaml:"services"`
	Networks map[string]composeExternal `yaml:"networks"`
	Volumes  map[string]composeExternal `yaml:"volumes"`
}

type composeService struct {
	Image       string            `yaml:"image"`
	Build       yaml.Node         `yaml:"build"`
	DependsOn   dependsOnField    `yaml:"depends_on"`
	Networks    stringListField   `yaml:"networks"`
	Volumes     []string          `yaml:"volumes"`
	Ports       []string          `yaml:"ports"`
	Environment map[string]string `yaml:"environment"`
}

type composeExternal struct {
	External bool `yaml:"external"`
}

// dependsOnField accepts both compose forms: a plain list of service names,
// or a map of service name to a condition object ({condition: ...}).
type dependsOnField []string

func (d *dependsOnField) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*d = list
		return nil
	case yaml.MappingNode:
		m := map[string]yaml.Node{}
		if err := node.Decode(&m); err != nil {
			return err
		}
		names := make([]string, 0, len(m))
		for name := range m {
			names = append(names, name)
		}
		*d = names
		return nil
	case 0:
		*d = nil
		return nil
	default:
		return fmt.Errorf("deploy: depends_on: unsupported YAML node kind %v", node.Kind)
	}
}

// stringListField accepts both compose forms for a service's networks:
// a plain list, or a map of network name to attachment config (aliases,
// ipv4_address, ...) — only the names matter to the planner.
type stringListField []string

func (s *stringListField) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	case yaml.MappingNode:
		m := map[string]yaml.Node{}
		if err := node.Decode(&m); err != nil {
			return err
		}
		names := make([]string, 0, len(m))
		for name := range m {
			names = append(names, name)
		}
		*s = names
		return nil
	case 0:
		*s = nil
		return nil
	default:
		return fmt.Errorf("deploy: networks: unsupported YAML node kind %v", node.Kind)
	}
}

// ParseCompose decodes a compose document into the planner's Stack shape.
// It never touches a docker client or the filesystem — it is pure planning
// input, grounded on the same schema shared/compose.Service eventually
// parses for real via compose-go/v2's loader.
func ParseCompose(composeYAML string) (Stack, error) {
	var doc composeDoc
	if err := yaml.Unmarshal([]byte(composeYAML), &doc); err != nil {
		return Stack{}, fmt.Errorf("deploy: parsing compose document: %w", err)
	}

	stack := Stack{
		Services: make(map[string]ServiceSpec, len(doc.Services)),
		Networks: make(map[string]NetworkSpec, len(doc.Networks)),
		Volumes:  make(map[string]VolumeSpec, len(doc.Volumes)),
	}
	for name, svc := range doc.Services {
		stack.Services[name] = ServiceSpec{
			Name:        name,
			Image:       svc.Image,
			DependsOn:   []string(svc.DependsOn),
			Networks:    []string(svc.Networks),
			Volumes:     svc.Volumes,
			Ports:       svc.Ports,
			Environment: svc.Environment,
			HasBuild:    svc.Build.Kind != 0,
		}
	}
	for name, net := range doc.Networks {
		stack.Networks[name] = NetworkSpec{Name: name, External: net.External}
	}
	for name, vol := range doc.Volumes {
		stack.Volumes[name] = VolumeSpec{Name: name, External: vol.External}
	}
	return stack, nil
}
