package deployment

import (
	"fmt"
	"os"

	"github.com/docker/go-connections/nat"
	"sigs.k8s.io/yaml"
)

// Descriptor is the compose-style file shipped to the remote host: service
// name -> run parameters. It is rendered verbatim for `docker compose`.
type Descriptor struct {
	Services map[string]Service `json:"services"`
}

// Service run parameters for one compose service.
type Service struct {
	Image   string   `json:"image"`
	Ports   []string `json:"ports,omitempty"`
	Restart string   `json:"restart,omitempty"`
	EnvFile string   `json:"env_file,omitempty"`
}

var restartPolicies = map[string]bool{
	"":               true,
	"no":             true,
	"always":         true,
	"on-failure":     true,
	"unless-stopped": true,
}

// LoadDescriptor reads and parses a descriptor file from the source tree.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading descriptor %v: %w", path, err)
	}
	return ParseDescriptor(data)
}

// ParseDescriptor parses descriptor YAML.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.UnmarshalStrict(data, &d); err != nil {
		return nil, fmt.Errorf("error parsing descriptor: %w", err)
	}
	if len(d.Services) == 0 {
		return nil, fmt.Errorf("descriptor declares no services")
	}
	return &d, nil
}

// Render marshals the descriptor to the YAML uploaded to the remote host.
func (d *Descriptor) Render() ([]byte, error) {
	return yaml.Marshal(d)
}

// Validate checks every service before the deploy stage starts: port mappings
// must parse, the restart policy must be one docker accepts, and any service
// running the pipeline image must reference exactly the tag just pushed.
// A stale tag here would make the remote host pull an image other than the
// one the build stage produced.
func (d *Descriptor) Validate(pushed ImageRef) error {
	matched := false

	for name, svc := range d.Services {
		if svc.Image == "" {
			return fmt.Errorf("service %v: missing image", name)
		}

		ref, err := ParseImageRef(svc.Image)
		if err != nil {
			return fmt.Errorf("service %v: %w", name, err)
		}

		if !restartPolicies[svc.Restart] {
			return fmt.Errorf("service %v: unknown restart policy %q", name, svc.Restart)
		}

		if len(svc.Ports) > 0 {
			if _, _, err := nat.ParsePortSpecs(svc.Ports); err != nil {
				return fmt.Errorf("service %v: invalid port mapping: %w", name, err)
			}
		}

		if ref.Registry == pushed.Registry && ref.Repository == pushed.Repository {
			if ref.Tag != pushed.Tag {
				return fmt.Errorf("service %v: descriptor tag %q does not match pushed tag %q",
					name, ref.Tag, pushed.Tag)
			}
			matched = true
		}
	}

	if !matched {
		return fmt.Errorf("no service references the pushed image %v", pushed.String())
	}

	return nil
}
