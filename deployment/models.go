package deployment

import (
	"fmt"
	"strings"
	"time"
)

// ImageRef identifies a container image in a registry as registry/repository:tag.
// Pushing the same tag twice overwrites the previous image.
type ImageRef struct {
	Registry   string `json:"registry,omitempty"`
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
}

// ParseImageRef splits a reference string into registry, repository and tag.
// The tag defaults to "latest". The first path segment is treated as a
// registry host only when it contains a dot, a colon or is "localhost".
func ParseImageRef(ref string) (ImageRef, error) {
	if ref == "" {
		return ImageRef{}, fmt.Errorf("empty image reference")
	}

	name := ref
	tag := "latest"

	// The tag separator is the last colon after the last slash.
	if idx := strings.LastIndex(ref, ":"); idx > strings.LastIndex(ref, "/") {
		name = ref[:idx]
		tag = ref[idx+1:]
	}

	if name == "" || tag == "" {
		return ImageRef{}, fmt.Errorf("malformed image reference: %q", ref)
	}

	parsed := ImageRef{Repository: name, Tag: tag}

	if first, rest, found := strings.Cut(name, "/"); found {
		if strings.ContainsAny(first, ".:") || first == "localhost" {
			parsed.Registry = first
			parsed.Repository = rest
		}
	}

	if parsed.Repository == "" {
		return ImageRef{}, fmt.Errorf("malformed image reference: %q", ref)
	}

	return parsed, nil
}

func (r ImageRef) String() string {
	if r.Registry == "" {
		return r.Repository + ":" + r.Tag
	}
	return r.Registry + "/" + r.Repository + ":" + r.Tag
}

// RemoteTarget is the host the deploy stage operates on.
type RemoteTarget struct {
	Host           string `json:"host"`
	Port           int    `json:"port,omitempty"`
	User           string `json:"user,omitempty"`
	DescriptorPath string `json:"descriptorPath"`
}

// Addr returns host:port, defaulting to the standard SSH port.
func (t RemoteTarget) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", t.Host, port)
}

// DeployRequest is the payload of a Pipeline.Push.Received event.
type DeployRequest struct {
	App            string       `json:"app"`
	Branch         string       `json:"branch"`
	ChangedPaths   []string     `json:"changedPaths"`
	ContextDir     string       `json:"contextDir"`
	Dockerfile     string       `json:"dockerfile,omitempty"`
	Image          string       `json:"image"`
	DescriptorFile string       `json:"descriptorFile"`
	EnvVars        []EnvVar     `json:"envVars,omitempty"`
	SecretKeys     []string     `json:"secretKeys,omitempty"`
	Target         RemoteTarget `json:"target"`
}

// ShouldTrigger reports whether the request matches the pipeline trigger
// filter: branch must match and at least one changed path must start with
// pathPrefix. An empty filter value matches everything.
func (req DeployRequest) ShouldTrigger(branch, pathPrefix string) bool {
	if branch != "" && req.Branch != branch {
		return false
	}
	if pathPrefix == "" {
		return true
	}
	for _, p := range req.ChangedPaths {
		if strings.HasPrefix(p, pathPrefix) {
			return true
		}
	}
	return false
}

// Stage status values.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// StageResult holds the outcome of one pipeline stage.
type StageResult struct {
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func (s *StageResult) start() {
	s.Status = StatusRunning
	s.StartedAt = time.Now().UTC()
}

func (s *StageResult) finish(err error) {
	s.FinishedAt = time.Now().UTC()
	if err != nil {
		s.Status = StatusFailed
		s.Error = err.Error()
		return
	}
	s.Status = StatusSucceeded
}

// PipelineRecord is the persisted trace of one pipeline run.
type PipelineRecord struct {
	ID        string        `json:"id"`
	App       string        `json:"app"`
	Image     string        `json:"image"`
	Build     StageResult   `json:"build"`
	Deploy    StageResult   `json:"deploy"`
	CreatedAt time.Time     `json:"createdAt"`
	Duration  time.Duration `json:"duration"`
}
