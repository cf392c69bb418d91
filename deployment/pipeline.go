package deployment

import (
	"context"
	"fmt"
	"log"
	"path"
	"path/filepath"
	"time"

	"github.com/shipraft/shipraft/cache"
	"github.com/shipraft/shipraft/secrets"
	"github.com/shipraft/shipraft/utils"
)

// Outcome event types published after each stage.
const (
	EventBuildSucceeded  = "Pipeline.Build.Succeeded"
	EventBuildFailed     = "Pipeline.Build.Failed"
	EventDeploySucceeded = "Pipeline.Deploy.Succeeded"
	EventDeployFailed    = "Pipeline.Deploy.Failed"
)

// Publisher emits a pipeline outcome event. Failures to publish are the
// publisher's problem; the pipeline result does not depend on it.
type Publisher func(ctx context.Context, eventType string, record PipelineRecord)

// RemoteDialer opens the connection the deploy stage runs over.
type RemoteDialer func(ctx context.Context, cfg RemoteConfig) (Remote, error)

// PipelineConfig carries the fixed parts of every run.
type PipelineConfig struct {
	// Defaults from the secret set; a request may override host and user.
	RemoteHost string
	SSHUser    string
	SSHKey     *secrets.KeyVault

	// MinDelay is the settle time between descriptor upload and teardown.
	MinDelay time.Duration

	// VerifyPort is the HTTP port the deployed service answers on.
	VerifyPort int
}

// Pipeline runs the two delivery stages: build-and-publish, then remote
// deploy. The deploy stage never starts unless the build stage succeeded.
type Pipeline struct {
	docker   Docker
	dial     RemoteDialer
	verifier *Verifier
	runs     *cache.RunCache
	store    *utils.Store
	publish  Publisher
	cfg      PipelineConfig
}

func NewPipeline(docker Docker, dial RemoteDialer, verifier *Verifier, runs *cache.RunCache, store *utils.Store, publish Publisher, cfg PipelineConfig) *Pipeline {
	if cfg.MinDelay == 0 {
		cfg.MinDelay = 5 * time.Second
	}
	if cfg.VerifyPort == 0 {
		cfg.VerifyPort = 80
	}
	if publish == nil {
		publish = func(context.Context, string, PipelineRecord) {}
	}
	return &Pipeline{
		docker:   docker,
		dial:     dial,
		verifier: verifier,
		runs:     runs,
		store:    store,
		publish:  publish,
		cfg:      cfg,
	}
}

// Run executes one pipeline for the request. id is the triggering event id
// and names the persisted record. A second run for the same application is
// rejected while one is in flight.
func (p *Pipeline) Run(ctx context.Context, id string, req DeployRequest) (*PipelineRecord, error) {
	if !p.runs.Begin(req.App) {
		return nil, fmt.Errorf("a run for %v is already in flight", req.App)
	}
	defer p.runs.Finish(req.App)

	record := &PipelineRecord{
		ID:        id,
		App:       req.App,
		Image:     req.Image,
		CreatedAt: time.Now().UTC(),
		Build:     StageResult{Status: StatusPending},
		Deploy:    StageResult{Status: StatusPending},
	}
	defer func() {
		record.Duration = time.Since(record.CreatedAt)
		p.checkpoint(record)
	}()

	ref, err := p.runBuild(ctx, record, req)
	if err != nil {
		record.Deploy.Status = StatusSkipped
		p.publish(ctx, EventBuildFailed, *record)
		return record, err
	}
	p.publish(ctx, EventBuildSucceeded, *record)

	if err := p.runDeploy(ctx, record, req, ref); err != nil {
		p.publish(ctx, EventDeployFailed, *record)
		return record, err
	}
	p.publish(ctx, EventDeploySucceeded, *record)

	return record, nil
}

func (p *Pipeline) runBuild(ctx context.Context, record *PipelineRecord, req DeployRequest) (ImageRef, error) {
	record.Build.start()
	p.checkpoint(record)

	ref, err := ParseImageRef(req.Image)
	if err == nil {
		err = p.buildAndPush(ctx, req, ref)
	}

	record.Build.finish(err)
	p.checkpoint(record)

	return ref, err
}

func (p *Pipeline) buildAndPush(ctx context.Context, req DeployRequest, ref ImageRef) error {
	log.Printf("Building image %v from %v", ref.String(), req.ContextDir)
	if err := p.docker.Build(ctx, req.ContextDir, req.Dockerfile, ref, nil); err != nil {
		return fmt.Errorf("build stage: %w", err)
	}

	log.Printf("Pushing image %v", ref.String())
	if err := p.docker.Push(ctx, ref); err != nil {
		return fmt.Errorf("push stage: %w", err)
	}

	// Pull the tag straight back: the deploy stage must not start until the
	// registry actually serves what was just pushed.
	log.Printf("Verifying registry serves %v", ref.String())
	if err := p.docker.Pull(ctx, ref.String()); err != nil {
		return fmt.Errorf("registry readback of %v: %w", ref.String(), err)
	}

	go p.docker.PruneDanglingImages(context.WithoutCancel(ctx))

	return nil
}

func (p *Pipeline) runDeploy(ctx context.Context, record *PipelineRecord, req DeployRequest, ref ImageRef) error {
	record.Deploy.start()
	p.checkpoint(record)

	err := p.deploy(ctx, req, ref)

	record.Deploy.finish(err)
	p.checkpoint(record)

	return err
}

func (p *Pipeline) deploy(ctx context.Context, req DeployRequest, ref ImageRef) error {
	descriptor, err := LoadDescriptor(filepath.Join(req.ContextDir, req.DescriptorFile))
	if err != nil {
		return err
	}

	if err := descriptor.Validate(ref); err != nil {
		return fmt.Errorf("descriptor validation: %w", err)
	}

	rendered, err := descriptor.Render()
	if err != nil {
		return err
	}

	target := p.resolveTarget(req.Target)

	remote, err := p.dial(ctx, RemoteConfig{
		Addr: target.Addr(),
		User: target.User,
		Key:  p.cfg.SSHKey,
	})
	if err != nil {
		return err
	}
	defer remote.Close()

	if err := remote.Upload(ctx, target.DescriptorPath, rendered); err != nil {
		return err
	}

	if err := p.uploadEnvFile(ctx, remote, req, descriptor, target); err != nil {
		return err
	}

	// Settle time between upload and teardown so the registry is serving the
	// tag before the remote engine pulls it.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.cfg.MinDelay):
	}

	for _, command := range deployCommands(target.DescriptorPath) {
		log.Printf("Running on %v: %v", target.Host, command)
		out, err := remote.Run(ctx, command)
		if err != nil {
			// No rollback: the remote host keeps whatever state the failed
			// command left behind, and the record says so.
			return err
		}
		if out != "" {
			log.Printf("Remote output:\n%s", out)
		}
	}

	baseURL := fmt.Sprintf("http://%s:%d", target.Host, p.cfg.VerifyPort)
	if err := p.verifier.Wait(ctx, baseURL); err != nil {
		return fmt.Errorf("verification: %w", err)
	}

	return nil
}

func (p *Pipeline) uploadEnvFile(ctx context.Context, remote Remote, req DeployRequest, descriptor *Descriptor, target RemoteTarget) error {
	if len(req.EnvVars) == 0 && len(req.SecretKeys) == 0 {
		return nil
	}

	for _, svc := range descriptor.Services {
		if svc.EnvFile == "" {
			continue
		}
		envPath := path.Join(path.Dir(target.DescriptorPath), svc.EnvFile)
		if err := remote.Upload(ctx, envPath, RenderEnvFile(req.EnvVars, req.SecretKeys)); err != nil {
			return err
		}
	}

	return nil
}

func (p *Pipeline) resolveTarget(target RemoteTarget) RemoteTarget {
	if target.Host == "" {
		target.Host = p.cfg.RemoteHost
	}
	if target.User == "" {
		target.User = p.cfg.SSHUser
	}
	if target.DescriptorPath == "" {
		target.DescriptorPath = "docker-compose.yml"
	}
	return target
}

// deployCommands is the remote sequence: tear the service down discarding
// local images, then recreate it from the uploaded descriptor.
func deployCommands(descriptorPath string) []string {
	return []string{
		fmt.Sprintf("docker compose -f %s down --rmi all --remove-orphans", descriptorPath),
		fmt.Sprintf("docker compose -f %s up -d --pull always", descriptorPath),
	}
}

func (p *Pipeline) checkpoint(record *PipelineRecord) {
	p.runs.Store(record.ID, *record)

	if p.store == nil {
		return
	}
	if err := p.store.SaveToFile(record.ID+".gob", record); err != nil {
		log.Printf("Error saving pipeline record %v: %v\n", record.ID, err)
	}
}
