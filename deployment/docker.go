package deployment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
)

// ImageSummary of a built image
type ImageSummary struct {
	Containers  int64             `json:"Containers"`
	Created     int64             `json:"Created"`
	ID          string            `json:"Id"`
	Labels      map[string]string `json:"Labels"`
	ParentID    string            `json:"ParentId"`
	RepoDigests []string          `json:"RepoDigests"`
	RepoTags    []string          `json:"RepoTags"`
	SharedSize  int64             `json:"SharedSize"`
	Size        int64             `json:"Size"`
	VirtualSize int64             `json:"VirtualSize"`
}

type dockerCmd struct {
	cli                *client.Client
	registry           string
	registryAuthString string
	registryAuthConfig registry.AuthConfig
	registryAuthMap    map[string]registry.AuthConfig
	noCache            bool
	forceRm            bool
	pull               bool
}

// Configs are used to create the image builder client
type Configs struct {
	Registry string
	Username string
	Password string
}

// Docker is the set of image operations the build stage needs: build an image
// from a source tree, push it to the registry, confirm the registry serves it
// back, and keep the local engine tidy.
type Docker interface {
	Build(ctx context.Context, contextDirectory, dockerfile string, ref ImageRef, args map[string]*string) error
	Pull(ctx context.Context, imagePath string) error
	Push(ctx context.Context, ref ImageRef) error
	List(ctx context.Context, filters map[string]string) ([]*ImageSummary, error)
	Rmi(ctx context.Context, imagePath string) error
	RegistryLogin(ctx context.Context) error
	PruneDanglingImages(ctx context.Context)
}

// NewClient will return an image builder client authenticated against cfg.Registry
func NewClient(cfg Configs) (Docker, error) {

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	auth := registry.AuthConfig{
		Username:      cfg.Username,
		Password:      cfg.Password,
		ServerAddress: cfg.Registry,
	}
	authBytes, _ := json.Marshal(auth)
	authBase64 := base64.URLEncoding.EncodeToString(authBytes)

	docker := &dockerCmd{
		cli:                cli,
		registry:           cfg.Registry,
		registryAuthString: authBase64,
		registryAuthConfig: auth,
		registryAuthMap: map[string]registry.AuthConfig{
			cfg.Registry: auth,
		},
		noCache: true,
		forceRm: true,
		pull:    true,
	}

	return docker, nil
}

func (docker *dockerCmd) RegistryLogin(ctx context.Context) error {
	out, err := docker.cli.RegistryLogin(ctx, docker.registryAuthConfig)
	if err != nil {
		return fmt.Errorf("error logging into registry %v: %w", docker.registry, err)
	}

	log.Println("Logged into registry: ", out.Status)
	return nil
}

func (docker *dockerCmd) Build(ctx context.Context, contextDirectory, dockerfile string, ref ImageRef, args map[string]*string) error {
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	buildContext, err := archive.TarWithOptions(contextDirectory, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("error taring build context %v: %w", contextDirectory, err)
	}
	defer buildContext.Close()

	resp, err := docker.cli.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{ref.String()},
		Dockerfile:  dockerfile,
		BuildArgs:   args,
		NoCache:     docker.noCache,
		Remove:      true,
		ForceRemove: docker.forceRm,
		PullParent:  docker.pull,
		AuthConfigs: docker.registryAuthMap,
	})

	if err != nil {
		return err
	}

	defer resp.Body.Close()

	if err = detectErrorMessage(resp.Body); err != nil {
		return err
	}

	log.Println("Image build completed successfully: ", ref.String())

	return nil
}

func (docker *dockerCmd) Pull(ctx context.Context, imagePath string) error {

	out, err := docker.cli.ImagePull(ctx, imagePath, imagetypes.PullOptions{RegistryAuth: docker.registryAuthString})

	if err != nil {
		return err
	}

	defer out.Close()

	if err = detectErrorMessage(out); err != nil {
		return err
	}

	log.Println("Image pull completed successfully.")

	return nil
}

func (docker *dockerCmd) Push(ctx context.Context, ref ImageRef) error {
	resp, err := docker.cli.ImagePush(ctx, ref.String(), imagetypes.PushOptions{
		RegistryAuth: docker.registryAuthString,
	})

	if resp != nil {
		defer resp.Close()
	}

	if err != nil {
		return err
	}

	if err = detectErrorMessage(resp); err != nil {
		return err
	}

	return nil
}

func (docker *dockerCmd) List(ctx context.Context, filter map[string]string) ([]*ImageSummary, error) {
	args := filters.NewArgs()
	for k, v := range filter {
		args.Add(k, v)
	}
	imageSummaryList, err := docker.cli.ImageList(ctx, imagetypes.ListOptions{
		Filters: args,
	})
	if err != nil {
		return nil, err
	}
	var imageSummaryPointerList []*ImageSummary
	for _, summary := range imageSummaryList {
		imageSummaryPointerList = append(imageSummaryPointerList, &ImageSummary{
			Containers:  summary.Containers,
			Created:     summary.Created,
			ID:          summary.ID,
			Labels:      summary.Labels,
			ParentID:    summary.ParentID,
			RepoDigests: summary.RepoDigests,
			RepoTags:    summary.RepoTags,
			SharedSize:  summary.SharedSize,
			Size:        summary.Size,
			VirtualSize: summary.VirtualSize,
		})
	}
	return imageSummaryPointerList, nil
}

func (docker *dockerCmd) Rmi(ctx context.Context, imagePath string) error {
	_, err := docker.cli.ImageRemove(ctx, imagePath, imagetypes.RemoveOptions{})
	if err != nil {
		return err
	}
	return nil
}

// PruneDanglingImages removes layers orphaned by rebuilding the same tag.
func (docker *dockerCmd) PruneDanglingImages(ctx context.Context) {
	images, err := docker.List(ctx, map[string]string{"dangling": "true"})
	if err != nil {
		log.Printf("Error listing dangling images: %v\n", err)
		return
	}

	for _, image := range images {
		log.Printf("Removing image %s\n", image.ID)
		if err := docker.Rmi(ctx, image.ID); err != nil {
			log.Printf("Failed to remove image %s: %v\n", image.ID, err)
		}
	}
}

func detectErrorMessage(in io.Reader) error {
	dec := json.NewDecoder(in)

	for {
		var jm jsonmessage.JSONMessage
		if err := dec.Decode(&jm); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}

		if jm.Error != nil {
			return jm.Error
		}

	}
	return nil
}
