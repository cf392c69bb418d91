package secrets

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"sync"

	infisical "github.com/infisical/go-sdk"
	"github.com/infisical/go-sdk/packages/models"
)

// The five pipeline secrets. They are loaded by reference and never logged.
const (
	KeyRegistryUsername = "REGISTRY_USERNAME"
	KeyRegistryPassword = "REGISTRY_PASSWORD"
	KeySSHUser          = "SSH_USER"
	KeySSHPrivateKey    = "SSH_PRIVATE_KEY"
	KeyRemoteHost       = "REMOTE_HOST"
)

var pipelineKeys = []string{
	KeyRegistryUsername,
	KeyRegistryPassword,
	KeySSHUser,
	KeySSHPrivateKey,
	KeyRemoteHost,
}

type SecretManager interface {
	Get(secretPath string, secretKey string) (models.Secret, error)
	ListFolders(secretPath string) ([]models.Folder, error)
	ListSecrets(secretPath string) ([]models.Secret, error)
	LoadSecrets() error
	PipelineSecrets() (map[string]string, error)
}

// InfisicalConfig is used to create the secret client
type InfisicalConfig struct {
	ClientId     string
	ClientSecret string
	ProjectId    string
	Environment  string
}

type infisicalCmd struct {
	client             infisical.InfisicalClientInterface
	attachToProcessEnv bool
	projectId          string
	Environment        string
}

// NewClientSecret authenticates against Infisical with universal auth and
// returns the secret manager the pipeline reads from.
func NewClientSecret(infisicalConfig InfisicalConfig) (SecretManager, error) {

	client := infisical.NewInfisicalClient(infisical.Config{})

	_, err := client.Auth().UniversalAuthLogin(infisicalConfig.ClientId, infisicalConfig.ClientSecret)

	if err != nil {
		return nil, fmt.Errorf("authentication to Infisical failed: %w", err)
	}

	secretManager := &infisicalCmd{
		client:             client,
		attachToProcessEnv: true,
		projectId:          infisicalConfig.ProjectId,
		Environment:        infisicalConfig.Environment,
	}

	return secretManager, nil
}

func (secretManager *infisicalCmd) Get(secretPath string, secretKey string) (models.Secret, error) {

	secret, err := secretManager.client.Secrets().Retrieve(infisical.RetrieveSecretOptions{
		SecretKey:   secretKey,
		Environment: secretManager.Environment,
		ProjectID:   secretManager.projectId,
		SecretPath:  secretPath,
	})

	return secret, err
}

// LoadSecrets walks the project folders and attaches every secret to the
// process environment, two folder levels max.
func (secretManager *infisicalCmd) LoadSecrets() error {

	folders, err := secretManager.ListFolders("/")
	if err != nil {
		return err
	}

	listFoldersRecursive := []string{"/"}

	for _, folder := range folders {
		listFoldersRecursive = append(listFoldersRecursive, "/"+folder.Name)

		subfolders, _ := secretManager.ListFolders("/" + folder.Name)
		for _, subfolder := range subfolders {
			listFoldersRecursive = append(listFoldersRecursive, "/"+folder.Name+"/"+subfolder.Name)
		}
	}

	var wg sync.WaitGroup
	wg.Add(len(listFoldersRecursive))

	for _, folder := range listFoldersRecursive {
		go loadSecretInEnv(secretManager, folder, &wg)
	}
	wg.Wait()

	return nil
}

// PipelineSecrets returns the five pipeline secrets from the process
// environment after LoadSecrets attached them, failing on any missing key.
func (secretManager *infisicalCmd) PipelineSecrets() (map[string]string, error) {
	out := make(map[string]string, len(pipelineKeys))

	var missing []string
	for _, key := range pipelineKeys {
		value := os.Getenv(key)
		if value == "" {
			missing = append(missing, key)
			continue
		}
		out[key] = value
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing pipeline secrets: %v", missing)
	}

	return out, nil
}

func (secretManager *infisicalCmd) ListFolders(secretPath string) ([]models.Folder, error) {

	folders, err := secretManager.client.Folders().List(infisical.ListFoldersOptions{
		ProjectID:   secretManager.projectId,
		Environment: secretManager.Environment,
		Path:        secretPath,
	})

	return folders, err
}

func (secretManager *infisicalCmd) ListSecrets(secretPath string) ([]models.Secret, error) {

	secrets, err := secretManager.client.Secrets().List(infisical.ListSecretsOptions{
		ProjectID:          secretManager.projectId,
		Environment:        secretManager.Environment,
		SecretPath:         secretPath,
		AttachToProcessEnv: true,
	})

	return secrets, err
}

func loadSecretInEnv(secretManager *infisicalCmd, secretPath string, wg *sync.WaitGroup) {
	defer wg.Done()
	secrets, err := secretManager.ListSecrets(secretPath)

	if err != nil {
		log.Printf("Error loading secrets from %v: %v\n", secretPath, err)
		return
	}

	slog.Debug("secrets loaded", "path", secretPath, "count", len(secrets))
}
