package deployment

import (
	"bytes"
	"os"
)

// EnvVar is one literal environment entry for the deployed service.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RenderEnvFile formats the env file uploaded next to the descriptor.
// Literal variables come from the request; secret keys are resolved from the
// process environment, where the secret manager attached them.
func RenderEnvFile(vars []EnvVar, secretKeys []string) []byte {
	var buf bytes.Buffer

	for _, v := range vars {
		buf.WriteString(v.Name + "=" + v.Value + "\n")
	}

	for _, key := range secretKeys {
		buf.WriteString(key + "=" + os.Getenv(key) + "\n")
	}

	return buf.Bytes()
}
