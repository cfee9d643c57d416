package secrets

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Strob0t/Conclave/internal/config"
	"github.com/Strob0t/Conclave/internal/domain/provider"
)

// EnvLoader returns a Loader that reads the specified environment variables.
// Missing variables are silently omitted from the result map.
func EnvLoader(keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}

// FileLoader returns a Loader that reads a flat YAML map of secret names to
// values, e.g. a mounted Kubernetes secret. A missing file yields no values.
func FileLoader(path string) Loader {
	return func() (map[string]string, error) {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read secrets file: %w", err)
		}
		vals := make(map[string]string)
		if err := yaml.Unmarshal(data, &vals); err != nil {
			return nil, fmt.Errorf("parse secrets file %s: %w", path, err)
		}
		return vals, nil
	}
}

// ProviderLoader resolves one API key per provider, keyed by provider ID.
// Precedence: the inline api_key from configuration < file < environment
// variable CONCLAVE_PROVIDER_<ID>_API_KEY. file may be nil.
func ProviderLoader(cfgs []provider.Config, file Loader) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(cfgs))
		var fromFile map[string]string
		if file != nil {
			var err error
			if fromFile, err = file(); err != nil {
				return nil, err
			}
		}
		for i := range cfgs {
			id := cfgs[i].ID
			if cfgs[i].APIKey != "" {
				vals[id] = cfgs[i].APIKey
			}
			if v := fromFile[id]; v != "" {
				vals[id] = v
			}
			if v := os.Getenv(config.ProviderAPIKeyEnv(id)); v != "" {
				vals[id] = v
			}
		}
		return vals, nil
	}
}
