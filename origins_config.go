package main

import (
	"io"
	"net/url"
	"os"
	"path/filepath"
	"slices"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	originsFileName = "origins.yaml"
)

// OriginsConfig represents the dApp origins allowed to reach the bridge,
// kept next to the .env file so operators can list them with a name each.
type OriginsConfig struct {
	Origins []OriginConfig `yaml:"origins"`
}

// OriginConfig represents a single dApp origin.
type OriginConfig struct {
	// Origin is the scheme and host the dApp is served from (e.g. "https://dapp.example").
	// A trailing slash is dropped during validation.
	Origin string `yaml:"origin"`
	// Name labels the dApp in logs. It defaults to the origin host.
	Name string `yaml:"name"`
	// Disabled keeps the entry in the file without allowing it
	Disabled bool `yaml:"disabled"`
}

// LoadOrigins loads and validates the origins from <configDirPath>/origins.yaml.
// A missing or empty file yields an empty configuration.
func LoadOrigins(configDirPath string) (OriginsConfig, error) {
	originsPath := filepath.Join(configDirPath, originsFileName)
	f, err := os.Open(originsPath)
	if errors.Is(err, os.ErrNotExist) {
		return OriginsConfig{}, nil
	}
	if err != nil {
		return OriginsConfig{}, errors.Wrap(err, "failed to open origins file")
	}
	defer f.Close()

	var cfg OriginsConfig
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return OriginsConfig{}, errors.Wrap(err, "failed to decode origins file")
	}

	if err := cfg.verifyVariables(); err != nil {
		return OriginsConfig{}, err
	}

	return cfg, nil
}

// verifyVariables requires every enabled entry to be a bare scheme://host
// origin and fills in missing names.
func (cfg *OriginsConfig) verifyVariables() error {
	for i, o := range cfg.Origins {
		if o.Disabled {
			continue
		}

		u, err := url.Parse(o.Origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.Errorf("invalid origin '%s' for origins[%d]", o.Origin, i)
		}
		if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
			return errors.Errorf("origin '%s' for origins[%d] must not carry a path, query or credentials", o.Origin, i)
		}

		cfg.Origins[i].Origin = u.Scheme + "://" + u.Host
		if o.Name == "" {
			cfg.Origins[i].Name = u.Host
		}
	}

	return nil
}

// Allowed returns the enabled origins in file order.
func (cfg OriginsConfig) Allowed() []string {
	var origins []string
	for _, o := range cfg.Origins {
		if !o.Disabled {
			origins = append(origins, o.Origin)
		}
	}
	return origins
}

// mergeOrigins appends the origins from extra that base does not list yet.
func mergeOrigins(base, extra []string) []string {
	for _, o := range extra {
		if !slices.Contains(base, o) {
			base = append(base, o)
		}
	}
	return base
}
