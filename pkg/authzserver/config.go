package authzserver

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Issuer          string           `yaml:"issuer" validate:"required"`
	ScopesSupported []string         `yaml:"scopes_supported"`
	Clients         []ClientMetadata `yaml:"clients" validate:"omitempty,dive"`
	Endpoints       EndpointsConfig  `yaml:"endpoints"`
	Tokens          TokensConfig     `yaml:"tokens"`
}

type TokensConfig struct {
	AccessTokenTTL     time.Duration `yaml:"access_token_ttl"`
	IDTokenTTL         time.Duration `yaml:"id_token_ttl"`
	CodeTTL            time.Duration `yaml:"code_ttl"`
	SigningAlgorithm   string        `yaml:"signing_algorithm"`
	OpaqueAccessTokens bool          `yaml:"opaque_access_tokens"`
}

type EndpointsConfig struct {
	Metadata      string `yaml:"metadata"`
	Jwks          string `yaml:"jwks"`
	Authorization string `yaml:"authorization"`
	Token         string `yaml:"token"`
	Introspection string `yaml:"introspection"`
	Revocation    string `yaml:"revocation"`
	Permission    string `yaml:"permission"`
}

func (s *EndpointsConfig) applyDefaults(baseURI *url.URL) {
	basePath := strings.TrimRight(baseURI.Path, "/")
	if basePath == "/" {
		basePath = ""
	}

	if s.Metadata == "" {
		s.Metadata = basePath + "/.well-known/oauth-authorization-server"
	}
	if s.Jwks == "" {
		s.Jwks = basePath + "/jwks"
	}
	if s.Authorization == "" {
		s.Authorization = basePath + "/authorize"
	}
	if s.Token == "" {
		s.Token = basePath + "/token"
	}
	if s.Introspection == "" {
		s.Introspection = basePath + "/introspect"
	}
	if s.Revocation == "" {
		s.Revocation = basePath + "/revoke"
	}
	if s.Permission == "" {
		s.Permission = basePath + "/perm"
	}
}

// LoadConfigFile reads and validates a YAML server configuration.
func LoadConfigFile(filename string) (*Config, error) {
	cfg := new(Config)
	yamlFile, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file '%s': %w", filename, err)
	}
	if err := yaml.Unmarshal(yamlFile, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config file '%s': %w", filename, err)
	}

	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("yaml")
	})
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config file '%s': %w", filename, err)
	}

	return cfg, nil
}
