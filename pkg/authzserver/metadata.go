package authzserver

// Metadata is the RFC 8414 authorization server metadata document.
type Metadata struct {
	Issuer                                     string   `json:"issuer" yaml:"issuer"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint" yaml:"authorization_endpoint"`
	TokenEndpoint                              string   `json:"token_endpoint" yaml:"token_endpoint"`
	JwksURI                                    string   `json:"jwks_uri,omitempty" yaml:"jwks_uri"`
	ScopesSupported                            []string `json:"scopes_supported" yaml:"scopes_supported"`
	ResponseTypesSupported                     []string `json:"response_types_supported" yaml:"response_types_supported"`
	ResponseModesSupported                     []string `json:"response_modes_supported" yaml:"response_modes_supported"`
	GrantTypesSupported                        []string `json:"grant_types_supported" yaml:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported          []string `json:"token_endpoint_auth_methods_supported" yaml:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported" yaml:"token_endpoint_auth_signing_alg_values_supported"`
	IntrospectionEndpoint                      string   `json:"introspection_endpoint,omitempty" yaml:"introspection_endpoint"`
	RevocationEndpoint                         string   `json:"revocation_endpoint,omitempty" yaml:"revocation_endpoint"`
	CodeChallengeMethodsSupported              []string `json:"code_challenge_methods_supported" yaml:"code_challenge_methods_supported"`
}

// ExtendedMetadata adds the UMA 2.0 discovery fields.
type ExtendedMetadata struct {
	Metadata           `yaml:",inline"`
	PermissionEndpoint string `json:"permission_endpoint,omitempty" yaml:"permission_endpoint"`
}
