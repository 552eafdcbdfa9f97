package config

// JWTConfig holds the settings used to verify operator tokens on the HTTP API.
// The operator id is the token's "sub" claim.
type JWTConfig struct {
	Secret string `env:"JWT_SECRET" env-default:"very-secure-jwt-secret"`
}

// Validate requires a signing secret
func (j JWTConfig) Validate() error {
	return Validate(func() ValidationErrors {
		return CollectErrors(
			RequireNonEmpty("JWT_SECRET", j.Secret),
		)
	})
}
