package cfg

import (
	"errors"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type RedisConfig struct {
	Host     string
	Port     string
	Password string
}

type ObservabilityConfig struct {
	Enabled      bool
	OtlpEndpoint string
}

// OIDCConfig is the raw provider configuration. EndSessionEndpoint is
// tri-state: empty means use the discovered endpoint, the literal
// "false" disables RP-initiated logout, anything else is an explicit
// endpoint URL overriding discovery.
type OIDCConfig struct {
	Issuer                string
	ClientID              string
	ClientSecret          string
	RedirectURI           string
	AuthorizationEndpoint string
	TokenEndpoint         string
	EndSessionEndpoint    string
	JWTPublicKey          string
	Discover              bool
	AdditionalScopes      string
	DisplayNameClaims     string
	GroupsClaim           string
	ExternalIDClaim       string
	AutoRegister          bool
	UserToGroups          bool
	RemoveFromGroups      bool
	DumpUserDetails       bool
}

type Config struct {
	AppEnv              string
	AppPort             string
	RedisConfig         RedisConfig
	Observability       ObservabilityConfig
	HTTPTimeoutSeconds  int
	DiscoveryTTLMinutes int
	SessionTTLMinutes   int
	PostLogoutURL       string
	OIDC                OIDCConfig
}

func Load() (*Config, error) {
	var errs []error

	err := godotenv.Load()
	if err != nil {
		return nil, errors.New("failed load cfg: " + err.Error())
	}

	appEnv := mustEnv("APP_ENV", &errs)
	appPort := mustEnv("APP_PORT", &errs)
	redisHost := mustEnv("REDIS_HOST", &errs)
	redisPort := mustEnv("REDIS_PORT", &errs)
	redisPassword := os.Getenv("REDIS_PASSWORD")

	issuer := mustEnv("OIDC_ISSUER", &errs)
	clientID := mustEnv("OIDC_CLIENT_ID", &errs)
	clientSecret := mustEnv("OIDC_CLIENT_SECRET", &errs)
	redirectURI := mustEnv("OIDC_REDIRECT_URI", &errs)

	httpTimeout := intEnv("HTTP_TIMEOUT_SECONDS", 5, &errs)
	discoveryTTL := intEnv("DISCOVERY_CACHE_TTL_MINUTES", 15, &errs)
	sessionTTL := intEnv("SESSION_TTL_MINUTES", 60, &errs)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return &Config{
		AppEnv:  appEnv,
		AppPort: appPort,
		RedisConfig: RedisConfig{
			Host:     redisHost,
			Port:     redisPort,
			Password: redisPassword,
		},
		Observability: ObservabilityConfig{
			Enabled:      boolEnv("OTEL_ENABLED", false),
			OtlpEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		},
		HTTPTimeoutSeconds:  httpTimeout,
		DiscoveryTTLMinutes: discoveryTTL,
		SessionTTLMinutes:   sessionTTL,
		PostLogoutURL:       envDefault("POST_LOGOUT_REDIRECT_URL", "/"),
		OIDC: OIDCConfig{
			Issuer:                issuer,
			ClientID:              clientID,
			ClientSecret:          clientSecret,
			RedirectURI:           redirectURI,
			AuthorizationEndpoint: os.Getenv("OIDC_AUTHORIZATION_ENDPOINT"),
			TokenEndpoint:         os.Getenv("OIDC_TOKEN_ENDPOINT"),
			EndSessionEndpoint:    os.Getenv("OIDC_END_SESSION_ENDPOINT"),
			JWTPublicKey:          os.Getenv("OIDC_JWT_PUBLIC_KEY"),
			Discover:              boolEnv("OIDC_DISCOVER", true),
			AdditionalScopes:      os.Getenv("OIDC_ADDITIONAL_SCOPES"),
			DisplayNameClaims:     os.Getenv("OIDC_DISPLAY_NAME_CLAIMS"),
			GroupsClaim:           os.Getenv("OIDC_GROUPS_CLAIM"),
			ExternalIDClaim:       os.Getenv("OIDC_EXTERNAL_ID_CLAIM"),
			AutoRegister:          boolEnv("OIDC_AUTO_REGISTER", false),
			UserToGroups:          boolEnv("OIDC_USER_TO_GROUPS", true),
			RemoveFromGroups:      boolEnv("OIDC_REMOVE_FROM_GROUPS", false),
			DumpUserDetails:       boolEnv("OIDC_DUMP_USER_DETAILS", false),
		},
	}, nil
}

func envDefault(key, fallback string) string {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	return value
}

func mustEnv(key string, errs *[]error) string {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		*errs = append(*errs, errors.New("missing env: "+key))
	}
	return value
}

func intEnv(key string, fallback int, errs *[]error) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, errors.New("conversion failed env: "+key))
		return fallback
	}
	return parsed
}

func boolEnv(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
