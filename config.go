package kinvey

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultBaaSHost is the default backend-as-a-service endpoint.
	DefaultBaaSHost = "https://baas.kinvey.com"
	// DefaultAuthHost is the default Mobile Identity Connect endpoint.
	DefaultAuthHost = "https://auth.kinvey.com"
	// DefaultAPIVersion is the backend API version sent on every request.
	DefaultAPIVersion = 4
	// DefaultRequestTimeout bounds a single backend request.
	DefaultRequestTimeout = 60 * time.Second
	// DefaultPageSize is the auto-pagination page size.
	DefaultPageSize = 10000
	// DefaultMaxConcurrentPullRequests bounds concurrent page fetches.
	DefaultMaxConcurrentPullRequests = 10
	// DefaultMaxConcurrentPushRequests bounds concurrent push requests.
	DefaultMaxConcurrentPushRequests = 10
	// maxCustomPropertiesBytes is the serialized size limit for
	// X-Kinvey-Custom-Request-Properties.
	maxCustomPropertiesBytes = 2000
)

// PullPolicy controls how a pull behaves when pending sync items match the
// pull query.
type PullPolicy int

const (
	// PullPolicyAutoPush silently pushes the pending items before pulling.
	PullPolicyAutoPush PullPolicy = iota
	// PullPolicyError fails the pull with a Sync error instead.
	PullPolicyError
)

func (p PullPolicy) String() string {
	switch p {
	case PullPolicyAutoPush:
		return "auto_push"
	case PullPolicyError:
		return "error"
	default:
		return "unknown"
	}
}

// Config configures a Client.
type Config struct {
	// AppKey identifies the tenant.
	AppKey string

	// AppSecret authenticates client-grade operations.
	AppSecret string

	// MasterSecret authenticates elevated operations. Optional.
	MasterSecret string

	// MICClientID is the Mobile Identity Connect client id used for token
	// refresh. Defaults to AppKey when empty.
	MICClientID string

	// BaaSHost is the data endpoint.
	BaaSHost string

	// AuthHost is the MIC endpoint used for token refresh.
	AuthHost string

	// LiveServiceHost is the websocket endpoint for realtime entity events.
	// Defaults to BaaSHost with a ws scheme.
	LiveServiceHost string

	// APIVersion is sent as X-Kinvey-Api-Version.
	APIVersion int

	// RequestTimeout bounds each backend request.
	RequestTimeout time.Duration

	// MaxConcurrentPullRequests bounds concurrent page fetches during
	// auto-paginated pulls.
	MaxConcurrentPullRequests int

	// MaxConcurrentPushRequests bounds concurrent requests during a push.
	MaxConcurrentPushRequests int

	// PullPolicy controls pulls that find pending sync items.
	PullPolicy PullPolicy

	// ClientAppVersion is sent as X-Kinvey-Client-App-Version when set.
	ClientAppVersion string

	// CustomRequestProperties are serialized into
	// X-Kinvey-Custom-Request-Properties. The serialized form must stay
	// under 2000 bytes.
	CustomRequestProperties map[string]any

	// SkipBusinessLogic sets X-Kinvey-Skip-Business-Logic on data requests.
	SkipBusinessLogic bool

	// HTTPClient overrides the transport. Defaults to http.DefaultClient.
	HTTPClient HTTPDoer

	// Logger receives structured diagnostics. Defaults to slog.Default.
	Logger *slog.Logger

	// Clock supplies time. Defaults to the system clock.
	Clock Clock
}

// DefaultConfig returns a Config with production defaults for the given
// credentials.
func DefaultConfig(appKey, appSecret string) Config {
	return Config{
		AppKey:                    appKey,
		AppSecret:                 appSecret,
		BaaSHost:                  DefaultBaaSHost,
		AuthHost:                  DefaultAuthHost,
		APIVersion:                DefaultAPIVersion,
		RequestTimeout:            DefaultRequestTimeout,
		MaxConcurrentPullRequests: DefaultMaxConcurrentPullRequests,
		MaxConcurrentPushRequests: DefaultMaxConcurrentPushRequests,
		PullPolicy:                PullPolicyAutoPush,
	}
}

// configFile is the YAML schema accepted by LoadConfig. Durations are
// strings in Go duration syntax ("30s", "2m").
type configFile struct {
	AppKey                    string         `yaml:"app_key"`
	AppSecret                 string         `yaml:"app_secret"`
	MasterSecret              string         `yaml:"master_secret"`
	MICClientID               string         `yaml:"mic_client_id"`
	BaaSHost                  string         `yaml:"baas_host"`
	AuthHost                  string         `yaml:"auth_host"`
	LiveServiceHost           string         `yaml:"live_service_host"`
	APIVersion                int            `yaml:"api_version"`
	RequestTimeout            string         `yaml:"request_timeout"`
	MaxConcurrentPullRequests int            `yaml:"max_concurrent_pull_requests"`
	MaxConcurrentPushRequests int            `yaml:"max_concurrent_push_requests"`
	PullPolicy                string         `yaml:"pull_policy"`
	ClientAppVersion          string         `yaml:"client_app_version"`
	CustomRequestProperties   map[string]any `yaml:"custom_request_properties"`
	SkipBusinessLogic         bool           `yaml:"skip_business_logic"`
}

// LoadConfig reads a Config from a YAML file and fills in defaults for any
// omitted fields.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg := Config{
		AppKey:                    file.AppKey,
		AppSecret:                 file.AppSecret,
		MasterSecret:              file.MasterSecret,
		MICClientID:               file.MICClientID,
		BaaSHost:                  file.BaaSHost,
		AuthHost:                  file.AuthHost,
		LiveServiceHost:           file.LiveServiceHost,
		APIVersion:                file.APIVersion,
		MaxConcurrentPullRequests: file.MaxConcurrentPullRequests,
		MaxConcurrentPushRequests: file.MaxConcurrentPushRequests,
		ClientAppVersion:          file.ClientAppVersion,
		CustomRequestProperties:   file.CustomRequestProperties,
		SkipBusinessLogic:         file.SkipBusinessLogic,
	}
	if file.RequestTimeout != "" {
		timeout, err := time.ParseDuration(file.RequestTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse config %s: request_timeout: %w", path, err)
		}
		cfg.RequestTimeout = timeout
	}
	switch file.PullPolicy {
	case "", "auto_push":
		cfg.PullPolicy = PullPolicyAutoPush
	case "error":
		cfg.PullPolicy = PullPolicyError
	default:
		return Config{}, fmt.Errorf("parse config %s: unknown pull_policy %q", path, file.PullPolicy)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Validate checks the Config for usability.
func (c *Config) Validate() error {
	if c.AppKey == "" {
		return newError(KindKinvey, "config: app key is required")
	}
	if c.AppSecret == "" && c.MasterSecret == "" {
		return newError(KindKinvey, "config: an app secret or master secret is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.BaaSHost == "" {
		c.BaaSHost = DefaultBaaSHost
	}
	if c.AuthHost == "" {
		c.AuthHost = DefaultAuthHost
	}
	if c.APIVersion == 0 {
		c.APIVersion = DefaultAPIVersion
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxConcurrentPullRequests == 0 {
		c.MaxConcurrentPullRequests = DefaultMaxConcurrentPullRequests
	}
	if c.MaxConcurrentPushRequests == 0 {
		c.MaxConcurrentPushRequests = DefaultMaxConcurrentPushRequests
	}
	if c.MICClientID == "" {
		c.MICClientID = c.AppKey
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = systemClock{}
	}
}

// Clock supplies time to components that need it. Tests substitute a fixed
// implementation.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
