package llm

import "sync"

// EnvAdapterFactory probes the environment for one provider's credentials.
// It returns (nil, false, nil) when the provider is not configured, and an
// error only when configuration is present but unusable.
type EnvAdapterFactory func() (ProviderAdapter, bool, error)

var (
	envFactoriesMu sync.Mutex
	envFactories   []EnvAdapterFactory
)

// RegisterEnvAdapterFactory is called from provider package init functions.
func RegisterEnvAdapterFactory(f EnvAdapterFactory) {
	if f == nil {
		return
	}
	envFactoriesMu.Lock()
	defer envFactoriesMu.Unlock()
	envFactories = append(envFactories, f)
}

// NewFromEnv registers every provider adapter constructible from environment
// variables. The first registered provider becomes the default.
func NewFromEnv() (*Client, error) {
	envFactoriesMu.Lock()
	factories := make([]EnvAdapterFactory, len(envFactories))
	copy(factories, envFactories)
	envFactoriesMu.Unlock()

	c := NewClient()
	for _, f := range factories {
		adapter, configured, err := f()
		if err != nil {
			return nil, err
		}
		if !configured {
			continue
		}
		c.Register(adapter)
	}
	if len(c.providers) == 0 {
		return nil, &ConfigurationError{Message: "no provider credentials found in environment (set OPENAI_API_KEY or GEMINI_API_KEY)"}
	}
	return c, nil
}
