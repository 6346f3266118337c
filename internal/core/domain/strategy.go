package domain

// Route is the network path used by an acquisition attempt.
type Route string

const (
	RouteDirect Route = "direct"
	RouteTor    Route = "tor"
)

// StrategyProfile binds a client impersonation variant to a network route.
type StrategyProfile struct {
	Name         string `yaml:"name"`
	PlayerClient string `yaml:"player_client"`
	Route        Route  `yaml:"route"`
	UseCookies   bool   `yaml:"use_cookies"`
	Format       string `yaml:"format"`
}

// EngineParams are the fetch engine settings derived from a profile.
type EngineParams struct {
	PlayerClient string
	ProxyURL     string
	CookiesPath  string
	Format       string
}
