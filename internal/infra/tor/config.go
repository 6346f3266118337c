package tor

import "time"

// Config holds Tor control and SOCKS settings.
type Config struct {
	Enabled     bool          `yaml:"enabled"`
	ControlAddr string        `yaml:"control_addr"`
	SocksAddr   string        `yaml:"socks_addr"`
	Password    string        `yaml:"password"`
	Stabilize   time.Duration `yaml:"stabilize"`
	EchoURL     string        `yaml:"echo_url"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.ControlAddr == "" {
		c.ControlAddr = "127.0.0.1:9051"
	}
	if c.SocksAddr == "" {
		c.SocksAddr = "127.0.0.1:9050"
	}
	if c.Stabilize == 0 {
		c.Stabilize = 12 * time.Second
	}
	if c.EchoURL == "" {
		c.EchoURL = "https://ipinfo.io/json"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// ProxyURL is the SOCKS proxy URL handed to the fetch engine.
func (c Config) ProxyURL() string {
	return "socks5://" + c.SocksAddr
}
