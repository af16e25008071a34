// Package config loads and validates the agent's INI configuration file and
// derives the process-wide, immutable Settings value the rest of the agent
// runs on.
//
// Parsing uses gopkg.in/ini.v1 rather than a hand-rolled scanner: the
// configuration surface is a real INI file (sections, booleans, fallbacks)
// and the ecosystem has a mature, well-tested library for exactly this, so
// reaching for the standard library here would be the kind of stdlib
// fallback this project avoids (see DESIGN.md).
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"gopkg.in/ini.v1"
)

// DefaultHTTPThreads is the reporter pool size; the config file has no key
// that overrides it.
const DefaultHTTPThreads = 4

// SearchPaths are the config locations tried in order.
func SearchPaths() []string {
	home, _ := os.UserHomeDir()
	paths := []string{"/etc/alpamon/alpamon.conf"}
	if home != "" {
		paths = append(paths, home+"/.alpamon.conf")
	}
	return paths
}

// Settings is the immutable, validated configuration used for the lifetime
// of the process. Construct with Load; do not mutate after that.
type Settings struct {
	ServerURL  string
	WSURL      string
	ID         string
	Key        string
	UseSSL     bool
	SSLVerify  bool
	CACertPath string
	TLSConfig  *tls.Config
	Debug      bool
	HTTPThreads int
}

// Load reads the first config file found among SearchPaths, validates it,
// and returns the resulting Settings. A missing file or a validation
// failure is fatal to startup.
func Load() (*Settings, error) {
	var loaded string
	var cfg *ini.File
	for _, p := range SearchPaths() {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		f, err := ini.Load(p)
		if err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", p, err)
		}
		cfg, loaded = f, p
		break
	}
	if cfg == nil {
		return nil, fmt.Errorf("no configuration file found, tried: %s", strings.Join(SearchPaths(), ", "))
	}

	s, err := fromINI(cfg)
	if err != nil {
		return nil, fmt.Errorf("validating %s: %w", loaded, err)
	}
	return s, nil
}

func fromINI(cfg *ini.File) (*Settings, error) {
	server := cfg.Section("server")
	url := server.Key("url").String()

	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("server url is invalid: %q", url)
	}
	url = strings.TrimSuffix(url, "/")

	id := server.Key("id").String()
	key := server.Key("key").String()
	if id == "" {
		return nil, fmt.Errorf("server id is empty")
	}
	if key == "" {
		return nil, fmt.Errorf("server key is empty")
	}

	useSSL := strings.HasPrefix(url, "https://")
	// mirrors the original agent's url.replace('http', 'ws', 1): "http://" becomes
	// "ws://" and "https://" becomes "wss://" since only the "http" prefix is swapped.
	wsURL := strings.Replace(url, "http", "ws", 1) + "/ws/servers/backhaul/"

	s := &Settings{
		ServerURL:   url,
		WSURL:       wsURL,
		ID:          id,
		Key:         key,
		UseSSL:      useSSL,
		SSLVerify:   true,
		Debug:       cfg.Section("logging").Key("debug").MustBool(false),
		HTTPThreads: DefaultHTTPThreads,
	}

	if useSSL {
		ssl := cfg.Section("ssl")
		s.SSLVerify = ssl.Key("verify").MustBool(true)
		caCert := ssl.Key("ca_cert").String()

		tlsCfg := &tls.Config{}
		if !s.SSLVerify {
			tlsCfg.InsecureSkipVerify = true
		} else if caCert != "" {
			pem, err := os.ReadFile(caCert)
			if err != nil {
				return nil, fmt.Errorf("ca_cert path does not exist: %s", caCert)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("ca_cert does not contain a valid PEM certificate: %s", caCert)
			}
			s.CACertPath = caCert
			tlsCfg.RootCAs = pool
		}
		s.TLSConfig = tlsCfg
	}

	return s, nil
}

// AuthHeader is the exact value sent on every outbound HTTP request and
// websocket upgrade.
func (s *Settings) AuthHeader() string {
	return fmt.Sprintf(`id="%s", key="%s"`, s.ID, s.Key)
}
