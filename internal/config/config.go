package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	yaml "github.com/goccy/go-yaml"
)

// ForceDefaultList is the reserved list name whose matches are forced back
// to the default gateway instead of a tunnel.
const ForceDefaultList = "force_default"

var (
	errTunnelNameEmpty          = errors.New("tunnel name cannot be empty")
	errTunnelGatewayInvalid     = errors.New("tunnel gateway_ip must be a valid IPv4 address")
	errDuplicateTunnelName      = errors.New("duplicate tunnel name")
	errListNameEmpty            = errors.New("domain list name cannot be empty")
	errDuplicateListName        = errors.New("duplicate domain list name")
	errListInterfaceUnknown     = errors.New("domain list references unknown tunnel interface")
	errExternalListURLInvalid   = errors.New("external domain list url must be a valid http(s) url")
	errUpdateIntervalNotPositive = errors.New("external domain list update_interval_hours must be positive")
	errIPRouteCommandEmpty       = errors.New("ip_route_command cannot be empty")
)

const (
	defaultDNSPort      = 5553
	defaultAPIPort      = 8080
	defaultDNSWorkers   = 1000
	defaultSaveInterval = 60
	defaultProbeTimeout = 3 * time.Second

	defaultIPRouteCommand = "sudo ip route"
)

// InterfaceConfig identifies a tunnel egress interface. Immutable after load.
type InterfaceConfig struct {
	Name      string `yaml:"name"`
	GatewayIP string `yaml:"gateway_ip"`
}

// NetworkingConfig holds the DNS listener and tunnel inventory.
type NetworkingConfig struct {
	DNSPort    uint16            `yaml:"dns_port,omitempty"`
	DNSWorkers int               `yaml:"dns_workers,omitempty"`
	Tunnels    []InterfaceConfig `yaml:"tunnels"`
}

// ExternalDomainList is a list refreshed periodically from a URL.
type ExternalDomainList struct {
	Name                string `yaml:"name"`
	URL                 string `yaml:"url"`
	UpdateIntervalHours int    `yaml:"update_interval_hours"`
	Interface           string `yaml:"interface"`
}

// UpdateInterval returns the refresh period.
func (l ExternalDomainList) UpdateInterval() time.Duration {
	return time.Duration(l.UpdateIntervalHours) * time.Hour
}

// ManualDomainList is an operator-edited list backed by a text file.
type ManualDomainList struct {
	Name      string `yaml:"name"`
	Interface string `yaml:"interface"`
}

// FileName derives the backing file path for a manual list.
func (l ManualDomainList) FileName() string {
	return "list_" + l.Name + ".txt"
}

// DynamicDomainList decides membership by probing reachability per domain.
type DynamicDomainList struct {
	Name      string        `yaml:"name"`
	Interface string        `yaml:"interface"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
}

// Config is the main application configuration.
type Config struct {
	Networking      NetworkingConfig     `yaml:"networking"`
	ExternalLists   []ExternalDomainList `yaml:"external_domain_lists,omitempty"`
	ManualLists     []ManualDomainList   `yaml:"manual_domain_lists,omitempty"`
	DynamicLists    []DynamicDomainList  `yaml:"dynamic_domain_lists,omitempty"`
	SaveIntervalSec int                  `yaml:"manual_domain_list_save_interval_sec,omitempty"`
	IPRouteCommand  string               `yaml:"ip_route_command,omitempty"`
	APIPort         uint16               `yaml:"api_port,omitempty"`
	Path            string               `yaml:"-"`
}

// ResolvePath returns the config file location: the explicit flag value,
// then $CONFIG, then ./config.yaml.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}

	if env := os.Getenv("CONFIG"); env != "" {
		return env
	}

	return "config.yaml"
}

// Load reads the YAML config at path. A missing file yields a default
// configuration, matching first-run behavior.
func Load(path string) (*Config, error) {
	cfg := &Config{Path: path}

	data, err := os.ReadFile(path)

	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// first run: defaults only
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Networking.DNSPort == 0 {
		c.Networking.DNSPort = defaultDNSPort
	}

	if c.Networking.DNSWorkers <= 0 {
		c.Networking.DNSWorkers = defaultDNSWorkers
	}

	if c.SaveIntervalSec <= 0 {
		c.SaveIntervalSec = defaultSaveInterval
	}

	if strings.TrimSpace(c.IPRouteCommand) == "" {
		c.IPRouteCommand = defaultIPRouteCommand
	}

	if c.APIPort == 0 {
		c.APIPort = defaultAPIPort
	}

	for i := range c.DynamicLists {
		if c.DynamicLists[i].Timeout <= 0 {
			c.DynamicLists[i].Timeout = defaultProbeTimeout
		}
	}
}

//nolint:cyclop
func (c *Config) validate() error {
	tunnels := make(map[string]struct{}, len(c.Networking.Tunnels))

	for _, t := range c.Networking.Tunnels {
		if strings.TrimSpace(t.Name) == "" {
			return errTunnelNameEmpty
		}

		ip := net.ParseIP(t.GatewayIP)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("%w: %q", errTunnelGatewayInvalid, t.GatewayIP)
		}

		if _, ok := tunnels[t.Name]; ok {
			return fmt.Errorf("%w: %q", errDuplicateTunnelName, t.Name)
		}

		tunnels[t.Name] = struct{}{}
	}

	names := map[string]struct{}{}

	checkList := func(name, iface string) error {
		if strings.TrimSpace(name) == "" {
			return errListNameEmpty
		}

		if _, ok := names[name]; ok {
			return fmt.Errorf("%w: %q", errDuplicateListName, name)
		}

		names[name] = struct{}{}

		// force_default never routes via a tunnel, so its interface
		// does not have to name one.
		if name == ForceDefaultList {
			return nil
		}

		if _, ok := tunnels[iface]; !ok {
			return fmt.Errorf("%w: list %q, interface %q", errListInterfaceUnknown, name, iface)
		}

		return nil
	}

	for _, l := range c.ExternalLists {
		if err := checkList(l.Name, l.Interface); err != nil {
			return err
		}

		u, err := url.Parse(l.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: list %q, url %q", errExternalListURLInvalid, l.Name, l.URL)
		}

		if l.UpdateIntervalHours <= 0 {
			return fmt.Errorf("%w: list %q", errUpdateIntervalNotPositive, l.Name)
		}
	}

	for _, l := range c.ManualLists {
		if err := checkList(l.Name, l.Interface); err != nil {
			return err
		}
	}

	for _, l := range c.DynamicLists {
		if err := checkList(l.Name, l.Interface); err != nil {
			return err
		}
	}

	if len(strings.Fields(c.IPRouteCommand)) == 0 {
		return errIPRouteCommandEmpty
	}

	return nil
}

// SaveInterval returns the manual list flush period.
func (c *Config) SaveInterval() time.Duration {
	return time.Duration(c.SaveIntervalSec) * time.Second
}

// TunnelByName finds a configured tunnel interface.
func (c *Config) TunnelByName(name string) (InterfaceConfig, bool) {
	for _, t := range c.Networking.Tunnels {
		if t.Name == name {
			return t, true
		}
	}

	return InterfaceConfig{}, false
}

// Tunnels returns the tunnel inventory keyed by interface name.
func (c *Config) Tunnels() map[string]InterfaceConfig {
	out := make(map[string]InterfaceConfig, len(c.Networking.Tunnels))
	for _, t := range c.Networking.Tunnels {
		out[t.Name] = t
	}

	return out
}

// RouteCommand returns the ip route command split into argv form.
func (c *Config) RouteCommand() []string {
	return strings.Fields(c.IPRouteCommand)
}
