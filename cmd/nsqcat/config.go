package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v2"
)

// appConfig mirrors the teacher's cmd/can-server/appConfig shape: a flat
// struct filled by flags, then overridden by environment variables, then
// (lowest priority, only for fields no flag or environment variable set)
// a YAML file.
type appConfig struct {
	nsqdAddrs       string // comma-separated host:port list
	lookupdAddrs    string // comma-separated http://host:port list
	topic           string
	channel         string
	maxInFlight     int
	connTimeout     time.Duration
	ioTimeout       time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	mdnsEnable      bool
	configFile      string
	logMetricsEvery time.Duration
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	nsqd := flag.String("nsqd-tcp-address", "", "Comma-separated nsqd TCP addresses (host:port)")
	lookupd := flag.String("lookupd-http-address", "", "Comma-separated nsqlookupd HTTP addresses")
	topic := flag.String("topic", "", "Topic to subscribe to")
	channel := flag.String("channel", "nsqcat", "Channel to subscribe under")
	maxInFlight := flag.Int("max-in-flight", 200, "Maximum total in-flight messages across connections")
	connTimeout := flag.Duration("connect-timeout", time.Second, "Per-connection dial timeout")
	ioTimeout := flag.Duration("io-timeout", 100*time.Millisecond, "Per-pass read/flush timeout")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	mdnsEnable := flag.Bool("mdns-enable", false, "Also discover nsqd instances via mDNS browsing, alongside any lookupd/nsqd addresses")
	configFile := flag.String("config", "", "Optional YAML config file, lowest priority after flags/env")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.nsqdAddrs = *nsqd
	cfg.lookupdAddrs = *lookupd
	cfg.topic = *topic
	cfg.channel = *channel
	cfg.maxInFlight = *maxInFlight
	cfg.connTimeout = *connTimeout
	cfg.ioTimeout = *ioTimeout
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.mdnsEnable = *mdnsEnable
	cfg.configFile = *configFile
	cfg.logMetricsEvery = *logMetricsEvery

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if cfg.configFile != "" {
		if err := cfg.applyYAMLDefaults(cfg.configFile, setFlags); err != nil {
			fmt.Printf("config file error: %v\n", err)
			return nil, *showVersion
		}
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.topic == "" {
		return errors.New("topic is required")
	}
	if c.nsqdAddrs == "" && c.lookupdAddrs == "" && !c.mdnsEnable {
		return errors.New("at least one of nsqd-tcp-address, lookupd-http-address, or mdns-enable is required")
	}
	if c.maxInFlight <= 0 {
		return fmt.Errorf("max-in-flight must be > 0 (got %d)", c.maxInFlight)
	}
	if c.connTimeout <= 0 {
		return errors.New("connect-timeout must be > 0")
	}
	if c.ioTimeout <= 0 {
		return errors.New("io-timeout must be > 0")
	}
	return nil
}

// applyEnvOverrides maps NSQCAT_* environment variables to config fields
// unless a corresponding flag was explicitly set, following the teacher's
// applyEnvOverrides shape (flag wins over env).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["nsqd-tcp-address"]; !ok {
		if v, ok := get("NSQCAT_NSQD_TCP_ADDRESS"); ok && v != "" {
			c.nsqdAddrs = v
		}
	}
	if _, ok := set["lookupd-http-address"]; !ok {
		if v, ok := get("NSQCAT_LOOKUPD_HTTP_ADDRESS"); ok && v != "" {
			c.lookupdAddrs = v
		}
	}
	if _, ok := set["topic"]; !ok {
		if v, ok := get("NSQCAT_TOPIC"); ok && v != "" {
			c.topic = v
		}
	}
	if _, ok := set["channel"]; !ok {
		if v, ok := get("NSQCAT_CHANNEL"); ok && v != "" {
			c.channel = v
		}
	}
	if _, ok := set["max-in-flight"]; !ok {
		if v, ok := get("NSQCAT_MAX_IN_FLIGHT"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.maxInFlight = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid NSQCAT_MAX_IN_FLIGHT: %w", err)
			}
		}
	}
	if _, ok := set["connect-timeout"]; !ok {
		if v, ok := get("NSQCAT_CONNECT_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.connTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid NSQCAT_CONNECT_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["io-timeout"]; !ok {
		if v, ok := get("NSQCAT_IO_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.ioTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid NSQCAT_IO_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("NSQCAT_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("NSQCAT_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("NSQCAT_METRICS_ADDR"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("NSQCAT_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("NSQCAT_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid NSQCAT_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}

// yamlConfig is the subset of appConfig fields a YAML file may set. Field
// names are lowercase to match typical YAML key conventions.
type yamlConfig struct {
	NsqdTCPAddress  string `yaml:"nsqd_tcp_address"`
	LookupdHTTPAddr string `yaml:"lookupd_http_address"`
	Topic           string `yaml:"topic"`
	Channel         string `yaml:"channel"`
	MaxInFlight     int    `yaml:"max_in_flight"`
	LogFormat       string `yaml:"log_format"`
	LogLevel        string `yaml:"log_level"`
	MetricsAddr     string `yaml:"metrics_addr"`
	MdnsEnable      bool   `yaml:"mdns_enable"`
}

// applyYAMLDefaults is the third, lowest-priority config layer: it fills
// fields from path only where neither a flag nor an environment
// variable already set them (set tracks only flags, matching the
// teacher's precedence rule; environment variables are checked here
// directly, and fields without a non-empty default are also kept when
// already non-empty).
func (c *appConfig) applyYAMLDefaults(path string, set map[string]struct{}) error {
	envSet := func(k string) bool { v, ok := os.LookupEnv(k); return ok && strings.TrimSpace(v) != "" }
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var yc yamlConfig
	if err := yaml.Unmarshal(raw, &yc); err != nil {
		return fmt.Errorf("parse yaml config: %w", err)
	}
	if _, ok := set["nsqd-tcp-address"]; !ok && c.nsqdAddrs == "" {
		c.nsqdAddrs = yc.NsqdTCPAddress
	}
	if _, ok := set["lookupd-http-address"]; !ok && c.lookupdAddrs == "" {
		c.lookupdAddrs = yc.LookupdHTTPAddr
	}
	if _, ok := set["topic"]; !ok && c.topic == "" {
		c.topic = yc.Topic
	}
	if _, ok := set["channel"]; !ok && !envSet("NSQCAT_CHANNEL") && yc.Channel != "" {
		c.channel = yc.Channel
	}
	if _, ok := set["max-in-flight"]; !ok && !envSet("NSQCAT_MAX_IN_FLIGHT") && yc.MaxInFlight > 0 {
		c.maxInFlight = yc.MaxInFlight
	}
	if _, ok := set["log-format"]; !ok && !envSet("NSQCAT_LOG_FORMAT") && yc.LogFormat != "" {
		c.logFormat = yc.LogFormat
	}
	if _, ok := set["log-level"]; !ok && !envSet("NSQCAT_LOG_LEVEL") && yc.LogLevel != "" {
		c.logLevel = yc.LogLevel
	}
	if _, ok := set["metrics-addr"]; !ok && c.metricsAddr == "" {
		c.metricsAddr = yc.MetricsAddr
	}
	if _, ok := set["mdns-enable"]; !ok && !envSet("NSQCAT_MDNS_ENABLE") && yc.MdnsEnable {
		c.mdnsEnable = yc.MdnsEnable
	}
	return nil
}

// addrList splits a comma-separated address list, trimming blanks.
func addrList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
