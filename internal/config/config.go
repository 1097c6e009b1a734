// Package config loads the dialtone YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/dialtone/internal/engine"
)

// DefaultPath is used when no --config flag or DIALTONE_CONFIG is given.
const DefaultPath = "/etc/dialtone.yaml"

// ErrNoIdentities is returned when no SIP identity is configured.
var ErrNoIdentities = errors.New("config: no sip identities")

type Config struct {
	GPIO        GPIO        `yaml:"gpio"`
	Dial        Dial        `yaml:"dial"`
	SIP         SIP         `yaml:"sip"`
	Sound       Sound       `yaml:"sound"`
	CallLog     CallLog     `yaml:"call_log"`
	MissedCalls MissedCalls `yaml:"missed_calls"`
	MQTT        MQTT        `yaml:"mqtt"`
	HTTP        HTTP        `yaml:"http"`
	Log         Log         `yaml:"log"`
}

type GPIO struct {
	Chip     string `yaml:"chip"`
	HookPin  int    `yaml:"hook_pin"`
	DialPin  int    `yaml:"dial_pin"` // digit boundary contact
	PulsePin int    `yaml:"pulse_pin"`
	// HookOffLevel is the level read on the hook pin while the handset is
	// lifted: "low" or "high".
	HookOffLevel string        `yaml:"hook_off_level"`
	Bias         string        `yaml:"bias"`
	HookGrace    time.Duration `yaml:"hook_grace"`
	DialGrace    time.Duration `yaml:"dial_grace"`
	PulseGrace   time.Duration `yaml:"pulse_grace"`
}

// OffLevelHigh reports whether HookOffLevel is "high".
func (g GPIO) OffLevelHigh() bool {
	return g.HookOffLevel == "high"
}

type Dial struct {
	Domain    string        `yaml:"domain"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxLength int           `yaml:"max_length"`
	Poll      time.Duration `yaml:"poll"`
}

type SIP struct {
	Listen            string            `yaml:"listen"`
	UserAgent         string            `yaml:"user_agent"`
	Identities        []engine.Identity `yaml:"identities"`
	UnregisterTimeout time.Duration     `yaml:"unregister_timeout"`
	SRTP              bool              `yaml:"srtp"`
	NAT               NAT               `yaml:"nat"`
	SASFile           string            `yaml:"sas_file"`
}

type NAT struct {
	Policy     string        `yaml:"policy"` // none, public-address, stun
	LookupURL  string        `yaml:"lookup_url"`
	Retry      time.Duration `yaml:"retry"`
	STUNServer string        `yaml:"stun_server"`
}

type Sound struct {
	Capture  string `yaml:"capture"`
	Playback string `yaml:"playback"`
	Ring     string `yaml:"ring"`
}

type CallLog struct {
	File  string `yaml:"file"`
	Redis Redis  `yaml:"redis"`
}

type Redis struct {
	Addr string `yaml:"addr"`
	Key  string `yaml:"key"`
}

type MissedCalls struct {
	Assets string `yaml:"assets"`
	Output string `yaml:"output"`
}

type MQTT struct {
	Broker    string        `yaml:"broker"`
	ClientID  string        `yaml:"client_id"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

type HTTP struct {
	Addr string `yaml:"addr"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Syslog bool   `yaml:"syslog"`
}

// Default returns the configuration used for every key the file omits.
func Default() *Config {
	return &Config{
		GPIO: GPIO{
			Chip:         "gpiochip0",
			HookPin:      17,
			DialPin:      27,
			PulsePin:     22,
			HookOffLevel: "low",
			Bias:         "pull-up",
			HookGrace:    100 * time.Millisecond,
			DialGrace:    100 * time.Millisecond,
			PulseGrace:   70 * time.Millisecond,
		},
		Dial: Dial{
			Timeout:   4 * time.Second,
			MaxLength: 512,
			Poll:      50 * time.Millisecond,
		},
		SIP: SIP{
			Listen:            "0.0.0.0:5060",
			UserAgent:         "dialtone",
			UnregisterTimeout: 20 * time.Second,
			NAT: NAT{
				Policy:     "none",
				LookupURL:  "http://ifconfig.me/ip",
				Retry:      20 * time.Second,
				STUNServer: "stun.l.google.com:19302",
			},
		},
		Sound: Sound{
			Capture:  "default",
			Playback: "default",
			Ring:     "default",
		},
		CallLog: CallLog{
			Redis: Redis{Key: "dialtone:calls"},
		},
		MQTT: MQTT{
			ClientID:  "dialtone",
			Heartbeat: 15 * time.Minute,
		},
		HTTP: HTTP{Addr: ":80"},
		Log:  Log{Level: "info", Format: "text"},
	}
}

// Parse decodes data over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error

	g := c.GPIO
	if g.HookPin == g.DialPin || g.HookPin == g.PulsePin || g.DialPin == g.PulsePin {
		errs = append(errs, fmt.Errorf("gpio pins must be distinct (hook=%d dial=%d pulse=%d)", g.HookPin, g.DialPin, g.PulsePin))
	}
	if g.HookOffLevel != "low" && g.HookOffLevel != "high" {
		errs = append(errs, fmt.Errorf("gpio.hook_off_level must be low or high, got %q", g.HookOffLevel))
	}
	switch g.Bias {
	case "pull-up", "pull-down", "disabled":
	default:
		errs = append(errs, fmt.Errorf("gpio.bias must be pull-up, pull-down or disabled, got %q", g.Bias))
	}

	if c.Dial.Domain == "" {
		errs = append(errs, errors.New("dial.domain is required"))
	}
	if c.Dial.Poll <= 0 {
		errs = append(errs, errors.New("dial.poll must be positive"))
	}

	if len(c.SIP.Identities) == 0 {
		errs = append(errs, ErrNoIdentities)
	}
	for i, id := range c.SIP.Identities {
		if id.Username == "" || id.Server == "" {
			errs = append(errs, fmt.Errorf("sip.identities[%d]: username and server are required", i))
		}
	}
	switch c.SIP.NAT.Policy {
	case "none", "public-address", "stun":
	default:
		errs = append(errs, fmt.Errorf("sip.nat.policy must be none, public-address or stun, got %q", c.SIP.NAT.Policy))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
