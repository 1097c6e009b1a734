package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
gpio:
  chip: gpiochip4
  hook_pin: 5
  dial_pin: 6
  pulse_pin: 13
  hook_off_level: high
  pulse_grace: 40ms
dial:
  domain: sip.example.org
  timeout: 3s
sip:
  identities:
    - username: "1001"
      password: secret
      server: pbx.example.org
    - username: "2002"
      server: backup.example.org
  unregister_timeout: 5s
  nat:
    policy: stun
call_log:
  file: /var/log/dialtone/calls.log
  redis:
    addr: localhost:6379
mqtt:
  broker: tcp://localhost:1883
log:
  level: debug
  format: json
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "gpiochip4", c.GPIO.Chip)
	assert.Equal(t, 5, c.GPIO.HookPin)
	assert.True(t, c.GPIO.OffLevelHigh())
	assert.Equal(t, 40*time.Millisecond, c.GPIO.PulseGrace)
	assert.Equal(t, 100*time.Millisecond, c.GPIO.DialGrace, "default kept")

	assert.Equal(t, "sip.example.org", c.Dial.Domain)
	assert.Equal(t, 3*time.Second, c.Dial.Timeout)
	assert.Equal(t, 512, c.Dial.MaxLength)

	require.Len(t, c.SIP.Identities, 2)
	assert.Equal(t, "1001", c.SIP.Identities[0].Username)
	assert.Equal(t, "secret", c.SIP.Identities[0].Password)
	assert.Equal(t, 5*time.Second, c.SIP.UnregisterTimeout)
	assert.Equal(t, "stun", c.SIP.NAT.Policy)
	assert.Equal(t, "http://ifconfig.me/ip", c.SIP.NAT.LookupURL)

	assert.Equal(t, "localhost:6379", c.CallLog.Redis.Addr)
	assert.Equal(t, "dialtone:calls", c.CallLog.Redis.Key)
	assert.Equal(t, 15*time.Minute, c.MQTT.Heartbeat)
	assert.Equal(t, "json", c.Log.Format)
}

func TestDefaults(t *testing.T) {
	c := Default()
	assert.False(t, c.GPIO.OffLevelHigh())
	assert.Equal(t, 100*time.Millisecond, c.GPIO.HookGrace)
	assert.Equal(t, 70*time.Millisecond, c.GPIO.PulseGrace)
	assert.Equal(t, 4*time.Second, c.Dial.Timeout)
	assert.Equal(t, 20*time.Second, c.SIP.UnregisterTimeout)
	assert.Equal(t, 20*time.Second, c.SIP.NAT.Retry)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"duplicate pins", func(c *Config) { c.GPIO.PulsePin = c.GPIO.HookPin }, "distinct"},
		{"bad off level", func(c *Config) { c.GPIO.HookOffLevel = "sideways" }, "hook_off_level"},
		{"bad bias", func(c *Config) { c.GPIO.Bias = "float" }, "gpio.bias"},
		{"no domain", func(c *Config) { c.Dial.Domain = "" }, "dial.domain"},
		{"identity without server", func(c *Config) { c.SIP.Identities[0].Server = "" }, "identities[0]"},
		{"bad nat policy", func(c *Config) { c.SIP.NAT.Policy = "upnp" }, "nat.policy"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Parse([]byte(sample))
			require.NoError(t, err)
			tt.mutate(c)
			assert.ErrorContains(t, c.Validate(), tt.want)
		})
	}
}

func TestValidateNoIdentities(t *testing.T) {
	_, err := Parse([]byte("dial:\n  domain: x\n"))
	assert.True(t, errors.Is(err, ErrNoIdentities))
}

func TestParseBadYAML(t *testing.T) {
	_, err := Parse([]byte("gpio: [unclosed"))
	assert.ErrorContains(t, err, "parse config")
}

func TestParseBadDuration(t *testing.T) {
	_, err := Parse([]byte("dial:\n  timeout: soon\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dialtone.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sip.example.org", c.Dial.Domain)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")
}
