package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/parleyhq/parley/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Presence Presence `json:"presence"`
	Profile  Profile  `json:"profile"`
	Call     Call     `json:"call"`
	API      API      `json:"api"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
}

type Presence struct {
	Topic        string `json:"topic"`
	TTLSec       int    `json:"ttl_seconds"`
	HeartbeatSec int    `json:"heartbeat_seconds"`
}

type Profile struct {
	Label string `json:"label"`
}

// Call holds the tunables of the call controller and negotiator.
type Call struct {
	// RingTimeoutSec is how long an outbound call may stay pending before
	// the caller marks it missed. 0 disables the missed-call timer.
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	// ICE timeouts passed to Pion's SettingEngine. Generous defaults so a
	// brief relay/NAT hiccup does not immediately terminate the call.
	ICEDisconnectSec int `json:"ice_disconnect_seconds"`
	ICEFailSec       int `json:"ice_fail_seconds"`

	// STUN servers for ICE gathering.
	STUNServers []string `json:"stun_servers"`

	// VideoBitrate is the VP8 encoder target in bits per second.
	VideoBitrate int `json:"video_bitrate"`
}

type API struct {
	// HTTPAddr is the local control API bind address, e.g. "127.0.0.1:8484".
	HTTPAddr string `json:"http_addr"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "parley-mdns",
		},
		Presence: Presence{
			Topic:        "parley.presence.v1",
			TTLSec:       20,
			HeartbeatSec: 5,
		},
		Profile: Profile{
			Label: "anonymous",
		},
		Call: Call{
			RingTimeoutSec:   30,
			ICEDisconnectSec: 30,
			ICEFailSec:       120,
			STUNServers:      []string{"stun:stun.l.google.com:19302"},
			VideoBitrate:     1_500_000,
		},
		API: API{
			HTTPAddr: "127.0.0.1:8484",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	if _, err := util.ValidatePeerLabel(c.Profile.Label); err != nil {
		return fmt.Errorf("profile.label: %w", err)
	}

	if strings.TrimSpace(c.Presence.Topic) == "" {
		return errors.New("presence.topic is required")
	}
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.ttl_seconds")
	}

	if c.Call.RingTimeoutSec < 0 {
		return errors.New("call.ring_timeout_seconds must be >= 0")
	}
	if c.Call.ICEDisconnectSec <= 0 {
		return errors.New("call.ice_disconnect_seconds must be > 0")
	}
	if c.Call.ICEFailSec <= c.Call.ICEDisconnectSec {
		return errors.New("call.ice_fail_seconds must be > call.ice_disconnect_seconds")
	}
	if c.Call.VideoBitrate <= 0 {
		return errors.New("call.video_bitrate must be > 0")
	}
	for _, s := range c.Call.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("call.stun_servers: %q must start with stun: or turn:", s)
		}
	}

	if a := strings.TrimSpace(c.API.HTTPAddr); a != "" {
		host, _, err := net.SplitHostPort(a)
		if err != nil {
			return fmt.Errorf("api.http_addr: %v", err)
		}
		if host != "" && net.ParseIP(host) == nil && host != "localhost" {
			return errors.New("api.http_addr host must be an IP or localhost")
		}
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
