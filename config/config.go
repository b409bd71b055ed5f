// Package config loads broker-wide tuning options from TOML, separate from
// the wire codec and transport the broker core does not own.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

// Config is the enumerated set of broker-policy options named in spec.md §6.
// Every field has a sensible zero-to-default mapping applied by Default/
// ApplyDefaults so a partially-specified TOML file still produces a usable
// Config.
type Config struct {
	// Pending-queue bounds (spec.md §4.1).
	MaxInflightClient       int           `toml:"max_inflight_client"`
	MaxInflightServer       int           `toml:"max_inflight_server"`
	MaxInMemPendingMessages int           `toml:"max_in_mem_pending_messages"`
	InflightTimeout         time.Duration `toml:"inflight_timeout"`

	// Packet-size limits, enforced on encoded length (spec.md §6(a)).
	MaxPacketSizeServer uint32 `toml:"max_packet_size_server"`
	MaxPacketSizeClient uint32 `toml:"max_packet_size_client"`

	// Keep-alive bounds, seconds.
	MaxKeepAlive uint16 `toml:"max_keep_alive"`
	MinKeepAlive uint16 `toml:"min_keep_alive"`

	// CONNECT policy.
	AllowAnonymous   bool `toml:"allow_anonymous"`
	CheckV3IDLength  bool `toml:"check_v3_id_length"`
	AssignedIDPrefix string `toml:"assigned_id_prefix"`

	// v5 availability flags, reflected in CONNACK.
	SharedSubscriptionAvailable  bool   `toml:"shared_subscription_available"`
	SubscriptionIDAvailable      bool   `toml:"subscription_id_available"`
	WildcardSubscriptionAvailable bool  `toml:"wildcard_subscription_available"`
	RetainAvailable              bool   `toml:"retain_available"`
	TopicAliasMax                uint16 `toml:"topic_alias_max"`

	// Hook gates (spec.md §8's per-hook enable flags).
	Hooks HookConfig `toml:"hook"`

	// Takeover policy (spec.md §4.4, decided in DESIGN.md's Open
	// Question section: disallowed by default).
	AllowCrossVersionTakeover bool `toml:"allow_cross_version_takeover"`

	// QoS2 inbound dedup cache bound and broadcast backpressure depth,
	// both session-scoped resource bounds not named individually in
	// spec.md §6 but required to size session.Config.
	MaxQoS2Dedup        int `toml:"max_qos2_dedup"`
	BroadcastQueueDepth int `toml:"broadcast_queue_depth"`

	// Daemon-level wiring: where it listens and where session state lives.
	// Neither bears on the broker core's own semantics, only on how
	// cmd/mqttbrokerd assembles one.
	Listen ListenConfig `toml:"listen"`
	Store  StoreConfig  `toml:"store"`
}

// ListenConfig names the addresses the daemon binds.
type ListenConfig struct {
	Address        string `toml:"address"`
	MetricsAddress string `toml:"metrics_address"`
}

// StoreConfig selects and configures the session.Store backend.
type StoreConfig struct {
	// Backend is one of "memory", "pebble", or "redis".
	Backend       string `toml:"backend"`
	PebblePath    string `toml:"pebble_path"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

// HookConfig gates which extension hooks fire, per spec.md §8.
type HookConfig struct {
	EnableBeforeConnect bool `toml:"enable_before_connect"`
	EnablePublish       bool `toml:"enable_publish"`
	EnableSubscribe     bool `toml:"enable_subscribe"`
	EnableUnsubscribe   bool `toml:"enable_unsubscribe"`
}

// Default returns a Config with the teacher's implied defaults: generous
// but bounded inflight windows, no anonymous clients, v3 identifier length
// checked, and every v5 availability flag on.
func Default() Config {
	return Config{
		MaxInflightClient:             20,
		MaxInflightServer:             20,
		MaxInMemPendingMessages:       1000,
		InflightTimeout:               30 * time.Second,
		MaxPacketSizeServer:           1 << 20,
		MaxPacketSizeClient:           1 << 20,
		MaxKeepAlive:                  3600,
		MinKeepAlive:                  0,
		AllowAnonymous:                false,
		CheckV3IDLength:               true,
		AssignedIDPrefix:              "auto-",
		SharedSubscriptionAvailable:   true,
		SubscriptionIDAvailable:       true,
		WildcardSubscriptionAvailable: true,
		RetainAvailable:               true,
		TopicAliasMax:                 65535,
		Hooks: HookConfig{
			EnableBeforeConnect: true,
			EnablePublish:       true,
			EnableSubscribe:     true,
			EnableUnsubscribe:   true,
		},
		AllowCrossVersionTakeover: false,
		MaxQoS2Dedup:              1000,
		BroadcastQueueDepth:       256,
		Listen: ListenConfig{
			Address:        ":1883",
			MetricsAddress: ":9090",
		},
		Store: StoreConfig{
			Backend: "memory",
		},
	}
}

// Load reads a TOML file at path, starting from Default and overwriting
// whatever fields the file specifies.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config: decode %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Newf("config: unrecognized keys in %s: %v", path, undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects option combinations that would make the broker
// internally inconsistent, per the bounds spec.md §9 names as invariants.
func (c Config) Validate() error {
	if c.MaxInflightClient <= 0 || c.MaxInflightServer <= 0 {
		return errors.New("config: max_inflight_client and max_inflight_server must be positive")
	}
	if c.MaxInMemPendingMessages < 0 {
		return errors.New("config: max_in_mem_pending_messages must not be negative")
	}
	if c.InflightTimeout <= 0 {
		return errors.New("config: inflight_timeout must be positive")
	}
	if c.MinKeepAlive > c.MaxKeepAlive {
		return errors.New("config: min_keep_alive must not exceed max_keep_alive")
	}
	if c.MaxPacketSizeServer == 0 || c.MaxPacketSizeClient == 0 {
		return errors.New("config: max_packet_size_server and max_packet_size_client must be positive")
	}
	switch c.Store.Backend {
	case "memory":
	case "pebble":
		if c.Store.PebblePath == "" {
			return errors.New("config: store.pebble_path required for pebble backend")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return errors.New("config: store.redis_addr required for redis backend")
		}
	default:
		return errors.Newf("config: unknown store backend %q", c.Store.Backend)
	}
	return nil
}
