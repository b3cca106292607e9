// Package engcfg loads ipengined's configuration from a file and flags,
// using the usual viper+pflag pairing rather than hand-rolled flag parsing.
package engcfg

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/embernet/ipcore/pkg/common"
)

// StaticAddr is one CfgAddStatic call to make at startup.
type StaticAddr struct {
	IfNbr     int    `mapstructure:"if"`
	Host      string `mapstructure:"host"`
	Mask      string `mapstructure:"mask"`
	Gateway   string `mapstructure:"gateway"`
	HasGwFlag bool   `mapstructure:"default_gateway"`
}

// Config is ipengined's full configuration surface: 
// EngineConfig knobs plus the driver/logging/metrics surface the engine
// itself has no opinion on.
type Config struct {
	Interface string `mapstructure:"interface"` // e.g. "eth0"; "" selects pcapdriver's offline mode

	MaxPerIf          int           `mapstructure:"max_addrs_per_if"`
	FragReasmTimeout  time.Duration `mapstructure:"frag_reassembly_timeout"`
	LoopbackIfNbr     int           `mapstructure:"loopback_if"`
	ChecksumOffloadRX bool          `mapstructure:"checksum_offload_rx"`
	ChecksumOffloadTX bool          `mapstructure:"checksum_offload_tx"`
	MCastModuleEn     bool          `mapstructure:"mcast_module_enabled"`
	IGMPModuleEn      bool          `mapstructure:"igmp_module_enabled"`
	TCPModuleEn       bool          `mapstructure:"tcp_module_enabled"`
	ICMPv4ModuleEn    bool          `mapstructure:"icmpv4_module_enabled"`

	StaticAddrs []StaticAddr `mapstructure:"static_addrs"`

	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
	LogFile  string `mapstructure:"log_file"`

	MetricsAddr string `mapstructure:"metrics_addr"` // "" disables the /metrics HTTP server
}

// Addr resolves one StaticAddr's string fields into typed addresses.
func (s StaticAddr) Addr() (host, mask, gateway common.IPv4Address, err error) {
	host, err = common.ParseIPv4(s.Host)
	if err != nil {
		return host, mask, gateway, fmt.Errorf("static_addrs: invalid host %q: %w", s.Host, err)
	}
	mask, err = common.ParseIPv4(s.Mask)
	if err != nil {
		return host, mask, gateway, fmt.Errorf("static_addrs: invalid mask %q: %w", s.Mask, err)
	}
	if s.Gateway != "" {
		gateway, err = common.ParseIPv4(s.Gateway)
		if err != nil {
			return host, mask, gateway, fmt.Errorf("static_addrs: invalid gateway %q: %w", s.Gateway, err)
		}
	}
	return host, mask, gateway, nil
}

// RegisterFlags defines, on the given FlagSet (typically cobra's
// cmd.Flags()), the flags that can override a config file.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("interface", "", "network interface to bind for raw-socket I/O")
	flags.Int("max-addrs-per-if", 4, "maximum addresses per interface")
	flags.Duration("frag-reassembly-timeout", 30*time.Second, "fragment reassembly list timeout")
	flags.Int("loopback-if", -1, "interface number treated as loopback")
	flags.Bool("checksum-offload-rx", false, "trust hardware RX checksum validation")
	flags.Bool("checksum-offload-tx", false, "record TX checksum offload (the engine still computes TX header checksums)")
	flags.Bool("mcast-module-enabled", true, "enable multicast destination handling")
	flags.Bool("igmp-module-enabled", true, "enable the IGMPv2 host module")
	flags.Bool("tcp-module-enabled", true, "enable the TCP upper layer")
	flags.Bool("icmpv4-module-enabled", true, "enable the ICMPv4 upper layer")
	flags.String("log-level", "info", "log level (panic,fatal,error,warn,info,debug,trace)")
	flags.Bool("log-json", false, "emit structured JSON logs instead of text")
	flags.String("log-file", "", "rotating log file path; empty logs to stderr only")
	flags.String("metrics-addr", "", "address to serve /metrics on; empty disables it")
}

// Load reads configPath (if non-empty) via viper, then overlays any flag set
// explicitly on flags, and returns the resolved Config.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("max_addrs_per_if", 4)
	v.SetDefault("frag_reassembly_timeout", 30*time.Second)
	v.SetDefault("loopback_if", -1)
	v.SetDefault("mcast_module_enabled", true)
	v.SetDefault("igmp_module_enabled", true)
	v.SetDefault("tcp_module_enabled", true)
	v.SetDefault("icmpv4_module_enabled", true)
	v.SetDefault("log_level", "info")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("engcfg: reading %s: %w", configPath, err)
		}
	}

	if flags != nil {
		bindFlag(v, flags, "interface", "interface")
		bindFlag(v, flags, "max_addrs_per_if", "max-addrs-per-if")
		bindFlag(v, flags, "frag_reassembly_timeout", "frag-reassembly-timeout")
		bindFlag(v, flags, "loopback_if", "loopback-if")
		bindFlag(v, flags, "checksum_offload_rx", "checksum-offload-rx")
		bindFlag(v, flags, "checksum_offload_tx", "checksum-offload-tx")
		bindFlag(v, flags, "mcast_module_enabled", "mcast-module-enabled")
		bindFlag(v, flags, "igmp_module_enabled", "igmp-module-enabled")
		bindFlag(v, flags, "tcp_module_enabled", "tcp-module-enabled")
		bindFlag(v, flags, "icmpv4_module_enabled", "icmpv4-module-enabled")
		bindFlag(v, flags, "log_level", "log-level")
		bindFlag(v, flags, "log_json", "log-json")
		bindFlag(v, flags, "log_file", "log-file")
		bindFlag(v, flags, "metrics_addr", "metrics-addr")
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("engcfg: unmarshal: %w", err)
	}
	return cfg, nil
}

func bindFlag(v *viper.Viper, flags *pflag.FlagSet, key, flagName string) {
	if f := flags.Lookup(flagName); f != nil {
		_ = v.BindPFlag(key, f)
	}
}
