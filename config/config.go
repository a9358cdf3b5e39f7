// Package config defines the engine's configuration surface (§6): radio
// tuning, Listen-Before-Talk, timeouts, crypto mode-9 options, and ADR
// bounds, loaded from a YAML file and overridable by command-line flags.
package config

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LBT holds the Listen-Before-Talk options.
type LBT struct {
	RSSIThresholdDBm int16  `yaml:"rssi_threshold_dbm"`
	ListenMs         uint32 `yaml:"listen_ms"`
	MaxRetries       uint8  `yaml:"max_retries"`
}

// Crypto holds the Mode-9 (GCM) options.
type Crypto struct {
	Mode9TagBytes  int  `yaml:"mode9_tag_bytes"`
	Mode9VerifyCRC bool `yaml:"mode9_verify_crc"`
	Mode9AddCRC    bool `yaml:"mode9_add_crc"`
}

// ADR holds the Adaptive Data Rate bounds.
type ADR struct {
	Enabled      bool    `yaml:"enabled"`
	MinSF        int     `yaml:"min_sf"`
	MaxSF        int     `yaml:"max_sf"`
	MinPowerDBm  int     `yaml:"min_power_dbm"`
	MaxPowerDBm  int     `yaml:"max_power_dbm"`
	Window       int     `yaml:"window"`
	IntervalMs   uint32  `yaml:"interval_ms"`
	HysteresisDB float64 `yaml:"hysteresis_db"`
}

// Config is the single configuration record per instance named in §6.
type Config struct {
	RadioDriver         string `yaml:"radio_driver"` // "sx126x" or "rfm69"
	FrequencyHz         uint32 `yaml:"frequency_hz"`
	Bitrate             uint32 `yaml:"bitrate"`
	LBT                 LBT    `yaml:"lbt"`
	RxTimeoutMs         uint32 `yaml:"rx_timeout_ms"`
	DiscoveryTimeoutMs  uint32 `yaml:"discovery_timeout_ms"`
	Crypto              Crypto `yaml:"crypto"`
	ADR                 ADR    `yaml:"adr"`
	MasterKeyHex        string `yaml:"master_key_hex"`
}

// Default returns a Config with every §6-documented default populated.
func Default() Config {
	return Config{
		RadioDriver: "sx126x",
		FrequencyHz: 868_950_000,
		Bitrate:     100_000,
		LBT: LBT{
			RSSIThresholdDBm: -85,
			ListenMs:         5,
			MaxRetries:       3,
		},
		RxTimeoutMs:        5000,
		DiscoveryTimeoutMs: 30000,
		Crypto: Crypto{
			Mode9TagBytes:  12,
			Mode9VerifyCRC: true,
			Mode9AddCRC:    false,
		},
		ADR: ADR{
			Enabled:      true,
			MinSF:        7,
			MaxSF:        12,
			MinPowerDBm:  2,
			MaxPowerDBm:  14,
			Window:       20,
			IntervalMs:   30000,
			HysteresisDB: 3.0,
		},
	}
}

// Load reads and parses a YAML config file, starting from Default so any
// option the file omits keeps its documented default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// BindFlags registers flags on fs for every Config option, defaulting to
// cfg's current values, and returns a function that must be called after
// fs.Parse to write the parsed values back into cfg. This lets a caller
// load a YAML file first, then let command-line flags override it.
func BindFlags(fs *flag.FlagSet, cfg *Config) func() {
	radioDriver := fs.String("radio-driver", cfg.RadioDriver, "radio driver: sx126x or rfm69")
	masterKey := fs.String("master-key-hex", cfg.MasterKeyHex, "32-character hex AES-128 master key")
	freq := fs.Uint("frequency-hz", uint(cfg.FrequencyHz), "target center frequency in Hz")
	bitrate := fs.Uint("bitrate", uint(cfg.Bitrate), "symbol rate")
	lbtThreshold := fs.Int("lbt-rssi-threshold-dbm", int(cfg.LBT.RSSIThresholdDBm), "LBT channel-clear RSSI threshold in dBm")
	lbtListen := fs.Uint("lbt-listen-ms", uint(cfg.LBT.ListenMs), "LBT listen window in milliseconds")
	lbtRetries := fs.Uint("lbt-max-retries", uint(cfg.LBT.MaxRetries), "LBT maximum retry attempts")
	rxTimeout := fs.Uint("rx-timeout-ms", uint(cfg.RxTimeoutMs), "receive timeout in milliseconds")
	discoveryTimeout := fs.Uint("discovery-timeout-ms", uint(cfg.DiscoveryTimeoutMs), "discovery timeout in milliseconds")
	tagBytes := fs.Int("crypto-mode9-tag-bytes", cfg.Crypto.Mode9TagBytes, "GCM tag size in bytes, 12 (OMS) or 16 (compat)")
	verifyCRC := fs.Bool("crypto-mode9-verify-crc", cfg.Crypto.Mode9VerifyCRC, "verify the plaintext CRC-16/CCITT inside GCM payloads")
	addCRC := fs.Bool("crypto-mode9-add-crc", cfg.Crypto.Mode9AddCRC, "append a plaintext CRC-16/CCITT when encrypting GCM payloads")
	adrEnabled := fs.Bool("adr-enabled", cfg.ADR.Enabled, "enable Adaptive Data Rate")
	adrMinSF := fs.Int("adr-min-sf", cfg.ADR.MinSF, "minimum spreading factor")
	adrMaxSF := fs.Int("adr-max-sf", cfg.ADR.MaxSF, "maximum spreading factor")
	adrMinPower := fs.Int("adr-min-power-dbm", cfg.ADR.MinPowerDBm, "minimum transmit power in dBm")
	adrMaxPower := fs.Int("adr-max-power-dbm", cfg.ADR.MaxPowerDBm, "maximum transmit power in dBm")
	adrWindow := fs.Int("adr-window", cfg.ADR.Window, "ADR sliding window sample count")
	adrInterval := fs.Uint("adr-interval-ms", uint(cfg.ADR.IntervalMs), "ADR evaluation interval in milliseconds")
	adrHysteresis := fs.Float64("adr-hysteresis-db", cfg.ADR.HysteresisDB, "ADR hysteresis margin in dB")

	return func() {
		cfg.RadioDriver = *radioDriver
		cfg.MasterKeyHex = *masterKey
		cfg.FrequencyHz = uint32(*freq)
		cfg.Bitrate = uint32(*bitrate)
		cfg.LBT.RSSIThresholdDBm = int16(*lbtThreshold)
		cfg.LBT.ListenMs = uint32(*lbtListen)
		cfg.LBT.MaxRetries = uint8(*lbtRetries)
		cfg.RxTimeoutMs = uint32(*rxTimeout)
		cfg.DiscoveryTimeoutMs = uint32(*discoveryTimeout)
		cfg.Crypto.Mode9TagBytes = *tagBytes
		cfg.Crypto.Mode9VerifyCRC = *verifyCRC
		cfg.Crypto.Mode9AddCRC = *addCRC
		cfg.ADR.Enabled = *adrEnabled
		cfg.ADR.MinSF = *adrMinSF
		cfg.ADR.MaxSF = *adrMaxSF
		cfg.ADR.MinPowerDBm = *adrMinPower
		cfg.ADR.MaxPowerDBm = *adrMaxPower
		cfg.ADR.Window = *adrWindow
		cfg.ADR.IntervalMs = uint32(*adrInterval)
		cfg.ADR.HysteresisDB = *adrHysteresis
	}
}
