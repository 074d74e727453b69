package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration lets the policy file say "10m" instead of nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := unmarshal(&n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Policy holds the operator-tunable engine parameters loaded from the
// engine-policy.yaml file. Env vars cover wiring; policy covers behavior.
type Policy struct {
	Version string `yaml:"version"`

	Fees struct {
		FeeBps        uint16 `yaml:"fee_bps"`
		MinFee        uint64 `yaml:"min_fee"`
		MaxFeeBps     uint16 `yaml:"max_fee_bps"`
		TriggerFee    uint64 `yaml:"trigger_fee_lamports"`
		TokenSymbol   string `yaml:"token_symbol"`
		TokenDecimals uint8  `yaml:"token_decimals"`
	} `yaml:"fees"`

	Authorization struct {
		Mode             string `yaml:"mode"`
		ManualEnabled    bool   `yaml:"manual_enabled"`
		TimeBasedEnabled bool   `yaml:"time_based_enabled"`
	} `yaml:"authorization"`

	RateLimits struct {
		GlobalPerMinute int `yaml:"global_per_minute"`
		CallerPerMinute int `yaml:"caller_per_minute"`
	} `yaml:"rate_limits"`

	Backoff struct {
		Base       Duration `yaml:"base"`
		Multiplier float64  `yaml:"multiplier"`
		Max        Duration `yaml:"max"`
	} `yaml:"backoff"`

	Treasury struct {
		InitialBalance  uint64   `yaml:"initial_balance"`
		Threshold       uint64   `yaml:"threshold"`
		AutoRefill      bool     `yaml:"auto_refill"`
		MonitorInterval Duration `yaml:"monitor_interval"`
	} `yaml:"treasury"`

	Governance struct {
		FeeAddressDelay Duration `yaml:"fee_address_delay"`
	} `yaml:"governance"`
}

// DefaultPolicy returns the parameters used when no policy file is present.
func DefaultPolicy() *Policy {
	p := &Policy{Version: "default"}
	p.Fees.FeeBps = 200
	p.Fees.MinFee = 1000
	p.Fees.MaxFeeBps = 1000
	p.Fees.TriggerFee = 5000
	p.Fees.TokenSymbol = "USDC"
	p.Fees.TokenDecimals = 6
	p.Authorization.Mode = "signature"
	p.Authorization.ManualEnabled = true
	p.Authorization.TimeBasedEnabled = false
	p.RateLimits.GlobalPerMinute = 100
	p.RateLimits.CallerPerMinute = 10
	p.Backoff.Base = Duration(time.Second)
	p.Backoff.Multiplier = 2
	p.Backoff.Max = Duration(time.Hour)
	p.Treasury.InitialBalance = 10_000_000_000_000
	p.Treasury.Threshold = 1_000_000_000_000
	p.Treasury.AutoRefill = true
	p.Treasury.MonitorInterval = Duration(10 * time.Minute)
	p.Governance.FeeAddressDelay = Duration(7 * 24 * time.Hour)
	return p
}

// LoadPolicy reads the policy file, falling back to defaults for any
// field the file leaves zero.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	policy := DefaultPolicy()
	if err := yaml.Unmarshal(data, policy); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return policy, nil
}

// Validate rejects parameter combinations the settlement side would refuse.
func (p *Policy) Validate() error {
	if p.Fees.MaxFeeBps > 10000 {
		return fmt.Errorf("max_fee_bps %d exceeds 10000", p.Fees.MaxFeeBps)
	}
	if p.Fees.FeeBps > p.Fees.MaxFeeBps {
		return fmt.Errorf("fee_bps %d exceeds max_fee_bps %d", p.Fees.FeeBps, p.Fees.MaxFeeBps)
	}
	switch p.Authorization.Mode {
	case "signature", "manual", "time_based", "hybrid":
	default:
		return fmt.Errorf("unknown authorization mode %q", p.Authorization.Mode)
	}
	if p.Backoff.Multiplier < 1 {
		return fmt.Errorf("backoff multiplier %v below 1", p.Backoff.Multiplier)
	}
	if p.RateLimits.GlobalPerMinute <= 0 || p.RateLimits.CallerPerMinute <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	return nil
}
