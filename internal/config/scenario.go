package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Scenario is one named network-condition preset for transport/simnet.
// PacketLoss and Duplicates are fractions in [0, 1], matching
// simnet.Simulator's own convention.
type Scenario struct {
	Name          string  `mapstructure:"name"`
	LatencyMS     float64 `mapstructure:"latency_ms"`
	JitterMS      float64 `mapstructure:"jitter_ms"`
	PacketLoss    float64 `mapstructure:"packet_loss"`
	Duplicates    float64 `mapstructure:"duplicates"`
	MaxPackets    int     `mapstructure:"max_packets"`
}

// builtinScenarios seed the loader with reasonable presets so a deployment
// with no config file still has something usable to select by name.
func builtinScenarios() map[string]Scenario {
	return map[string]Scenario{
		"lan": {
			Name: "lan", LatencyMS: 2, JitterMS: 1, PacketLoss: 0, Duplicates: 0, MaxPackets: 4096,
		},
		"mobile-3g": {
			Name: "mobile-3g", LatencyMS: 150, JitterMS: 40, PacketLoss: 0.02, Duplicates: 0.01, MaxPackets: 4096,
		},
		"satellite": {
			Name: "satellite", LatencyMS: 600, JitterMS: 80, PacketLoss: 0.01, Duplicates: 0, MaxPackets: 4096,
		},
		"hostile": {
			Name: "hostile", LatencyMS: 250, JitterMS: 150, PacketLoss: 0.1, Duplicates: 0.05, MaxPackets: 4096,
		},
	}
}

// ScenarioLoader reads named network-simulator presets from an optional
// config file (simulator.yaml / simulator.json / etc, searched the way
// viper does), falling back to the builtin set for any name it doesn't
// find on disk.
type ScenarioLoader struct {
	v         *viper.Viper
	scenarios map[string]Scenario
}

// NewScenarioLoader reads configName (without extension) from the given
// search paths. A missing config file is not an error — the builtin
// presets still apply.
func NewScenarioLoader(configName string, searchPaths ...string) (*ScenarioLoader, error) {
	v := viper.New()
	v.SetConfigName(configName)
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("NETCHANNEL_SIMNET")
	v.AutomaticEnv()

	scenarios := builtinScenarios()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: scenario: %w", err)
		}
	} else {
		var loaded struct {
			Scenarios []Scenario `mapstructure:"scenarios"`
		}
		if err := v.Unmarshal(&loaded); err != nil {
			return nil, fmt.Errorf("config: scenario: unmarshal: %w", err)
		}
		for _, s := range loaded.Scenarios {
			scenarios[s.Name] = s
		}
	}

	return &ScenarioLoader{v: v, scenarios: scenarios}, nil
}

// Scenario returns the named preset. ok is false for an unknown name.
func (l *ScenarioLoader) Scenario(name string) (Scenario, bool) {
	s, ok := l.scenarios[name]
	return s, ok
}

// Names lists every scenario the loader knows about.
func (l *ScenarioLoader) Names() []string {
	names := make([]string, 0, len(l.scenarios))
	for name := range l.scenarios {
		names = append(names, name)
	}
	return names
}
