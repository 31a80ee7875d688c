package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/chrisfenner/tpm12direct/server"
)

const (
	defaultLogLevel = "info"
	defaultStateDir = "/var/lib/tpm12d"
)

// Config is the daemon configuration. It is read from the file named by
// --config, then overridden by TPM12D_* environment variables and flags.
type Config struct {
	LogLevel  string                  `yaml:"log-level" mapstructure:"log-level"`
	Instances []server.InstanceConfig `yaml:"instances" mapstructure:"instances"`
}

func defaultConfig() *Config {
	return &Config{
		LogLevel: defaultLogLevel,
		Instances: []server.InstanceConfig{{
			Name:            "tpm0",
			TPMAddress:      "127.0.0.1:2321",
			PlatformAddress: "127.0.0.1:2322",
			StatePath:       defaultStateDir + "/tpm0.bin",
		}},
	}
}

// readConfig resolves the configuration held by v.
func readConfig(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("TPM12D")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("log-level", defaultLogLevel)

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}
	cfg := defaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if len(cfg.Instances) == 0 {
		return nil, fmt.Errorf("no instances configured")
	}
	names := make(map[string]bool)
	for _, inst := range cfg.Instances {
		if names[inst.Name] {
			return nil, fmt.Errorf("duplicate instance name %q", inst.Name)
		}
		names[inst.Name] = true
	}
	return cfg, nil
}

func NewConfigCmd(root *cobra.Command) *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Args:  cobra.ExactArgs(0),
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := readConfig(viper.GetViper())
			if err != nil {
				return err
			}
			b, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
	root.AddCommand(c)
	return c
}

var _ = NewConfigCmd(rootCmd)
