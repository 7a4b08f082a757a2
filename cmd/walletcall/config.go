package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"example.com/libdescwallet/walletrpc"
	"github.com/btcsuite/btcd/btcutil"
	"gopkg.in/yaml.v3"
)

var defaultDataDir = btcutil.AppDataDir("walletcall", false)

// walletConfig is the YAML wallet description read from --configfile.
type walletConfig struct {
	Name             string         `yaml:"name"`
	Network          string         `yaml:"network"`
	Path             string         `yaml:"path"`
	Descriptor       string         `yaml:"descriptor"`
	ChangeDescriptor *string        `yaml:"change_descriptor"`
	Electrum         electrumConfig `yaml:"electrum"`
}

type electrumConfig struct {
	URL            string  `yaml:"url"`
	Proxy          *string `yaml:"proxy"`
	Retry          *uint8  `yaml:"retry"`
	Timeout        *uint8  `yaml:"timeout"`
	StopGap        *uint32 `yaml:"stop_gap"`
	ValidateDomain *bool   `yaml:"validate_domain"`
}

func optional[T any](v *T) walletrpc.Optional[T] {
	if v == nil {
		return walletrpc.Optional[T]{}
	}
	return walletrpc.Some(*v)
}

// cleanAndExpandPath expands a leading ~ and cleans the result.
func cleanAndExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}

func loadConfig(path string) (*walletrpc.ConstructorParams, error) {
	if path == "" {
		return nil, fmt.Errorf("no wallet configuration, use --configfile")
	}
	b, err := os.ReadFile(cleanAndExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("error reading wallet configuration: %v", err)
	}
	var cfg walletConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("error decoding wallet configuration: %v", err)
	}
	if cfg.Path == "" {
		cfg.Path = filepath.Join(defaultDataDir, cfg.Network)
	}
	return &walletrpc.ConstructorParams{
		Name:                   cfg.Name,
		Network:                walletrpc.Network(cfg.Network),
		Path:                   cleanAndExpandPath(cfg.Path),
		Descriptor:             cfg.Descriptor,
		ChangeDescriptor:       optional(cfg.ChangeDescriptor),
		ElectrumURL:            cfg.Electrum.URL,
		ElectrumProxy:          optional(cfg.Electrum.Proxy),
		ElectrumRetry:          optional(cfg.Electrum.Retry),
		ElectrumTimeout:        optional(cfg.Electrum.Timeout),
		ElectrumStopGap:        optional(cfg.Electrum.StopGap),
		ElectrumValidateDomain: optional(cfg.Electrum.ValidateDomain),
	}, nil
}
