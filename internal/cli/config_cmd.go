package cli

import (
	"encoding/json"
	"fmt"
	"runtime"

	"flatmaster/internal/config"

	"gopkg.in/yaml.v3"
)

// Version is overridden at build time with -ldflags.
var Version = "0.1.0-dev"

func (r *Root) configShow(asJSON bool) error {
	fmt.Printf("# config file: %s\n", config.Path())
	if asJSON {
		data, err := json.MarshalIndent(r.cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	data, err := yaml.Marshal(r.cfg)
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}

func (r *Root) configValidate() error {
	if err := r.cfg.Validate(); err != nil {
		r.log.Error("configuration validation", "status", "invalid", "error", err)
		return fmt.Errorf("invalid configuration: %w", err)
	}
	r.log.Info("configuration validation", "status", "valid")
	fmt.Println("Configuration is valid")
	return nil
}

func (r *Root) cmdVersion() error {
	fmt.Printf("flatmaster %s\n", Version)
	fmt.Printf("Built with Go %s\n", runtime.Version())
	return nil
}
