package main

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/odvcencio/guardrail/pkg/config"
)

func runConfigCommand(opts *globalOptions, args []string) error {
	if len(args) != 1 {
		return withExitCode(fmt.Errorf("usage: guardrail config <show|check|path>"), exitUsage)
	}
	switch args[0] {
	case "path":
		if opts.configPath != "" {
			fmt.Fprintln(stdout, opts.configPath)
		} else {
			fmt.Fprintln(stdout, config.ProjectConfigPath())
		}
		return nil
	case "check":
		if _, _, err := loadConfig(opts); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "configuration ok")
		return nil
	case "show":
		cfg, _, err := loadConfig(opts)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(stdout)
		enc.SetIndent(2)
		if err := enc.Encode(cfg.Redacted()); err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		return enc.Close()
	default:
		return withExitCode(fmt.Errorf("unknown config command: %s", args[0]), exitUsage)
	}
}
