// ABOUTME: Command line configuration: global flags and the optional YAML config file
// ABOUTME: Flags given on the command line override values read from the file

package main

import (
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gopkg.in/alecthomas/kingpin.v2"
	"gopkg.in/yaml.v3"

	"github.com/prateek/snapgraph/crawler"
	"github.com/prateek/snapgraph/inspect"
)

// fileConfig is the layout of the --config.file YAML document.
type fileConfig struct {
	Crawler crawler.Config `yaml:"crawler"`
	Server  inspect.Config `yaml:"server"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Crawler: crawler.DefaultConfig(),
		Server:  inspect.DefaultConfig(),
	}
}

type globalParams struct {
	ConfigFile       string
	LinkStrategies   []string
	IgnoreBadHeaders bool

	// Set by the serve command only.
	ListenAddress string
	PageSize      int
}

func addGlobalParams(app *kingpin.Application) *globalParams {
	p := &globalParams{}
	app.Flag("config.file", "YAML file with crawler and server settings.").StringVar(&p.ConfigFile)
	app.Flag("crawler.link-strategy", "Strategy for linking managed wrappers to native objects, tried in the given order. Repeatable.").
		EnumsVar(&p.LinkStrategies, string(crawler.LinkByInstanceID), string(crawler.LinkByCachedPtr))
	app.Flag("crawler.ignore-bad-headers", "Do not log objects whose header does not resolve to a type.").BoolVar(&p.IgnoreBadHeaders)
	return p
}

// config reads the config file, if any, applies the flag overrides and
// validates the result.
func (p *globalParams) config() (fileConfig, error) {
	cfg := defaultFileConfig()
	if p.ConfigFile != "" {
		if err := loadConfigFile(p.ConfigFile, &cfg); err != nil {
			return cfg, err
		}
	}
	if len(p.LinkStrategies) > 0 {
		cfg.Crawler.LinkStrategies = lo.Map(p.LinkStrategies, func(s string, _ int) crawler.LinkStrategy {
			return crawler.LinkStrategy(s)
		})
	}
	if p.IgnoreBadHeaders {
		cfg.Crawler.IgnoreBadHeaders = true
	}
	if p.ListenAddress != "" {
		cfg.Server.ListenAddress = p.ListenAddress
	}
	if p.PageSize > 0 {
		cfg.Server.PageSize = p.PageSize
	}

	var result *multierror.Error
	if err := cfg.Crawler.Validate(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "crawler"))
	}
	if err := cfg.Server.Validate(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "server"))
	}
	return cfg, result.ErrorOrNil()
}

func loadConfigFile(path string, cfg *fileConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "opening config file")
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return errors.Wrapf(err, "parsing config file %s", path)
	}
	return nil
}
