// Command inja renders template files against JSON or YAML data.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/MinLL/inja/runtime"
	"github.com/MinLL/inja/value"
)

// config holds the render options resolved from flags, environment
// variables and the optional inja.yaml file, in that precedence order.
type config struct {
	Data           string   `koanf:"data"`
	Output         string   `koanf:"output"`
	Graceful       bool     `koanf:"graceful"`
	Autoescape     bool     `koanf:"autoescape"`
	TrimBlocks     bool     `koanf:"trim-blocks"`
	LstripBlocks   bool     `koanf:"lstrip-blocks"`
	SearchPath     []string `koanf:"search-path"`
	IgnoreMissing  bool     `koanf:"ignore-missing-includes"`
	CacheCallbacks bool     `koanf:"cache-callbacks"`
	CacheTTL       string   `koanf:"cache-ttl"`
	Verbose        bool     `koanf:"verbose"`
}

func main() {
	root := &cobra.Command{
		Use:           "inja",
		Short:         "Template engine for JSON and YAML data",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(renderCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func renderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render <template>",
		Short: "Render a template file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			return runRender(cfg, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringP("data", "d", "", "JSON or YAML data file")
	flags.StringP("output", "o", "", "output file (default stdout)")
	flags.Bool("graceful", false, "keep rendering through expression failures")
	flags.Bool("autoescape", false, "HTML-escape printed strings")
	flags.Bool("trim-blocks", false, "remove the first newline after a statement")
	flags.Bool("lstrip-blocks", false, "strip whitespace from line start to a statement")
	flags.StringSlice("search-path", nil, "template search directories")
	flags.Bool("ignore-missing-includes", false, "ignore unresolvable include targets")
	flags.Bool("cache-callbacks", false, "cache callback results")
	flags.String("cache-ttl", "5s", "callback cache time-to-live")
	flags.BoolP("verbose", "v", false, "log render details")
	return cmd
}

// loadConfig resolves options: flags override INJA_* environment variables,
// which override inja.yaml in the working directory.
func loadConfig(flags *pflag.FlagSet) (*config, error) {
	k := koanf.New(".")

	if _, err := os.Stat("inja.yaml"); err == nil {
		if err := k.Load(file.Provider("inja.yaml"), koanfyaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading inja.yaml: %w", err)
		}
	}

	if err := k.Load(env.Provider("INJA_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "INJA_")), "_", "-")
	}), nil); err != nil {
		return nil, err
	}

	if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
		return nil, err
	}

	var cfg config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func runRender(cfg *config, templatePath string) error {
	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	environment := runtime.NewEnvironment()
	searchPath := cfg.SearchPath
	if len(searchPath) == 0 {
		searchPath = []string{filepath.Dir(templatePath)}
	}
	environment.SetLoader(runtime.NewFileSystemLoader(searchPath...))
	environment.SetGracefulErrors(cfg.Graceful)
	environment.SetHTMLAutoescape(cfg.Autoescape)
	environment.SetTrimBlocks(cfg.TrimBlocks)
	environment.SetLstripBlocks(cfg.LstripBlocks)
	environment.SetThrowAtMissingIncludes(!cfg.IgnoreMissing)

	if cfg.CacheCallbacks {
		ttl, err := time.ParseDuration(cfg.CacheTTL)
		if err != nil {
			return fmt.Errorf("invalid cache-ttl: %w", err)
		}
		cacheConfig := runtime.DefaultCallbackCacheConfig()
		cacheConfig.TTL = ttl
		environment.EnableCallbackCache(cacheConfig)
	}

	data, err := loadData(cfg.Data)
	if err != nil {
		return err
	}

	tmpl, err := environment.ParseFile(filepath.Base(templatePath))
	if err != nil {
		return err
	}

	out := os.Stdout
	if cfg.Output != "" {
		f, err := os.Create(cfg.Output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	start := time.Now()
	renderErrors, err := environment.RenderTo(out, tmpl, data)
	if err != nil {
		return err
	}
	logger.Debug("rendered", "template", templatePath, "duration", time.Since(start))
	for _, re := range renderErrors {
		logger.Warn("render error",
			"message", re.Message,
			"line", re.Location.Line,
			"column", re.Location.Column,
			"original", re.OriginalText)
	}
	return nil
}

// loadData reads the data context from a JSON or YAML file. Without a data
// file the context is empty.
func loadData(path string) (*value.Value, error) {
	if path == "" {
		return value.NewObject(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return value.FromYAML(raw)
	default:
		return value.Parse(raw)
	}
}
