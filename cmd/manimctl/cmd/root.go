package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/manim-studio/pkg/config"
	"github.com/psantana5/manim-studio/pkg/logging"
	"github.com/psantana5/manim-studio/pkg/metrics"
	"github.com/psantana5/manim-studio/pkg/shutdown"
	"github.com/psantana5/manim-studio/pkg/studio"
	"github.com/psantana5/manim-studio/pkg/tracing"
)

// Version is set at build time
var Version = "dev"

var (
	cfgFile      string
	apiURL       string
	outputFormat string
	logLevel     string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "manimctl",
	Short: "Generate Manim animations from natural-language prompts",
	Long: `manimctl submits prompts to a Manim animation job server, follows each job
over the server's push channel (falling back to polling when the channel is
unavailable) and fetches the rendered video.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch outputFormat {
		case "table", "json", "yaml":
			return nil
		default:
			return fmt.Errorf("unsupported output format %q (table, json or yaml)", outputFormat)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.manimctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "job server URL (default from config, MANIM_API_URL or "+config.DefaultAPIURL+")")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
}

// initConfig loads .env files, then the config file and environment
func initConfig() {
	for _, f := range []string{".env", ".env.local"} {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to load %s: %v\n", f, err)
			}
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".manimctl"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	setConfigDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Warning: failed to read config: %v\n", err)
		}
	}
}

// setConfigDefaults registers defaults and environment bindings on v
func setConfigDefaults(v *viper.Viper) {
	d := config.Default()
	v.SetDefault("api_url", d.APIURL)
	v.SetDefault("reconnect_delay", d.ReconnectDelay)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("poll_retry_interval", d.PollRetryInterval)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("requests_per_second", d.RequestsPerSecond)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)

	v.SetEnvPrefix("MANIM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// REACT_APP_API_URL is honored so a frontend .env can be shared
	v.BindEnv("api_url", "MANIM_API_URL", "REACT_APP_API_URL")
	v.BindEnv("api_key", "MANIM_API_KEY")
	v.BindEnv("tls_ca_file", "MANIM_TLS_CA_FILE")
	v.BindEnv("tls_cert_file", "MANIM_TLS_CERT_FILE")
	v.BindEnv("tls_key_file", "MANIM_TLS_KEY_FILE")
	v.BindEnv("tracing_endpoint", "MANIM_TRACING_ENDPOINT")
	v.BindEnv("status_token_hash", "MANIM_STATUS_TOKEN_HASH")
}

// loadConfig resolves the effective client config, flags taking precedence
func loadConfig(v *viper.Viper) (config.Client, error) {
	var cfg config.Client
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config: %w", err)
	}
	if apiURL != "" {
		cfg.APIURL = apiURL
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newLogger(cfg config.Client) *logging.Logger {
	return logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat == "json")
}

// app bundles a studio client with everything that must be torn down after it
type app struct {
	cfg      config.Client
	log      *logging.Logger
	metrics  *metrics.Recorder
	client   *studio.Client
	shutdown *shutdown.Manager
}

func newApp(ctx context.Context, cfg config.Client) (*app, error) {
	log := newLogger(cfg)
	sm := shutdown.New(10*time.Second, log)

	tp, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "manimctl",
		ServiceVersion: Version,
		OTLPEndpoint:   cfg.TracingEndpoint,
	})
	if err != nil {
		return nil, err
	}
	sm.Register("tracer", tp.Shutdown)

	rec := metrics.NewRecorder()
	client, err := studio.New(cfg,
		studio.WithLogger(log),
		studio.WithMetrics(rec),
		studio.WithTracing(tp),
	)
	if err != nil {
		sm.Shutdown()
		return nil, err
	}
	sm.Register("studio client", shutdown.Closer(client))

	return &app{cfg: cfg, log: log, metrics: rec, client: client, shutdown: sm}, nil
}

// setupApp loads config and builds the app for a command
func setupApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return nil, err
	}
	return newApp(cmd.Context(), cfg)
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// writeStructured writes v as JSON or YAML, reporting false for table output
func writeStructured(w io.Writer, v interface{}) (bool, error) {
	switch outputFormat {
	case "json":
		output, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return true, fmt.Errorf("failed to format JSON: %w", err)
		}
		fmt.Fprintln(w, string(output))
		return true, nil
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, fmt.Errorf("failed to format YAML: %w", err)
		}
		return true, enc.Close()
	default:
		return false, nil
	}
}

// fieldTable renders key/value rows
func fieldTable(w io.Writer, rows [][2]string) {
	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")
	for _, r := range rows {
		if r[1] == "" {
			continue
		}
		table.Append(r[0], r[1])
	}
	table.Render()
}
