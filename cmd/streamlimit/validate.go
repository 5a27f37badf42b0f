package main

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/streamlimit/internal/config"
	"github.com/goodtune/streamlimit/internal/policy"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the streamlimit configuration file for syntax and semantic errors
and compile the gate policy.`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

// secretKeys are redacted when dumping
var secretKeys = map[string]bool{
	"tautulli.api_key":       true,
	"storage.redis.password": true,
	"admin.token":            true,
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	// Load configuration
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Compile the gate policy so broken overrides are caught before a restart
	engine, err := policy.NewEngineFromConfig(cfg, zerolog.Nop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Gate policy failed to compile: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(out, "✅ Configuration is valid: %s\n", configPath)
	_, _ = fmt.Fprintf(out, "   Gate policy modules: %s\n", strings.Join(engine.Modules(), ", "))

	// Warn about unknown keys
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		_, _ = fmt.Fprintln(out)
		_, _ = red.Fprintf(out, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(out, "   - %s\n", key)
		}
		_, _ = fmt.Fprintln(out, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	// If dump requested, show full configuration with defaults highlighted
	if validateDump {
		_, _ = fmt.Fprintln(out, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(out, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(out, strings.Repeat("=", 80))

		dumpConfig(out, cfg, getDefaultConfig(), unknownKeys)
	}

	return nil
}

// getDefaultConfig creates a configuration with default values
func getDefaultConfig() *config.Config {
	v := viper.New()
	config.SetDefaults(v)

	var cfg config.Config
	_ = v.Unmarshal(&cfg)

	return &cfg
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := getValidKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// getValidKeys returns the set of keys that have a default
func getValidKeys() map[string]bool {
	v := viper.New()
	config.SetDefaults(v)

	keys := make(map[string]bool)
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	return keys
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(out io.Writer, cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	dumpStruct(out, "", reflect.ValueOf(*cfg), reflect.ValueOf(*defaultCfg), 0, yellow, green, cyan)

	// Display unknown keys if any
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Fprintln(out, "\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(out, "  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(out, "\n"+strings.Repeat("=", 80))
}

// dumpStruct walks the mapstructure tags of a config struct. Nested structs
// become sections; everything else is printed with dumpField.
func dumpStruct(out io.Writer, prefix string, value, defaultValue reflect.Value, depth int, modified, unchanged, section *color.Color) {
	t := value.Type()
	indent := strings.Repeat("  ", depth)

	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Tag.Get("mapstructure")
		if name == "" {
			continue
		}

		key := name
		if prefix != "" {
			key = prefix + "." + name
		}

		field := value.Field(i)
		defaultField := defaultValue.Field(i)

		if field.Kind() == reflect.Struct {
			if depth == 0 {
				_, _ = section.Fprintf(out, "\n[%s]\n", key)
			} else {
				_, _ = section.Fprintf(out, "%s[%s]\n", indent, key)
			}
			dumpStruct(out, key, field, defaultField, depth+1, modified, unchanged, section)
			continue
		}

		v, d := field.Interface(), defaultField.Interface()
		if secretKeys[key] {
			v, d = redactPassword(field.String()), redactPassword(defaultField.String())
		}

		if depth == 0 {
			_, _ = section.Fprintf(out, "\n[%s]\n", key)
			dumpField(out, "  "+name, v, d, modified, unchanged)
			continue
		}
		dumpField(out, indent+name, v, d, modified, unchanged)
	}
}

// dumpField prints a field with color if it differs from default
func dumpField(out io.Writer, name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Fprintf(out, "%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Fprintf(out, "%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
