package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the chat server configuration
type Config struct {
	// ServerName appears in log lines and the admin status endpoint
	ServerName string `yaml:"server_name" toml:"server_name" json:"server_name" env:"CHATD_SERVER_NAME"`

	// Port is the TCP listen port for the chat protocol; 0 binds an
	// ephemeral port
	Port int `yaml:"port" toml:"port" json:"port" env:"CHATD_PORT" validate:"min=0,max=65535"`

	// DefaultAdminPass seeds the bootstrap admin account when the
	// users file is empty
	DefaultAdminPass string `yaml:"default_admin_pass" toml:"default_admin_pass" json:"default_admin_pass" env:"CHATD_DEFAULT_ADMIN_PASS" validate:"required"`

	// UsersFile is the path of the account database
	UsersFile string `yaml:"users_file" toml:"users_file" json:"users_file" env:"CHATD_USERS_FILE" validate:"required"`

	// OpCmds lists the command names that require operator privilege
	OpCmds []string `yaml:"op_cmds" toml:"op_cmds" json:"op_cmds" env:"CHATD_OP_CMDS"`

	// AdminAddr is the bind address of the admin HTTP server;
	// empty disables it
	AdminAddr string `yaml:"admin_addr" toml:"admin_addr" json:"admin_addr" env:"CHATD_ADMIN_ADDR"`

	// Configuration source for reference
	Source string `yaml:"-" toml:"-" json:"-"`

	opCmds map[string]bool
}

// Load loads configuration from a file, falling back to defaults when
// source is empty. Environment variables override file values either way.
func Load(source string) (*Config, error) {
	cfg := &Config{
		Source: source,
	}

	// Set defaults
	cfg.ServerName = "chatd.local"
	cfg.Port = 8001
	cfg.UsersFile = "users.db"
	cfg.OpCmds = []string{"/kick", "/op", "/deop"}

	if source != "" {
		if err := cfg.loadFromSource(source); err != nil {
			return nil, err
		}
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}

	cfg.indexOpCmds()
	return cfg, nil
}

// loadFromSource loads configuration from a file, picking the decoder by
// file extension
func (c *Config) loadFromSource(source string) error {
	data, err := os.ReadFile(source)
	if err != nil {
		return fmt.Errorf("failed to read config file: %v", err)
	}

	switch {
	case strings.HasSuffix(source, ".yaml") || strings.HasSuffix(source, ".yml"):
		err = yaml.Unmarshal(data, c)
	case strings.HasSuffix(source, ".toml"):
		err = toml.Unmarshal(data, c)
	case strings.HasSuffix(source, ".json"):
		err = json.Unmarshal(data, c)
	default:
		// Default to YAML
		err = yaml.Unmarshal(data, c)
	}

	if err != nil {
		return fmt.Errorf("failed to parse config: %v", err)
	}

	c.Source = source
	return nil
}

// indexOpCmds normalizes the privileged command list into a lookup set.
// Names are folded to lowercase and given a leading slash when missing.
func (c *Config) indexOpCmds() {
	c.opCmds = make(map[string]bool, len(c.OpCmds))
	for _, name := range c.OpCmds {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if !strings.HasPrefix(name, "/") {
			name = "/" + name
		}
		c.opCmds[name] = true
	}
}

// RequiresOp reports whether a command requires operator privilege
func (c *Config) RequiresOp(cmd string) bool {
	return c.opCmds[strings.ToLower(cmd)]
}

// GetListenAddress returns the formatted listen address for the chat server
func (c *Config) GetListenAddress() string {
	return fmt.Sprintf(":%d", c.Port)
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}

		envTag := field.Tag.Get("env")
		if envTag == "" {
			continue
		}
		if envValue, exists := os.LookupEnv(envTag); exists {
			setFieldFromEnv(v.Field(i), envValue)
		}
	}
}

// setFieldFromEnv sets a field's value from an environment variable
func setFieldFromEnv(field reflect.Value, envValue string) {
	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if v, err := parseInt(envValue); err == nil {
			field.SetInt(v)
		}
	case reflect.Bool:
		field.SetBool(parseBool(envValue))
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			values := strings.Split(envValue, ",")
			slice := reflect.MakeSlice(field.Type(), len(values), len(values))
			for i, v := range values {
				slice.Index(i).SetString(strings.TrimSpace(v))
			}
			field.Set(slice)
		}
	}
}

func parseInt(s string) (int64, error) {
	var v int64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "y"
}
