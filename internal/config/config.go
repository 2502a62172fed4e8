// Package config loads the ldapsync configuration file.
package config

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	"github.com/isometry/ldapsync/internal/directory"
	"github.com/isometry/ldapsync/internal/importer"
	"github.com/isometry/ldapsync/internal/ldap"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the root of the configuration file.
type Config struct {
	LDAP     LDAPConfig   `yaml:"ldap"`
	Store    StoreConfig  `yaml:"store"`
	Import   ImportConfig `yaml:"import"`
	HTTP     HTTPConfig   `yaml:"http"`
	LogLevel string       `yaml:"log_level" default:"info"`
}

type LDAPConfig struct {
	Domain     string   `yaml:"domain"`
	URLs       []string `yaml:"urls"`
	BaseDN     string   `yaml:"base_dn"`
	BaseFilter string   `yaml:"base_filter"`
	Filter     string   `yaml:"filter"`
	Flavor     string   `yaml:"flavor" default:"ad"`
	Attributes []string `yaml:"attributes"`

	Username string         `yaml:"username"`
	Password string         `yaml:"password"`
	Kerberos KerberosConfig `yaml:"kerberos"`
	TLS      TLSConfig      `yaml:"tls"`

	PageSize       uint32        `yaml:"page_size" default:"1000"`
	Timeout        time.Duration `yaml:"timeout" default:"30s"`
	TimeLimit      time.Duration `yaml:"time_limit"`
	MaxConnections int           `yaml:"max_connections" default:"4"`
	MaxRetries     int           `yaml:"max_retries" default:"3"`
}

type KerberosConfig struct {
	Realm  string `yaml:"realm"`
	Keytab string `yaml:"keytab"`
	Config string `yaml:"config"`
	CCache string `yaml:"ccache"`
	SPN    string `yaml:"spn"`
}

type TLSConfig struct {
	// Enabled upgrades ldap:// connections with StartTLS. ldaps:// URLs
	// always use TLS.
	Enabled            bool   `yaml:"enabled" default:"true"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	ServerName         string `yaml:"server_name"`
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
}

type StoreConfig struct {
	Driver     string `yaml:"driver" default:"postgres"`
	DSN        string `yaml:"dsn"`
	SoftDelete bool   `yaml:"soft_delete" default:"true"`
	Migrate    bool   `yaml:"migrate" default:"true"`
}

type ImportConfig struct {
	RestoreEnabledUsers bool                   `yaml:"restore_enabled_users"`
	TrashDisabledUsers  bool                   `yaml:"trash_disabled_users"`
	Logging             bool                   `yaml:"logging" default:"true"`
	Mappings            importer.FieldMappings `yaml:"mappings"`
	// Interval runs the import periodically when positive.
	Interval time.Duration `yaml:"interval"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen" default:":9090"`
}

// Default returns a configuration with every default applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to set default values: %w", err)
	}
	return cfg, nil
}

// Load reads the configuration file at path. Environment
// variables referenced as ${NAME} are expanded before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document on top of the defaults. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	switch directory.Flavor(c.LDAP.Flavor) {
	case directory.FlavorActiveDirectory, directory.FlavorOpenLDAP:
	default:
		errs = append(errs, fmt.Errorf("ldap.flavor must be %q or %q, got %q",
			directory.FlavorActiveDirectory, directory.FlavorOpenLDAP, c.LDAP.Flavor))
	}

	if c.LDAP.Domain == "" && len(c.LDAP.URLs) == 0 {
		errs = append(errs, errors.New("one of ldap.domain or ldap.urls is required"))
	}
	if c.LDAP.PageSize == 0 {
		errs = append(errs, errors.New("ldap.page_size must be positive"))
	}
	if c.LDAP.Timeout <= 0 {
		errs = append(errs, errors.New("ldap.timeout must be positive"))
	}
	if c.LDAP.MaxConnections <= 0 || c.LDAP.MaxConnections > ldap.MaxConnectionPoolLimit {
		errs = append(errs, fmt.Errorf("ldap.max_connections must be between 1 and %d", ldap.MaxConnectionPoolLimit))
	}
	if (c.LDAP.TLS.CertFile == "") != (c.LDAP.TLS.KeyFile == "") {
		errs = append(errs, errors.New("ldap.tls.cert_file and ldap.tls.key_file must be set together"))
	}

	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("store.driver must be %q or %q, got %q", DriverPostgres, DriverMemory, c.Store.Driver))
	}

	if c.Import.Interval < 0 {
		errs = append(errs, errors.New("import.interval cannot be negative"))
	}
	if _, err := c.ImportMappings().Compile(); err != nil {
		errs = append(errs, fmt.Errorf("import.mappings: %w", err))
	}

	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		errs = append(errs, fmt.Errorf("log_level %q is not a valid level", c.LogLevel))
	}

	return errors.Join(errs...)
}

// ImportMappings returns the configured mappings, or the flavor defaults
// when none are configured.
func (c *Config) ImportMappings() importer.FieldMappings {
	if len(c.Import.Mappings) > 0 {
		return c.Import.Mappings
	}
	if directory.Flavor(c.LDAP.Flavor) == directory.FlavorOpenLDAP {
		return importer.FieldMappings{
			{Field: "username", Attribute: "uid", Required: true},
			{Field: "name", Attribute: "cn"},
			{Field: "email", Attribute: "mail"},
		}
	}
	return importer.FieldMappings{
		{Field: "username", Attribute: "sAMAccountName", Required: true},
		{Field: "name", Attribute: "cn"},
		{Field: "email", Attribute: "mail"},
	}
}

// ImporterConfig returns the lifecycle policy settings.
func (c *Config) ImporterConfig() importer.Config {
	return importer.Config{
		RestoreEnabledUsers: c.Import.RestoreEnabledUsers,
		TrashDisabledUsers:  c.Import.TrashDisabledUsers,
		Logging:             c.Import.Logging,
	}
}

// ToDirectoryConfig returns the settings of the directory source.
func (c *Config) ToDirectoryConfig() ldap.DirectoryConfig {
	return ldap.DirectoryConfig{
		Flavor:     directory.Flavor(c.LDAP.Flavor),
		BaseDN:     c.LDAP.BaseDN,
		BaseFilter: c.LDAP.BaseFilter,
		Filter:     c.LDAP.Filter,
		Attributes: slices.Clone(c.LDAP.Attributes),
		TimeLimit:  c.LDAP.TimeLimit,
	}
}

// ToConnectionConfig returns the LDAP connection settings, loading any
// configured CA or client certificate.
func (c *Config) ToConnectionConfig() (*ldap.ConnectionConfig, error) {
	conn := ldap.DefaultConfig()

	conn.Domain = c.LDAP.Domain
	conn.LDAPURLs = slices.Clone(c.LDAP.URLs)
	conn.BaseDN = c.LDAP.BaseDN
	conn.Timeout = c.LDAP.Timeout
	conn.PageSize = c.LDAP.PageSize
	conn.MaxConnections = c.LDAP.MaxConnections
	conn.MaxRetries = c.LDAP.MaxRetries

	conn.Username = c.LDAP.Username
	conn.Password = c.LDAP.Password
	conn.KerberosRealm = strings.ToUpper(c.LDAP.Kerberos.Realm)
	conn.KerberosKeytab = c.LDAP.Kerberos.Keytab
	conn.KerberosConfig = c.LDAP.Kerberos.Config
	conn.KerberosCCache = c.LDAP.Kerberos.CCache
	conn.KerberosSPN = c.LDAP.Kerberos.SPN

	conn.UseTLS = c.LDAP.TLS.Enabled
	conn.SkipTLS = !c.LDAP.TLS.Enabled
	conn.TLSConfig.InsecureSkipVerify = c.LDAP.TLS.InsecureSkipVerify
	conn.TLSConfig.ServerName = c.LDAP.TLS.ServerName

	if c.LDAP.TLS.CAFile != "" {
		pem, err := os.ReadFile(c.LDAP.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ldap.tls.ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ldap.tls.ca_file %s contains no certificates", c.LDAP.TLS.CAFile)
		}
		conn.TLSConfig.RootCAs = pool
	}

	if c.LDAP.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.LDAP.TLS.CertFile, c.LDAP.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load ldap client certificate: %w", err)
		}
		conn.TLSConfig.Certificates = []tls.Certificate{cert}
		conn.TLSClientCertFile = c.LDAP.TLS.CertFile
		conn.TLSClientKeyFile = c.LDAP.TLS.KeyFile
	}

	return conn, nil
}
