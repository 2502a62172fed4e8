package ldap

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
)

const defaultKrb5Conf = "/etc/krb5.conf"

// performKerberosAuth performs a GSSAPI bind on conn.
func performKerberosAuth(ctx context.Context, conn *ldap.Conn, cfg *ConnectionConfig, serverInfo *ServerInfo) error {
	krbCfg, err := prepareKerberosConfig(cfg)
	if err != nil {
		return fmt.Errorf("kerberos configuration error: %w", err)
	}

	client, err := createGSSAPIClient(krbCfg)
	if err != nil {
		LogKerberosEvent(ctx, "client_creation_failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = client.DeleteSecContext()
	}()

	spn, err := buildServicePrincipal(krbCfg, serverInfo)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	LogKerberosEvent(ctx, "client_created", map[string]any{
		"realm":     krbCfg.KerberosRealm,
		"principal": krbCfg.Username,
		"spn":       spn,
	})

	if err := conn.GSSAPIBind(client, spn, ""); err != nil {
		LogKerberosEvent(ctx, "bind_failed", map[string]any{"spn": spn, "error": err.Error()})
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}

	LogKerberosEvent(ctx, "bind_success", map[string]any{"spn": spn})
	return nil
}

// gssapiClient is the client returned by the gssapi constructors.
type gssapiClient interface {
	ldap.GSSAPIClient
	DeleteSecContext() error
}

// createGSSAPIClient creates a GSSAPI client. Credentials are tried in
// order: credential cache, keytab, password.
func createGSSAPIClient(cfg *ConnectionConfig) (gssapiClient, error) {
	if !fileExists(cfg.KerberosConfig) {
		return nil, fmt.Errorf("kerberos configuration file not found at %s", cfg.KerberosConfig)
	}

	if cfg.KerberosCCache != "" && fileExists(cfg.KerberosCCache) {
		return gssapi.NewClientFromCCache(cfg.KerberosCCache, cfg.KerberosConfig, krb5client.DisablePAFXFAST(true))
	}

	if cfg.KerberosKeytab != "" && fileExists(cfg.KerberosKeytab) {
		return gssapi.NewClientWithKeytab(cfg.Username, cfg.KerberosRealm, cfg.KerberosKeytab, cfg.KerberosConfig, krb5client.DisablePAFXFAST(true))
	}

	if cfg.Password != "" {
		return gssapi.NewClientWithPassword(cfg.Username, cfg.KerberosRealm, cfg.Password, cfg.KerberosConfig, krb5client.DisablePAFXFAST(true))
	}

	return nil, fmt.Errorf("no suitable credentials found for Kerberos authentication")
}

// buildServicePrincipal returns cfg.KerberosSPN when set, otherwise
// ldap/<host> for the connected server.
func buildServicePrincipal(cfg *ConnectionConfig, serverInfo *ServerInfo) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("configuration is required for service principal")
	}

	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}

	if serverInfo == nil || serverInfo.Host == "" {
		return "", fmt.Errorf("hostname is required for service principal")
	}

	hostname := serverInfo.Host
	if i := strings.Index(hostname, ":"); i != -1 {
		hostname = hostname[:i]
	}

	return "ldap/" + hostname, nil
}

// prepareKerberosConfig returns a copy of cfg with the Kerberos defaults
// filled in: krb5.conf location, realm split from user@REALM, and the
// KRB5CCNAME / KRB5_KTNAME environment fallbacks.
func prepareKerberosConfig(cfg *ConnectionConfig) (*ConnectionConfig, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}

	out := *cfg

	if out.KerberosConfig == "" {
		out.KerberosConfig = defaultKrb5Conf
	}

	if user, realm, ok := strings.Cut(out.Username, "@"); ok {
		out.Username = user
		if out.KerberosRealm == "" {
			out.KerberosRealm = strings.ToUpper(realm)
		}
	}

	if out.KerberosRealm == "" {
		return nil, fmt.Errorf("kerberos realm is required (set kerberos_realm or include realm in username)")
	}

	if out.Username == "" {
		return nil, fmt.Errorf("username (principal) is required for Kerberos authentication")
	}

	if out.KerberosCCache == "" {
		out.KerberosCCache = envPath("KRB5CCNAME")
	}
	if out.KerberosKeytab == "" {
		out.KerberosKeytab = envPath("KRB5_KTNAME")
	}

	if !fileExists(out.KerberosCCache) && !fileExists(out.KerberosKeytab) && out.Password == "" {
		return nil, fmt.Errorf("no suitable Kerberos credentials found: provide kerberos_ccache, kerberos_keytab or password")
	}

	return &out, nil
}

func envPath(name string) string {
	return strings.TrimPrefix(os.Getenv(name), "FILE:")
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
