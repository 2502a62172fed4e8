package ldap

import (
	"context"
	"fmt"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// client implements the Client interface.
type client struct {
	pool   ConnectionPool
	config *ConnectionConfig
	logCtx context.Context // Context with the package subsystems registered
}

// NewClient creates a new LDAP client with connection pooling. ctx should
// carry the subsystems registered by InitializeLogging.
func NewClient(ctx context.Context, config *ConnectionConfig) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	tflog.SubsystemDebug(ctx, SubsystemLDAP, "Creating new LDAP client", map[string]any{
		"domain":          config.Domain,
		"ldap_urls_count": len(config.LDAPURLs),
		"auth_method":     config.GetAuthMethod().String(),
		"use_tls":         config.UseTLS,
		"max_connections": config.MaxConnections,
	})

	pool, err := NewConnectionPool(ctx, config)
	if err != nil {
		tflog.SubsystemError(ctx, SubsystemLDAP, "Failed to create connection pool", map[string]any{
			"error": err.Error(),
		})
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return newClientWithPool(ctx, config, pool), nil
}

func newClientWithPool(ctx context.Context, config *ConnectionConfig, pool ConnectionPool) *client {
	return &client{pool: pool, config: config, logCtx: ctx}
}

// Connect verifies that a connection can be acquired and used.
func (c *client) Connect(ctx context.Context) error {
	return LogOperation(c.logCtx, SubsystemLDAP, "connection_test", map[string]any{
		"domain": c.config.Domain,
	}, func() error {
		conn, err := c.pool.Get(ctx)
		if err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}
		defer conn.Close()

		return c.ping(conn)
	})
}

// Close closes the client and all its connections.
func (c *client) Close() error {
	return c.pool.Close()
}

// BindWithConfig re-authenticates a pooled connection with the configured
// credentials. Pooled connections are bound on creation, so this is mostly
// useful to surface credential problems early.
func (c *client) BindWithConfig(ctx context.Context) error {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	method := c.config.GetAuthMethod()
	fields := map[string]any{"auth_method": method.String()}

	switch method {
	case AuthMethodSimpleBind:
		if c.config.Username == "" {
			err = conn.Conn().UnauthenticatedBind("")
		} else {
			err = conn.Conn().Bind(c.config.Username, c.config.Password)
		}
	case AuthMethodKerberos:
		err = performKerberosAuth(c.logCtx, conn.Conn(), c.config, conn.ServerInfo())
	case AuthMethodExternal:
		err = conn.Conn().ExternalBind()
	default:
		err = fmt.Errorf("unsupported authentication method: %s", method)
	}

	if err != nil {
		fields["error"] = err.Error()
		LogConnectionEvent(c.logCtx, "authentication_failed", fields)
		return WrapError("bind", err)
	}

	LogConnectionEvent(c.logCtx, "authentication_success", fields)
	return nil
}

// Search performs a single, unpaged LDAP search.
func (c *client) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req == nil {
		return nil, fmt.Errorf("search request cannot be nil")
	}

	fields := searchFields(req)
	start := time.Now()

	conn, err := c.pool.Get(ctx)
	if err != nil {
		LogLDAPError(c.logCtx, SubsystemLDAP, "get_connection", err, fields)
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	var result *ldap.SearchResult
	err = c.withRetry(ctx, func() error {
		var searchErr error
		result, searchErr = conn.Conn().Search(toLDAPRequest(req, req.SizeLimit, nil))
		return searchErr
	})
	// The server reports sizeLimitExceeded alongside the entries it did return.
	if ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) && result != nil && len(result.Entries) > 0 {
		err = nil
	}
	if err != nil {
		LogLDAPError(c.logCtx, SubsystemLDAP, "search", err, fields)
		return nil, WrapError("search", err)
	}

	hasMore := req.SizeLimit > 0 && len(result.Entries) >= req.SizeLimit
	fields["entries_found"] = len(result.Entries)
	fields["duration_ms"] = time.Since(start).Milliseconds()
	tflog.SubsystemDebug(c.logCtx, SubsystemLDAP, "Search completed", fields)

	return &SearchResult{
		Entries: result.Entries,
		Total:   len(result.Entries),
		HasMore: hasMore,
	}, nil
}

// SearchPages runs a paged search (RFC 2696) and hands each page to fn as
// it arrives. It stops on the first error from the server, from fn, or from
// ctx.
func (c *client) SearchPages(ctx context.Context, req *SearchRequest, fn PageFunc) error {
	if req == nil {
		return fmt.Errorf("search request cannot be nil")
	}

	pageSize := c.config.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}

	fields := searchFields(req)
	fields["page_size"] = pageSize
	start := time.Now()

	conn, err := c.pool.Get(ctx)
	if err != nil {
		LogLDAPError(c.logCtx, SubsystemLDAP, "get_connection", err, fields)
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	tflog.SubsystemDebug(c.logCtx, SubsystemLDAP, "Starting paged search", fields)

	paging := ldap.NewControlPaging(pageSize)
	pageNum := 0
	total := 0

	for {
		if err := ctx.Err(); err != nil {
			tflog.SubsystemWarn(c.logCtx, SubsystemLDAP, "Paged search cancelled", map[string]any{
				"pages_completed": pageNum,
				"entries_found":   total,
			})
			return err
		}

		pageNum++
		ldapReq := toLDAPRequest(req, 0, []ldap.Control{paging})

		var result *ldap.SearchResult
		err = c.withRetry(ctx, func() error {
			var searchErr error
			result, searchErr = conn.Conn().Search(ldapReq)
			return searchErr
		})
		if err != nil {
			LogLDAPError(c.logCtx, SubsystemLDAP, "paged_search", err, map[string]any{
				"page_number": pageNum,
				"base_dn":     req.BaseDN,
				"filter":      req.Filter,
			})
			return WrapError("paged search", err)
		}

		total += len(result.Entries)
		tflog.SubsystemTrace(c.logCtx, SubsystemLDAP, "Completed search page", map[string]any{
			"page_number":     pageNum,
			"entries_in_page": len(result.Entries),
			"total_entries":   total,
		})

		if err := fn(result.Entries); err != nil {
			return err
		}

		control, ok := ldap.FindControl(result.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging)
		if !ok || len(control.Cookie) == 0 {
			break
		}
		paging.SetCookie(control.Cookie)
	}

	tflog.SubsystemInfo(c.logCtx, SubsystemLDAP, "Paged search completed", map[string]any{
		"base_dn":         req.BaseDN,
		"filter":          req.Filter,
		"total_entries":   total,
		"pages_processed": pageNum,
		"duration_ms":     time.Since(start).Milliseconds(),
	})
	return nil
}

// GetBaseDN reads the naming context from the root DSE. Active Directory
// publishes defaultNamingContext; other servers fall back to the first
// namingContexts value.
func (c *client) GetBaseDN(ctx context.Context) (string, error) {
	result, err := c.Search(ctx, &SearchRequest{
		Scope:      ScopeBaseObject,
		Filter:     "(objectClass=*)",
		Attributes: []string{"defaultNamingContext", "namingContexts"},
		SizeLimit:  1,
		TimeLimit:  5 * time.Second,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get base DN: %w", err)
	}

	if len(result.Entries) == 0 {
		return "", fmt.Errorf("no root DSE found")
	}

	entry := result.Entries[0]
	if dn := entry.GetAttributeValue("defaultNamingContext"); dn != "" {
		return dn, nil
	}
	if dn := entry.GetAttributeValue("namingContexts"); dn != "" {
		return dn, nil
	}

	return "", fmt.Errorf("no naming context found in root DSE")
}

// Ping tests connectivity to the LDAP server.
func (c *client) Ping(ctx context.Context) error {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	return c.ping(conn)
}

func (c *client) ping(conn *PooledConnection) error {
	_, err := conn.Conn().Search(rootDSERequest(5))
	return err
}

// Stats returns pool statistics.
func (c *client) Stats() PoolStats {
	return c.pool.Stats()
}

// withRetry executes an operation with retry logic.
func (c *client) withRetry(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			tflog.SubsystemDebug(c.logCtx, SubsystemLDAP, "Retrying operation", map[string]any{
				"attempt":    attempt,
				"max_retry":  c.config.MaxRetries,
				"backoff_ms": backoff.Milliseconds(),
				"last_error": lastErr.Error(),
			})
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return err
		}

		if attempt == c.config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff = min(time.Duration(float64(backoff)*c.config.BackoffFactor), c.config.MaxBackoff)
		}
	}

	tflog.SubsystemError(c.logCtx, SubsystemLDAP, "Operation failed after all retries exhausted", map[string]any{
		"total_attempts": c.config.MaxRetries + 1,
		"final_error":    lastErr.Error(),
	})

	return NewConnectionError("operation failed after retries", false, lastErr)
}

func toLDAPRequest(req *SearchRequest, sizeLimit int, controls []ldap.Control) *ldap.SearchRequest {
	return ldap.NewSearchRequest(
		req.BaseDN,
		int(req.Scope),
		int(req.DerefAliases),
		sizeLimit,
		int(req.TimeLimit.Seconds()),
		false,
		req.Filter,
		req.Attributes,
		controls,
	)
}

func searchFields(req *SearchRequest) map[string]any {
	return map[string]any{
		"base_dn":    req.BaseDN,
		"scope":      req.Scope.String(),
		"filter":     req.Filter,
		"attributes": req.Attributes,
		"size_limit": req.SizeLimit,
		"time_limit": req.TimeLimit.String(),
	}
}
