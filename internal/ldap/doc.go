/*
Package ldap provides the read-only directory layer used by ldapsync.

# Architecture Overview

  - Client: pooled connections with health checks, retry and paged search
  - Directory: the import source, turning entries into directory.Object
  - Handlers: GUID and SID conversion
  - Identifier detection for single-user lookups

# Connection Management

  - SRV-based domain controller discovery (_ldaps, _ldap, then _gc)
  - Connection pooling with periodic health checks and re-authentication
  - Automatic retry with exponential backoff
  - Simple bind, Kerberos (GSSAPI) and SASL EXTERNAL authentication

# Directory Flavors

Active Directory objects are identified by objectGUID, which is converted
from its mixed-endian binary form, and carry userAccountControl flags.
OpenLDAP objects are identified by entryUUID. Single-user lookups use
ambiguous name resolution (anr) on Active Directory and an OR over uid, cn
and mail elsewhere.

# Error Handling

Errors are wrapped in LDAPError, which records the operation, a category
(connection, authentication, validation, ...), the LDAP result code and
whether a retry may succeed.

# Example Usage

	ctx = ldap.InitializeLogging(ctx)

	cfg := ldap.DefaultConfig()
	cfg.Domain = "example.com"
	cfg.Username = "svc-sync@example.com"
	cfg.Password = "secret"

	client, err := ldap.NewClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	source := ldap.NewDirectory(ctx, client, ldap.DirectoryConfig{
		Flavor: directory.FlavorActiveDirectory,
		Filter: "(department=Engineering)",
	})
	objects, err := source.Search(ctx)
*/
package ldap
