package ldap

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/ldapsync/internal/directory"
)

// IdentifierType represents the type of identifier detected.
type IdentifierType int

const (
	IdentifierTypeUnknown IdentifierType = iota
	IdentifierTypeDN                     // Distinguished Name
	IdentifierTypeGUID                   // Globally Unique Identifier
	IdentifierTypeSID                    // Security Identifier
	IdentifierTypeUPN                    // User Principal Name
	IdentifierTypeSAM                    // SAM Account Name (DOMAIN\username) or bare username
)

func (i IdentifierType) String() string {
	switch i {
	case IdentifierTypeDN:
		return "DN"
	case IdentifierTypeGUID:
		return "GUID"
	case IdentifierTypeSID:
		return "SID"
	case IdentifierTypeUPN:
		return "UPN"
	case IdentifierTypeSAM:
		return "SAM"
	default:
		return "Unknown"
	}
}

var (
	// CN=User,OU=Users,DC=example,DC=com or uid=jdoe,ou=people,...
	dnRegex = regexp.MustCompile(`^(?i)(CN|OU|DC|O|C|UID|STREET|L|ST|POSTALCODE)=.+`)

	// S-1-5-21-domain-rid or S-1-5-32-alias.
	sidRegex = regexp.MustCompile(`^S-1-\d+(-\d+)*$`)

	// user@domain.com.
	upnRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

	// DOMAIN\username or just username.
	samRegex = regexp.MustCompile(`^([^\\@\s]+\\)?[^\\@\s]+$`)
)

// DetectIdentifierType analyzes an identifier string and determines its type.
// Checks run from the most to the least specific format.
func DetectIdentifierType(identifier string) IdentifierType {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return IdentifierTypeUnknown
	}

	switch {
	case dnRegex.MatchString(identifier):
		return IdentifierTypeDN
	case NewGUIDHandler().IsValidGUID(identifier):
		return IdentifierTypeGUID
	case sidRegex.MatchString(identifier):
		return IdentifierTypeSID
	case upnRegex.MatchString(identifier):
		return IdentifierTypeUPN
	case samRegex.MatchString(identifier):
		return IdentifierTypeSAM
	default:
		return IdentifierTypeUnknown
	}
}

// NameFilter returns a filter that finds the entry a user-supplied name
// refers to. Active Directory resolves names server-side with ambiguous
// name resolution; elsewhere the identifier type picks the attributes.
func NameFilter(name string, flavor directory.Flavor) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("name cannot be empty")
	}

	idType := DetectIdentifierType(name)

	if flavor == directory.FlavorActiveDirectory {
		switch idType {
		case IdentifierTypeGUID:
			return NewGUIDHandler().GUIDToSearchFilter(name)
		case IdentifierTypeSID:
			return fmt.Sprintf("(%s=%s)", AttrObjectSid, ldap.EscapeFilter(name)), nil
		case IdentifierTypeSAM:
			if _, user, ok := strings.Cut(name, `\`); ok {
				return fmt.Sprintf("(sAMAccountName=%s)", ldap.EscapeFilter(user)), nil
			}
		}
		return fmt.Sprintf("(anr=%s)", ldap.EscapeFilter(name)), nil
	}

	escaped := ldap.EscapeFilter(name)
	switch idType {
	case IdentifierTypeGUID:
		guid, err := NewGUIDHandler().NormalizeGUID(name)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s=%s)", AttrEntryUUID, guid), nil
	case IdentifierTypeUPN:
		return fmt.Sprintf("(|(mail=%s)(userPrincipalName=%s)(uid=%s))", escaped, escaped, escaped), nil
	case IdentifierTypeSAM:
		if _, user, ok := strings.Cut(name, `\`); ok {
			escaped = ldap.EscapeFilter(user)
		}
		return fmt.Sprintf("(|(uid=%s)(cn=%s))", escaped, escaped), nil
	default:
		return fmt.Sprintf("(|(uid=%s)(cn=%s)(mail=%s))", escaped, escaped, escaped), nil
	}
}
