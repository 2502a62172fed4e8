// Package directory holds the read-only view of a directory entry that the
// importer works with. Objects are built by a directory source (see the ldap
// package) and never modified once a run starts.
package directory

import (
	"sort"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"golang.org/x/text/cases"
)

// Flavor identifies the kind of directory an object was read from.
type Flavor string

const (
	FlavorActiveDirectory Flavor = "ad"
	FlavorOpenLDAP        Flavor = "openldap"
)

// Object is a single directory entry.
type Object struct {
	DN     string
	RDN    string
	GUID   string
	Flavor Flavor

	// SupportsAccountControl is set for objects whose directory exposes
	// userAccountControl flags. Lifecycle policy only runs for these.
	SupportsAccountControl bool

	attrs map[string]attribute
}

type attribute struct {
	name   string
	values []string
}

// NewObject builds an Object from a DN and a set of attributes. The RDN is
// derived from the DN.
func NewObject(dn, guid string, flavor Flavor, attrs map[string][]string) *Object {
	obj := &Object{
		DN:                     dn,
		RDN:                    RDNOf(dn),
		GUID:                   guid,
		Flavor:                 flavor,
		SupportsAccountControl: flavor == FlavorActiveDirectory,
		attrs:                  make(map[string]attribute, len(attrs)),
	}

	for name, values := range attrs {
		obj.Set(name, values...)
	}

	return obj
}

// Set replaces the values of an attribute.
func (o *Object) Set(name string, values ...string) {
	if o.attrs == nil {
		o.attrs = make(map[string]attribute)
	}
	o.attrs[foldName(name)] = attribute{name: name, values: append([]string(nil), values...)}
}

// Has reports whether the attribute is present with at least one value.
func (o *Object) Has(name string) bool {
	return len(o.All(name)) > 0
}

// First returns the first value of the attribute, or "" if absent.
func (o *Object) First(name string) string {
	values := o.All(name)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// All returns every value of the attribute. Attribute names are matched
// case-insensitively.
func (o *Object) All(name string) []string {
	if o == nil || o.attrs == nil {
		return nil
	}
	return o.attrs[foldName(name)].values
}

// AttributeNames returns the attribute names as they were read, sorted.
func (o *Object) AttributeNames() []string {
	names := make([]string, 0, len(o.attrs))
	for _, a := range o.attrs {
		names = append(names, a.name)
	}
	sort.Strings(names)
	return names
}

// Attributes returns a copy of all attributes keyed by their original name.
func (o *Object) Attributes() map[string][]string {
	out := make(map[string][]string, len(o.attrs))
	for _, a := range o.attrs {
		out[a.name] = append([]string(nil), a.values...)
	}
	return out
}

func (o *Object) String() string {
	if o.RDN != "" {
		return o.RDN
	}
	return o.DN
}

func foldName(name string) string {
	return cases.Fold().String(name)
}

// RDNOf returns the leading relative DN of dn in its original form, for
// example "cn=John Doe" for "cn=John Doe,ou=People,dc=example,dc=com".
// Unparseable DNs fall back to the text before the first unescaped comma.
func RDNOf(dn string) string {
	if dn == "" {
		return ""
	}

	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 {
		return splitFirstRDN(dn)
	}

	first := parsed.RDNs[0]
	parts := make([]string, 0, len(first.Attributes))
	for _, atv := range first.Attributes {
		parts = append(parts, atv.Type+"="+atv.Value)
	}
	return strings.Join(parts, "+")
}

func splitFirstRDN(dn string) string {
	escaped := false
	for i, r := range dn {
		switch {
		case escaped:
			escaped = false
		case r == '\\':
			escaped = true
		case r == ',':
			return strings.TrimSpace(dn[:i])
		}
	}
	return strings.TrimSpace(dn)
}
