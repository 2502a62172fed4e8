package ldap

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldapsync/internal/directory"
)

// Default object filters per directory flavor.
const (
	ActiveDirectoryUserFilter = "(&(objectClass=user)(objectCategory=person))"
	OpenLDAPUserFilter        = "(objectClass=inetOrgPerson)"
)

// DirectoryConfig configures a Directory source.
type DirectoryConfig struct {
	Flavor     directory.Flavor
	BaseDN     string        // Search base; read from the root DSE when empty
	BaseFilter string        // Object filter; the flavor default when empty
	Filter     string        // Extra filter AND-ed with BaseFilter
	Attributes []string      // Attributes to fetch; all user attributes when empty
	TimeLimit  time.Duration // Server-side time limit per request
}

// Directory reads user objects from an LDAP server and converts them to
// directory.Object values.
type Directory struct {
	client Client
	config DirectoryConfig
	guids  *GUIDHandler
	sids   *SIDHandler
	logCtx context.Context

	mu     sync.Mutex
	baseDN string
}

// NewDirectory creates a directory source on top of client.
func NewDirectory(ctx context.Context, client Client, config DirectoryConfig) *Directory {
	if config.Flavor == "" {
		config.Flavor = directory.FlavorActiveDirectory
	}

	return &Directory{
		client: client,
		config: config,
		guids:  NewGUIDHandler(),
		sids:   NewSIDHandler(),
		logCtx: ctx,
		baseDN: config.BaseDN,
	}
}

// Filter returns the effective search filter.
func (d *Directory) Filter() string {
	base := d.config.BaseFilter
	if base == "" {
		base = ActiveDirectoryUserFilter
		if d.config.Flavor == directory.FlavorOpenLDAP {
			base = OpenLDAPUserFilter
		}
	}

	return andFilters(base, d.config.Filter)
}

// Search returns every object matching the configured filter, fetched page
// by page.
func (d *Directory) Search(ctx context.Context) ([]*directory.Object, error) {
	baseDN, err := d.resolveBaseDN(ctx)
	if err != nil {
		return nil, err
	}

	req := &SearchRequest{
		BaseDN:     baseDN,
		Scope:      ScopeWholeSubtree,
		Filter:     d.Filter(),
		Attributes: d.attributes(),
		TimeLimit:  d.config.TimeLimit,
	}

	var objects []*directory.Object
	err = d.client.SearchPages(ctx, req, func(page []*ldap.Entry) error {
		for _, entry := range page {
			objects = append(objects, d.entryToObject(entry))
		}
		return nil
	})
	if err != nil {
		return nil, WrapError("directory search", err)
	}

	tflog.SubsystemDebug(d.logCtx, SubsystemLDAP, "Directory search completed", map[string]any{
		"base_dn": baseDN,
		"filter":  req.Filter,
		"objects": len(objects),
	})
	return objects, nil
}

// FindByANR returns the first object matching name, or nil when nothing
// matches. A DN is looked up directly.
func (d *Directory) FindByANR(ctx context.Context, name string) (*directory.Object, error) {
	baseDN, err := d.resolveBaseDN(ctx)
	if err != nil {
		return nil, err
	}

	req := &SearchRequest{
		BaseDN:     baseDN,
		Scope:      ScopeWholeSubtree,
		Attributes: d.attributes(),
		SizeLimit:  1,
		TimeLimit:  d.config.TimeLimit,
	}

	if DetectIdentifierType(name) == IdentifierTypeDN {
		req.BaseDN = strings.TrimSpace(name)
		req.Scope = ScopeBaseObject
		req.Filter = d.Filter()
	} else {
		nameFilter, err := NameFilter(name, d.config.Flavor)
		if err != nil {
			return nil, err
		}
		req.Filter = andFilters(d.Filter(), nameFilter)
	}

	result, err := d.client.Search(ctx, req)
	if err != nil {
		if IsNotFoundError(err) {
			return nil, nil
		}
		return nil, WrapError("name lookup", err)
	}

	tflog.SubsystemDebug(d.logCtx, SubsystemLDAP, "Name lookup completed", map[string]any{
		"name":    name,
		"filter":  req.Filter,
		"matches": len(result.Entries),
	})

	if len(result.Entries) == 0 {
		return nil, nil
	}
	return d.entryToObject(result.Entries[0]), nil
}

func (d *Directory) resolveBaseDN(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.baseDN != "" {
		return d.baseDN, nil
	}

	baseDN, err := d.client.GetBaseDN(ctx)
	if err != nil {
		return "", WrapError("base DN discovery", err)
	}

	d.baseDN = baseDN
	return baseDN, nil
}

// attributes returns the attribute list to request. The GUID attribute is
// always included because entryUUID is operational and objectGUID may be
// missing from a configured list.
func (d *Directory) attributes() []string {
	guidAttr := AttrObjectGUID
	if d.config.Flavor == directory.FlavorOpenLDAP {
		guidAttr = AttrEntryUUID
	}

	if len(d.config.Attributes) == 0 {
		return []string{"*", guidAttr}
	}

	attrs := make([]string, 0, len(d.config.Attributes)+1)
	attrs = append(attrs, d.config.Attributes...)
	for _, a := range attrs {
		if strings.EqualFold(a, guidAttr) {
			return attrs
		}
	}
	return append(attrs, guidAttr)
}

// entryToObject converts an entry. Binary identifiers are replaced by their
// string forms. An entry without a usable GUID gets an empty one.
func (d *Directory) entryToObject(entry *ldap.Entry) *directory.Object {
	attrs := make(map[string][]string, len(entry.Attributes))
	for _, attr := range entry.Attributes {
		switch {
		case strings.EqualFold(attr.Name, AttrObjectGUID), strings.EqualFold(attr.Name, AttrObjectSid):
			continue
		default:
			attrs[attr.Name] = attr.Values
		}
	}

	guid, err := d.guids.ExtractGUID(entry)
	if err != nil {
		tflog.SubsystemWarn(d.logCtx, SubsystemLDAP, "Entry has no usable GUID", map[string]any{
			"dn":    entry.DN,
			"error": err.Error(),
		})
		guid = ""
	}
	if guid != "" && d.config.Flavor == directory.FlavorActiveDirectory {
		attrs[AttrObjectGUID] = []string{guid}
	}

	if sid, err := d.sids.ExtractSID(entry); err == nil {
		attrs[AttrObjectSid] = []string{sid}
	}

	return directory.NewObject(entry.DN, guid, d.config.Flavor, attrs)
}

// andFilters combines filters with a logical AND, skipping empty ones.
func andFilters(filters ...string) string {
	var parts []string
	for _, f := range filters {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if !strings.HasPrefix(f, "(") {
			f = "(" + f + ")"
		}
		parts = append(parts, f)
	}

	switch len(parts) {
	case 0:
		return "(objectClass=*)"
	case 1:
		return parts[0]
	default:
		return fmt.Sprintf("(&%s)", strings.Join(parts, ""))
	}
}
