package ldap

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// GUID attribute names. Active Directory publishes a binary objectGUID;
// OpenLDAP publishes entryUUID (RFC 4530) as a string.
const (
	AttrObjectGUID = "objectGUID"
	AttrEntryUUID  = "entryUUID"
)

// GUIDBytesLength is the length of a binary GUID.
const GUIDBytesLength = 16

// GUIDHandler converts between directory GUID encodings and the canonical
// lower-case hyphenated form.
// Active Directory stores GUIDs in a mixed-endian format that differs from
// standard UUID byte ordering.
type GUIDHandler struct{}

func NewGUIDHandler() *GUIDHandler {
	return &GUIDHandler{}
}

// IsValidGUID reports whether s parses as a GUID in any accepted form
// (hyphenated, compact, braced or urn:uuid:).
func (g *GUIDHandler) IsValidGUID(s string) bool {
	if s == "" {
		return false
	}
	_, err := uuid.Parse(strings.TrimSpace(s))
	return err == nil
}

// NormalizeGUID converts a GUID string to canonical lower-case hyphenated form.
func (g *GUIDHandler) NormalizeGUID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("GUID string cannot be empty")
	}

	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid GUID format: %s", s)
	}
	return id.String(), nil
}

// StringToGUIDBytes converts a GUID string to Active Directory byte order:
// the first three groups little-endian, the last eight bytes as-is.
func (g *GUIDHandler) StringToGUIDBytes(s string) ([]byte, error) {
	normalized, err := g.NormalizeGUID(s)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize GUID: %w", err)
	}

	id := uuid.MustParse(normalized)
	return swapGUIDEndianness(id[:]), nil
}

// GUIDBytesToString converts Active Directory GUID bytes to canonical form.
func (g *GUIDHandler) GUIDBytesToString(b []byte) (string, error) {
	if len(b) != GUIDBytesLength {
		return "", fmt.Errorf("invalid GUID byte length: expected %d, got %d", GUIDBytesLength, len(b))
	}

	id, err := uuid.FromBytes(swapGUIDEndianness(b))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// swapGUIDEndianness reverses Data1, Data2 and Data3. The operation is its
// own inverse.
func swapGUIDEndianness(b []byte) []byte {
	out := make([]byte, GUIDBytesLength)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:])
	return out
}

// GUIDToSearchFilter creates an objectGUID equality filter with every byte
// hex-escaped, the binary form Active Directory expects.
func (g *GUIDHandler) GUIDToSearchFilter(s string) (string, error) {
	b, err := g.StringToGUIDBytes(s)
	if err != nil {
		return "", fmt.Errorf("failed to convert GUID to bytes: %w", err)
	}

	var sb strings.Builder
	for _, c := range b {
		fmt.Fprintf(&sb, `\%02x`, c)
	}

	return fmt.Sprintf("(%s=%s)", AttrObjectGUID, sb.String()), nil
}

// ExtractGUID returns the canonical GUID of an entry: objectGUID when
// present, otherwise entryUUID. An entry with neither returns an error.
func (g *GUIDHandler) ExtractGUID(entry *ldap.Entry) (string, error) {
	if entry == nil {
		return "", fmt.Errorf("LDAP entry cannot be nil")
	}

	if raw := entry.GetEqualFoldRawAttributeValue(AttrObjectGUID); len(raw) > 0 {
		if len(raw) != GUIDBytesLength {
			return "", fmt.Errorf("invalid objectGUID length: expected %d bytes, got %d", GUIDBytesLength, len(raw))
		}
		return g.GUIDBytesToString(raw)
	}

	if value := entry.GetEqualFoldAttributeValue(AttrEntryUUID); value != "" {
		return g.NormalizeGUID(value)
	}

	return "", fmt.Errorf("no %s or %s attribute in entry %s", AttrObjectGUID, AttrEntryUUID, entry.DN)
}
