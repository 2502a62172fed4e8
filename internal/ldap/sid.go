package ldap

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
)

// AttrObjectSid is the Active Directory security identifier attribute.
const AttrObjectSid = "objectSid"

// SIDHandler provides SID operations for Active Directory.
// Active Directory stores SIDs in binary format that needs to be converted to human-readable strings.
type SIDHandler struct{}

func NewSIDHandler() *SIDHandler {
	return &SIDHandler{}
}

// ConvertBinarySIDToString converts a binary SID to its S-1-5-21-... form.
func (s *SIDHandler) ConvertBinarySIDToString(binarySID []byte) (string, error) {
	// revision, sub-authority count, 6-byte authority, 4 bytes per sub-authority
	if len(binarySID) < 8 || len(binarySID) < 8+4*int(binarySID[1]) {
		return "", fmt.Errorf("binary SID too short: %d bytes", len(binarySID))
	}

	return objectsid.Decode(binarySID).String(), nil
}

// ExtractSID extracts the objectSid from an LDAP entry. Values that are
// already in string form are returned as-is.
func (s *SIDHandler) ExtractSID(entry *ldap.Entry) (string, error) {
	if entry == nil {
		return "", fmt.Errorf("LDAP entry cannot be nil")
	}

	raw := entry.GetEqualFoldRawAttributeValue(AttrObjectSid)
	if len(raw) == 0 {
		return "", fmt.Errorf("objectSid attribute not found in entry")
	}

	if str := string(raw); s.ValidateSIDString(str) == nil {
		return str, nil
	}

	return s.ConvertBinarySIDToString(raw)
}

// ValidateSIDString validates that a string is a properly formatted SID.
func (s *SIDHandler) ValidateSIDString(sid string) error {
	if sid == "" {
		return fmt.Errorf("SID string cannot be empty")
	}

	if len(sid) < 5 || !strings.HasPrefix(sid, "S-") {
		return fmt.Errorf("invalid SID format: must start with 'S-'")
	}

	return nil
}
