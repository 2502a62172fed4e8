package directory

import (
	"strconv"
	"strings"
)

// AttrUserAccountControl is the Active Directory account flags attribute.
const AttrUserAccountControl = "userAccountControl"

// userAccountControl flags (from Microsoft documentation).
const (
	UACAccountDisabled         int32 = 0x00000002 // Account is disabled
	UACHomeDirRequired         int32 = 0x00000008 // Home directory required
	UACLockout                 int32 = 0x00000010 // Account is locked out
	UACPasswordNotRequired     int32 = 0x00000020 // No password required
	UACPasswordCantChange      int32 = 0x00000040 // User cannot change password
	UACEncryptedTextPwdAllowed int32 = 0x00000080 // Encrypted text password allowed
	UACTempDuplicateAccount    int32 = 0x00000100 // Local user account (temporary)
	UACNormalAccount           int32 = 0x00000200 // Normal user account
	UACInterdomainTrustAccount int32 = 0x00000800 // Interdomain trust account
	UACWorkstationTrustAccount int32 = 0x00001000 // Workstation trust account
	UACServerTrustAccount      int32 = 0x00002000 // Server trust account
	UACPasswordNeverExpires    int32 = 0x00010000 // Password never expires
	UACMNSLogonAccount         int32 = 0x00020000 // MNS logon account
	UACSmartCardRequired       int32 = 0x00040000 // Smart card required for logon
	UACTrustedForDelegation    int32 = 0x00080000 // Account trusted for delegation
	UACNotDelegated            int32 = 0x00100000 // Account not delegated
	UACUseDesKeyOnly           int32 = 0x00200000 // Use DES key only
	UACDontRequirePreauth      int32 = 0x00400000 // Don't require Kerberos preauth
	UACPasswordExpired         int32 = 0x00800000 // Password expired
	UACTrustedToAuthForDeleg   int32 = 0x01000000 // Trusted to authenticate for delegation
)

// AccountControl returns the parsed userAccountControl value. ok is false
// when the attribute is absent or not an integer.
func (o *Object) AccountControl() (uac int32, ok bool) {
	raw := strings.TrimSpace(o.First(AttrUserAccountControl))
	if raw == "" {
		return 0, false
	}

	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	// AD reports the flags as a signed 32-bit integer.
	return int32(v), true
}

// IsDisabled reports whether the account disabled bit is set. An absent
// userAccountControl counts as not disabled.
func (o *Object) IsDisabled() bool {
	uac, _ := o.AccountControl()
	return uac&UACAccountDisabled == UACAccountDisabled
}

// IsEnabled reports whether userAccountControl is present and the disabled
// bit is clear. An absent value is neither enabled nor disabled.
func (o *Object) IsEnabled() bool {
	uac, ok := o.AccountControl()
	if !ok {
		return false
	}
	return uac&UACAccountDisabled == 0
}
