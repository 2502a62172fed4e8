package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewObject(t *testing.T) {
	obj := NewObject("CN=John Doe,OU=People,DC=example,DC=com", "6f9619ff-8b86-d011-b42d-00c04fc964ff", FlavorActiveDirectory, map[string][]string{
		"sAMAccountName": {"jdoe"},
		"mail":           {"jdoe@example.com", "john.doe@example.com"},
	})

	assert.Equal(t, "CN=John Doe", obj.RDN)
	assert.Equal(t, "6f9619ff-8b86-d011-b42d-00c04fc964ff", obj.GUID)
	assert.True(t, obj.SupportsAccountControl)
	assert.Equal(t, "CN=John Doe", obj.String())

	openldap := NewObject("uid=jdoe,ou=people,dc=example,dc=org", "x", FlavorOpenLDAP, nil)
	assert.False(t, openldap.SupportsAccountControl)
}

func TestObject_AttributesAreCaseInsensitive(t *testing.T) {
	obj := NewObject("cn=a,dc=example,dc=com", "g", FlavorOpenLDAP, map[string][]string{
		"sAMAccountName": {"jdoe"},
		"Mail":           {"first@example.com", "second@example.com"},
	})

	assert.Equal(t, "jdoe", obj.First("samaccountname"))
	assert.Equal(t, "jdoe", obj.First("SAMACCOUNTNAME"))
	assert.Equal(t, "first@example.com", obj.First("mail"))
	assert.Equal(t, []string{"first@example.com", "second@example.com"}, obj.All("MAIL"))
	assert.True(t, obj.Has("mail"))
	assert.False(t, obj.Has("telephoneNumber"))
	assert.Empty(t, obj.First("telephoneNumber"))
	assert.Equal(t, []string{"Mail", "sAMAccountName"}, obj.AttributeNames())
}

func TestObject_AttributesCopy(t *testing.T) {
	values := []string{"a"}
	obj := NewObject("cn=a", "g", FlavorOpenLDAP, map[string][]string{"cn": values})

	values[0] = "mutated"
	assert.Equal(t, "a", obj.First("cn"))

	attrs := obj.Attributes()
	attrs["cn"][0] = "mutated"
	assert.Equal(t, "a", obj.First("cn"))
}

func TestObject_NilSafe(t *testing.T) {
	var obj *Object
	assert.Nil(t, obj.All("cn"))
	assert.False(t, obj.Has("cn"))
}

func TestRDNOf(t *testing.T) {
	tests := []struct {
		name string
		dn   string
		want string
	}{
		{name: "simple", dn: "cn=John Doe,ou=People,dc=example,dc=com", want: "cn=John Doe"},
		{name: "preserves case", dn: "CN=Jane,DC=example,DC=com", want: "CN=Jane"},
		{name: "escaped comma", dn: `CN=Doe\, John,OU=Users,DC=example,DC=com`, want: "CN=Doe, John"},
		{name: "multi-valued rdn", dn: "cn=John+uid=jdoe,dc=example,dc=com", want: "cn=John+uid=jdoe"},
		{name: "single component", dn: "uid=jdoe", want: "uid=jdoe"},
		{name: "empty", dn: "", want: ""},
		{name: "unparseable", dn: "not a dn,dc=example", want: "not a dn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RDNOf(tt.dn))
		})
	}
}

func TestObject_Set(t *testing.T) {
	obj := &Object{}
	obj.Set("objectSid", "S-1-5-21-1-2-3-1001")
	require.True(t, obj.Has("objectsid"))
	assert.Equal(t, "S-1-5-21-1-2-3-1001", obj.First("OBJECTSID"))
}
