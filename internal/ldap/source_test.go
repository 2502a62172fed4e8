package ldap

import (
	"context"
	"errors"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ldapsync/internal/directory"
)

// MockClient implements the Client interface for testing Directory.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Connect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockClient) Close() error {
	return m.Called().Error(0)
}

func (m *MockClient) BindWithConfig(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockClient) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*SearchResult), args.Error(1)
}

// SearchPages delivers the pages configured with the mock, one call to fn
// per page.
func (m *MockClient) SearchPages(ctx context.Context, req *SearchRequest, fn PageFunc) error {
	args := m.Called(ctx, req)
	if pages, ok := args.Get(0).([][]*ldap.Entry); ok {
		for _, page := range pages {
			if err := fn(page); err != nil {
				return err
			}
		}
	}
	return args.Error(1)
}

func (m *MockClient) GetBaseDN(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockClient) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockClient) Stats() PoolStats {
	return m.Called().Get(0).(PoolStats)
}

func adEntry(dn string, guid []byte, attrs map[string][]string) *ldap.Entry {
	all := map[string][]string{"objectGUID": {string(guid)}}
	for k, v := range attrs {
		all[k] = v
	}
	return ldap.NewEntry(dn, all)
}

func TestDirectory_Filter(t *testing.T) {
	tests := []struct {
		name   string
		config DirectoryConfig
		want   string
	}{
		{
			name:   "active directory default",
			config: DirectoryConfig{Flavor: directory.FlavorActiveDirectory},
			want:   ActiveDirectoryUserFilter,
		},
		{
			name:   "openldap default",
			config: DirectoryConfig{Flavor: directory.FlavorOpenLDAP},
			want:   OpenLDAPUserFilter,
		},
		{
			name:   "flavor defaults to active directory",
			config: DirectoryConfig{},
			want:   ActiveDirectoryUserFilter,
		},
		{
			name:   "extra filter is AND-ed",
			config: DirectoryConfig{Flavor: directory.FlavorOpenLDAP, Filter: "(departmentNumber=42)"},
			want:   "(&(objectClass=inetOrgPerson)(departmentNumber=42))",
		},
		{
			name:   "bare extra filter is wrapped",
			config: DirectoryConfig{Flavor: directory.FlavorOpenLDAP, Filter: "ou=eng"},
			want:   "(&(objectClass=inetOrgPerson)(ou=eng))",
		},
		{
			name:   "custom base filter",
			config: DirectoryConfig{BaseFilter: "(objectClass=posixAccount)"},
			want:   "(objectClass=posixAccount)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDirectory(context.Background(), new(MockClient), tt.config)
			assert.Equal(t, tt.want, d.Filter())
		})
	}
}

func TestAndFilters(t *testing.T) {
	assert.Equal(t, "(objectClass=*)", andFilters())
	assert.Equal(t, "(objectClass=*)", andFilters("", "  "))
	assert.Equal(t, "(a=1)", andFilters("(a=1)", ""))
	assert.Equal(t, "(&(a=1)(b=2)(c=3))", andFilters("(a=1)", "b=2", "(c=3)"))
}

func TestDirectory_Search(t *testing.T) {
	client := new(MockClient)
	d := NewDirectory(context.Background(), client, DirectoryConfig{
		Flavor: directory.FlavorActiveDirectory,
		Filter: "(department=Engineering)",
	})

	pages := [][]*ldap.Entry{
		{
			adEntry("CN=John Doe,OU=Users,DC=example,DC=com", testGUIDBytes, map[string][]string{
				"sAMAccountName":     {"jdoe"},
				"userAccountControl": {"512"},
			}),
		},
		{
			adEntry("CN=Jane Roe,OU=Users,DC=example,DC=com", []byte("short"), map[string][]string{
				"sAMAccountName": {"jroe"},
			}),
		},
	}

	client.On("GetBaseDN", mock.Anything).Return("DC=example,DC=com", nil).Once()
	client.On("SearchPages", mock.Anything, mock.MatchedBy(func(req *SearchRequest) bool {
		return req.BaseDN == "DC=example,DC=com" &&
			req.Scope == ScopeWholeSubtree &&
			req.Filter == "(&(&(objectClass=user)(objectCategory=person))(department=Engineering))" &&
			assert.ObjectsAreEqual([]string{"*", "objectGUID"}, req.Attributes)
	})).Return(pages, nil)

	objects, err := d.Search(context.Background())
	require.NoError(t, err)
	require.Len(t, objects, 2)

	john := objects[0]
	assert.Equal(t, testGUID, john.GUID)
	assert.Equal(t, "CN=John Doe", john.RDN)
	assert.Equal(t, "jdoe", john.First("samaccountname"))
	assert.Equal(t, testGUID, john.First("objectGUID"))
	assert.True(t, john.SupportsAccountControl)
	assert.True(t, john.IsEnabled())

	assert.Empty(t, objects[1].GUID, "unusable GUID is left empty for the importer to report")

	// the base DN is discovered once and cached
	_, err = d.Search(context.Background())
	require.NoError(t, err)

	client.AssertExpectations(t)
	client.AssertNumberOfCalls(t, "GetBaseDN", 1)
}

func TestDirectory_SearchErrors(t *testing.T) {
	t.Run("base DN discovery", func(t *testing.T) {
		client := new(MockClient)
		client.On("GetBaseDN", mock.Anything).Return("", errors.New("connection refused"))

		_, err := NewDirectory(context.Background(), client, DirectoryConfig{}).Search(context.Background())

		var ldapErr *LDAPError
		require.ErrorAs(t, err, &ldapErr)
		assert.Equal(t, "base DN discovery", ldapErr.Operation)
	})

	t.Run("search", func(t *testing.T) {
		client := new(MockClient)
		client.On("SearchPages", mock.Anything, mock.Anything).
			Return(nil, ldap.NewError(ldap.LDAPResultUnavailable, errors.New("unavailable")))

		_, err := NewDirectory(context.Background(), client, DirectoryConfig{BaseDN: "dc=example,dc=com"}).Search(context.Background())

		var ldapErr *LDAPError
		require.ErrorAs(t, err, &ldapErr)
		assert.Equal(t, ErrorCategoryServer, ldapErr.Category)
		client.AssertNotCalled(t, "GetBaseDN", mock.Anything)
	})
}

func TestDirectory_OpenLDAPObjects(t *testing.T) {
	client := new(MockClient)
	d := NewDirectory(context.Background(), client, DirectoryConfig{
		Flavor:     directory.FlavorOpenLDAP,
		BaseDN:     "dc=example,dc=com",
		Attributes: []string{"uid", "mail", "EntryUUID"},
	})

	entry := ldap.NewEntry("uid=jdoe,ou=people,dc=example,dc=com", map[string][]string{
		"uid":       {"jdoe"},
		"mail":      {"jdoe@example.com", "john.doe@example.com"},
		"entryUUID": {"01020304-0506-0708-090A-0B0C0D0E0F10"},
	})

	client.On("SearchPages", mock.Anything, mock.MatchedBy(func(req *SearchRequest) bool {
		return assert.ObjectsAreEqual([]string{"uid", "mail", "EntryUUID"}, req.Attributes)
	})).Return([][]*ldap.Entry{{entry}}, nil)

	objects, err := d.Search(context.Background())
	require.NoError(t, err)
	require.Len(t, objects, 1)

	obj := objects[0]
	assert.Equal(t, testGUID, obj.GUID)
	assert.Equal(t, "uid=jdoe", obj.RDN)
	assert.False(t, obj.SupportsAccountControl)
	assert.Equal(t, []string{"jdoe@example.com", "john.doe@example.com"}, obj.All("mail"))
}

func TestDirectory_FindByANR(t *testing.T) {
	t.Run("first match", func(t *testing.T) {
		client := new(MockClient)
		d := NewDirectory(context.Background(), client, DirectoryConfig{BaseDN: "DC=example,DC=com"})

		client.On("Search", mock.Anything, mock.MatchedBy(func(req *SearchRequest) bool {
			return req.Filter == "(&(&(objectClass=user)(objectCategory=person))(anr=jdoe))" &&
				req.SizeLimit == 1 &&
				req.Scope == ScopeWholeSubtree
		})).Return(&SearchResult{Entries: []*ldap.Entry{
			adEntry("CN=John Doe,DC=example,DC=com", testGUIDBytes, nil),
		}}, nil)

		obj, err := d.FindByANR(context.Background(), "jdoe")
		require.NoError(t, err)
		require.NotNil(t, obj)
		assert.Equal(t, testGUID, obj.GUID)
		client.AssertExpectations(t)
	})

	t.Run("no match", func(t *testing.T) {
		client := new(MockClient)
		client.On("Search", mock.Anything, mock.Anything).Return(&SearchResult{}, nil)

		obj, err := NewDirectory(context.Background(), client, DirectoryConfig{BaseDN: "DC=example,DC=com"}).
			FindByANR(context.Background(), "nobody")
		assert.NoError(t, err)
		assert.Nil(t, obj)
	})

	t.Run("distinguished name is read directly", func(t *testing.T) {
		client := new(MockClient)
		dn := "uid=jdoe,ou=people,dc=example,dc=com"

		client.On("Search", mock.Anything, mock.MatchedBy(func(req *SearchRequest) bool {
			return req.BaseDN == dn && req.Scope == ScopeBaseObject && req.Filter == OpenLDAPUserFilter
		})).Return(nil, ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object")))

		obj, err := NewDirectory(context.Background(), client, DirectoryConfig{
			Flavor: directory.FlavorOpenLDAP,
			BaseDN: "dc=example,dc=com",
		}).FindByANR(context.Background(), dn)

		assert.NoError(t, err)
		assert.Nil(t, obj)
		client.AssertExpectations(t)
	})

	t.Run("server failure", func(t *testing.T) {
		client := new(MockClient)
		client.On("Search", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))

		_, err := NewDirectory(context.Background(), client, DirectoryConfig{BaseDN: "DC=example,DC=com"}).
			FindByANR(context.Background(), "jdoe")

		assert.Error(t, err)
		assert.Equal(t, ErrorCategoryConnection, GetErrorCategory(err))
	})
}
