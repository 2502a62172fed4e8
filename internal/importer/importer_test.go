package importer

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ldapsync/internal/directory"
	"github.com/isometry/ldapsync/internal/store"
)

// MockSource implements Source for testing the importer.
type MockSource struct {
	mock.Mock
}

func (m *MockSource) Search(ctx context.Context) ([]*directory.Object, error) {
	args := m.Called(ctx)
	objects, _ := args.Get(0).([]*directory.Object)
	return objects, args.Error(1)
}

func (m *MockSource) FindByANR(ctx context.Context, name string) (*directory.Object, error) {
	args := m.Called(ctx, name)
	obj, _ := args.Get(0).(*directory.Object)
	return obj, args.Error(1)
}

func adUser(rdn, guid, uac string) *directory.Object {
	attrs := map[string][]string{"sAMAccountName": {rdn}}
	if uac != "" {
		attrs["userAccountControl"] = []string{uac}
	}
	return directory.NewObject("CN="+rdn+",OU=Users,DC=example,DC=com", guid, directory.FlavorActiveDirectory, attrs)
}

func newTestImporter(t *testing.T, source Source, st store.Store, config Config) *Importer {
	t.Helper()
	return New(source, st, testHydrator(t, FieldMappings{
		{Field: "username", Attribute: "sAMAccountName", Required: true},
	}), config)
}

func seed(t *testing.T, st store.Store, guids ...string) map[string]*store.Record {
	t.Helper()
	records := make(map[string]*store.Record, len(guids))
	for _, guid := range guids {
		rec := store.NewRecord(guid)
		_, err := st.Save(context.Background(), rec)
		require.NoError(t, err)
		records[guid] = rec
	}
	return records
}

func TestImporter_LoadBatch(t *testing.T) {
	t.Run("username with no match is an empty batch", func(t *testing.T) {
		source := new(MockSource)
		source.On("FindByANR", mock.Anything, "jdoe").Return(nil, nil)

		batch, err := newTestImporter(t, source, store.NewMemory(true), Config{}).LoadBatch(context.Background(), "jdoe")
		require.NoError(t, err)
		assert.NotNil(t, batch)
		assert.Empty(t, batch)
		source.AssertNotCalled(t, "Search", mock.Anything)
	})

	t.Run("username with a match", func(t *testing.T) {
		source := new(MockSource)
		source.On("FindByANR", mock.Anything, "jdoe").Return(adUser("jdoe", "guid-1", "512"), nil)

		batch, err := newTestImporter(t, source, store.NewMemory(true), Config{}).LoadBatch(context.Background(), "jdoe")
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, "guid-1", batch[0].GUID)
	})

	t.Run("full search", func(t *testing.T) {
		source := new(MockSource)
		source.On("Search", mock.Anything).Return([]*directory.Object{adUser("a", "g1", ""), adUser("b", "g2", "")}, nil)

		batch, err := newTestImporter(t, source, store.NewMemory(true), Config{}).LoadBatch(context.Background(), "")
		require.NoError(t, err)
		assert.Len(t, batch, 2)
	})

	t.Run("source failure", func(t *testing.T) {
		source := new(MockSource)
		source.On("Search", mock.Anything).Return(nil, errors.New("connection refused"))

		_, err := newTestImporter(t, source, store.NewMemory(true), Config{}).LoadBatch(context.Background(), "")

		var unavailable *DirectorySourceUnavailable
		require.ErrorAs(t, err, &unavailable)
		assert.ErrorContains(t, err, "connection refused")
	})
}

func TestImporter_RunCreatesThenUpdates(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(true)
	source := new(MockSource)
	source.On("Search", mock.Anything).Return([]*directory.Object{adUser("jdoe", "guid-1", "512")}, nil)

	imp := newTestImporter(t, source, st, Config{})

	var imported []string
	imp.Events().Listen(EventImported, func(_ context.Context, event Event) error {
		imported = append(imported, event.Record.ID)
		return nil
	})

	report, err := imp.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Committed)
	assert.Equal(t, 1, report.Created)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, []EventKind{EventImporting, EventSynchronizing, EventSynchronized, EventImported}, report.Outcomes[0].Events)
	require.Len(t, imported, 1)

	report, err = imp.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, []EventKind{EventSynchronizing, EventSynchronized}, report.Outcomes[0].Events)
	assert.Len(t, imported, 1, "imported fires only when the store inserts")

	assert.Equal(t, 1, st.Len())
	assert.Equal(t, StateDone, imp.State())
}

func TestImporter_TrashDisabledUser(t *testing.T) {
	for _, logging := range []bool{true, false} {
		t.Run(map[bool]string{true: "logging on", false: "logging off"}[logging], func(t *testing.T) {
			var output bytes.Buffer
			ctx := InitializeLogging(tflogtest.RootLogger(context.Background(), &output))

			st := store.NewMemory(true)
			seed(t, st, "guid-1")

			source := new(MockSource)
			source.On("Search", mock.Anything).Return([]*directory.Object{adUser("jdoe", "guid-1", "514")}, nil)

			report, err := newTestImporter(t, source, st, Config{TrashDisabledUsers: true, Logging: logging}).Run(ctx, RunOptions{})
			require.NoError(t, err)
			assert.Equal(t, 1, report.Trashed)
			assert.Equal(t, ActionTrashed, report.Outcomes[0].Action)

			rec, err := st.FindByGUID(ctx, "guid-1", true)
			require.NoError(t, err)
			assert.True(t, rec.Trashed())

			entries, err := tflogtest.MultilineJSONDecode(&output)
			require.NoError(t, err)

			var lines []string
			for _, entry := range entries {
				if entry["@level"] == "info" && entry["@module"] == "provider.importer" {
					lines = append(lines, entry["@message"].(string))
				}
			}
			if logging {
				assert.Contains(t, lines, "Soft-deleted user [CN=jdoe]. Their user account is disabled.")
			} else {
				assert.NotContains(t, lines, "Soft-deleted user [CN=jdoe]. Their user account is disabled.")
			}
		})
	}
}

func TestImporter_RestoreEnabledUser(t *testing.T) {
	var output bytes.Buffer
	ctx := InitializeLogging(tflogtest.RootLogger(context.Background(), &output))

	st := store.NewMemory(true)
	source := new(MockSource)
	source.On("Search", mock.Anything).Return([]*directory.Object{adUser("jdoe", "guid-1", "514")}, nil).Once()
	source.On("Search", mock.Anything).Return([]*directory.Object{adUser("jdoe", "guid-1", "512")}, nil).Once()

	imp := newTestImporter(t, source, st, Config{TrashDisabledUsers: true, RestoreEnabledUsers: true, Logging: true})

	report, err := imp.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Trashed)
	assert.Equal(t, 0, report.Restored, "trash and restore never both fire")

	report, err = imp.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Restored)
	assert.Equal(t, 1, report.Updated)

	rec, err := st.FindByGUID(ctx, "guid-1", false)
	require.NoError(t, err)
	assert.False(t, rec.Trashed())
	assert.Equal(t, 1, st.Len(), "disable and re-enable must not duplicate the record")

	entries, err := tflogtest.MultilineJSONDecode(&output)
	require.NoError(t, err)
	var messages []any
	for _, entry := range entries {
		messages = append(messages, entry["@message"])
	}
	assert.Contains(t, messages, "Restored user [CN=jdoe]. Their user account has been re-enabled.")
}

func TestImporter_LifecyclePreconditions(t *testing.T) {
	tests := []struct {
		name       string
		obj        *directory.Object
		softDelete bool
		trashed    bool
		config     Config
		wantTrash  bool
	}{
		{
			name:       "absent account control is inert for trash",
			obj:        adUser("jdoe", "guid-1", ""),
			softDelete: true,
			config:     Config{TrashDisabledUsers: true, RestoreEnabledUsers: true},
		},
		{
			name:       "absent account control never restores",
			obj:        adUser("jdoe", "guid-1", ""),
			softDelete: true,
			trashed:    true,
			config:     Config{RestoreEnabledUsers: true},
			wantTrash:  true,
		},
		{
			name:       "trash disabled by config",
			obj:        adUser("jdoe", "guid-1", "514"),
			softDelete: true,
			config:     Config{},
		},
		{
			name:   "store without soft delete",
			obj:    adUser("jdoe", "guid-1", "514"),
			config: Config{TrashDisabledUsers: true},
		},
		{
			name:       "already trashed",
			obj:        adUser("jdoe", "guid-1", "514"),
			softDelete: true,
			trashed:    true,
			config:     Config{TrashDisabledUsers: true, RestoreEnabledUsers: true},
			wantTrash:  true,
		},
		{
			name:       "directory without account control",
			obj:        directory.NewObject("uid=jdoe,dc=example,dc=com", "guid-1", directory.FlavorOpenLDAP, map[string][]string{"sAMAccountName": {"jdoe"}, "userAccountControl": {"514"}}),
			softDelete: true,
			config:     Config{TrashDisabledUsers: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := store.NewMemory(tt.softDelete)
			rec := seed(t, st, "guid-1")["guid-1"]
			if tt.trashed {
				require.NoError(t, st.Trash(ctx, rec))
			}

			source := new(MockSource)
			source.On("Search", mock.Anything).Return([]*directory.Object{tt.obj}, nil)

			report, err := newTestImporter(t, source, st, tt.config).Run(ctx, RunOptions{})
			require.NoError(t, err)
			assert.Equal(t, 1, report.Committed)
			assert.Empty(t, report.Outcomes[0].Action)

			got, err := st.FindByGUID(ctx, "guid-1", true)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTrash, got.Trashed())
		})
	}
}

func TestImporter_DeletedMissing(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(true)
	records := seed(t, st, "guid-1", "guid-2", "guid-gone")

	source := new(MockSource)
	source.On("Search", mock.Anything).Return([]*directory.Object{
		adUser("one", "guid-1", "512"),
		adUser("two", "guid-2", "512"),
		adUser("three", "guid-3", "512"),
	}, nil)

	imp := newTestImporter(t, source, st, Config{})

	var events []Event
	imp.Events().Listen(EventDeletedMissing, func(_ context.Context, event Event) error {
		events = append(events, event)
		return nil
	})

	report, err := imp.Run(ctx, RunOptions{})
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, []string{records["guid-gone"].ID}, events[0].MissingIDs)
	assert.Len(t, events[0].Batch, 3)
	assert.Same(t, st, events[0].Store)
	assert.Equal(t, events[0].MissingIDs, report.MissingIDs)

	rec, err := st.FindByGUID(ctx, "guid-gone", false)
	require.NoError(t, err, "missing records are reported, not deleted")
	assert.False(t, rec.Trashed())
}

func TestImporter_SingleUserRunSkipsReconciliation(t *testing.T) {
	st := store.NewMemory(true)
	seed(t, st, "guid-other")

	source := new(MockSource)
	source.On("FindByANR", mock.Anything, "jdoe").Return(adUser("jdoe", "guid-1", "512"), nil)

	imp := newTestImporter(t, source, st, Config{})
	fired := false
	imp.Events().Listen(EventDeletedMissing, func(context.Context, Event) error {
		fired = true
		return nil
	})

	report, err := imp.Run(context.Background(), RunOptions{Username: "jdoe"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.False(t, fired)
	assert.Nil(t, report.MissingIDs)
}

func TestImporter_EmptyBatch(t *testing.T) {
	source := new(MockSource)
	source.On("FindByANR", mock.Anything, "nobody").Return(nil, nil)

	report, err := newTestImporter(t, source, store.NewMemory(true), Config{}).Run(context.Background(), RunOptions{Username: "nobody"})
	require.NoError(t, err)
	assert.Zero(t, report.Total())
}

func TestImporter_SourceUnavailableAborts(t *testing.T) {
	source := new(MockSource)
	source.On("Search", mock.Anything).Return(nil, errors.New("ldap: connection refused"))

	report, err := newTestImporter(t, source, store.NewMemory(true), Config{}).Run(context.Background(), RunOptions{})

	var unavailable *DirectorySourceUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.Zero(t, report.Total())
}

func TestImporter_PerObjectFailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(true)

	source := new(MockSource)
	source.On("Search", mock.Anything).Return([]*directory.Object{
		adUser("noguid", "", "512"),
		directory.NewObject("CN=nameless,DC=example,DC=com", "guid-2", directory.FlavorActiveDirectory, nil),
		adUser("jdoe", "guid-3", "512"),
	}, nil)

	report, err := newTestImporter(t, source, st, Config{}).Run(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Committed)
	assert.Equal(t, 2, report.Failed)
	require.Len(t, report.Failures, 2)

	var missing *MissingIdentifierError
	assert.ErrorAs(t, report.Failures[0].Err, &missing)

	var hydration *HydrationError
	require.ErrorAs(t, report.Failures[1].Err, &hydration)
	assert.Equal(t, "username", hydration.Field)

	assert.Equal(t, 1, st.Len(), "failed objects leave no partial row")
}

func TestImporter_ImportingVeto(t *testing.T) {
	st := store.NewMemory(true)
	source := new(MockSource)
	source.On("Search", mock.Anything).Return([]*directory.Object{adUser("svc-backup", "guid-1", "512")}, nil)

	imp := newTestImporter(t, source, st, Config{})
	imp.Events().Listen(EventImporting, func(_ context.Context, event Event) error {
		if event.Object.First("sAMAccountName") == "svc-backup" {
			return errors.New("service accounts are not imported")
		}
		return nil
	})

	report, err := imp.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, StatusSkipped, report.Failures[0].Status)
	assert.Zero(t, st.Len())
}

func TestImporter_Overrides(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(true)
	source := new(MockSource)
	source.On("FindByANR", mock.Anything, "jdoe").Return(adUser("jdoe", "guid-1", "512"), nil)

	_, err := newTestImporter(t, source, st, Config{}).Run(ctx, RunOptions{
		Username:  "jdoe",
		Overrides: map[string]any{"password": "hashed-secret"},
	})
	require.NoError(t, err)

	rec, err := st.FindByGUID(ctx, "guid-1", false)
	require.NoError(t, err)
	assert.Equal(t, "jdoe", rec.Attributes["username"])
	assert.Equal(t, "hashed-secret", rec.Attributes["password"])
}

// racingStore inserts a competing record for the GUID on the first insert,
// as a concurrent import would.
type racingStore struct {
	*store.Memory
	raced bool
}

func (s *racingStore) Save(ctx context.Context, rec *store.Record) (bool, error) {
	if !rec.Exists() && !s.raced {
		s.raced = true
		if _, err := s.Memory.Save(ctx, store.NewRecord(rec.GUID)); err != nil {
			return false, err
		}
	}
	return s.Memory.Save(ctx, rec)
}

func TestImporter_UniqueViolationRetriesOnce(t *testing.T) {
	ctx := context.Background()
	st := &racingStore{Memory: store.NewMemory(true)}
	source := new(MockSource)
	source.On("Search", mock.Anything).Return([]*directory.Object{adUser("jdoe", "guid-1", "512")}, nil)

	report, err := newTestImporter(t, source, st, Config{}).Run(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Committed)
	assert.Equal(t, 1, report.Updated, "the retry updates the concurrently inserted row")
	assert.Equal(t, 1, st.Len())

	rec, err := st.FindByGUID(ctx, "guid-1", false)
	require.NoError(t, err)
	assert.Equal(t, "jdoe", rec.Attributes["username"])
}

func TestImporter_UniqueViolationSurfaces(t *testing.T) {
	st := &failingStore{Memory: store.NewMemory(true), saveErr: store.ErrUniqueViolation}
	source := new(MockSource)
	source.On("Search", mock.Anything).Return([]*directory.Object{adUser("jdoe", "guid-1", "512")}, nil)

	report, err := newTestImporter(t, source, st, Config{}).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	var race *UniquenessRaceError
	require.ErrorAs(t, report.Failures[0].Err, &race)
	assert.Equal(t, "guid-1", race.GUID)
	assert.ErrorIs(t, report.Failures[0].Err, store.ErrUniqueViolation)
}

func TestImporter_PersistenceErrors(t *testing.T) {
	t.Run("save", func(t *testing.T) {
		st := &failingStore{Memory: store.NewMemory(true), saveErr: errors.New("db error: disk full")}
		source := new(MockSource)
		source.On("Search", mock.Anything).Return([]*directory.Object{adUser("jdoe", "guid-1", "512")}, nil)

		report, err := newTestImporter(t, source, st, Config{}).Run(context.Background(), RunOptions{})
		require.NoError(t, err)

		var persistErr *PersistenceError
		require.ErrorAs(t, report.Failures[0].Err, &persistErr)
		assert.Equal(t, "save record", persistErr.Op)
	})

	t.Run("trash", func(t *testing.T) {
		st := &failingStore{Memory: store.NewMemory(true), trashErr: errors.New("db error: timeout")}
		seed(t, st.Memory, "guid-1")
		source := new(MockSource)
		source.On("Search", mock.Anything).Return([]*directory.Object{adUser("jdoe", "guid-1", "514")}, nil)

		report, err := newTestImporter(t, source, st, Config{TrashDisabledUsers: true}).Run(context.Background(), RunOptions{})
		require.NoError(t, err)
		assert.Equal(t, 0, report.Failed, "the record was saved before the policy ran")
		assert.Equal(t, 1, report.Committed)
		assert.Empty(t, report.Failures)
		require.Len(t, report.PostCommitErrors, 1)

		var persistErr *PersistenceError
		require.ErrorAs(t, report.PostCommitErrors[0].Err, &persistErr)
		assert.Equal(t, "trash record", persistErr.Op)
		assert.False(t, report.Outcomes[0].Record.Trashed())
	})
}

func TestImporter_ImportedListenerErrorKeepsCommit(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(true)
	source := new(MockSource)
	source.On("Search", mock.Anything).Return([]*directory.Object{adUser("jdoe", "guid-1", "514")}, nil)

	imp := newTestImporter(t, source, st, Config{TrashDisabledUsers: true})

	calls := 0
	listenerErr := errors.New("provisioning hook failed")
	imp.Events().Listen(EventImported, func(context.Context, Event) error {
		calls++
		return listenerErr
	})

	report, err := imp.Run(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Committed)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 1, report.Trashed, "lifecycle policy still runs")
	require.Len(t, report.PostCommitErrors, 1)
	assert.ErrorIs(t, report.PostCommitErrors[0].Err, listenerErr)

	out := report.Outcomes[0]
	assert.Equal(t, StatusCommitted, out.Status)
	assert.True(t, out.Created)
	assert.NoError(t, out.Err)
	assert.Equal(t, []EventKind{EventImporting, EventSynchronizing, EventSynchronized, EventImported}, out.Events)
	assert.Equal(t, 1, st.Len())

	report, err = imp.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)
	assert.Empty(t, report.PostCommitErrors)
	assert.Equal(t, 1, calls, "imported fires once, for the run that inserted")
}

func TestImporter_CancelledRunSkipsReconciliation(t *testing.T) {
	st := store.NewMemory(true)
	seed(t, st, "guid-gone")

	ctx, cancel := context.WithCancel(context.Background())

	source := new(MockSource)
	source.On("Search", mock.Anything).Return([]*directory.Object{
		adUser("one", "guid-1", "512"),
		adUser("two", "guid-2", "512"),
	}, nil)

	imp := newTestImporter(t, source, st, Config{})
	imp.Events().Listen(EventSynchronizing, func(context.Context, Event) error {
		cancel()
		return nil
	})
	reconciled := false
	imp.Events().Listen(EventDeletedMissing, func(context.Context, Event) error {
		reconciled = true
		return nil
	})

	report, err := imp.Run(ctx, RunOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.Committed, "the object in flight finishes")
	assert.False(t, reconciled)
	assert.Equal(t, 2, st.Len())
}
