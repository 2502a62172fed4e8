// Package importer synchronises directory objects into the local store.
//
// A run loads a batch from a Source, then for each object resolves the local
// record by GUID, hydrates it through the configured field mappings, saves
// it and applies the soft-delete lifecycle policy. A full run ends by
// reporting the records whose GUID was not seen through a DeletedMissing
// event. Records are never hard-deleted here.
package importer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldapsync/internal/directory"
	"github.com/isometry/ldapsync/internal/store"
)

// Subsystem is the tflog subsystem used by the importer.
const Subsystem = "importer"

// InitializeLogging registers the importer subsystem on ctx. The level is
// read from LDAPSYNC_LOG_IMPORTER.
func InitializeLogging(ctx context.Context) context.Context {
	return tflog.NewSubsystem(ctx, Subsystem, tflog.WithLevelFromEnv("LDAPSYNC_LOG_IMPORTER"))
}

// Source reads directory objects. ldap.Directory implements it.
type Source interface {
	Search(ctx context.Context) ([]*directory.Object, error)
	// FindByANR returns nil, nil when nothing matches name.
	FindByANR(ctx context.Context, name string) (*directory.Object, error)
}

// Batch is the ordered set of objects processed by one run.
type Batch []*directory.Object

// Config controls the lifecycle policy.
type Config struct {
	RestoreEnabledUsers bool
	TrashDisabledUsers  bool
	// Logging enables the info lines for lifecycle transitions.
	Logging bool
}

// RunOptions parameterise a single run.
type RunOptions struct {
	// Username limits the run to the object found by ambiguous name
	// resolution. Reconciliation is skipped for such runs.
	Username string
	// Overrides are applied by the hydrator to every object.
	Overrides map[string]any
}

// Importer runs imports. Runs are sequential per call; concurrent calls
// rely on the store's GUID uniqueness constraint.
type Importer struct {
	source   Source
	store    store.Store
	hydrator Hydrator
	resolver *Resolver
	events   *Dispatcher
	config   Config
	state    atomic.Value
}

// New returns an Importer. A default DeletedMissing listener logs the
// number of missing records.
func New(source Source, st store.Store, hydrator Hydrator, config Config) *Importer {
	i := &Importer{
		source:   source,
		store:    st,
		hydrator: hydrator,
		resolver: NewResolver(st),
		events:   NewDispatcher(),
		config:   config,
	}
	i.state.Store(StateIdle)

	i.events.Listen(EventDeletedMissing, func(ctx context.Context, event Event) error {
		if len(event.MissingIDs) > 0 {
			tflog.SubsystemInfo(ctx, Subsystem, "Local records missing from the directory", map[string]any{
				"count": len(event.MissingIDs),
			})
		}
		return nil
	})

	return i
}

// Events returns the dispatcher owned by the importer.
func (i *Importer) Events() *Dispatcher {
	return i.events
}

// State returns the current state of the most recent run.
func (i *Importer) State() State {
	return i.state.Load().(State)
}

func (i *Importer) setState(s State) {
	i.state.Store(s)
}

// LoadBatch returns the objects to import. A non-empty username yields at
// most one object. An empty result is not an error.
func (i *Importer) LoadBatch(ctx context.Context, username string) (Batch, error) {
	if username != "" {
		obj, err := i.source.FindByANR(ctx, username)
		if err != nil {
			return nil, &DirectorySourceUnavailable{Err: err}
		}
		if obj == nil {
			return Batch{}, nil
		}
		return Batch{obj}, nil
	}

	objects, err := i.source.Search(ctx)
	if err != nil {
		return nil, &DirectorySourceUnavailable{Err: err}
	}
	return Batch(objects), nil
}

// Run imports a batch and returns its report. Per-object failures are
// listed in the report; the returned error is non-nil only when the batch
// could not be loaded, the context was cancelled, or reconciliation failed.
// A cancelled run finishes the object in flight, skips reconciliation and
// returns the partial report with the context error.
func (i *Importer) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	start := time.Now()
	report := &Report{}
	defer func() {
		report.Duration = time.Since(start)
		importRunDuration.Observe(report.Duration.Seconds())
		i.setState(StateDone)
	}()

	i.setState(StateLoading)
	tflog.SubsystemDebug(ctx, Subsystem, "Loading batch", map[string]any{"username": opts.Username})

	batch, err := i.LoadBatch(ctx, opts.Username)
	if err != nil {
		importRunsTotal.WithLabelValues("failed").Inc()
		tflog.SubsystemError(ctx, Subsystem, "Unable to load directory objects", map[string]any{"error": err.Error()})
		return report, err
	}

	seen := make([]string, 0, len(batch))
	for _, obj := range batch {
		if err := ctx.Err(); err != nil {
			importRunsTotal.WithLabelValues("cancelled").Inc()
			tflog.SubsystemWarn(ctx, Subsystem, "Import cancelled", map[string]any{"processed": report.Total()})
			return report, err
		}

		if obj.GUID != "" {
			seen = append(seen, obj.GUID)
		}

		outcome := i.importObject(context.WithoutCancel(ctx), obj, opts.Overrides)
		report.add(outcome)
		importObjectsTotal.WithLabelValues(string(outcome.Status)).Inc()

		if outcome.Err != nil {
			tflog.SubsystemWarn(ctx, Subsystem, "Object not imported", map[string]any{
				"rdn":    obj.RDN,
				"status": string(outcome.Status),
				"error":  outcome.Err.Error(),
			})
		}
		if outcome.PostCommitErr != nil {
			tflog.SubsystemWarn(ctx, Subsystem, "Object imported with errors", map[string]any{
				"rdn":   obj.RDN,
				"error": outcome.PostCommitErr.Error(),
			})
		}
	}

	if opts.Username == "" {
		if err := i.reconcile(ctx, batch, seen, report); err != nil {
			importRunsTotal.WithLabelValues("failed").Inc()
			return report, err
		}
	}

	importRunsTotal.WithLabelValues("success").Inc()
	return report, nil
}

func (i *Importer) reconcile(ctx context.Context, batch Batch, seen []string, report *Report) error {
	i.setState(StateReconciling)

	ids, err := i.store.MissingIDs(ctx, seen)
	if err != nil {
		return &PersistenceError{Op: "find missing records", Err: err}
	}
	report.MissingIDs = ids

	return i.events.Emit(ctx, Event{
		Kind:       EventDeletedMissing,
		MissingIDs: ids,
		Batch:      batch,
		Store:      i.store,
	})
}

func (i *Importer) importObject(ctx context.Context, obj *directory.Object, overrides map[string]any) (out Outcome) {
	out.Object = obj
	defer func() {
		if out.Err == nil {
			out.Status = StatusCommitted
		}
		i.setState(stateFor(out.Status))
	}()

	i.setState(StateResolving)
	rec, _, err := i.resolver.FindOrCreate(ctx, obj)
	if err != nil {
		return out.fail(err)
	}
	out.Record = rec

	if !rec.Exists() {
		if err := i.emit(ctx, &out, EventImporting); err != nil {
			out.Err = err
			out.Status = StatusSkipped
			return out
		}
	}

	if err := i.emit(ctx, &out, EventSynchronizing); err != nil {
		return out.fail(err)
	}

	i.setState(StateHydrating)
	if err := i.hydrator.Hydrate(obj, rec, overrides); err != nil {
		return out.fail(err)
	}

	if err := i.emit(ctx, &out, EventSynchronized); err != nil {
		return out.fail(err)
	}

	rec, created, err := i.save(ctx, obj, rec, overrides)
	if err != nil {
		return out.fail(err)
	}
	out.Record = rec
	out.Created = created

	// The record is persisted from here on; later errors do not fail the
	// object.
	if created {
		if err := i.emit(ctx, &out, EventImported); err != nil {
			out.PostCommitErr = err
		}
	}

	i.setState(StatePolicyEvaluation)
	action, err := i.applyLifecyclePolicy(ctx, obj, rec)
	if err != nil {
		out.PostCommitErr = errors.Join(out.PostCommitErr, err)
	}
	out.Action = action

	return out
}

// save persists rec. When another writer inserted the same GUID first, the
// record is resolved and hydrated again and saved once more.
func (i *Importer) save(ctx context.Context, obj *directory.Object, rec *store.Record, overrides map[string]any) (*store.Record, bool, error) {
	created, err := i.store.Save(ctx, rec)
	if err == nil {
		return rec, created, nil
	}
	if !errors.Is(err, store.ErrUniqueViolation) {
		return nil, false, &PersistenceError{Op: "save record", RDN: obj.RDN, Err: err}
	}

	tflog.SubsystemDebug(ctx, Subsystem, "GUID claimed concurrently, resolving again", map[string]any{"guid": obj.GUID})

	existing, _, err := i.resolver.FindOrCreate(ctx, obj)
	if err != nil {
		return nil, false, &UniquenessRaceError{GUID: obj.GUID, Err: err}
	}
	if err := i.hydrator.Hydrate(obj, existing, overrides); err != nil {
		return nil, false, err
	}

	created, err = i.store.Save(ctx, existing)
	if err != nil {
		return nil, false, &UniquenessRaceError{GUID: obj.GUID, Err: err}
	}
	return existing, created, nil
}

func (i *Importer) emit(ctx context.Context, out *Outcome, kind EventKind) error {
	out.Events = append(out.Events, kind)
	return i.events.Emit(ctx, Event{Kind: kind, Object: out.Object, Record: out.Record})
}

func (o Outcome) fail(err error) Outcome {
	o.Err = err
	o.Status = StatusFailed
	return o
}
