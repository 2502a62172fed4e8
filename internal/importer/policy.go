package importer

import (
	"context"
	"fmt"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldapsync/internal/directory"
	"github.com/isometry/ldapsync/internal/store"
)

// applyLifecyclePolicy trashes or restores rec according to the account
// control flags of obj. It returns the action taken, or "" when nothing
// applied. Objects without account control are left alone.
func (i *Importer) applyLifecyclePolicy(ctx context.Context, obj *directory.Object, rec *store.Record) (string, error) {
	if !obj.SupportsAccountControl {
		return "", nil
	}

	if i.config.TrashDisabledUsers {
		trashed, err := i.trashIfDisabled(ctx, obj, rec)
		if err != nil || trashed {
			return actionIf(trashed, ActionTrashed), err
		}
	}

	if i.config.RestoreEnabledUsers {
		restored, err := i.restoreIfEnabled(ctx, obj, rec)
		return actionIf(restored, ActionRestored), err
	}

	return "", nil
}

func (i *Importer) trashIfDisabled(ctx context.Context, obj *directory.Object, rec *store.Record) (bool, error) {
	if !i.store.SupportsSoftDelete() || rec.Trashed() || !obj.IsDisabled() {
		return false, nil
	}

	if err := i.store.Trash(ctx, rec); err != nil {
		return false, &PersistenceError{Op: "trash record", RDN: obj.RDN, Err: err}
	}
	lifecycleTransitionsTotal.WithLabelValues(ActionTrashed).Inc()

	if i.config.Logging {
		tflog.SubsystemInfo(ctx, Subsystem,
			fmt.Sprintf("Soft-deleted user [%s]. Their user account is disabled.", obj.RDN),
			map[string]any{"guid": obj.GUID, "record_id": rec.ID})
	}
	return true, nil
}

// restoreIfEnabled requires a userAccountControl value with the disabled bit
// clear; an absent value never restores.
func (i *Importer) restoreIfEnabled(ctx context.Context, obj *directory.Object, rec *store.Record) (bool, error) {
	if !i.store.SupportsSoftDelete() || !rec.Trashed() || !obj.IsEnabled() {
		return false, nil
	}

	if err := i.store.Restore(ctx, rec); err != nil {
		return false, &PersistenceError{Op: "restore record", RDN: obj.RDN, Err: err}
	}
	lifecycleTransitionsTotal.WithLabelValues(ActionRestored).Inc()

	if i.config.Logging {
		tflog.SubsystemInfo(ctx, Subsystem,
			fmt.Sprintf("Restored user [%s]. Their user account has been re-enabled.", obj.RDN),
			map[string]any{"guid": obj.GUID, "record_id": rec.ID})
	}
	return true, nil
}

func actionIf(ok bool, action string) string {
	if ok {
		return action
	}
	return ""
}
