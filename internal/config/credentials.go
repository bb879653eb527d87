// Credential-set roll-forward recovery (spec §6): the transport holds two
// credential roles (tc, cups), each with a live, backup, boot, and
// in-flight temp slot across four file extensions (trust, crt, key,
// uri). A CUPS-collaborator update writes a full temp slot, then commits
// it over the live slot through a backup-then-rename sequence; a crash
// between those steps must be resumable without operator intervention.
//
// Grounded in fs.c's transactional rename pattern (reservation file +
// rename-into-place): this package represents "update written, not yet
// committed" and "backup taken, not yet promoted" as marker files on
// disk, and RollForward resumes from wherever the markers say the prior
// attempt stopped.
package config

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// CredExts are the four files that make up one credential slot.
var CredExts = [...]string{"trust", "crt", "key", "uri"}

// CredRoles are the two credential sets the transport consumes: the LNS
// ("tc") trust chain and the CUPS client's own ("cups").
var CredRoles = [...]string{"tc", "cups"}

func slotPath(dir, role, slot, ext string) string {
	name := role
	if slot != "" {
		name += "-" + slot
	}
	return filepath.Join(dir, name+"."+ext)
}

func markerPath(dir, role, marker string) string {
	return filepath.Join(dir, role+"-"+marker)
}

// updateMarker and bakDoneMarker name the two reservation files that
// record how far an in-flight credential update progressed.
const (
	updateMarker  = "temp.upd"
	bakDoneMarker = "bak.done"
)

// RollForward resumes an interrupted credential update for role, if any
// markers are present. It is idempotent and safe to call unconditionally
// at startup.
func RollForward(dir, role string) error {
	updMarker := markerPath(dir, role, updateMarker)
	bakMarker := markerPath(dir, role, bakDoneMarker)

	if _, err := os.Stat(updMarker); os.IsNotExist(err) {
		return nil // no interrupted update
	} else if err != nil {
		return errors.Wrap(err, "config: stat update marker")
	}

	if _, err := os.Stat(bakMarker); os.IsNotExist(err) {
		if err := backupLiveSlot(dir, role); err != nil {
			return errors.Wrap(err, "config: resume backup step")
		}
		if err := touch(bakMarker); err != nil {
			return err
		}
	}

	if err := promoteTempSlot(dir, role); err != nil {
		return errors.Wrap(err, "config: resume promote step")
	}
	os.Remove(updMarker)
	os.Remove(bakMarker)
	return nil
}

// BeginUpdate is called by the CUPS collaborator (or its relay) once it
// has finished writing a new temp.* credential slot: it marks the update
// as ready to commit.
func BeginUpdate(dir, role string) error {
	return touch(markerPath(dir, role, updateMarker))
}

// CommitUpdate runs the backup-then-promote sequence for role and clears
// the markers on success. Call after BeginUpdate once the temp slot is
// fully written.
func CommitUpdate(dir, role string) error {
	if err := backupLiveSlot(dir, role); err != nil {
		return err
	}
	if err := touch(markerPath(dir, role, bakDoneMarker)); err != nil {
		return err
	}
	if err := promoteTempSlot(dir, role); err != nil {
		return err
	}
	os.Remove(markerPath(dir, role, updateMarker))
	os.Remove(markerPath(dir, role, bakDoneMarker))
	return nil
}

func backupLiveSlot(dir, role string) error {
	for _, ext := range CredExts {
		live := slotPath(dir, role, "", ext)
		if _, err := os.Stat(live); os.IsNotExist(err) {
			continue // nothing to back up yet (first-ever install)
		}
		data, err := os.ReadFile(live)
		if err != nil {
			return err
		}
		if err := os.WriteFile(slotPath(dir, role, "bak", ext), data, 0o600); err != nil {
			return err
		}
	}
	return nil
}

func promoteTempSlot(dir, role string) error {
	for _, ext := range CredExts {
		temp := slotPath(dir, role, "temp", ext)
		if _, err := os.Stat(temp); os.IsNotExist(err) {
			continue
		}
		if err := os.Rename(temp, slotPath(dir, role, "", ext)); err != nil {
			return err
		}
	}
	return nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

// Watcher watches dir for new update-marker files and invokes RollForward
// as soon as a CUPS collaborator drops one in, rather than waiting for
// the next process restart to notice.
type Watcher struct {
	log *zap.Logger
	fsw *fsnotify.Watcher
	dir string
}

// NewWatcher starts watching dir's credential-set files.
func NewWatcher(log *zap.Logger, dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "config: create credential watcher")
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, errors.Wrap(err, "config: watch credential dir")
	}
	return &Watcher{log: log, fsw: fsw, dir: dir}, nil
}

// Run drains filesystem events until ctx is canceled, rolling forward
// whenever a "*-temp.upd" marker appears.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			role, ok := roleFromUpdateMarker(filepath.Base(ev.Name))
			if !ok {
				continue
			}
			if err := RollForward(w.dir, role); err != nil {
				w.log.Error("config: credential roll-forward failed", zap.String("role", role), zap.Error(err))
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config: credential watcher error", zap.Error(err))
		}
	}
}

func roleFromUpdateMarker(name string) (string, bool) {
	const suffix = "-" + updateMarker
	for _, role := range CredRoles {
		if name == role+suffix {
			return role, true
		}
	}
	return "", false
}
