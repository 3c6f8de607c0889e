// Package snapshot manages an LVM snapshot of the volume backing the MySQL
// data directory, shelling out to lvcreate/lvremove/lvdisplay.
package snapshot

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"sfReplicaBackup/internal/config"
	"sfReplicaBackup/internal/logger"
)

// Snapshot manages one LVM snapshot volume.
type Snapshot struct {
	vg     string
	lv     string
	name   string
	sizeGB int
	lg     *logger.Logger
}

func New(cfg config.Snapshot, lg *logger.Logger) *Snapshot {
	sizeGB := 10
	if cfg.SizeGB != nil {
		sizeGB = *cfg.SizeGB
	}
	return &Snapshot{vg: cfg.VG, lv: cfg.LV, name: cfg.Name, sizeGB: sizeGB, lg: lg}
}

func (s *Snapshot) devicePath() string {
	return "/dev/" + s.vg + "/" + s.name
}

func (s *Snapshot) String() string {
	return "/" + s.vg + "/" + s.lv + "/" + s.name + " snapshot instance"
}

// exists reports whether the snapshot device node is present. When
// checkMounted is true it additionally consults lvdisplay's "open count"
// field (column 6 of the `:`-delimited -c output) and only reports true when
// the volume is actually mounted/open.
func (s *Snapshot) exists(checkMounted bool) (bool, error) {
	if _, err := os.Lstat(s.devicePath()); err != nil {
		return false, nil
	}
	if !checkMounted {
		return true, nil
	}

	out, err := exec.Command("/sbin/lvdisplay", "-c", s.devicePath()).Output()
	if err != nil {
		return false, fmt.Errorf("snapshot: lvdisplay: %w", err)
	}
	fields := strings.Split(strings.TrimSpace(string(out)), ":")
	if len(fields) < 6 {
		return false, fmt.Errorf("snapshot: unexpected lvdisplay -c output: %q", out)
	}
	openCount, err := strconv.Atoi(strings.TrimSpace(fields[5]))
	if err != nil {
		return false, fmt.Errorf("snapshot: parsing lvdisplay open count: %w", err)
	}
	return openCount > 0, nil
}

// Ensure creates the snapshot if it does not already exist.
func (s *Snapshot) Ensure(ctx context.Context) error {
	present, err := s.exists(false)
	if err != nil {
		return err
	}
	if present {
		return nil
	}

	args := []string{"--snapshot", "-L", strconv.Itoa(s.sizeGB) + "G", "--name", s.name, "/dev/" + s.vg + "/" + s.lv}
	s.lg.Info("snapshot does not exist, creating it", logger.String("cmd", "lvcreate "+strings.Join(args, " ")))

	cmd := exec.CommandContext(ctx, "/sbin/lvcreate", args...)
	if err := cmd.Run(); err != nil {
		s.lg.Warn("lvcreate reported an error, verifying snapshot state", logger.Error(err))
	}

	present, err = s.exists(false)
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("snapshot: failed to create snapshot %s at /dev/%s/%s of size %dG", s.name, s.vg, s.lv, s.sizeGB)
	}
	return nil
}

// Delete removes the snapshot. It refuses to delete a mounted snapshot and
// errors if the snapshot does not exist at all.
func (s *Snapshot) Delete(ctx context.Context) error {
	mounted, err := s.exists(true)
	if err != nil {
		return err
	}
	if mounted {
		return fmt.Errorf("snapshot: failed to delete snapshot, it is currently mounted")
	}

	present, err := s.exists(false)
	if err != nil {
		return err
	}
	if !present {
		msg := "failed to delete snapshot, it does not exist"
		s.lg.Error(msg)
		return fmt.Errorf("snapshot: %s", msg)
	}

	s.lg.Info("removing snapshot")
	cmd := exec.CommandContext(ctx, "/sbin/lvremove", "-f", s.devicePath())
	if err := cmd.Run(); err != nil {
		s.lg.Warn("lvremove reported an error, verifying snapshot state", logger.Error(err))
	}

	present, err = s.exists(false)
	if err != nil {
		return err
	}
	if present {
		msg := "failed to delete the snapshot"
		s.lg.Error(msg)
		return fmt.Errorf("snapshot: %s", msg)
	}
	return nil
}

// Refresh deletes and recreates the snapshot unless it is currently mounted,
// in which case it is left alone. It always verifies the snapshot exists
// before returning.
func (s *Snapshot) Refresh(ctx context.Context) error {
	s.lg.Info("refreshing snapshot")

	mounted, err := s.exists(true)
	if err != nil {
		return err
	}
	if !mounted {
		present, err := s.exists(false)
		if err != nil {
			return err
		}
		if present {
			if err := s.Delete(ctx); err != nil {
				return err
			}
		}
		if err := s.Ensure(ctx); err != nil {
			return err
		}
	} else {
		s.lg.Info("snapshot was mounted, not refreshing it")
	}

	present, err := s.exists(false)
	if err != nil {
		return err
	}
	if !present {
		msg := "snapshot still does not exist, something went bad"
		s.lg.Error(msg)
		return fmt.Errorf("snapshot: %s", msg)
	}
	s.lg.Info("snapshot verified to exist")
	return nil
}
