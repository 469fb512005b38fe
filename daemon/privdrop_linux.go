//go:build linux

package daemon

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// DropPrivileges resolves username/group and permanently drops root
// privileges to them (spec §4.7). It must be called after every
// privileged resource (the UART, the IPC socket bind) has already been
// opened. It only switches the real, effective and saved uid/gid; no
// Linux capability is retained, so no further privileged device can be
// opened afterwards. Supplementary groups are left unchanged.
func DropPrivileges(username, groupname string) error {
	if username == "" {
		return nil
	}

	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("looking up user %q: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("parsing uid %q: %w", u.Uid, err)
	}

	gid := -1
	if groupname != "" {
		g, err := user.LookupGroup(groupname)
		if err != nil {
			return fmt.Errorf("looking up group %q: %w", groupname, err)
		}
		gid, err = strconv.Atoi(g.Gid)
		if err != nil {
			return fmt.Errorf("parsing gid %q: %w", g.Gid, err)
		}
	} else {
		gid, err = strconv.Atoi(u.Gid)
		if err != nil {
			return fmt.Errorf("parsing primary gid %q: %w", u.Gid, err)
		}
	}

	// Group first: dropping the uid first would remove the privilege
	// needed to change the gid afterward.
	if err := unix.Setresgid(gid, gid, gid); err != nil {
		return fmt.Errorf("setresgid(%d): %w", gid, err)
	}
	if err := unix.Setresuid(uid, uid, uid); err != nil {
		return fmt.Errorf("setresuid(%d): %w", uid, err)
	}

	return nil
}
