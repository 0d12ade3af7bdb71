package container

import (
	"os/user"
	"strconv"

	"github.com/cuemby/warden/pkg/errdefs"
)

// resolveCredentials maps the user/group properties onto numeric ids.
// Values may be names or numbers; empty means root (the caller is a
// privileged daemon, dropping privileges is opt-in per container).
func resolveCredentials(userProp, groupProp string) (uint32, uint32, []uint32, error) {
	if userProp == "" {
		return 0, 0, nil, nil
	}

	var u *user.User
	var err error
	if _, nerr := strconv.ParseUint(userProp, 10, 32); nerr == nil {
		u, err = user.LookupId(userProp)
	} else {
		u, err = user.Lookup(userProp)
	}
	if err != nil {
		return 0, 0, nil, errdefs.Newf(errdefs.InvalidValue, "unknown user %q: %v", userProp, err)
	}
	uid64, _ := strconv.ParseUint(u.Uid, 10, 32)
	gid64, _ := strconv.ParseUint(u.Gid, 10, 32)
	uid, gid := uint32(uid64), uint32(gid64)

	if groupProp != "" {
		var g *user.Group
		if _, nerr := strconv.ParseUint(groupProp, 10, 32); nerr == nil {
			g, err = user.LookupGroupId(groupProp)
		} else {
			g, err = user.LookupGroup(groupProp)
		}
		if err != nil {
			return 0, 0, nil, errdefs.Newf(errdefs.InvalidValue, "unknown group %q: %v", groupProp, err)
		}
		g64, _ := strconv.ParseUint(g.Gid, 10, 32)
		gid = uint32(g64)
	}

	var groups []uint32
	if ids, err := u.GroupIds(); err == nil {
		for _, id := range ids {
			if n, err := strconv.ParseUint(id, 10, 32); err == nil {
				groups = append(groups, uint32(n))
			}
		}
	}
	return uid, gid, groups, nil
}
