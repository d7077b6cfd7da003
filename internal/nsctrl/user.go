package nsctrl

import (
	"fmt"
	"os/user"
	"strconv"
)

func lookupUID(uid int) (int, int, error) {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return 0, 0, fmt.Errorf("nsctrl: lookup uid %d: %w", uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("nsctrl: parse gid for uid %d: %w", uid, err)
	}
	return uid, gid, nil
}

func lookupName(name string) (int, int, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, 0, fmt.Errorf("nsctrl: lookup user %q: %w", name, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("nsctrl: parse uid for %q: %w", name, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("nsctrl: parse gid for %q: %w", name, err)
	}
	return uid, gid, nil
}
