//go:build unix

package accounts

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"
	"strings"
)

func processIsPrivileged() bool { return os.Geteuid() == 0 }

// Lookup resolves an account name to the numeric identity scripts run
// under, including supplementary groups.
func Lookup(name string) (Identity, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return Identity{}, fmt.Errorf("unknown account %q: %w", name, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return Identity{}, fmt.Errorf("account %q: bad uid %q", name, u.Uid)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return Identity{}, fmt.Errorf("account %q: bad gid %q", name, u.Gid)
	}
	ids := Identity{UID: uint32(uid), GID: uint32(gid), Home: u.HomeDir}
	groups, err := u.GroupIds()
	if err != nil {
		// Supplementary groups are best effort; the primary gid is
		// enough to run the script.
		return ids, nil
	}
	for _, g := range groups {
		n, err := strconv.ParseUint(g, 10, 32)
		if err != nil {
			continue
		}
		if uint32(n) == ids.GID {
			continue
		}
		ids.Groups = append(ids.Groups, uint32(n))
	}
	return ids, nil
}

func enumerateAccounts() ([]string, error) {
	passwd, err := os.Open("/etc/passwd")
	if err != nil {
		return nil, fmt.Errorf("read passwd: %w", err)
	}
	defer passwd.Close()

	members := map[string]bool{}
	if group, err := os.Open("/etc/group"); err == nil {
		members = parseGroupMembers(group, allowedGIDs)
		group.Close()
	}
	return parsePasswdAccounts(passwd, allowedGIDs, members), nil
}

// parsePasswdAccounts returns users whose primary gid is allowed or who
// appear in members (secondary membership in an allowed group).
func parsePasswdAccounts(r io.Reader, allowed map[uint32]bool, members map[string]bool) []string {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// name:passwd:uid:gid:gecos:home:shell
		fields := strings.Split(line, ":")
		if len(fields) < 7 {
			continue
		}
		name := fields[0]
		gid, err := strconv.ParseUint(fields[3], 10, 32)
		if err != nil {
			continue
		}
		shell := fields[6]
		if strings.HasSuffix(shell, "nologin") || strings.HasSuffix(shell, "false") {
			continue
		}
		if allowed[uint32(gid)] || members[name] {
			out = append(out, name)
		}
	}
	return out
}

// parseGroupMembers collects the member lists of the allowed groups.
func parseGroupMembers(r io.Reader, allowed map[uint32]bool) map[string]bool {
	out := map[string]bool{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// name:passwd:gid:member,member
		fields := strings.Split(line, ":")
		if len(fields) < 4 {
			continue
		}
		gid, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil || !allowed[uint32(gid)] {
			continue
		}
		for _, m := range strings.Split(fields[3], ",") {
			if m = strings.TrimSpace(m); m != "" {
				out[m] = true
			}
		}
	}
	return out
}
