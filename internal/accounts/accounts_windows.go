//go:build windows

package accounts

import (
	"fmt"
	"os"
	"os/user"
)

// Windows has no privilege-drop path; tasks always run as the service
// account, so only that account may own tasks.
func processIsPrivileged() bool { return false }

// Lookup resolves an account name. Only the invoking user is supported.
func Lookup(name string) (Identity, error) {
	u, err := user.Current()
	if err != nil {
		return Identity{}, fmt.Errorf("resolve current user: %w", err)
	}
	if name != u.Username && name != os.Getenv("USERNAME") {
		return Identity{}, fmt.Errorf("account %q is not the service account", name)
	}
	return Identity{Home: u.HomeDir}, nil
}

func enumerateAccounts() ([]string, error) {
	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("resolve current user: %w", err)
	}
	return []string{u.Username}, nil
}
