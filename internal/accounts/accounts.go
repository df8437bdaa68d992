// Package accounts resolves which OS accounts may own tasks. When the
// scheduler runs as root any account in an allowed login group may be
// used; otherwise tasks are restricted to the invoking user.
package accounts

import (
	"fmt"
	"os"
	"os/user"
	"sort"
	"strings"
)

// Allowed primary/secondary group ids for task ownership when running
// privileged. Covers the superuser group plus the default first-user
// login groups on most distributions.
var allowedGIDs = map[uint32]bool{0: true, 1000: true, 1001: true}

// Service answers account questions against the host user database.
type Service struct {
	current    string
	privileged bool
}

// New captures the invoking user. The default account can be overridden
// with SCHEDULER_DEFAULT_ACCOUNT, then USERNAME/USER, before falling back
// to the process owner.
func New() (*Service, error) {
	name := strings.TrimSpace(os.Getenv("SCHEDULER_DEFAULT_ACCOUNT"))
	if name == "" {
		name = strings.TrimSpace(os.Getenv("USERNAME"))
	}
	if name == "" {
		name = strings.TrimSpace(os.Getenv("USER"))
	}
	if name == "" {
		u, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("resolve current user: %w", err)
		}
		name = u.Username
	}
	return &Service{current: name, privileged: processIsPrivileged()}, nil
}

// Current returns the default account for new tasks.
func (s *Service) Current() string { return s.current }

// Privileged reports whether the process can execute tasks under other
// accounts.
func (s *Service) Privileged() bool { return s.privileged }

// Validate normalizes an account name and checks that the process is able
// to run scripts under it. Satisfies store.AccountValidator.
func (s *Service) Validate(account string) (string, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return "", fmt.Errorf("account name is empty")
	}
	if !s.privileged {
		if account != s.current {
			return "", fmt.Errorf("running unprivileged; only %q may own tasks", s.current)
		}
		return account, nil
	}
	ids, err := Lookup(account)
	if err != nil {
		return "", err
	}
	if !GroupAllowed(ids) {
		return "", fmt.Errorf("account %q is not in an allowed login group", account)
	}
	return account, nil
}

// List returns the account names selectable in the UI, sorted. An
// unprivileged process only offers its own user.
func (s *Service) List() ([]string, error) {
	if !s.privileged {
		return []string{s.current}, nil
	}
	names, err := enumerateAccounts()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{s.current: true}
	out := []string{s.current}
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// GroupAllowed reports whether the identity sits in an allowed login
// group, primary or supplementary. Callers that drop privileges re-check
// this at execution time; membership can change after a task is written.
func GroupAllowed(ids Identity) bool {
	if allowedGIDs[ids.GID] {
		return true
	}
	for _, g := range ids.Groups {
		if allowedGIDs[g] {
			return true
		}
	}
	return false
}

// Identity is the numeric identity a task runs under.
type Identity struct {
	UID    uint32
	GID    uint32
	Groups []uint32
	Home   string
}
