//go:build unix

package runner

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/fnlabs/fn-scheduler/internal/accounts"
)

func shellCommand(script string) *exec.Cmd {
	cmd := exec.Command("bash", "-c", script)
	// Own process group so terminate/kill reaches the whole pipeline,
	// not just bash.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// applyAccount drops privileges to the target account when running as
// root. An unprivileged process can only run as itself; the store
// validates that at write time, so a mismatch here is a hard error.
func applyAccount(cmd *exec.Cmd, account string, env *[]string) error {
	ids, err := accounts.Lookup(account)
	if err != nil {
		return err
	}
	if ids.Home != "" {
		setEnv(env, "HOME", ids.Home)
	}
	if os.Geteuid() != 0 {
		current, err := accounts.Lookup(currentUsername())
		if err == nil && current.UID != ids.UID {
			return fmt.Errorf("cannot run as %q without privileges", account)
		}
		return nil
	}
	cred, err := rootCredential(account, ids)
	if err != nil {
		return err
	}
	cmd.SysProcAttr.Credential = cred
	return nil
}

// rootCredential builds the child credential for a privilege drop. Group
// membership is re-checked here, not just at task write time; an account
// pulled out of its login group must stop executing immediately.
func rootCredential(account string, ids accounts.Identity) (*syscall.Credential, error) {
	if !accounts.GroupAllowed(ids) {
		return nil, fmt.Errorf("account %q is no longer in an allowed login group", account)
	}
	return &syscall.Credential{
		Uid:    ids.UID,
		Gid:    ids.GID,
		Groups: ids.Groups,
	}, nil
}

func currentUsername() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return os.Getenv("USERNAME")
}

func setEnv(env *[]string, key, value string) {
	prefix := key + "="
	for i, kv := range *env {
		if strings.HasPrefix(kv, prefix) {
			(*env)[i] = prefix + value
			return
		}
	}
	*env = append(*env, prefix+value)
}

func terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

func kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
