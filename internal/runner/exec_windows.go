//go:build windows

package runner

import (
	"os/exec"

	"github.com/fnlabs/fn-scheduler/internal/accounts"
)

func shellCommand(script string) *exec.Cmd {
	return exec.Command("powershell",
		"-NoLogo", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-NoProfile",
		"-Command", script)
}

// applyAccount validates the account on Windows; there is no privilege
// drop, tasks always run as the service account.
func applyAccount(cmd *exec.Cmd, account string, env *[]string) error {
	_, err := accounts.Lookup(account)
	return err
}

func terminate(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}

func kill(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}
