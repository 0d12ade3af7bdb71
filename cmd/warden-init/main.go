// warden-init is the tiny pid-1 helper for isolated containers: it
// starts the payload, forwards termination signals, reaps every
// orphan that lands on it and exits with the payload's status.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: warden-init -- command [args...]")
		os.Exit(2)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "warden-init: %v\n", err)
		os.Exit(127)
	}
	payload := cmd.Process.Pid

	sigs := make(chan os.Signal, 16)
	signal.Notify(sigs)

	for {
		sig := <-sigs
		switch sig {
		case syscall.SIGCHLD:
			if status, done := reap(payload); done {
				os.Exit(status)
			}
		case syscall.SIGTERM, syscall.SIGINT:
			unix.Kill(payload, sig.(syscall.Signal))
		default:
			// forward everything else too; pid 1 ignores unhandled
			// signals so the payload must see them
			if s, ok := sig.(syscall.Signal); ok {
				unix.Kill(payload, s)
			}
		}
	}
}

// reap drains exited children. Returns the payload's exit status when
// it was among them.
func reap(payload int) (int, bool) {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return 0, false
		}
		if pid == payload {
			if ws.Signaled() {
				return 128 + int(ws.Signal()), true
			}
			return ws.ExitStatus(), true
		}
	}
}
