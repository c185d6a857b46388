/*
This command provides the executable reverse proxy.

For the list of command line options, run:

	granite -help

The static configuration file is documented in the config package; the
routing table and certificate bindings are managed at runtime through the
admin API.
*/
package main

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/mdevuyst/granite"
	"github.com/mdevuyst/granite/config"
)

const daemonEnv = "GRANITE_DAEMONIZED"

func main() {
	cfg := config.NewConfig()
	if err := cfg.Parse(); err != nil {
		fmt.Fprintf(os.Stderr, "Error processing config: %s\n", err)
		os.Exit(1)
	}

	if cfg.TestOnly {
		fmt.Println("configuration OK")
		return
	}

	if cfg.Daemon && os.Getenv(daemonEnv) == "" {
		if err := daemonize(); err != nil {
			fmt.Fprintf(os.Stderr, "Error daemonizing: %s\n", err)
			os.Exit(1)
		}
		return
	}

	if err := granite.Run(cfg); err != nil {
		log.Fatal(err)
	}
}

// daemonize re-executes the process detached from the controlling
// terminal. The child signals readiness implicitly by binding its sockets;
// the parent exits immediately.
func daemonize() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd.Start()
}
