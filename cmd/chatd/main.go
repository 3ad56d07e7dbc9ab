// Command chatd runs the chat sync engine for one session and serves it on
// the session's Unix socket.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/securechat/internal/config"
	"github.com/matheus3301/securechat/internal/daemon"
	"github.com/matheus3301/securechat/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.securechat/config.toml)")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configFlag != "" {
		cfg, err = config.Load(*configFlag)
	} else {
		cfg, err = config.LoadOrDefault(session.ConfigPath())
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
		os.Exit(1)
	}

	sessionName, err := session.Resolve(*sessionFlag, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	p := daemon.Params{SessionName: sessionName, Config: cfg}
	fx.New(daemon.Module(p)).Run()
}
