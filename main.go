package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/cirunlabs/cirun-agent/backend"
	"github.com/cirunlabs/cirun-agent/config"
	"github.com/cirunlabs/cirun-agent/controlplane"
	"github.com/cirunlabs/cirun-agent/identity"
	"github.com/cirunlabs/cirun-agent/lifecycle"
	"github.com/cirunlabs/cirun-agent/reconcile"
	"github.com/cirunlabs/cirun-agent/template"
)

func main() {
	conf := config.Default()

	apiToken := flag.String("api-token", "", "bearer token for the control plane (required)")
	interval := flag.Int("interval", int(conf.Interval.Seconds()), "tick period in seconds")
	idFile := flag.String("id-file", conf.IDFile, "path to the persisted agent UUID")
	verbose := flag.Bool("verbose", false, "raise log level from info to debug")
	flag.Parse()

	if *apiToken == "" {
		fatalf("--api-token is required")
	}
	conf.APIToken = *apiToken
	conf.Interval = time.Duration(*interval) * time.Second
	conf.IDFile = *idFile
	conf.Verbose = *verbose
	conf.ApplyEnv()

	if conf.Verbose {
		conf.Log.Level = "debug"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := log.SetupLog(ctx, conf.Log, ""); err != nil {
		fatalf("setup log: %v", err)
	}
	logger := log.WithFunc("main")

	agent, err := identity.Load(conf.IDFile)
	if err != nil {
		fatalf("load agent identity: %v", err)
	}
	logger.Infof(ctx, "cirun-agent starting: id=%s host=%s os=%s arch=%s", agent.ID, agent.Hostname, agent.OS, agent.Arch)

	var b backend.Backend
	var lifecycleMgr *lifecycle.Manager
	if config.IsMacOSHost() {
		mb := backend.NewMacOS("")
		b = mb
		engine := template.New(mb)
		lifecycleMgr = lifecycle.New(mb, engine)
	} else {
		lb := backend.NewLinux("")
		b = lb
		lifecycleMgr = lifecycle.New(lb, nil)
	}

	cp := controlplane.New(conf.APIURL, conf.APIToken, agent.ID)
	loop := reconcile.New(cp, lifecycleMgr, b, agent, conf.Interval, nil)
	loop.Run(ctx)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
