// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Command incloader is the production entry point for the streaming block
// data loader: given a manifest of files to install and a local directory
// to act as the target filesystem, it runs the full
// create/start/prepare/[stream]/stop/destroy lifecycle and, optionally,
// serves a diagnostics status page.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/golang/glog"

	"github.com/go-incfs/dataloader/internal/loader"
	"github.com/go-incfs/dataloader/pkg/fsconnector"
	"github.com/go-incfs/dataloader/pkg/hostio"
	"github.com/go-incfs/dataloader/platform/dyconfig"
)

/*

Configuring incloader follows the same three-step pattern every blb daemon
uses:

 (1) Default config parameters are pulled from loader.DefaultConfig.
 (2) An optional configuration file (JSON) can be specified via
     -loaderCfg to override the default values.
 (3) Individual flags override whatever (1) and (2) produced.

*/

var (
	cfg = loader.DefaultConfig

	loaderFile = flag.String("loaderCfg", "", "configuration file for incloader")

	connectorDir = flag.String("connectorDir", "", "root directory for the local filesystem connector")
	manifest     = flag.String("manifest", "", "path to a JSON manifest of files to install")
	shellArgs    = flag.String("args", "", "shell command argument string the install was invoked with")
	localRoot    = flag.String("localRoot", "", "root directory ModeLocalFile paths are resolved against")
	statusAddr   = flag.String("statusAddr", "", "address to serve the diagnostics status page on")
	ledgerPath   = flag.String("ledgerPath", "", "boltdb path for the resumable install-progress ledger")
)

func init() {
	flag.Parse()

	if *loaderFile != "" {
		f, err := os.Open(*loaderFile)
		if err != nil {
			log.Fatalf("couldn't open the provided config file: %s", err)
		}
		defer f.Close()
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			log.Fatalf("failed to decode the config file: %s", err)
		}
	}

	if *ledgerPath != "" {
		cfg.LedgerPath = *ledgerPath
	}
	if *statusAddr != "" {
		cfg.StatusAddr = *statusAddr
	}
}

func main() {
	if err := cfg.Validate(); err != nil {
		log.Fatalf("failed to validate config: %v", err)
	}
	if *connectorDir == "" {
		log.Fatalf("-connectorDir is required")
	}
	if *manifest == "" {
		log.Fatalf("-manifest is required")
	}

	connector, err := fsconnector.NewLocal(*connectorDir)
	if err != nil {
		log.Fatalf("failed to create local connector: %v", err)
	}

	files, err := readManifest(*manifest)
	if err != nil {
		log.Fatalf("failed to read manifest: %v", err)
	}

	host := &fsHost{root: *localRoot}
	status := &logStatusListener{}

	l, err := loader.New(cfg, connector, status, host, nil)
	if err != nil {
		log.Fatalf("failed to construct loader: %v", err)
	}

	go dyconfig.Register("incloader-config", true, cfg, func(updated loader.Config) {
		log.Infof("incloader-config changed dynamically: %+v", updated)
	})

	if err := l.OnCreate(*shellArgs); err != nil {
		log.Fatalf("onCreate failed: %v", err)
	}
	if err := l.OnStart(); err != nil {
		log.Fatalf("onStart failed: %v", err)
	}

	if cfg.StatusAddr != "" {
		go func() {
			log.Infof("serving status page on %s", cfg.StatusAddr)
			if err := http.ListenAndServe(cfg.StatusAddr, l.StatusHandler()); err != nil {
				log.Errorf("status page server stopped: %v", err)
			}
		}()
	}

	if err := l.OnPrepareImage(files); err != nil {
		log.Fatalf("onPrepareImage failed: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Infof("stopping incloader...")
	l.OnStop()
	l.OnDestroy()
}

func readManifest(path string) ([]loader.InstalledFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var raw []struct {
		Name     string `json:"name"`
		Size     int64  `json:"size"`
		Metadata []byte `json:"metadata"`
	}
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		return nil, err
	}

	files := make([]loader.InstalledFile, len(raw))
	for i, r := range raw {
		files[i] = loader.InstalledFile{Name: r.Name, Size: r.Size, Metadata: r.Metadata}
	}
	return files, nil
}

// logStatusListener reports DATA_LOADER_UNRECOVERABLE by logging; a
// production host with its own paging/alerting would implement
// loader.StatusListener directly instead.
type logStatusListener struct{}

func (logStatusListener) ReportStatus(code loader.StatusCode) {
	log.Errorf("loader status report: %v", code)
}

// fsHost is the standalone binary's hostio.Host: shell commands always
// resolve (there is no install framework here to consult), stdin is the
// process's own stdin, and local files resolve under root.
type fsHost struct {
	root string
}

type fsHandle struct{}

func (h *fsHost) LookupShellCommand(args string) (hostio.ShellCommandHandle, error) {
	return fsHandle{}, nil
}

func (h *fsHost) GetStdIn(handle hostio.ShellCommandHandle) (*os.File, error) {
	return os.Stdin, nil
}

func (h *fsHost) GetLocalFile(handle hostio.ShellCommandHandle, path string) (*os.File, error) {
	return os.Open(h.root + string(os.PathSeparator) + path)
}
