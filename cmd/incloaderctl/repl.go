// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	log "github.com/golang/glog"
	"github.com/peterh/liner"

	"github.com/go-incfs/dataloader/internal/loader"
)

var usage = `
	incloaderctl drives the loader's streaming wire protocol by hand: it
	dials a running loader's streaming socket, performs the "OKAY"
	handshake, and lets you issue PREFETCH/BLOCK_MISSING/EXIT requests
	while printing inbound BlockHeaders as they arrive.

	Connect, then enter a shell:

		incloaderctl --sock /tmp/incloader.sock shell
	`

// incloaderRepl holds the REPL's connection state. At most one connection
// is open at a time, mirroring the loader's own "at most one streaming
// session per instance" invariant.
type incloaderRepl struct {
	app  *cli.App
	conn net.Conn
}

func newRepl() *incloaderRepl {
	r := &incloaderRepl{}
	app := cli.NewApp()
	app.Name = "incloaderctl"
	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "sock",
			Usage: "unix socket path for the loader's streaming connection",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "connect",
			Usage:  "Connect to a loader's streaming socket and perform the OKAY handshake.",
			Action: r.cmdConnect,
		},
		{
			Name:   "prefetch",
			Usage:  "Send a PREFETCH request. Usage: prefetch <fileIdx> <blockIdx>",
			Action: r.cmdPrefetch,
		},
		{
			Name:   "missing",
			Usage:  "Send a BLOCK_MISSING request. Usage: missing <fileIdx> <blockIdx>",
			Action: r.cmdMissing,
		},
		{
			Name:   "exit",
			Usage:  "Send an EXIT request.",
			Action: r.cmdExitReq,
		},
		{
			Name:   "status",
			Usage:  "Fetch and print the loader's diagnostics status page. Usage: status <statusAddr>",
			Action: r.cmdStatus,
		},
		{
			Name:   "recv",
			Usage:  "Read and print the next chunk's block headers.",
			Action: r.cmdRecv,
		},
		{
			Name:   "shell",
			Usage:  "Start an interactive shell. Type 'quit' to leave it.",
			Action: r.cmdShell,
		},
	}
	r.app = app
	return r
}

func (r *incloaderRepl) run(args []string) error {
	return r.app.Run(args)
}

func (r *incloaderRepl) stop() {
	if r.conn != nil {
		r.conn.Close()
	}
}

func (r *incloaderRepl) cmdConnect(c *cli.Context) error {
	sock := c.GlobalString("sock")
	if sock == "" {
		return fmt.Errorf("--sock is required")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return err
	}
	if _, err := conn.Write([]byte("OKAY")); err != nil {
		conn.Close()
		return err
	}
	r.conn = conn
	log.Infof("connected to %s", sock)
	return nil
}

func (r *incloaderRepl) sendRequest(requestType loader.RequestType, args []string) error {
	if r.conn == nil {
		return fmt.Errorf("not connected, run 'connect' first")
	}
	var fileIdx, blockIdx int64
	var err error
	if len(args) > 0 {
		if fileIdx, err = strconv.ParseInt(args[0], 10, 16); err != nil {
			return err
		}
	}
	if len(args) > 1 {
		if blockIdx, err = strconv.ParseInt(args[1], 10, 32); err != nil {
			return err
		}
	}
	return loader.WriteRequest(r.conn, requestType, loader.FileIdx(fileIdx), int32(blockIdx))
}

func (r *incloaderRepl) cmdPrefetch(c *cli.Context) error {
	return r.sendRequest(loader.RequestPrefetch, c.Args())
}

func (r *incloaderRepl) cmdMissing(c *cli.Context) error {
	return r.sendRequest(loader.RequestBlockMissing, c.Args())
}

func (r *incloaderRepl) cmdExitReq(c *cli.Context) error {
	return r.sendRequest(loader.RequestExit, nil)
}

// cmdStatus fetches the loader's HTML status page over HTTP and prints it
// to stdout. Unlike connect/prefetch/missing/exit/recv, it does not go
// through the streaming socket at all -- the status page is served on its
// own address (incloader's -statusAddr), so this talks plain HTTP instead
// of the wire protocol r.conn otherwise carries.
func (r *incloaderRepl) cmdStatus(c *cli.Context) error {
	args := c.Args()
	if len(args) == 0 {
		return fmt.Errorf("usage: status <statusAddr>")
	}
	addr := args[0]
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	resp, err := http.Get(addr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status page returned %s", resp.Status)
	}
	fmt.Println(string(body))
	return nil
}

func (r *incloaderRepl) cmdRecv(c *cli.Context) error {
	if r.conn == nil {
		return fmt.Errorf("not connected, run 'connect' first")
	}
	data, err := loader.ReadChunk(r.conn)
	if err != nil {
		return err
	}
	for len(data) > 0 {
		header, rest, err := loader.DecodeBlockHeader(data)
		if err != nil {
			return err
		}
		data = rest
		if header.IsSentinel() {
			fmt.Println("<sentinel>")
			break
		}
		fmt.Printf("fileIdx=%d kind=%d compression=%d blockIdx=%d size=%d\n",
			header.FileIdx, header.BlockType, header.CompressionType, header.BlockIdx, header.BlockSize)
		if len(data) < int(header.BlockSize) {
			break
		}
		data = data[header.BlockSize:]
	}
	return nil
}

func (r *incloaderRepl) cmdShell(c *cli.Context) {
	cli.OsExiter = func(int) {}

	ln := liner.NewLiner()
	ln.SetCtrlCAborts(true)
	defer ln.Close()

	ln.SetCompleter(func(line string) (out []string) {
		for _, cmd := range r.app.Commands {
			if strings.HasPrefix(cmd.Name, line) {
				out = append(out, cmd.Name)
			}
		}
		return
	})

	for {
		input, err := ln.Prompt("(incloaderctl) ")
		if err != nil {
			log.Errorf("error: %v", err)
			return
		}

		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error: %v", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "quit" && len(args) == 1 {
			return
		}

		if r.runCommand(c, args...) == nil {
			ln.AppendHistory(input)
		}
	}
}

// runCommand re-enters the app with sock carried over from the shell's own
// global flags, the same way blbCli's shell forwards --master to every
// typed command.
func (r *incloaderRepl) runCommand(c *cli.Context, args ...string) error {
	full := []string{"incloaderctl", "--sock", c.GlobalString("sock")}
	full = append(full, args...)
	return r.run(full)
}
