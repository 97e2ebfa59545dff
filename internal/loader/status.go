// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package loader

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"syscall"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	log "github.com/golang/glog"
)

const statusTemplateStr = `
<!doctype html>
<html lang="en">
<head>
  <title>incloader status</title>
  <style>
    table.status {
      border-collapse: collapse;
    }
    table.status td {
      border: 1px solid #DDD;
      text-align: left;
      padding-left: 8px;
      padding-right: 8px;
    }
    table.status th {
      border: 1px solid #DDD;
      text-align: left;
      padding: 8px;
      background-color: #009900;
      color: white;
    }
    table.status tr:nth-child(even) {background-color: #F2F2F2;}
  </style>
</head>
<body>

<h3>incloader</h3>

<table class="status">
  <tr><td>Connector:</td><td>{{.ConnectorType}}</td></tr>
  <tr><td>Streaming:</td><td>{{.Streaming}}</td></tr>
  <tr><td>Trace tag:</td><td>{{.TraceTagEnabled}}</td></tr>
  <tr><td>Free memory:</td><td>{{byteToMB .FreeMem}} / {{byteToMB .TotalMem}} MB</td></tr>
  {{if .HasDisk}}
  <tr><td>Disk free:</td><td>{{byteToMB .DiskAvail}} / {{byteToMB .DiskTotal}} MB ({{.DiskPath}})</td></tr>
  {{end}}
</table>

<br>
<table class="status">
  <caption>Pages written per file</caption>
  <tr><th>FileId</th><th>Pages</th></tr>
  {{range $k, $v := .PageCounts}}
  <tr><td>{{$k}}</td><td>{{$v}}</td></tr>
  {{end}}
</table>

<br>
See <a href="/debug/requests">/debug/requests</a> for active page-read trace spans,
or <a href="/debug/tracetag">/debug/tracetag</a> to read or flip the trace tag.

<br>
<br>
status update time: {{.Now}}
</body>
</html>
`

func byteToMB(in uint64) uint64 {
	return in / 1024 / 1024
}

var statusTemplate = template.Must(template.New("status_html").
	Funcs(template.FuncMap{"byteToMB": byteToMB}).Parse(statusTemplateStr))

// StatusData is the data rendered by the status page.
type StatusData struct {
	ConnectorType   string
	Streaming       bool
	TraceTagEnabled bool

	FreeMem  uint64
	TotalMem uint64

	HasDisk   bool
	DiskPath  string
	DiskAvail uint64
	DiskTotal uint64

	PageCounts map[string]int
	Now        time.Time
}

// diskStater is implemented by connectors backed by one local directory,
// letting the status page report free space without the loader knowing
// anything about the connector's storage layout.
type diskStater interface {
	DiskPath() string
}

// pageCounter is implemented by connectors that can report how many pages
// have been written per file, for the status page's per-file table.
type pageCounter interface {
	PageCounts() map[string]int
}

// StatusHandler returns an http.Handler serving the loader's diagnostics
// page (modeled line-for-line on internal/tractserver/status.go) plus the
// golang.org/x/net/trace debug endpoints the page links to and a
// /debug/tracetag toggle for the trace-tag state the observer samples.
func (l *Loader) StatusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handleStatus)
	mux.HandleFunc("/debug/tracetag", l.handleTraceTag)
	mux.Handle("/debug/requests", http.DefaultServeMux)
	mux.Handle("/debug/events", http.DefaultServeMux)
	return mux
}

// handleTraceTag reports the current trace tag state and, on POST, flips
// it -- the one concrete caller of SetTraceTagEnabled outside of tests.
func (l *Loader) handleTraceTag(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		SetTraceTagEnabled(r.URL.Query().Get("enabled") == "true")
	}
	fmt.Fprintf(w, "trace tag enabled: %v\n", TraceTagEnabled())
}

func (l *Loader) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "" {
		http.NotFound(w, r)
		return
	}

	mem := sigar.Mem{}
	if err := mem.Get(); err != nil {
		log.Errorf("failed to get memory info: %v", err)
	}

	data := StatusData{
		ConnectorType:   fmt.Sprintf("%T", l.connector),
		Streaming:       l.stream != nil,
		TraceTagEnabled: TraceTagEnabled(),
		FreeMem:         mem.ActualFree,
		TotalMem:        mem.Total,
		Now:             time.Now(),
	}

	if ds, ok := l.connector.(diskStater); ok {
		var stat syscall.Statfs_t
		if err := syscall.Statfs(ds.DiskPath(), &stat); err != nil {
			log.Errorf("failed to statfs %s: %v", ds.DiskPath(), err)
		} else {
			data.HasDisk = true
			data.DiskPath = ds.DiskPath()
			data.DiskAvail = uint64(stat.Bsize) * stat.Bavail
			data.DiskTotal = uint64(stat.Bsize) * stat.Blocks
		}
	}

	if pc, ok := l.connector.(pageCounter); ok {
		data.PageCounts = pc.PageCounts()
	}

	var b bytes.Buffer
	if err := statusTemplate.Execute(&b, data); err != nil {
		log.Errorf("failed to render status page: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.Write(b.Bytes())
}
