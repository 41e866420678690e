// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package manager serves the state of a running fuzzing session over HTTP.
package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	_ "net/http/pprof"
	"regexp"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Ollrogge/hoedur/pkg/fuzzer"
	"github.com/Ollrogge/hoedur/pkg/fwconfig"
	"github.com/Ollrogge/hoedur/pkg/log"
	"github.com/Ollrogge/hoedur/pkg/stat"
	"github.com/Ollrogge/hoedur/pkg/triage"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HTTPServer struct {
	// To be set before calling Serve.
	Cfg        *fwconfig.Config
	StartTime  time.Time
	CrashStore *triage.CrashStore

	// Can be set dynamically after calling Serve.
	Fuzzer atomic.Pointer[fuzzer.Fuzzer]
}

func (serv *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, handler func(http.ResponseWriter, *http.Request)) {
		mux.Handle(pattern, handlers.CompressHandler(http.HandlerFunc(handler)))
	}
	// keep-sorted start
	handle("/", serv.httpMain)
	handle("/config", serv.httpConfig)
	handle("/corpus", serv.httpCorpus)
	handle("/input", serv.httpInput)
	handle("/metrics", promhttp.HandlerFor(stat.Gatherer(), promhttp.HandlerOpts{}).ServeHTTP)
	handle("/stats", serv.httpStats)
	handle("/workers", serv.httpWorkers)
	// keep-sorted end
	if serv.CrashStore != nil {
		handle("/crash", serv.httpCrash)
		handle("/crashes", serv.httpCrashes)
	}
	// Profiles are registered by net/http/pprof on the default mux.
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	// Browsers like to request this, without special handler this goes to / handler.
	handle("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {})
	return mux
}

func (serv *HTTPServer) Serve(ctx context.Context) error {
	if serv.Cfg.HTTP == "" {
		return fmt.Errorf("starting a disabled HTTP server")
	}
	log.Logf(0, "serving http on http://%v", serv.Cfg.HTTP)
	server := &http.Server{Addr: serv.Cfg.HTTP, Handler: serv.Handler()}
	go func() {
		// The http server package unfortunately does not natively take a context.Context.
		// Let's emulate it via server.Shutdown()
		<-ctx.Done()
		server.Close()
	}()

	err := server.ListenAndServe()
	if err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (serv *HTTPServer) httpMain(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	data := &UISummaryData{
		Name:   serv.Cfg.Name,
		Uptime: time.Since(serv.StartTime).Truncate(time.Second),
		Log:    log.CachedLogOutput(),
	}
	for _, stat := range stat.Collect(stat.Simple) {
		data.Stats = append(data.Stats, UIStat{
			Name:  stat.Name,
			Value: stat.Value,
			Hint:  stat.Desc,
		})
	}
	if serv.CrashStore != nil {
		bugs, err := serv.CrashStore.BugList()
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to collect crashes: %v", err), http.StatusInternalServerError)
			return
		}
		for _, bug := range bugs {
			data.Crashes = append(data.Crashes, UICrashType{
				ID:       bug.ID,
				Title:    bug.Title,
				Count:    len(bug.Crashes),
				Last:     bug.LastTime,
				ReproLen: bug.ReproLen,
			})
		}
	}
	executeTemplate(w, mainTemplate, data)
}

func (serv *HTTPServer) httpConfig(w http.ResponseWriter, r *http.Request) {
	serv.jsonPage(w, serv.Cfg)
}

func (serv *HTTPServer) httpStats(w http.ResponseWriter, r *http.Request) {
	serv.jsonPage(w, stat.Collect(stat.All))
}

func (serv *HTTPServer) httpCorpus(w http.ResponseWriter, r *http.Request) {
	fuzzerObj := serv.Fuzzer.Load()
	if fuzzerObj == nil {
		http.Error(w, "the corpus information is not yet available", http.StatusInternalServerError)
		return
	}
	serv.jsonPage(w, fuzzerObj.Corpus.Info())
}

func (serv *HTTPServer) httpInput(w http.ResponseWriter, r *http.Request) {
	fuzzerObj := serv.Fuzzer.Load()
	if fuzzerObj == nil {
		http.Error(w, "the corpus information is not yet available", http.StatusInternalServerError)
		return
	}
	id, err := strconv.Atoi(r.FormValue("id"))
	if err != nil {
		http.Error(w, "invalid seed id", http.StatusBadRequest)
		return
	}
	seed := fuzzerObj.Corpus.Seed(id)
	if seed == nil {
		http.Error(w, "can't find the input", http.StatusNotFound)
		return
	}
	if r.FormValue("raw") != "" {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(seed.Input.Serialize())
		return
	}
	serv.jsonPage(w, UIInput{
		ID:       seed.ID,
		Sig:      seed.Sig,
		Short:    seed.Input.String(),
		Cover:    len(seed.Signal),
		Delta:    len(seed.Delta),
		Lineage:  fuzzerObj.Corpus.Lineage(seed.ID),
		ExecTime: seed.ExecTime,
		Found:    seed.Found,
	})
}

func (serv *HTTPServer) httpWorkers(w http.ResponseWriter, r *http.Request) {
	fuzzerObj := serv.Fuzzer.Load()
	if fuzzerObj == nil {
		http.Error(w, "fuzzing has not started yet", http.StatusInternalServerError)
		return
	}
	var workers []UIWorkerInfo
	for id, info := range fuzzerObj.Workers() {
		workers = append(workers, UIWorkerInfo{
			Name:     fmt.Sprintf("#%d", id),
			State:    info.State.String(),
			Status:   info.Status,
			Restarts: info.Restarts,
			Since:    time.Since(info.LastUpdate).Truncate(time.Millisecond),
		})
	}
	serv.jsonPage(w, workers)
}

var crashIDRe = regexp.MustCompile(`^\w+$`)

func (serv *HTTPServer) httpCrash(w http.ResponseWriter, r *http.Request) {
	crashID := r.FormValue("id")
	if !crashIDRe.MatchString(crashID) {
		http.Error(w, "invalid crash ID", http.StatusBadRequest)
		return
	}
	info, err := serv.CrashStore.BugInfo(crashID, true)
	if err != nil {
		http.Error(w, "failed to read crash info", http.StatusInternalServerError)
		return
	}
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "%v\n\nfirst: %v\nlast: %v\n",
		info.Title, info.FirstTime.Format(time.DateTime), info.LastTime.Format(time.DateTime))
	if info.Repro != "" {
		fmt.Fprintf(buf, "reproducer: %v (%v events)\n", info.Repro, info.ReproLen)
	}
	for _, crash := range info.Crashes {
		fmt.Fprintf(buf, "\n=== log%v %v ===\n%s", crash.Index, crash.Time.Format(time.DateTime), crash.Report)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(buf.Bytes())
}

func (serv *HTTPServer) httpCrashes(w http.ResponseWriter, r *http.Request) {
	bugs, err := serv.CrashStore.BugList()
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to collect crashes: %v", err), http.StatusInternalServerError)
		return
	}
	serv.jsonPage(w, bugs)
}

func (serv *HTTPServer) jsonPage(w http.ResponseWriter, data any) {
	text, err := json.MarshalIndent(data, "", "\t")
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to encode json: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(text)
}

func executeTemplate(w http.ResponseWriter, templ *template.Template, data interface{}) {
	buf := new(bytes.Buffer)
	if err := templ.Execute(buf, data); err != nil {
		log.Logf(0, "failed to execute template: %v", err)
		http.Error(w, fmt.Sprintf("failed to execute template: %v", err), http.StatusInternalServerError)
		return
	}
	w.Write(buf.Bytes())
}

type UISummaryData struct {
	Name    string
	Uptime  time.Duration
	Stats   []UIStat
	Crashes []UICrashType
	Log     string
}

type UIStat struct {
	Name  string
	Value string
	Hint  string
}

type UICrashType struct {
	ID       string
	Title    string
	Count    int
	Last     time.Time
	ReproLen int
}

type UIInput struct {
	ID       int           `json:"id"`
	Sig      string        `json:"sig"`
	Short    string        `json:"short"`
	Cover    int           `json:"cover"`
	Delta    int           `json:"delta"`
	Lineage  []int         `json:"lineage"`
	ExecTime time.Duration `json:"exec_time"`
	Found    time.Time     `json:"found"`
}

type UIWorkerInfo struct {
	Name     string        `json:"name"`
	State    string        `json:"state"`
	Status   string        `json:"status"`
	Restarts int           `json:"restarts"`
	Since    time.Duration `json:"since"`
}

var mainTemplate = template.Must(template.New("main").Parse(`<!doctype html>
<html>
<head>
	<title>{{.Name}} hoedur</title>
</head>
<body>
<h1>{{.Name}}</h1>
<p>uptime: {{.Uptime}} |
	<a href="/corpus">corpus</a> |
	<a href="/workers">workers</a> |
	<a href="/stats">stats</a> |
	<a href="/config">config</a> |
	<a href="/metrics">metrics</a></p>
<table>
	<caption>Stats</caption>
	{{range $s := $.Stats}}
	<tr>
		<td title="{{$s.Hint}}">{{$s.Name}}</td>
		<td>{{$s.Value}}</td>
	</tr>
	{{end}}
</table>
<table>
	<caption>Crashes</caption>
	<tr>
		<th>Description</th>
		<th>Count</th>
		<th>Last time</th>
		<th>Repro length</th>
	</tr>
	{{range $c := $.Crashes}}
	<tr>
		<td><a href="/crash?id={{$c.ID}}">{{$c.Title}}</a></td>
		<td>{{$c.Count}}</td>
		<td>{{$c.Last.Format "2006/01/02 15:04"}}</td>
		<td>{{if $c.ReproLen}}{{$c.ReproLen}}{{end}}</td>
	</tr>
	{{end}}
</table>
<h2>Log</h2>
<pre>{{.Log}}</pre>
</body>
</html>
`))
