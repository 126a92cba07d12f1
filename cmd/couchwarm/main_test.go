package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"couchwarm/internal/domain"
	"couchwarm/internal/history"
)

func TestRunFlags(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantOut  string
		wantErr  string
	}{
		{"version", []string{"--version"}, 0, version, ""},
		{"help", []string{"--help"}, 0, "Usage: couchwarm", ""},
		{"unknown flag", []string{"--nope"}, 2, "", "Usage: couchwarm"},
		{"bad max active", []string{"--max-active-tasks", "lots", "mydb"}, 2, "", "--max-active-tasks must be a non-negative number"},
		{"negative max active", []string{"--max-active-tasks=-3", "mydb"}, 2, "", "--max-active-tasks"},
		{"zero max active", []string{"--max-active-tasks", "0", "mydb"}, 2, "", "Error:"},
		{"missing url", nil, 2, "", "Usage: couchwarm"},
		{"two urls", []string{"a_db", "b_db"}, 2, "", "expected one database url"},
		{"bad filter", []string{"--filter", "(", "mydb"}, 2, "", "Error:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("COUCHWARM_URL", "")
			var stdout, stderr bytes.Buffer
			code := run(tt.args, &stdout, &stderr)
			if code != tt.wantCode {
				t.Fatalf("exit = %d, want %d (stdout %q, stderr %q)", code, tt.wantCode, stdout.String(), stderr.String())
			}
			if tt.wantOut != "" && !strings.Contains(stdout.String(), tt.wantOut) {
				t.Fatalf("stdout = %q, want it to contain %q", stdout.String(), tt.wantOut)
			}
			if tt.wantErr != "" && !strings.Contains(stderr.String(), tt.wantErr) {
				t.Fatalf("stderr = %q, want it to contain %q", stderr.String(), tt.wantErr)
			}
		})
	}
}

func TestParseInterspersed(t *testing.T) {
	tests := []struct {
		args       []string
		wantPos    []string
		wantFilter string
	}{
		{[]string{"mydb", "--filter", "^app"}, []string{"mydb"}, "^app"},
		{[]string{"--filter", "^app", "mydb"}, []string{"mydb"}, "^app"},
		{[]string{"--filter", "^app", "--", "mydb", "--filter", "x"}, []string{"mydb", "--filter", "x"}, "^app"},
		{[]string{"mydb", "--", "--version"}, []string{"mydb", "--version"}, ""},
	}
	for _, tt := range tests {
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		filter := fs.String("filter", "", "")
		fs.Bool("version", false, "")

		got, err := parseInterspersed(fs, tt.args)
		if err != nil {
			t.Fatalf("parseInterspersed(%q) error = %v", tt.args, err)
		}
		if !reflect.DeepEqual(got, tt.wantPos) {
			t.Fatalf("parseInterspersed(%q) = %q, want %q", tt.args, got, tt.wantPos)
		}
		if *filter != tt.wantFilter {
			t.Fatalf("parseInterspersed(%q) filter = %q, want %q", tt.args, *filter, tt.wantFilter)
		}
	}
}

// fakeCouch serves one database with two design documents. Each view
// shows up in _active_tasks on the poll after it was queried.
type fakeCouch struct {
	mu      sync.Mutex
	queried []string
	pending []string
	failAll bool
}

func (f *fakeCouch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/mydb/_all_docs":
		if f.failAll {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized","reason":"Name or password is incorrect."}`))
			return
		}
		w.Write([]byte(`{"rows":[
			{"id":"_design/app","doc":{"_id":"_design/app","views":{"by_id":{"map":"function(doc){}"}}}},
			{"id":"_design/reports","doc":{"_id":"_design/reports","views":{"daily":{"map":"function(doc){}"}}}}
		]}`))
	case r.URL.Path == "/_active_tasks":
		f.mu.Lock()
		var b strings.Builder
		b.WriteString("[")
		for i, ddoc := range f.pending {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(`{"type":"indexer","database":"mydb","design_document":"_design/` + ddoc + `"}`)
		}
		b.WriteString("]")
		f.pending = nil
		f.mu.Unlock()
		w.Write([]byte(b.String()))
	case strings.HasPrefix(r.URL.Path, "/mydb/_design/"):
		ddoc := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/mydb/_design/"), "/", 2)[0]
		f.mu.Lock()
		f.queried = append(f.queried, ddoc)
		f.pending = append(f.pending, ddoc)
		f.mu.Unlock()
		w.Write([]byte(`{"total_rows":0,"offset":0,"rows":[]}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not_found","reason":"missing"}`))
	}
}

func TestRunIndexesAllViews(t *testing.T) {
	t.Setenv("COUCHWARM_URL", "")
	couch := &fakeCouch{}
	srv := httptest.NewServer(couch)
	defer srv.Close()

	dbPath := filepath.Join(t.TempDir(), "history.db")
	var stdout, stderr bytes.Buffer
	code := run([]string{srv.URL + "/mydb", "--max-active-tasks", "1", "--poll-interval", "1ms", "--history", dbPath}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit = %d, stdout %q, stderr %q", code, stdout.String(), stderr.String())
	}
	if want := "All views indexed for database: " + srv.URL + "/mydb"; !strings.Contains(stdout.String(), want) {
		t.Fatalf("stdout = %q, want %q", stdout.String(), want)
	}

	couch.mu.Lock()
	queried := append([]string(nil), couch.queried...)
	couch.mu.Unlock()
	if strings.Join(queried, ",") != "app,reports" {
		t.Fatalf("queried = %v, want [app reports]", queried)
	}

	db, err := history.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store := history.NewStore(db)
	runs, err := store.ListRecentRuns(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].State != domain.RunSucceeded || runs[0].TaskCount != 2 || runs[0].Database != "mydb" {
		t.Fatalf("runs = %+v", runs)
	}
	tasks, err := store.ListRunTasks(context.Background(), runs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks = %+v", tasks)
	}
	for _, task := range tasks {
		if task.DispatchedAt == nil || task.CompletedAt == nil {
			t.Fatalf("task %s not completed: %+v", task.DesignDoc, task)
		}
	}
}

func TestRunReportsCouchErrors(t *testing.T) {
	t.Setenv("COUCHWARM_URL", "")
	srv := httptest.NewServer(&fakeCouch{failAll: true})
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	code := run([]string{"--poll-interval", "1ms", srv.URL + "/mydb"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	if !strings.HasPrefix(stdout.String(), "Error: ") || !strings.Contains(stdout.String(), "unauthorized") {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunExpandsShortURL(t *testing.T) {
	t.Setenv("COUCHWARM_URL", "")
	var stdout, stderr bytes.Buffer
	// Port 1 refuses connections, so the run fails after the url is expanded.
	run([]string{":1/mydb"}, &stdout, &stderr)
	want := "Inferring parts of database URL not supplied: :1/mydb -> http://127.0.0.1:1/mydb"
	if !strings.Contains(stdout.String(), want) {
		t.Fatalf("stdout = %q, want %q", stdout.String(), want)
	}
}
