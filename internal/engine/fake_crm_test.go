package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nucleus/sync-core/internal/bulk"
	"github.com/nucleus/sync-core/internal/connector/crm"
	"github.com/nucleus/sync-core/internal/stage"
	"github.com/nucleus/sync-core/internal/strategy"
	"github.com/nucleus/sync-core/internal/warehouse"
)

const dataPrefix = "/services/data/v59.0"

// fakeCRM serves the REST and bulk query endpoints a sync touches.
type fakeCRM struct {
	mu sync.Mutex

	describeStatus int
	count          int64
	countStatus    int
	directPages    [][]map[string]any
	jobStates      []string
	resultPages    []string
	failResultPage int

	countQueries []string
	jobQueries   []string
	statusPolls  int
	resultFetch  int
	deleted      []string
	directFetch  int
}

func accountDescribe() map[string]any {
	return map[string]any{
		"name": "Account",
		"fields": []map[string]any{
			{"name": "Id", "type": "id", "length": 18},
			{"name": "Name", "type": "string", "length": 80},
			{"name": "LastModifiedDate", "type": "datetime"},
		},
	}
}

func (f *fakeCRM) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(dataPrefix+"/sobjects/Account/describe", func(w http.ResponseWriter, r *http.Request) {
		if f.describeStatus != 0 {
			w.WriteHeader(f.describeStatus)
			return
		}
		json.NewEncoder(w).Encode(accountDescribe())
	})
	mux.HandleFunc(dataPrefix+"/query", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.countQueries = append(f.countQueries, r.URL.Query().Get("q"))
		f.mu.Unlock()
		if f.countStatus != 0 {
			w.WriteHeader(f.countStatus)
			return
		}
		fmt.Fprintf(w, `{"totalSize":%d,"done":true,"records":[]}`, f.count)
	})
	mux.HandleFunc(dataPrefix+"/queryAll", func(w http.ResponseWriter, r *http.Request) {
		f.serveDirectPage(w, 0)
	})
	mux.HandleFunc(dataPrefix+"/query/", func(w http.ResponseWriter, r *http.Request) {
		var page int
		fmt.Sscanf(strings.TrimPrefix(r.URL.Path, dataPrefix+"/query/next-"), "%d", &page)
		f.serveDirectPage(w, page)
	})
	mux.HandleFunc(dataPrefix+"/jobs/query", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.jobQueries = append(f.jobQueries, body["query"])
		f.mu.Unlock()
		w.Write([]byte(`{"id":"750J","operation":"queryAll","object":"Account","state":"UploadComplete"}`))
	})
	mux.HandleFunc(dataPrefix+"/jobs/query/750J", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.Method == http.MethodDelete {
			f.deleted = append(f.deleted, "750J")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		state := "JobComplete"
		if f.statusPolls < len(f.jobStates) {
			state = f.jobStates[f.statusPolls]
		}
		f.statusPolls++
		fmt.Fprintf(w, `{"id":"750J","state":%q}`, state)
	})
	mux.HandleFunc(dataPrefix+"/jobs/query/750J/results", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.resultFetch++
		f.mu.Unlock()
		page := 0
		if loc := r.URL.Query().Get("locator"); loc != "" {
			fmt.Sscanf(loc, "loc%d", &page)
		}
		if f.failResultPage == page+1 {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `[{"errorCode":"INVALID_LOCATOR"}]`)
			return
		}
		next := "null"
		if page+1 < len(f.resultPages) {
			next = fmt.Sprintf("loc%d", page+1)
		}
		w.Header().Set(bulk.LocatorHeader, next)
		io.WriteString(w, f.resultPages[page])
	})
	return mux
}

func (f *fakeCRM) serveDirectPage(w http.ResponseWriter, page int) {
	f.mu.Lock()
	f.directFetch++
	f.mu.Unlock()
	body := map[string]any{
		"totalSize": 0,
		"done":      page+1 >= len(f.directPages),
		"records":   f.directPages[page],
	}
	if page+1 < len(f.directPages) {
		body["nextRecordsUrl"] = fmt.Sprintf("%s/query/next-%d", dataPrefix, page+1)
	}
	json.NewEncoder(w).Encode(body)
}

func directRecords(n int, prefix string) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{
			"attributes":       map[string]any{"type": "Account"},
			"Id":               fmt.Sprintf("%s%05d", prefix, i),
			"Name":             fmt.Sprintf("Account %d", i),
			"LastModifiedDate": "2024-02-01T00:00:00.000+0000",
		}
	}
	return out
}

func csvPage(ids ...string) string {
	var b strings.Builder
	b.WriteString("\"Id\",\"Name\",\"LastModifiedDate\"\n")
	for _, id := range ids {
		fmt.Fprintf(&b, "\"%s\",\"name-%s\",\"2024-02-01T00:00:00.000Z\"\n", id, id)
	}
	return b.String()
}

type harness struct {
	crm    *fakeCRM
	wh     *warehouse.Memory
	store  *stage.LocalStore
	engine *Engine
}

func newHarness(t *testing.T, f *fakeCRM) *harness {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	api, err := crm.NewClient(crm.Config{InstanceURL: srv.URL, AccessToken: "tok", RateLimit: 1000, MaxRetries: 1})
	require.NoError(t, err)
	wh := warehouse.NewMemory()
	store := stage.NewLocalStore(t.TempDir())

	opts := DefaultOptions()
	opts.Poll = bulk.PollConfig{Interval: time.Millisecond}
	eng := New(api, bulk.NewClient(api, nil), wh, stage.NewStager(store, nil), opts, nil)
	return &harness{crm: f, wh: wh, store: store, engine: eng}
}

var accountTarget = warehouse.TableRef{Schema: "crm", Table: "account"}

func accountRequest() SyncRequest {
	return SyncRequest{ObjectName: "Account", TargetSchema: "crm", TargetTable: "account", MatchField: "Id"}
}

func seedTarget(t *testing.T, wh *warehouse.Memory, watermark time.Time) {
	t.Helper()
	cols := []warehouse.Column{{Name: "id"}, {Name: "name"}, {Name: "lastmodifieddate"}}
	_, err := wh.LoadRows(testContext(t), accountTarget, cols, [][]any{
		{"001A", "old A", watermark},
		{"001B", "old B", watermark.Add(-time.Hour)},
	}, warehouse.Overwrite)
	require.NoError(t, err)
}

func requireMethod(t *testing.T, want strategy.Method, res SyncResult) {
	t.Helper()
	require.Equal(t, want, res.Method, "error: %s", res.Error)
}
