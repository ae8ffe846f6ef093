package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"portmeter/internal/billing"
	"portmeter/internal/jobs"
	"portmeter/internal/testutil"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// fakePanel is a billing panel serving a fixed user list and recording pushes.
type fakePanel struct {
	mu        sync.Mutex
	users     []int64
	failFetch bool
	failPush  bool
	pushes    []map[string][2]int64
}

func (p *fakePanel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch r.URL.Path {
	case "/api/v1/server/UniProxy/user":
		if p.failFetch {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		type user struct {
			ID int64 `json:"id"`
		}
		resp := struct {
			Users []user `json:"users"`
		}{Users: []user{}}
		for _, id := range p.users {
			resp.Users = append(resp.Users, user{ID: id})
		}
		_ = json.NewEncoder(w).Encode(resp)
	case "/api/v1/server/UniProxy/push":
		var push map[string][2]int64
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &push)
		p.pushes = append(p.pushes, push)
		if p.failPush {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"status":"fail"}`)
			return
		}
		_, _ = io.WriteString(w, `{"status":"success"}`)
	default:
		http.NotFound(w, r)
	}
}

func (p *fakePanel) lastPush() map[string][2]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pushes) == 0 {
		return nil
	}
	return p.pushes[len(p.pushes)-1]
}

func newPanel(t *testing.T, users ...int64) (*fakePanel, billing.Config) {
	p := &fakePanel{users: users}
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	return p, billing.Config{
		APIHost:      srv.URL,
		APIKey:       "k",
		NodeID:       "1",
		NodeType:     "v2ray",
		Timeout:      2 * time.Second,
		MaxRetries:   0,
		RetryBackoff: time.Millisecond,
	}
}

type failingDispatcher struct{}

func (failingDispatcher) Dispatch(context.Context, jobs.Job) error {
	return errors.New("queue unavailable")
}

type harness struct {
	*testutil.Fixture
	jobs *jobs.MemoryDispatcher
	log  *logrus.Logger
	hook *test.Hook
	exec *LimitExecutor
}

func newHarness(t *testing.T) *harness {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	d := jobs.NewMemoryDispatcher(0, log)
	return &harness{
		Fixture: testutil.NewFixture(t),
		jobs:    d,
		log:     log,
		hook:    hook,
		exec:    NewLimitExecutor(d, log, nil),
	}
}

func (h *harness) jobNames() []string {
	var names []string
	for _, j := range h.jobs.Jobs() {
		names = append(names, j.Name)
	}
	return names
}
