package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sequent/internal/domain"
	"sequent/internal/storage/sqlite"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestAPI(t *testing.T) (*sqlite.Store, *httptest.Server) {
	t.Helper()
	store, err := sqlite.Open(t.TempDir() + "/sequent.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ts := httptest.NewServer(NewServer(store, testLogger()).Router())
	t.Cleanup(ts.Close)
	return store, ts
}

func appendLinked(t *testing.T, store *sqlite.Store, streamID uuid.UUID, position int64) domain.LinkedEvent {
	t.Helper()
	ctx := context.Background()
	err := store.Append(ctx, domain.Event{
		ID: uuid.New(), StreamID: streamID, PositionInStream: position,
		Name: "thing-happened", Metadata: `{}`, Payload: `{"n":1}`, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	linked, ok, err := store.LinkNextEvent(ctx)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	return linked
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != wantStatus {
		t.Fatalf("status = %d, want %d", res.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
}

func TestHealthz(t *testing.T) {
	_, ts := newTestAPI(t)
	var body map[string]any
	getJSON(t, ts.URL+"/healthz", http.StatusOK, &body)
	if body["ok"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestStreamsRequiresErrorHash(t *testing.T) {
	_, ts := newTestAPI(t)
	getJSON(t, ts.URL+"/streams", http.StatusBadRequest, nil)
}

func TestStreamsByErrorHash(t *testing.T) {
	store, ts := newTestAPI(t)
	ctx := context.Background()
	pair := domain.SourceComponentPair{Source: "event-log", Component: "indexer"}
	streamID := uuid.New()

	se := domain.StreamError{
		ID: uuid.New(), Hash: "deadbeefdeadbeef", StreamID: streamID, PositionInStream: 1,
		EventName: "x", EventID: uuid.New(), Source: pair.Source, Component: pair.Component,
		StackTrace: "t", CreatedAt: time.Now().UTC(),
	}
	if _, err := store.MarkStreamAsErrored(ctx, se, domain.StreamErrorHash{Hash: se.Hash}, 0); err != nil {
		t.Fatal(err)
	}

	var got []streamStatusView
	getJSON(t, ts.URL+"/streams?errorHash=deadbeefdeadbeef", http.StatusOK, &got)
	if len(got) != 1 || got[0].StreamID != streamID.String() {
		t.Fatalf("got = %+v", got)
	}

	getJSON(t, ts.URL+"/streams?errorHash=unknown", http.StatusOK, &got)
	if len(got) != 0 {
		t.Fatalf("got = %+v", got)
	}
}

func TestEventsDiscoveryRequiresCursor(t *testing.T) {
	_, ts := newTestAPI(t)
	getJSON(t, ts.URL+"/events-discovery", http.StatusBadRequest, nil)
	getJSON(t, ts.URL+"/events-discovery?afterEventId=nope", http.StatusBadRequest, nil)
	getJSON(t, ts.URL+"/events-discovery?afterEventId="+uuid.NewString()+"&limit=0", http.StatusBadRequest, nil)
}

func TestEventsDiscoveryReturnsEventsAfterCursor(t *testing.T) {
	store, ts := newTestAPI(t)
	stream := uuid.New()
	first := appendLinked(t, store, stream, 1)
	appendLinked(t, store, stream, 2)
	appendLinked(t, store, stream, 3)

	var got []linkedEventView
	getJSON(t, ts.URL+"/events-discovery?afterEventId="+first.ID.String(), http.StatusOK, &got)
	if len(got) != 2 || got[0].EventNumber != 2 || got[1].EventNumber != 3 {
		t.Fatalf("got = %+v", got)
	}

	// Unknown cursor starts from the beginning.
	getJSON(t, ts.URL+"/events-discovery?afterEventId="+uuid.NewString()+"&limit=2", http.StatusOK, &got)
	if len(got) != 2 || got[0].EventNumber != 1 {
		t.Fatalf("got = %+v", got)
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	_, ts := newTestAPI(t)
	res, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
}
