package admin

import (
	"context"
	"errors"
	"testing"
	"time"

	"sequent/internal/catchup"
	"sequent/internal/storage"
)

type fakeEngine struct {
	lastCmd catchup.Command
	result  catchup.Result
	err     error
}

func (f *fakeEngine) HandleCommand(_ context.Context, cmd catchup.Command) (catchup.Result, error) {
	f.lastCmd = cmd
	return f.result, f.err
}

func (f *fakeEngine) Health(context.Context) (bool, string) { return true, "ok" }

func startTestServer(t *testing.T, engine Engine, authToken string) *Server {
	t.Helper()
	srv := NewServer(Config{Network: "tcp", Address: "127.0.0.1:0", AuthToken: authToken}, engine)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Start(ctx) }()
	t.Cleanup(func() { cancel(); _ = srv.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(2 * time.Millisecond)
	}
	return srv
}

func request(t *testing.T, srv *Server, req *AdminRequest) *AdminResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := DialAndRequest(ctx, "tcp", srv.Addr(), req)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestServerAnswersPing(t *testing.T) {
	srv := startTestServer(t, &fakeEngine{}, "")
	res := request(t, srv, &AdminRequest{RequestId: "p1", Operation: int32(OperationPing)})
	if res.RequestId != "p1" || res.Pong == nil || res.Pong.UnixTimeNs == 0 {
		t.Fatalf("res = %+v", res)
	}
}

func TestServerDispatchesCatchup(t *testing.T) {
	engine := &fakeEngine{result: catchup.Result{EventsReplayed: 9}}
	srv := startTestServer(t, engine, "")

	res := request(t, srv, &AdminRequest{
		RequestId: "c1",
		Operation: int32(OperationCatchup),
		Catchup:   &CatchupRequest{Source: "event-log", Component: "indexer", FromEventNumber: 4},
	})
	if ErrorCode(res.ErrorCode) != ErrorCodeOK {
		t.Fatalf("res = %+v", res)
	}
	if res.Replay == nil || res.Replay.EventsReplayed != 9 {
		t.Fatalf("replay = %+v", res.Replay)
	}
	if engine.lastCmd.Kind != catchup.KindCatchup || engine.lastCmd.FromEventNumber != 4 {
		t.Fatalf("cmd = %+v", engine.lastCmd)
	}
}

func TestServerReturnsVerifyReport(t *testing.T) {
	engine := &fakeEngine{result: catchup.Result{Report: &storage.ChainReport{HighestEventNumber: 12, LinkedCount: 12}}}
	srv := startTestServer(t, engine, "")

	res := request(t, srv, &AdminRequest{RequestId: "v1", Operation: int32(OperationVerifyCatchup)})
	if res.Verify == nil || !res.Verify.Ok || res.Verify.HighestEventNumber != 12 {
		t.Fatalf("verify = %+v", res.Verify)
	}
}

func TestServerRejectsBadAuthToken(t *testing.T) {
	srv := startTestServer(t, &fakeEngine{}, "secret")

	res := request(t, srv, &AdminRequest{RequestId: "a1", Operation: int32(OperationPing), AuthToken: "wrong"})
	if ErrorCode(res.ErrorCode) != ErrorCodeUnauthenticated {
		t.Fatalf("res = %+v", res)
	}

	res = request(t, srv, &AdminRequest{RequestId: "a2", Operation: int32(OperationPing), AuthToken: "secret"})
	if res.Pong == nil {
		t.Fatalf("res = %+v", res)
	}
}

func TestServerSurfacesEngineError(t *testing.T) {
	engine := &fakeEngine{err: errors.New("no handler registered")}
	srv := startTestServer(t, engine, "")

	res := request(t, srv, &AdminRequest{
		RequestId: "e1",
		Operation: int32(OperationCatchup),
		Catchup:   &CatchupRequest{Source: "s", Component: "c"},
	})
	if ErrorCode(res.ErrorCode) != ErrorCodeInternal || res.ErrorMessage == "" {
		t.Fatalf("res = %+v", res)
	}
}

func TestServerRejectsMalformedBody(t *testing.T) {
	srv := startTestServer(t, &fakeEngine{}, "")

	res := request(t, srv, &AdminRequest{RequestId: "b1", Operation: int32(OperationCatchup)})
	if ErrorCode(res.ErrorCode) != ErrorCodeBadRequest {
		t.Fatalf("res = %+v", res)
	}

	res = request(t, srv, &AdminRequest{
		RequestId: "b2",
		Operation: int32(OperationReplayEvent),
		Replay:    &ReplayRequest{EventId: "not-a-uuid"},
	})
	if ErrorCode(res.ErrorCode) != ErrorCodeBadRequest {
		t.Fatalf("res = %+v", res)
	}
}
