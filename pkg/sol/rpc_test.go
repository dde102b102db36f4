package sol

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"
)

// fakeRPC answers JSON-RPC calls from a method -> result table.
type fakeRPC struct {
	mu      sync.Mutex
	results map[string][]any
	calls   map[string]int
	srv     *httptest.Server
}

func newFakeRPC(t *testing.T) *fakeRPC {
	t.Helper()
	f := &fakeRPC{results: map[string][]any{}, calls: map[string]int{}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

// on queues results for method; the last one repeats.
func (f *fakeRPC) on(method string, results ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[method] = append(f.results[method], results...)
}

func (f *fakeRPC) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeRPC) client() *rpc.Client {
	return rpc.New(f.srv.URL)
}

func (f *fakeRPC) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	n := f.calls[req.Method]
	f.calls[req.Method]++
	queued := f.results[req.Method]
	f.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	switch {
	case len(queued) == 0:
		resp["error"] = map[string]any{"code": -32601, "message": "method not found: " + req.Method}
	default:
		res := queued[min(n, len(queued)-1)]
		if e, ok := res.(rpcError); ok {
			resp["error"] = map[string]any{"code": e.code, "message": e.message}
		} else {
			resp["result"] = res
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type rpcError struct {
	code    int
	message string
}

func withContext(value any) map[string]any {
	return map[string]any{"context": map[string]any{"slot": 1}, "value": value}
}

func TestShillbot_Sol_FakeRPC(t *testing.T) {
	t.Parallel()

	f := newFakeRPC(t)
	f.on("getBalance", withContext(42))
	res, err := f.client().GetBalance(t.Context(), mustKey(t), rpc.CommitmentFinalized)
	require.NoError(t, err)
	require.EqualValues(t, 42, res.Value)
	require.Equal(t, 1, f.count("getBalance"))
}
