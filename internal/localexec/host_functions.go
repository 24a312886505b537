package localexec

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// hostModuleName is the import module a guest links its capability calls
// against, e.g. (import "env" "http_fetch" (func ...)).
const hostModuleName = "env"

// httpFetchResponse is what httpFetch hands back to the guest, packed as
// JSON so the guest doesn't need to understand a binary response frame.
type httpFetchResponse struct {
	Status int               `json:"status"`
	Body   string            `json:"body,omitempty"`
	Error  string            `json:"error,omitempty"`
	Header map[string]string `json:"header,omitempty"`
}

type httpClientKey struct{}

// withHTTPClient stashes the capability-bounded client for one invocation
// into ctx. The host module is registered once for the runtime's whole
// lifetime (Executor.runtime is shared across concurrent invocations, and
// wazero module names must be unique within a runtime), so per-invocation
// scoping happens via context rather than by re-instantiating the host
// module on every call.
func withHTTPClient(ctx context.Context, client *http.Client) context.Context {
	return context.WithValue(ctx, httpClientKey{}, client)
}

// registerHostModule links the capability-bounded HTTP bridge into runtime
// under hostModuleName, once, for the lifetime of runtime. Per-call
// permission scoping comes from the client stashed in the context passed
// to the guest's entry point, which wazero threads through to every host
// function the guest calls during that execution.
func registerHostModule(ctx context.Context, runtime wazero.Runtime) (api.Closer, error) {
	return runtime.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().WithFunc(httpFetch).Export("http_fetch").
		Instantiate(ctx)
}

func httpFetch(ctx context.Context, mod api.Module, methodPtr, methodLen, urlPtr, urlLen, bodyPtr, bodyLen uint32) uint64 {
	client, _ := ctx.Value(httpClientKey{}).(*http.Client)
	if client == nil {
		client = http.DefaultClient
	}

	method, ok := mod.Memory().Read(methodPtr, methodLen)
	if !ok {
		return 0
	}
	url, ok := mod.Memory().Read(urlPtr, urlLen)
	if !ok {
		return 0
	}
	var body io.Reader
	if bodyLen > 0 {
		b, ok := mod.Memory().Read(bodyPtr, bodyLen)
		if !ok {
			return 0
		}
		body = strings.NewReader(string(b))
	}

	resp := doFetch(ctx, client, string(method), string(url), body)
	encoded, err := json.Marshal(resp)
	if err != nil {
		return 0
	}
	return writeToGuest(ctx, mod, encoded)
}

func doFetch(ctx context.Context, client *http.Client, method, url string, body io.Reader) httpFetchResponse {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return httpFetchResponse{Error: err.Error()}
	}

	resp, err := client.Do(req)
	if err != nil {
		return httpFetchResponse{Error: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return httpFetchResponse{Error: err.Error()}
	}

	header := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		header[k] = resp.Header.Get(k)
	}
	return httpFetchResponse{Status: resp.StatusCode, Body: string(data), Header: header}
}

// writeToGuest allocates len(data) bytes in the guest's own memory via its
// malloc/orama_alloc export, copies data in, and returns the allocation
// packed as (ptr<<32 | len). A module exporting neither allocator cannot
// receive host-produced data and gets 0 back.
func writeToGuest(ctx context.Context, mod api.Module, data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		malloc = mod.ExportedFunction("orama_alloc")
	}
	if malloc == nil {
		return 0
	}
	results, err := malloc.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, data) {
		return 0
	}
	return (uint64(ptr) << 32) | uint64(len(data))
}
