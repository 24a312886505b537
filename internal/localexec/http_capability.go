package localexec

import (
	"net/http"
	"net/url"

	"github.com/shark-wasm/wasm-workflows-plugin/internal/plugin/model"
)

// capabilityTransport scopes outbound HTTP to a host whitelist and bounds
// in-flight request concurrency, enforcing model.HTTPPermissions for
// whatever host-function bridge a module's ABI wires it through.
type capabilityTransport struct {
	allowed map[string]bool
	sem     chan struct{}
	base    http.RoundTripper
}

func (t *capabilityTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.allowed[req.URL.Hostname()] {
		return nil, &url.Error{Op: "Get", URL: req.URL.String(), Err: errHostNotAllowed(req.URL.Hostname())}
	}
	if t.sem != nil {
		t.sem <- struct{}{}
		defer func() { <-t.sem }()
	}
	return t.base.RoundTrip(req)
}

type errHostNotAllowed string

func (e errHostNotAllowed) Error() string { return "host not permitted: " + string(e) }

// newCapabilityHTTPClient builds an *http.Client scoped by perms. A nil or
// empty-allowlist perms denies all outbound HTTP. insecureRegistryHosts is
// unused here — it governs OCI pulls, not module-initiated HTTP — and is
// accepted only so callers can share one host-policy value.
func newCapabilityHTTPClient(perms *model.HTTPPermissions, _ map[string]bool) (*http.Client, func()) {
	allowed := map[string]bool{}
	var maxConcurrent int
	if perms != nil {
		for _, h := range perms.AllowedHosts {
			allowed[h] = true
		}
		maxConcurrent = perms.MaxConcurrentRequests
	}

	var sem chan struct{}
	if maxConcurrent > 0 {
		sem = make(chan struct{}, maxConcurrent)
	}

	transport := &capabilityTransport{allowed: allowed, sem: sem, base: http.DefaultTransport}
	client := &http.Client{Transport: transport}
	return client, func() {}
}
