package ociimage

import (
	"context"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsInsecureHost(t *testing.T) {
	hosts := []string{"registry.internal:5000", "other.example.com"}
	assert.True(t, isInsecureHost("registry.internal:5000", hosts))
	assert.False(t, isInsecureHost("ghcr.io", hosts))
	assert.False(t, isInsecureHost("", nil))
}

// pushTestImage pushes a single-layer image whose one layer carries
// mediaType and content to the registry at host, and returns its reference.
func pushTestImage(t *testing.T, host, repo string, mediaType types.MediaType, content []byte) name.Reference {
	t.Helper()
	layer := static.NewLayer(content, mediaType)
	img, err := mutate.AppendLayers(empty.Image, layer)
	require.NoError(t, err)

	ref, err := name.ParseReference(host+"/"+repo+":latest", name.Insecure)
	require.NoError(t, err)

	require.NoError(t, remote.Write(ref, img))
	return ref
}

func TestFetchConcatenatesWasmLayers(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host := u.Host

	content := []byte("fake wasm bytes")
	ref := pushTestImage(t, host, "x/echo", "application/vnd.wasm.content.layer.v1+wasm", content)

	f := NewRegistryFetcher()
	got, err := f.Fetch(context.Background(), ref.Name(), []string{host})
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestFetchErrorsWhenNoLayerMatches(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host := u.Host

	ref := pushTestImage(t, host, "x/not-wasm", types.DockerLayer, []byte("plain tarball"))

	f := NewRegistryFetcher()
	_, err = f.Fetch(context.Background(), ref.Name(), []string{host})
	require.Error(t, err)
}

func TestFetchRejectsInsecureHostNotAllowlisted(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host := u.Host

	ref := pushTestImage(t, host, "x/echo", "application/vnd.wasm.content.layer.v1+wasm", []byte("x"))

	f := NewRegistryFetcher()
	_, err = f.Fetch(context.Background(), ref.Name(), nil)
	require.Error(t, err)
}
