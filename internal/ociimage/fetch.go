// Package ociimage pulls Wasm module bytes out of an OCI registry, honoring
// a per-registry plaintext/TLS policy. It has no rootfs-unpacking concept of
// its own: a fetch yields the concatenated bytes of the module's content
// layers, nothing more.
package ociimage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
)

// wasmLayerMediaTypes are the layer media types accepted as module content.
// Every matching layer is used, in manifest order.
var wasmLayerMediaTypes = map[types.MediaType]bool{
	"application/vnd.module.wasm.content.layer.v1+wasm": true,
	"application/vnd.wasm.content.layer.v1+wasm":         true,
	types.OCILayer:                                       true, // application/vnd.oci.image.layer.v1.tar
}

// Fetcher is an ImageFetcher.
type Fetcher interface {
	// Fetch pulls imageRef and returns the concatenated bytes of its Wasm
	// content layers. insecureHosts lists registry hosts that may be
	// contacted in plaintext; every other host is contacted over TLS.
	Fetch(ctx context.Context, imageRef string, insecureHosts []string) ([]byte, error)
}

// RegistryFetcher is the default Fetcher, backed by go-containerregistry.
type RegistryFetcher struct{}

// NewRegistryFetcher returns a ready-to-use RegistryFetcher.
func NewRegistryFetcher() RegistryFetcher { return RegistryFetcher{} }

// Fetch implements Fetcher.
func (RegistryFetcher) Fetch(ctx context.Context, imageRef string, insecureHosts []string) ([]byte, error) {
	probe, err := name.ParseReference(imageRef)
	if err != nil {
		return nil, fmt.Errorf("ociimage: parse reference %q: %w", imageRef, err)
	}

	var opts []name.Option
	if isInsecureHost(probe.Context().RegistryStr(), insecureHosts) {
		opts = append(opts, name.Insecure)
	}
	ref, err := name.ParseReference(imageRef, opts...)
	if err != nil {
		return nil, fmt.Errorf("ociimage: parse reference %q: %w", imageRef, err)
	}

	desc, err := remote.Get(ref, remote.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("ociimage: pull %s: %w", imageRef, err)
	}

	var img v1.Image
	switch desc.MediaType {
	case types.OCIImageIndex, types.DockerManifestList:
		idx, err := desc.ImageIndex()
		if err != nil {
			return nil, fmt.Errorf("ociimage: read index for %s: %w", imageRef, err)
		}
		manifest, err := idx.IndexManifest()
		if err != nil {
			return nil, fmt.Errorf("ociimage: read index manifest for %s: %w", imageRef, err)
		}
		if len(manifest.Manifests) == 0 {
			return nil, fmt.Errorf("ociimage: %s: empty image index", imageRef)
		}
		img, err = idx.Image(manifest.Manifests[0].Digest)
		if err != nil {
			return nil, fmt.Errorf("ociimage: select manifest from index for %s: %w", imageRef, err)
		}
	default:
		img, err = desc.Image()
		if err != nil {
			return nil, fmt.Errorf("ociimage: read image for %s: %w", imageRef, err)
		}
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("ociimage: read layers for %s: %w", imageRef, err)
	}

	var buf bytes.Buffer
	found := false
	for _, layer := range layers {
		mt, err := layer.MediaType()
		if err != nil {
			return nil, fmt.Errorf("ociimage: read layer media type for %s: %w", imageRef, err)
		}
		if !wasmLayerMediaTypes[mt] {
			continue
		}
		found = true
		rc, err := layer.Uncompressed()
		if err != nil {
			return nil, fmt.Errorf("ociimage: read layer content for %s: %w", imageRef, err)
		}
		_, err = io.Copy(&buf, rc)
		closeErr := rc.Close()
		if err != nil {
			return nil, fmt.Errorf("ociimage: copy layer content for %s: %w", imageRef, err)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("ociimage: close layer reader for %s: %w", imageRef, closeErr)
		}
	}
	if !found {
		return nil, fmt.Errorf("ociimage: %s: no layer matched an accepted Wasm media type", imageRef)
	}

	return buf.Bytes(), nil
}

// isInsecureHost reports whether host appears verbatim in the allowlist.
func isInsecureHost(host string, insecureHosts []string) bool {
	for _, h := range insecureHosts {
		if h == host {
			return true
		}
	}
	return false
}
