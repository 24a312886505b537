// Package workdir manages the ephemeral per-invocation directory a module
// reads its input from and writes its result and output artifacts to.
package workdir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shark-wasm/wasm-workflows-plugin/internal/plugin/model"
)

// WorkingDir is a fresh, scoped temp directory for exactly one invocation.
// Not safe for concurrent use by multiple invocations; the local executor
// creates one per call to its Run.
type WorkingDir struct {
	root string
}

// New creates a working directory under the OS temp root, with its
// input-artifacts and output-artifacts subdirectories pre-created so an
// executor never has to special-case a missing one.
func New() (*WorkingDir, error) {
	root, err := os.MkdirTemp("", "wasm-workflows-*")
	if err != nil {
		return nil, fmt.Errorf("workdir: create temp dir: %w", err)
	}
	wd := &WorkingDir{root: root}
	for _, sub := range []string{model.InputArtifactsDir, model.OutputArtifactsDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			wd.Close()
			return nil, fmt.Errorf("workdir: create %s: %w", sub, err)
		}
	}
	return wd, nil
}

// Path returns the working directory's root path on the host filesystem.
func (w *WorkingDir) Path() string {
	return w.root
}

// InputArtifactPath returns the host path for artifact's input location.
func (w *WorkingDir) InputArtifactPath(artifact model.ArtifactRef) string {
	return filepath.Join(w.root, model.InputArtifactsDir, artifact.WorkingDirPath())
}

// OutputArtifactPath returns the host path for artifact's output location.
func (w *WorkingDir) OutputArtifactPath(artifact model.ArtifactRef) string {
	return filepath.Join(w.root, model.OutputArtifactsDir, artifact.WorkingDirPath())
}

// SetInput writes invocation as input.json at the working directory root.
func (w *WorkingDir) SetInput(invocation model.Invocation) error {
	f, err := os.Create(filepath.Join(w.root, model.InputFileName))
	if err != nil {
		return fmt.Errorf("workdir: create %s: %w", model.InputFileName, err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(invocation); err != nil {
		return fmt.Errorf("workdir: encode %s: %w", model.InputFileName, err)
	}
	return nil
}

// Result reads and decodes result.json from the working directory root. The
// caller is expected to treat a missing or malformed file as an
// OutputProcessing error, not as a Failed-phase Result.
func (w *WorkingDir) Result() (model.Result, error) {
	f, err := os.Open(filepath.Join(w.root, model.ResultFileName))
	if err != nil {
		return model.Result{}, fmt.Errorf("workdir: open %s: %w", model.ResultFileName, err)
	}
	defer f.Close()

	var result model.Result
	if err := json.NewDecoder(f).Decode(&result); err != nil {
		return model.Result{}, fmt.Errorf("workdir: decode %s: %w", model.ResultFileName, err)
	}
	return result, nil
}

// Close removes the working directory and everything under it.
func (w *WorkingDir) Close() error {
	if w.root == "" {
		return nil
	}
	return os.RemoveAll(w.root)
}
