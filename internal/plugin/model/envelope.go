package model

import "encoding/json"

// ExecuteTemplateRequest is the inbound HTTP JSON body the workflow
// controller sends for a single plugin step. Decoding this shape is the
// HTTP router's job (out of the dispatcher's core); the dispatcher only
// ever sees the Invocation it produces.
type ExecuteTemplateRequest struct {
	Template TemplateSpec   `json:"template"`
	Workflow WorkflowHeader `json:"workflow"`
}

type TemplateSpec struct {
	Inputs TemplateInputs `json:"inputs"`
	Plugin PluginSpec     `json:"plugin"`
}

type TemplateInputs struct {
	Parameters []Param       `json:"parameters,omitempty"`
	Artifacts  []ArtifactRef `json:"artifacts,omitempty"`
}

type PluginSpec struct {
	Wasm WasmPluginConfig `json:"wasm"`
}

// WasmPluginConfig carries the module reference, optional permission grant,
// and any additional keys under "wasm", which become plugin_options.
type WasmPluginConfig struct {
	Module ModuleRef
	Perms  *ModulePermissions
	Extra  map[string]json.RawMessage
}

// UnmarshalJSON captures every key under "wasm" other than "module" and
// "permissions" into Extra, since those become plugin_options and the set
// of option names is caller-defined, not fixed by this schema.
func (w *WasmPluginConfig) UnmarshalJSON(data []byte) error {
	var known struct {
		Module ModuleRef          `json:"module"`
		Perms  *ModulePermissions `json:"permissions,omitempty"`
	}
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	delete(raw, "module")
	delete(raw, "permissions")

	w.Module = known.Module
	w.Perms = known.Perms
	if len(raw) > 0 {
		w.Extra = raw
	}
	return nil
}

// MarshalJSON re-flattens Extra alongside module/permissions so the wire
// shape round-trips (used by tests; the controller never re-marshals this).
func (w WasmPluginConfig) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(w.Extra)+2)
	for k, v := range w.Extra {
		out[k] = v
	}
	moduleJSON, err := json.Marshal(w.Module)
	if err != nil {
		return nil, err
	}
	out["module"] = moduleJSON
	if w.Perms != nil {
		permsJSON, err := json.Marshal(w.Perms)
		if err != nil {
			return nil, err
		}
		out["permissions"] = permsJSON
	}
	return json.Marshal(out)
}

type ModuleRef struct {
	OCI string `json:"oci"`
}

type WorkflowHeader struct {
	Metadata WorkflowMetadata `json:"metadata"`
}

type WorkflowMetadata struct {
	Name string `json:"name"`
}

// ExecuteTemplateResponse is the outbound HTTP JSON body. HTTP 200 is used
// even when the module reports Node.Phase == Failed. The server always sets
// Node; a request body that fails to decode gets a plain-text 400 instead
// of this shape.
type ExecuteTemplateResponse struct {
	Node *ExecuteTemplateResult `json:"node,omitempty"`
}

type ExecuteTemplateResult struct {
	Phase   Phase    `json:"phase"`
	Message string   `json:"message"`
	Outputs *Outputs `json:"outputs,omitempty"`
}

// ResultToTemplateResult adapts a dispatcher Result to the outbound wire
// shape, omitting Outputs entirely when both lists are empty the way the
// original Rust implementation did (Option<Outputs>).
func ResultToTemplateResult(r Result) ExecuteTemplateResult {
	out := ExecuteTemplateResult{Phase: r.Phase, Message: r.Message}
	if len(r.Outputs.Parameters) > 0 || len(r.Outputs.Artifacts) > 0 {
		outputs := r.Outputs
		out.Outputs = &outputs
	}
	return out
}

// ToInvocation builds the immutable Invocation the dispatcher consumes from
// a decoded request. plugin_options is every key under "wasm" other than
// "module" and "permissions", re-flattened into Params.
func (r ExecuteTemplateRequest) ToInvocation() Invocation {
	opts := make([]Param, 0, len(r.Template.Plugin.Wasm.Extra))
	for name, raw := range r.Template.Plugin.Wasm.Extra {
		opts = append(opts, Param{Name: name, Value: raw})
	}
	return Invocation{
		WorkflowName:  r.Workflow.Metadata.Name,
		Parameters:    r.Template.Inputs.Parameters,
		Artifacts:     r.Template.Inputs.Artifacts,
		PluginOptions: opts,
	}
}
