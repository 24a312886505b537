// Package distexec implements the Distributed execution strategy: it stages
// an invocation into a ConfigMap, launches a Pod pinned to a Wasm-capable
// node, waits for a result via a merged watch, and unconditionally tears
// both resources down.
package distexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/shark-wasm/wasm-workflows-plugin/internal/dispatcher"
	"github.com/shark-wasm/wasm-workflows-plugin/internal/plugin/model"
)

// namePrefix is the generateName used for both the ConfigMap and the Pod
// bound to one invocation.
const namePrefix = "wasm-workflow-"

const (
	keyInput          = "input.json"
	keyArtifactRepo   = "artifact-repo-config.json"
	keyOpenTelemetry  = "opentelemetry.json"
	keyResult         = "result.json"
	archNodeSelector  = "wasm32-wasi"
	archNodeLabel     = "kubernetes.io/arch"
	networkNodeTaint  = "node.kubernetes.io/network-unavailable"
)

// Executor is a dispatcher.Executor backed by short-lived Kubernetes
// workloads.
type Executor struct {
	clientset    kubernetes.Interface
	namespace    string
	waitDuration time.Duration
	logger       *zap.Logger
}

// New builds a DistributedExecutor targeting namespace, waiting up to
// waitDuration for a result per invocation. logger must not be nil.
func New(clientset kubernetes.Interface, namespace string, waitDuration time.Duration, logger *zap.Logger) *Executor {
	return &Executor{clientset: clientset, namespace: namespace, waitDuration: waitDuration, logger: logger}
}

var _ dispatcher.Executor = (*Executor)(nil)

// Run implements dispatcher.Executor.
func (e *Executor) Run(ctx context.Context, req dispatcher.ExecRequest) (model.Result, error) {
	cm, err := e.createConfigMap(ctx, req)
	if err != nil {
		return model.Result{}, wrapDispatch(dispatcher.KindInvocation, fmt.Errorf("create configmap: %w", err))
	}
	name := cm.Name

	// Cleanup always runs, on every exit path, even if Run is cancelled out
	// from under us. Detaching it from ctx means a cancelled caller does not
	// prevent the cluster resources from being reaped.
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		e.cleanup(cleanupCtx, name)
	}()

	if err := e.createPod(ctx, name, req.Image); err != nil {
		return model.Result{}, wrapDispatch(dispatcher.KindInvocation, fmt.Errorf("create pod %s: %w", name, err))
	}

	return e.waitForResult(ctx, name)
}

func (e *Executor) createConfigMap(ctx context.Context, req dispatcher.ExecRequest) (*corev1.ConfigMap, error) {
	inputJSON, err := json.Marshal(req.Invocation)
	if err != nil {
		return nil, fmt.Errorf("marshal invocation: %w", err)
	}

	data := map[string]string{keyInput: string(inputJSON)}

	if req.S3 != nil {
		repoJSON, err := json.Marshal(req.S3)
		if err != nil {
			return nil, fmt.Errorf("marshal artifact repo config: %w", err)
		}
		data[keyArtifactRepo] = string(repoJSON)
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	carrierJSON, err := json.Marshal(map[string]string(carrier))
	if err != nil {
		return nil, fmt.Errorf("marshal trace carrier: %w", err)
	}
	data[keyOpenTelemetry] = string(carrierJSON)

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: namePrefix,
			Namespace:    e.namespace,
		},
		Data: data,
	}

	created, err := e.clientset.CoreV1().ConfigMaps(e.namespace).Create(ctx, cm, metav1.CreateOptions{})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (e *Executor) createPod(ctx context.Context, name, image string) error {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: e.namespace,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:  name,
					Image: image,
				},
			},
			NodeSelector: map[string]string{
				archNodeLabel: archNodeSelector,
			},
			Tolerations: []corev1.Toleration{
				{
					Key:      archNodeLabel,
					Operator: corev1.TolerationOpEqual,
					Value:    archNodeSelector,
					Effect:   corev1.TaintEffectNoExecute,
				},
				{
					Key:      archNodeLabel,
					Operator: corev1.TolerationOpEqual,
					Value:    archNodeSelector,
					Effect:   corev1.TaintEffectNoSchedule,
				},
				{
					Key:      networkNodeTaint,
					Operator: corev1.TolerationOpExists,
					Effect:   corev1.TaintEffectNoSchedule,
				},
			},
		},
	}
	_, err := e.clientset.CoreV1().Pods(e.namespace).Create(ctx, pod, metav1.CreateOptions{})
	return err
}

// waitForResult merges a watch of the named Pod and the named ConfigMap,
// evaluating terminal conditions per event until one resolves or
// e.waitDuration elapses.
func (e *Executor) waitForResult(ctx context.Context, name string) (model.Result, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.waitDuration)
	defer cancel()

	selector := fields.OneTermEqualSelector("metadata.name", name).String()

	cmWatch, err := e.clientset.CoreV1().ConfigMaps(e.namespace).Watch(waitCtx, metav1.ListOptions{FieldSelector: selector})
	if err != nil {
		return model.Result{}, wrapDispatch(dispatcher.KindInvocation, fmt.Errorf("watch configmap %s: %w", name, err))
	}
	defer cmWatch.Stop()

	podWatch, err := e.clientset.CoreV1().Pods(e.namespace).Watch(waitCtx, metav1.ListOptions{FieldSelector: selector})
	if err != nil {
		return model.Result{}, wrapDispatch(dispatcher.KindInvocation, fmt.Errorf("watch pod %s: %w", name, err))
	}
	defer podWatch.Stop()

	events := mergeWatches(waitCtx, cmWatch.ResultChan(), podWatch.ResultChan())

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return model.Result{}, ctx.Err()
			}
			return model.Result{}, &dispatcher.Error{Kind: dispatcher.KindTimeout, Err: fmt.Errorf("waiting for result of %s: %w", name, waitCtx.Err())}

		case ev, ok := <-events:
			if !ok {
				// The merged channel also closes when waitCtx ends; report that
				// the same way as the Done branch above.
				if waitCtx.Err() != nil {
					if ctx.Err() != nil {
						return model.Result{}, ctx.Err()
					}
					return model.Result{}, &dispatcher.Error{Kind: dispatcher.KindTimeout, Err: fmt.Errorf("waiting for result of %s: %w", name, waitCtx.Err())}
				}
				return model.Result{}, wrapDispatch(dispatcher.KindInvocation, fmt.Errorf("watch closed before result observed for %s", name))
			}

			switch obj := ev.Object.(type) {
			case *corev1.ConfigMap:
				if raw, ok := obj.Data[keyResult]; ok {
					var result model.Result
					if err := json.Unmarshal([]byte(raw), &result); err != nil {
						return model.Result{}, wrapDispatch(dispatcher.KindOutputProcessing, fmt.Errorf("parse result for %s: %w", name, err))
					}
					return result, nil
				}
			case *corev1.Pod:
				switch obj.Status.Phase {
				case corev1.PodFailed:
					return model.Result{}, wrapDispatch(dispatcher.KindInvocation, fmt.Errorf("pod %s reached phase Failed: %s", name, obj.Status.Reason))
				case corev1.PodPending, corev1.PodRunning, corev1.PodSucceeded:
					// Succeeded continues waiting: the remote worker may
					// still be flushing result.json to the ConfigMap.
				}
			}
		}
	}
}

// mergeWatches fans two watch.Event channels into one, closing the output
// when ctx is done or both inputs are drained.
func mergeWatches(ctx context.Context, chans ...<-chan watch.Event) <-chan watch.Event {
	out := make(chan watch.Event)
	var wg sync.WaitGroup
	wg.Add(len(chans))
	for _, c := range chans {
		go func(c <-chan watch.Event) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-c:
					if !ok {
						return
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}(c)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// cleanup deletes both the Pod and the ConfigMap named name, concurrently,
// unconditionally. Failures are swallowed: they must never mask the primary
// Run outcome, per the dispatcher's error-propagation policy. A leaked
// resource is still worth surfacing, so failures are logged at warn level.
func (e *Executor) cleanup(ctx context.Context, name string) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		err := e.clientset.CoreV1().Pods(e.namespace).Delete(ctx, name, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			e.logger.Warn("distexec: pod cleanup failed", zap.String("name", name), zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		err := e.clientset.CoreV1().ConfigMaps(e.namespace).Delete(ctx, name, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			e.logger.Warn("distexec: configmap cleanup failed", zap.String("name", name), zap.Error(err))
		}
	}()
	wg.Wait()
}

func wrapDispatch(kind dispatcher.ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &dispatcher.Error{Kind: kind, Err: err}
}
