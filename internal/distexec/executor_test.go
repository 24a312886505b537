package distexec

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shark-wasm/wasm-workflows-plugin/internal/dispatcher"
	"github.com/shark-wasm/wasm-workflows-plugin/internal/plugin/model"
)

func TestCreatePodSetsNodeSelectorAndTolerations(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	e := New(clientset, "default", time.Second, zaptest.NewLogger(t))

	require.NoError(t, e.createPod(context.Background(), "wasm-workflow-abc", "ghcr.io/x/echo:v1"))

	pod, err := clientset.CoreV1().Pods("default").Get(context.Background(), "wasm-workflow-abc", metav1.GetOptions{})
	require.NoError(t, err)

	assert.Equal(t, corev1.RestartPolicyNever, pod.Spec.RestartPolicy)
	assert.Equal(t, archNodeSelector, pod.Spec.NodeSelector[archNodeLabel])
	require.Len(t, pod.Spec.Tolerations, 3)
	assert.Equal(t, "ghcr.io/x/echo:v1", pod.Spec.Containers[0].Image)
}

func TestCreateConfigMapIncludesInputAndOtel(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	e := New(clientset, "default", time.Second, zaptest.NewLogger(t))

	req := dispatcher.ExecRequest{
		Image:      "ghcr.io/x/echo:v1",
		Invocation: model.Invocation{WorkflowName: "wf"},
	}

	cm, err := e.createConfigMap(context.Background(), req)
	require.NoError(t, err)

	assert.Contains(t, cm.Data, keyInput)
	assert.Contains(t, cm.Data, keyOpenTelemetry)
	assert.NotContains(t, cm.Data, keyArtifactRepo)

	var invocation model.Invocation
	require.NoError(t, json.Unmarshal([]byte(cm.Data[keyInput]), &invocation))
	assert.Equal(t, "wf", invocation.WorkflowName)
}

func TestCreateConfigMapIncludesArtifactRepoWhenS3Set(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	e := New(clientset, "default", time.Second, zaptest.NewLogger(t))

	req := dispatcher.ExecRequest{
		Invocation: model.Invocation{WorkflowName: "wf"},
		S3:         &model.S3Credentials{Bucket: "b"},
	}

	cm, err := e.createConfigMap(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, cm.Data, keyArtifactRepo)
}

func TestWaitForResultReturnsOnConfigMapResult(t *testing.T) {
	const name = "wasm-workflow-xyz"
	clientset := fake.NewSimpleClientset(
		&corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"}},
	)
	e := New(clientset, "default", 5*time.Second, zaptest.NewLogger(t))

	type outcome struct {
		result model.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := e.waitForResult(context.Background(), name)
		done <- outcome{r, err}
	}()

	time.Sleep(50 * time.Millisecond)

	want := model.Result{Phase: model.PhaseSucceeded, Message: "ok"}
	data, err := json.Marshal(want)
	require.NoError(t, err)

	cm, err := clientset.CoreV1().ConfigMaps("default").Get(context.Background(), name, metav1.GetOptions{})
	require.NoError(t, err)
	cm.Data = map[string]string{keyResult: string(data)}
	_, err = clientset.CoreV1().ConfigMaps("default").Update(context.Background(), cm, metav1.UpdateOptions{})
	require.NoError(t, err)

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.Equal(t, want, got.result)
	case <-time.After(2 * time.Second):
		t.Fatal("waitForResult did not return after configmap update")
	}
}

func TestWaitForResultReturnsErrorOnPodFailed(t *testing.T) {
	const name = "wasm-workflow-failed"
	clientset := fake.NewSimpleClientset(
		&corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"}},
	)
	e := New(clientset, "default", 5*time.Second, zaptest.NewLogger(t))

	type outcome struct {
		result model.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := e.waitForResult(context.Background(), name)
		done <- outcome{r, err}
	}()

	time.Sleep(50 * time.Millisecond)

	pod, err := clientset.CoreV1().Pods("default").Get(context.Background(), name, metav1.GetOptions{})
	require.NoError(t, err)
	pod.Status.Phase = corev1.PodFailed
	pod.Status.Reason = "OOMKilled"
	_, err = clientset.CoreV1().Pods("default").UpdateStatus(context.Background(), pod, metav1.UpdateOptions{})
	require.NoError(t, err)

	select {
	case got := <-done:
		require.Error(t, got.err)
	case <-time.After(2 * time.Second):
		t.Fatal("waitForResult did not return after pod failure")
	}
}

func TestWaitForResultTimesOut(t *testing.T) {
	const name = "wasm-workflow-timeout"
	clientset := fake.NewSimpleClientset(
		&corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"}},
	)
	e := New(clientset, "default", 50*time.Millisecond, zaptest.NewLogger(t))

	_, err := e.waitForResult(context.Background(), name)
	require.Error(t, err)
	var de *dispatcher.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, dispatcher.KindTimeout, de.Kind)
}

func TestMergeWatchesFansInBothChannels(t *testing.T) {
	a := make(chan watch.Event, 1)
	b := make(chan watch.Event, 1)
	a <- watch.Event{Type: watch.Added}
	b <- watch.Event{Type: watch.Modified}
	close(a)
	close(b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	merged := mergeWatches(ctx, a, b)
	count := 0
	for range merged {
		count++
	}
	assert.Equal(t, 2, count)
}

func TestCleanupIgnoresNotFound(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	e := New(clientset, "default", time.Second, zaptest.NewLogger(t))
	// Neither resource exists; cleanup must not panic or block.
	e.cleanup(context.Background(), "does-not-exist")
}
