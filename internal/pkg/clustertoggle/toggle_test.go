package clustertoggle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/dominodatalab/registry-gc/internal/pkg/log"
)

func newFakeStatefulSet() *appsv1.StatefulSet {
	return &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{Name: "registry", Namespace: "registry-system"},
		Spec: appsv1.StatefulSetSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{Name: "registry"}},
				},
			},
		},
	}
}

func TestToggle_NilClientIsNoOp(t *testing.T) {
	var tg *Toggle
	require.NoError(t, tg.Enable(context.Background()))
	require.NoError(t, tg.Disable(context.Background()))
}

func TestToggle_EnableSetsEnvVar(t *testing.T) {
	client := fake.NewSimpleClientset(newFakeStatefulSet())
	tg := &Toggle{
		Client:        client,
		Namespace:     "registry-system",
		WorkloadKind:  "StatefulSet",
		WorkloadName:  "registry",
		ContainerName: "registry",
		ReadyTimeout:  10 * time.Millisecond,
		Log:           log.Discard(),
	}

	require.NoError(t, tg.Enable(context.Background()))

	sts, err := client.AppsV1().StatefulSets("registry-system").Get(context.Background(), "registry", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, deleteEnabledEnvVar, sts.Spec.Template.Spec.Containers[0].Env[0].Name)
	require.Equal(t, "true", sts.Spec.Template.Spec.Containers[0].Env[0].Value)
}

func TestToggle_DisableRemovesEnvVar(t *testing.T) {
	sts := newFakeStatefulSet()
	sts.Spec.Template.Spec.Containers[0].Env = []corev1.EnvVar{{Name: deleteEnabledEnvVar, Value: "true"}}
	client := fake.NewSimpleClientset(sts)
	tg := &Toggle{
		Client:        client,
		Namespace:     "registry-system",
		WorkloadKind:  "StatefulSet",
		WorkloadName:  "registry",
		ContainerName: "registry",
		Log:           log.Discard(),
	}

	require.NoError(t, tg.Disable(context.Background()))

	got, err := client.AppsV1().StatefulSets("registry-system").Get(context.Background(), "registry", metav1.GetOptions{})
	require.NoError(t, err)
	require.Empty(t, got.Spec.Template.Spec.Containers[0].Env)
}

func TestToggle_PatchFailureIsNonFatal(t *testing.T) {
	client := fake.NewSimpleClientset() // no statefulset registered -> Get fails
	tg := &Toggle{
		Client:        client,
		Namespace:     "registry-system",
		WorkloadKind:  "StatefulSet",
		WorkloadName:  "missing",
		ContainerName: "registry",
		Log:           log.Discard(),
	}

	require.NoError(t, tg.Enable(context.Background()))
}
