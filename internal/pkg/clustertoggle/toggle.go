// Package clustertoggle implements C10: for an in-cluster registry,
// flipping the REGISTRY_STORAGE_DELETE_ENABLED environment variable on
// the registry's workload controller and waiting for the pod to report
// ready, reversing on exit. Grounded on the teacher's operator/release
// collectors' use of k8s.io/client-go for reading cluster resources,
// generalized here to a patch+wait instead of a read-only list.
package clustertoggle

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/client-go/kubernetes"

	"github.com/dominodatalab/registry-gc/internal/pkg/log"
)

const deleteEnabledEnvVar = "REGISTRY_STORAGE_DELETE_ENABLED"

// Toggle flips the registry workload's delete-mode env var and waits for
// pod readiness. A nil Toggle (no cluster client configured) means the
// registry is external: every method becomes a no-op, per spec.md §4.10.
type Toggle struct {
	Client        kubernetes.Interface
	Namespace     string
	WorkloadKind  string // "StatefulSet" or "Deployment"
	WorkloadName  string
	ContainerName string
	ReadyTimeout  time.Duration
	Log           log.Logger
}

// Enable sets REGISTRY_STORAGE_DELETE_ENABLED=true and waits for
// readiness. A patch failure is logged as a warning and does not return an
// error -- deletion may still succeed if the flag was already enabled, per
// spec.md §4.10 and the Open Questions decision in SPEC_FULL.md §4.
func (t *Toggle) Enable(ctx context.Context) error {
	if t == nil || t.Client == nil {
		return nil
	}
	if err := t.patchEnvVar(ctx, "true"); err != nil {
		t.Log.Warn("cluster delete-mode enable patch failed, proceeding anyway: %v", err)
		return nil
	}
	if err := t.waitForReady(ctx); err != nil {
		t.Log.Warn("registry pod did not become ready after enabling delete-mode: %v", err)
	}
	return nil
}

// Disable removes the delete-mode env var. Always attempted, including
// after a panic recovery in the caller; idempotent when the flag is
// already absent.
func (t *Toggle) Disable(ctx context.Context) error {
	if t == nil || t.Client == nil {
		return nil
	}
	if err := t.patchEnvVar(ctx, ""); err != nil {
		t.Log.Warn("cluster delete-mode disable patch failed: %v", err)
	}
	return nil
}

func (t *Toggle) patchEnvVar(ctx context.Context, value string) error {
	switch t.WorkloadKind {
	case "Deployment":
		return t.patchDeployment(ctx, value)
	default:
		return t.patchStatefulSet(ctx, value)
	}
}

func (t *Toggle) patchStatefulSet(ctx context.Context, value string) error {
	apps := t.Client.AppsV1().StatefulSets(t.Namespace)
	sts, err := apps.Get(ctx, t.WorkloadName, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("getting statefulset %s: %w", t.WorkloadName, err)
	}
	setEnvVar(sts.Spec.Template.Spec.Containers, t.ContainerName, value)
	if _, err := apps.Update(ctx, sts, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("updating statefulset %s: %w", t.WorkloadName, err)
	}
	return nil
}

func (t *Toggle) patchDeployment(ctx context.Context, value string) error {
	apps := t.Client.AppsV1().Deployments(t.Namespace)
	dep, err := apps.Get(ctx, t.WorkloadName, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("getting deployment %s: %w", t.WorkloadName, err)
	}
	setEnvVar(dep.Spec.Template.Spec.Containers, t.ContainerName, value)
	if _, err := apps.Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("updating deployment %s: %w", t.WorkloadName, err)
	}
	return nil
}

func setEnvVar(containers []corev1.Container, containerName, value string) {
	for i := range containers {
		if containers[i].Name != containerName {
			continue
		}
		if value == "" {
			filtered := containers[i].Env[:0]
			for _, e := range containers[i].Env {
				if e.Name != deleteEnabledEnvVar {
					filtered = append(filtered, e)
				}
			}
			containers[i].Env = filtered
			return
		}
		for j, e := range containers[i].Env {
			if e.Name == deleteEnabledEnvVar {
				containers[i].Env[j].Value = value
				return
			}
		}
		containers[i].Env = append(containers[i].Env, corev1.EnvVar{Name: deleteEnabledEnvVar, Value: value})
	}
}

// waitForReady polls for a ready pod belonging to the workload, up to
// ReadyTimeout (default 300s per spec.md §5).
func (t *Toggle) waitForReady(ctx context.Context) error {
	timeout := t.ReadyTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pods := t.Client.CoreV1().Pods(t.Namespace)
	selector := fields.Everything()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		list, err := pods.List(ctx, metav1.ListOptions{
			LabelSelector: fmt.Sprintf("app=%s", t.WorkloadName),
			FieldSelector: selector.String(),
		})
		if err == nil {
			for _, p := range list.Items {
				if isPodReady(&p) {
					return nil
				}
			}
		} else if !apierrors.IsNotFound(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for registry pod readiness: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func isPodReady(p *corev1.Pod) bool {
	for _, c := range p.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}
