package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
)

const restartedAtAnnotation = "kubectl.kubernetes.io/restartedAt"

// KubeToolset exposes cluster operations as tools. All mutations go through
// the invocation wrapper, so they are retried, breaker-guarded, and audited.
type KubeToolset struct {
	client kubernetes.Interface
}

func NewKubeToolset(client kubernetes.Interface) *KubeToolset {
	return &KubeToolset{client: client}
}

// RegisterAll adds the Kubernetes tools to the registry.
func (k *KubeToolset) RegisterAll(reg *Registry) {
	reg.Register(Func{ToolName: "get_pods", Fn: k.getPods})
	reg.Register(Func{ToolName: "delete_pod", Fn: k.deletePod})
	reg.Register(Func{ToolName: "restart_deployment", Fn: k.restartDeployment})
	reg.Register(Func{ToolName: "scale_deployment", Fn: k.scaleDeployment})
	reg.Register(Func{ToolName: "rollback_deployment", Fn: k.rollbackDeployment})
	reg.Register(Func{ToolName: "patch_resource", Fn: k.patchResource})
	reg.Register(Func{ToolName: "delete_resource", Fn: k.deleteResource})
	reg.Register(Func{ToolName: "get_deployment_status", Fn: k.deploymentStatus})
	reg.Register(Func{ToolName: "get_events", Fn: k.getEvents})
}

func (k *KubeToolset) getPods(ctx context.Context, args map[string]interface{}) (string, error) {
	ns := StringArg(args, "namespace", "default")
	pods, err := k.client.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list pods in %s: %w", ns, err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d pods in namespace %s:\n", len(pods.Items), ns)
	for _, p := range pods.Items {
		restarts := int32(0)
		for _, cs := range p.Status.ContainerStatuses {
			restarts += cs.RestartCount
		}
		fmt.Fprintf(&sb, "- %s phase=%s restarts=%d node=%s\n", p.Name, p.Status.Phase, restarts, p.Spec.NodeName)
	}
	return sb.String(), nil
}

func (k *KubeToolset) deletePod(ctx context.Context, args map[string]interface{}) (string, error) {
	ns := StringArg(args, "namespace", "default")
	name := StringArg(args, "pod_name", "")
	if name == "" {
		return "", fmt.Errorf("delete_pod requires pod_name")
	}
	if err := k.client.CoreV1().Pods(ns).Delete(ctx, name, metav1.DeleteOptions{}); err != nil {
		return "", fmt.Errorf("delete pod %s/%s: %w", ns, name, err)
	}
	return fmt.Sprintf("Deleted pod %s/%s; the controller will reschedule it.", ns, name), nil
}

func (k *KubeToolset) restartDeployment(ctx context.Context, args map[string]interface{}) (string, error) {
	ns := StringArg(args, "namespace", "default")
	name := StringArg(args, "deployment_name", "")
	if name == "" {
		return "", fmt.Errorf("restart_deployment requires deployment_name")
	}
	patch := fmt.Sprintf(
		`{"spec":{"template":{"metadata":{"annotations":{%q:%q}}}}}`,
		restartedAtAnnotation, time.Now().UTC().Format(time.RFC3339),
	)
	_, err := k.client.AppsV1().Deployments(ns).Patch(ctx, name, types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return "", fmt.Errorf("restart deployment %s/%s: %w", ns, name, err)
	}
	return fmt.Sprintf("Triggered rolling restart of deployment %s/%s.", ns, name), nil
}

func (k *KubeToolset) scaleDeployment(ctx context.Context, args map[string]interface{}) (string, error) {
	ns := StringArg(args, "namespace", "default")
	name := StringArg(args, "deployment_name", "")
	if name == "" {
		return "", fmt.Errorf("scale_deployment requires deployment_name")
	}
	replicas := IntArg(args, "replicas", -1)
	if replicas < 0 {
		return "", fmt.Errorf("scale_deployment requires a non-negative replicas count")
	}

	dep, err := k.client.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("get deployment %s/%s: %w", ns, name, err)
	}
	previous := int32(1)
	if dep.Spec.Replicas != nil {
		previous = *dep.Spec.Replicas
	}
	patch := fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas)
	if _, err := k.client.AppsV1().Deployments(ns).Patch(ctx, name, types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{}); err != nil {
		return "", fmt.Errorf("scale %s/%s: %w", ns, name, err)
	}
	return fmt.Sprintf("Scaled deployment %s/%s from %d to %d replicas.", ns, name, previous, replicas), nil
}

// rollbackDeployment restores the pod template of an earlier ReplicaSet
// revision (the previous one unless "revision" is given).
func (k *KubeToolset) rollbackDeployment(ctx context.Context, args map[string]interface{}) (string, error) {
	ns := StringArg(args, "namespace", "default")
	name := StringArg(args, "deployment_name", "")
	if name == "" {
		return "", fmt.Errorf("rollback_deployment requires deployment_name")
	}
	wantRevision := StringArg(args, "revision", "")

	dep, err := k.client.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("get deployment %s/%s: %w", ns, name, err)
	}

	rsList, err := k.client.AppsV1().ReplicaSets(ns).List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list replicasets in %s: %w", ns, err)
	}

	owned := []appsv1.ReplicaSet{}
	for _, rs := range rsList.Items {
		for _, ref := range rs.OwnerReferences {
			if ref.UID == dep.UID {
				owned = append(owned, rs)
			}
		}
	}
	if len(owned) < 2 && wantRevision == "" {
		return "", fmt.Errorf("deployment %s/%s has no previous revision to roll back to", ns, name)
	}
	sort.Slice(owned, func(i, j int) bool {
		return owned[i].Annotations["deployment.kubernetes.io/revision"] > owned[j].Annotations["deployment.kubernetes.io/revision"]
	})

	var target *appsv1.ReplicaSet
	if wantRevision != "" {
		for i := range owned {
			if owned[i].Annotations["deployment.kubernetes.io/revision"] == wantRevision {
				target = &owned[i]
				break
			}
		}
		if target == nil {
			return "", fmt.Errorf("revision %s not found for deployment %s/%s", wantRevision, ns, name)
		}
	} else {
		target = &owned[1] // newest is the current revision
	}

	dep.Spec.Template = target.Spec.Template
	if _, err := k.client.AppsV1().Deployments(ns).Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
		return "", fmt.Errorf("rollback %s/%s: %w", ns, name, err)
	}
	rev := target.Annotations["deployment.kubernetes.io/revision"]
	return fmt.Sprintf("Rolled back deployment %s/%s to revision %s.", ns, name, rev), nil
}

func (k *KubeToolset) patchResource(ctx context.Context, args map[string]interface{}) (string, error) {
	ns := StringArg(args, "namespace", "default")
	name := StringArg(args, "name", StringArg(args, "deployment_name", ""))
	kind := strings.ToLower(StringArg(args, "kind", "deployment"))
	patch := StringArg(args, "patch", "")
	if name == "" || patch == "" {
		return "", fmt.Errorf("patch_resource requires name and patch")
	}

	switch kind {
	case "deployment":
		_, err := k.client.AppsV1().Deployments(ns).Patch(ctx, name, types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
		if err != nil {
			return "", fmt.Errorf("patch deployment %s/%s: %w", ns, name, err)
		}
	case "configmap":
		_, err := k.client.CoreV1().ConfigMaps(ns).Patch(ctx, name, types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
		if err != nil {
			return "", fmt.Errorf("patch configmap %s/%s: %w", ns, name, err)
		}
	default:
		return "", fmt.Errorf("patch_resource does not support kind %q", kind)
	}
	return fmt.Sprintf("Patched %s %s/%s.", kind, ns, name), nil
}

func (k *KubeToolset) deleteResource(ctx context.Context, args map[string]interface{}) (string, error) {
	ns := StringArg(args, "namespace", "default")
	name := StringArg(args, "name", "")
	kind := strings.ToLower(StringArg(args, "kind", ""))
	if name == "" || kind == "" {
		return "", fmt.Errorf("delete_resource requires kind and name")
	}

	var err error
	switch kind {
	case "deployment":
		err = k.client.AppsV1().Deployments(ns).Delete(ctx, name, metav1.DeleteOptions{})
	case "service":
		err = k.client.CoreV1().Services(ns).Delete(ctx, name, metav1.DeleteOptions{})
	case "configmap":
		err = k.client.CoreV1().ConfigMaps(ns).Delete(ctx, name, metav1.DeleteOptions{})
	case "pod":
		err = k.client.CoreV1().Pods(ns).Delete(ctx, name, metav1.DeleteOptions{})
	default:
		return "", fmt.Errorf("delete_resource does not support kind %q", kind)
	}
	if err != nil {
		return "", fmt.Errorf("delete %s %s/%s: %w", kind, ns, name, err)
	}
	return fmt.Sprintf("Deleted %s %s/%s.", kind, ns, name), nil
}

func (k *KubeToolset) deploymentStatus(ctx context.Context, args map[string]interface{}) (string, error) {
	ns := StringArg(args, "namespace", "default")
	name := StringArg(args, "deployment_name", "")
	if name == "" {
		return "", fmt.Errorf("get_deployment_status requires deployment_name")
	}
	dep, err := k.client.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("get deployment %s/%s: %w", ns, name, err)
	}
	return fmt.Sprintf("Deployment %s/%s: %d/%d replicas ready, %d updated, %d unavailable.",
		ns, name, dep.Status.ReadyReplicas, dep.Status.Replicas, dep.Status.UpdatedReplicas, dep.Status.UnavailableReplicas), nil
}

func (k *KubeToolset) getEvents(ctx context.Context, args map[string]interface{}) (string, error) {
	ns := StringArg(args, "namespace", "default")
	events, err := k.client.CoreV1().Events(ns).List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list events in %s: %w", ns, err)
	}

	// Warnings first, newest first.
	items := events.Items
	sort.Slice(items, func(i, j int) bool {
		if items[i].Type != items[j].Type {
			return items[i].Type == corev1.EventTypeWarning
		}
		return items[i].LastTimestamp.After(items[j].LastTimestamp.Time)
	})
	if len(items) > 20 {
		items = items[:20]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d recent events in namespace %s:\n", len(items), ns)
	for _, ev := range items {
		fmt.Fprintf(&sb, "- [%s] %s %s/%s: %s\n", ev.Type, ev.Reason, ev.InvolvedObject.Kind, ev.InvolvedObject.Name, ev.Message)
	}
	return sb.String(), nil
}
