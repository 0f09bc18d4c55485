package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/fake"
)

func int32ptr(v int32) *int32 { return &v }

func testDeployment(name, ns string, replicas int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, UID: types.UID("dep-" + name)},
		Spec: appsv1.DeploymentSpec{
			Replicas: int32ptr(replicas),
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: "app", Image: "app:v2"}}},
			},
		},
	}
}

func TestGetPods(t *testing.T) {
	client := fake.NewSimpleClientset(
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "web-1", Namespace: "payments"},
			Status:     corev1.PodStatus{Phase: corev1.PodRunning},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "web-2", Namespace: "payments"},
			Status:     corev1.PodStatus{Phase: corev1.PodPending},
		},
	)
	k := NewKubeToolset(client)

	out, err := k.getPods(context.Background(), map[string]interface{}{"namespace": "payments"})
	require.NoError(t, err)
	assert.Contains(t, out, "2 pods in namespace payments")
	assert.Contains(t, out, "web-1 phase=Running")
}

func TestDeletePod(t *testing.T) {
	client := fake.NewSimpleClientset(
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "web-1", Namespace: "default"}},
	)
	k := NewKubeToolset(client)
	ctx := context.Background()

	out, err := k.deletePod(ctx, map[string]interface{}{"pod_name": "web-1"})
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted pod default/web-1")

	_, err = client.CoreV1().Pods("default").Get(ctx, "web-1", metav1.GetOptions{})
	assert.Error(t, err)

	_, err = k.deletePod(ctx, map[string]interface{}{})
	assert.Error(t, err)
}

func TestRestartDeploymentSetsAnnotation(t *testing.T) {
	client := fake.NewSimpleClientset(testDeployment("web", "default", 3))
	k := NewKubeToolset(client)
	ctx := context.Background()

	_, err := k.restartDeployment(ctx, map[string]interface{}{"deployment_name": "web"})
	require.NoError(t, err)

	dep, err := client.AppsV1().Deployments("default").Get(ctx, "web", metav1.GetOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, dep.Spec.Template.Annotations[restartedAtAnnotation])
}

func TestScaleDeployment(t *testing.T) {
	client := fake.NewSimpleClientset(testDeployment("web", "default", 3))
	k := NewKubeToolset(client)
	ctx := context.Background()

	out, err := k.scaleDeployment(ctx, map[string]interface{}{"deployment_name": "web", "replicas": float64(5)})
	require.NoError(t, err)
	assert.Contains(t, out, "from 3 to 5 replicas")

	dep, err := client.AppsV1().Deployments("default").Get(ctx, "web", metav1.GetOptions{})
	require.NoError(t, err)
	require.NotNil(t, dep.Spec.Replicas)
	assert.Equal(t, int32(5), *dep.Spec.Replicas)

	_, err = k.scaleDeployment(ctx, map[string]interface{}{"deployment_name": "web"})
	assert.Error(t, err, "missing replicas must be rejected")
}

func TestRollbackDeployment(t *testing.T) {
	dep := testDeployment("web", "default", 3)
	current := &appsv1.ReplicaSet{
		ObjectMeta: metav1.ObjectMeta{
			Name: "web-2", Namespace: "default",
			Annotations:     map[string]string{"deployment.kubernetes.io/revision": "2"},
			OwnerReferences: []metav1.OwnerReference{{UID: dep.UID}},
		},
		Spec: appsv1.ReplicaSetSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: "app", Image: "app:v2"}}},
			},
		},
	}
	previous := &appsv1.ReplicaSet{
		ObjectMeta: metav1.ObjectMeta{
			Name: "web-1", Namespace: "default",
			Annotations:     map[string]string{"deployment.kubernetes.io/revision": "1"},
			OwnerReferences: []metav1.OwnerReference{{UID: dep.UID}},
		},
		Spec: appsv1.ReplicaSetSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: "app", Image: "app:v1"}}},
			},
		},
	}
	client := fake.NewSimpleClientset(dep, current, previous)
	k := NewKubeToolset(client)
	ctx := context.Background()

	out, err := k.rollbackDeployment(ctx, map[string]interface{}{"deployment_name": "web"})
	require.NoError(t, err)
	assert.Contains(t, out, "revision 1")

	got, err := client.AppsV1().Deployments("default").Get(ctx, "web", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "app:v1", got.Spec.Template.Spec.Containers[0].Image)
}

func TestRollbackWithoutHistoryFails(t *testing.T) {
	client := fake.NewSimpleClientset(testDeployment("web", "default", 3))
	k := NewKubeToolset(client)

	_, err := k.rollbackDeployment(context.Background(), map[string]interface{}{"deployment_name": "web"})
	assert.ErrorContains(t, err, "no previous revision")
}

func TestDeleteResourceKinds(t *testing.T) {
	client := fake.NewSimpleClientset(
		&corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: "app-config", Namespace: "default"}},
	)
	k := NewKubeToolset(client)
	ctx := context.Background()

	out, err := k.deleteResource(ctx, map[string]interface{}{"kind": "configmap", "name": "app-config"})
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted configmap default/app-config")

	_, err = k.deleteResource(ctx, map[string]interface{}{"kind": "crontab", "name": "x"})
	assert.ErrorContains(t, err, "does not support kind")
}

func TestRegistryRegistration(t *testing.T) {
	reg := NewRegistry()
	NewKubeToolset(fake.NewSimpleClientset()).RegisterAll(reg)

	for _, name := range []string{"get_pods", "delete_pod", "restart_deployment", "scale_deployment", "rollback_deployment", "patch_resource", "delete_resource"} {
		assert.True(t, reg.Has(name), name)
	}
	_, err := reg.Get("nonexistent")
	assert.Error(t, err)
}
