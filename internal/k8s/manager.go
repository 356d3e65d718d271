// Package k8s binds the VM manager contract to a Kubernetes cluster. Each
// box is a single-replica Deployment; scaling it to zero stops the box.
package k8s

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/uuid"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	"k8s.io/client-go/util/retry"

	"github.com/fslongjin/agentboxd/internal/vm"
	"github.com/fslongjin/agentboxd/pkg/model"
)

const (
	DefaultNamespace = "agentboxd"
	LabelApp         = "agentboxd"
	LabelBoxID       = "agentboxd/box-id"
	AnnotationPrefix = "agentboxd/tag-"
	ContainerName    = "box"

	defaultSSHPort      = 22
	defaultAddrTimeout  = 3 * time.Minute
	defaultPollInterval = 2 * time.Second
)

var ErrNoRunningPod = errors.New("no running pod for box")

type Config struct {
	Kubeconfig  string
	Namespace   string
	Image       string
	SSHPort     int
	CPU         string
	Memory      string
	AddrTimeout time.Duration
}

// Manager implements vm.Manager and vm.CommandRunner.
type Manager struct {
	clientset    kubernetes.Interface
	restConfig   *rest.Config
	namespace    string
	image        string
	sshPort      int
	resources    corev1.ResourceRequirements
	addrTimeout  time.Duration
	pollInterval time.Duration
	newID        func() string
}

// NewManager builds a manager from a kubeconfig path, or from the in-cluster
// config when the path is empty.
func NewManager(cfg Config) (*Manager, error) {
	var restConfig *rest.Config
	var err error
	if cfg.Kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kubernetes config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return newManager(clientset, restConfig, cfg)
}

func newManager(clientset kubernetes.Interface, restConfig *rest.Config, cfg Config) (*Manager, error) {
	ref, err := name.ParseReference(cfg.Image)
	if err != nil {
		return nil, fmt.Errorf("invalid box image %q: %w", cfg.Image, err)
	}
	resources, err := parseResources(cfg.CPU, cfg.Memory)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		clientset:    clientset,
		restConfig:   restConfig,
		namespace:    cfg.Namespace,
		image:        ref.Name(),
		sshPort:      cfg.SSHPort,
		resources:    resources,
		addrTimeout:  cfg.AddrTimeout,
		pollInterval: defaultPollInterval,
		newID:        func() string { return "box-" + uuid.NewString()[:12] },
	}
	if m.namespace == "" {
		m.namespace = DefaultNamespace
	}
	if m.sshPort <= 0 {
		m.sshPort = defaultSSHPort
	}
	if m.addrTimeout <= 0 {
		m.addrTimeout = defaultAddrTimeout
	}
	return m, nil
}

func (m *Manager) EnsureNamespace(ctx context.Context) error {
	_, err := m.clientset.CoreV1().Namespaces().Get(ctx, m.namespace, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to get namespace %s: %w", m.namespace, err)
	}
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: m.namespace}}
	if _, err := m.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create namespace %s: %w", m.namespace, err)
	}
	return nil
}

// Create starts a Deployment for a new box and waits until its pod has an
// address.
func (m *Manager) Create(ctx context.Context, req vm.CreateRequest) (*vm.CreateResult, error) {
	id := m.newID()
	labels := map[string]string{
		"app":      LabelApp,
		LabelBoxID: id,
	}
	annotations := map[string]string{
		AnnotationPrefix + vm.TagRepo:   req.RepoURL,
		AnnotationPrefix + vm.TagBranch: req.Branch,
	}
	for k, v := range req.Tags {
		annotations[AnnotationPrefix+k] = v
	}

	replicas := int32(1)
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        id,
			Namespace:   m.namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{LabelBoxID: id}},
			Strategy: appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:            ContainerName,
						Image:           m.image,
						ImagePullPolicy: corev1.PullIfNotPresent,
						Ports: []corev1.ContainerPort{{
							Name:          "ssh",
							ContainerPort: int32(m.sshPort),
							Protocol:      corev1.ProtocolTCP,
						}},
						Resources: m.resources,
					}},
				},
			},
		},
	}
	if _, err := m.clientset.AppsV1().Deployments(m.namespace).Create(ctx, dep, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("failed to create deployment %s: %w", id, err)
	}

	network, err := m.waitForAddress(ctx, id)
	if err != nil {
		_ = m.Delete(context.WithoutCancel(ctx), id)
		return nil, err
	}
	return &vm.CreateResult{ID: id, Network: network}, nil
}

func (m *Manager) waitForAddress(ctx context.Context, id string) (model.Network, error) {
	var network model.Network
	err := wait.PollUntilContextTimeout(ctx, m.pollInterval, m.addrTimeout, true, func(ctx context.Context) (bool, error) {
		pod, err := m.runningPod(ctx, id)
		if errors.Is(err, ErrNoRunningPod) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		network = model.Network{PublicIP: pod.Status.PodIP, SSHPort: m.sshPort}
		return true, nil
	})
	if err != nil {
		return model.Network{}, fmt.Errorf("failed waiting for box %s address: %w", id, err)
	}
	return network, nil
}

func (m *Manager) Start(ctx context.Context, id string) error {
	return m.scale(ctx, id, 1)
}

func (m *Manager) Stop(ctx context.Context, id string) error {
	return m.scale(ctx, id, 0)
}

func (m *Manager) scale(ctx context.Context, id string, replicas int32) error {
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		dep, err := m.clientset.AppsV1().Deployments(m.namespace).Get(ctx, id, metav1.GetOptions{})
		if err != nil {
			return err
		}
		dep.Spec.Replicas = &replicas
		_, err = m.clientset.AppsV1().Deployments(m.namespace).Update(ctx, dep, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to scale box %s to %d: %w", id, replicas, err)
	}
	return nil
}

// Delete removes the box. Deleting a missing box succeeds.
func (m *Manager) Delete(ctx context.Context, id string) error {
	policy := metav1.DeletePropagationForeground
	err := m.clientset.AppsV1().Deployments(m.namespace).Delete(ctx, id, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete box %s: %w", id, err)
	}
	return nil
}

func (m *Manager) GetStatus(ctx context.Context, id string) (vm.Status, error) {
	dep, err := m.clientset.AppsV1().Deployments(m.namespace).Get(ctx, id, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to get box %s: %w", id, err)
	}
	if dep.Spec.Replicas != nil && *dep.Spec.Replicas == 0 {
		return vm.StatusStopped, nil
	}

	pods, err := m.listPods(ctx, id)
	if err != nil {
		return "", err
	}
	for _, pod := range pods {
		if pod.Status.Phase == corev1.PodFailed || crashLooping(&pod) {
			return vm.StatusError, nil
		}
	}
	if dep.Status.AvailableReplicas > 0 {
		return vm.StatusRunning, nil
	}
	return vm.StatusCreating, nil
}

func crashLooping(pod *corev1.Pod) bool {
	for _, cs := range pod.Status.ContainerStatuses {
		if w := cs.State.Waiting; w != nil {
			switch w.Reason {
			case "CrashLoopBackOff", "ImagePullBackOff", "ErrImagePull":
				return true
			}
		}
	}
	return false
}

// Tag merges tags into the box's annotations. Tag values such as repository
// URLs are not valid label values, so they never become labels.
func (m *Manager) Tag(ctx context.Context, id string, tags map[string]string) error {
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		dep, err := m.clientset.AppsV1().Deployments(m.namespace).Get(ctx, id, metav1.GetOptions{})
		if err != nil {
			return err
		}
		if dep.Annotations == nil {
			dep.Annotations = map[string]string{}
		}
		for k, v := range tags {
			dep.Annotations[AnnotationPrefix+k] = v
		}
		_, err = m.clientset.AppsV1().Deployments(m.namespace).Update(ctx, dep, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to tag box %s: %w", id, err)
	}
	return nil
}

// Tags returns the tags recorded on the box.
func (m *Manager) Tags(ctx context.Context, id string) (map[string]string, error) {
	dep, err := m.clientset.AppsV1().Deployments(m.namespace).Get(ctx, id, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get box %s: %w", id, err)
	}
	tags := map[string]string{}
	for k, v := range dep.Annotations {
		if key, ok := strings.CutPrefix(k, AnnotationPrefix); ok {
			tags[key] = v
		}
	}
	return tags, nil
}

func (m *Manager) GetIP(ctx context.Context, id string) (model.Network, error) {
	pod, err := m.runningPod(ctx, id)
	if err != nil {
		return model.Network{}, err
	}
	return model.Network{PublicIP: pod.Status.PodIP, SSHPort: m.sshPort}, nil
}

func (m *Manager) listPods(ctx context.Context, id string) ([]corev1.Pod, error) {
	list, err := m.clientset.CoreV1().Pods(m.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", LabelBoxID, id),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods for box %s: %w", id, err)
	}
	return list.Items, nil
}

// runningPod picks the newest running pod that has an IP.
func (m *Manager) runningPod(ctx context.Context, id string) (*corev1.Pod, error) {
	pods, err := m.listPods(ctx, id)
	if err != nil {
		return nil, err
	}
	sort.Slice(pods, func(i, j int) bool {
		return pods[i].CreationTimestamp.After(pods[j].CreationTimestamp.Time)
	})
	for i := range pods {
		pod := &pods[i]
		if pod.DeletionTimestamp == nil && pod.Status.Phase == corev1.PodRunning && pod.Status.PodIP != "" {
			return pod, nil
		}
	}
	return nil, fmt.Errorf("%w %s", ErrNoRunningPod, id)
}

// RunCommand executes the script with bash inside the box's pod. A non-zero
// exit is reported in the result, not as an error.
func (m *Manager) RunCommand(ctx context.Context, hostID string, script []string) (*vm.CommandResult, error) {
	pod, err := m.runningPod(ctx, hostID)
	if err != nil {
		return nil, err
	}
	if m.restConfig == nil {
		return nil, errors.New("pod exec requires a rest config")
	}

	req := m.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod.Name).
		Namespace(m.namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: ContainerName,
			Command:   []string{"bash", "-lc", strings.Join(script, "\n")},
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(m.restConfig, "POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	var stdout, stderr bytes.Buffer
	started := time.Now().UTC()
	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})
	result := &vm.CommandResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}
	if err != nil {
		var exitErr interface{ ExitStatus() int }
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to exec in box %s: %w", hostID, err)
		}
		result.ExitCode = exitErr.ExitStatus()
	}
	return result, nil
}

func parseResources(cpu, memory string) (corev1.ResourceRequirements, error) {
	limits := corev1.ResourceList{}
	if cpu != "" {
		q, err := resource.ParseQuantity(cpu)
		if err != nil {
			return corev1.ResourceRequirements{}, fmt.Errorf("invalid cpu limit %q: %w", cpu, err)
		}
		limits[corev1.ResourceCPU] = q
	}
	if memory != "" {
		q, err := resource.ParseQuantity(memory)
		if err != nil {
			return corev1.ResourceRequirements{}, fmt.Errorf("invalid memory limit %q: %w", memory, err)
		}
		limits[corev1.ResourceMemory] = q
	}
	if len(limits) == 0 {
		return corev1.ResourceRequirements{}, nil
	}
	return corev1.ResourceRequirements{Limits: limits}, nil
}
