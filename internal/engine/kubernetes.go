package engine

import (
	"archive/tar"
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dangazineu/popper/internal/errors"
	"github.com/dangazineu/popper/internal/workflow"
	"github.com/klauspost/compress/gzip"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
)

const (
	initPodImage   = "debian:stable"
	volumeName     = "workspace"
	stepContainer  = "step"
	managedByLabel = "app.kubernetes.io/managed-by"
)

// PodExecutor runs a command in a pod container.
type PodExecutor interface {
	Exec(ctx context.Context, namespace, pod, container string, command []string, stdin io.Reader, stdout, stderr io.Writer) error
}

type spdyPodExecutor struct {
	config *rest.Config
	client kubernetes.Interface
}

func (e *spdyPodExecutor) Exec(ctx context.Context, namespace, pod, container string, command []string, stdin io.Reader, stdout, stderr io.Writer) error {
	req := e.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(namespace).
		Name(pod).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   command,
			Stdin:     stdin != nil,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)
	executor, err := remotecommand.NewSPDYExecutor(e.config, "POST", req.URL())
	if err != nil {
		return err
	}
	return executor.StreamWithContext(ctx, remotecommand.StreamOptions{Stdin: stdin, Stdout: stdout, Stderr: stderr})
}

// KubernetesRunner runs each step in its own pod. The workspace is copied
// once into a shared persistent volume claim that every step pod mounts.
type KubernetesRunner struct {
	Base
	client  kubernetes.Interface
	podExec PodExecutor

	namespace    string
	volumeSize   resource.Quantity
	pvName       string
	storageClass string
	nodeHost     string
	retryLimit   int
	pollInterval time.Duration

	pvcName     string
	initPodName string

	mu sync.Mutex
	// claimCreated is set once the claim exists, even if it never binds.
	claimCreated bool
	initialized  bool
	pods         nameSet
}

func NewKubernetesRunner(opts RunnerOptions) (StepRunner, error) {
	return newKubernetesRunner(opts)
}

func newKubernetesRunner(opts RunnerOptions) (*KubernetesRunner, error) {
	r := &KubernetesRunner{Base: newBase(opts), pollInterval: time.Second}
	size, err := resource.ParseQuantity(r.cfg.ResmanString("volume_size", "500Mi"))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "invalid volume_size")
	}
	r.volumeSize = size
	r.namespace = r.cfg.ResmanString("namespace", "default")
	r.pvName = r.cfg.ResmanString("persistent_volume_name", "")
	r.storageClass = r.cfg.ResmanString("storage_class", "manual")
	r.nodeHost = r.cfg.ResmanString("node_selector_host_name", "")
	r.retryLimit = toInt(r.cfg.ResmanOptions["step_pod_retry_limit"], 60)

	base := "popper-" + r.cfg.Wid
	r.pvcName = base + "-pvc"
	r.initPodName = base + "-init"

	if r.cfg.DryRun {
		return r, nil
	}

	r.client, r.podExec = opts.Kubernetes, opts.PodExec
	if r.client == nil || r.podExec == nil {
		config, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			clientcmd.NewDefaultClientConfigLoadingRules(), &clientcmd.ConfigOverrides{},
		).ClientConfig()
		if err != nil {
			return nil, errors.Wrap(err, errors.KindConfig, "failed to load kubernetes configuration")
		}
		if r.client == nil {
			client, err := kubernetes.NewForConfig(config)
			if err != nil {
				return nil, errors.Wrap(err, errors.KindConfig, "failed to create kubernetes client")
			}
			r.client = client
		}
		if r.podExec == nil {
			r.podExec = &spdyPodExecutor{config: config, client: r.client}
		}
	}
	return r, nil
}

// podName is a DNS-1123 form of the step's resource name.
func podName(name string) string {
	return strings.NewReplacer("_", "-", ".", "-").Replace(strings.ToLower(name))
}

func (r *KubernetesRunner) Run(ctx context.Context, step *workflow.Step) (int, error) {
	info, err := r.BuildInfo(step)
	if err != nil {
		return 0, err
	}
	image := info.Ref()
	if info.Build {
		pushed, err := r.registryImage(info)
		if err != nil && !r.cfg.DryRun {
			return 0, err
		}
		if err == nil {
			image = pushed
		}
	}
	name := podName(sanitizedName(step.ID, r.cfg.Wid))
	r.log.Info().Str("step", step.ID).Msgf("[%s] kubernetes pod %s/%s image=%s", step.ID, r.namespace, name, image)
	if r.cfg.DryRun {
		return 0, nil
	}

	if err := r.ensureVolume(ctx); err != nil {
		return 0, err
	}
	if info.Build && !r.cfg.SkipPull && !step.SkipPull {
		if err := r.buildAndPush(step, info, image); err != nil {
			return 0, err
		}
	}

	pods := r.client.CoreV1().Pods(r.namespace)
	if _, err := pods.Create(ctx, r.stepPod(step, name, image), metav1.CreateOptions{}); err != nil {
		return 0, errors.Wrap(err, errors.KindStep, "failed to create pod "+name)
	}
	r.pods.add(name)
	defer func() {
		r.pods.remove(name)
		r.deletePod(name)
	}()

	if err := r.waitForPod(ctx, name, started, r.retryLimit); err != nil {
		return 0, err
	}
	if err := r.streamLogs(ctx, name); err != nil {
		r.log.Warn().Err(err).Str("step", step.ID).Msg("failed to stream pod logs")
	}

	var phase corev1.PodPhase
	err = pollUntil(ctx, 0, r.pollInterval, func() (bool, error) {
		pod, err := pods.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		phase = pod.Status.Phase
		return phase == corev1.PodSucceeded || phase == corev1.PodFailed, nil
	})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return 1, nil
		}
		return 0, errors.Wrap(err, errors.KindStep, "failed to get status of pod "+name)
	}
	if phase == corev1.PodSucceeded {
		return 0, nil
	}
	return 1, nil
}

// registryImage names the image a locally built step is pushed as.
func (r *KubernetesRunner) registryImage(info BuildInfo) (string, error) {
	registry := r.cfg.ResmanString("registry", "")
	user := r.cfg.ResmanString("registry_user", "")
	if registry == "" || user == "" {
		return "", errors.New(errors.KindConfig, "building images for kubernetes requires the registry and registry_user resource manager options")
	}
	return fmt.Sprintf("%s/%s/%s:%s", registry, user, strings.ReplaceAll(info.Image, "/", "_"), info.Tag), nil
}

func (r *KubernetesRunner) buildAndPush(step *workflow.Step, info BuildInfo, image string) error {
	registry := r.cfg.ResmanString("registry", "")
	user := r.cfg.ResmanString("registry_user", "")
	password := r.cfg.ResmanString("registry_password", os.Getenv("POPPER_REGISTRY_PASSWORD"))
	if password == "" {
		return errors.New(errors.KindConfig, "pushing images requires the registry_password option or POPPER_REGISTRY_PASSWORD")
	}

	r.log.Info().Str("step", step.ID).Msgf("[%s] docker build -t %s %s", step.ID, image, info.Context)
	if code, err := r.stream(Command{Name: "docker", Args: []string{"build", "--rm", "-t", image, info.Context}}); err != nil || code != 0 {
		return errors.Wrap(fmt.Errorf("exit code %d: %v", code, err), errors.KindBuild, "failed to build "+image)
	}
	out, code, err := r.exec.Output(Command{
		Name:  "docker",
		Args:  []string{"login", "--username", user, "--password-stdin", registry},
		Stdin: strings.NewReader(password),
	})
	if err != nil || code != 0 {
		return errors.Wrap(fmt.Errorf("%s", out), errors.KindBuild, "failed to log in to "+registry)
	}
	r.log.Info().Str("step", step.ID).Msgf("[%s] docker push %s", step.ID, image)
	if code, err := r.stream(Command{Name: "docker", Args: []string{"push", image}}); err != nil || code != 0 {
		return errors.Wrap(fmt.Errorf("exit code %d: %v", code, err), errors.KindBuild, "failed to push "+image)
	}
	return nil
}

// ensureVolume provisions the claim and copies the workspace into it the
// first time a step runs.
func (r *KubernetesRunner) ensureVolume(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}

	claims := r.client.CoreV1().PersistentVolumeClaims(r.namespace)
	if _, err := claims.Create(ctx, r.claim(), metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return errors.Wrap(err, errors.KindProvision, "failed to create persistent volume claim "+r.pvcName)
	}
	r.claimCreated = true
	err := pollUntil(ctx, r.retryLimit, r.pollInterval, func() (bool, error) {
		pvc, err := claims.Get(ctx, r.pvcName, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		return pvc.Status.Phase == corev1.ClaimBound, nil
	})
	if err != nil {
		return errors.Wrap(err, errors.KindProvision, "persistent volume claim "+r.pvcName+" was not bound")
	}

	pods := r.client.CoreV1().Pods(r.namespace)
	if _, err := pods.Create(ctx, r.initPod(), metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return errors.Wrap(err, errors.KindProvision, "failed to create pod "+r.initPodName)
	}
	r.pods.add(r.initPodName)
	defer func() {
		r.pods.remove(r.initPodName)
		r.deletePod(r.initPodName)
	}()
	if err := r.waitForPod(ctx, r.initPodName, func(phase corev1.PodPhase) bool { return phase == corev1.PodRunning }, r.retryLimit); err != nil {
		return err
	}

	archive, err := archiveDir(r.cfg.WorkspaceDir)
	if err != nil {
		return errors.Wrap(err, errors.KindProvision, "failed to archive workspace")
	}
	var stderr bytes.Buffer
	err = r.podExec.Exec(ctx, r.namespace, r.initPodName, stepContainer,
		[]string{"tar", "-xzf", "-", "-C", workspaceMount}, archive, io.Discard, &stderr)
	if err != nil {
		return errors.Wrap(fmt.Errorf("%w: %s", err, stderr.String()), errors.KindProvision, "failed to copy workspace to pod "+r.initPodName)
	}
	r.log.Info().Msgf("copied workspace to persistent volume claim %s", r.pvcName)
	r.initialized = true
	return nil
}

func started(phase corev1.PodPhase) bool {
	return phase != "" && phase != corev1.PodPending
}

func (r *KubernetesRunner) waitForPod(ctx context.Context, name string, ready func(corev1.PodPhase) bool, limit int) error {
	pods := r.client.CoreV1().Pods(r.namespace)
	err := pollUntil(ctx, limit, r.pollInterval, func() (bool, error) {
		pod, err := pods.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		return ready(pod.Status.Phase), nil
	})
	if err != nil {
		return errors.Wrap(err, errors.KindProvision, "pod "+name+" did not start")
	}
	return nil
}

func (r *KubernetesRunner) streamLogs(ctx context.Context, name string) error {
	stream, err := r.client.CoreV1().Pods(r.namespace).GetLogs(name, &corev1.PodLogOptions{Follow: true}).Stream(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()
	scanLines(stream, r.log.StepInfo)
	return nil
}

func (r *KubernetesRunner) labels() map[string]string {
	return map[string]string{managedByLabel: "popper", "popper/wid": r.cfg.Wid}
}

func (r *KubernetesRunner) nodeSelector() map[string]string {
	if r.nodeHost == "" {
		return nil
	}
	return map[string]string{"kubernetes.io/hostname": r.nodeHost}
}

func (r *KubernetesRunner) volumes() []corev1.Volume {
	return []corev1.Volume{{
		Name: volumeName,
		VolumeSource: corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: r.pvcName},
		},
	}}
}

func (r *KubernetesRunner) claim() *corev1.PersistentVolumeClaim {
	storageClass := r.storageClass
	return &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: r.pvcName, Namespace: r.namespace, Labels: r.labels()},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes:      []corev1.PersistentVolumeAccessMode{corev1.ReadWriteMany},
			StorageClassName: &storageClass,
			VolumeName:       r.pvName,
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: r.volumeSize},
			},
		},
	}
}

func (r *KubernetesRunner) initPod() *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: r.initPodName, Namespace: r.namespace, Labels: r.labels()},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			NodeSelector:  r.nodeSelector(),
			Volumes:       r.volumes(),
			Containers: []corev1.Container{{
				Name:         stepContainer,
				Image:        initPodImage,
				Command:      []string{"sleep", "infinity"},
				VolumeMounts: []corev1.VolumeMount{{Name: volumeName, MountPath: workspaceMount}},
			}},
		},
	}
}

func (r *KubernetesRunner) stepPod(step *workflow.Step, name, image string) *corev1.Pod {
	env := r.prepareEnvironment(step, nil)
	vars := make([]corev1.EnvVar, 0, len(env))
	for _, kv := range envList(env) {
		k, v, _ := strings.Cut(kv, "=")
		vars = append(vars, corev1.EnvVar{Name: k, Value: v})
	}
	pullPolicy := corev1.PullAlways
	if r.cfg.SkipPull || step.SkipPull {
		pullPolicy = corev1.PullIfNotPresent
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: r.namespace, Labels: r.labels()},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			NodeSelector:  r.nodeSelector(),
			Volumes:       r.volumes(),
			Containers: []corev1.Container{{
				Name:            stepContainer,
				Image:           image,
				ImagePullPolicy: pullPolicy,
				Command:         append([]string(nil), step.Runs...),
				Args:            append([]string(nil), step.Args...),
				WorkingDir:      workingDir(step),
				Env:             vars,
				VolumeMounts:    []corev1.VolumeMount{{Name: volumeName, MountPath: workspaceMount}},
			}},
		},
	}
}

func (r *KubernetesRunner) deletePod(name string) {
	grace := int64(0)
	err := r.client.CoreV1().Pods(r.namespace).Delete(context.Background(), name, metav1.DeleteOptions{GracePeriodSeconds: &grace})
	if err != nil && !apierrors.IsNotFound(err) {
		r.log.Warn().Err(err).Msgf("failed to delete pod %s", name)
	}
}

func (r *KubernetesRunner) StopRunningTasks() {
	if r.client == nil {
		return
	}
	for _, name := range r.pods.snapshot() {
		r.log.Info().Msgf("deleting pod %s", name)
		r.deletePod(name)
	}
	r.killProcesses()
}

// Close deletes the claim created for the workspace.
func (r *KubernetesRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil || !r.claimCreated {
		return nil
	}
	err := r.client.CoreV1().PersistentVolumeClaims(r.namespace).Delete(context.Background(), r.pvcName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return errors.Wrap(err, errors.KindProvision, "failed to delete persistent volume claim "+r.pvcName)
	}
	r.claimCreated = false
	r.initialized = false
	return nil
}

// archiveDir returns a gzip compressed tarball of dir with paths relative
// to dir.
func archiveDir(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := stderrors.Join(tw.Close(), gz.Close()); err != nil {
		return nil, err
	}
	return &buf, nil
}
