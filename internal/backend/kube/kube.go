// Package kube implements the cluster backend over client-go. Isolation is
// policy based: the workload shares the cluster network, so a default-deny
// NetworkPolicy must exist before the workload does.
package kube

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/bbrowning/paude/internal/backend"
	"github.com/bbrowning/paude/internal/creds"
	"github.com/bbrowning/paude/internal/netpolicy"
	"github.com/bbrowning/paude/internal/session"
)

// InteractiveRunner runs kubectl with the caller's terminal attached.
type InteractiveRunner func(ctx context.Context, args ...string) error

// ArtifactLoader reads an artifact's file content. Tests inject a fake so
// secrets can be built without real host credentials.
type ArtifactLoader func(art *creds.Artifact) (map[string][]byte, error)

// Config for the cluster backend.
type Config struct {
	Client       kubernetes.Interface
	Namespace    string
	Context      string // kubeconfig context, used by kubectl attach
	Image        string
	RelayImage   string
	PVCSize      string // workspace claim size, e.g. "10Gi"
	StorageClass string

	// CredentialTimeoutMinutes is handed to the in-pod watchdog.
	CredentialTimeoutMinutes int

	// ReadyTimeout bounds the wait for the workload pod after a scale-up.
	ReadyTimeout time.Duration
	// PollInterval between readiness probes.
	PollInterval time.Duration

	Interactive InteractiveRunner
	Loader      ArtifactLoader
	Logger      *slog.Logger
}

// Backend drives a remote cluster.
type Backend struct {
	client       kubernetes.Interface
	namespace    string
	kubeContext  string
	image        string
	relayImage   string
	pvcSize      string
	storageClass string
	credMinutes  int
	readyTimeout time.Duration
	pollInterval time.Duration
	interactive  InteractiveRunner
	loadArtifact ArtifactLoader
	logger       *slog.Logger
}

// New creates a cluster backend from an existing client.
func New(cfg Config) (*Backend, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("kubernetes client is required")
	}
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	b := &Backend{
		client:       cfg.Client,
		namespace:    cfg.Namespace,
		kubeContext:  cfg.Context,
		image:        cfg.Image,
		relayImage:   cfg.RelayImage,
		pvcSize:      cfg.PVCSize,
		storageClass: cfg.StorageClass,
		credMinutes:  cfg.CredentialTimeoutMinutes,
		readyTimeout: cfg.ReadyTimeout,
		pollInterval: cfg.PollInterval,
		interactive:  cfg.Interactive,
		loadArtifact: cfg.Loader,
		logger:       cfg.Logger,
	}
	if b.pvcSize == "" {
		b.pvcSize = "10Gi"
	}
	if b.readyTimeout == 0 {
		b.readyTimeout = 5 * time.Minute
	}
	if b.pollInterval == 0 {
		b.pollInterval = 2 * time.Second
	}
	if b.interactive == nil {
		b.interactive = func(ctx context.Context, args ...string) error {
			cmd := exec.CommandContext(ctx, "kubectl", args...)
			cmd.Stdin = os.Stdin
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			return cmd.Run()
		}
	}
	if b.loadArtifact == nil {
		b.loadArtifact = func(art *creds.Artifact) (map[string][]byte, error) {
			return art.Load()
		}
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b, nil
}

// NewFromKubeconfig builds the client from the user's kubeconfig, honoring
// an explicit context and namespace the way kubectl would.
func NewFromKubeconfig(cfg Config, kubeconfig string) (*Backend, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: cfg.Context}
	loader := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides)

	restCfg, err := loader.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build cluster client: %w", err)
	}
	cfg.Client = client

	if cfg.Namespace == "" {
		ns, _, err := loader.Namespace()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve namespace: %w", err)
		}
		cfg.Namespace = ns
	}
	return New(cfg)
}

func (b *Backend) Kind() string { return "kube" }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Isolation: netpolicy.Capability{
			Mechanism:   netpolicy.MechanismPolicy,
			SharedRelay: true,
			RelayPort:   netpolicy.DefaultRelayPort,
		},
		DurableStorage:    true,
		MultiplexedAttach: true,
	}
}

func (b *Backend) imageFor(sess *session.Session) string {
	if sess.Image != "" {
		return sess.Image
	}
	return b.image
}

// Provision applies the plan's resources in order. The deny policy lands
// before the workload ever exists, so there is no window of open egress.
func (b *Backend) Provision(ctx context.Context, sess *session.Session, plan *netpolicy.Plan, bundle *creds.Bundle, opts backend.ProvisionOptions) error {
	rollback := backend.NewRollback(b.logger)
	fail := func(err error) error {
		return &backend.PartialProvisionError{
			Op: "provision", SessionID: sess.ID, Err: err,
			CleanupErrs: rollback.Run(ctx),
		}
	}

	for _, res := range plan.Resources {
		switch res.Kind {
		case netpolicy.ResourceDenyPolicy:
			created, err := b.ensureNetworkPolicy(ctx, sess, plan)
			if err != nil {
				return fail(err)
			}
			if created {
				name := res.Name
				rollback.Add("networkpolicy "+name, func(ctx context.Context) error {
					return b.client.NetworkingV1().NetworkPolicies(b.namespace).
						Delete(ctx, name, metav1.DeleteOptions{})
				})
			}

		case netpolicy.ResourceRelay:
			created, err := b.ensureRelayDeployment(ctx, sess, plan)
			if err != nil {
				return fail(err)
			}
			// A shared relay created here may already serve another
			// session by the time this attempt fails; only a relay
			// scoped to this session alone is safe to undo.
			if created && !res.Shared {
				name := res.Name
				rollback.Add("relay "+name, func(ctx context.Context) error {
					return b.client.AppsV1().Deployments(b.namespace).
						Delete(ctx, name, metav1.DeleteOptions{})
				})
			}

		case netpolicy.ResourceRelayService:
			created, err := b.ensureRelayService(ctx, sess, plan)
			if err != nil {
				return fail(err)
			}
			if created && !res.Shared {
				name := res.Name
				rollback.Add("relay service "+name, func(ctx context.Context) error {
					return b.client.CoreV1().Services(b.namespace).
						Delete(ctx, name, metav1.DeleteOptions{})
				})
			}

		case netpolicy.ResourceWorkload:
			secretsCreated, err := b.applySecrets(ctx, sess, bundle)
			for _, name := range secretsCreated {
				secret := name
				rollback.Add("secret "+secret, func(ctx context.Context) error {
					return b.client.CoreV1().Secrets(b.namespace).
						Delete(ctx, secret, metav1.DeleteOptions{})
				})
			}
			if err != nil {
				return fail(err)
			}

			created, err := b.ensureStatefulSet(ctx, sess, plan, bundle, opts.Rebuild)
			if err != nil {
				return fail(err)
			}
			name := res.Name
			if created {
				rollback.Add("statefulset "+name, func(ctx context.Context) error {
					return b.client.AppsV1().StatefulSets(b.namespace).
						Delete(ctx, name, metav1.DeleteOptions{})
				})
			} else {
				rollback.Add("scale down "+name, func(ctx context.Context) error {
					return b.scaleStatefulSet(ctx, sess, 0)
				})
			}

			if err := b.scaleStatefulSet(ctx, sess, 1); err != nil {
				return fail(err)
			}
			if err := b.waitForWorkloadReady(ctx, sess); err != nil {
				return fail(err)
			}
		}
	}

	rollback.Discard()
	return nil
}

func (b *Backend) ensureNetworkPolicy(ctx context.Context, sess *session.Session, plan *netpolicy.Plan) (bool, error) {
	policy := b.buildNetworkPolicy(sess, plan)
	_, err := b.client.NetworkingV1().NetworkPolicies(b.namespace).
		Create(ctx, policy, metav1.CreateOptions{})
	if err == nil {
		return true, nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return false, b.classify("create networkpolicy", sess.ID, err)
	}

	existing, err := b.client.NetworkingV1().NetworkPolicies(b.namespace).
		Get(ctx, policy.Name, metav1.GetOptions{})
	if err != nil {
		return false, b.classify("get networkpolicy", sess.ID, err)
	}
	existing.Labels = policy.Labels
	existing.Spec = policy.Spec
	if _, err := b.client.NetworkingV1().NetworkPolicies(b.namespace).
		Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return false, b.classify("update networkpolicy", sess.ID, err)
	}
	return false, nil
}

func (b *Backend) ensureRelayDeployment(ctx context.Context, sess *session.Session, plan *netpolicy.Plan) (bool, error) {
	deploy := b.buildRelayDeployment(plan)
	_, err := b.client.AppsV1().Deployments(b.namespace).
		Create(ctx, deploy, metav1.CreateOptions{})
	if err == nil {
		return true, nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return false, b.classify("create relay", sess.ID, err)
	}

	existing, err := b.client.AppsV1().Deployments(b.namespace).
		Get(ctx, deploy.Name, metav1.GetOptions{})
	if err != nil {
		return false, b.classify("get relay", sess.ID, err)
	}
	existing.Labels = deploy.Labels
	existing.Spec = deploy.Spec
	if _, err := b.client.AppsV1().Deployments(b.namespace).
		Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return false, b.classify("update relay", sess.ID, err)
	}
	return false, nil
}

func (b *Backend) ensureRelayService(ctx context.Context, sess *session.Session, plan *netpolicy.Plan) (bool, error) {
	svc := b.buildRelayService(plan)
	_, err := b.client.CoreV1().Services(b.namespace).
		Create(ctx, svc, metav1.CreateOptions{})
	if err == nil {
		return true, nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return false, b.classify("create relay service", sess.ID, err)
	}
	// Service spec updates clash with allocated cluster IPs; an existing
	// service with the right name already routes by label.
	return false, nil
}

// applySecrets materializes every bundle artifact as a Secret. Returns the
// names created by this attempt even when a later artifact fails.
func (b *Backend) applySecrets(ctx context.Context, sess *session.Session, bundle *creds.Bundle) ([]string, error) {
	var created []string
	for i := range bundle.Artifacts {
		art := &bundle.Artifacts[i]
		data, err := b.loadArtifact(art)
		if err != nil {
			return created, fmt.Errorf("failed to load credential %s: %w", art.Name, err)
		}
		if len(data) == 0 {
			continue
		}
		secret := b.buildSecret(sess, art, data)
		_, err = b.client.CoreV1().Secrets(b.namespace).Create(ctx, secret, metav1.CreateOptions{})
		if err == nil {
			created = append(created, secret.Name)
			continue
		}
		if !apierrors.IsAlreadyExists(err) {
			return created, b.classify("create secret "+art.Name, sess.ID, err)
		}
		existing, err := b.client.CoreV1().Secrets(b.namespace).Get(ctx, secret.Name, metav1.GetOptions{})
		if err != nil {
			return created, b.classify("get secret "+art.Name, sess.ID, err)
		}
		existing.Data = secret.Data
		existing.Labels = secret.Labels
		if _, err := b.client.CoreV1().Secrets(b.namespace).Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
			return created, b.classify("update secret "+art.Name, sess.ID, err)
		}
	}
	return created, nil
}

func (b *Backend) ensureStatefulSet(ctx context.Context, sess *session.Session, plan *netpolicy.Plan, bundle *creds.Bundle, pullAlways bool) (bool, error) {
	sts := b.buildStatefulSet(sess, plan, bundle, pullAlways)
	_, err := b.client.AppsV1().StatefulSets(b.namespace).
		Create(ctx, sts, metav1.CreateOptions{})
	if err == nil {
		return true, nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return false, b.classify("create statefulset", sess.ID, err)
	}

	existing, err := b.client.AppsV1().StatefulSets(b.namespace).
		Get(ctx, sts.Name, metav1.GetOptions{})
	if err != nil {
		return false, b.classify("get statefulset", sess.ID, err)
	}
	// Only the pod template and metadata may change on an existing
	// object; the claim template and selector are immutable, and the
	// replica count belongs to the scale step.
	existing.Labels = sts.Labels
	existing.Annotations = sts.Annotations
	existing.Spec.Template = sts.Spec.Template
	if _, err := b.client.AppsV1().StatefulSets(b.namespace).
		Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return false, b.classify("update statefulset", sess.ID, err)
	}
	return false, nil
}

func (b *Backend) scaleStatefulSet(ctx context.Context, sess *session.Session, replicas int32) error {
	name := fmt.Sprintf("paude-%s", sess.ID)
	sts, err := b.client.AppsV1().StatefulSets(b.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return b.classify("get statefulset", sess.ID, err)
	}
	sts.Spec.Replicas = &replicas
	if _, err := b.client.AppsV1().StatefulSets(b.namespace).
		Update(ctx, sts, metav1.UpdateOptions{}); err != nil {
		return b.classify("scale statefulset", sess.ID, err)
	}
	return nil
}

// waitForWorkloadReady polls until the workload reports a ready replica.
func (b *Backend) waitForWorkloadReady(ctx context.Context, sess *session.Session) error {
	name := fmt.Sprintf("paude-%s", sess.ID)
	err := wait.PollUntilContextTimeout(ctx, b.pollInterval, b.readyTimeout, true,
		func(ctx context.Context) (bool, error) {
			sts, err := b.client.AppsV1().StatefulSets(b.namespace).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				if apierrors.IsNotFound(err) {
					return false, nil
				}
				return false, b.classify("get statefulset", sess.ID, err)
			}
			return sts.Status.ReadyReplicas >= 1, nil
		})
	if err != nil {
		// The probe may surface a classified failure (a Forbidden Get,
		// for instance); those keep their class instead of being
		// re-labeled as retryable.
		if backend.IsAuth(err) || backend.IsValidation(err) {
			return err
		}
		return backend.Transient("wait for workload", sess.ID,
			fmt.Errorf("workload not ready: %w", err))
	}
	return nil
}

// TeardownWorkload scales the workload to zero. The claim, the policy and
// the relay stay; a shared relay may be serving other sessions anyway.
func (b *Backend) TeardownWorkload(ctx context.Context, sess *session.Session) error {
	err := b.scaleStatefulSet(ctx, sess, 0)
	if err != nil && apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

// Destroy removes everything the session owns and releases the relay if no
// other session shares its allowlist.
func (b *Backend) Destroy(ctx context.Context, sess *session.Session) error {
	name := fmt.Sprintf("paude-%s", sess.ID)
	del := metav1.DeleteOptions{}

	if err := b.client.AppsV1().StatefulSets(b.namespace).Delete(ctx, name, del); err != nil && !apierrors.IsNotFound(err) {
		return b.classify("delete statefulset", sess.ID, err)
	}
	if err := b.client.CoreV1().PersistentVolumeClaims(b.namespace).Delete(ctx, pvcName(sess), del); err != nil && !apierrors.IsNotFound(err) {
		return b.classify("delete workspace claim", sess.ID, err)
	}
	if err := b.client.NetworkingV1().NetworkPolicies(b.namespace).Delete(ctx, "paude-egress-"+sess.ID, del); err != nil && !apierrors.IsNotFound(err) {
		return b.classify("delete networkpolicy", sess.ID, err)
	}

	// Cascade over everything else carrying the session label.
	listOpts := metav1.ListOptions{LabelSelector: sessionSelector(sess)}
	if err := b.client.CoreV1().Secrets(b.namespace).
		DeleteCollection(ctx, del, listOpts); err != nil && !apierrors.IsNotFound(err) {
		return b.classify("delete secrets", sess.ID, err)
	}

	return b.releaseRelay(ctx, sess)
}

// releaseRelay deletes the relay deployment and service once no remaining
// session statefulset references the same allowlist hash.
func (b *Backend) releaseRelay(ctx context.Context, sess *session.Session) error {
	plan, err := netpolicy.Compile(
		netpolicy.ParseAllowlist(sess.Allowlist),
		b.Capabilities().Isolation,
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to recompile isolation plan: %w", err)
	}
	if plan.Unrestricted {
		return nil
	}

	others, err := b.client.AppsV1().StatefulSets(b.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s,%s=%s", labelApp, appWorkload, labelAllowHash, plan.AllowHash),
	})
	if err != nil {
		return b.classify("list relay users", sess.ID, err)
	}
	for _, sts := range others.Items {
		if sts.Labels[labelSession] != sess.ID {
			b.logger.Debug("relay still in use, keeping",
				"relay", plan.RelayName, "by", sts.Labels[labelSession])
			return nil
		}
	}

	del := metav1.DeleteOptions{}
	if err := b.client.AppsV1().Deployments(b.namespace).Delete(ctx, plan.RelayName, del); err != nil && !apierrors.IsNotFound(err) {
		return b.classify("delete relay", sess.ID, err)
	}
	if err := b.client.CoreV1().Services(b.namespace).Delete(ctx, plan.RelayName, del); err != nil && !apierrors.IsNotFound(err) {
		return b.classify("delete relay service", sess.ID, err)
	}
	return nil
}

// Attach drops the caller into the workload's tmux session via kubectl,
// which owns the TTY plumbing. Reattach after detach is the same command.
func (b *Backend) Attach(ctx context.Context, sess *session.Session) error {
	args := []string{"exec", "-it", "-n", b.namespace}
	if b.kubeContext != "" {
		args = append(args, "--context", b.kubeContext)
	}
	args = append(args, podName(sess), "--", "tmux", "new-session", "-A", "-s", "main")
	if err := b.interactive(ctx, args...); err != nil {
		return fmt.Errorf("attach %s: %w", sess.ID, err)
	}
	return nil
}

// RefreshCredentials re-applies the bundle's secrets and restores the
// in-pod live copies from the mounted seeds.
func (b *Backend) RefreshCredentials(ctx context.Context, sess *session.Session, bundle *creds.Bundle) error {
	if _, err := b.applySecrets(ctx, sess, bundle); err != nil {
		return err
	}
	args := []string{"exec", "-n", b.namespace}
	if b.kubeContext != "" {
		args = append(args, "--context", b.kubeContext)
	}
	args = append(args, podName(sess), "--", "paude-watchdog", "restore")
	if err := b.interactive(ctx, args...); err != nil {
		return fmt.Errorf("restore credentials %s: %w", sess.ID, err)
	}
	return nil
}

// Status maps replica counts onto phases: scaled to zero is stopped, ready
// is running, anything in between is pending.
func (b *Backend) Status(ctx context.Context, sess *session.Session) (backend.Status, error) {
	sts, err := b.client.AppsV1().StatefulSets(b.namespace).
		Get(ctx, "paude-"+sess.ID, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return backend.Status{Phase: backend.PhaseNotFound}, nil
		}
		return backend.Status{Phase: backend.PhaseUnknown}, b.classify("get statefulset", sess.ID, err)
	}

	replicas := int32(0)
	if sts.Spec.Replicas != nil {
		replicas = *sts.Spec.Replicas
	}
	detail := fmt.Sprintf("replicas %d/%d ready", sts.Status.ReadyReplicas, replicas)
	switch {
	case replicas == 0:
		return backend.Status{Phase: backend.PhaseStopped, Detail: detail}, nil
	case sts.Status.ReadyReplicas >= replicas:
		return backend.Status{Phase: backend.PhaseRunning, Detail: detail}, nil
	default:
		return backend.Status{Phase: backend.PhasePending, Detail: detail}, nil
	}
}

// classify maps API errors onto the shared taxonomy.
func (b *Backend) classify(op, sessionID string, err error) error {
	switch {
	case apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err):
		return backend.Auth(op, sessionID, err)
	case apierrors.IsServerTimeout(err) || apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) || apierrors.IsServiceUnavailable(err) ||
		apierrors.IsConflict(err):
		return backend.Transient(op, sessionID, err)
	default:
		return fmt.Errorf("%s %s: %w", op, sessionID, err)
	}
}
