package kube

import (
	"encoding/base64"
	"fmt"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/bbrowning/paude/internal/creds"
	"github.com/bbrowning/paude/internal/netpolicy"
	"github.com/bbrowning/paude/internal/session"
)

// Label and annotation keys. Every object a session owns carries the app
// and session labels so cleanup can cascade by selector.
const (
	labelApp         = "app"
	labelSession     = "paude.io/session-name"
	labelAllowHash   = "paude.io/allow-hash"
	appWorkload      = "paude"
	appRelay         = "paude-relay"
	annotWorkspace   = "paude.io/workspace"
	annotCreatedAt   = "paude.io/created-at"
	workspaceVolume  = "workspace"
	workspaceMount   = "/workspace"
	credentialVolume = "cred-"
)

func sessionLabels(sess *session.Session) map[string]string {
	return map[string]string{
		labelApp:     appWorkload,
		labelSession: sess.ID,
	}
}

func relayLabels(plan *netpolicy.Plan) map[string]string {
	return map[string]string{
		labelApp:       appRelay,
		labelAllowHash: plan.AllowHash,
	}
}

func sessionSelector(sess *session.Session) string {
	return fmt.Sprintf("%s=%s,%s=%s", labelApp, appWorkload, labelSession, sess.ID)
}

// encodeWorkspace stores the host workspace path in an annotation; base64
// keeps arbitrary path characters annotation-safe.
func encodeWorkspace(path string) string {
	return base64.StdEncoding.EncodeToString([]byte(path))
}

// DecodeWorkspace reverses encodeWorkspace.
func DecodeWorkspace(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode workspace annotation: %w", err)
	}
	return string(raw), nil
}

func secretName(sess *session.Session, art *creds.Artifact) string {
	return fmt.Sprintf("paude-%s-%s", sess.ID, art.Name)
}

func podName(sess *session.Session) string {
	return fmt.Sprintf("paude-%s-0", sess.ID)
}

func pvcName(sess *session.Session) string {
	return fmt.Sprintf("%s-paude-%s-0", workspaceVolume, sess.ID)
}

// buildNetworkPolicy is the session's default-deny egress policy with two
// allowances: DNS, and the relay on its proxy port. Everything else is
// dropped by the policy's existence.
func (b *Backend) buildNetworkPolicy(sess *session.Session, plan *netpolicy.Plan) *networkingv1.NetworkPolicy {
	protoUDP := corev1.ProtocolUDP
	protoTCP := corev1.ProtocolTCP
	dns := intstr.FromInt32(53)
	mdns := intstr.FromInt32(5353)
	relayPort := intstr.FromInt32(int32(plan.RelayPort))

	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("paude-egress-%s", sess.ID),
			Namespace: b.namespace,
			Labels:    sessionLabels(sess),
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: sessionLabels(sess),
			},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
			Egress: []networkingv1.NetworkPolicyEgressRule{
				{
					// DNS. Both selectors present and empty: some CNIs
					// (OVN-Kubernetes) drop the rule if either is omitted.
					Ports: []networkingv1.NetworkPolicyPort{
						{Protocol: &protoUDP, Port: &dns},
						{Protocol: &protoTCP, Port: &dns},
						{Protocol: &protoUDP, Port: &mdns},
						{Protocol: &protoTCP, Port: &mdns},
					},
					To: []networkingv1.NetworkPolicyPeer{
						{
							NamespaceSelector: &metav1.LabelSelector{},
							PodSelector:       &metav1.LabelSelector{},
						},
					},
				},
				{
					// The relay, and nothing else.
					Ports: []networkingv1.NetworkPolicyPort{
						{Protocol: &protoTCP, Port: &relayPort},
					},
					To: []networkingv1.NetworkPolicyPeer{
						{
							PodSelector: &metav1.LabelSelector{
								MatchLabels: relayLabels(plan),
							},
						},
					},
				},
			},
		},
	}
}

func (b *Backend) buildRelayDeployment(plan *netpolicy.Plan) *appsv1.Deployment {
	replicas := int32(1)
	labels := relayLabels(plan)

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      plan.RelayName,
			Namespace: b.namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:  "relay",
							Image: b.relayImage,
							Args:  []string{"--port", fmt.Sprintf("%d", plan.RelayPort)},
							Env: []corev1.EnvVar{
								{
									Name:  "PAUDE_ALLOWED_DOMAINS",
									Value: strings.Join(plan.Domains, ","),
								},
							},
							Ports: []corev1.ContainerPort{
								{ContainerPort: int32(plan.RelayPort), Protocol: corev1.ProtocolTCP},
							},
						},
					},
				},
			},
		},
	}
}

func (b *Backend) buildRelayService(plan *netpolicy.Plan) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      plan.RelayName,
			Namespace: b.namespace,
			Labels:    relayLabels(plan),
		},
		Spec: corev1.ServiceSpec{
			Selector: relayLabels(plan),
			Ports: []corev1.ServicePort{
				{
					Port:       int32(plan.RelayPort),
					TargetPort: intstr.FromInt32(int32(plan.RelayPort)),
					Protocol:   corev1.ProtocolTCP,
				},
			},
		},
	}
}

func (b *Backend) buildSecret(sess *session.Session, art *creds.Artifact, data map[string][]byte) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      secretName(sess, art),
			Namespace: b.namespace,
			Labels:    sessionLabels(sess),
		},
		Data: data,
	}
}

// buildStatefulSet describes the session workload. Created with zero
// replicas: existence and execution are separate steps, and the workspace
// volume claim survives scale-downs.
func (b *Backend) buildStatefulSet(sess *session.Session, plan *netpolicy.Plan, bundle *creds.Bundle, pullAlways bool) *appsv1.StatefulSet {
	replicas := int32(0)
	labels := sessionLabels(sess)
	if plan.Restricted() {
		labels[labelAllowHash] = plan.AllowHash
	}

	container := corev1.Container{
		Name:       "paude",
		Image:      b.imageFor(sess),
		WorkingDir: workspaceMount,
		Stdin:      true,
		TTY:        true,
		VolumeMounts: []corev1.VolumeMount{
			{Name: workspaceVolume, MountPath: workspaceMount},
		},
	}
	if pullAlways {
		container.ImagePullPolicy = corev1.PullAlways
	}

	if plan.Restricted() {
		proxyURL := "http://" + relayHost(plan, b.namespace, plan.RelayPort)
		for _, key := range []string{"HTTP_PROXY", "HTTPS_PROXY", "http_proxy", "https_proxy"} {
			container.Env = append(container.Env, corev1.EnvVar{Name: key, Value: proxyURL})
		}
		container.Env = append(container.Env, corev1.EnvVar{
			Name: "NO_PROXY", Value: "localhost,127.0.0.1",
		})
	}
	if b.credMinutes > 0 {
		container.Env = append(container.Env,
			corev1.EnvVar{Name: "PAUDE_CREDENTIAL_TIMEOUT", Value: fmt.Sprintf("%d", b.credMinutes)},
			corev1.EnvVar{Name: "PAUDE_CREDENTIAL_WATCHDOG", Value: "1"},
		)
	}

	var volumes []corev1.Volume
	for i := range bundle.Artifacts {
		art := &bundle.Artifacts[i]
		volName := credentialVolume + art.Name
		volumes = append(volumes, corev1.Volume{
			Name: volName,
			VolumeSource: corev1.VolumeSource{
				Secret: &corev1.SecretVolumeSource{SecretName: secretName(sess, art)},
			},
		})
		vm := corev1.VolumeMount{Name: volName, ReadOnly: art.ReadOnly}
		if art.Dir {
			vm.MountPath = art.Target
		} else {
			vm.MountPath = art.Target
			vm.SubPath = secretKeyFor(art)
		}
		container.VolumeMounts = append(container.VolumeMounts, vm)
	}

	storage := resource.MustParse(b.pvcSize)
	pvc := corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:   workspaceVolume,
			Labels: sessionLabels(sess),
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: storage},
			},
		},
	}
	if b.storageClass != "" {
		sc := b.storageClass
		pvc.Spec.StorageClassName = &sc
	}

	return &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("paude-%s", sess.ID),
			Namespace: b.namespace,
			Labels:    labels,
			Annotations: map[string]string{
				annotWorkspace: encodeWorkspace(sess.Workspace),
				annotCreatedAt: sess.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			},
		},
		Spec: appsv1.StatefulSetSpec{
			Replicas:    &replicas,
			ServiceName: fmt.Sprintf("paude-%s", sess.ID),
			Selector: &metav1.LabelSelector{
				MatchLabels: sessionLabels(sess),
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{container},
					Volumes:    volumes,
				},
			},
			VolumeClaimTemplates: []corev1.PersistentVolumeClaim{pvc},
		},
	}
}

// secretKeyFor is the single data key a file artifact is stored under.
func secretKeyFor(art *creds.Artifact) string {
	return lastPathElement(art.Target)
}

func lastPathElement(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// relayHost is the in-cluster DNS name the workload's proxy env points at.
func relayHost(plan *netpolicy.Plan, namespace string, port int) string {
	return fmt.Sprintf("%s.%s.svc:%d", plan.RelayName, namespace, port)
}
