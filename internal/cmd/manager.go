package cmd

import (
	"fmt"

	"github.com/bbrowning/paude/internal/backend"
	"github.com/bbrowning/paude/internal/backend/kube"
	"github.com/bbrowning/paude/internal/backend/podman"
	"github.com/bbrowning/paude/internal/config"
	"github.com/bbrowning/paude/internal/mount"
	"github.com/bbrowning/paude/internal/session"
)

// loadManager builds the lifecycle manager with every backend that can be
// wired in this environment. The cluster backend is optional: without a
// usable kubeconfig paude still manages local sessions, and records for
// cluster sessions simply report status unknown.
func loadManager() (*backend.Manager, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if backendFlag != "" {
		cfg.Backend = backendFlag
	}

	store, err := session.NewStore()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open session store: %w", err)
	}

	mounts, err := extraMounts(cfg)
	if err != nil {
		return nil, nil, err
	}

	credMinutes := int(cfg.CredentialTimeoutDuration().Minutes())

	backends := map[string]backend.Backend{
		"podman": podman.New(podman.Config{
			Image:                    cfg.Podman.Image,
			RelayImage:               cfg.Relay.Image,
			CredentialTimeoutMinutes: credMinutes,
			ExtraMounts:              mounts,
		}),
	}

	kb, err := kube.NewFromKubeconfig(kube.Config{
		Namespace:                cfg.Kube.Namespace,
		Context:                  cfg.Kube.Context,
		Image:                    cfg.Kube.Image,
		RelayImage:               cfg.Relay.Image,
		PVCSize:                  cfg.Kube.PVCSize,
		StorageClass:             cfg.Kube.StorageClass,
		CredentialTimeoutMinutes: credMinutes,
	}, cfg.Kube.Kubeconfig)
	if err != nil {
		Debug("kube backend unavailable: %v", err)
		if cfg.Backend == "kube" {
			return nil, nil, fmt.Errorf("kube backend requested but unavailable: %w", err)
		}
	} else {
		backends["kube"] = kb
	}

	return backend.NewManager(store, backends), cfg, nil
}

// extraMounts parses and validates the configured extra mounts against the
// blocked-path list. A blocked mount is an error, not a skip: silently
// dropping a mount the user asked for would be more confusing than failing.
func extraMounts(cfg *config.Config) ([]*mount.Mount, error) {
	if len(cfg.Mounts) == 0 {
		return nil, nil
	}

	validator, err := mount.NewValidator(cfg.BlockedPaths)
	if err != nil {
		return nil, fmt.Errorf("failed to build mount validator: %w", err)
	}

	mounts := make([]*mount.Mount, 0, len(cfg.Mounts))
	for _, spec := range cfg.Mounts {
		m, err := mount.Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("invalid mount %q: %w", spec, err)
		}
		if err := validator.Validate(m); err != nil {
			return nil, err
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}
