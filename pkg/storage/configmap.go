package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/spotexporter/pkg/log"
	"github.com/raterudder/spotexporter/pkg/types"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

const serviceAccountNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// ConfigMapStore keeps the state document under one key of a Kubernetes
// ConfigMap. Mounting the ConfigMap makes the state visible to other
// workloads as a plain file.
type ConfigMapStore struct {
	client    kubernetes.Interface
	namespace string
	name      string
	key       string
}

var _ StateStore = (*ConfigMapStore)(nil)

// NewConfigMapStore returns a store using an existing client.
func NewConfigMapStore(client kubernetes.Interface, namespace, name, key string) *ConfigMapStore {
	return &ConfigMapStore{
		client:    client,
		namespace: namespace,
		name:      name,
		key:       key,
	}
}

// configuredConfigMap sets up the ConfigMap store.
// It registers flags for configuration.
func configuredConfigMap() *ConfigMapStore {
	name := lflag.String("state-configmap-name", "jarvis-tibber-price-exporter", "Name of the ConfigMap holding the run state")
	namespace := lflag.String("state-configmap-namespace", "", "Namespace of the state ConfigMap (defaults to the pod's namespace)")

	c := &ConfigMapStore{}

	lflag.Do(func() {
		c.name = *name
		c.namespace = *namespace
	})

	return c
}

// Validate checks if the store is properly configured.
func (c *ConfigMapStore) Validate() error {
	if c.name == "" {
		return fmt.Errorf("state-configmap-name is required")
	}
	if c.key == "" || c.key == "." || c.key == "/" {
		return fmt.Errorf("state-file-path must end in a file name")
	}
	return nil
}

// Init creates an in-cluster client and resolves the namespace.
func (c *ConfigMapStore) Init(ctx context.Context) error {
	if c.namespace == "" {
		ns, err := os.ReadFile(serviceAccountNamespaceFile)
		if err != nil {
			return fmt.Errorf("failed to read pod namespace: %w", err)
		}
		c.namespace = strings.TrimSpace(string(ns))
	}

	cfg, err := rest.InClusterConfig()
	if err != nil {
		return fmt.Errorf("failed to load in-cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	c.client = client
	return nil
}

func (c *ConfigMapStore) location() string {
	return c.namespace + "/" + c.name + "#" + c.key
}

// Read fetches the ConfigMap and decodes the state key.
func (c *ConfigMapStore) Read(ctx context.Context) (types.RunState, bool) {
	cm, err := c.client.CoreV1().ConfigMaps(c.namespace).Get(ctx, c.name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			log.Ctx(ctx).InfoContext(ctx, "no run state configmap", slog.String("location", c.location()))
		} else {
			log.Ctx(ctx).WarnContext(ctx, "failed to get run state configmap", slog.String("location", c.location()), slog.Any("error", err))
		}
		return types.RunState{}, false
	}

	data, ok := cm.Data[c.key]
	if !ok {
		log.Ctx(ctx).InfoContext(ctx, "run state configmap has no state key", slog.String("location", c.location()))
		return types.RunState{}, false
	}
	return decodeState(ctx, []byte(data), c.location())
}

// Write replaces the state key, creating the ConfigMap if it doesn't exist.
// Other keys of the ConfigMap are preserved.
func (c *ConfigMapStore) Write(ctx context.Context, state types.RunState) error {
	data, err := types.MarshalRunState(state)
	if err != nil {
		return err
	}

	configMaps := c.client.CoreV1().ConfigMaps(c.namespace)
	cm, err := configMaps.Get(ctx, c.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = configMaps.Create(ctx, &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{
				Name:      c.name,
				Namespace: c.namespace,
			},
			Data: map[string]string{c.key: string(data)},
		}, metav1.CreateOptions{})
		if err != nil {
			return fmt.Errorf("failed to create configmap %s: %w", c.location(), err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to get configmap %s: %w", c.location(), err)
	} else {
		if cm.Data == nil {
			cm.Data = map[string]string{}
		}
		cm.Data[c.key] = string(data)
		if _, err := configMaps.Update(ctx, cm, metav1.UpdateOptions{}); err != nil {
			return fmt.Errorf("failed to update configmap %s: %w", c.location(), err)
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "stored run state in configmap", slog.String("location", c.location()), slog.Time("cursor", state.Cursor))
	return nil
}

// Close is a no-op.
func (c *ConfigMapStore) Close() error {
	return nil
}
