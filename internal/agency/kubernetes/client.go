package kubernetes

import (
	"fmt"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Config selects the namespace holding the plan and, outside a cluster,
// the kubeconfig used to reach it.
type Config struct {
	Namespace  string `json:"namespace" mapstructure:"namespace"`
	KubeConfig string `json:"kubeConfig,omitempty" mapstructure:"kubeconfig"`
}

// NewClient builds a clientset, preferring in-cluster credentials.
func NewClient(cfg Config) (kubernetes.Interface, error) {
	// First try in-cluster config (when running in k8s).
	config, err := rest.InClusterConfig()
	if err == nil {
		return kubernetes.NewForConfig(config)
	}

	// Fall back to kubeconfig file.
	path := cfg.KubeConfig
	if path == "" {
		path = clientcmd.RecommendedHomeFile
	}
	config, err = clientcmd.BuildConfigFromFlags("", path)
	if err != nil {
		return nil, fmt.Errorf("failed to get kubeconfig: %w", err)
	}

	return kubernetes.NewForConfig(config)
}
