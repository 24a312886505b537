// Package artifactrepo resolves an S3 credential bundle out of a
// ConfigMap + Secret pair in the cluster, once, at process startup.
package artifactrepo

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/yaml"

	"github.com/shark-wasm/wasm-workflows-plugin/internal/plugin/model"
)

// repositoryConfig is the YAML shape of the ConfigMap's
// "artifactRepository" data key.
type repositoryConfig struct {
	S3 s3Config `json:"s3"`
}

type s3Config struct {
	AccessKeySecret   secretRef `json:"accessKeySecret"`
	SecretKeySecret   secretRef `json:"secretKeySecret"`
	Bucket            string    `json:"bucket"`
	Endpoint          string    `json:"endpoint"`
	Region            string    `json:"region"`
	Insecure          bool      `json:"insecure"`
	PathStyleEndpoint bool      `json:"pathStyleEndpoint"`
}

type secretRef struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// Resolve reads configMapName from namespace and assembles S3Credentials
// from the Secrets it references. Call once at startup; the result is
// immutable thereafter.
func Resolve(ctx context.Context, clientset kubernetes.Interface, namespace, configMapName string) (model.S3Credentials, error) {
	cm, err := clientset.CoreV1().ConfigMaps(namespace).Get(ctx, configMapName, metav1.GetOptions{})
	if err != nil {
		return model.S3Credentials{}, fmt.Errorf("artifactrepo: get configmap %s: %w", configMapName, err)
	}

	raw, ok := cm.Data["artifactRepository"]
	if !ok {
		return model.S3Credentials{}, fmt.Errorf("artifactrepo: configmap %s has no artifactRepository key", configMapName)
	}

	var cfg repositoryConfig
	if err := yaml.Unmarshal([]byte(raw), &cfg); err != nil {
		return model.S3Credentials{}, fmt.Errorf("artifactrepo: parse artifactRepository in %s: %w", configMapName, err)
	}

	accessKey, err := fetchSecretValue(ctx, clientset, namespace, cfg.S3.AccessKeySecret)
	if err != nil {
		return model.S3Credentials{}, fmt.Errorf("artifactrepo: access key: %w", err)
	}
	secretKey, err := fetchSecretValue(ctx, clientset, namespace, cfg.S3.SecretKeySecret)
	if err != nil {
		return model.S3Credentials{}, fmt.Errorf("artifactrepo: secret key: %w", err)
	}

	return model.S3Credentials{
		AccessKey: accessKey,
		SecretKey: secretKey,
		Bucket:    cfg.S3.Bucket,
		Endpoint:  cfg.S3.Endpoint,
		Region:    cfg.S3.Region,
		Insecure:  cfg.S3.Insecure,
		PathStyle: cfg.S3.PathStyleEndpoint,
	}, nil
}

func fetchSecretValue(ctx context.Context, clientset kubernetes.Interface, namespace string, ref secretRef) (string, error) {
	secret, err := clientset.CoreV1().Secrets(namespace).Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", ref.Name, err)
	}
	value, ok := secret.Data[ref.Key]
	if !ok {
		return "", fmt.Errorf("secret %s has no key %q", ref.Name, ref.Key)
	}
	return string(value), nil
}
