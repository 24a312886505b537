// Package artifactstore downloads and uploads workflow artifacts against an
// S3-compatible object store, using the credentials an ArtifactRepoResolver
// assembled for the current workflow's namespace.
package artifactstore

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/shark-wasm/wasm-workflows-plugin/internal/plugin/model"
)

// Store is an ArtifactStore.
type Store interface {
	// Download fetches artifact's S3 object to destPath, which must be the
	// artifact's resolved location inside a WorkingDir's input-artifacts
	// tree. Fails if artifact has no S3 location.
	Download(ctx context.Context, artifact model.ArtifactRef, destPath string) error
	// Upload puts srcPath's contents at a fresh key of the form
	// "<workflow>/<workflow>-<random10>/<name>" and returns artifact with its
	// S3 field populated.
	Upload(ctx context.Context, workflowName string, artifact model.ArtifactRef, srcPath string) (model.ArtifactRef, error)
}

// S3Store is the default Store, backed by the AWS SDK v2 S3 client.
type S3Store struct {
	client *s3.Client
	bucket string
}

// New builds an S3Store from resolved credentials. It loads AWS SDK
// defaults only for non-credential settings (retry, HTTP transport); the
// access key, secret key, region, endpoint, and path-style flag all come
// from creds, since they are per-workflow and never from the ambient
// environment.
func New(ctx context.Context, creds model.S3Credentials) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(creds.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKey, creds.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("artifactstore: load AWS config: %w", err)
	}

	scheme := "https"
	if creds.Insecure {
		scheme = "http"
	}
	endpoint := fmt.Sprintf("%s://%s", scheme, creds.Endpoint)

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = creds.PathStyle
	})

	return &S3Store{client: client, bucket: creds.Bucket}, nil
}

// Download implements Store. The destination file is created with
// os.O_EXCL-free semantics (overwrite) since the working directory is
// always fresh per invocation.
func (s *S3Store) Download(ctx context.Context, artifact model.ArtifactRef, destPath string) error {
	if artifact.S3 == nil {
		return fmt.Errorf("artifactstore: artifact %q has no s3 location", artifact.Name)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("artifactstore: create parent dir for %q: %w", artifact.Name, err)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(artifact.S3.Key),
	})
	if err != nil {
		return fmt.Errorf("artifactstore: get object for artifact %q: %w", artifact.Name, err)
	}
	defer out.Body.Close()

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("artifactstore: create file for artifact %q: %w", artifact.Name, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, out.Body); err != nil {
		return fmt.Errorf("artifactstore: write file for artifact %q: %w", artifact.Name, err)
	}
	return nil
}

// Upload implements Store.
func (s *S3Store) Upload(ctx context.Context, workflowName string, artifact model.ArtifactRef, srcPath string) (model.ArtifactRef, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return model.ArtifactRef{}, fmt.Errorf("artifactstore: open file for artifact %q: %w", artifact.Name, err)
	}
	defer f.Close()

	key, err := uploadKey(workflowName, artifact.Name)
	if err != nil {
		return model.ArtifactRef{}, fmt.Errorf("artifactstore: generate key for artifact %q: %w", artifact.Name, err)
	}

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return model.ArtifactRef{}, fmt.Errorf("artifactstore: put object for artifact %q: %w", artifact.Name, err)
	}

	uploaded := artifact
	uploaded.S3 = &model.S3Artifact{Key: key}
	return uploaded, nil
}

// uploadKey builds a "<workflow>/<workflow>-<random10>/<name>" key. The
// format is fixed; the 10-digit suffix is drawn uniformly from
// [10^9, 10^10) with crypto/rand, so two calls normally yield different
// keys. The suffix only needs to avoid collisions across concurrent uploads
// within the same workflow; crypto/rand is used because it needs no seed.
func uploadKey(workflowName, artifactName string) (string, error) {
	low := big.NewInt(1000000000)
	span := new(big.Int).Sub(big.NewInt(10000000000), low)
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return "", err
	}
	n.Add(n, low)
	return fmt.Sprintf("%s/%s-%s/%s", workflowName, workflowName, n.String(), artifactName), nil
}
