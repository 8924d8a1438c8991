package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/vanillabrand/fandom/internal/util"
	"github.com/vanillabrand/fandom/pkg/common"
	"github.com/vanillabrand/fandom/pkg/logger"
)

func NewS3Client(ctx context.Context) (*s3.Client, error) {
	region := util.GetEnv("AWS_REGION")
	endpoint := util.GetEnv("AWS_ENDPOINT")
	accessKey := util.GetEnv("AWS_ACCESS_KEY")
	secretKey := util.GetEnv("AWS_SECRET_KEY")

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}
	if accessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey,
			secretKey,
			"",
		)))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return client, nil
}

// S3ArtifactStore writes job artifacts to one bucket.
type S3ArtifactStore struct {
	client         *s3.Client
	bucket         string
	publicEndpoint string
}

// NewS3ArtifactStoreParams configures an S3ArtifactStore. PublicEndpoint is
// only needed for download links and defaults to the client endpoint.
type NewS3ArtifactStoreParams struct {
	Client         *s3.Client
	Bucket         string
	PublicEndpoint string
}

func NewS3ArtifactStore(params NewS3ArtifactStoreParams) *S3ArtifactStore {
	return &S3ArtifactStore{
		client:         params.Client,
		bucket:         params.Bucket,
		publicEndpoint: params.PublicEndpoint,
	}
}

var (
	_ ArtifactStore = (*S3ArtifactStore)(nil)
	_ LinkGenerator = (*S3ArtifactStore)(nil)
)

func (s *S3ArtifactStore) PutResult(ctx context.Context, res common.Result) (string, error) {
	if res.JobID == "" {
		return "", errors.New("result has no job id")
	}
	objs, err := encodeArtifacts(res)
	if err != nil {
		return "", err
	}

	// the result document goes last so a readable result implies the
	// graph and analytics exist too
	keys := make([]string, 0, len(objs))
	for k := range objs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, rj := strings.HasSuffix(keys[i], ResultObject), strings.HasSuffix(keys[j], ResultObject)
		if ri != rj {
			return rj
		}
		return keys[i] < keys[j]
	})

	for _, k := range keys {
		if err := s.putObject(ctx, k, objs[k]); err != nil {
			return "", err
		}
	}
	logger.Debug("[Storage] Stored job artifacts", "job_id", res.JobID, "objects", len(keys))
	return ResultKey(res.JobID), nil
}

func (s *S3ArtifactStore) GetResult(ctx context.Context, key string) (common.Result, error) {
	b, err := s.getObject(ctx, key)
	if err != nil {
		return common.Result{}, err
	}
	var res common.Result
	if err := json.Unmarshal(b, &res); err != nil {
		return common.Result{}, fmt.Errorf("failed to decode result %s: %w", key, err)
	}
	return res, nil
}

func (s *S3ArtifactStore) putObject(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to S3: %w", key, err)
	}
	return nil
}

func (s *S3ArtifactStore) getObject(ctx context.Context, key string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, key)
		}
		return nil, fmt.Errorf("failed to get %s from S3: %w", key, err)
	}
	defer result.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, result.Body); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

// GenerateDownloadLink presigns a 15 minute GET for key against the public
// endpoint, keeping any path prefix the endpoint carries.
func (s *S3ArtifactStore) GenerateDownloadLink(ctx context.Context, key string) (string, error) {
	presignClient := s.client
	prefix := ""
	if s.publicEndpoint != "" {
		publicURL, err := url.Parse(s.publicEndpoint)
		if err != nil || publicURL.Scheme == "" || publicURL.Host == "" {
			return "", fmt.Errorf("invalid public endpoint: %s", s.publicEndpoint)
		}
		prefix = strings.TrimSuffix(publicURL.Path, "/")
		publicBaseEndpoint := fmt.Sprintf("%s://%s", publicURL.Scheme, publicURL.Host)

		// sign against the public host so the signature matches the Host
		// header the browser will send
		presignClient = s3.NewFromConfig(
			aws.Config{
				Region:      s.client.Options().Region,
				Credentials: s.client.Options().Credentials,
				HTTPClient:  s.client.Options().HTTPClient,
			},
			func(o *s3.Options) {
				o.BaseEndpoint = aws.String(publicBaseEndpoint)
				o.UsePathStyle = true
			},
		)
	}

	out, err := s3.NewPresignClient(presignClient).PresignGetObject(
		ctx,
		&s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		},
		s3.WithPresignExpires(15*time.Minute),
	)
	if err != nil {
		return "", fmt.Errorf("failed to generate download link: %w", err)
	}

	if prefix != "" {
		signedURL, parseErr := url.Parse(out.URL)
		if parseErr != nil {
			return "", fmt.Errorf("failed to parse presigned url: %w", parseErr)
		}
		signedURL.Path = prefix + signedURL.Path
		return signedURL.String(), nil
	}
	return out.URL, nil
}
