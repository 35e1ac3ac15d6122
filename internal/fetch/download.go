package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
)

// NewDownloadFunc returns a DownloadFunc that handles S3 https URLs via the
// AWS SDK and everything else via plain HTTP. Zstd payloads (.zst extension
// or application/zstd content type) are decompressed transparently.
func NewDownloadFunc(region string) DownloadFunc {
	var once sync.Once
	var s3Client *s3.Client
	var s3InitErr error

	return func(ctx context.Context, rawUrl string, path string) error {
		u, err := url.Parse(rawUrl)
		if err != nil {
			return fmt.Errorf("failed to parse url %s: %w", rawUrl, err)
		}

		out, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create file %s: %w", path, err)
		}
		defer out.Close()

		var body io.ReadCloser
		var contentType string

		if bucket, key, ok := splitS3Url(u); ok {
			once.Do(func() {
				cfg, err := config.LoadDefaultConfig(ctx,
					config.WithRegion(region))
				if err != nil {
					s3InitErr = fmt.Errorf("unable to load AWS SDK config: %w", err)
					return
				}
				s3Client = s3.NewFromConfig(cfg)
			})
			if s3InitErr != nil {
				return s3InitErr
			}
			obj, err := s3Client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return fmt.Errorf("failed to download %s from s3 (bucket %s, key %s): %w",
					rawUrl, bucket, key, err)
			}
			body = obj.Body
			if obj.ContentType != nil {
				contentType = *obj.ContentType
			}
		} else {
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawUrl, nil)
			if err != nil {
				return fmt.Errorf("failed to build request for %s: %w", rawUrl, err)
			}
			resp, err := http.DefaultClient.Do(httpReq)
			if err != nil {
				return fmt.Errorf("failed to download %s: %w", rawUrl, err)
			}
			if resp.StatusCode != http.StatusOK {
				resp.Body.Close()
				return fmt.Errorf("failed to download %s: status %s", rawUrl, resp.Status)
			}
			body = resp.Body
			contentType = resp.Header.Get("Content-Type")
		}
		defer body.Close()

		if contentType == "application/zstd" || filepath.Ext(u.Path) == ".zst" {
			d, err := zstd.NewReader(body)
			if err != nil {
				return fmt.Errorf("failed to create zstd reader: %w", err)
			}
			defer d.Close()
			if _, err := io.Copy(out, d); err != nil {
				return fmt.Errorf("failed to write file %s: %w", path, err)
			}
			return nil
		}

		if _, err := io.Copy(out, body); err != nil {
			return fmt.Errorf("failed to write file %s: %w", path, err)
		}
		return nil
	}
}

// splitS3Url recognizes bucket.s3.region.amazonaws.com virtual-host URLs.
func splitS3Url(u *url.URL) (bucket string, key string, ok bool) {
	if u.Scheme != "https" {
		return "", "", false
	}
	hostParts := strings.Split(u.Host, ".")
	if len(hostParts) < 4 || hostParts[1] != "s3" || !strings.HasSuffix(u.Host, ".amazonaws.com") {
		return "", "", false
	}
	return hostParts[0], strings.TrimPrefix(u.Path, "/"), true
}
