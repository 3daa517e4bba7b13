package storage

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/filmaeu/penareia/internal/servicelog"
)

type storageError string

// Error implements error
func (e storageError) Error() string {
	return string(e)
}

const (
	ErrAuthFailed      = storageError("object store authorization failed")
	ErrTransportFailed = storageError("object store upload failed")
	ErrBucketNotFound  = storageError("bucket not found")
)

const (
	// B2 entry point for b2_authorize_account
	defaultAPIBase = "https://api.backblazeb2.com"
	// Fixed public download host; the webhook consumer expects this
	// exact URL shape.
	downloadHost = "f005.backblazeb2.com"

	defaultTimeout = 10 * time.Minute
)

var (
	uploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "b2_uploaded_bytes",
		Help: "Bytes uploaded to the object store",
	})

	uploadSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "b2_upload_seconds",
		Help: "Upload time per file (seconds)",
		Buckets: []float64{
			1, 5, 10, 30, 60, 180, 600,
		},
	})

	uploadErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "b2_upload_errors",
			Help: "Upload failures by phase",
		},
		[]string{"phase"},
	)
)

// Minimal surface of the http.Client we use
type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config for the Backblaze B2 client.
type Config struct {
	KeyID          string
	ApplicationKey string
	Bucket         string
	APIBase        string // override for tests
	DownloadHost   string // override for tests
}

// Client talks the native B2 API: authorize account, resolve the bucket,
// fetch an upload URL, upload. Every Upload call re-authorizes, so a
// sub-attempt is self-contained and a stale token can never poison the
// next try.
type Client struct {
	logger       servicelog.Logger
	client       httpClient
	keyID        string
	appKey       string
	bucket       string
	apiBase      string
	downloadHost string
}

func New(logger servicelog.Logger, client httpClient, config Config) *Client {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	apiBase := config.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	host := config.DownloadHost
	if host == "" {
		host = downloadHost
	}
	return &Client{
		logger:       logger,
		client:       client,
		keyID:        config.KeyID,
		appKey:       config.ApplicationKey,
		bucket:       config.Bucket,
		apiBase:      apiBase,
		downloadHost: host,
	}
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}

// PublicURL composes the public download URL for a remote object key.
func (c *Client) PublicURL(remoteName string) string {
	return fmt.Sprintf("https://%s/file/%s/%s", c.downloadHost, c.bucket, remoteName)
}

func exhaust(body io.ReadCloser) {
	if body != nil {
		io.Copy(io.Discard, body)
		body.Close()
	}
}

func bodyToError(resp *http.Response) error {
	var errMessage bytes.Buffer
	errMessage.WriteString("HTTP Status ")
	errMessage.WriteString(resp.Status)
	if resp.Body != nil {
		errText, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			errMessage.WriteString(", Error: ")
			errMessage.WriteString(err.Error())
		} else {
			errMessage.WriteString(", Response: ")
			errMessage.Write(errText)
		}
	}
	return errors.New(errMessage.String())
}

type authReply struct {
	AccountID          string `json:"accountId"`
	AuthorizationToken string `json:"authorizationToken"`
	APIURL             string `json:"apiUrl"`
	DownloadURL        string `json:"downloadUrl"`
}

type bucketReply struct {
	Buckets []struct {
		BucketID   string `json:"bucketId"`
		BucketName string `json:"bucketName"`
	} `json:"buckets"`
}

type uploadURLReply struct {
	UploadURL          string `json:"uploadUrl"`
	AuthorizationToken string `json:"authorizationToken"`
}

// authorize performs b2_authorize_account with basic auth credentials.
func (c *Client) authorize(ctx context.Context) (*authReply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.apiBase+"/b2api/v2/b2_authorize_account", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAuthFailed, err)
	}
	req.SetBasicAuth(c.keyID, c.appKey)
	resp, err := c.client.Do(req)
	if resp != nil {
		defer exhaust(resp.Body)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAuthFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrAuthFailed, bodyToError(resp))
	}
	var reply authReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAuthFailed, err)
	}
	if reply.AuthorizationToken == "" || reply.APIURL == "" {
		return nil, fmt.Errorf("%w: empty authorization reply", ErrAuthFailed)
	}
	return &reply, nil
}

// resolveBucket maps the configured bucket name to its bucket id.
func (c *Client) resolveBucket(ctx context.Context, auth *authReply) (string, error) {
	body, err := json.Marshal(map[string]string{
		"accountId":  auth.AccountID,
		"bucketName": c.bucket,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		auth.APIURL+"/b2api/v2/b2_list_buckets", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", auth.AuthorizationToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if resp != nil {
		defer exhaust(resp.Body)
	}
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", bodyToError(resp)
	}
	var reply bucketReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", err
	}
	for _, bucket := range reply.Buckets {
		if bucket.BucketName == c.bucket {
			return bucket.BucketID, nil
		}
	}
	return "", ErrBucketNotFound
}

// uploadTarget fetches a per-upload URL and token for the bucket.
func (c *Client) uploadTarget(ctx context.Context, auth *authReply, bucketID string) (*uploadURLReply, error) {
	body, err := json.Marshal(map[string]string{"bucketId": bucketID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		auth.APIURL+"/b2api/v2/b2_get_upload_url", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", auth.AuthorizationToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if resp != nil {
		defer exhaust(resp.Body)
	}
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, bodyToError(resp)
	}
	var reply uploadURLReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Upload sends a local file to the bucket under remoteName and returns
// the public URL. Authorization errors and transport errors are
// distinguishable through errors.Is.
func (c *Client) Upload(ctx context.Context, localPath, remoteName string) (string, error) {
	logger := c.logger.With(servicelog.String("file", remoteName), servicelog.String("bucket", c.bucket))
	auth, err := c.authorize(ctx)
	if err != nil {
		uploadErrors.WithLabelValues("auth").Inc()
		logger.Error("authorization failed", servicelog.Error(err))
		return "", err
	}
	bucketID, err := c.resolveBucket(ctx, auth)
	if err != nil {
		uploadErrors.WithLabelValues("bucket").Inc()
		logger.Error("bucket lookup failed", servicelog.Error(err))
		return "", fmt.Errorf("%w: %s", ErrTransportFailed, err)
	}
	target, err := c.uploadTarget(ctx, auth, bucketID)
	if err != nil {
		uploadErrors.WithLabelValues("upload_url").Inc()
		logger.Error("upload url request failed", servicelog.Error(err))
		return "", fmt.Errorf("%w: %s", ErrTransportFailed, err)
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrTransportFailed, err)
	}
	digest := sha1.Sum(data)

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.UploadURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrTransportFailed, err)
	}
	req.Header.Set("Authorization", target.AuthorizationToken)
	req.Header.Set("X-Bz-File-Name", url.PathEscape(remoteName))
	req.Header.Set("Content-Type", "b2/x-auto")
	req.Header.Set("Content-Length", strconv.Itoa(len(data)))
	req.Header.Set("X-Bz-Content-Sha1", hex.EncodeToString(digest[:]))
	resp, err := c.client.Do(req)
	if resp != nil {
		defer exhaust(resp.Body)
	}
	if err != nil {
		uploadErrors.WithLabelValues("upload").Inc()
		logger.Error("upload failed", servicelog.Error(err))
		return "", fmt.Errorf("%w: %s", ErrTransportFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		uploadErrors.WithLabelValues("upload").Inc()
		err := bodyToError(resp)
		logger.Error("upload rejected", servicelog.Error(err))
		return "", fmt.Errorf("%w: %s", ErrTransportFailed, err)
	}
	uploadBytes.Add(float64(len(data)))
	uploadSeconds.Observe(time.Since(start).Seconds())
	publicURL := c.PublicURL(remoteName)
	logger.Info("upload complete",
		servicelog.Int("bytes", len(data)),
		servicelog.Duration("took", time.Since(start)),
		servicelog.String("url", publicURL))
	return publicURL, nil
}
