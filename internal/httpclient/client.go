package httpclient

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/bleash-dev/comfyui-docker-sub000/internal/logging"
)

// CreateOptimizedClient returns an HTTP client tuned for large object-store
// transfers: a wide connection pool, extended timeouts, and no response
// compression (model artifacts are already dense binary data).
func CreateOptimizedClient() *http.Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
		Proxy:                 http.ProxyFromEnvironment,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   0, // callers set their own deadlines via context
	}
}

// retryLogger adapts our structured logger to retryablehttp's LeveledLogger.
type retryLogger struct {
	log *logging.Logger
}

func (l *retryLogger) Error(msg string, kv ...interface{}) { l.log.Errorf("%s %v", msg, kv) }
func (l *retryLogger) Info(msg string, kv ...interface{})  { l.log.Debugf("%s %v", msg, kv) }
func (l *retryLogger) Debug(msg string, kv ...interface{}) { l.log.Debugf("%s %v", msg, kv) }
func (l *retryLogger) Warn(msg string, kv ...interface{})  { l.log.Warnf("%s %v", msg, kv) }

// CreatePolicyClient returns a retrying HTTP client for the Policy Client's
// sync-permission and progress-notification calls. Retries are capped
// shorter than the object-store transfer client since these calls are small
// and should not block a sync run for long.
func CreatePolicyClient(log *logging.Logger) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	retryClient.RetryMax = 5
	retryClient.RetryWaitMin = 250 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = &retryLogger{log: log}
	return retryClient.StandardClient()
}
