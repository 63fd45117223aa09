// Package policyclient implements the Policy Client (spec.md §4.3): the
// CORE's only outbound collaborator for sync permission decisions and
// progress notifications. Every request carries the pod/user identity
// headers the environment supplies; transport retry/backoff is delegated
// to the shared internal/httpclient retrying client, matching the
// teacher's internal/api.Client wiring of retryablehttp.
package policyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/bleash-dev/comfyui-docker-sub000/internal/logging"
)

// Action is the permission decision's prescribed next step.
type Action string

const (
	ActionUpload  Action = "upload"
	ActionReplace Action = "replace"
	ActionReject  Action = "reject"
)

// NotifyStatus is the status reported to notifyProgress. It is a plain
// string alias (not a defined type) so collaborators like progressstore can
// satisfy a local Notifier interface without importing this package.
type NotifyStatus = string

const (
	StatusProgress  NotifyStatus = "PROGRESS"
	StatusCompleted NotifyStatus = "DONE"
	StatusFailed    NotifyStatus = "FAILED"
)

// ExistingModel identifies a canonical artifact the policy service already
// knows about, returned when a sync is rejected in favor of it.
type ExistingModel struct {
	OriginalRemotePath string `json:"originalRemotePath"`
}

// Decision is the policy service's verdict on a sync request.
type Decision struct {
	CanSync       bool           `json:"canSync"`
	Action        Action         `json:"action"`
	Reason        string         `json:"reason"`
	ExistingModel *ExistingModel `json:"existingModel,omitempty"`
}

const (
	ReasonPartialUpload = "Partial upload detected"
	ReasonInvalidExt    = "Invalid file extension"
	ReasonAlreadyAtPath = "Model already exists at this exact path"
)

// Client is the Policy Client. Construct with New.
type Client struct {
	baseURL      string
	sharedSecret string
	podID        string
	userID       string
	httpClient   *http.Client
	log          *logging.Logger
}

// New returns a Client targeting baseURL, signing every request with
// sharedSecret and the given pod/user identity.
func New(baseURL, sharedSecret, podID, userID string, httpClient *http.Client, log *logging.Logger) *Client {
	return &Client{
		baseURL:      baseURL,
		sharedSecret: sharedSecret,
		podID:        podID,
		userID:       userID,
		httpClient:   httpClient,
		log:          log,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pod-Id", c.podID)
	req.Header.Set("X-User-Id", c.userID)
	req.Header.Set("X-Shared-Secret", c.sharedSecret)
	return req, nil
}

type syncPermissionRequest struct {
	RemotePath  string `json:"remotePath"`
	DownloadURL string `json:"downloadUrl"`
	Group       string `json:"group"`
	Size        int64  `json:"size"`
}

// SyncPermission asks the policy service whether an upload of
// (remotePath, downloadUrl, group, size) may proceed.
func (c *Client) SyncPermission(ctx context.Context, remotePath, downloadURL, group string, size int64) (Decision, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/pods/"+c.podID+"/sync-permission", syncPermissionRequest{
		RemotePath:  remotePath,
		DownloadURL: downloadURL,
		Group:       group,
		Size:        size,
	})
	if err != nil {
		return Decision{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("sync permission request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return Decision{}, fmt.Errorf("sync permission request returned status %d", resp.StatusCode)
	}

	var decision Decision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return Decision{}, fmt.Errorf("failed to decode sync permission response: %w", err)
	}
	return decision, nil
}

type notifyProgressRequest struct {
	UserID       string       `json:"userId"`
	DownloadType string       `json:"download_type"`
	Status       NotifyStatus `json:"status"`
	Percentage   float64      `json:"percentage"`
	ModelName    string       `json:"modelName,omitempty"`
	Details      string       `json:"details,omitempty"`
}

// NotifyProgress reports aggregate progress for downloadType. This call is
// fire-and-forget: failures are logged and never propagated, since a
// notification outage must never abort a local download or upload.
func (c *Client) NotifyProgress(ctx context.Context, downloadType string, status NotifyStatus, percentage float64, modelName, details string) {
	req, err := c.newRequest(ctx, http.MethodPost, "/pods/"+c.podID+"/download-progress", notifyProgressRequest{
		UserID:       c.userID,
		DownloadType: downloadType,
		Status:       status,
		Percentage:   percentage,
		ModelName:    modelName,
		Details:      details,
	})
	if err != nil {
		c.log.Warnf("notifyProgress: failed to build request: %v", err)
		return
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warnf("notifyProgress: request failed: %v", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		c.log.Warnf("notifyProgress: policy service returned status %d", resp.StatusCode)
	}
}
