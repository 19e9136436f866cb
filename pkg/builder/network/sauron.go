package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Sauron attaches containers through the sauron network allocation service
type Sauron struct {
	Client    *retryablehttp.Client
	BaseURL   string
	NetworkIP string
	HostIP    string
}

// NewSauron validates cfg and produces a sauron attacher
func NewSauron(cfg Config) (*Sauron, error) {
	if cfg.SauronHost == "" {
		return nil, xerrors.Errorf("require sauron host")
	}
	if cfg.NetworkIP == "" {
		return nil, xerrors.Errorf("require network ip")
	}
	if cfg.HostIP == "" {
		return nil, xerrors.Errorf("require ip")
	}

	base := cfg.SauronHost
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil

	return &Sauron{
		Client:    client,
		BaseURL:   strings.TrimSuffix(base, "/"),
		NetworkIP: cfg.NetworkIP,
		HostIP:    cfg.HostIP,
	}, nil
}

type sauronAction struct {
	ContainerID string `json:"containerId"`
}

// Attach asks sauron to attach the host's network to the container
func (s *Sauron) Attach(ctx context.Context, containerID string) error {
	return s.do(ctx, "attach", containerID)
}

// Detach reverts Attach
func (s *Sauron) Detach(ctx context.Context, containerID string) error {
	return s.do(ctx, "detach", containerID)
}

func (s *Sauron) do(ctx context.Context, action, containerID string) error {
	body, err := json.Marshal(sauronAction{ContainerID: containerID})
	if err != nil {
		return err
	}

	u := fmt.Sprintf("%s/networks/%s/hosts/%s/actions/%s", s.BaseURL, url.PathEscape(s.NetworkIP), url.PathEscape(s.HostIP), action)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return xerrors.Errorf("cannot %s %s: %w", action, containerID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return xerrors.Errorf("cannot %s %s: sauron responded with %s", action, containerID, resp.Status)
	}

	log.WithFields(log.Fields{"container": containerID, "action": action}).Debug("sauron network action")
	return nil
}
