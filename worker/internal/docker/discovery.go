// Package docker detects whether a Docker daemon is reachable on the host,
// so the worker can advertise the "docker" capability (§3 node record
// capabilities) at AUTH time. It never inspects or mutates daemon state
// beyond a Ping — there is no sandboxed execution via Docker in this system,
// only capability discovery.
package docker

import (
	"context"
	"errors"
	"fmt"

	dockerclient "github.com/docker/docker/client"
)

// ErrUnavailable is returned when the Docker daemon cannot be reached.
var ErrUnavailable = errors.New("docker: daemon unavailable")

// Client wraps the Docker SDK client for capability probing.
type Client struct {
	docker *dockerclient.Client
}

// NewClient creates a Client connected to the socket at socketPath. Pass an
// empty string to use the Docker SDK default (DOCKER_HOST env var, or
// /var/run/docker.sock on Linux/macOS).
func NewClient(socketPath string) (*Client, error) {
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if socketPath != "" {
		opts = append(opts, dockerclient.WithHost("unix://"+socketPath))
	}

	dc, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return &Client{docker: dc}, nil
}

// Ping reports whether the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.docker.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return nil
}

// Close releases the underlying Docker client resources.
func (c *Client) Close() error {
	return c.docker.Close()
}

// Available is a convenience helper used at startup to decide whether to
// advertise the "docker" capability: it builds a client against the default
// socket and pings it, swallowing all errors into a bool.
func Available(ctx context.Context) bool {
	c, err := NewClient("")
	if err != nil {
		return false
	}
	defer c.Close()
	return c.Ping(ctx) == nil
}
