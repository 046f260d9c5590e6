package local

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	managedByLabel = "managed-by"
	managedByValue = "browserpilot"
	sessionLabel   = "session-id"
	identityLabel  = "identity-id"
	cdpPort        = "3000/tcp"
)

// Instance is one running browser container
type Instance struct {
	ContainerID string
	SessionID   string
	IdentityID  string
	ConnectURL  string
	StartedAt   time.Time
}

// LaunchOptions describes the browser container to start
type LaunchOptions struct {
	SessionID   string
	IdentityID  string
	UserDataDir string
	KeepAlive   bool
	ProxyServer string
}

// Runtime starts and stops browser containers
type Runtime interface {
	Launch(ctx context.Context, opts LaunchOptions) (*Instance, error)
	Stop(ctx context.Context, containerID string) error
	List(ctx context.Context) ([]Instance, error)
}

// Pool runs browserless/chrome containers through the Docker API
type Pool struct {
	client *client.Client
	image  string
	http   *http.Client
}

var _ Runtime = (*Pool)(nil)

// NewPool connects to the Docker daemon from the environment
func NewPool(imageName string) (*Pool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Pool{
		client: cli,
		image:  imageName,
		http:   &http.Client{Timeout: 2 * time.Second},
	}, nil
}

func (p *Pool) Launch(ctx context.Context, opts LaunchOptions) (*Instance, error) {
	env := []string{
		"MAX_CONCURRENT_SESSIONS=1",
		"PREBOOT_CHROME=true",
		"EXIT_ON_HEALTH_FAILURE=false",
		"CONNECTION_TIMEOUT=-1",
	}
	if opts.KeepAlive {
		env = append(env, "KEEP_ALIVE=true")
	}
	if opts.ProxyServer != "" {
		env = append(env, "DEFAULT_LAUNCH_ARGS=[\"--proxy-server="+opts.ProxyServer+"\"]")
	}

	containerConfig := &container.Config{
		Image: p.image,
		Labels: map[string]string{
			sessionLabel:   opts.SessionID,
			identityLabel:  opts.IdentityID,
			managedByLabel: managedByValue,
		},
		Env: env,
		ExposedPorts: nat.PortSet{
			cdpPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			cdpPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}},
		},
	}
	if opts.UserDataDir != "" {
		hostConfig.Mounts = []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: opts.UserDataDir,
				Target: "/data",
			},
		}
		containerConfig.Env = append(containerConfig.Env, "USER_DATA_DIR=/data")
	}

	name := opts.SessionID
	if len(name) > 8 {
		name = name[:8]
	}
	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "browserpilot-"+name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := p.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[cdpPort]
	if len(bindings) == 0 {
		return nil, fmt.Errorf("container %s exposes no CDP port", resp.ID)
	}
	port := bindings[0].HostPort

	if err := p.waitForBrowserReady(ctx, port); err != nil {
		_ = p.Stop(context.Background(), resp.ID)
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	return &Instance{
		ContainerID: resp.ID,
		SessionID:   opts.SessionID,
		IdentityID:  opts.IdentityID,
		ConnectURL:  fmt.Sprintf("ws://127.0.0.1:%s", port),
		StartedAt:   time.Now(),
	}, nil
}

func (p *Pool) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	if err := p.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// List returns running containers this service launched, including ones
// left behind by a previous process.
func (p *Pool) List(ctx context.Context) ([]Instance, error) {
	f := filters.NewArgs(filters.Arg("label", managedByLabel+"="+managedByValue))
	containers, err := p.client.ContainerList(ctx, container.ListOptions{Filters: f})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]Instance, 0, len(containers))
	for _, c := range containers {
		out = append(out, Instance{
			ContainerID: c.ID,
			SessionID:   c.Labels[sessionLabel],
			IdentityID:  c.Labels[identityLabel],
			StartedAt:   time.Unix(c.Created, 0),
		})
	}
	return out, nil
}

// EnsureImage pulls the browser image if the daemon does not have it
func (p *Pool) EnsureImage(ctx context.Context) error {
	images, err := p.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == p.image {
				return nil
			}
		}
	}

	reader, err := p.client.ImagePull(ctx, p.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *Pool) Close() error {
	return p.client.Close()
}

// waitForBrowserReady polls the /json/version endpoint until Chrome answers
func (p *Pool) waitForBrowserReady(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://127.0.0.1:%s/json/version", port)
	const maxRetries = 20

	for i := 0; i < maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := p.http.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	return fmt.Errorf("browser did not become ready after %d retries", maxRetries)
}
