package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const devtoolsPort = "9222/tcp"

// DockerLauncher runs one headless-shell container per engine and attaches
// to its DevTools endpoint. Containers auto-remove on stop so a crashed
// daemon never leaks browsers.
type DockerLauncher struct {
	client *client.Client
	image  string
	logger *slog.Logger
}

// NewDockerLauncher creates a launcher using the host docker daemon.
func NewDockerLauncher(image string, logger *slog.Logger) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		image = "chromedp/headless-shell:stable"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerLauncher{client: cli, image: image, logger: logger}, nil
}

// Launch starts a container and returns an engine attached to it.
func (d *DockerLauncher) Launch(ctx context.Context, platformID string) (Engine, error) {
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image: d.image,
		ExposedPorts: nat.PortSet{
			devtoolsPort: struct{}{},
		},
		Labels: map[string]string{"fanlane.platform_id": platformID},
	}, &container.HostConfig{
		PortBindings: nat.PortMap{
			devtoolsPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
		Resources: container.Resources{
			Memory: 1024 * 1024 * 1024,
		},
		ShmSize:    256 * 1024 * 1024,
		AutoRemove: true,
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create browser container: %w", err)
	}

	containerID := resp.ID
	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start browser container: %w", err)
	}

	hostPort, err := d.hostPort(ctx, containerID)
	if err != nil {
		_ = d.client.ContainerStop(ctx, containerID, container.StopOptions{})
		return nil, err
	}

	wsURL, err := waitForDevtools(ctx, hostPort)
	if err != nil {
		_ = d.client.ContainerStop(ctx, containerID, container.StopOptions{})
		return nil, err
	}

	d.logger.Info("browser container started",
		"platform_id", platformID, "container_id", containerID[:12], "devtools", wsURL)

	eng, err := RemoteLauncher{WSURL: wsURL}.Launch(ctx, platformID)
	if err != nil {
		_ = d.client.ContainerStop(ctx, containerID, container.StopOptions{})
		return nil, err
	}
	return &dockerEngine{Engine: eng, launcher: d, containerID: containerID}, nil
}

func (d *DockerLauncher) hostPort(ctx context.Context, containerID string) (string, error) {
	inspect, err := d.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("inspect browser container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[nat.Port(devtoolsPort)]
	if len(bindings) == 0 {
		return "", fmt.Errorf("browser container has no devtools port binding")
	}
	return bindings[0].HostPort, nil
}

// waitForDevtools polls /json/version until the browser answers, returning
// its websocket debugger URL.
func waitForDevtools(ctx context.Context, hostPort string) (string, error) {
	url := fmt.Sprintf("http://127.0.0.1:%s/json/version", hostPort)
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			var info struct {
				WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
			}
			decodeErr := json.NewDecoder(resp.Body).Decode(&info)
			resp.Body.Close()
			if decodeErr == nil && info.WebSocketDebuggerURL != "" {
				return info.WebSocketDebuggerURL, nil
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	return "", fmt.Errorf("devtools endpoint did not come up on port %s", hostPort)
}

// dockerEngine stops its container when closed.
type dockerEngine struct {
	Engine
	launcher    *DockerLauncher
	containerID string
}

func (e *dockerEngine) Close() error {
	err := e.Engine.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if stopErr := e.launcher.client.ContainerStop(ctx, e.containerID, container.StopOptions{}); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}

// Close releases the docker client.
func (d *DockerLauncher) Close() error {
	return d.client.Close()
}
