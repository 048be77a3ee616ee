package testutils

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/term"
	"github.com/docker/go-connections/nat"

	"github.com/novatra/novatra/config"
)

// TestHelper starts the containers integration tests run against.
type TestHelper struct {
	DockerClient *client.Client
	Conf         config.IntegrationConfig
}

func NewTestHelper(conf config.IntegrationConfig) *TestHelper {
	dcli, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		panic(fmt.Errorf("could not connect to docker: %v", err))
	}

	return &TestHelper{
		Conf:         conf,
		DockerClient: dcli,
	}
}

// StartPostgres starts a new postgres container with the novatra database
// and returns its ID. The database may take a few seconds to accept
// connections; index.OpenSQL waits for it.
func (helper *TestHelper) StartPostgres(ctx context.Context) (string, error) {
	port, err := nat.NewPort("tcp", helper.Conf.PostgresPort)
	if err != nil {
		return "", err
	}

	image := helper.Conf.PostgresImage
	if err := helper.pullDockerImage(ctx, image); err != nil {
		return "", err
	}

	c, err := helper.DockerClient.ContainerCreate(
		ctx,
		&container.Config{
			Image: image,
			ExposedPorts: map[nat.Port]struct{}{
				port: {},
			},
			Env: []string{
				"POSTGRES_PASSWORD=novatra",
				"POSTGRES_DB=novatra",
				"POSTGRES_USER=novatra",
			},
		},
		&container.HostConfig{
			PortBindings: map[nat.Port][]nat.PortBinding{
				port: {{
					HostIP:   "0.0.0.0",
					HostPort: port.Port(),
				}},
			},
			NetworkMode: "bridge",
		},
		nil, nil, "")
	if err != nil {
		return "", err
	}

	if err := helper.DockerClient.ContainerStart(ctx, c.ID, types.ContainerStartOptions{}); err != nil {
		// 5, 10, 20, 40
		for i := 0; i < 4 && err != nil; i++ {
			time.Sleep(time.Duration(5*math.Pow(2, float64(i))) * time.Second)
			err = helper.DockerClient.ContainerStart(ctx, c.ID, types.ContainerStartOptions{})
		}
		if err != nil {
			return c.ID, err
		}
	}

	return c.ID, nil
}

// RemoveContainer removes with force the given containers.
func (helper *TestHelper) RemoveContainer(ctx context.Context, ctrs ...string) (err error) {
	for _, c := range ctrs {
		if c == "" {
			continue
		}
		err = helper.DockerClient.ContainerRemove(ctx, c,
			types.ContainerRemoveOptions{
				RemoveVolumes: true,
				Force:         true,
			})
	}

	return err
}

func (helper *TestHelper) pullDockerImage(ctx context.Context, image string) error {
	exists, err := helper.imageExists(ctx, image)
	if err != nil {
		return err
	}

	if exists {
		return nil
	}

	resp, err := helper.DockerClient.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer resp.Close()

	fd, isTerm := term.GetFdInfo(os.Stdout)

	return jsonmessage.DisplayJSONMessagesStream(resp, os.Stdout, fd, isTerm, nil)
}

func (helper *TestHelper) imageExists(ctx context.Context, image string) (bool, error) {
	_, _, err := helper.DockerClient.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return true, nil
	}

	if client.IsErrNotFound(err) {
		return false, nil
	}

	return false, err
}
