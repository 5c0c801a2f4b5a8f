package container

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/botgate/botgate/pkg/config"
)

// inspectInfo is the part of `docker inspect` the target reads.
type inspectInfo struct {
	ID     string `json:"Id"`
	Config struct {
		Image  string            `json:"Image"`
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	State struct {
		Status    string    `json:"Status"`
		Running   bool      `json:"Running"`
		ExitCode  int       `json:"ExitCode"`
		Error     string    `json:"Error"`
		StartedAt time.Time `json:"StartedAt"`
	} `json:"State"`
	HostConfig struct {
		Runtime  string `json:"Runtime"`
		NanoCpus int64  `json:"NanoCpus"`
		Memory   int64  `json:"Memory"`
	} `json:"HostConfig"`
}

func (i *inspectInfo) runtime() string {
	if i.HostConfig.Runtime == "" {
		return config.RuntimeDefault
	}
	return i.HostConfig.Runtime
}

// inspect returns nil, nil when the container does not exist.
func (t *Target) inspect(ctx context.Context) (*inspectInfo, error) {
	out, err := t.docker(ctx, "inspect", "--type", "container", "--format", "{{json .}}", t.Name())
	if err != nil {
		if isNoSuchContainer(err) || strings.Contains(out.Stderr, "No such") {
			return nil, nil
		}
		return nil, err
	}
	var info inspectInfo
	if err := json.Unmarshal([]byte(strings.TrimSpace(out.Stdout)), &info); err != nil {
		return nil, fmt.Errorf("parse inspect output: %w", err)
	}
	return &info, nil
}

func isNoSuchContainer(err error) bool {
	return err != nil && strings.Contains(err.Error(), "No such")
}
