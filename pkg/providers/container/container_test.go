package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botgate/botgate/pkg/config"
	"github.com/botgate/botgate/pkg/engine"
	"github.com/botgate/botgate/pkg/sandbox"
	"github.com/botgate/botgate/pkg/target"
)

type fakeContainer struct {
	id      string
	image   string
	runtime string
	status  string
	cpus    string
	memory  string
	env     []string
	files   map[string]string
}

// fakeDocker is a stateful stand-in for the docker CLI.
type fakeDocker struct {
	mu         sync.Mutex
	runtimes   []string
	containers map[string]*fakeContainer
	calls      []string
	failOn     map[string]error
	next       int
}

func newFakeDocker(runtimes ...string) *fakeDocker {
	return &fakeDocker{
		runtimes:   append([]string{"runc"}, runtimes...),
		containers: map[string]*fakeContainer{},
		failOn:     map[string]error{},
	}
}

func (f *fakeDocker) LookPath(name string) (string, error) {
	return "/usr/bin/" + name, nil
}

func (f *fakeDocker) Run(_ context.Context, name string, args ...string) (sandbox.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, cmd)
	if name == sandbox.RuntimeName {
		return sandbox.Output{Stdout: "runsc version release-20240807.0\n"}, nil
	}
	if name != "docker" {
		return sandbox.Output{}, errors.New("unexpected command: " + cmd)
	}
	if err, ok := f.failOn[args[0]]; ok {
		return sandbox.Output{}, err
	}
	noSuch := func(n string) (sandbox.Output, error) {
		msg := "Error response from daemon: No such container: " + n
		return sandbox.Output{Stderr: msg}, errors.New("docker: exit status 1: " + msg)
	}

	switch args[0] {
	case "info":
		rt := map[string]struct{}{}
		for _, r := range f.runtimes {
			rt[r] = struct{}{}
		}
		data, _ := json.Marshal(rt)
		return sandbox.Output{Stdout: string(data)}, nil
	case "pull":
		return sandbox.Output{}, nil
	case "inspect":
		n := args[len(args)-1]
		c, ok := f.containers[n]
		if !ok {
			return noSuch(n)
		}
		return sandbox.Output{Stdout: c.inspectJSON()}, nil
	case "create":
		c := &fakeContainer{status: "created", files: map[string]string{}}
		var n string
		for i := 1; i < len(args)-1; i++ {
			switch args[i] {
			case "--name":
				n = args[i+1]
			case "--runtime":
				c.runtime = args[i+1]
			case "--cpus":
				c.cpus = args[i+1]
			case "--memory":
				c.memory = args[i+1]
			case "-e":
				c.env = append(c.env, args[i+1])
			case "--env-file":
				data, err := os.ReadFile(args[i+1])
				if err != nil {
					return sandbox.Output{}, err
				}
				c.env = append(c.env, strings.Fields(string(data))...)
			}
		}
		if _, exists := f.containers[n]; exists {
			return sandbox.Output{}, errors.New("Conflict. The container name is already in use")
		}
		f.next++
		c.id = fmt.Sprintf("c%04d", f.next)
		c.image = args[len(args)-1]
		f.containers[n] = c
		return sandbox.Output{Stdout: c.id + "\n"}, nil
	case "start", "restart", "stop":
		n := args[len(args)-1]
		c, ok := f.containers[n]
		if !ok {
			return noSuch(n)
		}
		c.status = "running"
		if args[0] == "stop" {
			c.status = "exited"
		}
		return sandbox.Output{Stdout: n + "\n"}, nil
	case "rm":
		n := args[len(args)-1]
		if _, ok := f.containers[n]; !ok {
			return noSuch(n)
		}
		delete(f.containers, n)
		return sandbox.Output{}, nil
	case "update":
		n := args[len(args)-1]
		c, ok := f.containers[n]
		if !ok {
			return noSuch(n)
		}
		for i := 1; i < len(args)-1; i++ {
			switch args[i] {
			case "--cpus":
				c.cpus = args[i+1]
			case "--memory":
				c.memory = args[i+1]
			}
		}
		return sandbox.Output{}, nil
	case "cp":
		n, dst, _ := strings.Cut(args[2], ":")
		c, ok := f.containers[n]
		if !ok {
			return noSuch(n)
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return sandbox.Output{}, err
		}
		c.files[dst] = string(data)
		return sandbox.Output{}, nil
	case "logs":
		return sandbox.Output{Stdout: "booting\nready\n", Stderr: "warn: slow disk\n"}, nil
	}
	return sandbox.Output{}, errors.New("unexpected command: " + cmd)
}

func (c *fakeContainer) inspectJSON() string {
	var info inspectInfo
	info.ID = c.id
	info.Config.Image = c.image
	info.State.Status = c.status
	info.State.Running = c.status == "running"
	if info.State.Running {
		info.State.StartedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	}
	info.HostConfig.Runtime = c.runtime
	if c.cpus != "" {
		cpus, _ := strconv.ParseFloat(c.cpus, 64)
		info.HostConfig.NanoCpus = int64(cpus * 1e9)
	}
	if c.memory != "" {
		mb, _ := strconv.Atoi(strings.TrimSuffix(c.memory, "m"))
		info.HostConfig.Memory = int64(mb) * mib
	}
	data, _ := json.Marshal(info)
	return string(data)
}

func (f *fakeDocker) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeDocker) container(name string) *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[name]
}

func linuxEnv() sandbox.Env {
	return sandbox.Env{
		GOOS:     "linux",
		Getenv:   func(string) string { return "" },
		ReadFile: func(string) ([]byte, error) { return nil, os.ErrNotExist },
	}
}

func newTestTarget(t *testing.T, docker *fakeDocker, cfg config.ContainerConfig) *Target {
	t.Helper()
	if cfg.Image == "" {
		cfg.Image = "ghcr.io/botgate/gateway:1.0"
	}
	d := sandbox.NewDetector(sandbox.WithRunner(docker), sandbox.WithEnv(linuxEnv()))
	tg, err := New("Dev Box", cfg, nil, WithRunner(docker), WithDetector(d))
	require.NoError(t, err)
	return tg
}

func TestInstallUsesSandboxWhenAvailable(t *testing.T) {
	ctx := context.Background()
	docker := newFakeDocker("runsc")
	tg := newTestTarget(t, docker, config.ContainerConfig{
		Env:       map[string]string{"MODE": "prod"},
		Resources: &target.ResourceSpec{CPU: 512, MemoryMiB: 1024},
	})
	assert.Equal(t, "botgate-dev-box", tg.Name())

	res, err := tg.Install(ctx, target.InstallOptions{
		Version: "1.2",
		Secrets: map[string]string{"OPENAI_API_KEY": "sk-1"},
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "runsc", res.Outputs["runtime"])
	assert.Equal(t, "http://127.0.0.1:18789", res.Endpoint.URL())

	c := docker.container("botgate-dev-box")
	require.NotNil(t, c)
	assert.Equal(t, "ghcr.io/botgate/gateway:1.2", c.image)
	assert.Equal(t, "runsc", c.runtime)
	assert.Equal(t, "running", c.status)
	assert.Contains(t, c.env, "MODE=prod")
	assert.Contains(t, c.env, "OPENAI_API_KEY=sk-1")
	assert.Equal(t, "0.5", c.cpus)
	assert.Equal(t, "1024m", c.memory)

	// Same image and runtime: nothing is recreated.
	res, err = tg.Install(ctx, target.InstallOptions{Version: "1.2"})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Contains(t, res.Message, "already installed")
	assert.Equal(t, 1, docker.count("docker create"))
	assert.Equal(t, 1, docker.count("docker start"))

	// A new version replaces the container.
	res, err = tg.Install(ctx, target.InstallOptions{Version: "1.3"})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 2, docker.count("docker create"))
	assert.Equal(t, "ghcr.io/botgate/gateway:1.3", docker.container("botgate-dev-box").image)
}

func TestInstallStartsStoppedContainer(t *testing.T) {
	ctx := context.Background()
	docker := newFakeDocker()
	tg := newTestTarget(t, docker, config.ContainerConfig{})

	res, err := tg.Install(ctx, target.InstallOptions{})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	r, err := tg.Stop(ctx)
	require.NoError(t, err)
	require.True(t, r.Success, r.Message)

	res, err = tg.Install(ctx, target.InstallOptions{})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 1, docker.count("docker create"))
	assert.Equal(t, "running", docker.container(tg.Name()).status)

	st, err := tg.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.TargetStateRunning, st.State)
}

func TestInstallFallsBackWithoutSandbox(t *testing.T) {
	docker := newFakeDocker()
	tg := newTestTarget(t, docker, config.ContainerConfig{})

	var warnings []string
	tg.SetLogFunc(func(line string, stream target.Stream) {
		if stream == target.StreamStderr {
			warnings = append(warnings, line)
		}
	})

	res, err := tg.Install(context.Background(), target.InstallOptions{})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "runc", res.Outputs["runtime"])
	assert.Empty(t, docker.container("botgate-dev-box").runtime)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "sandbox runtime unavailable")
}

func TestInstallRequiresSandbox(t *testing.T) {
	for _, cfg := range []config.ContainerConfig{
		{RequireSandbox: true},
		{Runtime: config.RuntimeSandbox},
	} {
		docker := newFakeDocker()
		tg := newTestTarget(t, docker, cfg)

		res, err := tg.Install(context.Background(), target.InstallOptions{})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Message, "not-installed")
		assert.NotEmpty(t, res.Outputs["manualCommand"])
		assert.Zero(t, docker.count("docker create"))
	}
}

func TestInstallDefaultRuntimeSkipsDetection(t *testing.T) {
	docker := newFakeDocker("runsc")
	tg := newTestTarget(t, docker, config.ContainerConfig{Runtime: config.RuntimeDefault})

	res, err := tg.Install(context.Background(), target.InstallOptions{})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Zero(t, docker.count("docker info"))
}

func TestLifecycleAndStatus(t *testing.T) {
	ctx := context.Background()
	docker := newFakeDocker()
	tg := newTestTarget(t, docker, config.ContainerConfig{})

	st, err := tg.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.TargetStateNotInstalled, st.State)

	r, err := tg.Start(ctx)
	require.NoError(t, err)
	assert.False(t, r.Success)

	res, err := tg.Install(ctx, target.InstallOptions{})
	require.NoError(t, err)
	require.True(t, res.Success)

	st, err = tg.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.TargetStateRunning, st.State)
	assert.Equal(t, "runc", st.Detail["runtime"])
	require.NotNil(t, st.StartedAt)

	r, err = tg.Stop(ctx)
	require.NoError(t, err)
	require.True(t, r.Success)
	st, err = tg.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.TargetStateStopped, st.State)

	r, err = tg.Restart(ctx)
	require.NoError(t, err)
	require.True(t, r.Success)

	ep, err := tg.Endpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 18789, ep.Port)

	r, err = tg.Destroy(ctx)
	require.NoError(t, err)
	require.True(t, r.Success)
	r, err = tg.Destroy(ctx)
	require.NoError(t, err)
	require.True(t, r.Success, "destroy is idempotent")

	_, err = tg.Endpoint(ctx)
	assert.True(t, engine.HasCode(err, engine.ErrCodeNotFound))
}

type wrapTransform struct{}

func (wrapTransform) Transform(_ context.Context, p target.Payload) (target.Payload, error) {
	return target.Payload{"wrapped": p}, nil
}

func TestConfigureCopiesAndRestarts(t *testing.T) {
	ctx := context.Background()
	docker := newFakeDocker()
	d := sandbox.NewDetector(sandbox.WithRunner(docker), sandbox.WithEnv(linuxEnv()))
	tg, err := New("dev", config.ContainerConfig{Image: "gw"}, wrapTransform{}, WithRunner(docker), WithDetector(d))
	require.NoError(t, err)

	cres, err := tg.Configure(ctx, target.Payload{"a": 1})
	require.NoError(t, err)
	assert.False(t, cres.Success)

	res, err := tg.Install(ctx, target.InstallOptions{})
	require.NoError(t, err)
	require.True(t, res.Success)

	cres, err = tg.Configure(ctx, target.Payload{"a": 1})
	require.NoError(t, err)
	require.True(t, cres.Success, cres.Message)
	assert.True(t, cres.Restarted)
	assert.Contains(t, docker.container(tg.Name()).files[ConfigPath], `"wrapped"`)

	_, err = tg.Stop(ctx)
	require.NoError(t, err)
	cres, err = tg.Configure(ctx, target.Payload{"a": 2})
	require.NoError(t, err)
	require.True(t, cres.Success)
	assert.False(t, cres.Restarted)
}

func TestResources(t *testing.T) {
	ctx := context.Background()
	docker := newFakeDocker()
	tg := newTestTarget(t, docker, config.ContainerConfig{})

	assert.ElementsMatch(t, []string{"updateResources", "getResources", "streamLogs"}, target.Capabilities(tg))

	res, err := tg.Install(ctx, target.InstallOptions{})
	require.NoError(t, err)
	require.True(t, res.Success)

	info, err := tg.Resources(ctx)
	require.NoError(t, err)
	assert.Equal(t, "unlimited", info.Native)
	assert.Equal(t, target.TierCustom, info.Tier)

	upd, err := tg.UpdateResources(ctx, target.ResourceSpec{CPU: 2048, MemoryMiB: 4096, DataDiskSizeGB: 20})
	require.NoError(t, err)
	require.True(t, upd.Success, upd.Message)
	assert.False(t, upd.RequiresRestart)
	assert.Equal(t, "cpus=2 memory=4096m", upd.Applied)

	info, err = tg.Resources(ctx)
	require.NoError(t, err)
	assert.Equal(t, target.TierPerformance, info.Tier)
	assert.Equal(t, 2048, info.Spec.CPU)
	assert.Equal(t, 4096, info.Spec.MemoryMiB)

	_, err = tg.UpdateResources(ctx, target.ResourceSpec{})
	assert.True(t, engine.HasCode(err, engine.ErrCodeInvalidConfig))
}

func TestUpdateResourcesDiskOnlyIsUnsupported(t *testing.T) {
	ctx := context.Background()
	docker := newFakeDocker()
	tg := newTestTarget(t, docker, config.ContainerConfig{})

	res, err := tg.Install(ctx, target.InstallOptions{})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)

	upd, err := tg.UpdateResources(ctx, target.ResourceSpec{DataDiskSizeGB: 50})
	require.NoError(t, err)
	assert.False(t, upd.Success)
	assert.Contains(t, upd.Message, engine.ErrCodeUnsupported)
	assert.Zero(t, docker.count("docker update"))
}

func TestLogs(t *testing.T) {
	docker := newFakeDocker()
	tg := newTestTarget(t, docker, config.ContainerConfig{})

	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lines, err := tg.Logs(context.Background(), target.LogOptions{Lines: 5, Since: since})
	require.NoError(t, err)
	assert.Equal(t, []string{"booting", "ready", "warn: slow disk"}, lines)
	assert.Equal(t, 1, docker.count("docker logs --tail 5 --since 2026-03-01T12:00:00Z botgate-dev-box"))
}

func TestImageRef(t *testing.T) {
	tests := []struct{ image, version, want string }{
		{"gw", "", "gw"},
		{"gw", "2", "gw:2"},
		{"gw:1", "2", "gw:2"},
		{"registry:5000/gw", "2", "registry:5000/gw:2"},
		{"registry:5000/gw:1", "2", "registry:5000/gw:2"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, imageRef(tt.image, tt.version), "%s@%s", tt.image, tt.version)
	}
}

func mockExecCommandContext(ctx context.Context, command string, args ...string) *exec.Cmd {
	cs := []string{"-test.run=TestHelperProcess", "--", command}
	cs = append(cs, args...)
	cmd := exec.CommandContext(ctx, os.Args[0], cs...)
	cmd.Env = []string{"GO_WANT_HELPER_PROCESS=1"}
	return cmd
}

// TestHelperProcess is a helper process for mocking exec.Command
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) < 2 || args[0] != "docker" || args[1] != "logs" {
		fmt.Fprintf(os.Stderr, "unexpected command %v\n", args)
		os.Exit(127)
	}
	fmt.Println("line one")
	fmt.Fprintln(os.Stderr, "line two")
	fmt.Println("line three")
	os.Exit(0)
}

func TestStreamLogs(t *testing.T) {
	orig := execCommandContext
	execCommandContext = mockExecCommandContext
	defer func() { execCommandContext = orig }()

	tg := newTestTarget(t, newFakeDocker(), config.ContainerConfig{})
	var got []string
	err := tg.StreamLogs(context.Background(), target.LogOptions{Lines: 10}, func(line string) {
		got = append(got, line)
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"line one", "line two", "line three"}, got)
}
