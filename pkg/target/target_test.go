package target

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Prod", "prod"},
		{"my bot_01", "my-bot-01"},
		{"  --Team/Alpha--  ", "team-alpha"},
		{"a...b", "a-b"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeName(tt.in))
		})
	}
}

func TestResourceNameIsDeterministic(t *testing.T) {
	a := ResourceName("botgate", "My Profile")
	b := ResourceName("botgate", "my-profile")
	assert.Equal(t, "botgate-my-profile", a)
	assert.Equal(t, a, b, "two targets with the same profile resolve to the same name")
	assert.Equal(t, "botgate-prod-secrets", ResourceName("botgate", "prod", "secrets"))
}

func TestResourceNameTruncatesWithHash(t *testing.T) {
	long := strings.Repeat("profile", 20)
	name := ResourceName("botgate", long)
	other := ResourceName("botgate", long+"x")

	assert.LessOrEqual(t, len(name), MaxResourceNameLength)
	assert.NotEqual(t, name, other)
	assert.Equal(t, name, ResourceName("botgate", long))
}

type upperTransform struct{}

func (upperTransform) Transform(_ context.Context, p Payload) (Payload, error) {
	out := Payload{}
	for k, v := range p {
		out[strings.ToUpper(k)] = v
	}
	return out, nil
}

type failingTransform struct{}

func (failingTransform) Transform(context.Context, Payload) (Payload, error) {
	return nil, errors.New("script error")
}

func TestBaseTransformPayload(t *testing.T) {
	ctx := context.Background()

	plain := NewBase(KindLocal, "botgate", "dev", nil)
	out, err := plain.TransformPayload(ctx, Payload{"model": "x"})
	require.NoError(t, err)
	assert.Equal(t, Payload{"model": "x"}, out)

	upper := NewBase(KindLocal, "botgate", "dev", upperTransform{})
	out, err = upper.TransformPayload(ctx, Payload{"model": "x"})
	require.NoError(t, err)
	assert.Equal(t, Payload{"MODEL": "x"}, out)

	failing := NewBase(KindLocal, "botgate", "dev", failingTransform{})
	_, err = failing.TransformPayload(ctx, Payload{})
	assert.ErrorContains(t, err, "script error")
}

func TestBaseEmitWithoutCallbackIsNoop(t *testing.T) {
	b := NewBase(KindContainer, "botgate", "dev", nil)
	b.Emit("nothing listens %d", 1)
	b.EmitErr("still fine")
}

func TestBaseEmitRoutesStreams(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	b := NewBase(KindFleet, "botgate", "dev", nil)
	b.SetLogFunc(func(line string, stream Stream) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, string(stream)+":"+line)
	})

	b.Emit("creating %s", "stack")
	b.EmitErr("warning")

	assert.Equal(t, []string{"stdout:creating stack", "stderr:warning"}, lines)
}

func TestTierOf(t *testing.T) {
	for _, tier := range NamedTiers() {
		spec, err := SpecForTier(tier)
		require.NoError(t, err)
		assert.Equal(t, tier, TierOf(spec))
	}
	assert.Equal(t, TierCustom, TierOf(ResourceSpec{CPU: 1536, MemoryMiB: 3072}))

	_, err := SpecForTier("huge")
	assert.Error(t, err)
}

func TestResourceSpecValidate(t *testing.T) {
	assert.NoError(t, ResourceSpec{CPU: 1024}.Validate())
	assert.Error(t, ResourceSpec{}.Validate())
	assert.Error(t, ResourceSpec{CPU: -1, MemoryMiB: 10}.Validate())
	assert.Equal(t, 2, ResourceSpec{CPU: 1025}.VCPUs())
}

type minimalTarget struct{ *Base }

func (minimalTarget) Install(context.Context, InstallOptions) (*InstallResult, error) {
	return nil, nil
}
func (minimalTarget) Configure(context.Context, Payload) (*ConfigureResult, error) { return nil, nil }
func (minimalTarget) Start(context.Context) (*Result, error)                       { return nil, nil }
func (minimalTarget) Stop(context.Context) (*Result, error)                        { return nil, nil }
func (minimalTarget) Restart(context.Context) (*Result, error)                     { return nil, nil }
func (minimalTarget) Status(context.Context) (*Status, error)                      { return nil, nil }
func (minimalTarget) Logs(context.Context, LogOptions) ([]string, error)           { return nil, nil }
func (minimalTarget) Endpoint(context.Context) (*Endpoint, error)                  { return nil, nil }
func (minimalTarget) Destroy(context.Context) (*Result, error)                     { return nil, nil }

type resizableTarget struct{ minimalTarget }

func (resizableTarget) UpdateResources(context.Context, ResourceSpec) (*ResourceUpdateResult, error) {
	return nil, nil
}

func TestCapabilityProbing(t *testing.T) {
	plain := minimalTarget{NewBase(KindLocal, "botgate", "a", nil)}
	_, ok := AsResourceUpdater(plain)
	assert.False(t, ok)
	assert.Empty(t, Capabilities(plain))

	resizable := resizableTarget{plain}
	_, ok = AsResourceUpdater(resizable)
	assert.True(t, ok)
	assert.Equal(t, []string{"updateResources"}, Capabilities(resizable))
}

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "https://bot.example.com:443", Endpoint{Host: "bot.example.com", Port: 443, Protocol: "https"}.URL())
}
