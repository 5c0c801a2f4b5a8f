package target

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/botgate/botgate/pkg/telemetry"
)

// Stream tags a narration line.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// LogFunc receives progress narration. Implementations must not block.
type LogFunc func(line string, stream Stream)

// PayloadTransform rewrites a configure payload before it is applied.
type PayloadTransform interface {
	Transform(ctx context.Context, payload Payload) (Payload, error)
}

// MaxResourceNameLength bounds derived resource names. Most providers cap
// stack, container and VM names at 63 characters.
const MaxResourceNameLength = 63

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// SanitizeName lowercases s and replaces anything outside [a-z0-9-] with a
// single dash.
func SanitizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = invalidNameChars.ReplaceAllString(s, "-")
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	return strings.Trim(s, "-")
}

// ResourceName derives `<prefix>-<sanitized-profile>` plus optional suffixes.
// Names longer than MaxResourceNameLength are truncated and suffixed with a
// short hash of the full name so distinct profiles never collide.
func ResourceName(prefix, profile string, suffix ...string) string {
	parts := []string{SanitizeName(prefix), SanitizeName(profile)}
	for _, s := range suffix {
		if s = SanitizeName(s); s != "" {
			parts = append(parts, s)
		}
	}
	name := strings.Join(nonEmpty(parts), "-")
	if len(name) <= MaxResourceNameLength {
		return name
	}

	sum := sha256.Sum256([]byte(name))
	hash := hex.EncodeToString(sum[:])[:8]
	return strings.TrimRight(name[:MaxResourceNameLength-len(hash)-1], "-") + "-" + hash
}

func nonEmpty(parts []string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Base carries what every provider adapter shares: identity, narration and
// the configure payload transform. Providers embed it.
type Base struct {
	kind      Kind
	prefix    string
	profile   string
	transform PayloadTransform

	mu    sync.RWMutex
	logFn LogFunc
}

// NewBase creates a Base for profile. transform may be nil.
func NewBase(kind Kind, prefix, profile string, transform PayloadTransform) *Base {
	return &Base{
		kind:      kind,
		prefix:    prefix,
		profile:   profile,
		transform: transform,
	}
}

// Profile returns the profile name.
func (b *Base) Profile() string { return b.profile }

// Kind returns the environment kind.
func (b *Base) Kind() Kind { return b.kind }

// ResourceName returns the deterministic name of a resource owned by this target.
func (b *Base) ResourceName(suffix ...string) string {
	return ResourceName(b.prefix, b.profile, suffix...)
}

// SetLogFunc registers the progress callback.
func (b *Base) SetLogFunc(fn LogFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logFn = fn
}

// LogFunc returns the registered callback, never nil.
func (b *Base) LogFunc() LogFunc {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.logFn == nil {
		return func(string, Stream) {}
	}
	return b.logFn
}

// Emit sends a narration line to stdout.
func (b *Base) Emit(format string, args ...interface{}) {
	b.LogFunc()(fmt.Sprintf(format, args...), StreamStdout)
}

// EmitErr sends a narration line to stderr.
func (b *Base) EmitErr(format string, args ...interface{}) {
	b.LogFunc()(fmt.Sprintf(format, args...), StreamStderr)
}

// TransformPayload runs the configured transform, if any.
func (b *Base) TransformPayload(ctx context.Context, payload Payload) (Payload, error) {
	if b.transform == nil {
		return payload, nil
	}
	out, err := b.transform.Transform(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("payload transform: %w", err)
	}
	return out, nil
}

// Operation instruments one public call on a target.
type Operation struct {
	*telemetry.InstrumentedContext
	kind Kind
	name string
}

// Begin opens a span for op tagged with the target's profile and kind.
func (b *Base) Begin(ctx context.Context, op string) *Operation {
	ic := telemetry.StartOperation(ctx, string(b.kind)+"."+op,
		telemetry.AttrProfile.String(b.profile),
		telemetry.AttrTargetKind.String(string(b.kind)))
	return &Operation{InstrumentedContext: ic, kind: b.kind, name: op}
}

// Finish records the outcome of the operation and ends its span.
func (o *Operation) Finish(success bool, err error) {
	telemetry.MetricsFromContext(o.Ctx).RecordTargetOperation(string(o.kind), o.name, success, o.Timer.Duration())
	o.End(err)
}
