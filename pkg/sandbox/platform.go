package sandbox

import (
	"os"
	"runtime"
	"strings"
)

// Env is the slice of the host environment detection reads.
type Env struct {
	GOOS     string
	Getenv   func(string) string
	ReadFile func(string) ([]byte, error)
}

// HostEnv returns the environment of the running process.
func HostEnv() Env {
	return Env{GOOS: runtime.GOOS, Getenv: os.Getenv, ReadFile: os.ReadFile}
}

// ResolvePlatform maps OS signals to a Platform.
func ResolvePlatform(env Env) Platform {
	switch env.GOOS {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
		if isWSL(env) {
			return PlatformWSL2
		}
		return PlatformLinux
	default:
		return PlatformUnsupported
	}
}

func isWSL(env Env) bool {
	if env.Getenv != nil && env.Getenv("WSL_DISTRO_NAME") != "" {
		return true
	}
	if env.ReadFile == nil {
		return false
	}
	data, err := env.ReadFile("/proc/version")
	if err != nil {
		return false
	}
	v := strings.ToLower(string(data))
	return strings.Contains(v, "microsoft") || strings.Contains(v, "wsl")
}

// distroFamily returns "debian" for apt-based distributions and "other"
// for the rest, read from /etc/os-release.
func distroFamily(env Env) string {
	if env.ReadFile == nil {
		return "other"
	}
	data, err := env.ReadFile("/etc/os-release")
	if err != nil {
		return "other"
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || (key != "ID" && key != "ID_LIKE") {
			continue
		}
		for _, id := range strings.Fields(strings.Trim(value, `"`)) {
			if id == "debian" || id == "ubuntu" {
				return "debian"
			}
		}
	}
	return "other"
}

func systemdIsInit(env Env) bool {
	if env.ReadFile == nil {
		return false
	}
	data, err := env.ReadFile("/proc/1/comm")
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "systemd"
}
