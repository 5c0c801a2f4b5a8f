package sandbox

import "fmt"

// RuntimeName is the docker runtime the sandbox registers.
const RuntimeName = "runsc"

// DefaultVMName is the Lima VM hosting the sandbox on macOS.
const DefaultVMName = "botgate-sandbox"

// DefaultVMTemplate is the Lima template new sandbox VMs are created from.
const DefaultVMTemplate = "template://docker"

const (
	aptInstallScript = `curl -fsSL https://gvisor.dev/archive.key | gpg --batch --yes --dearmor -o /usr/share/keyrings/gvisor-archive-keyring.gpg && ` +
		`echo "deb [arch=$(dpkg --print-architecture) signed-by=/usr/share/keyrings/gvisor-archive-keyring.gpg] https://storage.googleapis.com/gvisor/releases release main" > /etc/apt/sources.list.d/gvisor.list && ` +
		`apt-get update && apt-get install -y runsc && runsc install`

	binaryInstallScript = `set -e; ARCH=$(uname -m); URL=https://storage.googleapis.com/gvisor/releases/release/latest/${ARCH}; ` +
		`cd "$(mktemp -d)"; curl -fsSLO ${URL}/runsc; curl -fsSLO ${URL}/runsc.sha512; sha512sum -c runsc.sha512; ` +
		`chmod a+rx runsc; mv runsc /usr/local/bin/runsc; /usr/local/bin/runsc install`

	restartDockerCommand = "systemctl restart docker"

	wslEnableSystemd = `printf '[boot]\nsystemd=true\n' | sudo tee -a /etc/wsl.conf && wsl.exe --shutdown`

	wslSetupInstructions = "wsl --install -d Ubuntu, then run botgate from inside the WSL2 distribution"
)

func installScript(family string) (method, script string) {
	if family == "debian" {
		return MethodApt, aptInstallScript
	}
	return MethodBinary, binaryInstallScript
}

// manualLinuxCommand is the command a user runs by hand to install the
// runtime and restart docker.
func manualLinuxCommand(script string) string {
	return fmt.Sprintf("sudo sh -c %s && sudo %s", shellQuote(script), restartDockerCommand)
}

func limaCreateCommand(vm, template string) string {
	return fmt.Sprintf("limactl create --name=%s --tty=false %s && limactl start %s", vm, template, vm)
}

func limaStartCommand(vm string) string {
	return "limactl start " + vm
}
