// Package sandbox detects and installs the gVisor sandbox runtime that lets
// a containerized gateway run untrusted tool containers.
//
// Detection resolves the host platform once, then dispatches:
//
//   - linux: docker must be present and have the runsc runtime registered.
//   - wsl2: systemd must be PID 1, then the linux checks apply.
//   - macos: a Lima VM named after the configured sandbox VM must be running.
//   - windows: never supported natively; WSL2 is the way in.
//
// A Detector caches its result for the life of the process and collapses
// concurrent detections into one. Installer.AttemptInstall performs a
// best-effort, non-interactive install and returns the exact command to run
// by hand whenever it cannot finish on its own.
package sandbox
