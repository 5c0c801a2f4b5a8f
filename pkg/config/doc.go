// Package config loads botgate deployment files.
//
// A deployment file is YAML (botgate.yaml) or CUE (botgate.cue). CUE files
// are unified with the built-in #Deployment schema before decoding, so type
// and enum mistakes are reported with file positions. Both formats then go
// through the same defaults, BOTGATE_* environment overlay and struct
// validation.
//
//	telemetry:
//	  logging: {level: info, format: console}
//	stacks:
//	  path: ~/.botgate/stacks.db
//	profiles:
//	  - name: dev
//	    kind: container
//	    container:
//	      image: ghcr.io/botgate/gateway:latest
//	      runtime: auto
//	    transform: |
//	      result = dict(payload, logLevel = "debug")
//
// # Payload transforms
//
// A profile may carry a Starlark script that rewrites the configure payload.
// The script sees the payload as the global `payload` and must assign the
// rewritten document to `result`. Scripts run without filesystem or network
// access and are bounded by a timeout.
package config
