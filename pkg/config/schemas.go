package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds the CUE definitions deployment files are checked
// against. A cue.Context is not safe for concurrent use, so every access goes
// through the registry's lock.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.Mutex
}

// NewSchemaRegistry creates a registry with the built-in deployment schema
// registered as "deployment".
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("deployment", deploymentSchema, "#Deployment"); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles source and registers the definition at path
// under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, path string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(path))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, path)
	}
	sr.schemas[name] = def
	return nil
}

// CompileAndValidate compiles CUE source, unifies it with the named schema
// and returns the concrete result decoded into plain Go values.
func (sr *SchemaRegistry) CompileAndValidate(schemaName, filename string, source []byte) (map[string]interface{}, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return nil, fmt.Errorf("schema %s not found", schemaName)
	}

	val := sr.ctx.CompileBytes(source, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, err
	}
	return decodeUnified(schema.Unify(val))
}

// ValidateAgainstSchema checks already decoded data, such as a YAML
// document, against the named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	_, err := decodeUnified(schema.Unify(dataVal))
	return err
}

func decodeUnified(unified cue.Value) (map[string]interface{}, error) {
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// deploymentSchema mirrors File. Blocks owned by other packages are left
// open; struct validation covers them after decoding.
const deploymentSchema = `
#Name: string & =~"^[a-z0-9]([a-z0-9-]*[a-z0-9])?$"

#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Resources: {
	cpu?:            int & >=0
	memory?:         int & >=0
	dataDiskSizeGb?: int & >=0
}

#Local: {
	command:      string & !=""
	args?:        [...string]
	workDir?:     string
	env?:         {[string]: string}
	stateDir?:    string
	host?:        string
	port?:        int & >=0 & <=65535
	stopTimeout?: #Duration
}

#Container: {
	image:           string & !=""
	runtime?:        "auto" | "runsc" | "runc"
	requireSandbox?: bool
	port?:           int & >=0 & <=65535
	containerPort?:  int & >=0 & <=65535
	network?:        string
	dataDir?:        string
	env?:            {[string]: string}
	resources?:      #Resources
	binary?:         string
}

#Fleet: {
	region:           #Name
	workloadTemplate: string
	sharedTemplate:   string
	workloadPrefix?:  string
	sharedPrefix?:    string
	tier?:            "light" | "standard" | "performance" | "custom"
	resources?:       #Resources
	hostOutput?:      string
	computeOutput?:   string
	port?:            int & >=0 & <=65535
	unit?:            string
	configPath?:      string
	ssh?:             {...}
	vault?:           {...}
	vsphere?:         {...}
	pollInterval?:    #Duration
	waitTimeout?:     #Duration
}

#Profile: {
	name:       #Name
	kind:       "local" | "container" | "fleet"
	transform?: string

	if kind == "local" {local: #Local}
	if kind == "container" {container: #Container}
	if kind == "fleet" {fleet: #Fleet}
	...
}

#Deployment: {
	telemetry?: {...}
	stacks?: {
		path?:        string
		settleAfter?: #Duration
	}
	profiles: [#Profile, ...#Profile]
}
`
