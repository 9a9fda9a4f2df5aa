package scans

import "encoding/json"

// TargetShape classifies what the workspace can be built into.
type TargetShape string

const (
	ShapeNone          TargetShape = "none"
	ShapeSingleService TargetShape = "single-service"
	ShapeMultiService  TargetShape = "multi-service"
)

// ServiceDecl is one buildable service from a multi-service manifest.
type ServiceDecl struct {
	Name       string `json:"name"`
	Context    string `json:"context"`
	Dockerfile string `json:"dockerfile,omitempty"`
	Ports      []int  `json:"ports,omitempty"`
}

// DetectedTarget is the buildable shape found in a workspace.
type DetectedTarget struct {
	Root     string            `json:"root"`
	Shape    TargetShape       `json:"shape"`
	Manifest string            `json:"manifest,omitempty"`
	Services []ServiceDecl     `json:"services,omitempty"`
	EnvFile  string            `json:"env_file,omitempty"`
	Env      map[string]string `json:"-"`
}

// TargetState of the dynamic runner state machine.
type TargetState string

const (
	TargetBuildFailed TargetState = "build-failed"
	TargetBuilt       TargetState = "built"
	TargetStarting    TargetState = "starting"
	TargetProbing     TargetState = "probing-port"
	TargetReady       TargetState = "ready"
	TargetUnreachable TargetState = "unreachable"
	TargetCrashed     TargetState = "crashed"
	TargetNonNetwork  TargetState = "non-network"
	TargetScanning    TargetState = "scanning"
	TargetReported    TargetState = "reported"
	TargetScanError   TargetState = "scan-error"
	TargetTornDown    TargetState = "torn-down"
)

// TargetResult is what one dynamic target produced.
type TargetResult struct {
	Key        string          `json:"key"`
	State      TargetState     `json:"state"`
	Image      string          `json:"image,omitempty"`
	URL        string          `json:"url,omitempty"`
	Port       int             `json:"port,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
	Report     json.RawMessage `json:"report,omitempty"`
	RawReport  string          `json:"raw_report,omitempty"`
	Logs       string          `json:"logs,omitempty"`
	Error      string          `json:"error,omitempty"`
	TornDown   bool            `json:"torn_down"`
	DurationMS int64           `json:"duration_ms"`
}

// DynamicResult is the document stored on the dynamic step.
type DynamicResult struct {
	Shape   TargetShape             `json:"shape"`
	EnvFile string                  `json:"env_file,omitempty"`
	Targets map[string]TargetResult `json:"targets"`
}

// ContainerSpec untuk engine
type ContainerSpec struct {
	Name    string
	Image   string
	Env     map[string]string
	Ports   []int
	Labels  map[string]string
	Network string
}

// ContainerInfo hasil inspect dari engine
type ContainerInfo struct {
	ID           string
	Name         string
	Running      bool
	ExitCode     int
	IP           string
	ExposedPorts []int
}
