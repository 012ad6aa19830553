package fsm

// ExportRequest is the FSM input
type ExportRequest struct {
	JobID     string
	VMName    string
	OutputDir string
	PowerOff  bool
}

// ExportResponse is the FSM output (accumulated across transitions)
type ExportResponse struct {
	// From Download
	StagingDir string
	Files      []string

	// From Package
	OutputPath  string
	PublishedTo string

	// From Complete/Failed
	Status       string
	ErrorKind    string
	ErrorMessage string
}

// State names
const (
	StatePowerOff = "power_off"
	StateLease    = "lease"
	StateDownload = "download"
	StatePackage  = "package"
	StateComplete = "complete"
	StateFailed   = "failed"
)
