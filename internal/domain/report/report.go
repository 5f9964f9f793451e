// Package report parses the fixed self-report each worker emits at the end
// of a run. The coordinator and terminal driver update heartbeat, contract
// and task state from it; a malformed report is logged and treated as
// "no state change", never as a crash.
package report

// Verification is the build/test pass-fail block of a worker report.
type Verification struct {
	BuildPass bool   `json:"build_pass"`
	TestPass  bool   `json:"test_pass"`
	Detail    string `json:"detail,omitempty"`
}

// ContractAction is a contract operation requested by the worker.
type ContractAction string

const (
	ActionPropose   ContractAction = "propose"
	ActionNegotiate ContractAction = "negotiate"
	ActionAgree     ContractAction = "agree"
	ActionFulfill   ContractAction = "fulfill"
)

// ContractRef is one contract reference line from a worker report, e.g.
// "propose AuthAPI: POST /login returns a session token".
type ContractRef struct {
	Action ContractAction `json:"action"`
	Name   string         `json:"name"`
	Schema string         `json:"schema,omitempty"`
}

// Report is the parsed worker self-report.
type Report struct {
	Focus        string        `json:"focus"`
	Quality      float64       `json:"quality"`
	HasQuality   bool          `json:"-"`
	Done         []string      `json:"done,omitempty"`
	Needs        []string      `json:"needs,omitempty"`
	Offers       []string      `json:"offers,omitempty"`
	Contracts    []ContractRef `json:"contracts,omitempty"`
	Verification *Verification `json:"verification,omitempty"`
}

// Verified reports whether the worker declared both build and tests passing.
func (r *Report) Verified() bool {
	return r.Verification != nil && r.Verification.BuildPass && r.Verification.TestPass
}
