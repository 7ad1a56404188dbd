// Package job defines the boundary structs the scheduler uses to hand
// work to, and receive results from, the network core. The scheduler
// itself, the priority queue, the hypervisor, and cloud-init generation
// are external collaborators — this package only names their contract
// with the core (spec.md §1).
package job

import (
	"time"

	"github.com/omerta-net/netcore/pkg/vmnet"
	"github.com/omerta-net/netcore/pkg/wire"
)

// FailureReason enumerates the reasons an ExecutionResult can carry, per
// spec.md §7's error handling design: the only failure detail the job
// submitter ever sees.
type FailureReason string

const (
	FailureNone                    FailureReason = ""
	FailureResourceDenied          FailureReason = "resource denied"
	FailureFilterRejected          FailureReason = "filter rejected"
	FailureTimeout                 FailureReason = "timeout"
	FailureInternalError           FailureReason = "internal error"
	FailureTunnelSecurityViolation FailureReason = "tunnel security violation"
)

// VMNetworkConfig is what the hypervisor/cloud-init layer hands the core
// to bind a VM's NIC to a tunnel session.
type VMNetworkConfig struct {
	VMID             string
	Mode             vmnet.Mode
	ConsumerEndpoint *wire.Endpoint
	SampleRate       float64
	FlowTimeout      time.Duration
	MTU              int
}

// JobSubmission is what the scheduler hands the core to start a job.
type JobSubmission struct {
	JobID          string
	ConsumerPeerID string
	Network        VMNetworkConfig
	Deadline       time.Time
}

// ExecutionResult is what the core reports back to the scheduler once a
// job finishes or is aborted.
type ExecutionResult struct {
	JobID   string
	Success bool
	Failure FailureReason
}

// Succeeded builds a successful ExecutionResult.
func Succeeded(jobID string) ExecutionResult {
	return ExecutionResult{JobID: jobID, Success: true}
}

// Failed builds a failed ExecutionResult carrying reason.
func Failed(jobID string, reason FailureReason) ExecutionResult {
	return ExecutionResult{JobID: jobID, Success: false, Failure: reason}
}

// VMNetConfig translates a VMNetworkConfig into the vmnet.Config the
// network core's createNetwork operation consumes.
func (c VMNetworkConfig) VMNetConfig() vmnet.Config {
	return vmnet.Config{
		Mode:             c.Mode,
		ConsumerEndpoint: c.ConsumerEndpoint,
		SamplingRate:     c.SampleRate,
		FlowTimeout:      int64(c.FlowTimeout.Seconds()),
	}
}
