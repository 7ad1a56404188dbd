package job

import (
	"testing"
	"time"

	"github.com/omerta-net/netcore/pkg/vmnet"
)

func TestSucceeded(t *testing.T) {
	r := Succeeded("job-1")
	if !r.Success || r.Failure != FailureNone {
		t.Errorf("Succeeded() = %+v, want Success=true Failure=none", r)
	}
}

func TestFailed(t *testing.T) {
	r := Failed("job-2", FailureFilterRejected)
	if r.Success {
		t.Error("Failed() must not be Success")
	}
	if r.Failure != FailureFilterRejected {
		t.Errorf("Failure = %q, want %q", r.Failure, FailureFilterRejected)
	}
}

func TestVMNetworkConfig_VMNetConfig(t *testing.T) {
	c := VMNetworkConfig{
		VMID:        "vm-1",
		Mode:        vmnet.ModeConntrack,
		SampleRate:  0.2,
		FlowTimeout: 45 * time.Second,
		MTU:         1500,
	}

	vc := c.VMNetConfig()
	if vc.Mode != vmnet.ModeConntrack {
		t.Errorf("Mode = %v, want %v", vc.Mode, vmnet.ModeConntrack)
	}
	if vc.FlowTimeout != 45 {
		t.Errorf("FlowTimeout = %d, want 45", vc.FlowTimeout)
	}
	if vc.SamplingRate != 0.2 {
		t.Errorf("SamplingRate = %v, want 0.2", vc.SamplingRate)
	}
}
