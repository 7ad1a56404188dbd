package main

import (
	"context"
	"testing"

	"github.com/omerta-net/netcore/internal/job"
	"github.com/omerta-net/netcore/pkg/session"
	"github.com/omerta-net/netcore/pkg/vmnet"
	"github.com/omerta-net/netcore/pkg/wire"
)

func TestSubmitJob_UnknownPeerFails(t *testing.T) {
	sess := session.New(session.Config{LocalPeerID: "local"}, nil)

	result := submitJob(context.Background(), sess, job.JobSubmission{
		JobID:          "job-1",
		ConsumerPeerID: "peer-b",
	})

	if result.Success {
		t.Fatal("expected failure for a peer with no cached connection")
	}
	if result.Failure != job.FailureResourceDenied {
		t.Errorf("failure = %v, want FailureResourceDenied", result.Failure)
	}
}

func TestSubmitJob_DirectFastPathConnectionHasNoTunnelSession(t *testing.T) {
	sess := session.New(session.Config{LocalPeerID: "local", EnableNATTraversal: false}, nil)

	ep, err := wire.NewEndpoint("203.0.113.50", 51900)
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	if _, err := sess.ConnectToPeer(context.Background(), "peer-b", &ep); err != nil {
		t.Fatalf("connect: %v", err)
	}

	result := submitJob(context.Background(), sess, job.JobSubmission{
		JobID:          "job-2",
		ConsumerPeerID: "peer-b",
		Network:        job.VMNetworkConfig{Mode: vmnet.ModeDirect},
	})

	if result.Success {
		t.Fatal("expected failure: a session without a mesh provider attaches no tunnel session")
	}
	if result.Failure != job.FailureResourceDenied {
		t.Errorf("failure = %v, want FailureResourceDenied", result.Failure)
	}
}
