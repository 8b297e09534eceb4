// Package provider abstracts the cloud APIs that create and destroy node VMs.
// The control plane only ever talks to the Provisioner interface; the sweep
// and destroy paths stay testable with the Stub.
package provider

import (
	"context"
	"sync"
)

// ProvisionRequest describes the VM to create for a node.
type ProvisionRequest struct {
	NodeID       string
	UserID       string
	InstanceType string
	Region       string
}

// Provisioner creates and destroys cloud resources for nodes.
type Provisioner interface {
	// Provision creates the VM backing nodeID and returns the provider's
	// instance identifier.
	Provision(ctx context.Context, req ProvisionRequest) (string, error)
	// DeleteNodeResources tears down everything the provider holds for the
	// node. It must be idempotent: deleting an already-deleted node is nil.
	DeleteNodeResources(ctx context.Context, nodeID, userID string) error
}

// Stub is an in-memory Provisioner for tests and dev mode. It records calls
// and can be told to fail.
type Stub struct {
	mu         sync.Mutex
	provisions []ProvisionRequest
	deletions  []string
	FailDelete error
}

// NewStub returns an empty stub provisioner.
func NewStub() *Stub {
	return &Stub{}
}

func (s *Stub) Provision(ctx context.Context, req ProvisionRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provisions = append(s.provisions, req)
	return "stub-" + req.NodeID, nil
}

func (s *Stub) DeleteNodeResources(ctx context.Context, nodeID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailDelete != nil {
		return s.FailDelete
	}
	s.deletions = append(s.deletions, nodeID)
	return nil
}

// Deletions returns the node IDs destroyed so far.
func (s *Stub) Deletions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.deletions))
	copy(out, s.deletions)
	return out
}

// Provisions returns the provision requests seen so far.
func (s *Stub) Provisions() []ProvisionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ProvisionRequest, len(s.provisions))
	copy(out, s.provisions)
	return out
}
