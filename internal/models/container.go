package models

import (
	"fmt"
	"time"
)

// ContainerState enumerates the lifecycle states a managed container moves
// through. A container never re-enters StateBuilding; rebuilding produces a
// new image consumed by a fresh container.
type ContainerState string

// Supported container states.
const (
	StateCreated  ContainerState = "created"
	StateBuilding ContainerState = "building"
	StateRunning  ContainerState = "running"
	StateFailed   ContainerState = "failed"
	StateStopped  ContainerState = "stopped"
	StateRemoved  ContainerState = "removed"
)

// ContainerDescriptor is the engine-owned view of a managed container. The
// pipeline reads and writes it through the engine API and never caches it
// beyond a single request.
type ContainerDescriptor struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Image      string         `json:"image"`
	Status     string         `json:"status"`
	State      ContainerState `json:"state"`
	SSHPort    *int           `json:"ssh_port,omitempty"`
	SSHCommand string         `json:"ssh_command,omitempty"`
	Volumes    []VolumeMount  `json:"volumes,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// SSHCommand renders the ssh invocation for a provisioned container. The
// command is derived, never stored, and only meaningful when a host port
// was bound.
func SSHCommand(port int, privateKeyPath string) string {
	return fmt.Sprintf("ssh -i %s -p %d -o StrictHostKeyChecking=no root@localhost", privateKeyPath, port)
}
