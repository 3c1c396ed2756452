package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidRequest marks a provisioning request that is malformed or
// contradictory. Callers match it with errors.Is.
var ErrInvalidRequest = errors.New("invalid provisioning request")

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// VolumeMount pairs a named volume with the path it is mounted on inside
// the container.
type VolumeMount struct {
	Name      string `json:"name"`
	MountPath string `json:"mount_path"`
}

// ProvisioningRequest describes one container to provision. Exactly one of
// Image and Recipe must be set. The request is treated as immutable once
// accepted by the pipeline.
type ProvisioningRequest struct {
	Name    string            `json:"name"`
	Image   string            `json:"image,omitempty"`
	Recipe  string            `json:"recipe,omitempty"`
	Volumes []VolumeMount     `json:"volumes,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Validate checks the request against the acceptance rules. All failures
// wrap ErrInvalidRequest.
func (r ProvisioningRequest) Validate() error {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: name %q must match %s", ErrInvalidRequest, name, namePattern.String())
	}

	hasImage := strings.TrimSpace(r.Image) != ""
	hasRecipe := strings.TrimSpace(r.Recipe) != ""
	switch {
	case hasImage && hasRecipe:
		return fmt.Errorf("%w: image and recipe are mutually exclusive", ErrInvalidRequest)
	case !hasImage && !hasRecipe:
		return fmt.Errorf("%w: either image or recipe is required", ErrInvalidRequest)
	}

	for _, volume := range r.Volumes {
		if strings.TrimSpace(volume.Name) == "" {
			return fmt.Errorf("%w: volume name is required", ErrInvalidRequest)
		}
		if !strings.HasPrefix(volume.MountPath, "/") {
			return fmt.Errorf("%w: volume %q mount path %q must be absolute", ErrInvalidRequest, volume.Name, volume.MountPath)
		}
	}

	return nil
}
