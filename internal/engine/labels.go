package engine

import "time"

// Label keys applied to every boxctl-managed Docker resource.
const (
	LabelManaged = "com.boxctl.managed"
	LabelProject = "com.boxctl.project"
	LabelVersion = "com.boxctl.version"
	LabelImage   = "com.boxctl.image"
	LabelCreated = "com.boxctl.created"
	LabelWorkdir = "com.boxctl.workdir"
	LabelPurpose = "com.boxctl.purpose"
)

// ManagedLabelValue is the value boxctl writes for LabelManaged; anything
// else (or absence) means a resource is not under boxctl's control.
const ManagedLabelValue = "true"

// ContainerLabels returns the label set applied to a new container.
func ContainerLabels(project, version, image, workdir string) map[string]string {
	return map[string]string{
		LabelManaged: ManagedLabelValue,
		LabelProject: project,
		LabelVersion: version,
		LabelImage:   image,
		LabelCreated: time.Now().Format(time.RFC3339),
		LabelWorkdir: workdir,
	}
}

// VolumeLabels returns the label set applied to a new boxctl-managed volume.
func VolumeLabels(project, purpose string) map[string]string {
	return map[string]string{
		LabelManaged: ManagedLabelValue,
		LabelProject: project,
		LabelPurpose: purpose,
	}
}

// VolumeName returns the deterministic name of a project's purpose-scoped
// persistent volume, e.g. "boxctl-myproj-config".
func VolumeName(project, purpose string) string {
	return "boxctl-" + project + "-" + purpose
}
