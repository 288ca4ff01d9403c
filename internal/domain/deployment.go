package domain

import "time"

// DeploymentStatus tracks a deployment attempt through its pipeline.
type DeploymentStatus string

// Deployment status values. A deployment is immutable once terminal.
const (
	DeploymentPending   DeploymentStatus = "pending"
	DeploymentBuilding  DeploymentStatus = "building"
	DeploymentDeploying DeploymentStatus = "deploying"
	DeploymentSuccess   DeploymentStatus = "success"
	DeploymentFailed    DeploymentStatus = "failed"
)

// Deployment captures a single deployment attempt for a service.
type Deployment struct {
	ID          string
	ServiceID   string
	Status      DeploymentStatus
	ImageTag    string
	BuildLog    string
	RunLog      string
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Terminal reports whether the deployment reached a final state.
func (d Deployment) Terminal() bool {
	return d.Status == DeploymentSuccess || d.Status == DeploymentFailed
}
