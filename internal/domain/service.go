package domain

import "time"

// ServiceType identifies how a service is built and run.
type ServiceType string

// Known service types.
const (
	TypeContainerImage  ServiceType = "container_image"
	TypeStaticBundle    ServiceType = "static_bundle"
	TypeComposeStack    ServiceType = "compose_stack"
	TypeRegistryImage   ServiceType = "registry_image"
	TypeManagedDatabase ServiceType = "managed_database"
)

// ServiceTypes lists every known service type.
func ServiceTypes() []ServiceType {
	return []ServiceType{
		TypeContainerImage,
		TypeStaticBundle,
		TypeComposeStack,
		TypeRegistryImage,
		TypeManagedDatabase,
	}
}

// ServiceStatus captures the lifecycle state of a service.
type ServiceStatus string

// Service status values.
const (
	StatusPending   ServiceStatus = "pending"
	StatusBuilding  ServiceStatus = "building"
	StatusDeploying ServiceStatus = "deploying"
	StatusRunning   ServiceStatus = "running"
	StatusStopped   ServiceStatus = "stopped"
	StatusFailed    ServiceStatus = "failed"
	StatusSuspended ServiceStatus = "suspended"
)

// Service describes a deployable unit owned by a user or organization.
type Service struct {
	ID              string
	Name            string
	Type            ServiceType
	Status          ServiceStatus
	UserID          *string
	OrganizationID  *string
	RepoURL         string
	Branch          string
	BuildCommand    string
	StartCommand    string
	OutputDir       string
	ImageRef        string
	ComposeFile     string
	ComposeMain     string
	Env             []string
	Port            int
	DeleteProtected bool
	DeletedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OwnerKey returns a stable identifier for the owning account. A service is
// owned by exactly one of a user or an organization.
func (s Service) OwnerKey() string {
	if s.OrganizationID != nil && *s.OrganizationID != "" {
		return "org:" + *s.OrganizationID
	}
	if s.UserID != nil && *s.UserID != "" {
		return "user:" + *s.UserID
	}
	return ""
}
