package domain

// MaintenanceStatus is the lifecycle of a maintenance request
type MaintenanceStatus string

const (
	MaintenancePending    MaintenanceStatus = "pending"
	MaintenanceInProgress MaintenanceStatus = "in_progress"
	MaintenanceCompleted  MaintenanceStatus = "completed"
	MaintenanceCancelled  MaintenanceStatus = "cancelled"
)

// maintenanceTransitions defines allowed status transitions
var maintenanceTransitions = map[MaintenanceStatus][]MaintenanceStatus{
	MaintenancePending:    {MaintenanceInProgress, MaintenanceCancelled},
	MaintenanceInProgress: {MaintenanceCompleted, MaintenanceCancelled},
	MaintenanceCompleted:  {}, // Terminal state
	MaintenanceCancelled:  {}, // Terminal state
}

// IsValid returns true if the status is known
func (s MaintenanceStatus) IsValid() bool {
	_, ok := maintenanceTransitions[s]
	return ok
}

// IsTerminal returns true if no further transition is possible
func (s MaintenanceStatus) IsTerminal() bool {
	return s == MaintenanceCompleted || s == MaintenanceCancelled
}

// CanTransitionTo returns true if transition to the target status is allowed
func (s MaintenanceStatus) CanTransitionTo(target MaintenanceStatus) bool {
	return contains(maintenanceTransitions[s], target)
}

// LeaseStatus is the lifecycle of a lease
type LeaseStatus string

const (
	LeaseDraft  LeaseStatus = "draft"
	LeaseActive LeaseStatus = "active"
	LeaseEnded  LeaseStatus = "ended"
)

var leaseTransitions = map[LeaseStatus][]LeaseStatus{
	LeaseDraft:  {LeaseActive, LeaseEnded},
	LeaseActive: {LeaseEnded},
	LeaseEnded:  {},
}

// IsValid returns true if the status is known
func (s LeaseStatus) IsValid() bool {
	_, ok := leaseTransitions[s]
	return ok
}

// CanTransitionTo returns true if transition to the target status is allowed
func (s LeaseStatus) CanTransitionTo(target LeaseStatus) bool {
	return contains(leaseTransitions[s], target)
}

func contains[S ~string](allowed []S, target S) bool {
	for _, a := range allowed {
		if a == target {
			return true
		}
	}
	return false
}
