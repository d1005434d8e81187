package membership

// HealthReporter is implemented by memberships that expose the gossip
// awareness score. Higher is worse; -1 means not started.
type HealthReporter interface {
	HealthScore() int
}
