package health

import "strings"

// RedundancyStatus is a per-service HA status as reported by a distribution
// coordinator. Lower codes are more severe.
type RedundancyStatus struct {
	Name string `json:"name"`
	Code int    `json:"code"`
}

const (
	StatusEndangered  = "ENDANGERED"
	StatusNodeSafe    = "NODE-SAFE"
	StatusMachineSafe = "MACHINE-SAFE"
	StatusRackSafe    = "RACK-SAFE"
	StatusSiteSafe    = "SITE-SAFE"
	// StatusSafe is reported by runtimes that do not distinguish safety tiers.
	StatusSafe = "SAFE"

	// StatusNotAvailable is returned when no coordinator reports a status.
	StatusNotAvailable = "n/a"
)

var statusCodes = map[string]int{
	StatusEndangered:  0,
	StatusNodeSafe:    1,
	StatusMachineSafe: 2,
	StatusRackSafe:    3,
	StatusSiteSafe:    4,
	StatusSafe:        4,
}

// StatusCode returns the code of a status name and whether it is known.
// Underscores are accepted in place of dashes.
func StatusCode(name string) (int, bool) {
	c, ok := statusCodes[strings.ToUpper(strings.ReplaceAll(name, "_", "-"))]
	return c, ok
}

// IsEndangered reports whether s is the ENDANGERED status.
func (s RedundancyStatus) IsEndangered() bool {
	return strings.EqualFold(s.Name, StatusEndangered)
}

func (s RedundancyStatus) String() string {
	if s.Name == "" {
		return StatusNotAvailable
	}
	return s.Name
}
