// Package management defines the Management Query Adapter: the way the
// sidecar reads the grid's live management state (entity queries, attribute
// reads and operation invocations) independently of whether the state lives
// in-process or behind a remote endpoint.
package management

import (
	"context"
	"strings"
)

// Query is implemented by every management adapter. Attribute maps returned
// by Attributes use lower-cased keys so callers can ignore the casing
// differences between adapters.
type Query interface {
	// QueryNames returns the names of all registered entities matching pattern.
	QueryNames(ctx context.Context, pattern string) ([]string, error)
	// Attributes reads the named attributes of an entity. Attributes the
	// entity does not expose are absent from the result.
	Attributes(ctx context.Context, name string, attrs ...string) (map[string]any, error)
	// Invoke runs a named operation on an entity.
	Invoke(ctx context.Context, name, op string, args ...any) (any, error)
}

// Entity types.
const (
	TypeCluster             = "Cluster"
	TypeService             = "Service"
	TypePartitionAssignment = "PartitionAssignment"
	TypePersistence         = "Persistence"
	TypeIdentity            = "SidecarIdentity"
)

// Well-known entity patterns.
const (
	ClusterName                     = "type=Cluster"
	PatternDistributionCoordinators = "type=PartitionAssignment,service=*,responsibility=DistributionCoordinator"
	PatternPersistenceCoordinators  = "type=Persistence,service=*,responsibility=PersistenceCoordinator"
	PatternIdentities               = "type=SidecarIdentity,nodeId=*"
)

// Attribute names.
const (
	AttrRunning       = "Running"
	AttrMemberIDs     = "MemberIds"
	AttrLocalMemberID = "LocalMemberId"

	AttrType                   = "Type"
	AttrStorageEnabled         = "StorageEnabled"
	AttrOwnershipEnabled       = "OwnershipEnabled"
	AttrPersistenceEnabled     = "PersistenceEnabled"
	AttrSuspended              = "Suspended"
	AttrMemberCount            = "MemberCount"
	AttrOwnedPartitionsPrimary = "OwnedPartitionsPrimary"
	AttrPartitionsAll          = "PartitionsAll"
	AttrTransferInProgress     = "TransferInProgress"
	AttrOwnershipMemberIDs     = "OwnershipMemberIds"

	AttrHAStatus                   = "HAStatus"
	AttrHAStatusCode               = "HAStatusCode"
	AttrBackupCount                = "BackupCount"
	AttrServiceNodeCount           = "ServiceNodeCount"
	AttrRemainingDistributionCount = "RemainingDistributionCount"

	AttrIdle               = "Idle"
	AttrRecoveryInProgress = "RecoveryInProgress"
	AttrRestoreInProgress  = "RestoreInProgress"

	AttrNodeID   = "NodeId"
	AttrIdentity = "Identity"
)

// Operations on the cluster entity.
const (
	OpSuspendService = "suspendService"
	OpResumeService  = "resumeService"
)

// ServiceAttributes are read from a per-member service entity.
var ServiceAttributes = []string{
	AttrType, AttrStorageEnabled, AttrOwnershipEnabled, AttrPersistenceEnabled, AttrSuspended,
	AttrMemberCount, AttrOwnedPartitionsPrimary, AttrPartitionsAll, AttrTransferInProgress, AttrOwnershipMemberIDs,
}

// StatusHAAttributes are read from a distribution coordinator entity.
var StatusHAAttributes = []string{
	AttrHAStatus, AttrHAStatusCode, AttrBackupCount, AttrServiceNodeCount, AttrRemainingDistributionCount,
}

// PersistenceAttributes are read from a persistence coordinator entity.
var PersistenceAttributes = []string{AttrIdle, AttrRecoveryInProgress, AttrRestoreInProgress}

// ServicePattern matches every service entity of one member.
func ServicePattern(nodeID int) string {
	return Name{Type: TypeService}.With("name", "*").With("nodeId", itoa(nodeID)).String()
}

// ServiceName builds the entity name of one service on one member.
func ServiceName(service string, nodeID int) string {
	return Name{Type: TypeService}.With("name", Quote(service)).With("nodeId", itoa(nodeID)).String()
}

// DistributionCoordinatorName builds the coordinator entity name of a service.
func DistributionCoordinatorName(service string) string {
	return Name{Type: TypePartitionAssignment}.With("service", Quote(service)).With("responsibility", "DistributionCoordinator").String()
}

// PersistenceCoordinatorName builds the persistence coordinator entity name of a service.
func PersistenceCoordinatorName(service string) string {
	return Name{Type: TypePersistence}.With("service", Quote(service)).With("responsibility", "PersistenceCoordinator").String()
}

// IdentityName builds the identity entity name of a member.
func IdentityName(nodeID int) string {
	return Name{Type: TypeIdentity}.With("nodeId", itoa(nodeID)).String()
}

// Lower returns a copy of attrs with lower-cased keys.
func Lower(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[strings.ToLower(k)] = v
	}
	return out
}
