package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DesignStatus represents a state in the item publication workflow.
type DesignStatus string

// All workflow states. Transitions only move forward.
const (
	StatusDraft     DesignStatus = "DRAFT"
	StatusCandidate DesignStatus = "CANDIDATE"
	StatusPublished DesignStatus = "PUBLISHED"
	StatusRejected  DesignStatus = "REJECTED"
)

// statusRank orders the workflow so stale updates cannot move a design
// backwards. Published and Rejected are both terminal.
var statusRank = map[DesignStatus]int{
	StatusDraft:     0,
	StatusCandidate: 1,
	StatusPublished: 2,
	StatusRejected:  2,
}

// ProposalKind distinguishes the two governance actions a candidate can face.
type ProposalKind string

const (
	ProposalApproval  ProposalKind = "APPROVAL"
	ProposalRejection ProposalKind = "REJECTION"
)

// ProposalStatus mirrors the governor lifecycle for off-chain reads.
type ProposalStatus string

const (
	ProposalActive    ProposalStatus = "ACTIVE"
	ProposalSucceeded ProposalStatus = "SUCCEEDED"
	ProposalDefeated  ProposalStatus = "DEFEATED"
	ProposalExecuted  ProposalStatus = "EXECUTED"
)

// Design describes a mintable item across its lifecycle. Addresses are stored
// lowercase so lookups are case-insensitive.
type Design struct {
	ID          uuid.UUID    `gorm:"type:uuid;primaryKey"`
	Creator     string       `gorm:"size:64;index"`
	Name        string       `gorm:"size:128"`
	MetadataURI string       `gorm:"size:512"`
	TokenID     *uint64      `gorm:"uniqueIndex"`
	MintTxHash  string       `gorm:"size:80;index"`
	Status      DesignStatus `gorm:"size:16;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Proposal records one on-chain governance proposal raised against a design.
// At most one proposal of each kind may exist per design.
type Proposal struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey"`
	DesignID     uuid.UUID      `gorm:"type:uuid;uniqueIndex:idx_proposals_design_kind"`
	Kind         ProposalKind   `gorm:"size:16;uniqueIndex:idx_proposals_design_kind"`
	ProposalRef  string         `gorm:"size:80;index"`
	Status       ProposalStatus `gorm:"size:16;index"`
	ForVotes     uint64
	AgainstVotes uint64
	AbstainVotes uint64
	CreateTxHash string `gorm:"size:80"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Ballot is the off-chain record of a cast vote. The composite unique index
// is the dedup authority when two casts race.
type Ballot struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProposalID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_ballots_voter_proposal"`
	Voter      string    `gorm:"size:64;uniqueIndex:idx_ballots_voter_proposal"`
	DesignID   uuid.UUID `gorm:"type:uuid;index"`
	Support    bool
	Weight     uint64
	Reason     string `gorm:"size:512"`
	TxHash     string `gorm:"size:80"`
	CreatedAt  time.Time
}

// Migrate applies the schema for all gateway models.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Design{}, &Proposal{}, &Ballot{})
}
