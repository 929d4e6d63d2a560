package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("storage: record not found")

	// ErrDuplicateBallot is returned when a voter already holds a ballot
	// for the proposal. The unique index is the authority, so concurrent
	// casts resolve deterministically.
	ErrDuplicateBallot = errors.New("storage: ballot already recorded for voter")

	// ErrDuplicateProposal is returned when a proposal of the same kind
	// already exists for the design.
	ErrDuplicateProposal = errors.New("storage: proposal already exists for design")

	// ErrStaleTransition is returned when an update would move a design
	// backwards in its workflow.
	ErrStaleTransition = errors.New("storage: design status cannot move backwards")
)

// Store wraps the gateway persistence layer.
type Store struct {
	db *gorm.DB
}

// Open initialises the backing store. PostgreSQL DSNs connect to a server;
// anything else is treated as an SQLite path.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	var dialector gorm.Dialector
	if IsPostgresDSN(trimmed) {
		dialector = postgres.Open(trimmed)
	} else {
		fileDSN, err := FileDSN(trimmed)
		if err != nil {
			return nil, err
		}
		dialector = sqlite.Open(fileDSN)
	}
	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	return New(db)
}

// New wraps an existing gorm handle and applies the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("storage: database handle required")
	}
	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for components that need transactional
// access, such as the reconciler.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateDesign persists a new draft. The creator address is normalised to
// lowercase so later ownership checks are case-insensitive.
func (s *Store) CreateDesign(ctx context.Context, design *Design) error {
	if design.ID == uuid.Nil {
		design.ID = uuid.New()
	}
	design.Creator = strings.ToLower(design.Creator)
	if design.Status == "" {
		design.Status = StatusDraft
	}
	if err := s.db.WithContext(ctx).Create(design).Error; err != nil {
		return fmt.Errorf("storage: create design: %w", err)
	}
	return nil
}

// GetDesign loads a design by id.
func (s *Store) GetDesign(ctx context.Context, id uuid.UUID) (*Design, error) {
	var design Design
	if err := s.db.WithContext(ctx).First(&design, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: load design: %w", err)
	}
	return &design, nil
}

// ListDesigns returns every design ordered by creation time.
func (s *Store) ListDesigns(ctx context.Context) ([]Design, error) {
	var designs []Design
	if err := s.db.WithContext(ctx).Order("created_at").Find(&designs).Error; err != nil {
		return nil, fmt.Errorf("storage: list designs: %w", err)
	}
	return designs, nil
}

// ListDesignsByStatus returns all designs in the given workflow state.
func (s *Store) ListDesignsByStatus(ctx context.Context, status DesignStatus) ([]Design, error) {
	var designs []Design
	if err := s.db.WithContext(ctx).Where("status = ?", status).Order("created_at").Find(&designs).Error; err != nil {
		return nil, fmt.Errorf("storage: list designs: %w", err)
	}
	return designs, nil
}

// UnresolvedMints returns drafts that carry a transaction hash, meaning the
// submission went out but the result was never recorded off-chain.
func (s *Store) UnresolvedMints(ctx context.Context) ([]Design, error) {
	var designs []Design
	err := s.db.WithContext(ctx).
		Where("status = ? AND mint_tx_hash <> ''", StatusDraft).
		Order("updated_at").
		Find(&designs).Error
	if err != nil {
		return nil, fmt.Errorf("storage: list unresolved mints: %w", err)
	}
	return designs, nil
}

// RecordMintTx stores the submitted transaction hash without advancing the
// workflow. Used when a confirmation times out so the reconciler can pick the
// design up later.
func (s *Store) RecordMintTx(ctx context.Context, id uuid.UUID, txHash string) error {
	res := s.db.WithContext(ctx).Model(&Design{}).
		Where("id = ?", id).
		Update("mint_tx_hash", txHash)
	if res.Error != nil {
		return fmt.Errorf("storage: record mint tx: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteMint promotes a draft to candidate and records the on-chain token.
// Re-running against an already promoted design is a no-op, so the repair
// path and the live path can both call it.
func (s *Store) CompleteMint(ctx context.Context, id uuid.UUID, tokenID uint64, txHash string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var design Design
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&design, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("storage: load design: %w", err)
		}
		if design.Status != StatusDraft {
			return nil
		}
		design.Status = StatusCandidate
		design.TokenID = &tokenID
		design.MintTxHash = txHash
		if err := tx.Save(&design).Error; err != nil {
			return fmt.Errorf("storage: complete mint: %w", err)
		}
		return nil
	})
}

// SetDesignStatus applies a forward-only workflow transition. Setting the
// current status again is a no-op; moving backwards fails.
func (s *Store) SetDesignStatus(ctx context.Context, id uuid.UUID, status DesignStatus) error {
	rank, ok := statusRank[status]
	if !ok {
		return fmt.Errorf("storage: unknown design status %q", status)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var design Design
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&design, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("storage: load design: %w", err)
		}
		if design.Status == status {
			return nil
		}
		if statusRank[design.Status] >= rank {
			return ErrStaleTransition
		}
		if err := tx.Model(&design).Update("status", status).Error; err != nil {
			return fmt.Errorf("storage: update design status: %w", err)
		}
		return nil
	})
}

// CreateProposal persists a governance proposal. The design and kind pair is
// unique, so a second attempt surfaces ErrDuplicateProposal.
func (s *Store) CreateProposal(ctx context.Context, proposal *Proposal) error {
	if proposal.ID == uuid.Nil {
		proposal.ID = uuid.New()
	}
	if proposal.Status == "" {
		proposal.Status = ProposalActive
	}
	if err := s.db.WithContext(ctx).Create(proposal).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicateProposal
		}
		return fmt.Errorf("storage: create proposal: %w", err)
	}
	return nil
}

// GetProposal loads a proposal by id.
func (s *Store) GetProposal(ctx context.Context, id uuid.UUID) (*Proposal, error) {
	var proposal Proposal
	if err := s.db.WithContext(ctx).First(&proposal, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: load proposal: %w", err)
	}
	return &proposal, nil
}

// ProposalByDesign loads the proposal of the given kind for a design.
func (s *Store) ProposalByDesign(ctx context.Context, designID uuid.UUID, kind ProposalKind) (*Proposal, error) {
	var proposal Proposal
	err := s.db.WithContext(ctx).
		First(&proposal, "design_id = ? AND kind = ?", designID, kind).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: load proposal: %w", err)
	}
	return &proposal, nil
}

// SyncProposal overwrites the cached tally and status with values read back
// from the chain.
func (s *Store) SyncProposal(ctx context.Context, id uuid.UUID, status ProposalStatus, forVotes, againstVotes, abstainVotes uint64) error {
	res := s.db.WithContext(ctx).Model(&Proposal{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        status,
			"for_votes":     forVotes,
			"against_votes": againstVotes,
			"abstain_votes": abstainVotes,
		})
	if res.Error != nil {
		return fmt.Errorf("storage: sync proposal: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddBallot records a cast vote and bumps the proposal tally in the same
// transaction. When two casts for the same voter race, exactly one insert
// survives the unique index and the loser sees ErrDuplicateBallot.
func (s *Store) AddBallot(ctx context.Context, ballot *Ballot) error {
	if ballot.ID == uuid.Nil {
		ballot.ID = uuid.New()
	}
	ballot.Voter = strings.ToLower(ballot.Voter)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ballot).Error; err != nil {
			if isDuplicate(err) {
				return ErrDuplicateBallot
			}
			return fmt.Errorf("storage: create ballot: %w", err)
		}
		column := "against_votes"
		if ballot.Support {
			column = "for_votes"
		}
		res := tx.Model(&Proposal{}).
			Where("id = ?", ballot.ProposalID).
			Update(column, gorm.Expr(column+" + ?", ballot.Weight))
		if res.Error != nil {
			return fmt.Errorf("storage: bump tally: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// HasBallot reports whether the voter already cast on the proposal.
func (s *Store) HasBallot(ctx context.Context, proposalID uuid.UUID, voter string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Ballot{}).
		Where("proposal_id = ? AND voter = ?", proposalID, strings.ToLower(voter)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("storage: count ballots: %w", err)
	}
	return count > 0, nil
}

// ListBallots returns all ballots recorded for a proposal.
func (s *Store) ListBallots(ctx context.Context, proposalID uuid.UUID) ([]Ballot, error) {
	var ballots []Ballot
	err := s.db.WithContext(ctx).
		Where("proposal_id = ?", proposalID).
		Order("created_at").
		Find(&ballots).Error
	if err != nil {
		return nil, fmt.Errorf("storage: list ballots: %w", err)
	}
	return ballots, nil
}

// isDuplicate recognises unique constraint violations across dialects. The
// string checks cover drivers that predate gorm error translation.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key")
}
