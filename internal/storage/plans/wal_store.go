// Package plans persists plans, spend authorizations, execution records,
// scheduler run audits and per-plan execution leases in a write-ahead log.
// The log is replayed into memory on open; every mutation is appended.
package plans

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/vadiminshakov/spendflow/internal/domain"
)

const (
	DefaultDir = "./wal/plans"

	segmentThreshold = 1000
	maxSegments      = 1000
	dirPermissions   = 0o755

	planKeyPrefix  = "plan_"
	authKeyPrefix  = "auth_"
	execKeyPrefix  = "exec_"
	runKeyPrefix   = "run_"
	leaseKeyPrefix = "lease_"
)

// WALStore is the durable store the engine reads and writes per run.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex

	plans      map[string]*domain.Plan
	auths      map[string]*domain.SpendAuthorization
	executions map[string][]*domain.ExecutionRecord
	runs       []domain.RunAudit
	leases     map[string]domain.Lease
}

// NewWALStore opens (or creates) the store in dir and replays it.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure WAL directory %s", dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "plans_",
		SegmentThreshold: segmentThreshold,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init plans WAL")
	}

	s := &WALStore{
		wal:        wal,
		plans:      make(map[string]*domain.Plan),
		auths:      make(map[string]*domain.SpendAuthorization),
		executions: make(map[string][]*domain.ExecutionRecord),
		leases:     make(map[string]domain.Lease),
	}

	if err := s.replay(); err != nil {
		_ = wal.Close()
		return nil, err
	}

	return s, nil
}

func (s *WALStore) replay() error {
	for msg := range s.wal.Iterator() {
		switch {
		case strings.HasPrefix(msg.Key, planKeyPrefix):
			var p domain.Plan
			if err := json.Unmarshal(msg.Value, &p); err != nil {
				return errors.Wrapf(err, "decode plan %s", msg.Key)
			}
			s.plans[p.ID] = &p
		case strings.HasPrefix(msg.Key, authKeyPrefix):
			var a domain.SpendAuthorization
			if err := json.Unmarshal(msg.Value, &a); err != nil {
				return errors.Wrapf(err, "decode authorization %s", msg.Key)
			}
			s.auths[a.ID] = &a
		case strings.HasPrefix(msg.Key, execKeyPrefix):
			var r domain.ExecutionRecord
			if err := json.Unmarshal(msg.Value, &r); err != nil {
				return errors.Wrapf(err, "decode execution %s", msg.Key)
			}
			s.executions[r.PlanID] = append(s.executions[r.PlanID], &r)
		case strings.HasPrefix(msg.Key, runKeyPrefix):
			var run domain.RunAudit
			if err := json.Unmarshal(msg.Value, &run); err != nil {
				return errors.Wrapf(err, "decode run %s", msg.Key)
			}
			s.runs = append(s.runs, run)
		case strings.HasPrefix(msg.Key, leaseKeyPrefix):
			var lease domain.Lease
			if err := json.Unmarshal(msg.Value, &lease); err != nil {
				return errors.Wrapf(err, "decode lease %s", msg.Key)
			}
			if lease.Token == "" {
				delete(s.leases, lease.PlanID)
				continue
			}
			s.leases[lease.PlanID] = lease
		}
	}

	return nil
}

// append must be called with mu held.
func (s *WALStore) append(key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}

	nextIndex := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(nextIndex, key, payload); err != nil {
		return errors.Wrapf(err, "write %s", key)
	}

	return nil
}

// CreatePlan stores a new plan at version 1.
func (s *WALStore) CreatePlan(p *domain.Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[p.ID]; ok {
		return errors.Errorf("plan %s already exists", p.ID)
	}

	stored := p.Clone()
	stored.Version = 1
	if err := s.append(planKeyPrefix+stored.ID, stored); err != nil {
		return err
	}
	s.plans[stored.ID] = stored
	p.Version = stored.Version

	return nil
}

// GetPlan returns a copy of the plan.
func (s *WALStore) GetPlan(id string) (*domain.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrPlanNotFound, "plan %s", id)
	}

	return p.Clone(), nil
}

// ListPlans returns copies of plans with the given status, or all plans when
// status is empty, ordered by creation time.
func (s *WALStore) ListPlans(status domain.PlanStatus) ([]*domain.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, p.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

// UpdatePlan writes p if the stored version still equals p.Version, then
// bumps the version on both the stored plan and p.
func (s *WALStore) UpdatePlan(p *domain.Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.plans[p.ID]
	if !ok {
		return errors.Wrapf(domain.ErrPlanNotFound, "plan %s", p.ID)
	}
	if current.Version != p.Version {
		return errors.Wrapf(domain.ErrVersionConflict, "plan %s: stored version %d, got %d", p.ID, current.Version, p.Version)
	}

	stored := p.Clone()
	stored.Version = current.Version + 1
	if err := s.append(planKeyPrefix+stored.ID, stored); err != nil {
		return err
	}
	s.plans[stored.ID] = stored
	p.Version = stored.Version

	return nil
}

// SaveAuthorization stores a new authorization. A plan may hold only one
// unrevoked authorization per purpose.
func (s *WALStore) SaveAuthorization(a *domain.SpendAuthorization) error {
	if err := a.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[a.PlanID]; !ok {
		return errors.Wrapf(domain.ErrPlanNotFound, "plan %s", a.PlanID)
	}
	for _, existing := range s.auths {
		if existing.PlanID == a.PlanID && existing.Purpose == a.Purpose && !existing.Revoked {
			return errors.Wrapf(domain.ErrDuplicateAuthorization, "plan %s purpose %s", a.PlanID, a.Purpose)
		}
	}

	stored := *a
	if err := s.append(authKeyPrefix+stored.ID, &stored); err != nil {
		return err
	}
	s.auths[stored.ID] = &stored

	return nil
}

// GetAuthorization returns a copy of the authorization.
func (s *WALStore) GetAuthorization(id string) (*domain.SpendAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.auths[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrAuthorizationNotFound, "authorization %s", id)
	}
	out := *a

	return &out, nil
}

// Authorization returns the newest authorization for plan and purpose,
// revoked or not, so callers can tell "missing" from "revoked".
func (s *WALStore) Authorization(planID string, purpose domain.AuthorizationPurpose) (*domain.SpendAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *domain.SpendAuthorization
	for _, a := range s.auths {
		if a.PlanID != planID || a.Purpose != purpose {
			continue
		}
		switch {
		case found == nil:
			found = a
		case found.Revoked && !a.Revoked:
			found = a
		case found.Revoked == a.Revoked && a.CreatedAt.After(found.CreatedAt):
			found = a
		}
	}
	if found == nil {
		return nil, errors.Wrapf(domain.ErrAuthorizationNotFound, "plan %s purpose %s", planID, purpose)
	}
	out := *found

	return &out, nil
}

// RevokeAuthorization flags the authorization as revoked.
func (s *WALStore) RevokeAuthorization(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auths[id]
	if !ok {
		return errors.Wrapf(domain.ErrAuthorizationNotFound, "authorization %s", id)
	}
	if a.Revoked {
		return nil
	}

	revoked := *a
	revoked.Revoked = true
	if err := s.append(authKeyPrefix+revoked.ID, &revoked); err != nil {
		return err
	}
	s.auths[id] = &revoked

	return nil
}

// AppendExecution records an execution attempt. Records are never rewritten.
func (s *WALStore) AppendExecution(r *domain.ExecutionRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *r
	if err := s.append(execKeyPrefix+stored.ID, &stored); err != nil {
		return err
	}
	s.executions[stored.PlanID] = append(s.executions[stored.PlanID], &stored)

	return nil
}

// Executions returns the plan's execution records, oldest first.
func (s *WALStore) Executions(planID string) ([]domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.executions[planID]
	out := make([]domain.ExecutionRecord, 0, len(records))
	for _, r := range records {
		out = append(out, *r)
	}

	return out, nil
}

// SaveRun persists the coarse audit row of a scheduler pass.
func (s *WALStore) SaveRun(run domain.RunAudit) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.append(runKeyPrefix+run.ID, run); err != nil {
		return err
	}
	s.runs = append(s.runs, run)

	return nil
}

// Runs returns the persisted scheduler runs, oldest first.
func (s *WALStore) Runs() []domain.RunAudit {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.RunAudit, len(s.runs))
	copy(out, s.runs)

	return out
}

// AcquireLease grants an exclusive, time-bounded execution lease on a plan.
// It fails with domain.ErrExecutionInProgress while another unexpired lease exists.
func (s *WALStore) AcquireLease(planID string, ttl time.Duration, now time.Time) (domain.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.leases[planID]; ok && !current.Expired(now) {
		return domain.Lease{}, errors.Wrapf(domain.ErrExecutionInProgress,
			"plan %s leased until %s", planID, current.ExpiresAt.Format(time.RFC3339))
	}

	lease := domain.Lease{PlanID: planID, Token: uuid.NewString(), ExpiresAt: now.Add(ttl)}
	if err := s.append(leaseKeyPrefix+planID, lease); err != nil {
		return domain.Lease{}, err
	}
	s.leases[planID] = lease

	return lease, nil
}

// ReleaseLease drops the lease if it is still held by the same token.
func (s *WALStore) ReleaseLease(lease domain.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.leases[lease.PlanID]
	if !ok || current.Token != lease.Token {
		return nil
	}

	if err := s.append(leaseKeyPrefix+lease.PlanID, domain.Lease{PlanID: lease.PlanID}); err != nil {
		return err
	}
	delete(s.leases, lease.PlanID)

	return nil
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("plans store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}

// String is used in logs.
func (s *WALStore) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return fmt.Sprintf("plans=%d authorizations=%d runs=%d", len(s.plans), len(s.auths), len(s.runs))
}
