// Data model shared by every snapset component
package snaptypes

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ProviderKind string

const (
	KindLvm2Cow  ProviderKind = "lvm2-cow"
	KindLvm2Thin ProviderKind = "lvm2-thin"
	KindStratis  ProviderKind = "stratis"
)

type Capability string

const (
	CapResize       Capability = "resize"
	CapAutoactivate Capability = "autoactivate"
	CapRevert       Capability = "revert"
	CapFreeSpace    Capability = "free-space"
	CapActivate     Capability = "activate"
	CapRename       Capability = "rename"
)

type Capabilities struct {
	Resize       bool
	Autoactivate bool
	Revert       bool
	FreeSpace    bool
	Activate     bool
	Rename       bool
}

func (c Capabilities) Has(capability Capability) bool {
	switch capability {
	case CapResize:
		return c.Resize
	case CapAutoactivate:
		return c.Autoactivate
	case CapRevert:
		return c.Revert
	case CapFreeSpace:
		return c.FreeSpace
	case CapActivate:
		return c.Activate
	case CapRename:
		return c.Rename
	default:
		return false
	}
}

// an existing volume that can be snapshotted. always read fresh, never persisted on its own.
type SourceVolume struct {
	MountPoint      string       // empty for unmounted block devices
	Device          string       // backing block device path
	Kind            ProviderKind // provider that claimed the device
	Origin          string       // backend identifier of the origin, like "vg/lv" or "pool/fs"
	SpacePool       string       // where snapshot space is allocated from (VG, thin pool, stratis pool)
	SizeBytes       uint64
	UsedBytes       uint64 // filesystem usage, only known for mounted sources
	PoolFreeBytes   uint64 // free capacity of SpacePool
	Granularity     uint64 // allocation granularity of the provider
	MinSnapshotSize uint64
	MaxNameLength   int // 0 = unlimited
}

// Source returns the path the volume is known by in snapshot names
func (s SourceVolume) Source() string {
	if s.MountPoint != "" {
		return s.MountPoint
	}

	return s.Device
}

// OriginName is the last component of Origin ("lv" of "vg/lv")
func (s SourceVolume) OriginName() string {
	return lastComponent(s.Origin)
}

type CreateMode string

const (
	ModeAtomic  CreateMode = "atomic"
	ModePartial CreateMode = "partial"
)

type SourceSpec struct {
	Source string
	Policy *SizePolicy // nil = default policy for the source
}

// ParseSourceSpec parses "SOURCE[:POLICY]", e.g. "/var:10%SIZE"
func ParseSourceSpec(spec string) (SourceSpec, error) {
	source, policyText, hasPolicy := strings.Cut(spec, ":")
	if source == "" {
		return SourceSpec{}, fmt.Errorf("%w: empty source in '%s'", ErrInvalidRequest, spec)
	}

	if !hasPolicy {
		return SourceSpec{Source: source}, nil
	}

	policy, err := ParseSizePolicy(policyText)
	if err != nil {
		return SourceSpec{}, err
	}

	return SourceSpec{Source: source, Policy: policy}, nil
}

func (s SourceSpec) String() string {
	if s.Policy == nil {
		return s.Source
	}

	return s.Source + ":" + s.Policy.String()
}

type Request struct {
	Name         string
	Sources      []SourceSpec
	Autoactivate bool
	Tag          string
	Mode         CreateMode // empty = atomic
	// zero = now. set explicitly to retry an identical earlier request
	Timestamp time.Time
}

type PlannedMember struct {
	Source     SourceVolume
	TargetName string
	SizeBytes  uint64
	Existing   bool // snapshot with TargetName already exists for the same origin
}

type Plan struct {
	SetName      string
	Timestamp    time.Time
	UUID         string
	Mode         CreateMode
	Tag          string
	Autoactivate bool
	Members      []PlannedMember
}

func (p Plan) SetID() SetID {
	return NewSetID(p.SetName, p.Timestamp)
}

// growing one created member of an existing set
type PlannedResize struct {
	Member    int // index into Set.Members
	Source    SourceVolume
	FromBytes uint64
	ToBytes   uint64
}

// set identifier: name + creation timestamp, together unique
type SetID string

func NewSetID(name string, timestamp time.Time) SetID {
	return SetID(fmt.Sprintf("%s@%d", name, timestamp.Unix()))
}

func ParseSetID(id string) (string, time.Time, error) {
	pos := strings.LastIndex(id, "@")
	if pos <= 0 {
		return "", time.Time{}, fmt.Errorf("%w: malformed set id '%s'", ErrInvalidRequest, id)
	}

	unix, err := strconv.ParseInt(id[pos+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: malformed set id '%s'", ErrInvalidRequest, id)
	}

	// the name ends up in lock and record file names
	if err := ValidateSetName(id[:pos]); err != nil {
		return "", time.Time{}, fmt.Errorf("malformed set id: %w", err)
	}

	return id[:pos], time.Unix(unix, 0).UTC(), nil
}

var setUUIDNamespace = uuid.MustParse("2f9a3c4e-7d1b-5c8e-9a60-3b1d0e6f4c21")

// SetUUID is stable for a given name + timestamp, so a set adopted from backend state gets
// the same UUID it had when it was recorded
func SetUUID(name string, timestamp time.Time) string {
	return uuid.NewSHA1(setUUIDNamespace, []byte(fmt.Sprintf("%s:%d", name, timestamp.Unix()))).String()
}

type SetState string

const (
	SetCreating  SetState = "creating"
	SetActive    SetState = "active"
	SetPartial   SetState = "partial"
	SetReverting SetState = "reverting"
	SetDeleting  SetState = "deleting"
	SetDeleted   SetState = "deleted"
	SetFailed    SetState = "failed"
)

var AllSetStates = []SetState{SetCreating, SetActive, SetPartial, SetReverting, SetDeleting, SetDeleted, SetFailed}

// busy sets are mid-operation and must not be touched by GC or a concurrent delete
func (s SetState) Busy() bool {
	return s == SetCreating || s == SetReverting
}

type MemberState string

const (
	MemberPending MemberState = "pending"
	MemberCreated MemberState = "created"
	MemberFailed  MemberState = "failed"
	MemberDeleted MemberState = "deleted"
)

// backend-level identity of a snapshot
type MemberHandle struct {
	Kind      ProviderKind
	ID        string // "vg/lv" or "pool/fs"
	Name      string // snapshot name, follows the member naming convention
	Origin    string // "vg/lv" or "pool/fs" of the origin
	SizeBytes uint64
}

type Member struct {
	MountPoint string
	Device     string
	Origin     string
	Kind       ProviderKind
	Handle     MemberHandle
	SizeBytes  uint64
	State      MemberState
	AtRisk     bool
	Error      string
}

func (m Member) Source() string {
	if m.MountPoint != "" {
		return m.MountPoint
	}

	return m.Device
}

type Set struct {
	ID           SetID
	Name         string
	Timestamp    time.Time
	UUID         string
	Tag          string
	Mode         CreateMode
	Autoactivate bool
	State        SetState
	Created      time.Time
	Members      []Member
	Error        string
}

func NewSetFromPlan(plan Plan, now time.Time) *Set {
	members := make([]Member, 0, len(plan.Members))
	for _, planned := range plan.Members {
		members = append(members, Member{
			MountPoint: planned.Source.MountPoint,
			Device:     planned.Source.Device,
			Origin:     planned.Source.Origin,
			Kind:       planned.Source.Kind,
			Handle: MemberHandle{
				Kind:      planned.Source.Kind,
				ID:        joinComponents(firstComponent(planned.Source.Origin), planned.TargetName),
				Name:      planned.TargetName,
				Origin:    planned.Source.Origin,
				SizeBytes: planned.SizeBytes,
			},
			SizeBytes: planned.SizeBytes,
			State:     MemberPending,
		})
	}

	return &Set{
		ID:           plan.SetID(),
		Name:         plan.SetName,
		Timestamp:    plan.Timestamp,
		UUID:         plan.UUID,
		Tag:          plan.Tag,
		Mode:         plan.Mode,
		Autoactivate: plan.Autoactivate,
		State:        SetCreating,
		Created:      now,
		Members:      members,
	}
}

// MemberBySource returns index of the member snapshotting source (mount point or device)
func (s *Set) MemberBySource(source string) (int, error) {
	for idx, member := range s.Members {
		if member.MountPoint == source || member.Device == source {
			return idx, nil
		}
	}

	return -1, fmt.Errorf("%w: %s is not a member of %s", ErrNotFound, source, s.ID)
}

// CreatedMembers returns indices of members currently existing on the backend
func (s *Set) CreatedMembers() []int {
	idxs := []int{}
	for idx, member := range s.Members {
		if member.State == MemberCreated {
			idxs = append(idxs, idx)
		}
	}

	return idxs
}

func (s *Set) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// DeriveState computes a set's state from its members' states
func DeriveState(members []Member) SetState {
	created := 0
	failed := 0
	for _, member := range members {
		switch member.State {
		case MemberCreated:
			created++
		case MemberFailed:
			failed++
		}
	}

	switch {
	case created > 0 && created == len(members):
		return SetActive
	case created > 0:
		return SetPartial
	case failed > 0:
		return SetFailed
	default:
		return SetDeleted
	}
}

// Validate checks the invariants a persisted set must satisfy
func (s *Set) Validate() error {
	if s.Name == "" || s.Timestamp.IsZero() {
		return fmt.Errorf("missing name or timestamp")
	}

	if err := ValidateSetName(s.Name); err != nil {
		return err
	}

	if s.ID != NewSetID(s.Name, s.Timestamp) {
		return fmt.Errorf("ID %s does not match name+timestamp", s.ID)
	}

	if !stateKnown(s.State) {
		return fmt.Errorf("unknown state '%s'", s.State)
	}

	for _, member := range s.Members {
		switch member.State {
		case MemberPending, MemberCreated, MemberFailed, MemberDeleted:
		default:
			return fmt.Errorf("member %s: unknown state '%s'", member.Handle.Name, member.State)
		}

		if member.Handle.Name == "" || member.Kind == "" {
			return fmt.Errorf("member with missing handle or kind")
		}
	}

	return nil
}

type Warning struct {
	SetID   SetID
	Member  string // empty for set-level warnings
	Message string
}

func (w Warning) String() string {
	if w.SetID == "" {
		return w.Message
	}

	if w.Member == "" {
		return fmt.Sprintf("%s: %s", w.SetID, w.Message)
	}

	return fmt.Sprintf("%s (%s): %s", w.SetID, w.Member, w.Message)
}

func stateKnown(state SetState) bool {
	for _, known := range AllSetStates {
		if known == state {
			return true
		}
	}

	return false
}

func firstComponent(id string) string {
	first, _, _ := strings.Cut(id, "/")
	return first
}

func lastComponent(id string) string {
	if pos := strings.LastIndex(id, "/"); pos != -1 {
		return id[pos+1:]
	}

	return id
}

func joinComponents(parent string, name string) string {
	if parent == "" {
		return name
	}

	return parent + "/" + name
}
