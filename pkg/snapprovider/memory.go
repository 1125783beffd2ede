package snapprovider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/function61/snapset/pkg/snaptypes"
)

// Memory is an in-memory backend with the behaviour of a real provider (idempotent create,
// NotFound on delete of absent snapshots, capability checks). failures and headroom can be
// injected. used for tests and dry runs.
type Memory struct {
	kind snaptypes.ProviderKind
	caps snaptypes.Capabilities

	mu         sync.Mutex
	volumes    map[string]snaptypes.SourceVolume // keyed by device
	snapshots  map[string]snaptypes.MemberHandle // keyed by handle ID
	freeSpace  map[string]float64                // keyed by handle ID
	failCreate map[string]error                  // keyed by origin
	failDelete map[string]error                  // keyed by handle ID
	failResize map[string]error                  // keyed by handle ID
	failRename map[string]error                  // keyed by handle ID
	failAuto   map[string]error                  // keyed by handle ID
	calls      []string
}

var _ Provider = (*Memory)(nil)

func NewMemory(kind snaptypes.ProviderKind, caps snaptypes.Capabilities) *Memory {
	return &Memory{
		kind:       kind,
		caps:       caps,
		volumes:    map[string]snaptypes.SourceVolume{},
		snapshots:  map[string]snaptypes.MemberHandle{},
		freeSpace:  map[string]float64{},
		failCreate: map[string]error{},
		failDelete: map[string]error{},
		failResize: map[string]error{},
		failRename: map[string]error{},
		failAuto:   map[string]error{},
	}
}

// AddVolume makes device probe-able. vol.Kind is set to the provider's kind.
func (m *Memory) AddVolume(vol snaptypes.SourceVolume) {
	m.mu.Lock()
	defer m.mu.Unlock()

	vol.Kind = m.kind
	m.volumes[vol.Device] = vol
}

// AddSnapshot injects a snapshot as if created out-of-band
func (m *Memory) AddSnapshot(handle snaptypes.MemberHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	handle.Kind = m.kind
	m.snapshots[handle.ID] = handle
}

func (m *Memory) RemoveSnapshot(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.snapshots, id)
}

func (m *Memory) SetFreeSpace(id string, fraction float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.freeSpace[id] = fraction
}

func (m *Memory) FailCreate(origin string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failCreate[origin] = err
}

func (m *Memory) FailDelete(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failDelete[id] = err
}

func (m *Memory) FailResize(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failResize[id] = err
}

func (m *Memory) FailRename(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failRename[id] = err
}

func (m *Memory) FailAutoactivate(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failAuto[id] = err
}

// Calls returns mutating calls made so far, like "create <name>" or "delete <id>"
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string{}, m.calls...)
}

func (m *Memory) Snapshot(id string) (snaptypes.MemberHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	handle, found := m.snapshots[id]
	return handle, found
}

func (m *Memory) Kind() snaptypes.ProviderKind {
	return m.kind
}

func (m *Memory) Capabilities() snaptypes.Capabilities {
	return m.caps
}

func (m *Memory) Probe(ctx context.Context, device string) (*snaptypes.SourceVolume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	vol, found := m.volumes[device]
	if !found {
		return nil, nil
	}

	return &vol, nil
}

func (m *Memory) CreateSnapshot(
	ctx context.Context,
	source snaptypes.SourceVolume,
	name string,
	size uint64,
) (snaptypes.MemberHandle, error) {
	if err := ctx.Err(); err != nil {
		return snaptypes.MemberHandle{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "create "+name)

	if err := m.failCreate[source.Origin]; err != nil {
		return snaptypes.MemberHandle{}, err
	}

	id := parentOf(source.Origin) + "/" + name

	if existing, found := m.snapshots[id]; found {
		if existing.Origin != source.Origin {
			return snaptypes.MemberHandle{}, fmt.Errorf("%w: %s exists with origin %s", snaptypes.ErrNameCollision, id, existing.Origin)
		}

		return existing, nil
	}

	handle := snaptypes.MemberHandle{
		Kind:      m.kind,
		ID:        id,
		Name:      name,
		Origin:    source.Origin,
		SizeBytes: size,
	}

	m.snapshots[id] = handle

	return handle, nil
}

func (m *Memory) DeleteSnapshot(ctx context.Context, handle snaptypes.MemberHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "delete "+handle.ID)

	if err := m.failDelete[handle.ID]; err != nil {
		return err
	}

	if _, found := m.snapshots[handle.ID]; !found {
		return fmt.Errorf("%s: %w", handle.ID, snaptypes.ErrNotFound)
	}

	delete(m.snapshots, handle.ID)

	return nil
}

func (m *Memory) ListSnapshots(ctx context.Context, origin string) ([]snaptypes.MemberHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	handles := []snaptypes.MemberHandle{}
	for _, handle := range m.snapshots {
		if origin != "" && handle.Origin != origin {
			continue
		}

		if _, ok := snaptypes.ParseMemberName(handle.Name, lastOf(handle.Origin)); !ok {
			continue
		}

		handles = append(handles, handle)
	}

	sort.Slice(handles, func(i, j int) bool { return handles[i].ID < handles[j].ID })

	return handles, nil
}

func (m *Memory) ResizeSnapshot(ctx context.Context, handle snaptypes.MemberHandle, newSize uint64) error {
	if err := RequireCapability(m, snaptypes.CapResize); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, fmt.Sprintf("resize %s %d", handle.ID, newSize))

	if err := m.failResize[handle.ID]; err != nil {
		return err
	}

	existing, found := m.snapshots[handle.ID]
	if !found {
		return fmt.Errorf("%s: %w", handle.ID, snaptypes.ErrNotFound)
	}

	existing.SizeBytes = newSize
	m.snapshots[handle.ID] = existing

	return nil
}

func (m *Memory) RevertSnapshot(ctx context.Context, handle snaptypes.MemberHandle) error {
	if err := RequireCapability(m, snaptypes.CapRevert); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "revert "+handle.ID)

	if _, found := m.snapshots[handle.ID]; !found {
		return fmt.Errorf("%s: %w", handle.ID, snaptypes.ErrNotFound)
	}

	return nil
}

func (m *Memory) FreeSpace(ctx context.Context, handle snaptypes.MemberHandle) (float64, error) {
	if err := RequireCapability(m, snaptypes.CapFreeSpace); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, found := m.snapshots[handle.ID]; !found {
		return 0, fmt.Errorf("%s: %w", handle.ID, snaptypes.ErrNotFound)
	}

	if fraction, set := m.freeSpace[handle.ID]; set {
		return fraction, nil
	}

	return 1, nil
}

func (m *Memory) SetAutoactivate(ctx context.Context, handle snaptypes.MemberHandle, auto bool) error {
	if err := RequireCapability(m, snaptypes.CapAutoactivate); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, fmt.Sprintf("autoactivate %s %v", handle.ID, auto))

	return m.failAuto[handle.ID]
}

func (m *Memory) Activate(ctx context.Context, handle snaptypes.MemberHandle, active bool) error {
	if err := RequireCapability(m, snaptypes.CapActivate); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, fmt.Sprintf("activate %s %v", handle.ID, active))

	return nil
}

func (m *Memory) RenameSnapshot(ctx context.Context, handle snaptypes.MemberHandle, newName string) (snaptypes.MemberHandle, error) {
	if err := RequireCapability(m, snaptypes.CapRename); err != nil {
		return snaptypes.MemberHandle{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, fmt.Sprintf("rename %s %s", handle.ID, newName))

	if err := m.failRename[handle.ID]; err != nil {
		return snaptypes.MemberHandle{}, err
	}

	existing, found := m.snapshots[handle.ID]
	if !found {
		return snaptypes.MemberHandle{}, fmt.Errorf("%s: %w", handle.ID, snaptypes.ErrNotFound)
	}

	newID := parentOf(handle.ID) + "/" + newName
	if _, taken := m.snapshots[newID]; taken {
		return snaptypes.MemberHandle{}, fmt.Errorf("%w: %s", snaptypes.ErrNameCollision, newID)
	}

	delete(m.snapshots, handle.ID)

	existing.ID = newID
	existing.Name = newName
	m.snapshots[newID] = existing

	if fraction, set := m.freeSpace[handle.ID]; set {
		delete(m.freeSpace, handle.ID)
		m.freeSpace[newID] = fraction
	}

	return existing, nil
}

func parentOf(id string) string {
	if pos := strings.LastIndex(id, "/"); pos != -1 {
		return id[:pos]
	}

	return id
}

func lastOf(id string) string {
	return id[strings.LastIndex(id, "/")+1:]
}
