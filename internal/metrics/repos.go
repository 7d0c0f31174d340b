package metrics

import "sync"

// ClientRepository supplies client records for snapshot enrichment. The
// orchestration core holds no client state of its own; reporting reads
// through this interface.
type ClientRepository interface {
	// Count returns the number of known clients.
	Count() int
	// IDs returns every client ID.
	IDs() []string
}

// CampaignRepository supplies campaign records for snapshot enrichment.
type CampaignRepository interface {
	// Count returns the number of known campaigns.
	Count() int
	// ActiveFor returns the active campaign count for one client.
	ActiveFor(clientID string) int
}

// MemoryClientRepository is a thread-safe in-memory ClientRepository.
type MemoryClientRepository struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewMemoryClientRepository creates an empty repository.
func NewMemoryClientRepository() *MemoryClientRepository {
	return &MemoryClientRepository{ids: make(map[string]struct{})}
}

// Add registers a client ID. Adding an existing ID is a no-op.
func (r *MemoryClientRepository) Add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids[id] = struct{}{}
}

// Count implements ClientRepository.
func (r *MemoryClientRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}

// IDs implements ClientRepository.
func (r *MemoryClientRepository) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ids))
	for id := range r.ids {
		out = append(out, id)
	}
	return out
}

// MemoryCampaignRepository is a thread-safe in-memory CampaignRepository.
type MemoryCampaignRepository struct {
	mu sync.RWMutex
	// active maps client ID to its active campaign count.
	active map[string]int
	total  int
}

// NewMemoryCampaignRepository creates an empty repository.
func NewMemoryCampaignRepository() *MemoryCampaignRepository {
	return &MemoryCampaignRepository{active: make(map[string]int)}
}

// Add records one campaign for a client.
func (r *MemoryCampaignRepository) Add(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[clientID]++
	r.total++
}

// Count implements CampaignRepository.
func (r *MemoryCampaignRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// ActiveFor implements CampaignRepository.
func (r *MemoryCampaignRepository) ActiveFor(clientID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[clientID]
}

var (
	_ ClientRepository   = (*MemoryClientRepository)(nil)
	_ CampaignRepository = (*MemoryCampaignRepository)(nil)
)
