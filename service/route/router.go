package route

import (
	"hash/fnv"
	"strconv"

	"ChatCore/tools/errs"
)

// Router decides which replica is the ordering authority for a channel.
// Plain modulo partition over a stable hash: every replica computes the same
// owner with no coordination. Changing TotalServers reassigns most channels,
// which is acceptable only for fixed-size clusters; there is no migration
// protocol here.
type Router struct {
	serverID     int
	totalServers int
}

// New fails fast on misconfiguration: a replica with an out-of-range id must
// not come up at all, because two replicas believing they own the same
// channel silently breaks ordering.
func New(serverID, totalServers int) (*Router, error) {
	if totalServers <= 0 {
		return nil, errs.ErrRoutingConfig.WrapMsg(
			"totalServers=" + strconv.Itoa(totalServers))
	}
	if serverID < 0 || serverID >= totalServers {
		return nil, errs.ErrRoutingConfig.WrapMsg(
			"serverID=" + strconv.Itoa(serverID) +
				" totalServers=" + strconv.Itoa(totalServers))
	}
	return &Router{serverID: serverID, totalServers: totalServers}, nil
}

// OwnerOf returns the server id that owns total order for the channel.
func (r *Router) OwnerOf(channelID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(channelID))
	return int(h.Sum32() % uint32(r.totalServers))
}

// IsOwner reports whether this replica is the channel's authority.
func (r *Router) IsOwner(channelID string) bool {
	return r.OwnerOf(channelID) == r.serverID
}

func (r *Router) ServerID() int     { return r.serverID }
func (r *Router) TotalServers() int { return r.totalServers }
