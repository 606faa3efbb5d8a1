package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dreamware/shardwatch/internal/agency"
	"github.com/dreamware/shardwatch/internal/cluster"
)

const (
	// DefaultSuspectTTL is how long a demoted primary stays suspect.
	DefaultSuspectTTL = 30 * time.Second
	// defaultSuspectCapacity bounds the number of suspects remembered.
	defaultSuspectCapacity = 1024
)

// suspects remembers servers that recently lost the primary role of a
// watched shard. Entries expire after the configured TTL, so a server that
// was replaced long ago is judged by the agency's health record again.
//
// Thread-safe: the underlying LRU carries its own lock.
type suspects struct {
	demoted *expirable.LRU[cluster.ServerID, time.Time]
}

func newSuspects(capacity int, ttl time.Duration) *suspects {
	return &suspects{demoted: expirable.NewLRU[cluster.ServerID, time.Time](capacity, nil, ttl)}
}

// markDemoted records that server stopped being a shard's primary.
func (s *suspects) markDemoted(server cluster.ServerID) {
	if server == "" {
		return
	}
	s.demoted.Add(server, time.Now())
}

// markPromoted forgets any suspicion on a server that leads a shard again.
func (s *suspects) markPromoted(server cluster.ServerID) {
	s.demoted.Remove(server)
}

// since returns when server was demoted, if it is still suspect.
func (s *suspects) since(server cluster.ServerID) (time.Time, bool) {
	return s.demoted.Peek(server)
}

// healthRecord reads the supervision record of server. A missing record
// counts as healthy: there is no evidence against the server.
func healthRecord(ctx context.Context, ag agency.Agency, server cluster.ServerID) (status string, good bool, err error) {
	value, err := ag.Read(ctx, agency.HealthPath(server))
	switch {
	case errors.Is(err, agency.ErrKeyNotFound):
		return "", true, nil
	case err != nil:
		return "", false, err
	}

	h, err := agency.DecodeHealth(value)
	if err != nil {
		return "", false, err
	}
	return h.Status, h.Status == agency.HealthGood, nil
}
