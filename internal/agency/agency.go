// Package agency defines the boundary to the coordination service: a
// consistent, watchable key-value store holding the cluster's current plan.
// Backends live in the memory and kubernetes subpackages.
package agency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dreamware/shardwatch/internal/cluster"
)

var (
	// ErrUnavailable reports that the coordination service could not be
	// reached. Callers may retry.
	ErrUnavailable = errors.New("agency unavailable")
	// ErrInvalidPath is returned for paths the backend cannot address.
	ErrInvalidPath = errors.New("invalid agency path")
	// ErrKeyNotFound is returned by Read when nothing is stored at path.
	ErrKeyNotFound = errors.New("agency key not found")
	// ErrUnknownWatch is returned when unregistering a handle twice.
	ErrUnknownWatch = errors.New("unknown watch handle")
)

// WatchFunc receives the previous and the new value stored at a watched path.
// The first call after registration carries the current value with a nil
// oldValue. A nil newValue means the key was deleted.
type WatchFunc func(oldValue, newValue []byte)

// Handle identifies a registered watch.
type Handle uint64

// Agency is the client side of the coordination service.
//
// Callbacks registered on one watch are delivered in order from a goroutine
// owned by the backend; different watches may be delivered concurrently.
// UnregisterWatch never waits for an in-flight callback, so callbacks are free
// to call back into whatever registered them.
type Agency interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, value []byte) error
	Delete(ctx context.Context, path string) error
	RegisterWatch(ctx context.Context, path string, fn WatchFunc) (Handle, error)
	UnregisterWatch(ctx context.Context, h Handle) error
}

const (
	currentCollections = "Current/Collections"
	supervisionHealth  = "Supervision/Health"
)

// PrimaryPath is where the servers of a shard are recorded, leader first.
func PrimaryPath(cid cluster.CollectionID, shard cluster.ShardID) string {
	return currentCollections + "/" + string(cid) + "/" + string(shard)
}

// HealthPath is where the supervision health record of a server lives.
func HealthPath(server cluster.ServerID) string {
	return supervisionHealth + "/" + string(server)
}

// ValidatePath rejects paths with empty or padded segments.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || strings.TrimSpace(seg) != seg {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return nil
}

// ShardServers is the value stored at PrimaryPath: the leader followed by
// its in-sync followers.
type ShardServers []cluster.ServerID

// Primary returns the leader, or "" when the list is empty.
func (s ShardServers) Primary() cluster.ServerID {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

// Followers returns every server but the leader.
func (s ShardServers) Followers() []cluster.ServerID {
	if len(s) < 2 {
		return nil
	}
	return s[1:]
}

func EncodeShardServers(servers ShardServers) ([]byte, error) {
	return json.Marshal(servers)
}

func DecodeShardServers(value []byte) (ShardServers, error) {
	var servers ShardServers
	if err := json.Unmarshal(value, &servers); err != nil {
		return nil, fmt.Errorf("decoding shard servers: %w", err)
	}
	return servers, nil
}

// Supervision health states.
const (
	HealthGood   = "GOOD"
	HealthBad    = "BAD"
	HealthFailed = "FAILED"
)

// ServerHealth is the value stored at HealthPath.
type ServerHealth struct {
	Status string `json:"Status"`
}

func EncodeHealth(h ServerHealth) ([]byte, error) { return json.Marshal(h) }

func DecodeHealth(value []byte) (ServerHealth, error) {
	var h ServerHealth
	if err := json.Unmarshal(value, &h); err != nil {
		return ServerHealth{}, fmt.Errorf("decoding server health: %w", err)
	}
	return h, nil
}
