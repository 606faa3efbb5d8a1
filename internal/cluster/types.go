package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ServerID identifies a cluster node (a DB server hosting shard primaries or followers).
type ServerID string

func (s ServerID) String() string { return string(s) }

// ShardID identifies one partition of a collection.
type ShardID string

func (s ShardID) String() string { return string(s) }

// CollectionID identifies a logical collection made of one or more shards.
type CollectionID string

func (c CollectionID) String() string { return string(c) }

type NodeInfo struct {
	ID   ServerID `json:"id"`
	Addr string   `json:"addr"`
}

type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// PlanResponse is the slice of the published plan a worker needs: for each
// shard it hosts as primary, the server that should receive replicas.
type PlanResponse struct {
	Server      ServerID             `json:"server"`
	Secondaries map[ShardID]ServerID `json:"secondaries"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
