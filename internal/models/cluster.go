package models

import "time"

// ClusterStatus is the connectivity state derived from agent heartbeats.
type ClusterStatus string

const (
	ClusterOnline      ClusterStatus = "online"
	ClusterOffline     ClusterStatus = "offline"
	ClusterMaintenance ClusterStatus = "maintenance"
)

// Organization is a tenant. The api_key authenticates operator API calls.
type Organization struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	APIKey    string    `json:"-" db:"api_key"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Cluster is a managed Kubernetes cluster. The token is the sole identity of
// its edge agent; handlers never trust a cluster_id sent by an agent.
type Cluster struct {
	ID            string        `json:"id" db:"id"`
	OrgID         string        `json:"org_id" db:"org_id"`
	Name          string        `json:"name" db:"name"`
	Token         string        `json:"-" db:"token"`
	Status        ClusterStatus `json:"status" db:"status"`
	LastHeartbeat *time.Time    `json:"last_heartbeat,omitempty" db:"last_heartbeat"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
}
