// Package sync exchanges index partitions between peers over the topic
// bus. Announcements and requests are small JSON messages; partition
// bodies travel through the content-addressed store, referenced by
// fingerprint.
package sync

import (
	"time"
)

// Topic name components under /<cluster_id>/index/.
const (
	topicAnnounce = "announce"
	topicRequest  = "request"
	topicResponse = "response"
)

// PartitionAnnounce describes one partition in an announcement.
type PartitionAnnounce struct {
	PartitionID uint64    `json:"partition_id"`
	ContentHash string    `json:"content_hash"`
	RowCount    int       `json:"row_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Announcement is the periodic manifest broadcast. Unknown fields in
// received announcements are ignored for forward compatibility.
type Announcement struct {
	NodeID     string              `json:"node_id"`
	Partitions []PartitionAnnounce `json:"partitions"`
}

// Request asks any holder to serve a partition.
type Request struct {
	Requester   string `json:"requester"`
	PartitionID uint64 `json:"partition_id"`
	ContentHash string `json:"content_hash,omitempty"`
}

// Response points the requester at the partition body in the
// content-addressed store.
type Response struct {
	NodeID               string    `json:"node_id"`
	PartitionID          uint64    `json:"partition_id"`
	ContentHash          string    `json:"content_hash"`
	RowCount             int       `json:"row_count"`
	CreatedAt            time.Time `json:"created_at"`
	PartitionFingerprint string    `json:"partition_fingerprint"`
}
