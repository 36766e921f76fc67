package model

// NodeSummary is the externally visible identity of a node as returned by
// node listings.
type NodeSummary struct {
	ID           uint16
	Name         string
	FriendlyName string
	Port         int
	Kind         string
	Finalized    bool
}
