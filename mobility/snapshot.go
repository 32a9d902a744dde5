// Package mobility moves agents between contexts: a versioned snapshot
// codec, a transport contract to reach remote contexts, and the Manager
// implementing dispatch, clone, retract, migrate, replicate and
// federation on top of the mesh migration primitives.
package mobility

import (
	"encoding/json"
	"fmt"
	"time"

	amcp "github.com/amcp-project/amcp-go"
	"github.com/amcp-project/amcp-go/mesh"
)

// SnapshotVersion is the current wire format version. Decoders reject
// versions they do not know.
const SnapshotVersion = 1

// snapshotEnvelope is the on-the-wire form of a mesh.Image. Field names are
// part of the format and must not change within a version.
type snapshotEnvelope struct {
	Version       int               `json:"version"`
	AgentID       string            `json:"agentId"`
	AgentType     string            `json:"agentType"`
	State         []byte            `json:"state,omitempty"`
	Subscriptions []string          `json:"subscriptions,omitempty"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	AuthContext   []byte            `json:"authContext,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// knownSnapshotFields lists the envelope keys of version 1. Anything else in
// a received snapshot is an extension written by a newer minor revision and
// is preserved as metadata.
var knownSnapshotFields = map[string]struct{}{
	"version": {}, "agentId": {}, "agentType": {}, "state": {},
	"subscriptions": {}, "capabilities": {}, "authContext": {},
	"metadata": {}, "timestamp": {},
}

// EncodeSnapshot renders an agent image into versioned snapshot bytes.
func EncodeSnapshot(img *mesh.Image) ([]byte, error) {
	if img == nil || img.ID.IsZero() || img.Type == "" {
		return nil, amcp.Errorf("mobility.EncodeSnapshot", amcp.KindInvalidInput, "incomplete agent image")
	}
	env := snapshotEnvelope{
		Version:       SnapshotVersion,
		AgentID:       img.ID.String(),
		AgentType:     img.Type,
		State:         img.State,
		Subscriptions: img.Subscriptions,
		Capabilities:  img.Capabilities,
		AuthContext:   img.AuthContext,
		Metadata:      img.Metadata,
		Timestamp:     img.Timestamp,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, amcp.E("mobility.EncodeSnapshot", amcp.KindInvalidInput, err)
	}
	return data, nil
}

// DecodeSnapshot parses snapshot bytes back into an agent image. Unknown
// format versions are rejected with ErrUnsupportedSnapshot; unknown top
// level fields are folded into Metadata under an "x-" prefix so a later
// re-encode does not lose them.
func DecodeSnapshot(data []byte) (*mesh.Image, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, amcp.E("mobility.DecodeSnapshot", amcp.KindInvalidInput, err)
	}
	var version int
	if v, ok := raw["version"]; ok {
		if err := json.Unmarshal(v, &version); err != nil {
			return nil, amcp.E("mobility.DecodeSnapshot", amcp.KindInvalidInput, err)
		}
	}
	if version != SnapshotVersion {
		return nil, &amcp.Error{
			Kind: amcp.KindInvalidInput, Op: "mobility.DecodeSnapshot",
			Message: fmt.Sprintf("snapshot version %d", version),
			Err:     amcp.ErrUnsupportedSnapshot,
		}
	}

	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, amcp.E("mobility.DecodeSnapshot", amcp.KindInvalidInput, err)
	}
	if env.AgentID == "" || env.AgentType == "" {
		return nil, amcp.Errorf("mobility.DecodeSnapshot", amcp.KindInvalidInput, "snapshot missing agent identity")
	}

	meta := make(map[string]string, len(env.Metadata))
	for k, v := range env.Metadata {
		meta[k] = v
	}
	for k, v := range raw {
		if _, known := knownSnapshotFields[k]; known {
			continue
		}
		meta["x-"+k] = string(v)
	}

	return &mesh.Image{
		ID:            amcp.AgentID(env.AgentID),
		Type:          env.AgentType,
		State:         env.State,
		Subscriptions: env.Subscriptions,
		Capabilities:  env.Capabilities,
		AuthContext:   env.AuthContext,
		Metadata:      meta,
		Timestamp:     env.Timestamp,
	}, nil
}
