package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	amcp "github.com/amcp-project/amcp-go"
	"github.com/amcp-project/amcp-go/topic"
)

// CloudEvents 1.0 attribute values and extension names used on the wire.
const (
	SpecVersion = "1.0"
	// TypePrefix rewrites topics to reverse-DNS event types.
	TypePrefix = "io.amcp."
	// SourcePrefix derives the source URI from the sender agent or context.
	SourcePrefix = "urn:amcp:"

	ExtTraceID       = "amcptraceid"
	ExtSpanID        = "amcpspanid"
	ExtCorrelationID = "amcpcorrelationid"
	// ExtPrefix marks metadata keys that project to CloudEvents extensions.
	ExtPrefix = "amcp"

	defaultContentType = "application/json"
	// MetaContentType overrides datacontenttype via event metadata.
	MetaContentType = "content-type"
)

// CloudEvent is the CloudEvents 1.0 projection of an Event, produced when an
// event crosses a context boundary or is handed to an external observer.
type CloudEvent struct {
	SpecVersion     string          `json:"specversion"`
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	Type            string          `json:"type"`
	Time            string          `json:"time"`
	DataContentType string          `json:"datacontenttype"`
	Data            json.RawMessage `json:"data,omitempty"`
	// Extensions carries amcp-prefixed metadata, lowercased per the
	// CloudEvents attribute naming rules.
	Extensions map[string]string `json:"-"`
}

// Project renders the event as a CloudEvent. contextID names the emitting
// context and is used as source for system-injected events.
func Project(e *Event, contextID string) (*CloudEvent, error) {
	var data json.RawMessage
	if e.Payload() != nil {
		raw, err := protojson.Marshal(e.Payload())
		if err != nil {
			return nil, amcp.E("event.Project", amcp.KindInvalidInput, err)
		}
		data = raw
	}

	source := SourcePrefix + "context:" + contextID
	if !e.Sender().IsZero() {
		source = SourcePrefix + "agent:" + e.Sender().String()
	}

	contentType := e.Meta(MetaContentType)
	if contentType == "" {
		contentType = defaultContentType
	}

	ce := &CloudEvent{
		SpecVersion:     SpecVersion,
		ID:              e.ID().String(),
		Source:          source,
		Type:            TypePrefix + e.Topic(),
		Time:            e.Timestamp().Format(time.RFC3339Nano),
		DataContentType: contentType,
		Data:            data,
		Extensions:      make(map[string]string),
	}
	if !e.CorrelationID().IsZero() {
		ce.Extensions[ExtCorrelationID] = e.CorrelationID().String()
	}
	for k, v := range e.metadata {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, ExtPrefix) {
			ce.Extensions[lk] = v
		}
	}
	return ce, nil
}

// MarshalJSON flattens extensions into top-level attributes as CloudEvents
// requires.
func (ce *CloudEvent) MarshalJSON() ([]byte, error) {
	flat := map[string]any{
		"specversion":     ce.SpecVersion,
		"id":              ce.ID,
		"source":          ce.Source,
		"type":            ce.Type,
		"time":            ce.Time,
		"datacontenttype": ce.DataContentType,
	}
	if len(ce.Data) > 0 {
		flat["data"] = json.RawMessage(ce.Data)
	}
	for k, v := range ce.Extensions {
		flat[k] = v
	}
	return json.Marshal(flat)
}

// UnmarshalJSON restores a CloudEvent, collecting unknown string attributes
// as extensions.
func (ce *CloudEvent) UnmarshalJSON(raw []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(raw, &flat); err != nil {
		return err
	}
	str := func(key string) string {
		var s string
		if r, ok := flat[key]; ok {
			_ = json.Unmarshal(r, &s)
		}
		return s
	}
	ce.SpecVersion = str("specversion")
	ce.ID = str("id")
	ce.Source = str("source")
	ce.Type = str("type")
	ce.Time = str("time")
	ce.DataContentType = str("datacontenttype")
	if d, ok := flat["data"]; ok {
		ce.Data = d
	}
	ce.Extensions = make(map[string]string)
	for k, r := range flat {
		switch k {
		case "specversion", "id", "source", "type", "time", "datacontenttype", "data":
			continue
		}
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			ce.Extensions[k] = s
		}
	}
	return nil
}

// Validate enforces the required CloudEvents attributes. Strict transports
// reject events failing validation.
func (ce *CloudEvent) Validate() error {
	switch {
	case ce.SpecVersion != SpecVersion:
		return amcp.Errorf("event.CloudEvent", amcp.KindInvalidInput, "unsupported specversion %q", ce.SpecVersion)
	case ce.ID == "":
		return amcp.Errorf("event.CloudEvent", amcp.KindInvalidInput, "missing id")
	case ce.Source == "":
		return amcp.Errorf("event.CloudEvent", amcp.KindInvalidInput, "missing source")
	case ce.Type == "":
		return amcp.Errorf("event.CloudEvent", amcp.KindInvalidInput, "missing type")
	}
	return nil
}

// Unproject reconstructs an Event from its CloudEvents projection.
func Unproject(ce *CloudEvent) (*Event, error) {
	if err := ce.Validate(); err != nil {
		return nil, err
	}
	eventTopic := strings.TrimPrefix(ce.Type, TypePrefix)
	if err := topic.Validate(eventTopic); err != nil {
		return nil, err
	}

	var payload *structpb.Value
	if len(ce.Data) > 0 {
		payload = &structpb.Value{}
		if err := protojson.Unmarshal(ce.Data, payload); err != nil {
			return nil, amcp.E("event.Unproject", amcp.KindInvalidInput, err)
		}
	}

	opts := []Option{WithID(amcp.EventID(ce.ID))}
	if ts, err := time.Parse(time.RFC3339Nano, ce.Time); err == nil {
		opts = append(opts, WithTimestamp(ts))
	}
	if agent, ok := strings.CutPrefix(ce.Source, SourcePrefix+"agent:"); ok {
		opts = append(opts, WithSender(amcp.AgentID(agent)))
	}
	if corr, ok := ce.Extensions[ExtCorrelationID]; ok {
		opts = append(opts, WithCorrelationID(amcp.CorrelationID(corr)))
	}
	for k, v := range ce.Extensions {
		if k == ExtCorrelationID {
			continue
		}
		opts = append(opts, WithMetadata(k, v))
	}
	if ce.DataContentType != "" && ce.DataContentType != defaultContentType {
		opts = append(opts, WithMetadata(MetaContentType, ce.DataContentType))
	}
	ev, err := New(eventTopic, payload, opts...)
	if err != nil {
		return nil, fmt.Errorf("unproject %s: %w", ce.ID, err)
	}
	return ev, nil
}
