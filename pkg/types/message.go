package types

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zlib"
)

// API actions carried in Details.APIAction.
const (
	ActionPut        = "put"
	ActionGet        = "get"
	ActionPutList    = "putlist"
	ActionGetList    = "getlist"
	ActionList       = "list"
	ActionFind       = "find"
	ActionMeta       = "meta"
	ActionStat       = "stat"
	ActionArchivePut = "archive-put"
	ActionSystemStat = "system-stat"
)

// MessageTypeStandard is the only message type currently on the wire.
const MessageTypeStandard = "standard"

// Details is the routing and identity section of a message. The request's
// identity travels unchanged through the workflow; State, the route trace,
// SubID, Compress, Failure and Retries are updated along the way.
type Details struct {
	TransactionID string `json:"transaction_id"`
	SubID         string `json:"sub_id,omitempty"`
	User          string `json:"user"`
	Group         string `json:"group"`
	GroupAll      bool   `json:"group_all,omitempty"`
	APIAction     string `json:"api_action"`
	State         State  `json:"state"`
	Tenancy       string `json:"tenancy,omitempty"`
	AccessKey     string `json:"access_key,omitempty"`
	SecretKey     string `json:"secret_key,omitempty"`
	TapeURL       string `json:"tape_url,omitempty"`
	Target        string `json:"target,omitempty"`
	JobLabel      string `json:"job_label,omitempty"`
	Route         string `json:"route,omitempty"`
	Compress      bool   `json:"compress,omitempty"`
	Failure       string `json:"failure,omitempty"`
	// Retries survives in the body so a redelivery journaled outside the
	// broker keeps its count.
	Retries int `json:"retries,omitempty"`
}

// AddRoute appends a breadcrumb recording the queue the message visited.
func (d *Details) AddRoute(segment string) {
	if d.Route == "" {
		d.Route = segment
		return
	}
	d.Route = d.Route + "->" + segment
}

// Data is the payload section of a message.
type Data struct {
	Filelist   []*PathDetails `json:"filelist,omitempty"`
	Compressed string         `json:"compressed_filelist,omitempty"`
	PrepareID  string         `json:"prepare_id,omitempty"`
	// PrepareTime records when the staging request was submitted.
	PrepareTime time.Time `json:"prepare_time,omitempty"`
	TarFile     string    `json:"tarfile,omitempty"`
	Checksum    uint32    `json:"checksum,omitempty"`
	// Retrieval groups the filelist of an archive retrieval by the tar
	// aggregate each file lives in.
	Retrieval map[string][]*PathDetails `json:"retrieval_dict,omitempty"`
	// Warnings carry non-fatal notes for the monitor.
	Warnings []string `json:"warnings,omitempty"`
	// StorageType selects the tier a compensating remove acts on.
	StorageType StorageType `json:"storage_type,omitempty"`
	// SystemStatus is the reply payload of the liveness probe.
	SystemStatus *SystemStatus `json:"system_status,omitempty"`
	// Records is the reply payload of the stat/list/find query path.
	Records json.RawMessage `json:"records,omitempty"`
}

// SystemStatus reports a consumer answering the liveness probe.
type SystemStatus struct {
	Worker   string `json:"worker"`
	Alive    bool   `json:"alive"`
	Consumed uint64 `json:"consumed"`
}

// Meta carries the holding selectors of a request.
type Meta struct {
	Label     string            `json:"label,omitempty"`
	HoldingID int64             `json:"holding_id,omitempty"`
	Tag       map[string]string `json:"tag,omitempty"`
	NewMeta   *NewMeta          `json:"new_meta,omitempty"`
}

// NewMeta carries the modifications requested by a META operation.
type NewMeta struct {
	Label  string            `json:"label,omitempty"`
	Tag    map[string]string `json:"tag,omitempty"`
	DelTag map[string]string `json:"del_tag,omitempty"`
}

// Message is the wire envelope exchanged between workers.
type Message struct {
	Details Details `json:"details"`
	Data    Data    `json:"data"`
	Meta    Meta    `json:"meta"`
	Type    string  `json:"type"`
}

// NewMessage returns an envelope of the standard type.
func NewMessage(details Details) *Message {
	return &Message{Details: details, Type: MessageTypeStandard}
}

// CompressFilelist replaces the inline filelist with a base64-of-zlib blob
// when it exceeds maxCount entries or maxBytes of encoded size. Either
// limit set to zero disables that limit.
func (m *Message) CompressFilelist(maxCount int, maxBytes int64) error {
	if len(m.Data.Filelist) == 0 {
		return nil
	}
	raw, err := json.Marshal(m.Data.Filelist)
	if err != nil {
		return fmt.Errorf("marshal filelist: %w", err)
	}
	over := (maxCount > 0 && len(m.Data.Filelist) > maxCount) ||
		(maxBytes > 0 && int64(len(raw)) > maxBytes)
	if !over {
		return nil
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return fmt.Errorf("compress filelist: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress filelist: %w", err)
	}
	m.Data.Compressed = base64.StdEncoding.EncodeToString(buf.Bytes())
	m.Data.Filelist = nil
	m.Details.Compress = true
	return nil
}

// Filelist returns the message's filelist, inflating the compressed form
// when the compress flag is set.
func (m *Message) Filelist() ([]*PathDetails, error) {
	if !m.Details.Compress {
		return m.Data.Filelist, nil
	}
	packed, err := base64.StdEncoding.DecodeString(m.Data.Compressed)
	if err != nil {
		return nil, fmt.Errorf("decode filelist: %w", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(packed))
	if err != nil {
		return nil, fmt.Errorf("inflate filelist: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("inflate filelist: %w", err)
	}
	var filelist []*PathDetails
	if err := json.Unmarshal(raw, &filelist); err != nil {
		return nil, fmt.Errorf("unmarshal filelist: %w", err)
	}
	return filelist, nil
}

// SetFilelist installs a filelist, clearing any compressed remnant.
func (m *Message) SetFilelist(filelist []*PathDetails) {
	m.Data.Filelist = filelist
	m.Data.Compressed = ""
	m.Details.Compress = false
}

// Marshal encodes the envelope for publishing.
func (m *Message) Marshal() ([]byte, error) {
	if m.Type == "" {
		m.Type = MessageTypeStandard
	}
	return json.Marshal(m)
}

// UnmarshalMessage decodes a wire envelope.
func UnmarshalMessage(body []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}
