package ingestion

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ObjectEvent is one object-storage notification reduced to what the
// pipeline needs. Key is already percent-decoded. Size is the size reported
// when the notification was emitted and may be stale.
type ObjectEvent struct {
	Bucket string
	Key    string
	Size   int64
}

// s3Event is the S3 notification envelope as emitted by AWS and MinIO.
type s3Event struct {
	Records []s3Record `json:"Records"`
}

type s3Record struct {
	EventVersion string   `json:"eventVersion,omitempty"`
	EventSource  string   `json:"eventSource,omitempty"`
	EventTime    string   `json:"eventTime,omitempty"`
	EventName    string   `json:"eventName,omitempty"`
	S3           s3Entity `json:"s3"`
}

type s3Entity struct {
	Bucket s3Bucket `json:"bucket"`
	Object s3Object `json:"object"`
}

type s3Bucket struct {
	Name string `json:"name"`
}

type s3Object struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
	ETag string `json:"eTag,omitempty"`
}

// ParseEvent decodes a notification payload. Only the first record is used;
// ignored reports how many further records were dropped.
func ParseEvent(raw []byte) (ev ObjectEvent, ignored int, err error) {
	var msg s3Event
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ObjectEvent{}, 0, fmt.Errorf("%w: decode json: %v", ErrParse, err)
	}
	if len(msg.Records) == 0 {
		return ObjectEvent{}, 0, fmt.Errorf("%w: no records", ErrParse)
	}

	rec := msg.Records[0].S3
	if rec.Bucket.Name == "" {
		return ObjectEvent{}, 0, fmt.Errorf("%w: empty bucket name", ErrParse)
	}
	key, err := url.PathUnescape(rec.Object.Key)
	if err != nil {
		return ObjectEvent{}, 0, fmt.Errorf("%w: decode key %q: %v", ErrParse, rec.Object.Key, err)
	}
	if key == "" {
		return ObjectEvent{}, 0, fmt.Errorf("%w: empty object key", ErrParse)
	}

	return ObjectEvent{Bucket: rec.Bucket.Name, Key: key, Size: rec.Object.Size}, len(msg.Records) - 1, nil
}

// EncodeEvent builds a single-record ObjectCreated notification for ev, with
// the key percent-encoded the way the store does it.
func EncodeEvent(ev ObjectEvent, at time.Time) ([]byte, error) {
	segments := strings.Split(ev.Key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}

	return json.Marshal(s3Event{Records: []s3Record{{
		EventVersion: "2.0",
		EventSource:  "minio:s3",
		EventTime:    at.UTC().Format(time.RFC3339Nano),
		EventName:    "s3:ObjectCreated:Put",
		S3: s3Entity{
			Bucket: s3Bucket{Name: ev.Bucket},
			Object: s3Object{Key: strings.Join(segments, "/"), Size: ev.Size},
		},
	}}})
}
