// Package archive copies raw webhook payloads to object storage.
package archive

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"clubBack/utils"
)

type Archiver interface {
	Archive(ctx context.Context, eventID string, receivedAt time.Time, payload []byte) error
}

// Nop discards payloads.
type Nop struct{}

func (Nop) Archive(context.Context, string, time.Time, []byte) error { return nil }

type S3 struct {
	client s3iface.S3API
	cfg    utils.S3Config
	prefix string
}

func NewS3(client s3iface.S3API, cfg utils.S3Config, prefix string) *S3 {
	return &S3{client: client, cfg: cfg, prefix: strings.Trim(prefix, "/")}
}

func (a *S3) Archive(ctx context.Context, eventID string, receivedAt time.Time, payload []byte) error {
	if _, err := utils.UploadToS3(ctx, a.client, a.cfg, ObjectKey(a.prefix, eventID, receivedAt), payload, "application/json"); err != nil {
		return fmt.Errorf("archive %s: %w", eventID, err)
	}
	return nil
}

// ObjectKey lays payloads out as <prefix>/<yyyy>/<mm>/<dd>/<event_id>.json in UTC.
func ObjectKey(prefix, eventID string, receivedAt time.Time) string {
	day := receivedAt.UTC().Format("2006/01/02")
	name := sanitize(eventID) + ".json"
	if prefix == "" {
		return path.Join(day, name)
	}
	return path.Join(prefix, day, name)
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ':
			return '_'
		}
		return r
	}, id)
}
